package observability

import (
	"math"
	"slices"
	"sort"
	"sync"
	"time"
)

// Turn stages measured from the moment a turn is accepted.
const (
	StageQuotaCheck       = "quota_check"
	StagePersistUser      = "persist_user"
	StageFirstDelta       = "first_delta"
	StageThinkingComplete = "thinking_complete"
	StagePersistAssistant = "persist_assistant"
	StageTurnTotal        = "turn_total"
)

var stageBudgetsMS = map[string]float64{
	StageQuotaCheck:       900,
	StagePersistUser:      150,
	StageFirstDelta:       1500,
	StagePersistAssistant: 250,
}

type TurnStageStats struct {
	Stage    string  `json:"stage"`
	Samples  int     `json:"samples"`
	LastMS   float64 `json:"last_ms"`
	AvgMS    float64 `json:"avg_ms"`
	P50MS    float64 `json:"p50_ms"`
	P95MS    float64 `json:"p95_ms"`
	MaxMS    float64 `json:"max_ms"`
	BudgetMS float64 `json:"budget_ms,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TurnStageSnapshot summarizes the most recent samples of every stage.
type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

type turnStageWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*latencyRing
	indicators map[string]int
}

// latencyRing keeps the last len(values) samples.
type latencyRing struct {
	values []float64
	count  int
	last   float64
}

func (r *latencyRing) add(v float64) {
	r.values[r.count%len(r.values)] = v
	r.count++
	r.last = v
}

func (r *latencyRing) samples() []float64 {
	n := min(r.count, len(r.values))
	return slices.Clone(r.values[:n])
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = 256
	}
	return &turnStageWindow{
		size:       size,
		rings:      make(map[string]*latencyRing),
		indicators: make(map[string]int),
	}
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &latencyRing{values: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for stage, r := range w.rings {
		values := r.samples()
		if len(values) == 0 {
			continue
		}
		sort.Float64s(values)
		var sum float64
		for _, v := range values {
			sum += v
		}
		snap.Stages = append(snap.Stages, TurnStageStats{
			Stage:    stage,
			Samples:  len(values),
			LastMS:   round2(r.last),
			AvgMS:    round2(sum / float64(len(values))),
			P50MS:    round2(nearestRank(values, 0.50)),
			P95MS:    round2(nearestRank(values, 0.95)),
			MaxMS:    round2(values[len(values)-1]),
			BudgetMS: stageBudgetsMS[stage],
		})
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for name, count := range w.indicators {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: count})
	}
	sort.Slice(snap.Indicators, func(i, j int) bool { return snap.Indicators[i].Name < snap.Indicators[j].Name })
	return snap
}

// nearestRank returns the q-quantile of sorted values.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[max(0, min(rank, len(sorted)-1))]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
