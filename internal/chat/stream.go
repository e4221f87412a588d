package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/streamchat/internal/observability"
	"github.com/ent0n29/streamchat/internal/stream"
	"github.com/ent0n29/streamchat/internal/thinking"
	"github.com/ent0n29/streamchat/internal/upstream"
)

type streamOutcome struct {
	raw       string
	received  int64
	cancelled bool
	err       error
}

type readResult struct {
	data []byte
	err  error
}

// readLoop forwards body reads until an error. It exits when stop closes;
// closing the body unblocks a pending Read.
func readLoop(body io.Reader, reads chan<- readResult, stop <-chan struct{}) {
	for {
		buf := make([]byte, readBufferSize)
		n, err := body.Read(buf)
		if n == 0 && err == nil {
			continue
		}
		select {
		case reads <- readResult{data: buf[:n], err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// stream consumes one upstream response. Every text delta is accumulated,
// re-classified and pushed to the observer before the next read.
func (o *Orchestrator) stream(ctx context.Context, t *turn, req upstream.Request) streamOutcome {
	turnCtx, cancel := context.WithTimeout(ctx, o.opts.TurnTimeout)
	defer cancel()

	body, err := o.upstream.Open(turnCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return streamOutcome{cancelled: true}
		}
		return streamOutcome{err: fmt.Errorf("open stream: %w", err)}
	}

	reads := make(chan readResult)
	stop := make(chan struct{})
	go readLoop(body, reads, stop)
	defer func() {
		_ = body.Close()
		close(stop)
	}()

	pipeline := stream.NewPipeline()
	defer func() {
		if n := pipeline.Replacements(); n > 0 {
			if o.metrics != nil {
				o.metrics.DecodeReplacements.Add(float64(n))
			}
			t.logger.Warn("replaced undecodable upstream bytes", zap.Int("replacements", n))
		}
	}()

	var (
		acc              strings.Builder
		received         int64
		sawText          bool
		thinkingReported bool
	)
	outcome := func(err error) streamOutcome {
		return streamOutcome{raw: acc.String(), received: received, err: err}
	}

	// apply returns true once the stream is finished.
	apply := func(deltas []stream.Delta) (bool, error) {
		for _, d := range deltas {
			if o.metrics != nil {
				o.metrics.StreamFrames.WithLabelValues(d.Kind.String()).Inc()
			}
			switch d.Kind {
			case stream.KindText:
				if d.Content == "" {
					continue
				}
				if !sawText {
					sawText = true
					o.metrics.ObserveFirstDeltaLatency(time.Since(t.startedAt))
				}
				acc.WriteString(d.Content)
				split := thinking.Classify(acc.String())
				if split.ThinkingComplete && !thinkingReported {
					thinkingReported = true
					o.metrics.ObserveStage(observability.StageThinkingComplete, time.Since(t.startedAt))
				}
				t.observer.OnSnapshot(snapshotOf(split))
			case stream.KindDone:
				return true, nil
			case stream.KindFailure:
				return true, fmt.Errorf("upstream error frame: %s", d.Content)
			default:
				t.logger.Debug("skipping unparseable frame", zap.String("reason", d.Reason))
			}
		}
		return false, nil
	}

	stall := time.NewTimer(o.opts.StallTimeout)
	defer stall.Stop()

	for {
		select {
		case <-turnCtx.Done():
			if ctx.Err() != nil {
				return streamOutcome{cancelled: true, received: received}
			}
			return outcome(fmt.Errorf("turn exceeded %s", o.opts.TurnTimeout))
		case <-stall.C:
			return outcome(fmt.Errorf("stream stalled: no data for %s", o.opts.StallTimeout))
		case r := <-reads:
			if len(r.data) > 0 {
				received += int64(len(r.data))
				stall.Reset(o.opts.StallTimeout)
				finished, ferr := apply(pipeline.Feed(r.data))
				if ctx.Err() != nil {
					return streamOutcome{cancelled: true, received: received}
				}
				if finished {
					return outcome(ferr)
				}
			}
			if r.err == nil {
				continue
			}
			if errors.Is(r.err, io.EOF) {
				_, ferr := apply(pipeline.Finish())
				if ctx.Err() != nil {
					return streamOutcome{cancelled: true, received: received}
				}
				return outcome(ferr)
			}
			if ctx.Err() != nil {
				return streamOutcome{cancelled: true, received: received}
			}
			if _, ferr := apply(pipeline.Finish()); ferr != nil {
				return outcome(ferr)
			}
			return outcome(fmt.Errorf("read stream: %w", r.err))
		}
	}
}
