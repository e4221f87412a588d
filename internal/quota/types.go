package quota

import (
	"context"
	"errors"
	"time"
)

// ErrNoRemoteState means the remote has no record for an identity yet.
var ErrNoRemoteState = errors.New("no remote quota state")

// State is the allowance of one anonymous identity.
type State struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"total"`
	ResetAt   time.Time `json:"resetAt"`
}

// Status is the read-only answer to "may this identity start a turn".
type Status struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"total"`
	ResetAt   time.Time `json:"resetAt"`
}

// RemoteState is what a remote source of truth reports.
type RemoteState struct {
	Remaining int       `json:"remaining"`
	Total     int       `json:"total"`
	ResetAt   time.Time `json:"resetAt"`
}

// Remote is a source of truth for quota state.
type Remote interface {
	Fetch(ctx context.Context, identity string) (RemoteState, error)
}

// Recorder is implemented by remotes that accept write-through updates.
type Recorder interface {
	Record(ctx context.Context, identity string, state State) error
}

func (s State) Exhausted() bool {
	return s.Remaining <= 0
}

func (s State) status() Status {
	return Status{
		Allowed:   s.Remaining > 0,
		Remaining: s.Remaining,
		Limit:     s.Limit,
		ResetAt:   s.ResetAt,
	}
}
