// Package checkpoint persists the state that survives restarts: the last
// event checkpoint and the usage counter baseline, per namespace.
package checkpoint

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/rcourtman/pulse-cloudstack/pkg/cloudstack"
)

// Checkpoint holds the events returned by the last fetch that produced new
// events. The next fetch resumes from their newest created instant.
type Checkpoint struct {
	Events  []cloudstack.Event `json:"events"`
	SavedAt time.Time          `json:"saved_at"`
}

// New builds a checkpoint from a raw listEvents response.
func New(events []cloudstack.Event, now time.Time) *Checkpoint {
	return &Checkpoint{Events: events, SavedAt: now.UTC()}
}

// ReferenceInstant is the newest created timestamp among the checkpoint events.
func (c *Checkpoint) ReferenceInstant() (time.Time, error) {
	if c == nil || len(c.Events) == 0 {
		return time.Time{}, fmt.Errorf("checkpoint is empty")
	}
	var ref time.Time
	for i, e := range c.Events {
		created, err := e.Created()
		if err != nil {
			return time.Time{}, fmt.Errorf("checkpoint event %d: %w", i, err)
		}
		if i == 0 || created.After(ref) {
			ref = created
		}
	}
	return ref, nil
}

// Baseline maps every usage counter ever emitted to its last value.
type Baseline map[string]int64

// Keys returns the counter names in sorted order.
func (b Baseline) Keys() []string {
	return slices.Sorted(maps.Keys(b))
}

// Clone returns an independent copy; a nil baseline clones to an empty one.
func (b Baseline) Clone() Baseline {
	out := make(Baseline, len(b))
	maps.Copy(out, b)
	return out
}

// Store is durable per-namespace state. Loads treat missing state as a
// normal empty result; saves replace the previous value atomically.
type Store interface {
	LoadCheckpoint(ctx context.Context) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LoadBaseline(ctx context.Context) (Baseline, error)
	SaveBaseline(ctx context.Context, b Baseline) error
	Namespace() string
	Close() error
}
