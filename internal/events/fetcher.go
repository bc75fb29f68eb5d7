// Package events turns successive listEvents responses into a stream of
// events not reported before, using the stored checkpoint as the boundary.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rcourtman/pulse-cloudstack/internal/checkpoint"
	internalerrors "github.com/rcourtman/pulse-cloudstack/internal/errors"
	"github.com/rcourtman/pulse-cloudstack/internal/logging"
	"github.com/rcourtman/pulse-cloudstack/pkg/cloudstack"
)

// Lister is the remote listEvents capability. A zero startDate means no
// lower bound; otherwise the server filter must include startDate itself.
type Lister interface {
	ListEvents(ctx context.Context, domainID string, startDate time.Time) ([]cloudstack.Event, error)
}

// Result is the outcome of one fetch.
type Result struct {
	// New holds events not reported before, in server order.
	New []cloudstack.Event
	// Created holds the parsed created instant of each New event.
	Created []time.Time
	// Checkpoint is the checkpoint to persist; it is the input checkpoint
	// when nothing new arrived.
	Checkpoint *checkpoint.Checkpoint
	// Advanced is true when Checkpoint differs from the input.
	Advanced bool
}

// Fetcher computes new events relative to a checkpoint.
type Fetcher struct {
	lister    Lister
	domainID  string
	namespace string
	now       func() time.Time
}

func NewFetcher(lister Lister, domainID, namespace string) *Fetcher {
	return &Fetcher{
		lister:    lister,
		domainID:  domainID,
		namespace: namespace,
		now:       time.Now,
	}
}

// FetchNew lists events since cp and drops those created exactly at cp's
// reference instant. With no checkpoint every listed event is new. Errors
// leave cp untouched.
func (f *Fetcher) FetchNew(ctx context.Context, cp *checkpoint.Checkpoint) (Result, error) {
	logger := logging.FromContext(ctx)

	var (
		ref     time.Time
		hasRef  bool
		startAt time.Time
	)
	if cp != nil {
		var err error
		ref, err = cp.ReferenceInstant()
		if err != nil {
			return Result{}, internalerrors.WrapDecodeError("fetch_events", f.namespace, err)
		}
		hasRef = true
		startAt = ref
	}

	listed, err := f.lister.ListEvents(ctx, f.domainID, startAt)
	if err != nil {
		return Result{}, err
	}

	res := Result{Checkpoint: cp}
	var newest time.Time
	for i, event := range listed {
		created, err := event.Created()
		if err != nil {
			return Result{}, internalerrors.WrapDecodeError("fetch_events", f.namespace, fmt.Errorf("event %d (id %q): %w", i, event.ID(), err))
		}
		if i == 0 || created.After(newest) {
			newest = created
		}
		if hasRef && created.Equal(ref) {
			continue
		}
		res.New = append(res.New, event)
		res.Created = append(res.Created, created)
	}

	if len(res.New) == 0 {
		logger.Debug().Int("listed", len(listed)).Msg("No new events")
		return res, nil
	}

	if hasRef && newest.Before(ref) {
		// The server returned only older events; keep the boundary where it is.
		logger.Warn().
			Time("reference", ref).
			Time("newest", newest).
			Msg("Event listing older than checkpoint, keeping checkpoint")
		return res, nil
	}

	res.Checkpoint = checkpoint.New(listed, f.now())
	res.Advanced = true
	logger.Debug().
		Int("listed", len(listed)).
		Int("new", len(res.New)).
		Time("reference", newest).
		Msg("Checkpoint advanced")
	return res, nil
}
