// Package execution runs the side effects of settled rounds as River jobs.
package execution

import (
	"context"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/inaiurai/wagering/internal/events"
	"github.com/inaiurai/wagering/internal/models"
)

const maxAttempts = 5

// Inserter is the part of *river.Client used to enqueue jobs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Enqueuer schedules settlement events and bet-history records.
type Enqueuer struct {
	client Inserter
}

func NewEnqueuer(client Inserter) *Enqueuer {
	return &Enqueuer{client: client}
}

func (e *Enqueuer) SettlementEvent(ctx context.Context, ev events.Event) error {
	_, err := e.client.Insert(ctx, SettlementEventArgs{Event: ev}, &river.InsertOpts{MaxAttempts: maxAttempts})
	return err
}

func (e *Enqueuer) BetHistory(ctx context.Context, rec models.BetRecord) error {
	_, err := e.client.Insert(ctx, BetHistoryArgs{Record: rec}, &river.InsertOpts{MaxAttempts: maxAttempts})
	return err
}
