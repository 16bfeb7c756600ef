package execution

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"

	"github.com/inaiurai/wagering/internal/events"
	"github.com/inaiurai/wagering/internal/models"
)

type SettlementEventArgs struct {
	Event events.Event `json:"event"`
}

func (SettlementEventArgs) Kind() string { return "settlement_event" }

type BetHistoryArgs struct {
	Record models.BetRecord `json:"record"`
}

func (BetHistoryArgs) Kind() string { return "bet_history" }

// HistoryRecorder persists bet-history rows.
type HistoryRecorder interface {
	Record(ctx context.Context, b models.BetRecord) error
}

type SettlementEventWorker struct {
	river.WorkerDefaults[SettlementEventArgs]
	emitter events.Emitter
}

func NewSettlementEventWorker(e events.Emitter) *SettlementEventWorker {
	return &SettlementEventWorker{emitter: e}
}

func (w *SettlementEventWorker) Work(ctx context.Context, job *river.Job[SettlementEventArgs]) error {
	if err := w.emitter.Emit(ctx, job.Args.Event); err != nil {
		return fmt.Errorf("emit %s for round %s: %w", job.Args.Event.Type, job.Args.Event.RoundID, err)
	}
	return nil
}

type BetHistoryWorker struct {
	river.WorkerDefaults[BetHistoryArgs]
	recorder HistoryRecorder
}

func NewBetHistoryWorker(r HistoryRecorder) *BetHistoryWorker {
	return &BetHistoryWorker{recorder: r}
}

func (w *BetHistoryWorker) Work(ctx context.Context, job *river.Job[BetHistoryArgs]) error {
	if err := w.recorder.Record(ctx, job.Args.Record); err != nil {
		return fmt.Errorf("record bet history for round %s: %w", job.Args.Record.RoundID, err)
	}
	return nil
}

// Register adds every worker of this package to workers.
func Register(workers *river.Workers, emitter events.Emitter, recorder HistoryRecorder) {
	river.AddWorker(workers, NewSettlementEventWorker(emitter))
	river.AddWorker(workers, NewBetHistoryWorker(recorder))
}
