package inspect

import (
	"context"
	"fmt"

	"github.com/nuetzliches/sbinspect/internal/queue"
)

// ProgressFunc receives the running total after each step of a bulk
// operation. Totals never decrease.
type ProgressFunc func(count int)

func (p ProgressFunc) report(n int) {
	if p != nil {
		p(n)
	}
}

// Drainer empties a sub-queue with a receive-and-delete receiver.
type Drainer struct {
	backend  queue.Backend
	settings Settings
}

func NewDrainer(backend queue.Backend, settings Settings) *Drainer {
	return &Drainer{backend: backend, settings: settings.normalized()}
}

// Drain removes messages until MaxEmptyBatches consecutive receives come back
// empty. On cancellation or backend error the partial count is returned
// together with the error.
func (d *Drainer) Drain(ctx context.Context, entity queue.Entity, sub queue.SubQueue, progress ProgressFunc) (int, error) {
	r, err := d.backend.OpenReceiver(ctx, entity, sub, queue.ModeReceiveAndDelete)
	if err != nil {
		return 0, fmt.Errorf("open receiver: %w", err)
	}
	defer r.Close()

	total, empty := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := r.ReceiveAndDelete(ctx, d.settings.ReceiveBatchSize, d.settings.ReceiveWait)
		if err != nil {
			return total, fmt.Errorf("receive: %w", err)
		}
		if len(batch) == 0 {
			empty++
			if d.settings.EmptyBatch.Exhausted(empty) {
				return total, nil
			}
			if err := d.settings.EmptyBatch.Wait(ctx); err != nil {
				return total, err
			}
			continue
		}
		empty = 0
		total += len(batch)
		progress.report(total)

		if len(batch) >= d.settings.ReceiveBatchSize {
			if err := d.settings.FullBatch.Wait(ctx); err != nil {
				return total, err
			}
		}
	}
}
