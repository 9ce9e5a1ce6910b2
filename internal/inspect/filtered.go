package inspect

import (
	"context"
	"fmt"

	"github.com/nuetzliches/sbinspect/internal/filter"
	"github.com/nuetzliches/sbinspect/internal/queue"
)

// FilteredMutator walks a whole sub-queue under peek-lock, completing the
// messages a filter set selects and abandoning the rest.
type FilteredMutator struct {
	backend  queue.Backend
	settings Settings
}

func NewFilteredMutator(backend queue.Backend, settings Settings) *FilteredMutator {
	return &FilteredMutator{backend: backend, settings: settings.normalized()}
}

// DeleteMatching completes every message in sub that matches filters.
func (f *FilteredMutator) DeleteMatching(ctx context.Context, entity queue.Entity, sub queue.SubQueue, filters []filter.Filter, progress ProgressFunc) (int, error) {
	return f.run(ctx, entity, sub, filters, progress, nil)
}

// ResubmitMatching sends a copy of every matching dead-letter message to the
// entity's send target before completing it.
func (f *FilteredMutator) ResubmitMatching(ctx context.Context, entity queue.Entity, filters []filter.Filter, progress ProgressFunc) (int, error) {
	sender, err := f.backend.OpenSender(ctx, entity.SendTarget())
	if err != nil {
		return 0, fmt.Errorf("open sender: %w", err)
	}
	defer sender.Close()

	return f.run(ctx, entity, queue.SubQueueDeadLetter, filters, progress, func(ctx context.Context, msg queue.LeasedMessage) error {
		if _, err := sender.Send(ctx, msg.Outgoing()); err != nil {
			return fmt.Errorf("send copy of %d: %w", msg.SequenceNumber, err)
		}
		return nil
	})
}

// run evaluates every leased batch against the filter set, so a message whose
// match changes between deliveries is still caught. It stops after
// MaxEmptyBatches consecutive batches that were empty, or that brought no new
// sequence numbers and matched nothing.
func (f *FilteredMutator) run(ctx context.Context, entity queue.Entity, sub queue.SubQueue, filters []filter.Filter, progress ProgressFunc, beforeComplete func(context.Context, queue.LeasedMessage) error) (int, error) {
	set := filter.Compile(filters)

	r, err := f.backend.OpenReceiver(ctx, entity, sub, queue.ModePeekLock)
	if err != nil {
		return 0, fmt.Errorf("open receiver: %w", err)
	}
	defer r.Close()

	seen := make(map[int64]struct{})
	total, idle := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := r.ReceiveLocked(ctx, f.settings.ReceiveBatchSize, f.settings.ReceiveWait)
		if err != nil {
			return total, fmt.Errorf("receive: %w", err)
		}

		fresh := !allSeen(batch, seen)
		matched := 0
		var rest []queue.LeasedMessage
		for _, msg := range batch {
			seen[msg.SequenceNumber] = struct{}{}
			if !set.Match(msg.Message) {
				rest = append(rest, msg)
				continue
			}
			if beforeComplete != nil {
				if err := beforeComplete(ctx, msg); err != nil {
					return total, err
				}
			}
			if err := r.Complete(ctx, msg); err != nil {
				return total, fmt.Errorf("complete %d: %w", msg.SequenceNumber, err)
			}
			matched++
			total++
			progress.report(total)
		}
		if err := abandonAll(ctx, r, rest, -1); err != nil {
			return total, err
		}

		if len(batch) > 0 && (fresh || matched > 0) {
			idle = 0
			if err := f.settings.Abandon.Wait(ctx); err != nil {
				return total, err
			}
			continue
		}
		idle++
		if f.settings.EmptyBatch.Exhausted(idle) {
			return total, nil
		}
		if err := f.settings.EmptyBatch.Wait(ctx); err != nil {
			return total, err
		}
	}
}
