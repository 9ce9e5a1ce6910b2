package inspect

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nuetzliches/sbinspect/internal/queue"
)

// Browse peeks up to max messages starting at sequence number from, paging
// until max is reached or a page comes back empty.
func (s *Service) Browse(ctx context.Context, entity queue.Entity, sub queue.SubQueue, max int, from int64) ([]queue.Message, error) {
	ctx, span, started := s.start(ctx, OpBrowse, entity,
		attribute.String("sbinspect.sub", sub.String()),
		attribute.Int("sbinspect.max", max),
	)
	out, err := browse(ctx, s.Backend, entity, sub, max, from, s.Settings().PeekPageSize)
	outcome := "done"
	if err != nil {
		outcome = "failed"
	}
	s.finish(span, OpBrowse, outcome, 0, started, err)
	return out, err
}

func browse(ctx context.Context, backend queue.Backend, entity queue.Entity, sub queue.SubQueue, max int, from int64, pageSize int) ([]queue.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	r, err := backend.OpenReceiver(ctx, entity, sub, queue.ModePeekLock)
	if err != nil {
		return nil, fmt.Errorf("open receiver: %w", err)
	}
	defer r.Close()

	var out []queue.Message
	cursor := from
	for len(out) < max {
		n := max - len(out)
		if n > pageSize {
			n = pageSize
		}
		page, err := r.Peek(ctx, n, cursor)
		if err != nil {
			return out, fmt.Errorf("peek from %d: %w", cursor, err)
		}
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		cursor = page[len(page)-1].SequenceNumber + 1
	}
	return out, nil
}
