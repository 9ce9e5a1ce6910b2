package inspect

import (
	"context"
	"fmt"

	"github.com/nuetzliches/sbinspect/internal/queue"
)

// Scanner checks whether a sequence number is still present by paging
// through peeks. It never locks or removes anything.
type Scanner struct {
	backend  queue.Backend
	pageSize int
	maxPages int
}

func NewScanner(backend queue.Backend, settings Settings) *Scanner {
	settings = settings.normalized()
	return &Scanner{
		backend:  backend,
		pageSize: settings.PeekPageSize,
		maxPages: settings.MaxPeekPages,
	}
}

func (s *Scanner) Exists(ctx context.Context, entity queue.Entity, sub queue.SubQueue, seq int64) (bool, error) {
	r, err := s.backend.OpenReceiver(ctx, entity, sub, queue.ModePeekLock)
	if err != nil {
		return false, fmt.Errorf("open receiver: %w", err)
	}
	defer r.Close()
	return s.existsOn(ctx, r, seq)
}

// existsOn scans from the head of r. The scan stops at the target, at a
// short page or after maxPages pages.
func (s *Scanner) existsOn(ctx context.Context, r queue.Receiver, seq int64) (bool, error) {
	var from int64
	for page := 0; page < s.maxPages; page++ {
		msgs, err := r.Peek(ctx, s.pageSize, from)
		if err != nil {
			return false, fmt.Errorf("peek from %d: %w", from, err)
		}
		for _, m := range msgs {
			if m.SequenceNumber == seq {
				return true, nil
			}
		}
		if len(msgs) < s.pageSize {
			return false, nil
		}
		from = msgs[len(msgs)-1].SequenceNumber + 1
	}
	return false, nil
}
