package inspect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nuetzliches/sbinspect/internal/queue"
)

// ErrSentCopyNotFound is returned by SendToDeadLetter when the message it
// just sent was not in the single batch leased back. This happens when the
// entity already holds ReceiveBatchSize or more visible messages. The sent
// message is not rolled back and stays active in the main sub-queue.
var ErrSentCopyNotFound = errors.New("sent message not found for dead-lettering")

const (
	ManualDeadLetterReason      = "ManualDeadLetter"
	manualDeadLetterDescription = "sent directly to the dead-letter sub-queue"
)

// Send enqueues msg on target, a queue or topic name. A non-zero at
// schedules the message.
func (s *Service) Send(ctx context.Context, target string, msg queue.OutgoingMessage, at time.Time) (int64, error) {
	entity := queue.QueueEntity(target)
	ctx, span, started := s.start(ctx, OpSend, entity, attribute.Bool("sbinspect.scheduled", !at.IsZero()))
	seq, err := send(ctx, s.Backend, target, withDefaults(msg), at)
	outcome := "done"
	if err != nil {
		outcome = "failed"
		s.logger().Warn("send_failed", slog.String("target", target), slog.Any("err", err))
	} else {
		s.logger().Info("send_done",
			slog.String("target", target),
			slog.Int64("sequence", seq),
			slog.Bool("scheduled", !at.IsZero()),
		)
	}
	s.finish(span, OpSend, outcome, 0, started, err)
	return seq, err
}

// SendToDeadLetter sends msg to entity and immediately dead-letters the sent
// copy. The copy is matched by message id, then by body and subject.
func (s *Service) SendToDeadLetter(ctx context.Context, entity queue.Entity, msg queue.OutgoingMessage) (int64, error) {
	ctx, span, started := s.start(ctx, OpSendDeadLetter, entity)
	msg = withDefaults(msg)
	seq, err := s.sendToDeadLetter(ctx, entity, msg)
	outcome := "done"
	if err != nil {
		outcome = "failed"
		s.logger().Warn("send_dead_letter_failed", slog.String("entity", entity.Path()), slog.Any("err", err))
	} else {
		s.logger().Info("send_dead_letter_done", slog.String("entity", entity.Path()), slog.Int64("sequence", seq))
	}
	s.finish(span, OpSendDeadLetter, outcome, 0, started, err)
	return seq, err
}

func (s *Service) sendToDeadLetter(ctx context.Context, entity queue.Entity, msg queue.OutgoingMessage) (int64, error) {
	if err := entity.Validate(); err != nil {
		return 0, err
	}
	settings := s.Settings()

	r, err := s.Backend.OpenReceiver(ctx, entity, queue.SubQueueMain, queue.ModePeekLock)
	if err != nil {
		return 0, fmt.Errorf("open receiver: %w", err)
	}
	defer r.Close()

	if _, err := send(ctx, s.Backend, entity.SendTarget(), msg, time.Time{}); err != nil {
		return 0, err
	}

	batch, err := r.ReceiveLocked(ctx, settings.ReceiveBatchSize, settings.ReceiveWait)
	if err != nil {
		return 0, fmt.Errorf("receive: %w", err)
	}
	target := findSent(batch, msg)
	if target < 0 {
		if err := abandonAll(ctx, r, batch, -1); err != nil {
			return 0, err
		}
		return 0, ErrSentCopyNotFound
	}
	if err := r.DeadLetter(ctx, batch[target], ManualDeadLetterReason, manualDeadLetterDescription); err != nil {
		return 0, fmt.Errorf("dead-letter %d: %w", batch[target].SequenceNumber, err)
	}
	if err := abandonAll(ctx, r, batch, target); err != nil {
		return 0, err
	}
	return batch[target].SequenceNumber, nil
}

func findSent(batch []queue.LeasedMessage, msg queue.OutgoingMessage) int {
	for i := range batch {
		if batch[i].ID == msg.ID {
			return i
		}
	}
	for i := range batch {
		if batch[i].Subject == msg.Subject && bytes.Equal(batch[i].Body, msg.Body) {
			return i
		}
	}
	return -1
}

func send(ctx context.Context, backend queue.Backend, target string, msg queue.OutgoingMessage, at time.Time) (int64, error) {
	sender, err := backend.OpenSender(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("open sender: %w", err)
	}
	defer sender.Close()

	if at.IsZero() {
		seq, err := sender.Send(ctx, msg)
		if err != nil {
			return 0, fmt.Errorf("send to %s: %w", target, err)
		}
		return seq, nil
	}
	seq, err := sender.Schedule(ctx, msg, at)
	if err != nil {
		return 0, fmt.Errorf("schedule to %s: %w", target, err)
	}
	return seq, nil
}

// withDefaults fills a missing message id and the text/plain content type.
func withDefaults(msg queue.OutgoingMessage) queue.OutgoingMessage {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ContentType == "" {
		msg.ContentType = "text/plain"
	}
	return msg
}
