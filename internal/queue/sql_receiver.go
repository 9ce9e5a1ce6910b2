package queue

import (
	"context"
	"sync"
	"time"
)

type settleOp int

const (
	settleComplete settleOp = iota + 1
	settleAbandon
	settleDeadLetter
)

// sqlBroker is the storage side of a SQL-backed receiver.
type sqlBroker interface {
	peek(ctx context.Context, path string, sub SubQueue, max int, from int64) ([]Message, error)
	receiveOnce(ctx context.Context, r *sqlReceiver, max int) ([]LeasedMessage, error)
	settle(ctx context.Context, r *sqlReceiver, token string, op settleOp, reason, description string) error
	waitCh() <-chan struct{}
	pollEvery() time.Duration
}

// sqlReceiver is shared by the SQL-backed stores. Receive-and-delete batches
// travel as LeasedMessage values with an empty lock token.
type sqlReceiver struct {
	broker sqlBroker
	id     string
	path   string
	sub    SubQueue
	mode   ReceiveMode

	mu     sync.Mutex
	closed bool
}

func newSQLReceiver(b sqlBroker, path string, sub SubQueue, mode ReceiveMode) *sqlReceiver {
	return &sqlReceiver{broker: b, id: newHexID("rcv_"), path: path, sub: sub, mode: mode}
}

func (r *sqlReceiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *sqlReceiver) Peek(ctx context.Context, max int, fromSequence int64) ([]Message, error) {
	if r.isClosed() {
		return nil, ErrReceiverClosed
	}
	return r.broker.peek(ctx, r.path, r.sub, clampBatch(max), fromSequence)
}

func (r *sqlReceiver) ReceiveLocked(ctx context.Context, max int, wait time.Duration) ([]LeasedMessage, error) {
	if r.mode != ModePeekLock {
		return nil, ErrWrongReceiveMode
	}
	return r.receive(ctx, max, wait)
}

func (r *sqlReceiver) ReceiveAndDelete(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if r.mode != ModeReceiveAndDelete {
		return nil, ErrWrongReceiveMode
	}
	leased, err := r.receive(ctx, max, wait)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(leased))
	for _, lm := range leased {
		out = append(out, lm.Message)
	}
	return out, nil
}

func (r *sqlReceiver) receive(ctx context.Context, max int, wait time.Duration) ([]LeasedMessage, error) {
	max = clampBatch(max)
	if wait < 0 {
		wait = 0
	}
	deadline := time.Now().Add(wait)

	for {
		if r.isClosed() {
			return nil, ErrReceiverClosed
		}
		out, err := r.broker.receiveOnce(ctx, r, max)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 || wait == 0 {
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		waitCh := r.broker.waitCh()
		sleep := remaining
		if poll := r.broker.pollEvery(); poll > 0 && sleep > poll {
			sleep = poll
		}
		timer := time.NewTimer(sleep)
		select {
		case <-waitCh:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (r *sqlReceiver) settle(ctx context.Context, msg LeasedMessage, op settleOp, reason, description string) error {
	if r.mode != ModePeekLock {
		return ErrWrongReceiveMode
	}
	if r.isClosed() {
		return ErrReceiverClosed
	}
	if msg.LockToken == "" {
		return ErrLeaseNotFound
	}
	return r.broker.settle(ctx, r, msg.LockToken, op, reason, description)
}

func (r *sqlReceiver) Complete(ctx context.Context, msg LeasedMessage) error {
	return r.settle(ctx, msg, settleComplete, "", "")
}

func (r *sqlReceiver) Abandon(ctx context.Context, msg LeasedMessage) error {
	return r.settle(ctx, msg, settleAbandon, "", "")
}

func (r *sqlReceiver) DeadLetter(ctx context.Context, msg LeasedMessage, reason, description string) error {
	return r.settle(ctx, msg, settleDeadLetter, reason, description)
}

// Close invalidates the receiver. Outstanding leases run until they expire.
func (r *sqlReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type sqlSender struct {
	target  string
	enqueue func(ctx context.Context, target string, msg OutgoingMessage, at time.Time) (int64, error)

	mu     sync.Mutex
	closed bool
}

func (s *sqlSender) Send(ctx context.Context, msg OutgoingMessage) (int64, error) {
	return s.send(ctx, msg, time.Time{})
}

func (s *sqlSender) Schedule(ctx context.Context, msg OutgoingMessage, at time.Time) (int64, error) {
	if at.IsZero() {
		return 0, ErrScheduleTimeNeeded
	}
	return s.send(ctx, msg, at)
}

func (s *sqlSender) send(ctx context.Context, msg OutgoingMessage, at time.Time) (int64, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrSenderClosed
	}
	return s.enqueue(ctx, s.target, msg, at)
}

func (s *sqlSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
