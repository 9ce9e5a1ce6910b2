package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithLeaseTTL sets how long a peek-lock lease stays valid.
func WithLeaseTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

// WithMaxDeliveryCount dead-letters active messages whose delivery count
// reaches n. Zero disables the limit.
func WithMaxDeliveryCount(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n >= 0 {
			s.maxDeliveryCount = n
		}
	}
}

type MemoryStore struct {
	mu               sync.Mutex
	nowFn            func() time.Time
	leaseTTL         time.Duration
	maxDeliveryCount int
	entities         map[string]*memoryEntity
	topics           map[string][]string // topic -> subscription paths
	locks            map[string]memoryLockRef
	notify           chan struct{}
}

type memoryEntity struct {
	path         string
	subscription bool
	nextSeq      int64
	items        map[int64]*memoryItem
	order        []int64
}

type memoryItem struct {
	msg         Message
	lockToken   string
	lockedUntil time.Time
	receiverID  string
}

type memoryLockRef struct {
	path string
	seq  int64
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:    time.Now,
		leaseTTL: defaultLeaseTTL,
		entities: make(map[string]*memoryEntity),
		topics:   make(map[string][]string),
		locks:    make(map[string]memoryLockRef),
		notify:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateQueue(_ context.Context, name string) error {
	if err := validateEntityName(name); err != nil {
		return err
	}
	name = strings.TrimSpace(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[name]; ok {
		return fmt.Errorf("%w: %q is a topic", ErrEntityExists, name)
	}
	if _, ok := s.entities[name]; !ok {
		s.entities[name] = newMemoryEntity(name)
	}
	return nil
}

func (s *MemoryStore) CreateSubscription(_ context.Context, topic, subscription string) error {
	if err := validateEntityName(topic); err != nil {
		return err
	}
	if err := validateEntityName(subscription); err != nil {
		return err
	}
	path := SubscriptionEntity(topic, subscription).Path()
	topic = strings.TrimSpace(topic)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[topic]; ok {
		return fmt.Errorf("%w: %q is a queue", ErrEntityExists, topic)
	}
	if _, ok := s.entities[path]; ok {
		return nil
	}
	ent := newMemoryEntity(path)
	ent.subscription = true
	s.entities[path] = ent
	s.topics[topic] = append(s.topics[topic], path)
	return nil
}

func (s *MemoryStore) OpenReceiver(_ context.Context, entity Entity, sub SubQueue, mode ReceiveMode) (Receiver, error) {
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, ok := s.entities[entity.Path()]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entity.Path())
	}
	return &memoryReceiver{
		store: s,
		id:    newHexID("rcv_"),
		path:  entity.Path(),
		sub:   sub,
		mode:  mode,
	}, nil
}

func (s *MemoryStore) OpenSender(_ context.Context, target string) (Sender, error) {
	target = strings.TrimSpace(target)
	s.mu.Lock()
	ent, isQueue := s.entities[target]
	isQueue = isQueue && !ent.subscription
	_, isTopic := s.topics[target]
	s.mu.Unlock()
	if target == "" || (!isQueue && !isTopic) {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, target)
	}
	return &memorySender{store: s, target: target}, nil
}

func newMemoryEntity(path string) *memoryEntity {
	return &memoryEntity{path: path, nextSeq: 1, items: make(map[int64]*memoryItem)}
}

func (s *MemoryStore) enqueue(target string, msg OutgoingMessage, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	paths := []string{target}
	if subs, ok := s.topics[target]; ok {
		paths = subs
	}
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	var last int64
	for _, path := range paths {
		ent := s.entities[path]
		if ent == nil {
			return 0, fmt.Errorf("%w: %s", ErrEntityNotFound, path)
		}
		seq := ent.nextSeq
		ent.nextSeq++
		m := Message{
			ID:             id,
			Subject:        msg.Subject,
			ContentType:    msg.ContentType,
			Body:           append([]byte(nil), msg.Body...),
			EnqueuedTime:   now,
			SequenceNumber: seq,
			Properties:     cloneProperties(msg.Properties),
			State:          StateActive,
		}
		if !at.IsZero() {
			m.ScheduledEnqueueTime = at.UTC()
			if at.After(now) {
				m.State = StateScheduled
				m.EnqueuedTime = at.UTC()
			}
		}
		ent.items[seq] = &memoryItem{msg: m}
		ent.order = append(ent.order, seq)
		last = seq
	}
	s.signalLocked()
	return last, nil
}

// maintainLocked expires leases and activates scheduled messages.
func (s *MemoryStore) maintainLocked(now time.Time) {
	changed := false
	for _, ent := range s.entities {
		for _, seq := range ent.order {
			it := ent.items[seq]
			if it == nil {
				continue
			}
			if it.lockToken != "" && !now.Before(it.lockedUntil) {
				s.releaseLocked(it)
				changed = true
			}
			if it.msg.State == StateScheduled && !now.Before(it.msg.ScheduledEnqueueTime) {
				it.msg.State = StateActive
				changed = true
			}
		}
	}
	if changed {
		s.signalLocked()
	}
}

// releaseLocked drops the lease on it and counts a delivery. An active
// message at the max delivery count is moved to the dead-letter sub-queue.
func (s *MemoryStore) releaseLocked(it *memoryItem) {
	delete(s.locks, it.lockToken)
	it.lockToken = ""
	it.lockedUntil = time.Time{}
	it.receiverID = ""
	it.msg.DeliveryCount++
	if s.maxDeliveryCount > 0 && it.msg.State == StateActive && it.msg.DeliveryCount >= s.maxDeliveryCount {
		it.msg.State = StateDeadLetter
		it.msg.DeadLetterReason = DeadLetterReasonMaxDelivery
		it.msg.DeadLetterDescription = deadLetterDescriptionMaxDelivery
	}
}

func (s *MemoryStore) removeLocked(ent *memoryEntity, seq int64) {
	it := ent.items[seq]
	if it == nil {
		return
	}
	if it.lockToken != "" {
		delete(s.locks, it.lockToken)
	}
	delete(ent.items, seq)
	idx := sort.Search(len(ent.order), func(i int) bool { return ent.order[i] >= seq })
	if idx < len(ent.order) && ent.order[idx] == seq {
		ent.order = append(ent.order[:idx], ent.order[idx+1:]...)
	}
}

func (s *MemoryStore) signalLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func visibleIn(sub SubQueue, st State) bool {
	if sub == SubQueueDeadLetter {
		return st == StateDeadLetter
	}
	return st == StateActive
}

func peekableIn(sub SubQueue, st State) bool {
	if sub == SubQueueDeadLetter {
		return st == StateDeadLetter
	}
	return st == StateActive || st == StateScheduled
}

type memoryReceiver struct {
	store  *MemoryStore
	id     string
	path   string
	sub    SubQueue
	mode   ReceiveMode
	closed bool
}

func (r *memoryReceiver) Peek(ctx context.Context, max int, fromSequence int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	max = clampBatch(max)

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.closed {
		return nil, ErrReceiverClosed
	}
	s.maintainLocked(s.nowFn())

	ent := s.entities[r.path]
	if ent == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, r.path)
	}
	start := sort.Search(len(ent.order), func(i int) bool { return ent.order[i] >= fromSequence })
	var out []Message
	for _, seq := range ent.order[start:] {
		if len(out) >= max {
			break
		}
		it := ent.items[seq]
		if it == nil || !peekableIn(r.sub, it.msg.State) {
			continue
		}
		out = append(out, it.msg.clone())
	}
	return out, nil
}

func (r *memoryReceiver) ReceiveLocked(ctx context.Context, max int, wait time.Duration) ([]LeasedMessage, error) {
	if r.mode != ModePeekLock {
		return nil, ErrWrongReceiveMode
	}
	var out []LeasedMessage
	err := r.receive(ctx, wait, func(now time.Time, ent *memoryEntity) bool {
		max = clampBatch(max)
		s := r.store
		for _, seq := range ent.order {
			if len(out) >= max {
				break
			}
			it := ent.items[seq]
			if it == nil || it.lockToken != "" || !visibleIn(r.sub, it.msg.State) {
				continue
			}
			it.lockToken = uuid.NewString()
			it.lockedUntil = now.Add(s.leaseTTL)
			it.receiverID = r.id
			s.locks[it.lockToken] = memoryLockRef{path: ent.path, seq: seq}
			out = append(out, LeasedMessage{Message: it.msg.clone(), LockToken: it.lockToken, LockedUntil: it.lockedUntil})
		}
		return len(out) > 0
	})
	return out, err
}

func (r *memoryReceiver) ReceiveAndDelete(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if r.mode != ModeReceiveAndDelete {
		return nil, ErrWrongReceiveMode
	}
	var out []Message
	err := r.receive(ctx, wait, func(_ time.Time, ent *memoryEntity) bool {
		max = clampBatch(max)
		var taken []int64
		for _, seq := range ent.order {
			if len(out) >= max {
				break
			}
			it := ent.items[seq]
			if it == nil || it.lockToken != "" || !visibleIn(r.sub, it.msg.State) {
				continue
			}
			out = append(out, it.msg.clone())
			taken = append(taken, seq)
		}
		for _, seq := range taken {
			r.store.removeLocked(ent, seq)
		}
		return len(out) > 0
	})
	return out, err
}

// receive runs take under the store lock until it reports a non-empty batch,
// the wait elapses or ctx is done.
func (r *memoryReceiver) receive(ctx context.Context, wait time.Duration, take func(now time.Time, ent *memoryEntity) bool) error {
	if wait < 0 {
		wait = 0
	}
	deadline := time.Now().Add(wait)
	s := r.store

	for {
		s.mu.Lock()
		if r.closed {
			s.mu.Unlock()
			return ErrReceiverClosed
		}
		now := s.nowFn()
		s.maintainLocked(now)
		ent := s.entities[r.path]
		if ent == nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrEntityNotFound, r.path)
		}
		if take(now, ent) {
			s.mu.Unlock()
			return nil
		}
		waitCh := s.notify
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-waitCh:
			if !timer.Stop() {
				<-timer.C
			}
			continue
		case <-timer.C:
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// withLease resolves msg's lock token to its item. Expired leases are
// released and reported as ErrLeaseExpired.
func (r *memoryReceiver) withLease(msg LeasedMessage, fn func(ent *memoryEntity, it *memoryItem) error) error {
	if r.mode != ModePeekLock {
		return ErrWrongReceiveMode
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.closed {
		return ErrReceiverClosed
	}

	ref, ok := s.locks[msg.LockToken]
	if !ok || ref.path != r.path {
		return ErrLeaseNotFound
	}
	ent := s.entities[ref.path]
	if ent == nil {
		delete(s.locks, msg.LockToken)
		return ErrLeaseNotFound
	}
	it := ent.items[ref.seq]
	if it == nil || it.lockToken != msg.LockToken || it.receiverID != r.id {
		return ErrLeaseNotFound
	}
	if !s.nowFn().Before(it.lockedUntil) {
		s.releaseLocked(it)
		s.signalLocked()
		return ErrLeaseExpired
	}
	return fn(ent, it)
}

func (r *memoryReceiver) Complete(_ context.Context, msg LeasedMessage) error {
	return r.withLease(msg, func(ent *memoryEntity, it *memoryItem) error {
		r.store.removeLocked(ent, it.msg.SequenceNumber)
		return nil
	})
}

func (r *memoryReceiver) Abandon(_ context.Context, msg LeasedMessage) error {
	return r.withLease(msg, func(_ *memoryEntity, it *memoryItem) error {
		r.store.releaseLocked(it)
		r.store.signalLocked()
		return nil
	})
}

func (r *memoryReceiver) DeadLetter(_ context.Context, msg LeasedMessage, reason, description string) error {
	return r.withLease(msg, func(_ *memoryEntity, it *memoryItem) error {
		if it.msg.State == StateDeadLetter {
			return ErrAlreadyDeadLetter
		}
		delete(r.store.locks, it.lockToken)
		it.lockToken = ""
		it.lockedUntil = time.Time{}
		it.receiverID = ""
		it.msg.State = StateDeadLetter
		it.msg.DeadLetterReason = reason
		it.msg.DeadLetterDescription = description
		r.store.signalLocked()
		return nil
	})
}

// Close invalidates the receiver. Outstanding leases run until they expire.
func (r *memoryReceiver) Close() error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.closed = true
	return nil
}

type memorySender struct {
	store  *MemoryStore
	target string
	mu     sync.Mutex
	closed bool
}

func (s *memorySender) Send(ctx context.Context, msg OutgoingMessage) (int64, error) {
	return s.send(ctx, msg, time.Time{})
}

func (s *memorySender) Schedule(ctx context.Context, msg OutgoingMessage, at time.Time) (int64, error) {
	if at.IsZero() {
		return 0, ErrScheduleTimeNeeded
	}
	return s.send(ctx, msg, at)
}

func (s *memorySender) send(ctx context.Context, msg OutgoingMessage, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrSenderClosed
	}
	return s.store.enqueue(s.target, msg, at)
}

func (s *memorySender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
