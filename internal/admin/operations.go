package admin

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/sbinspect/internal/inspect"
	"github.com/nuetzliches/sbinspect/internal/queue"
)

type OperationKind string

const (
	OperationDrain            OperationKind = "drain"
	OperationDeleteMatching   OperationKind = "delete_matching"
	OperationResubmitMatching OperationKind = "resubmit_matching"
)

func parseOperationKind(raw string) (OperationKind, bool) {
	switch k := OperationKind(raw); k {
	case OperationDrain, OperationDeleteMatching, OperationResubmitMatching:
		return k, true
	}
	return "", false
}

type OperationState string

const (
	StateRunning  OperationState = "running"
	StateDone     OperationState = "done"
	StateCanceled OperationState = "canceled"
	StateFailed   OperationState = "failed"
)

const defaultMaxRetainedOperations = 100

// Operation is a snapshot of a background bulk job.
type Operation struct {
	ID         string         `json:"id"`
	Kind       OperationKind  `json:"kind"`
	Entity     string         `json:"entity"`
	Sub        string         `json:"sub"`
	State      OperationState `json:"state"`
	Count      int            `json:"count"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

func (o Operation) Finished() bool { return o.State != StateRunning }

// OperationFunc runs one bulk job and reports progress through progress.
type OperationFunc func(ctx context.Context, progress inspect.ProgressFunc) (int, error)

type operationEntry struct {
	op     Operation
	cancel context.CancelFunc
	done   chan struct{}
}

// Operations tracks running and recently finished bulk jobs. Finished jobs
// beyond MaxRetained are forgotten oldest first.
type Operations struct {
	MaxRetained int

	now    func() time.Time
	base   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	ops    map[string]*operationEntry
	wg     sync.WaitGroup
	closed bool
}

func NewOperations() *Operations {
	ctx, cancel := context.WithCancel(context.Background())
	return &Operations{
		MaxRetained: defaultMaxRetainedOperations,
		now:         time.Now,
		base:        ctx,
		stop:        cancel,
		ops:         make(map[string]*operationEntry),
	}
}

var errOperationsClosed = errors.New("operations registry is shut down")

// Start runs fn in the background and returns its initial snapshot.
func (o *Operations) Start(kind OperationKind, entity queue.Entity, sub queue.SubQueue, fn OperationFunc) (Operation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return Operation{}, errOperationsClosed
	}

	ctx, cancel := context.WithCancel(o.base)
	e := &operationEntry{
		op: Operation{
			ID:        uuid.NewString(),
			Kind:      kind,
			Entity:    entity.Path(),
			Sub:       sub.String(),
			State:     StateRunning,
			StartedAt: o.now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.ops[e.op.ID] = e
	o.wg.Add(1)
	go o.run(ctx, e, fn)
	return e.op, nil
}

func (o *Operations) run(ctx context.Context, e *operationEntry, fn OperationFunc) {
	defer o.wg.Done()
	defer close(e.done)
	defer e.cancel()

	n, err := fn(ctx, func(count int) {
		o.mu.Lock()
		e.op.Count = count
		o.mu.Unlock()
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	e.op.Count = n
	finished := o.now().UTC()
	e.op.FinishedAt = &finished
	switch {
	case err == nil:
		e.op.State = StateDone
	case errors.Is(err, context.Canceled):
		e.op.State = StateCanceled
	default:
		e.op.State = StateFailed
		e.op.Error = err.Error()
	}
	o.pruneLocked()
}

func (o *Operations) pruneLocked() {
	limit := o.MaxRetained
	if limit <= 0 {
		limit = defaultMaxRetainedOperations
	}
	var finished []*operationEntry
	for _, e := range o.ops {
		if e.op.Finished() {
			finished = append(finished, e)
		}
	}
	if len(finished) <= limit {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].op.FinishedAt.Before(*finished[j].op.FinishedAt)
	})
	for _, e := range finished[:len(finished)-limit] {
		delete(o.ops, e.op.ID)
	}
}

func (o *Operations) Get(id string) (Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.ops[id]
	if !ok {
		return Operation{}, false
	}
	return e.op, true
}

// Running counts operations that have not finished.
func (o *Operations) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.ops {
		if !e.op.Finished() {
			n++
		}
	}
	return n
}

// List returns all known operations, newest first.
func (o *Operations) List() []Operation {
	o.mu.Lock()
	out := make([]Operation, 0, len(o.ops))
	for _, e := range o.ops {
		out = append(out, e.op)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Cancel requests cancellation. The returned snapshot may still be running.
func (o *Operations) Cancel(id string) (Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.ops[id]
	if !ok {
		return Operation{}, false
	}
	e.cancel()
	return e.op, true
}

// Wait blocks until the operation finishes or ctx is done.
func (o *Operations) Wait(ctx context.Context, id string) (Operation, error) {
	o.mu.Lock()
	e, ok := o.ops[id]
	o.mu.Unlock()
	if !ok {
		return Operation{}, errors.New("operation not found")
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return Operation{}, ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return e.op, nil
}

// Shutdown cancels every running operation and waits for them to stop.
func (o *Operations) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
