package inspect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nuetzliches/sbinspect/internal/queue"
)

type ActionKind int

const (
	ActionComplete ActionKind = iota
	ActionRequeueFromDeadLetter
	ActionReschedule
	ActionDeadLetter
)

var actionNames = []string{"delete", "requeue", "reschedule", "dead_letter"}

func (k ActionKind) String() string {
	if k < 0 || int(k) >= len(actionNames) {
		return "unknown"
	}
	return actionNames[k]
}

// ParseActionKind accepts the names printed by String and a few aliases.
func ParseActionKind(raw string) (ActionKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "delete", "complete":
		return ActionComplete, true
	case "requeue", "resubmit":
		return ActionRequeueFromDeadLetter, true
	case "reschedule":
		return ActionReschedule, true
	case "dead_letter", "dead-letter", "deadletter":
		return ActionDeadLetter, true
	}
	return 0, false
}

// Action is what happens to the target once its lease is held.
type Action struct {
	Kind ActionKind
	// Sub selects the sub-queue for ActionComplete. The other kinds imply
	// their own sub-queue.
	Sub         queue.SubQueue
	At          time.Time
	Reason      string
	Description string
}

func Delete(sub queue.SubQueue) Action { return Action{Kind: ActionComplete, Sub: sub} }

func Requeue() Action { return Action{Kind: ActionRequeueFromDeadLetter} }

func Reschedule(at time.Time) Action { return Action{Kind: ActionReschedule, At: at} }

func DeadLetter(reason, description string) Action {
	return Action{Kind: ActionDeadLetter, Reason: reason, Description: description}
}

// SubQueue is the sub-queue the target is searched in.
func (a Action) SubQueue() queue.SubQueue {
	switch a.Kind {
	case ActionRequeueFromDeadLetter:
		return queue.SubQueueDeadLetter
	case ActionReschedule, ActionDeadLetter:
		return queue.SubQueueMain
	}
	return a.Sub
}

func (a Action) String() string { return a.Kind.String() }

func (a Action) sends() bool {
	return a.Kind == ActionRequeueFromDeadLetter || a.Kind == ActionReschedule
}

func (a Action) validate() error {
	switch a.Kind {
	case ActionComplete, ActionRequeueFromDeadLetter, ActionDeadLetter:
		return nil
	case ActionReschedule:
		if a.At.IsZero() {
			return queue.ErrScheduleTimeNeeded
		}
		return nil
	}
	return fmt.Errorf("unknown action %d", a.Kind)
}

type Outcome int

const (
	OutcomeMutated Outcome = iota
	OutcomeNotFound
	// OutcomeStuck: a batch brought no new sequence numbers. Abandoned leases
	// return to the head of the sub-queue, so a target past the first
	// ReceiveBatchSize visible messages is never reached.
	OutcomeStuck
	OutcomeExhausted
	OutcomeFailed
)

var outcomeNames = []string{"mutated", "not_found", "stuck", "exhausted", "failed"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Result is the outcome of one targeted mutation. Err is set only for
// OutcomeFailed.
type Result struct {
	Outcome Outcome
	Err     error
	// Batches counts the leased receives issued.
	Batches int
}

func (r Result) OK() bool { return r.Outcome == OutcomeMutated }

func failed(err error, batches int) Result {
	return Result{Outcome: OutcomeFailed, Err: err, Batches: batches}
}

// Mutator locates one message by sequence number under a peek-lock lease,
// applies an action to it and abandons every other message it leased.
type Mutator struct {
	backend  queue.Backend
	scanner  *Scanner
	settings Settings
}

func NewMutator(backend queue.Backend, settings Settings) *Mutator {
	settings = settings.normalized()
	return &Mutator{
		backend:  backend,
		scanner:  NewScanner(backend, settings),
		settings: settings,
	}
}

func (m *Mutator) Mutate(ctx context.Context, entity queue.Entity, seq int64, action Action) Result {
	if err := action.validate(); err != nil {
		return failed(err, 0)
	}
	r, err := m.backend.OpenReceiver(ctx, entity, action.SubQueue(), queue.ModePeekLock)
	if err != nil {
		return failed(fmt.Errorf("open receiver: %w", err), 0)
	}
	defer r.Close()

	var sender queue.Sender
	if action.sends() {
		sender, err = m.backend.OpenSender(ctx, entity.SendTarget())
		if err != nil {
			return failed(fmt.Errorf("open sender: %w", err), 0)
		}
		defer sender.Close()
	}

	if !m.settings.SkipPeekVerification {
		ok, err := m.scanner.existsOn(ctx, r, seq)
		if err != nil {
			return failed(err, 0)
		}
		if !ok {
			return Result{Outcome: OutcomeNotFound}
		}
	}

	seen := make(map[int64]struct{})
	empty := 0
	for i := 0; i < m.settings.MaxReceiveBatches; i++ {
		if err := ctx.Err(); err != nil {
			return failed(err, i)
		}
		batch, err := r.ReceiveLocked(ctx, m.settings.ReceiveBatchSize, m.settings.ReceiveWait)
		if err != nil {
			return failed(fmt.Errorf("receive: %w", err), i+1)
		}
		if len(batch) == 0 {
			empty++
			if m.settings.EmptyBatch.Exhausted(empty) {
				// consumed elsewhere since the peek
				return Result{Outcome: OutcomeNotFound, Batches: i + 1}
			}
			if err := m.settings.EmptyBatch.Wait(ctx); err != nil {
				return failed(err, i+1)
			}
			continue
		}
		empty = 0

		if allSeen(batch, seen) {
			if err := abandonAll(ctx, r, batch, -1); err != nil {
				return failed(err, i+1)
			}
			return Result{Outcome: OutcomeStuck, Batches: i + 1}
		}

		target := -1
		for j := range batch {
			seen[batch[j].SequenceNumber] = struct{}{}
			if batch[j].SequenceNumber == seq {
				target = j
			}
		}
		if target >= 0 {
			// on failure the remaining leases expire on their own
			if err := m.apply(ctx, r, sender, batch[target], action); err != nil {
				return failed(err, i+1)
			}
			if err := abandonAll(ctx, r, batch, target); err != nil {
				return failed(err, i+1)
			}
			return Result{Outcome: OutcomeMutated, Batches: i + 1}
		}

		if err := abandonAll(ctx, r, batch, -1); err != nil {
			return failed(err, i+1)
		}
		if err := m.settings.Abandon.Wait(ctx); err != nil {
			return failed(err, i+1)
		}
	}
	return Result{Outcome: OutcomeExhausted, Batches: m.settings.MaxReceiveBatches}
}

func (m *Mutator) apply(ctx context.Context, r queue.Receiver, sender queue.Sender, msg queue.LeasedMessage, action Action) error {
	switch action.Kind {
	case ActionComplete:
		if err := r.Complete(ctx, msg); err != nil {
			return fmt.Errorf("complete %d: %w", msg.SequenceNumber, err)
		}
	case ActionRequeueFromDeadLetter:
		if _, err := sender.Send(ctx, msg.Outgoing()); err != nil {
			return fmt.Errorf("send copy of %d: %w", msg.SequenceNumber, err)
		}
		if err := r.Complete(ctx, msg); err != nil {
			return fmt.Errorf("complete %d: %w", msg.SequenceNumber, err)
		}
	case ActionReschedule:
		if _, err := sender.Schedule(ctx, msg.Outgoing(), action.At); err != nil {
			return fmt.Errorf("schedule copy of %d: %w", msg.SequenceNumber, err)
		}
		if err := r.Complete(ctx, msg); err != nil {
			return fmt.Errorf("complete %d: %w", msg.SequenceNumber, err)
		}
	case ActionDeadLetter:
		if err := r.DeadLetter(ctx, msg, action.Reason, action.Description); err != nil {
			return fmt.Errorf("dead-letter %d: %w", msg.SequenceNumber, err)
		}
	}
	return nil
}

func allSeen(batch []queue.LeasedMessage, seen map[int64]struct{}) bool {
	for i := range batch {
		if _, ok := seen[batch[i].SequenceNumber]; !ok {
			return false
		}
	}
	return true
}

// abandonAll releases every lease in batch except the one at index skip.
func abandonAll(ctx context.Context, r queue.Receiver, batch []queue.LeasedMessage, skip int) error {
	for i := range batch {
		if i == skip {
			continue
		}
		if err := r.Abandon(ctx, batch[i]); err != nil {
			return fmt.Errorf("abandon %d: %w", batch[i].SequenceNumber, err)
		}
	}
	return nil
}
