package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrLeaseNotFound      = errors.New("lease not found")
	ErrLeaseExpired       = errors.New("lease expired")
	ErrReceiverClosed     = errors.New("receiver closed")
	ErrSenderClosed       = errors.New("sender closed")
	ErrWrongReceiveMode   = errors.New("operation not supported in this receive mode")
	ErrEntityNotFound     = errors.New("entity not found")
	ErrEntityExists       = errors.New("entity already exists")
	ErrAlreadyDeadLetter  = errors.New("message is already dead-lettered")
	ErrInvalidEntity      = errors.New("invalid entity")
	ErrScheduleTimeNeeded = errors.New("schedule time is required")
)

// DeadLetterReasonMaxDelivery is recorded when a message is dead-lettered
// after exceeding the configured max delivery count.
const DeadLetterReasonMaxDelivery = "MaxDeliveryCountExceeded"

const deadLetterDescriptionMaxDelivery = "message could not be consumed within the max delivery count"

const (
	defaultLeaseTTL = 30 * time.Second
	maxBatch        = 256
)

type State string

const (
	StateActive     State = "active"
	StateScheduled  State = "scheduled"
	StateDeadLetter State = "dead_letter"
)

// SubQueue selects the main entity or its dead-letter sub-queue.
type SubQueue int

const (
	SubQueueMain SubQueue = iota
	SubQueueDeadLetter
)

func (s SubQueue) String() string {
	if s == SubQueueDeadLetter {
		return "dead"
	}
	return "main"
}

// ParseSubQueue accepts "", "main", "active", "dead", "dlq", "dead-letter"
// and "deadletter" in any case.
func ParseSubQueue(raw string) (SubQueue, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "main", "active":
		return SubQueueMain, nil
	case "dead", "dlq", "dead-letter", "dead_letter", "deadletter":
		return SubQueueDeadLetter, nil
	default:
		return SubQueueMain, fmt.Errorf("unknown sub-queue %q", raw)
	}
}

type ReceiveMode int

const (
	ModePeekLock ReceiveMode = iota
	ModeReceiveAndDelete
)

func (m ReceiveMode) String() string {
	if m == ModeReceiveAndDelete {
		return "receive_and_delete"
	}
	return "peek_lock"
}

// Entity is a queue or a topic subscription.
type Entity struct {
	Queue        string
	Topic        string
	Subscription string
}

func QueueEntity(name string) Entity {
	return Entity{Queue: strings.TrimSpace(name)}
}

func SubscriptionEntity(topic, subscription string) Entity {
	return Entity{Topic: strings.TrimSpace(topic), Subscription: strings.TrimSpace(subscription)}
}

func (e Entity) IsSubscription() bool {
	return e.Queue == "" && e.Topic != ""
}

// Path is the broker address of the entity: the queue name, or
// "<topic>/subscriptions/<subscription>".
func (e Entity) Path() string {
	if e.IsSubscription() {
		return e.Topic + "/subscriptions/" + e.Subscription
	}
	return e.Queue
}

// SendTarget is the name a sender uses to put messages back into the entity.
// For a subscription that is its topic.
func (e Entity) SendTarget() string {
	if e.IsSubscription() {
		return e.Topic
	}
	return e.Queue
}

func (e Entity) String() string {
	return e.Path()
}

func (e Entity) Validate() error {
	switch {
	case e.Queue != "" && (e.Topic != "" || e.Subscription != ""):
		return fmt.Errorf("%w: queue and topic are mutually exclusive", ErrInvalidEntity)
	case e.Queue != "":
		return nil
	case e.Topic == "":
		return fmt.Errorf("%w: queue or topic is required", ErrInvalidEntity)
	case e.Subscription == "":
		return fmt.Errorf("%w: subscription is required for topic %q", ErrInvalidEntity, e.Topic)
	}
	return nil
}

// Message is a broker-side record as observed by peek or receive.
type Message struct {
	ID                    string
	Subject               string
	ContentType           string
	Body                  []byte
	EnqueuedTime          time.Time
	ScheduledEnqueueTime  time.Time
	SequenceNumber        int64
	DeliveryCount         int
	Properties            map[string]Value
	State                 State
	DeadLetterReason      string
	DeadLetterDescription string
}

func (m Message) Property(name string) (Value, bool) {
	v, ok := m.Properties[name]
	return v, ok
}

// Outgoing returns a copy suitable for resending. Body, subject, content type,
// properties and message id are preserved.
func (m Message) Outgoing() OutgoingMessage {
	return OutgoingMessage{
		ID:          m.ID,
		Subject:     m.Subject,
		ContentType: m.ContentType,
		Body:        append([]byte(nil), m.Body...),
		Properties:  cloneProperties(m.Properties),
	}
}

func (m Message) clone() Message {
	out := m
	out.Body = append([]byte(nil), m.Body...)
	out.Properties = cloneProperties(m.Properties)
	return out
}

// LeasedMessage is a message held under a peek-lock lease. The lock token is
// only valid on the receiver that produced it.
type LeasedMessage struct {
	Message
	LockToken   string
	LockedUntil time.Time
}

type OutgoingMessage struct {
	ID          string
	Subject     string
	ContentType string
	Body        []byte
	Properties  map[string]Value
}

type Backend interface {
	OpenReceiver(ctx context.Context, entity Entity, sub SubQueue, mode ReceiveMode) (Receiver, error)
	OpenSender(ctx context.Context, target string) (Sender, error)
}

type Receiver interface {
	// Peek returns up to max messages with sequence number >= fromSequence
	// without locking them. Scheduled and locked messages are included.
	Peek(ctx context.Context, max int, fromSequence int64) ([]Message, error)
	ReceiveLocked(ctx context.Context, max int, wait time.Duration) ([]LeasedMessage, error)
	ReceiveAndDelete(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	Complete(ctx context.Context, msg LeasedMessage) error
	Abandon(ctx context.Context, msg LeasedMessage) error
	DeadLetter(ctx context.Context, msg LeasedMessage, reason, description string) error
	Close() error
}

type Sender interface {
	Send(ctx context.Context, msg OutgoingMessage) (int64, error)
	Schedule(ctx context.Context, msg OutgoingMessage, at time.Time) (int64, error)
	Close() error
}

// Provisioner creates entities. Creating an existing entity is a no-op.
type Provisioner interface {
	CreateQueue(ctx context.Context, name string) error
	CreateSubscription(ctx context.Context, topic, subscription string) error
}

// Store is a Backend that can provision entities and owns resources.
type Store interface {
	Backend
	Provisioner
	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error
	Close() error
}

func clampBatch(max int) int {
	if max <= 0 {
		return 1
	}
	if max > maxBatch {
		return maxBatch
	}
	return max
}

func cloneProperties(in map[string]Value) map[string]Value {
	if in == nil {
		return nil
	}
	out := make(map[string]Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func validateEntityName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidEntity)
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("%w: name %q must not contain '/'", ErrInvalidEntity, name)
	}
	return nil
}
