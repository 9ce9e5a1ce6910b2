package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresOption func(*PostgresStore)

type PostgresStore struct {
	db *sql.DB

	mu               sync.Mutex
	nowFn            func() time.Time
	notify           chan struct{}
	pollInterval     time.Duration
	leaseTTL         time.Duration
	maxDeliveryCount int
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS sb_entities (
  path     TEXT PRIMARY KEY,
  kind     TEXT NOT NULL,
  topic    TEXT NOT NULL DEFAULT '',
  next_seq BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_sb_entities_topic
  ON sb_entities(kind, topic);

CREATE TABLE IF NOT EXISTS sb_messages (
  entity           TEXT NOT NULL REFERENCES sb_entities(path) ON DELETE CASCADE,
  seq              BIGINT NOT NULL,
  message_id       TEXT NOT NULL,
  subject          TEXT NOT NULL DEFAULT '',
  content_type     TEXT NOT NULL DEFAULT '',
  body             BYTEA NOT NULL,
  properties_json  JSONB,
  state            TEXT NOT NULL,
  enqueued_at      TIMESTAMPTZ NOT NULL,
  scheduled_at     TIMESTAMPTZ,
  delivery_count   INTEGER NOT NULL DEFAULT 0,
  dead_reason      TEXT,
  dead_description TEXT,
  lock_token       TEXT UNIQUE,
  locked_until     TIMESTAMPTZ,
  receiver_id      TEXT,
  PRIMARY KEY (entity, seq)
);
CREATE INDEX IF NOT EXISTS idx_sb_messages_ready
  ON sb_messages(entity, state, seq);
CREATE INDEX IF NOT EXISTS idx_sb_messages_locked_until
  ON sb_messages(locked_until);
`

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithPostgresPollInterval(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithPostgresLeaseTTL(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

func WithPostgresMaxDeliveryCount(n int) PostgresOption {
	return func(s *PostgresStore) {
		if n >= 0 {
			s.maxDeliveryCount = n
		}
	}
}

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
		db:           db,
		nowFn:        time.Now,
		notify:       make(chan struct{}),
		pollInterval: 25 * time.Millisecond,
		leaseTTL:     defaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

func (s *PostgresStore) init() error {
	if _, err := s.db.ExecContext(context.Background(), postgresSchemaV1); err != nil {
		return fmt.Errorf("postgres: migrate v1: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction. ErrLeaseExpired from fn still commits.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	fnErr := fn(tx)
	if fnErr != nil && !errors.Is(fnErr, ErrLeaseExpired) {
		return fnErr
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return fnErr
}

func (s *PostgresStore) entityKind(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, path string) (string, error) {
	var kind string
	err := q.QueryRowContext(ctx, `SELECT kind FROM sb_entities WHERE path = $1`, path).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: lookup entity: %w", err)
	}
	return kind, nil
}

func (s *PostgresStore) CreateQueue(ctx context.Context, name string) error {
	if err := validateEntityName(name); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		kind, err := s.entityKind(ctx, tx, name)
		if err != nil {
			return err
		}
		switch kind {
		case entityKindQueue:
			return nil
		case "":
		default:
			return fmt.Errorf("%w: %q is a %s", ErrEntityExists, name, kind)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO sb_entities(path, kind) VALUES ($1, $2)`, name, entityKindQueue)
		return mapPostgresInsertError(err)
	})
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, topic, subscription string) error {
	if err := validateEntityName(topic); err != nil {
		return err
	}
	if err := validateEntityName(subscription); err != nil {
		return err
	}
	topic = strings.TrimSpace(topic)
	path := SubscriptionEntity(topic, subscription).Path()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		kind, err := s.entityKind(ctx, tx, topic)
		if err != nil {
			return err
		}
		switch kind {
		case entityKindTopic:
		case "":
			if _, err := tx.ExecContext(ctx, `INSERT INTO sb_entities(path, kind) VALUES ($1, $2)`, topic, entityKindTopic); err != nil {
				return mapPostgresInsertError(err)
			}
		default:
			return fmt.Errorf("%w: %q is a %s", ErrEntityExists, topic, kind)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO sb_entities(path, kind, topic) VALUES ($1, $2, $3)
ON CONFLICT (path) DO NOTHING
`, path, entityKindSubscription, topic)
		return mapPostgresInsertError(err)
	})
}

func (s *PostgresStore) OpenReceiver(ctx context.Context, entity Entity, sub SubQueue, mode ReceiveMode) (Receiver, error) {
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	kind, err := s.entityKind(ctx, s.db, entity.Path())
	if err != nil {
		return nil, err
	}
	if kind != entityKindQueue && kind != entityKindSubscription {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entity.Path())
	}
	return newSQLReceiver(s, entity.Path(), sub, mode), nil
}

func (s *PostgresStore) OpenSender(ctx context.Context, target string) (Sender, error) {
	target = strings.TrimSpace(target)
	kind, err := s.entityKind(ctx, s.db, target)
	if err != nil {
		return nil, err
	}
	if kind != entityKindQueue && kind != entityKindTopic {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, target)
	}
	return &sqlSender{target: target, enqueue: s.enqueue}, nil
}

func (s *PostgresStore) enqueue(ctx context.Context, target string, msg OutgoingMessage, at time.Time) (int64, error) {
	propsJSON, err := marshalProperties(msg.Properties)
	if err != nil {
		return 0, err
	}
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	state, enqueuedAt, scheduledAt := initialState(s.now(), at)
	body := msg.Body
	if body == nil {
		body = []byte{}
	}

	var last int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		paths, err := s.fanout(ctx, tx, target)
		if err != nil {
			return err
		}
		for _, path := range paths {
			var seq int64
			if err := tx.QueryRowContext(ctx, `
UPDATE sb_entities SET next_seq = next_seq + 1 WHERE path = $1
RETURNING next_seq - 1
`, path).Scan(&seq); err != nil {
				return fmt.Errorf("postgres: assign sequence: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO sb_messages(entity, seq, message_id, subject, content_type, body, properties_json, state, enqueued_at, scheduled_at, delivery_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
`, path, seq, id, msg.Subject, msg.ContentType, body, propsJSON, string(state), enqueuedAt, nullTime(scheduledAt)); err != nil {
				return fmt.Errorf("postgres: insert message: %w", mapPostgresInsertError(err))
			}
			last = seq
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.signal()
	return last, nil
}

func (s *PostgresStore) fanout(ctx context.Context, tx *sql.Tx, target string) ([]string, error) {
	kind, err := s.entityKind(ctx, tx, target)
	if err != nil {
		return nil, err
	}
	switch kind {
	case entityKindQueue:
		return []string{target}, nil
	case entityKindTopic:
	default:
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, target)
	}
	rows, err := tx.QueryContext(ctx, `SELECT path FROM sb_entities WHERE kind = $1 AND topic = $2 ORDER BY path`, entityKindSubscription, target)
	if err != nil {
		return nil, fmt.Errorf("postgres: list subscriptions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) maintain(ctx context.Context, tx *sql.Tx, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
UPDATE sb_messages
SET lock_token = NULL, locked_until = NULL, receiver_id = NULL, delivery_count = delivery_count + 1
WHERE lock_token IS NOT NULL AND locked_until <= $1
`, now); err != nil {
		return fmt.Errorf("postgres: expire leases: %w", err)
	}
	if s.maxDeliveryCount > 0 {
		if _, err := tx.ExecContext(ctx, `
UPDATE sb_messages
SET state = $1, dead_reason = $2, dead_description = $3
WHERE state = $4 AND lock_token IS NULL AND delivery_count >= $5
`, string(StateDeadLetter), DeadLetterReasonMaxDelivery, deadLetterDescriptionMaxDelivery, string(StateActive), s.maxDeliveryCount); err != nil {
			return fmt.Errorf("postgres: apply max delivery count: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE sb_messages SET state = $1
WHERE state = $2 AND scheduled_at <= $3
`, string(StateActive), string(StateScheduled), now); err != nil {
		return fmt.Errorf("postgres: activate scheduled: %w", err)
	}
	return nil
}

const postgresMessageColumns = `seq, message_id, subject, content_type, body, properties_json, state, enqueued_at, scheduled_at, delivery_count, dead_reason, dead_description`

func scanPostgresMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var state string
		var scheduledAt sql.NullTime
		var props, deadReason, deadDescription sql.NullString
		if err := rows.Scan(&m.SequenceNumber, &m.ID, &m.Subject, &m.ContentType, &m.Body, &props, &state, &m.EnqueuedTime, &scheduledAt, &m.DeliveryCount, &deadReason, &deadDescription); err != nil {
			return nil, err
		}
		m.State = State(state)
		m.EnqueuedTime = m.EnqueuedTime.UTC()
		if scheduledAt.Valid {
			m.ScheduledEnqueueTime = scheduledAt.Time.UTC()
		}
		m.Properties = unmarshalProperties(props)
		m.DeadLetterReason = deadReason.String
		m.DeadLetterDescription = deadDescription.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) peek(ctx context.Context, path string, sub SubQueue, max int, from int64) ([]Message, error) {
	states := []string{string(StateActive), string(StateScheduled)}
	if sub == SubQueueDeadLetter {
		states = []string{string(StateDeadLetter), string(StateDeadLetter)}
	}
	var out []Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.maintain(ctx, tx, s.now()); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
SELECT `+postgresMessageColumns+`
FROM sb_messages
WHERE entity = $1 AND seq >= $2 AND state IN ($3, $4)
ORDER BY seq ASC
LIMIT $5
`, path, from, states[0], states[1], max)
		if err != nil {
			return fmt.Errorf("postgres: peek: %w", err)
		}
		out, err = scanPostgresMessages(rows)
		return err
	})
	return out, err
}

func (s *PostgresStore) receiveOnce(ctx context.Context, r *sqlReceiver, max int) ([]LeasedMessage, error) {
	now := s.now()
	lockedUntil := now.Add(s.leaseTTL)
	state := StateActive
	if r.sub == SubQueueDeadLetter {
		state = StateDeadLetter
	}

	var out []LeasedMessage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.maintain(ctx, tx, now); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
SELECT `+postgresMessageColumns+`
FROM sb_messages
WHERE entity = $1 AND state = $2 AND lock_token IS NULL
ORDER BY seq ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, r.path, string(state), max)
		if err != nil {
			return fmt.Errorf("postgres: select visible: %w", err)
		}
		msgs, err := scanPostgresMessages(rows)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if r.mode == ModeReceiveAndDelete {
				if _, err := tx.ExecContext(ctx, `DELETE FROM sb_messages WHERE entity = $1 AND seq = $2`, r.path, m.SequenceNumber); err != nil {
					return fmt.Errorf("postgres: delete received: %w", err)
				}
				out = append(out, LeasedMessage{Message: m})
				continue
			}
			token := uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
UPDATE sb_messages SET lock_token = $1, locked_until = $2, receiver_id = $3
WHERE entity = $4 AND seq = $5
`, token, lockedUntil, r.id, r.path, m.SequenceNumber); err != nil {
				return fmt.Errorf("postgres: lock message: %w", err)
			}
			out = append(out, LeasedMessage{Message: m, LockToken: token, LockedUntil: lockedUntil.UTC()})
		}
		return nil
	})
	return out, err
}

func (s *PostgresStore) settle(ctx context.Context, r *sqlReceiver, token string, op settleOp, reason, description string) error {
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			seq         int64
			state       string
			lockedUntil time.Time
			receiverID  string
		)
		err := tx.QueryRowContext(ctx, `
SELECT seq, state, locked_until, receiver_id
FROM sb_messages
WHERE entity = $1 AND lock_token = $2
LIMIT 1
FOR UPDATE
`, r.path, token).Scan(&seq, &state, &lockedUntil, &receiverID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres: lookup lease: %w", err)
		}
		if receiverID != r.id {
			return ErrLeaseNotFound
		}
		if !now.Before(lockedUntil) {
			if err := s.release(ctx, tx, r.path, seq); err != nil {
				return err
			}
			return ErrLeaseExpired
		}

		switch op {
		case settleComplete:
			_, err = tx.ExecContext(ctx, `DELETE FROM sb_messages WHERE entity = $1 AND seq = $2`, r.path, seq)
		case settleAbandon:
			err = s.release(ctx, tx, r.path, seq)
		case settleDeadLetter:
			if State(state) == StateDeadLetter {
				return ErrAlreadyDeadLetter
			}
			_, err = tx.ExecContext(ctx, `
UPDATE sb_messages
SET state = $1, dead_reason = $2, dead_description = $3, lock_token = NULL, locked_until = NULL, receiver_id = NULL
WHERE entity = $4 AND seq = $5
`, string(StateDeadLetter), reason, description, r.path, seq)
		default:
			err = fmt.Errorf("postgres: unknown settle op %d", op)
		}
		return err
	})
	if err == nil || errors.Is(err, ErrLeaseExpired) {
		s.signal()
	}
	return err
}

func (s *PostgresStore) release(ctx context.Context, tx *sql.Tx, path string, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
UPDATE sb_messages
SET lock_token = NULL, locked_until = NULL, receiver_id = NULL, delivery_count = delivery_count + 1
WHERE entity = $1 AND seq = $2
`, path, seq); err != nil {
		return fmt.Errorf("postgres: release lease: %w", err)
	}
	if s.maxDeliveryCount > 0 {
		if _, err := tx.ExecContext(ctx, `
UPDATE sb_messages
SET state = $1, dead_reason = $2, dead_description = $3
WHERE entity = $4 AND seq = $5 AND state = $6 AND delivery_count >= $7
`, string(StateDeadLetter), DeadLetterReasonMaxDelivery, deadLetterDescriptionMaxDelivery, path, seq, string(StateActive), s.maxDeliveryCount); err != nil {
			return fmt.Errorf("postgres: apply max delivery count: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().UTC()
}

func (s *PostgresStore) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *PostgresStore) waitCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

func (s *PostgresStore) pollEvery() time.Duration { return s.pollInterval }

func mapPostgresInsertError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEntityExists
	}
	return err
}

func nullTime(v time.Time) any {
	if v.IsZero() {
		return nil
	}
	return v.UTC()
}
