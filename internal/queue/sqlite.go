package queue

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"
)

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS entities (
  path     TEXT PRIMARY KEY,
  kind     TEXT NOT NULL,
  topic    TEXT NOT NULL DEFAULT '',
  next_seq INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_entities_topic
  ON entities(kind, topic);

CREATE TABLE IF NOT EXISTS messages (
  entity           TEXT NOT NULL,
  seq              INTEGER NOT NULL,
  message_id       TEXT NOT NULL,
  subject          TEXT NOT NULL DEFAULT '',
  content_type     TEXT NOT NULL DEFAULT '',
  body             BLOB NOT NULL,
  properties_json  TEXT,
  state            TEXT NOT NULL,
  enqueued_at      INTEGER NOT NULL,
  scheduled_at     INTEGER,
  delivery_count   INTEGER NOT NULL DEFAULT 0,
  lock_token       TEXT,
  locked_until     INTEGER,
  receiver_id      TEXT,
  PRIMARY KEY (entity, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_ready
  ON messages(entity, state, seq);
CREATE INDEX IF NOT EXISTS idx_messages_lock_token
  ON messages(lock_token);
CREATE INDEX IF NOT EXISTS idx_messages_locked_until
  ON messages(locked_until);
`

const schemaV2 = `
ALTER TABLE messages ADD COLUMN dead_reason TEXT;
ALTER TABLE messages ADD COLUMN dead_description TEXT;
`

const (
	entityKindQueue        = "queue"
	entityKindTopic        = "topic"
	entityKindSubscription = "subscription"
)

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithSQLitePollInterval(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithSQLiteLeaseTTL(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

func WithSQLiteMaxDeliveryCount(n int) SQLiteOption {
	return func(s *SQLiteStore) {
		if n >= 0 {
			s.maxDeliveryCount = n
		}
	}
}

type SQLiteStore struct {
	db *sql.DB

	mu               sync.Mutex
	nowFn            func() time.Time
	notify           chan struct{}
	pollInterval     time.Duration
	leaseTTL         time.Duration
	maxDeliveryCount int
}

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		current, hasVersion, err := readSchemaVersion(ctx, conn)
		if err != nil {
			return err
		}
		if current > schemaVersion {
			return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
		}

		for v := current + 1; v <= schemaVersion; v++ {
			var stmt string
			switch v {
			case 1:
				stmt = schemaV1
			case 2:
				stmt = schemaV2
			default:
				return fmt.Errorf("sqlite: unknown migration %d", v)
			}
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("sqlite: migrate v%d: %w", v, err)
			}
		}

		if !hasVersion || current != schemaVersion {
			return writeSchemaVersion(ctx, conn, schemaVersion)
		}
		return nil
	})
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, v); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}

// withTx runs fn inside BEGIN IMMEDIATE on a dedicated connection. Errors
// from fn roll back, except ErrLeaseExpired which commits the lease release
// and is then returned.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK;")
	}()

	fnErr := fn(conn)
	if fnErr != nil && !errors.Is(fnErr, ErrLeaseExpired) {
		return fnErr
	}
	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return fnErr
}

func (s *SQLiteStore) entityKind(ctx context.Context, conn *sql.Conn, path string) (string, error) {
	var kind string
	err := conn.QueryRowContext(ctx, `SELECT kind FROM entities WHERE path = ?;`, path).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: lookup entity: %w", err)
	}
	return kind, nil
}

func (s *SQLiteStore) CreateQueue(ctx context.Context, name string) error {
	if err := validateEntityName(name); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	return s.withTx(ctx, func(conn *sql.Conn) error {
		kind, err := s.entityKind(ctx, conn, name)
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
		if _, err := conn.ExecContext(ctx, `INSERT INTO entities(path, kind) VALUES (?, ?);`, name, entityKindQueue); err != nil {
			return mapEntityInsertError(err)
		}
		return nil
	})
}

func (s *SQLiteStore) CreateSubscription(ctx context.Context, topic, subscription string) error {
	if err := validateEntityName(topic); err != nil {
		return err
	}
	if err := validateEntityName(subscription); err != nil {
		return err
	}
	topic = strings.TrimSpace(topic)
	path := SubscriptionEntity(topic, subscription).Path()
	return s.withTx(ctx, func(conn *sql.Conn) error {
		kind, err := s.entityKind(ctx, conn, topic)
		if err != nil {
			return err
		}
		switch kind {
		case entityKindTopic:
		case "":
			if _, err := conn.ExecContext(ctx, `INSERT INTO entities(path, kind) VALUES (?, ?);`, topic, entityKindTopic); err != nil {
				return mapEntityInsertError(err)
			}
		default:
			return fmt.Errorf("%w: %q is a %s", ErrEntityExists, topic, kind)
		}
		if _, err := conn.ExecContext(ctx, `
INSERT INTO entities(path, kind, topic) VALUES (?, ?, ?)
ON CONFLICT(path) DO NOTHING;
`, path, entityKindSubscription, topic); err != nil {
			return mapEntityInsertError(err)
		}
		return nil
	})
}

func (s *SQLiteStore) OpenReceiver(ctx context.Context, entity Entity, sub SubQueue, mode ReceiveMode) (Receiver, error) {
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	var kind string
	err := s.db.QueryRowContext(ctx, `SELECT kind FROM entities WHERE path = ?;`, entity.Path()).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && kind == entityKindTopic) {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entity.Path())
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: open receiver: %w", err)
	}
	return newSQLReceiver(s, entity.Path(), sub, mode), nil
}

func (s *SQLiteStore) OpenSender(ctx context.Context, target string) (Sender, error) {
	target = strings.TrimSpace(target)
	var kind string
	err := s.db.QueryRowContext(ctx, `SELECT kind FROM entities WHERE path = ?;`, target).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && kind == entityKindSubscription) {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, target)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: open sender: %w", err)
	}
	return &sqlSender{target: target, enqueue: s.enqueue}, nil
}

func (s *SQLiteStore) enqueue(ctx context.Context, target string, msg OutgoingMessage, at time.Time) (int64, error) {
	propsJSON, err := marshalProperties(msg.Properties)
	if err != nil {
		return 0, err
	}
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	state, enqueuedAt, scheduledAt := initialState(now, at)

	var last int64
	err = s.withTx(ctx, func(conn *sql.Conn) error {
		paths, err := s.fanout(ctx, conn, target)
		if err != nil {
			return err
		}
		for _, path := range paths {
			var seq int64
			if err := conn.QueryRowContext(ctx, `
UPDATE entities SET next_seq = next_seq + 1 WHERE path = ?
RETURNING next_seq - 1;
`, path).Scan(&seq); err != nil {
				return fmt.Errorf("sqlite: assign sequence: %w", err)
			}
			body := msg.Body
			if body == nil {
				body = []byte{}
			}
			if _, err := conn.ExecContext(ctx, `
INSERT INTO messages(entity, seq, message_id, subject, content_type, body, properties_json, state, enqueued_at, scheduled_at, delivery_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0);
`, path, seq, id, msg.Subject, msg.ContentType, body, propsJSON, string(state), enqueuedAt.UnixNano(), nullableNanos(scheduledAt)); err != nil {
				return fmt.Errorf("sqlite: insert message: %w", err)
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

func (s *SQLiteStore) fanout(ctx context.Context, conn *sql.Conn, target string) ([]string, error) {
	kind, err := s.entityKind(ctx, conn, target)
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
	rows, err := conn.QueryContext(ctx, `SELECT path FROM entities WHERE kind = ? AND topic = ? ORDER BY path;`, entityKindSubscription, target)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list subscriptions: %w", err)
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

// maintain expires leases, applies the max delivery count and activates
// scheduled messages.
func (s *SQLiteStore) maintain(ctx context.Context, conn *sql.Conn, now time.Time) error {
	if _, err := conn.ExecContext(ctx, `
UPDATE messages
SET lock_token = NULL, locked_until = NULL, receiver_id = NULL, delivery_count = delivery_count + 1
WHERE lock_token IS NOT NULL AND locked_until <= ?;
`, now.UnixNano()); err != nil {
		return fmt.Errorf("sqlite: expire leases: %w", err)
	}
	if s.maxDeliveryCount > 0 {
		if _, err := conn.ExecContext(ctx, `
UPDATE messages
SET state = ?, dead_reason = ?, dead_description = ?
WHERE state = ? AND lock_token IS NULL AND delivery_count >= ?;
`, string(StateDeadLetter), DeadLetterReasonMaxDelivery, deadLetterDescriptionMaxDelivery, string(StateActive), s.maxDeliveryCount); err != nil {
			return fmt.Errorf("sqlite: apply max delivery count: %w", err)
		}
	}
	if _, err := conn.ExecContext(ctx, `
UPDATE messages SET state = ?
WHERE state = ? AND scheduled_at <= ?;
`, string(StateActive), string(StateScheduled), now.UnixNano()); err != nil {
		return fmt.Errorf("sqlite: activate scheduled: %w", err)
	}
	return nil
}

const sqliteMessageColumns = `seq, message_id, subject, content_type, body, properties_json, state, enqueued_at, scheduled_at, delivery_count, dead_reason, dead_description`

func scanSQLiteMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var state string
	var enqueuedAt int64
	var scheduledAt sql.NullInt64
	var props, deadReason, deadDescription sql.NullString
	if err := rows.Scan(&m.SequenceNumber, &m.ID, &m.Subject, &m.ContentType, &m.Body, &props, &state, &enqueuedAt, &scheduledAt, &m.DeliveryCount, &deadReason, &deadDescription); err != nil {
		return Message{}, err
	}
	m.State = State(state)
	m.EnqueuedTime = time.Unix(0, enqueuedAt).UTC()
	if scheduledAt.Valid {
		m.ScheduledEnqueueTime = time.Unix(0, scheduledAt.Int64).UTC()
	}
	m.Properties = unmarshalProperties(props)
	m.DeadLetterReason = deadReason.String
	m.DeadLetterDescription = deadDescription.String
	return m, nil
}

func (s *SQLiteStore) peek(ctx context.Context, path string, sub SubQueue, max int, from int64) ([]Message, error) {
	var out []Message
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		if err := s.maintain(ctx, conn, s.now()); err != nil {
			return err
		}
		query := `SELECT ` + sqliteMessageColumns + ` FROM messages WHERE entity = ? AND seq >= ? AND state IN (?, ?) ORDER BY seq ASC LIMIT ?;`
		args := []any{path, from}
		if sub == SubQueueDeadLetter {
			args = append(args, string(StateDeadLetter), string(StateDeadLetter))
		} else {
			args = append(args, string(StateActive), string(StateScheduled))
		}
		args = append(args, max)
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("sqlite: peek: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanSQLiteMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLiteStore) receiveOnce(ctx context.Context, r *sqlReceiver, max int) ([]LeasedMessage, error) {
	now := s.now()
	lockedUntil := now.Add(s.leaseTTL)
	var out []LeasedMessage
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		if err := s.maintain(ctx, conn, now); err != nil {
			return err
		}
		msgs, err := s.selectVisible(ctx, conn, r.path, r.sub, max)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if r.mode == ModeReceiveAndDelete {
				if _, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE entity = ? AND seq = ?;`, r.path, m.SequenceNumber); err != nil {
					return fmt.Errorf("sqlite: delete received: %w", err)
				}
				out = append(out, LeasedMessage{Message: m})
				continue
			}
			token := uuid.NewString()
			if _, err := conn.ExecContext(ctx, `
UPDATE messages SET lock_token = ?, locked_until = ?, receiver_id = ?
WHERE entity = ? AND seq = ? AND lock_token IS NULL;
`, token, lockedUntil.UnixNano(), r.id, r.path, m.SequenceNumber); err != nil {
				return fmt.Errorf("sqlite: lock message: %w", err)
			}
			out = append(out, LeasedMessage{Message: m, LockToken: token, LockedUntil: lockedUntil.UTC()})
		}
		return nil
	})
	return out, err
}

func (s *SQLiteStore) selectVisible(ctx context.Context, conn *sql.Conn, path string, sub SubQueue, max int) ([]Message, error) {
	state := StateActive
	if sub == SubQueueDeadLetter {
		state = StateDeadLetter
	}
	rows, err := conn.QueryContext(ctx, `
SELECT `+sqliteMessageColumns+`
FROM messages
WHERE entity = ? AND state = ? AND lock_token IS NULL
ORDER BY seq ASC
LIMIT ?;
`, path, string(state), max)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select visible: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type sqliteLease struct {
	seq   int64
	state State
}

// withLease resolves a lock token owned by r. Expired leases are released
// with a delivery count increment and reported as ErrLeaseExpired.
func (s *SQLiteStore) withLease(ctx context.Context, r *sqlReceiver, token string, fn func(conn *sql.Conn, lease sqliteLease) error) error {
	if strings.TrimSpace(token) == "" {
		return ErrLeaseNotFound
	}
	now := s.now()
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		var lease sqliteLease
		var state string
		var lockedUntil int64
		var receiverID string
		err := conn.QueryRowContext(ctx, `
SELECT seq, state, locked_until, receiver_id
FROM messages
WHERE entity = ? AND lock_token = ?
LIMIT 1;
`, r.path, token).Scan(&lease.seq, &state, &lockedUntil, &receiverID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseNotFound
		}
		if err != nil {
			return fmt.Errorf("sqlite: lookup lease: %w", err)
		}
		if receiverID != r.id {
			return ErrLeaseNotFound
		}
		lease.state = State(state)
		if !now.Before(time.Unix(0, lockedUntil)) {
			if err := s.release(ctx, conn, r.path, lease.seq); err != nil {
				return err
			}
			return ErrLeaseExpired
		}
		return fn(conn, lease)
	})
	if err == nil || errors.Is(err, ErrLeaseExpired) {
		s.signal()
	}
	return err
}

func (s *SQLiteStore) settle(ctx context.Context, r *sqlReceiver, token string, op settleOp, reason, description string) error {
	return s.withLease(ctx, r, token, func(conn *sql.Conn, lease sqliteLease) error {
		switch op {
		case settleComplete:
			_, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE entity = ? AND seq = ?;`, r.path, lease.seq)
			return err
		case settleAbandon:
			return s.release(ctx, conn, r.path, lease.seq)
		case settleDeadLetter:
			if lease.state == StateDeadLetter {
				return ErrAlreadyDeadLetter
			}
			_, err := conn.ExecContext(ctx, `
UPDATE messages
SET state = ?, dead_reason = ?, dead_description = ?, lock_token = NULL, locked_until = NULL, receiver_id = NULL
WHERE entity = ? AND seq = ?;
`, string(StateDeadLetter), reason, description, r.path, lease.seq)
			return err
		}
		return fmt.Errorf("sqlite: unknown settle op %d", op)
	})
}

func (s *SQLiteStore) pollEvery() time.Duration { return s.pollInterval }

func (s *SQLiteStore) release(ctx context.Context, conn *sql.Conn, path string, seq int64) error {
	if _, err := conn.ExecContext(ctx, `
UPDATE messages
SET lock_token = NULL, locked_until = NULL, receiver_id = NULL, delivery_count = delivery_count + 1
WHERE entity = ? AND seq = ?;
`, path, seq); err != nil {
		return fmt.Errorf("sqlite: release lease: %w", err)
	}
	if s.maxDeliveryCount > 0 {
		if _, err := conn.ExecContext(ctx, `
UPDATE messages
SET state = ?, dead_reason = ?, dead_description = ?
WHERE entity = ? AND seq = ? AND state = ? AND delivery_count >= ?;
`, string(StateDeadLetter), DeadLetterReasonMaxDelivery, deadLetterDescriptionMaxDelivery, path, seq, string(StateActive), s.maxDeliveryCount); err != nil {
			return fmt.Errorf("sqlite: apply max delivery count: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn()
}

func (s *SQLiteStore) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *SQLiteStore) waitCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

// initialState returns the stored state, enqueue time and schedule time of a
// new message sent at now and scheduled for at.
func initialState(now, at time.Time) (State, time.Time, time.Time) {
	if at.IsZero() {
		return StateActive, now.UTC(), time.Time{}
	}
	if at.After(now) {
		return StateScheduled, at.UTC(), at.UTC()
	}
	return StateActive, now.UTC(), at.UTC()
}

func nullableNanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func marshalProperties(in map[string]Value) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	return string(b), nil
}

func unmarshalProperties(in sql.NullString) map[string]Value {
	if !in.Valid || strings.TrimSpace(in.String) == "" {
		return nil
	}
	var out map[string]Value
	if err := json.Unmarshal([]byte(in.String), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func newHexID(prefix string) string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return prefix + hex.EncodeToString(b[:])
}

func mapEntityInsertError(err error) error {
	if err == nil {
		return nil
	}
	if isSQLiteConstraintError(err) {
		return ErrEntityExists
	}
	return err
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}
