package inspect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nuetzliches/sbinspect/internal/filter"
	"github.com/nuetzliches/sbinspect/internal/queue"
)

var orders = queue.QueueEntity("orders")

func testSettings() Settings {
	return Settings{
		ReceiveWait: 5 * time.Millisecond,
		EmptyBatch:  Backoff{MaxAttempts: 3},
	}
}

func newTestStore(t *testing.T, now *time.Time) *queue.MemoryStore {
	t.Helper()
	s := queue.NewMemoryStore(queue.WithNowFunc(func() time.Time { return *now }))
	if err := s.CreateQueue(context.Background(), "orders"); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return s
}

func sendTyped(t *testing.T, s queue.Backend, target string, types ...string) []int64 {
	t.Helper()
	ctx := context.Background()
	sender, err := s.OpenSender(ctx, target)
	if err != nil {
		t.Fatalf("open sender: %v", err)
	}
	defer sender.Close()
	var seqs []int64
	for i, typ := range types {
		msg := queue.OutgoingMessage{
			ID:         fmt.Sprintf("m-%d", i),
			Subject:    "order",
			Body:       []byte(fmt.Sprintf(`{"n":%d}`, i)),
			Properties: map[string]queue.Value{"type": queue.StringValue(typ)},
		}
		seq, err := sender.Send(ctx, msg)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		seqs = append(seqs, seq)
	}
	return seqs
}

func sendN(t *testing.T, s queue.Backend, n int) []int64 {
	t.Helper()
	types := make([]string, n)
	for i := range types {
		types[i] = "order"
	}
	return sendTyped(t, s, "orders", types...)
}

func peekAll(t *testing.T, s queue.Backend, entity queue.Entity, sub queue.SubQueue) []queue.Message {
	t.Helper()
	msgs, err := browse(context.Background(), s, entity, sub, 1000, 0, DefaultPeekPageSize)
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	return msgs
}

func seqsOf(msgs []queue.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.SequenceNumber)
	}
	return out
}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tempFilter() []filter.Filter {
	return []filter.Filter{{
		Field:          filter.FieldApplicationProperty,
		AttributeName:  "type",
		AttributeValue: "temp",
		Operator:       filter.OpEquals,
		Enabled:        true,
	}}
}

func TestBackoff(t *testing.T) {
	b := Backoff{MaxAttempts: 3}
	if b.Exhausted(2) || !b.Exhausted(3) {
		t.Fatalf("exhausted: got %v/%v", b.Exhausted(2), b.Exhausted(3))
	}
	if (Backoff{}).Exhausted(1000) {
		t.Fatalf("unbounded backoff should never exhaust")
	}
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("zero delay wait: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (Backoff{Delay: time.Hour}).Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled wait: got %v", err)
	}
}

func TestSettings_Normalized(t *testing.T) {
	s := Settings{PeekPageSize: 1000}.normalized()
	if s.PeekPageSize != maxPeekPageSize {
		t.Fatalf("peek page: got %d", s.PeekPageSize)
	}
	if s.ReceiveBatchSize != DefaultReceiveBatchSize || s.MaxReceiveBatches != DefaultMaxReceiveBatches {
		t.Fatalf("receive defaults: got %+v", s)
	}
	if s.EmptyBatch.MaxAttempts != DefaultMaxEmptyBatches || s.EmptyBatch.Delay != 0 {
		t.Fatalf("empty batch: got %+v", s.EmptyBatch)
	}
	d := DefaultSettings()
	if d.EmptyBatch.Delay != time.Second || d.Abandon.Delay != 500*time.Millisecond || d.FullBatch.Delay != 100*time.Millisecond {
		t.Fatalf("default delays: got %+v", d)
	}
}

func TestScanner_Exists(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	seqs := sendN(t, s, 6)

	settings := testSettings()
	settings.PeekPageSize = 2
	sc := NewScanner(s, settings)
	ctx := context.Background()

	for _, seq := range seqs {
		ok, err := sc.Exists(ctx, orders, queue.SubQueueMain, seq)
		if err != nil || !ok {
			t.Fatalf("exists(%d): got %v err=%v", seq, ok, err)
		}
	}
	if ok, err := sc.Exists(ctx, orders, queue.SubQueueMain, 7); err != nil || ok {
		t.Fatalf("exists beyond tail: got %v err=%v", ok, err)
	}
	if ok, _ := sc.Exists(ctx, orders, queue.SubQueueDeadLetter, seqs[0]); ok {
		t.Fatalf("active message should not exist in dead-letter sub-queue")
	}

	settings.MaxPeekPages = 1
	if ok, _ := NewScanner(s, settings).Exists(ctx, orders, queue.SubQueueMain, seqs[4]); ok {
		t.Fatalf("scan should stop after max pages")
	}
}

func TestMutator_DeleteLeavesOthers(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	ctx := context.Background()

	// consume 1..9 so the queue holds 10..14
	sendN(t, s, 14)
	r, err := s.OpenReceiver(ctx, orders, queue.SubQueueMain, queue.ModeReceiveAndDelete)
	if err != nil {
		t.Fatalf("open receiver: %v", err)
	}
	if got, err := r.ReceiveAndDelete(ctx, 9, 0); err != nil || len(got) != 9 {
		t.Fatalf("pre-drain: got %d err=%v", len(got), err)
	}
	_ = r.Close()

	m := NewMutator(s, testSettings())
	res := m.Mutate(ctx, orders, 12, Delete(queue.SubQueueMain))
	if res.Outcome != OutcomeMutated || !res.OK() || res.Err != nil {
		t.Fatalf("mutate: got %+v", res)
	}

	msgs := peekAll(t, s, orders, queue.SubQueueMain)
	if !equalSeqs(seqsOf(msgs), []int64{10, 11, 13, 14}) {
		t.Fatalf("remaining: got %v", seqsOf(msgs))
	}
	for _, msg := range msgs {
		if msg.DeliveryCount > 1 {
			t.Fatalf("seq %d delivery count %d, want <= 1", msg.SequenceNumber, msg.DeliveryCount)
		}
	}

	again := m.Mutate(ctx, orders, 12, Delete(queue.SubQueueMain))
	if again.Outcome != OutcomeNotFound || again.OK() {
		t.Fatalf("second mutate: got %+v", again)
	}
}

func TestMutator_DeadLetterThenRequeue(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	ctx := context.Background()
	seqs := sendTyped(t, s, "orders", "temp", "order")
	m := NewMutator(s, testSettings())

	if res := m.Mutate(ctx, orders, seqs[0], DeadLetter("Poison", "bad payload")); !res.OK() {
		t.Fatalf("dead-letter: got %+v", res)
	}
	dead := peekAll(t, s, orders, queue.SubQueueDeadLetter)
	if len(dead) != 1 || dead[0].SequenceNumber != seqs[0] || dead[0].DeadLetterReason != "Poison" {
		t.Fatalf("dead-letter sub-queue: got %+v", dead)
	}
	if res := m.Mutate(ctx, orders, seqs[0], DeadLetter("Poison", "")); res.Outcome != OutcomeNotFound {
		t.Fatalf("dead-letter of dead message: got %+v", res)
	}

	if res := m.Mutate(ctx, orders, seqs[0], Requeue()); !res.OK() {
		t.Fatalf("requeue: got %+v", res)
	}
	if dead := peekAll(t, s, orders, queue.SubQueueDeadLetter); len(dead) != 0 {
		t.Fatalf("dead-letter sub-queue after requeue: got %v", seqsOf(dead))
	}
	main := peekAll(t, s, orders, queue.SubQueueMain)
	if len(main) != 2 {
		t.Fatalf("main after requeue: got %v", seqsOf(main))
	}
	requeued := main[1]
	if requeued.SequenceNumber <= seqs[1] || requeued.ID != "m-0" || string(requeued.Body) != `{"n":0}` || requeued.Subject != "order" {
		t.Fatalf("requeued copy: got %+v", requeued)
	}
	if v, ok := requeued.Property("type"); !ok || v.String() != "temp" {
		t.Fatalf("requeued property: got %v ok=%v", v, ok)
	}
}

func TestMutator_Reschedule(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	ctx := context.Background()
	seqs := sendN(t, s, 1)
	m := NewMutator(s, testSettings())

	if res := m.Mutate(ctx, orders, seqs[0], Reschedule(time.Time{})); res.Outcome != OutcomeFailed || !errors.Is(res.Err, queue.ErrScheduleTimeNeeded) {
		t.Fatalf("zero time: got %+v", res)
	}

	at := now.Add(time.Hour)
	if res := m.Mutate(ctx, orders, seqs[0], Reschedule(at)); !res.OK() {
		t.Fatalf("reschedule: got %+v", res)
	}
	msgs := peekAll(t, s, orders, queue.SubQueueMain)
	if len(msgs) != 1 || msgs[0].SequenceNumber == seqs[0] {
		t.Fatalf("after reschedule: got %v", seqsOf(msgs))
	}
	if msgs[0].State != queue.StateScheduled || !msgs[0].ScheduledEnqueueTime.Equal(at) {
		t.Fatalf("scheduled copy: state=%s at=%v", msgs[0].State, msgs[0].ScheduledEnqueueTime)
	}
}

func TestMutator_StuckWhenTargetBeyondFirstBatch(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	ctx := context.Background()
	sendN(t, s, 3)

	settings := testSettings()
	settings.ReceiveBatchSize = 2
	res := NewMutator(s, settings).Mutate(ctx, orders, 3, Delete(queue.SubQueueMain))
	if res.Outcome != OutcomeStuck || res.Batches != 2 {
		t.Fatalf("mutate: got %+v", res)
	}
	if got := seqsOf(peekAll(t, s, orders, queue.SubQueueMain)); !equalSeqs(got, []int64{1, 2, 3}) {
		t.Fatalf("remaining: got %v", got)
	}

	settings.MaxReceiveBatches = 1
	if res := NewMutator(s, settings).Mutate(ctx, orders, 3, Delete(queue.SubQueueMain)); res.Outcome != OutcomeExhausted {
		t.Fatalf("budget: got %+v", res)
	}
}

func TestMutator_BackendErrorsBecomeFailed(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	res := NewMutator(s, testSettings()).Mutate(context.Background(), queue.QueueEntity("missing"), 1, Delete(queue.SubQueueMain))
	if res.Outcome != OutcomeFailed || !errors.Is(res.Err, queue.ErrEntityNotFound) {
		t.Fatalf("missing entity: got %+v", res)
	}
}

func TestDrainer(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	ctx := context.Background()

	settings := testSettings()
	settings.ReceiveBatchSize = 2
	d := NewDrainer(s, settings)

	n, err := d.Drain(ctx, orders, queue.SubQueueMain, nil)
	if err != nil || n != 0 {
		t.Fatalf("empty drain: got %d err=%v", n, err)
	}

	sendN(t, s, 5)
	var reports []int
	n, err = d.Drain(ctx, orders, queue.SubQueueMain, func(c int) { reports = append(reports, c) })
	if err != nil || n != 5 {
		t.Fatalf("drain: got %d err=%v", n, err)
	}
	if len(reports) != 3 || reports[0] != 2 || reports[1] != 4 || reports[2] != 5 {
		t.Fatalf("progress: got %v", reports)
	}
}

func TestDrainer_CancelReturnsPartialCount(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	sendN(t, s, 5)

	settings := testSettings()
	settings.ReceiveBatchSize = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := NewDrainer(s, settings).Drain(ctx, orders, queue.SubQueueMain, func(int) { cancel() })
	if n != 2 || !errors.Is(err, context.Canceled) {
		t.Fatalf("drain: got %d err=%v", n, err)
	}
	if got := len(peekAll(t, s, orders, queue.SubQueueMain)); got != 3 {
		t.Fatalf("remaining: got %d want 3", got)
	}
}

func TestFilteredMutator_DeleteMatchingThenDrain(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	ctx := context.Background()
	sendTyped(t, s, "orders", "order", "temp", "order", "order", "temp", "order", "order", "temp", "order", "order")

	var reports []int
	n, err := NewFilteredMutator(s, testSettings()).DeleteMatching(ctx, orders, queue.SubQueueMain, tempFilter(), func(c int) { reports = append(reports, c) })
	if err != nil || n != 3 {
		t.Fatalf("delete matching: got %d err=%v", n, err)
	}
	if len(reports) != 3 || reports[2] != 3 {
		t.Fatalf("progress: got %v", reports)
	}
	for _, msg := range peekAll(t, s, orders, queue.SubQueueMain) {
		if v, _ := msg.Property("type"); v.String() == "temp" {
			t.Fatalf("temp message %d survived", msg.SequenceNumber)
		}
	}

	left, err := NewDrainer(s, testSettings()).Drain(ctx, orders, queue.SubQueueMain, nil)
	if err != nil || left != 7 {
		t.Fatalf("drain: got %d err=%v", left, err)
	}
}

func TestFilteredMutator_NoMatchTerminates(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	sendN(t, s, 4)

	n, err := NewFilteredMutator(s, testSettings()).DeleteMatching(context.Background(), orders, queue.SubQueueMain, tempFilter(), nil)
	if err != nil || n != 0 {
		t.Fatalf("delete matching: got %d err=%v", n, err)
	}
	if got := len(peekAll(t, s, orders, queue.SubQueueMain)); got != 4 {
		t.Fatalf("remaining: got %d want 4", got)
	}
}

func TestFilteredMutator_ReevaluatesSeenMessages(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	sendN(t, s, 3)

	// fresh messages carry DeliveryCount 0 and only match after the first abandon
	redelivered := []filter.Filter{{
		Field:          filter.FieldDeliveryCount,
		AttributeValue: "1",
		Operator:       filter.OpGreaterThanOrEqual,
		Enabled:        true,
	}}
	n, err := NewFilteredMutator(s, testSettings()).DeleteMatching(context.Background(), orders, queue.SubQueueMain, redelivered, nil)
	if err != nil || n != 3 {
		t.Fatalf("delete matching: got %d err=%v", n, err)
	}
	if left := peekAll(t, s, orders, queue.SubQueueMain); len(left) != 0 {
		t.Fatalf("remaining: got %v", seqsOf(left))
	}
}

func TestFilteredMutator_EmptyFilterDeletesAll(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	sendN(t, s, 4)

	n, err := NewFilteredMutator(s, testSettings()).DeleteMatching(context.Background(), orders, queue.SubQueueMain, nil, nil)
	if err != nil || n != 4 {
		t.Fatalf("delete matching: got %d err=%v", n, err)
	}
}

func TestFilteredMutator_CancelReturnsPartialCount(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	sendTyped(t, s, "orders", "temp", "temp", "temp", "temp", "temp")

	settings := testSettings()
	settings.ReceiveBatchSize = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := NewFilteredMutator(s, settings).DeleteMatching(ctx, orders, queue.SubQueueMain, tempFilter(), func(int) { cancel() })
	if n != 2 || !errors.Is(err, context.Canceled) {
		t.Fatalf("delete matching: got %d err=%v", n, err)
	}
	if got := len(peekAll(t, s, orders, queue.SubQueueMain)); got != 3 {
		t.Fatalf("remaining: got %d want 3", got)
	}
}

func TestFilteredMutator_ResubmitMatching(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	ctx := context.Background()
	seqs := sendTyped(t, s, "orders", "temp", "order", "temp")
	m := NewMutator(s, testSettings())
	for _, seq := range seqs {
		if res := m.Mutate(ctx, orders, seq, DeadLetter("Poison", "")); !res.OK() {
			t.Fatalf("dead-letter %d: got %+v", seq, res)
		}
	}

	n, err := NewFilteredMutator(s, testSettings()).ResubmitMatching(ctx, orders, tempFilter(), nil)
	if err != nil || n != 2 {
		t.Fatalf("resubmit: got %d err=%v", n, err)
	}
	if dead := peekAll(t, s, orders, queue.SubQueueDeadLetter); !equalSeqs(seqsOf(dead), []int64{seqs[1]}) {
		t.Fatalf("dead-letter remaining: got %v", seqsOf(dead))
	}
	main := peekAll(t, s, orders, queue.SubQueueMain)
	if len(main) != 2 {
		t.Fatalf("main after resubmit: got %v", seqsOf(main))
	}
	for _, msg := range main {
		if v, _ := msg.Property("type"); v.String() != "temp" {
			t.Fatalf("resubmitted wrong message: %+v", msg)
		}
	}
}

func TestService_BrowsePages(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	sendN(t, s, 7)

	settings := testSettings()
	settings.PeekPageSize = 3
	svc := NewService(s, settings)
	ctx := context.Background()

	msgs, err := svc.Browse(ctx, orders, queue.SubQueueMain, 5, 0)
	if err != nil || !equalSeqs(seqsOf(msgs), []int64{1, 2, 3, 4, 5}) {
		t.Fatalf("browse: got %v err=%v", seqsOf(msgs), err)
	}
	msgs, err = svc.Browse(ctx, orders, queue.SubQueueMain, 100, 6)
	if err != nil || !equalSeqs(seqsOf(msgs), []int64{6, 7}) {
		t.Fatalf("browse from 6: got %v err=%v", seqsOf(msgs), err)
	}
}

func TestService_SendAndSendToDeadLetter(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	svc := NewService(s, testSettings())
	ctx := context.Background()

	seq, err := svc.Send(ctx, "orders", queue.OutgoingMessage{Body: []byte("hello")}, time.Time{})
	if err != nil || seq != 1 {
		t.Fatalf("send: got %d err=%v", seq, err)
	}
	msgs := peekAll(t, s, orders, queue.SubQueueMain)
	if len(msgs) != 1 || msgs[0].ContentType != "text/plain" || msgs[0].ID == "" {
		t.Fatalf("sent message: got %+v", msgs)
	}

	dseq, err := svc.SendToDeadLetter(ctx, orders, queue.OutgoingMessage{Subject: "poison", Body: []byte("bad")})
	if err != nil {
		t.Fatalf("send to dead-letter: %v", err)
	}
	dead := peekAll(t, s, orders, queue.SubQueueDeadLetter)
	if len(dead) != 1 || dead[0].SequenceNumber != dseq || dead[0].DeadLetterReason != ManualDeadLetterReason {
		t.Fatalf("dead-letter sub-queue: got %+v", dead)
	}
	if got := seqsOf(peekAll(t, s, orders, queue.SubQueueMain)); !equalSeqs(got, []int64{1}) {
		t.Fatalf("main after send to dead-letter: got %v", got)
	}
}

func TestService_SendToDeadLetterBehindFullBatch(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	sendN(t, s, 1)
	settings := testSettings()
	settings.ReceiveBatchSize = 1
	svc := NewService(s, settings)

	_, err := svc.SendToDeadLetter(context.Background(), orders, queue.OutgoingMessage{Subject: "poison", Body: []byte("bad")})
	if !errors.Is(err, ErrSentCopyNotFound) {
		t.Fatalf("send to dead-letter: got %v", err)
	}
	if got := seqsOf(peekAll(t, s, orders, queue.SubQueueMain)); !equalSeqs(got, []int64{1, 2}) {
		t.Fatalf("main: got %v, sent copy should stay active", got)
	}
	if dead := peekAll(t, s, orders, queue.SubQueueDeadLetter); len(dead) != 0 {
		t.Fatalf("dead-letter: got %v", seqsOf(dead))
	}
}

func TestService_ObserveAndMutateOne(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)
	svc := NewService(s, testSettings())

	var mu sync.Mutex
	seen := map[string]string{}
	svc.Observe = func(op, outcome string, mutated int, _ time.Duration) {
		mu.Lock()
		seen[op] = fmt.Sprintf("%s/%d", outcome, mutated)
		mu.Unlock()
	}
	ctx := context.Background()
	seqs := sendTyped(t, s, "orders", "temp", "order")

	if res := svc.MutateOne(ctx, orders, seqs[0], Delete(queue.SubQueueMain)); !res.OK() {
		t.Fatalf("mutate: got %+v", res)
	}
	if ok, err := svc.CheckExists(ctx, orders, queue.SubQueueMain, seqs[0]); err != nil || ok {
		t.Fatalf("exists after delete: got %v err=%v", ok, err)
	}
	if n, err := svc.DeleteMatching(ctx, orders, queue.SubQueueMain, nil, nil); err != nil || n != 1 {
		t.Fatalf("delete matching: got %d err=%v", n, err)
	}

	want := map[string]string{
		"mutate_delete":  "mutated/1",
		OpExists:         "absent/0",
		OpDeleteMatching: "done/1",
	}
	for op, w := range want {
		if seen[op] != w {
			t.Fatalf("observe %s: got %q want %q", op, seen[op], w)
		}
	}
}

func TestNServiceBus(t *testing.T) {
	msg := queue.Message{Properties: map[string]queue.Value{
		"nservicebus.MessageIntent":    queue.StringValue("Send"),
		"$.diagnostics.originating.id": queue.StringValue("x"),
		"type":                          queue.StringValue("order"),
	}}
	if !IsNServiceBusMessage(msg) {
		t.Fatalf("expected NServiceBus message")
	}
	if got := NServiceBusProperties(msg); len(got) != 2 {
		t.Fatalf("properties: got %v", got)
	}
	plain := queue.Message{Properties: map[string]queue.Value{"type": queue.StringValue("order")}}
	if IsNServiceBusMessage(plain) || IsNServiceBusMessage(queue.Message{}) {
		t.Fatalf("plain message flagged as NServiceBus")
	}
	if got := NServiceBusProperties(queue.Message{}); got == nil || len(got) != 0 {
		t.Fatalf("empty properties: got %v", got)
	}
}

func TestActionAndOutcomeNames(t *testing.T) {
	if Requeue().SubQueue() != queue.SubQueueDeadLetter || Delete(queue.SubQueueDeadLetter).SubQueue() != queue.SubQueueDeadLetter {
		t.Fatalf("sub-queue routing")
	}
	if k, ok := ParseActionKind("dead-letter"); !ok || k != ActionDeadLetter {
		t.Fatalf("parse: got %v %v", k, ok)
	}
	if _, ok := ParseActionKind("move"); ok {
		t.Fatalf("expected unknown action")
	}
	if OutcomeStuck.String() != "stuck" || Outcome(99).String() != "unknown" {
		t.Fatalf("outcome names")
	}
}
