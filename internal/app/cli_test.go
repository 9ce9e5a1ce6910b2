package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

const cliConfigTemplate = `
backend sqlite { path %s }
observability { log_level error }
inspect {
  receive_wait 50ms
  max_empty_batches 1
  empty_backoff off
  abandon_backoff off
  full_batch_backoff off
}
entities {
  queue orders
  subscription events audit
}
filters temp {
  match { field application_property  name type  operator equals  value temp }
}
`

type cliHarness struct {
	t      *testing.T
	config string
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(cliConfigTemplate, filepath.Join(dir, "sbinspect.db"))
	return &cliHarness{t: t, config: writeConfig(t, dir, cfg)}
}

func (h *cliHarness) run(name string, args ...string) (int, string, string) {
	h.t.Helper()
	cmd, ok := messageCommands[name]
	if !ok {
		h.t.Fatalf("unknown command %q", name)
	}
	var stdout, stderr bytes.Buffer
	code := runMessageCmd(cmd, append([]string{"--config", h.config}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (h *cliHarness) mustRun(name string, args ...string) string {
	h.t.Helper()
	code, stdout, stderr := h.run(name, args...)
	if code != 0 {
		h.t.Fatalf("%s %v: exit %d stdout=%q stderr=%q", name, args, code, stdout, stderr)
	}
	return stdout
}

func (h *cliHarness) send(args ...string) int64 {
	h.t.Helper()
	var out struct {
		SequenceNumber int64 `json:"sequence_number"`
	}
	stdout := h.mustRun("send", args...)
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		h.t.Fatalf("decode send output %q: %v", stdout, err)
	}
	return out.SequenceNumber
}

type peekedMessage struct {
	SequenceNumber   int64  `json:"sequence_number"`
	Body             string `json:"body"`
	State            string `json:"state"`
	DeadLetterReason string `json:"dead_letter_reason"`
}

func (h *cliHarness) peek(args ...string) []peekedMessage {
	h.t.Helper()
	stdout := h.mustRun("peek", args...)
	var out []peekedMessage
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line == "" {
			continue
		}
		var m peekedMessage
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			h.t.Fatalf("decode peek line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func bodies(msgs []peekedMessage) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Body)
	}
	return strings.Join(parts, ",")
}

func decodeCount(t *testing.T, stdout string) int {
	t.Helper()
	var out bulkOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	return out.Count
}

func TestCLI_SendPeekExistsDelete(t *testing.T) {
	h := newCLIHarness(t)
	h.send("--queue", "orders", "--body", "a")
	seqB := h.send("--queue", "orders", "--body", "b", "--subject", "second")
	h.send("--queue", "orders", "--body", "c")

	if got := bodies(h.peek("--queue", "orders")); got != "a,b,c" {
		t.Fatalf("peek: got %q", got)
	}

	seq := fmt.Sprint(seqB)
	if code, stdout, _ := h.run("exists", "--queue", "orders", "--seq", seq); code != 0 || !strings.Contains(stdout, `"exists":true`) {
		t.Fatalf("exists: code=%d stdout=%q", code, stdout)
	}
	out := h.mustRun("delete", "--queue", "orders", "--seq", seq)
	if !strings.Contains(out, `"outcome":"mutated"`) {
		t.Fatalf("delete output: %q", out)
	}
	if code, stdout, _ := h.run("exists", "--queue", "orders", "--seq", seq); code != 1 || !strings.Contains(stdout, `"exists":false`) {
		t.Fatalf("exists after delete: code=%d stdout=%q", code, stdout)
	}
	if got := bodies(h.peek("--queue", "orders")); got != "a,c" {
		t.Fatalf("peek after delete: got %q", got)
	}

	if code, stdout, _ := h.run("delete", "--queue", "orders", "--seq", seq); code != 1 || !strings.Contains(stdout, `"outcome":"not_found"`) {
		t.Fatalf("second delete: code=%d stdout=%q", code, stdout)
	}
}

func TestCLI_PeekText(t *testing.T) {
	h := newCLIHarness(t)
	h.send("--queue", "orders", "--body", "a", "--subject", "hello")
	out := h.mustRun("peek", "--queue", "orders", "--format", "text")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "SEQ") || !strings.Contains(lines[1], "hello") {
		t.Fatalf("text output: %q", out)
	}
}

func TestCLI_DeleteMatchingAndPurge(t *testing.T) {
	h := newCLIHarness(t)
	h.send("--queue", "orders", "--body", "keep")
	h.send("--queue", "orders", "--body", "drop", "--property", "type=temp")
	h.send("--queue", "orders", "--body", "keep-too", "--property", "attempt:int=2")

	out := h.mustRun("delete-matching", "--queue", "orders", "--filter", "application_property:type:equals:temp")
	if n := decodeCount(t, out); n != 1 {
		t.Fatalf("delete-matching count: got %d want 1", n)
	}
	if got := bodies(h.peek("--queue", "orders")); got != "keep,keep-too" {
		t.Fatalf("after delete-matching: got %q", got)
	}

	out = h.mustRun("purge", "--queue", "orders")
	if n := decodeCount(t, out); n != 2 {
		t.Fatalf("purge count: got %d want 2", n)
	}
	if got := h.peek("--queue", "orders"); len(got) != 0 {
		t.Fatalf("expected empty queue, got %+v", got)
	}
}

func TestCLI_FilterSetFromConfig(t *testing.T) {
	h := newCLIHarness(t)
	h.send("--queue", "orders", "--body", "drop", "--property", "type=temp")
	h.send("--queue", "orders", "--body", "keep")

	out := h.mustRun("delete-matching", "--queue", "orders", "--filter-set", "temp")
	if n := decodeCount(t, out); n != 1 {
		t.Fatalf("count: got %d want 1", n)
	}
	if code, _, stderr := h.run("delete-matching", "--queue", "orders", "--filter-set", "nope"); code != 1 || !strings.Contains(stderr, "unknown filter set") {
		t.Fatalf("unknown set: code=%d stderr=%q", code, stderr)
	}
}

func TestCLI_SubscriptionDeadLetterAndRequeue(t *testing.T) {
	h := newCLIHarness(t)
	h.send("--topic", "events", "--body", "evt")
	entity := []string{"--topic", "events", "--subscription", "audit"}

	msgs := h.peek(entity...)
	if len(msgs) != 1 || msgs[0].Body != "evt" {
		t.Fatalf("subscription peek: %+v", msgs)
	}
	seq := fmt.Sprint(msgs[0].SequenceNumber)

	h.mustRun("dead-letter", append(entity, "--seq", seq, "--reason", "Poison")...)
	dead := h.peek(append(entity, "--sub", "dead")...)
	if len(dead) != 1 || dead[0].DeadLetterReason != "Poison" {
		t.Fatalf("dead-letter peek: %+v", dead)
	}

	h.mustRun("requeue", append(entity, "--sub", "dead", "--seq", fmt.Sprint(dead[0].SequenceNumber))...)
	if got := h.peek(append(entity, "--sub", "dead")...); len(got) != 0 {
		t.Fatalf("dead-letter queue not empty after requeue: %+v", got)
	}
	if got := bodies(h.peek(entity...)); got != "evt" {
		t.Fatalf("main after requeue: %q", got)
	}
}

func TestCLI_ResubmitMatching(t *testing.T) {
	h := newCLIHarness(t)
	h.send("--queue", "orders", "--body", "poison", "--property", "type=temp", "--dead-letter")
	h.send("--queue", "orders", "--body", "other", "--dead-letter")

	out := h.mustRun("resubmit-matching", "--queue", "orders", "--filter", "property:type:eq:temp")
	if n := decodeCount(t, out); n != 1 {
		t.Fatalf("resubmit count: got %d want 1", n)
	}
	if got := bodies(h.peek("--queue", "orders")); got != "poison" {
		t.Fatalf("main after resubmit: %q", got)
	}
	if got := bodies(h.peek("--queue", "orders", "--sub", "dead")); got != "other" {
		t.Fatalf("dead after resubmit: %q", got)
	}
}

func TestCLI_UsageErrors(t *testing.T) {
	h := newCLIHarness(t)
	cases := []struct {
		name string
		args []string
	}{
		{"exists", []string{"--queue", "orders"}},
		{"peek", []string{"--topic", "events"}},
		{"peek", []string{"--queue", "orders", "--sub", "sideways"}},
		{"peek", []string{"--queue", "orders", "extra"}},
		{"reschedule", []string{"--queue", "orders", "--seq", "1"}},
		{"reschedule", []string{"--queue", "orders", "--seq", "1", "--at", "tomorrow"}},
		{"delete-matching", []string{"--queue", "orders"}},
		{"delete-matching", []string{"--queue", "orders", "--filter", "subject::equals:x", "--filter-set", "temp"}},
		{"delete-matching", []string{"--queue", "orders", "--filter", "colour:x:equals:y"}},
		{"send", []string{"--queue", "orders", "--body", "a", "--body-file", "b"}},
		{"send", []string{"--queue", "orders", "--property", "novalue"}},
		{"send", []string{"--queue", "orders", "--at", "2030-01-01T00:00:00Z", "--dead-letter"}},
	}
	for _, tc := range cases {
		if code, _, _ := h.run(tc.name, tc.args...); code != 2 {
			t.Errorf("%s %v: exit %d, want 2", tc.name, tc.args, code)
		}
	}
}

func TestPropertyList_Set(t *testing.T) {
	p := propertyList{}
	for _, raw := range []string{"type=temp", "attempt:int=3", "ok:bool=true", "note=a=b"} {
		if err := p.Set(raw); err != nil {
			t.Fatalf("Set(%q): %v", raw, err)
		}
	}
	if v := p["attempt"]; v.String() != "3" {
		t.Fatalf("attempt: %v", v)
	}
	if n, ok := p["attempt"].Int(); !ok || n != 3 {
		t.Fatalf("attempt kind: %v %v", n, ok)
	}
	if p["note"].String() != "a=b" {
		t.Fatalf("note: %q", p["note"].String())
	}
	if err := p.Set("count:int=x"); err == nil {
		t.Fatalf("expected error for bad int")
	}
	if err := p.Set(":int=1"); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestPrintHelp_ExplainsStuckOutcome(t *testing.T) {
	var buf bytes.Buffer
	printHelp(&buf)
	if !strings.Contains(buf.String(), `outcome "stuck"`) {
		t.Fatalf("help does not describe the stuck outcome:\n%s", buf.String())
	}
}
