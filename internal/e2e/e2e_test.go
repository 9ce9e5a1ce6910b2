package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nuetzliches/sbinspect/internal/admin"
	"github.com/nuetzliches/sbinspect/internal/inspect"
	"github.com/nuetzliches/sbinspect/internal/queue"
)

// ---------- helpers ----------

const token = "e2e-token"

func fastSettings() inspect.Settings {
	return inspect.Settings{
		ReceiveWait: 20 * time.Millisecond,
		EmptyBatch:  inspect.Backoff{MaxAttempts: 1},
	}
}

func openStore(t *testing.T, path string) *queue.SQLiteStore {
	t.Helper()
	store, err := queue.NewSQLiteStore(path, queue.WithSQLiteLeaseTTL(time.Second))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return store
}

func adminServer(t *testing.T, store queue.Store) *httptest.Server {
	t.Helper()
	svc := inspect.NewService(store, fastSettings())
	srv := admin.NewServer(svc)
	srv.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv.Authorize = admin.BearerTokenAuthorizer([][]byte{[]byte(token)})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Operations.Shutdown(context.Background())
	})
	return ts
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func readJSON(t *testing.T, resp *http.Response, wantStatus int, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status: got %d want %d body=%s", resp.StatusCode, wantStatus, b)
	}
	if dst == nil {
		return
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type browsed struct {
	Items []struct {
		SequenceNumber   int64  `json:"sequence_number"`
		Body             string `json:"body"`
		DeadLetterReason string `json:"dead_letter_reason"`
	} `json:"items"`
}

func browse(t *testing.T, base, sub string) browsed {
	t.Helper()
	var out browsed
	readJSON(t, do(t, http.MethodGet, base+"/messages?sub="+sub, nil), http.StatusOK, &out)
	return out
}

func waitOperation(t *testing.T, url string) admin.Operation {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		var op admin.Operation
		readJSON(t, do(t, http.MethodGet, url, nil), http.StatusOK, &op)
		if op.Finished() {
			return op
		}
		if time.Now().After(deadline) {
			t.Fatalf("operation still running: %+v", op)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// ---------- tests ----------

func TestE2E_SubscriptionRepairFlow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "e2e.db")
	store := openStore(t, dbPath)
	ctx := context.Background()
	if err := store.CreateSubscription(ctx, "events", "audit"); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	ts := adminServer(t, store)
	base := ts.URL + "/topics/events/subscriptions/audit"

	for i, typ := range []string{"temp", "order", "temp", "order"} {
		readJSON(t, do(t, http.MethodPost, base+"/send", map[string]any{
			"id":          fmt.Sprintf("m-%d", i),
			"body":        fmt.Sprintf("msg-%d", i),
			"properties":  map[string]string{"type": typ},
			"dead_letter": true,
		}), http.StatusCreated, nil)
	}
	if got := browse(t, base, "dead"); len(got.Items) != 4 {
		t.Fatalf("dead-letter count: got %d want 4", len(got.Items))
	}

	var started admin.Operation
	readJSON(t, do(t, http.MethodPost, ts.URL+"/operations", map[string]any{
		"kind":         "resubmit_matching",
		"topic":        "events",
		"subscription": "audit",
		"filters": []map[string]any{
			{"field": "ApplicationProperty", "attributeName": "type", "attributeValue": "temp", "operator": "Equals"},
		},
	}), http.StatusAccepted, &started)
	op := waitOperation(t, ts.URL+"/operations/"+started.ID)
	if op.State != admin.StateDone || op.Count != 2 {
		t.Fatalf("resubmit operation: %+v", op)
	}

	active := browse(t, base, "main")
	if len(active.Items) != 2 {
		t.Fatalf("main after resubmit: %+v", active.Items)
	}
	dead := browse(t, base, "dead")
	if len(dead.Items) != 2 {
		t.Fatalf("dead after resubmit: %+v", dead.Items)
	}

	var res struct {
		Outcome string `json:"outcome"`
	}
	seq := active.Items[0].SequenceNumber
	readJSON(t, do(t, http.MethodPost, fmt.Sprintf("%s/messages/%d/dead-letter", base, seq), map[string]any{
		"reason": "Poison",
	}), http.StatusOK, &res)
	if res.Outcome != "mutated" {
		t.Fatalf("dead-letter outcome: %q", res.Outcome)
	}
	readJSON(t, do(t, http.MethodPost, fmt.Sprintf("%s/messages/%d/delete", base, seq), nil), http.StatusNotFound, nil)

	// state survives a reopen of the database file
	ts.Close()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened := openStore(t, dbPath)
	defer reopened.Close()
	ts2 := adminServer(t, reopened)
	base2 := ts2.URL + "/topics/events/subscriptions/audit"

	if got := browse(t, base2, "main"); len(got.Items) != 1 {
		t.Fatalf("main after reopen: %+v", got.Items)
	}
	dead = browse(t, base2, "dead")
	if len(dead.Items) != 3 {
		t.Fatalf("dead after reopen: %+v", dead.Items)
	}
	poisoned := 0
	for _, m := range dead.Items {
		if m.DeadLetterReason == "Poison" {
			poisoned++
		}
	}
	if poisoned != 1 {
		t.Fatalf("expected one Poison reason, got %d", poisoned)
	}

	readJSON(t, do(t, http.MethodPost, ts2.URL+"/operations", map[string]any{
		"kind": "drain", "topic": "events", "subscription": "audit", "sub": "dead",
	}), http.StatusAccepted, &started)
	op = waitOperation(t, ts2.URL+"/operations/"+started.ID)
	if op.State != admin.StateDone || op.Count != 3 {
		t.Fatalf("drain operation: %+v", op)
	}
	if got := browse(t, base2, "dead"); len(got.Items) != 0 {
		t.Fatalf("dead after drain: %+v", got.Items)
	}
}

func TestE2E_Unauthorized(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "auth.db"))
	defer store.Close()
	ts := adminServer(t, store)

	resp, err := http.Get(ts.URL + "/queues/orders/messages")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got %d want 401", resp.StatusCode)
	}
}
