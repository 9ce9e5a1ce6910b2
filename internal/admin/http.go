// Package admin serves the inspector operations over an authenticated JSON
// HTTP API.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nuetzliches/sbinspect/internal/filter"
	"github.com/nuetzliches/sbinspect/internal/inspect"
	"github.com/nuetzliches/sbinspect/internal/queue"
)

const (
	defaultListLimit    = 100
	maxListLimit        = 1000
	defaultMaxBodyBytes = 2 << 20 // 2 MiB
)

type Authorizer func(r *http.Request) bool

// BearerTokenAuthorizer accepts requests carrying one of tokens as a bearer
// token. With no tokens every request is allowed.
func BearerTokenAuthorizer(tokens [][]byte) Authorizer {
	allowed := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if len(t) == 0 {
			continue
		}
		allowed = append(allowed, append([]byte(nil), t...))
	}

	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		const prefix = "Bearer "
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, prefix) {
			return false
		}
		got := strings.TrimSpace(strings.TrimPrefix(h, prefix))
		if got == "" {
			return false
		}
		gb := []byte(got)
		for _, want := range allowed {
			if subtle.ConstantTimeCompare(gb, want) == 1 {
				return true
			}
		}
		return false
	}
}

type Server struct {
	Service   *inspect.Service
	Authorize Authorizer
	// FilterSets returns the named filter sets currently configured.
	FilterSets   func() map[string][]filter.Filter
	Operations   *Operations
	Logger       *slog.Logger
	MaxBodyBytes int64
	// Middleware runs after request id assignment and before authentication.
	Middleware []func(http.Handler) http.Handler

	once    sync.Once
	handler http.Handler
}

func NewServer(svc *inspect.Service) *Server {
	return &Server{
		Service:    svc,
		Operations: NewOperations(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.once.Do(func() { s.handler = s.routes() })
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.Middleware...)
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method is not allowed")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Route("/queues/{queue}", s.entityRoutes)
	r.Route("/topics/{topic}/subscriptions/{subscription}", s.entityRoutes)
	r.Route("/operations", func(r chi.Router) {
		r.Post("/", s.handleStartOperation)
		r.Get("/", s.handleListOperations)
		r.Get("/{id}", s.handleGetOperation)
		r.Delete("/{id}", s.handleCancelOperation)
	})
	r.Get("/filter-sets", s.handleFilterSets)
	return r
}

func (s *Server) entityRoutes(r chi.Router) {
	r.Get("/messages", s.handleBrowse)
	r.Get("/messages/{seq}", s.handleExists)
	r.Post("/messages/{seq}/{action}", s.handleMutate)
	r.Post("/send", s.handleSend)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authorize != nil && !s.Authorize(r) {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "request is not authorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) maxBody() int64 {
	if s.MaxBodyBytes > 0 {
		return s.MaxBodyBytes
	}
	return defaultMaxBodyBytes
}

func entityFromRequest(r *http.Request) queue.Entity {
	if q := chi.URLParam(r, "queue"); q != "" {
		return queue.QueueEntity(q)
	}
	return queue.SubscriptionEntity(chi.URLParam(r, "topic"), chi.URLParam(r, "subscription"))
}

// MessageView is the JSON form of a message. Bodies that are not UTF-8 are
// carried base64 encoded in body_b64.
type MessageView struct {
	SequenceNumber        int64                  `json:"sequence_number"`
	ID                    string                 `json:"id"`
	Subject               string                 `json:"subject,omitempty"`
	ContentType           string                 `json:"content_type,omitempty"`
	Body                  string                 `json:"body,omitempty"`
	BodyB64               string                 `json:"body_b64,omitempty"`
	EnqueuedTime          time.Time              `json:"enqueued_time"`
	ScheduledEnqueueTime  *time.Time             `json:"scheduled_enqueue_time,omitempty"`
	DeliveryCount         int                    `json:"delivery_count"`
	State                 queue.State            `json:"state"`
	DeadLetterReason      string                 `json:"dead_letter_reason,omitempty"`
	DeadLetterDescription string                 `json:"dead_letter_description,omitempty"`
	Properties            map[string]queue.Value `json:"properties,omitempty"`
	NServiceBus           bool                   `json:"nservicebus,omitempty"`
}

func NewMessageView(m queue.Message) MessageView {
	out := MessageView{
		SequenceNumber:        m.SequenceNumber,
		ID:                    m.ID,
		Subject:               m.Subject,
		ContentType:           m.ContentType,
		EnqueuedTime:          m.EnqueuedTime.UTC(),
		DeliveryCount:         m.DeliveryCount,
		State:                 m.State,
		DeadLetterReason:      m.DeadLetterReason,
		DeadLetterDescription: m.DeadLetterDescription,
		Properties:            m.Properties,
		NServiceBus:           inspect.IsNServiceBusMessage(m),
	}
	if utf8.Valid(m.Body) {
		out.Body = string(m.Body)
	} else {
		out.BodyB64 = base64.StdEncoding.EncodeToString(m.Body)
	}
	if !m.ScheduledEnqueueTime.IsZero() {
		t := m.ScheduledEnqueueTime.UTC()
		out.ScheduledEnqueueTime = &t
	}
	return out
}

type browseResponse struct {
	Items    []MessageView `json:"items"`
	NextFrom int64         `json:"next_from,omitempty"`
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sub, err := queue.ParseSubQueue(q.Get("sub"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidQuery, err.Error())
		return
	}
	limit := defaultListLimit
	if raw := strings.TrimSpace(q.Get("max")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, "max must be an integer between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		limit = n
	}
	var from int64
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, "from must be a non-negative sequence number")
			return
		}
		from = n
	}

	msgs, err := s.Service.Browse(r.Context(), entityFromRequest(r), sub, limit, from)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := browseResponse{Items: make([]MessageView, 0, len(msgs))}
	for _, m := range msgs {
		resp.Items = append(resp.Items, NewMessageView(m))
	}
	if len(msgs) == limit {
		resp.NextFrom = msgs[len(msgs)-1].SequenceNumber + 1
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseSequence(w http.ResponseWriter, r *http.Request) (int64, bool) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq < 0 {
		writeError(w, http.StatusBadRequest, codeInvalidSequence, "sequence number must be a non-negative integer")
		return 0, false
	}
	return seq, true
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	seq, ok := parseSequence(w, r)
	if !ok {
		return
	}
	sub, err := queue.ParseSubQueue(r.URL.Query().Get("sub"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidQuery, err.Error())
		return
	}
	exists, err := s.Service.CheckExists(r.Context(), entityFromRequest(r), sub, seq)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

type mutateRequest struct {
	Sub         string `json:"sub"`
	ScheduledAt string `json:"scheduled_at"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
	SkipPeek    *bool  `json:"skip_peek"`
}

type mutateResponse struct {
	Outcome inspect.Outcome `json:"outcome"`
	OK      bool            `json:"ok"`
	Batches int             `json:"batches"`
	Error   string          `json:"error,omitempty"`
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	seq, ok := parseSequence(w, r)
	if !ok {
		return
	}
	kind, ok := inspect.ParseActionKind(chi.URLParam(r, "action"))
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "unknown action "+strconv.Quote(chi.URLParam(r, "action")))
		return
	}
	var req mutateRequest
	if err := decodeJSONBody(r, &req, s.maxBody(), true); err != nil {
		writeDecodeError(w, err)
		return
	}

	var action inspect.Action
	switch kind {
	case inspect.ActionComplete:
		sub, err := queue.ParseSubQueue(req.Sub)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error())
			return
		}
		action = inspect.Delete(sub)
	case inspect.ActionRequeueFromDeadLetter:
		action = inspect.Requeue()
	case inspect.ActionReschedule:
		if strings.TrimSpace(req.ScheduledAt) == "" {
			writeError(w, http.StatusBadRequest, codeScheduleTimeMissing, "scheduled_at is required for reschedule")
			return
		}
		at, ok := parseTimestamp(w, req.ScheduledAt)
		if !ok {
			return
		}
		action = inspect.Reschedule(at)
	case inspect.ActionDeadLetter:
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = inspect.ManualDeadLetterReason
		}
		action = inspect.DeadLetter(reason, strings.TrimSpace(req.Description))
	}

	var opts []inspect.MutateOption
	if req.SkipPeek != nil {
		opts = append(opts, inspect.WithSkipPeekVerification(*req.SkipPeek))
	}
	res := s.Service.MutateOne(r.Context(), entityFromRequest(r), seq, action, opts...)

	resp := mutateResponse{Outcome: res.Outcome, OK: res.OK(), Batches: res.Batches}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSON(w, mutateStatus(res), resp)
}

// mutateStatus maps stuck and exhausted searches to 409; see inspect.OutcomeStuck.
func mutateStatus(res inspect.Result) int {
	switch res.Outcome {
	case inspect.OutcomeMutated:
		return http.StatusOK
	case inspect.OutcomeNotFound:
		return http.StatusNotFound
	case inspect.OutcomeStuck, inspect.OutcomeExhausted:
		return http.StatusConflict
	}
	switch {
	case errors.Is(res.Err, queue.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(res.Err, queue.ErrInvalidEntity):
		return http.StatusBadRequest
	}
	return http.StatusServiceUnavailable
}

func parseTimestamp(w http.ResponseWriter, raw string) (time.Time, bool) {
	at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidScheduledAt, "scheduled_at must be an RFC 3339 timestamp")
		return time.Time{}, false
	}
	return at.UTC(), true
}

type sendRequest struct {
	ID          string                 `json:"id"`
	Body        string                 `json:"body"`
	BodyB64     string                 `json:"body_b64"`
	Subject     string                 `json:"subject"`
	ContentType string                 `json:"content_type"`
	Properties  map[string]queue.Value `json:"properties"`
	ScheduledAt string                 `json:"scheduled_at"`
	DeadLetter  bool                   `json:"dead_letter"`
}

type sendResponse struct {
	SequenceNumber int64 `json:"sequence_number"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSONBody(r, &req, s.maxBody(), false); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.Body != "" && req.BodyB64 != "" {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "body and body_b64 are mutually exclusive")
		return
	}
	body := []byte(req.Body)
	if req.BodyB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.BodyB64)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidBody, "body_b64 must be valid base64")
			return
		}
		body = decoded
	}
	var at time.Time
	if strings.TrimSpace(req.ScheduledAt) != "" {
		if req.DeadLetter {
			writeError(w, http.StatusBadRequest, codeInvalidBody, "scheduled_at cannot be combined with dead_letter")
			return
		}
		var ok bool
		if at, ok = parseTimestamp(w, req.ScheduledAt); !ok {
			return
		}
	}

	msg := queue.OutgoingMessage{
		ID:          strings.TrimSpace(req.ID),
		Subject:     req.Subject,
		ContentType: req.ContentType,
		Body:        body,
		Properties:  req.Properties,
	}
	entity := entityFromRequest(r)
	var (
		seq int64
		err error
	)
	if req.DeadLetter {
		seq, err = s.Service.SendToDeadLetter(r.Context(), entity, msg)
	} else {
		if err = entity.Validate(); err == nil {
			seq, err = s.Service.Send(r.Context(), entity.SendTarget(), msg, at)
		}
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sendResponse{SequenceNumber: seq})
}

type operationRequest struct {
	Kind         string          `json:"kind"`
	Queue        string          `json:"queue"`
	Topic        string          `json:"topic"`
	Subscription string          `json:"subscription"`
	Sub          string          `json:"sub"`
	Filters      []filter.Filter `json:"filters"`
	FilterSet    string          `json:"filter_set"`
}

func (s *Server) handleStartOperation(w http.ResponseWriter, r *http.Request) {
	if s.Operations == nil {
		writeError(w, http.StatusServiceUnavailable, codeOperationsDisabled, "background operations are not available")
		return
	}
	var req operationRequest
	if err := decodeJSONBody(r, &req, s.maxBody(), false); err != nil {
		writeDecodeError(w, err)
		return
	}
	kind, ok := parseOperationKind(strings.TrimSpace(req.Kind))
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "kind must be drain, delete_matching or resubmit_matching")
		return
	}
	entity := queue.Entity{
		Queue:        strings.TrimSpace(req.Queue),
		Topic:        strings.TrimSpace(req.Topic),
		Subscription: strings.TrimSpace(req.Subscription),
	}
	if err := entity.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidEntity, err.Error())
		return
	}
	sub, err := queue.ParseSubQueue(req.Sub)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error())
		return
	}

	var filters []filter.Filter
	hasFilters := len(req.Filters) > 0 || strings.TrimSpace(req.FilterSet) != ""
	switch {
	case kind == OperationDrain && hasFilters:
		writeError(w, http.StatusBadRequest, codeInvalidBody, "drain does not accept filters")
		return
	case len(req.Filters) > 0 && strings.TrimSpace(req.FilterSet) != "":
		writeError(w, http.StatusBadRequest, codeInvalidBody, "filters and filter_set are mutually exclusive")
		return
	case strings.TrimSpace(req.FilterSet) != "":
		name := strings.TrimSpace(req.FilterSet)
		set, ok := s.filterSets()[name]
		if !ok {
			writeError(w, http.StatusNotFound, codeFilterSetNotFound, "filter set "+strconv.Quote(name)+" is not configured")
			return
		}
		filters = set
	default:
		filters = req.Filters
	}
	if kind == OperationResubmitMatching {
		if strings.TrimSpace(req.Sub) != "" && sub != queue.SubQueueDeadLetter {
			writeError(w, http.StatusBadRequest, codeInvalidBody, "resubmit_matching always reads the dead-letter sub-queue")
			return
		}
		sub = queue.SubQueueDeadLetter
	}

	svc := s.Service
	var fn OperationFunc
	switch kind {
	case OperationDrain:
		fn = func(ctx context.Context, progress inspect.ProgressFunc) (int, error) {
			return svc.Drain(ctx, entity, sub, progress)
		}
	case OperationDeleteMatching:
		fn = func(ctx context.Context, progress inspect.ProgressFunc) (int, error) {
			return svc.DeleteMatching(ctx, entity, sub, filters, progress)
		}
	case OperationResubmitMatching:
		fn = func(ctx context.Context, progress inspect.ProgressFunc) (int, error) {
			return svc.ResubmitMatching(ctx, entity, filters, progress)
		}
	}

	op, err := s.Operations.Start(kind, entity, sub, fn)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, codeOperationsDisabled, err.Error())
		return
	}
	s.logger().Info("operation_started",
		slog.String("id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.String("entity", op.Entity),
		slog.String("sub", op.Sub),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	var items []Operation
	if s.Operations != nil {
		items = s.Operations.List()
	}
	if items == nil {
		items = []Operation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	if s.Operations == nil {
		writeError(w, http.StatusNotFound, codeOperationNotFound, "operation not found")
		return
	}
	op, ok := s.Operations.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, codeOperationNotFound, "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	if s.Operations == nil {
		writeError(w, http.StatusNotFound, codeOperationNotFound, "operation not found")
		return
	}
	op, ok := s.Operations.Cancel(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, codeOperationNotFound, "operation not found")
		return
	}
	s.logger().Info("operation_cancel_requested",
		slog.String("id", op.ID),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) filterSets() map[string][]filter.Filter {
	if s.FilterSets == nil {
		return nil
	}
	return s.FilterSets()
}

type filterSetResponse struct {
	Name    string          `json:"name"`
	Filters []filter.Filter `json:"filters"`
}

func (s *Server) handleFilterSets(w http.ResponseWriter, r *http.Request) {
	sets := s.filterSets()
	names := make([]string, 0, len(sets))
	for name := range sets {
		names = append(names, name)
	}
	sort.Strings(names)
	items := make([]filterSetResponse, 0, len(names))
	for _, name := range names {
		items = append(items, filterSetResponse{Name: name, Filters: sets[name]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
