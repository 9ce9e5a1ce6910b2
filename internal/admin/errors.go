package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nuetzliches/sbinspect/internal/inspect"
	"github.com/nuetzliches/sbinspect/internal/queue"
)

const (
	codeUnauthorized        = "unauthorized"
	codeMethodNotAllowed    = "method_not_allowed"
	codeNotFound            = "not_found"
	codeInvalidQuery        = "invalid_query"
	codeInvalidBody         = "invalid_body"
	codeInvalidEntity       = "invalid_entity"
	codeInvalidSequence     = "invalid_sequence"
	codeInvalidScheduledAt  = "invalid_scheduled_at"
	codeEntityNotFound      = "entity_not_found"
	codeFilterSetNotFound   = "filter_set_not_found"
	codeOperationNotFound   = "operation_not_found"
	codeSentCopyNotFound    = "sent_copy_not_found"
	codeBackendUnavailable  = "backend_unavailable"
	codePayloadTooLarge     = "payload_too_large"
	codeOperationsDisabled  = "operations_unavailable"
	codeScheduleTimeMissing = "scheduled_at_required"
)

var errRequestBodyTooLarge = errors.New("request body too large")

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	code = strings.TrimSpace(code)
	if code == "" {
		code = codeInvalidBody
	}
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Code: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps an inspector or backend error to a status code.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrEntityNotFound):
		writeError(w, http.StatusNotFound, codeEntityNotFound, err.Error())
	case errors.Is(err, queue.ErrInvalidEntity):
		writeError(w, http.StatusBadRequest, codeInvalidEntity, err.Error())
	case errors.Is(err, queue.ErrScheduleTimeNeeded):
		writeError(w, http.StatusBadRequest, codeScheduleTimeMissing, err.Error())
	case errors.Is(err, inspect.ErrSentCopyNotFound):
		writeError(w, http.StatusConflict, codeSentCopyNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, codeBackendUnavailable, "request canceled")
	default:
		writeError(w, http.StatusServiceUnavailable, codeBackendUnavailable, err.Error())
	}
}

// decodeJSONBody decodes a single JSON document and rejects unknown fields.
// An empty body leaves out untouched when optional is set.
func decodeJSONBody(r *http.Request, out any, maxBytes int64, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return errors.New("request body is missing")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return err
	}
	if int64(len(body)) > maxBytes {
		return errRequestBodyTooLarge
	}
	if len(bytes.TrimSpace(body)) == 0 {
		if optional {
			return nil
		}
		return errors.New("request body is empty")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("request body must contain a single JSON document")
		}
		return err
	}
	return nil
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errRequestBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, codeInvalidBody, fmt.Sprintf("invalid JSON body: %v", err))
}
