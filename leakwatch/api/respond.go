package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/paging"
)

const internalErrorMessage = "Internal server error. Contact your system administrator"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// Page is one page of a listing.
type Page[T any] struct {
	Data  []T   `json:"data"`
	Total int64 `json:"total"`
	Skip  int   `json:"skip"`
	Limit int   `json:"limit"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

// statusOf maps an error kind to its HTTP status.
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindIntegrity:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status of err's kind. Internal failures are
// logged and never leak their cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(apperr.KindOf(err))
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", RequestID(r.Context()), "error", err)
		writeJSON(w, status, ErrorResponse{Detail: internalErrorMessage})
		return
	}

	detail := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) && e.Message != "" {
		detail = e.Message
	}
	writeJSON(w, status, ErrorResponse{Detail: detail})
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("api.decode", "invalid request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (uint, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Validation("api.pathID", "invalid %s %q", name, raw)
	}
	return uint(id), nil
}

// pageParams reads skip and limit. Bounds are checked by the listing itself.
func pageParams(r *http.Request) (skip, limit int, err error) {
	q := r.URL.Query()
	skip, limit = 0, paging.DefaultLimit
	if v := q.Get("skip"); v != "" {
		if skip, err = strconv.Atoi(v); err != nil {
			return 0, 0, apperr.Validation("api.pageParams", "invalid skip %q", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, 0, apperr.Validation("api.pageParams", "invalid limit %q", v)
		}
	}
	return skip, limit, nil
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperr.Validation("api.queryTime", "invalid %s %q, expected RFC 3339", key, v)
	}
	return &t, nil
}

func queryBool(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, apperr.Validation("api.queryBool", "invalid %s %q", key, v)
	}
	return &b, nil
}

func queryIDs(r *http.Request, key string) ([]uint, error) {
	var ids []uint
	for _, v := range r.URL.Query()[key] {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, apperr.Validation("api.queryIDs", "invalid %s %q", key, v)
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}
