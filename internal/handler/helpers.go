package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/account-ledger-go/internal/domain"

	"go.uber.org/zap"
)

// ============================================================
// Shared helper functions
// ============================================================

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &domain.ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	var (
		validation   *domain.ErrValidation
		notFound     *domain.ErrNotFound
		notEligible  *domain.ErrAccountNotEligible
		insufficient *domain.ErrInsufficientFunds
		target       *domain.ErrInvalidTarget
		conflict     *domain.ErrConcurrencyConflict
		version      *domain.ErrVersionConflict
		processing   *domain.ErrAlreadyProcessing
		transition   *domain.ErrInvalidTransition
		rejected     *domain.ErrRejected
		duplicate    *domain.ErrDuplicate
		external     *domain.ErrExternalService
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &notEligible), errors.As(err, &insufficient), errors.As(err, &target), errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	case errors.As(err, &conflict), errors.As(err, &version), errors.As(err, &processing),
		errors.As(err, &transition), errors.As(err, &duplicate):
		return http.StatusConflict
	case errors.As(err, &external):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleServiceError writes the error response for err and logs it at a
// level matching its severity.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status := statusFor(err)
	switch {
	case status == http.StatusInternalServerError:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, status, "internal server error")
		return
	case status >= http.StatusBadGateway:
		logger.Error("upstream failure", zap.Int("status", status), zap.Error(err))
	case status == http.StatusConflict:
		logger.Info("conflict", zap.String("error", err.Error()))
	default:
		logger.Debug("request rejected", zap.Int("status", status), zap.String("error", err.Error()))
	}

	resp := errorResponse{Error: err.Error()}
	var validation *domain.ErrValidation
	if errors.As(err, &validation) {
		resp.Field = validation.Field
	}
	writeJSON(w, status, resp)
}

// parseLimit reads ?limit=, defaulting to 50 and capping at 500.
func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &domain.ErrValidation{Field: "limit", Message: "must be a positive integer"}
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

// parseDate accepts RFC 3339 timestamps or plain dates. A plain end date
// covers the whole day.
func parseDate(field, raw string, end bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, &domain.ErrValidation{Field: field, Message: "must be YYYY-MM-DD or RFC 3339"}
	}
	if end {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

// parseTransactionFilter builds a ledger filter from the query string.
func parseTransactionFilter(r *http.Request) (domain.TransactionFilter, error) {
	q := r.URL.Query()
	var filter domain.TransactionFilter
	var err error

	filter.AccountNumber = strings.TrimSpace(q.Get("accountNumber"))
	if raw := q.Get("type"); raw != "" {
		if filter.Type, err = domain.ParseTransactionType(raw); err != nil {
			return filter, err
		}
	}
	if raw := q.Get("status"); raw != "" {
		if filter.Status, err = domain.ParseTransactionStatus(raw); err != nil {
			return filter, err
		}
	}
	if filter.From, err = parseDate("startDate", q.Get("startDate"), false); err != nil {
		return filter, err
	}
	if filter.To, err = parseDate("endDate", q.Get("endDate"), true); err != nil {
		return filter, err
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return filter, &domain.ErrValidation{Field: "endDate", Message: "must be after startDate"}
	}
	if raw := q.Get("includePending"); raw != "" {
		if filter.IncludePending, err = strconv.ParseBool(raw); err != nil {
			return filter, &domain.ErrValidation{Field: "includePending", Message: "must be true or false"}
		}
	}
	return filter, nil
}
