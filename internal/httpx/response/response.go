// Package response writes JSON bodies and the error envelope shared by every handler.
package response

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"devicelog/backend/internal/platform/apperr"
)

// Error codes carried in the envelope.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeInternal         = "INTERNAL"
	CodeUnavailable      = "UNAVAILABLE"
	CodeRateLimited      = "RATE_LIMITED"
)

var errTrailingData = errors.New("unexpected data after JSON body")

// MaxBodyBytes bounds request bodies decoded by Decode.
const MaxBodyBytes = 8 << 20

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes the error envelope.
func Error(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	JSON(w, status, errorEnvelope{Error: apiError{
		Message:   message,
		Code:      code,
		Details:   details,
		RequestID: requestID(r),
	}})
}

// FromError maps err to a status by its apperr kind and writes the envelope.
// Validation is 400 and NotFound is 404. Everything else is a 500 whose cause is logged, never returned.
func FromError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case apperr.KindValidation:
			Error(w, r, http.StatusBadRequest, CodeValidation, ae.Message, detailsOf(ae))
			return
		case apperr.KindNotFound:
			Error(w, r, http.StatusNotFound, CodeNotFound, ae.Message, detailsOf(ae))
			return
		}
	}
	if logger != nil {
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"kind", apperr.KindOf(err).String(),
			"request_id", requestID(r),
			"error", err,
		)
	}
	Error(w, r, http.StatusInternalServerError, CodeInternal, "internal server error", nil)
}

// Decode reads exactly one JSON document into dst and ignores unknown fields.
// Malformed, oversized, or trailing content is a Validation error.
func Decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := decodeOne(dec, dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperr.Validation("request body is required")
		case errors.As(err, &maxErr):
			return apperr.Validationf("request body exceeds %d bytes", maxErr.Limit)
		default:
			return apperr.Validation("malformed JSON body").WithDetail("reason", err.Error())
		}
	}
	return nil
}

func detailsOf(ae *apperr.Error) any {
	if len(ae.Detail) == 0 {
		return nil
	}
	return ae.Detail
}

func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id := chimiddleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return r.Header.Get(chimiddleware.RequestIDHeader)
}

func decodeOne(dec *json.Decoder, dst any) error {
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return errTrailingData
		}
		return err
	}
	return nil
}
