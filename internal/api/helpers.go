package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rendis/credflow/pkg/schema"
)

// statusFor maps a FlowError code to an HTTP status.
func statusFor(err error) int {
	switch schema.CodeOf(err) {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeNotAwaitingDecision, schema.ErrCodeCancelled:
		return http.StatusConflict
	case schema.ErrCodeRetryLimitExceeded:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeValidation, schema.ErrCodeMalformedDefinition, schema.ErrCodeInvalidExpression:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as {"error": FlowError}. Errors without a code are
// reported as internal errors.
func writeError(w http.ResponseWriter, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		fe = schema.NewError("INTERNAL", err.Error())
	}
	writeJSON(w, statusFor(err), map[string]any{"error": fe})
}

// badRequest writes a VALIDATION_ERROR.
func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeError(w, schema.NewErrorf(schema.ErrCodeValidation, format, args...))
}

// decodeBody decodes the JSON request body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid JSON: %v", err)
		return false
	}
	return true
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
