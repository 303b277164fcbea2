// Package httputil provides the response envelopes, error mapping and
// middleware shared by every HTTP handler.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrorBody is the payload of the {"error": ...} envelope.
type ErrorBody struct {
	Message string `json:"message"`
	// Details carries field-level validation failures.
	Details interface{} `json:"details,omitempty"`
	// Logs carries verification output when a generated fix failed its checks.
	Logs []string `json:"logs,omitempty"`
}

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type dataEnvelope struct {
	Data interface{} `json:"data"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

func write(w http.ResponseWriter, status int, contentType string, body func() error) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := body(); err != nil {
		slog.Error("failed to write response", "status", status, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	write(w, status, "application/json", func() error {
		if v == nil {
			return nil
		}
		return json.NewEncoder(w).Encode(v)
	})
}

// JSON writes v as-is, without the data envelope. Used for payloads whose
// shape is fixed by a third party, such as Slack responses.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	writeJSON(w, status, v)
}

// Text writes a plain text response.
func Text(w http.ResponseWriter, status int, text string) {
	write(w, status, "text/plain; charset=utf-8", func() error {
		_, err := w.Write([]byte(text))
		return err
	})
}

// Success writes v inside the {"data": ...} envelope.
func Success(w http.ResponseWriter, status int, v interface{}) {
	writeJSON(w, status, dataEnvelope{Data: v})
}

// Error writes the {"error": {"message": ...}} envelope.
func Error(w http.ResponseWriter, status int, message string) {
	Fail(w, status, ErrorBody{Message: message})
}

// Fail writes a fully populated error envelope.
func Fail(w http.ResponseWriter, status int, body ErrorBody) {
	writeJSON(w, status, errorEnvelope{Error: body})
}

// ValidationError writes a 400 response. Failures reported by the validator
// are listed per field; anything else is reported as a single string.
func ValidationError(w http.ResponseWriter, err error) {
	body := ErrorBody{Message: "validation error", Details: err.Error()}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make([]FieldError, 0, len(validationErrors))
		for _, e := range validationErrors {
			fields = append(fields, FieldError{Field: e.Field(), Message: e.Tag()})
		}
		body.Details = fields
	}

	Fail(w, http.StatusBadRequest, body)
}
