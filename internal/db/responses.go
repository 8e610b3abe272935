// Package db provides helpers for writing JSON responses.
//
// Every error leaves the server as {"message", "statusCode", "error"} so REST,
// GraphQL transport errors and the admin endpoints look alike to clients.
package db

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
}

// WriteJSON writes a JSON response.
// Returns an error if JSON encoding fails.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteJSONSafe writes a JSON response and logs encoding failures.
// A body that cannot be encoded is replaced by a 500 error.
func WriteJSONSafe(w http.ResponseWriter, statusCode int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
		body = []byte(`{"message":"Internal server error","statusCode":500,"error":"Internal Server Error"}`)
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write(append(body, '\n'))
}

// WriteError writes an ErrorResponse with the given status.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSONSafe(w, statusCode, ErrorResponse{
		Message:    message,
		StatusCode: statusCode,
		Error:      http.StatusText(statusCode),
	})
}

// WriteErr maps err to a status code and writes it. Internal errors are logged
// and their message is hidden from the client.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		message = "Internal server error"
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		message = verr.Message
	}
	WriteError(w, status, message)
}
