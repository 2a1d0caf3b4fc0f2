// Package response writes JSON bodies and error envelopes.
package response

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/vgabrielk/widget-sub001/internal/apierr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Banned bool   `json:"banned,omitempty"`
	Reason string `json:"reason,omitempty"`
	// RetryAfter is in seconds.
	RetryAfter int `json:"retry_after,omitempty"`
}

// JSON writes data as a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Error writes e. Internal errors never expose their cause.
func Error(w http.ResponseWriter, e *apierr.Error) {
	body := ErrorBody{Error: e.Error(), Code: e.Code}
	switch e.Code {
	case apierr.CodeInternal:
		body.Error = "internal server error"
	case apierr.CodeBanned:
		body.Banned = true
		body.Reason = e.Reason
	case apierr.CodeRateLimited:
		secs := int(e.RetryAfter.Seconds() + 0.999)
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	JSON(w, e.Status, body)
}
