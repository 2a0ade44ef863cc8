// Package httputil provides HTTP response helpers shared by all handlers.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Message is the protocol's generic `{message}` body.
type Message struct {
	Message string `json:"message"`
}

// RespondJSON sends a JSON response.
func RespondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.Errorf("Failed to write JSON response: %v", err)
	}
}

// RespondMessage sends a `{message}` body with the given status.
func RespondMessage(w http.ResponseWriter, statusCode int, message string) {
	RespondJSON(w, statusCode, Message{Message: message})
}
