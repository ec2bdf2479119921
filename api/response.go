package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/lovelumine/rnaqueue"
)

// Envelope is the body of every JSON answer.
type Envelope struct {
	Code      int   `json:"code"`
	Data      any   `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

type SubmitData struct {
	Message      string `json:"message"`
	SubscribeURL string `json:"subscribeUrl"`
	TaskID       string `json:"taskId"`
}

type ErrorData struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{Code: status, Data: data, Timestamp: time.Now().UnixMilli()})
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError && !errors.Is(err, rnaqueue.ErrStorage) {
		msg = "internal error"
	}
	writeEnvelope(w, status, ErrorData{Message: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rnaqueue.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, rnaqueue.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
