package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/better-wallet/share-custody/internal/logger"
	apperrors "github.com/better-wallet/share-custody/pkg/errors"
)

// Response is the envelope of every JSON response
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// Code is the error kind, set on failures only
	Code string `json:"code,omitempty"`
	Data any    `json:"data,omitempty"`
	// Timestamp is in Unix milliseconds
	Timestamp int64 `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, statusCode int, resp Response) {
	resp.Timestamp = time.Now().UnixMilli()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func writeSuccess(w http.ResponseWriter, statusCode int, message string, data any) {
	writeJSON(w, statusCode, Response{Success: true, Message: message, Data: data})
}

func writeMessage(w http.ResponseWriter, statusCode int, success bool, message string) {
	writeJSON(w, statusCode, Response{Success: success, Message: message})
}

// writeError writes err with the status of its kind. Only validation,
// not found and conflict details reach the client; everything else is logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperrors.IsAppError(err)
	if !ok {
		appErr = apperrors.Internal("", err)
	}

	log := logger.FromContext(r.Context())
	attrs := []any{"code", appErr.Code, "detail", appErr.Detail, "path", r.URL.Path}
	if cause := errors.Unwrap(appErr); cause != nil {
		attrs = append(attrs, "error", cause)
	}
	if appErr.StatusCode >= http.StatusInternalServerError {
		log.Error("request failed", attrs...)
	} else {
		log.Warn("request rejected", attrs...)
	}

	message := appErr.Message
	switch appErr.Code {
	case apperrors.ErrCodeValidation, apperrors.ErrCodeNotFound, apperrors.ErrCodeConflict:
		if appErr.Detail != "" {
			message += ": " + appErr.Detail
		}
	}

	writeJSON(w, appErr.StatusCode, Response{Success: false, Message: message, Code: appErr.Code})
}
