package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/homesync/internal/permission"
)

// DefaultRedirect is where a dashboard goes after a denial.
const DefaultRedirect = "/"

// Error is the body of every error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// Redirect is set on 403 responses.
	Redirect string `json:"redirect,omitempty"`
	Gate     string `json:"gate,omitempty"`
}

// Error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeForbidden   = "forbidden"
	ErrCodeInternal    = "internal_error"
	ErrCodeUpstream    = "upstream_error"
	ErrCodeUnavailable = "unavailable"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // connection may already be gone
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeForbidden answers a permission denial with 403 and a redirect hint.
func writeForbidden(w http.ResponseWriter, err error) {
	body := Error{
		Status:   http.StatusForbidden,
		Code:     ErrCodeForbidden,
		Message:  err.Error(),
		Redirect: DefaultRedirect,
	}
	var denied *permission.DeniedError
	if errors.As(err, &denied) {
		body.Gate = string(denied.Gate)
	}
	writeJSON(w, http.StatusForbidden, body)
}
