// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Bascode-040612V1/recordsync/internal/auth"
)

// Handlers serves the records API from a MemoryBackend
type Handlers struct {
	backend *MemoryBackend
	logger  *slog.Logger
}

// NewHandlers creates a new instance of records handlers
func NewHandlers(backend *MemoryBackend, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		backend: backend,
		logger:  logger,
	}
}

// Register mounts all routes on mux
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+PathRecords+"{subject}", h.HandleRecords)
	mux.HandleFunc("POST "+PathRecords+"{id}"+SuffixAck, h.HandleAcknowledge)
	mux.HandleFunc("GET "+PathAsset+"{subject}", h.HandleAsset)
	mux.HandleFunc("GET "+PathHealth, h.HandleHealth)
}

// Routes returns a mux with all routes registered
func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// HandleRecords serves full and delta fetches of one kind for a student
func (h *Handlers) HandleRecords(w http.ResponseWriter, r *http.Request) {
	if h.unavailable(w) {
		return
	}

	subject := r.PathValue("subject")
	if subject == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "subject is required")
		return
	}
	if !h.authorized(r, subject) {
		h.writeError(w, http.StatusForbidden, "forbidden", "token does not belong to this student")
		return
	}

	q := r.URL.Query()
	var since int64
	if s := q.Get(ParamSince); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid 'since' parameter")
			return
		}
		since = v
	}

	limit := 0
	if s := q.Get(ParamLimit); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid 'limit' parameter")
			return
		}
		limit = v
	}
	if since == 0 && (limit == 0 || limit > MaxPageSize) {
		limit = MaxPageSize
	}

	resp := RecordsResponse{Success: true, ServerTime: time.Now().UnixMilli()}
	switch q.Get(ParamKind) {
	case KindViolation, "":
		resp.Violations = h.backend.ListViolations(subject, since, limit)
	case KindAttendance:
		resp.Attendance = h.backend.ListAttendance(subject, since, limit)
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "unknown kind")
		return
	}

	h.writeJSON(w, resp)
}

// HandleAcknowledge marks a violation acknowledged; repeated calls succeed
func (h *Handlers) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if h.unavailable(w) {
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid record id")
		return
	}

	if v, ok := h.backend.Violation(id); ok && !h.authorized(r, v.StudentID) {
		h.writeError(w, http.StatusForbidden, "forbidden", "token does not belong to this student")
		return
	}

	if err := h.backend.Acknowledge(id); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		h.logger.Error("Failed to acknowledge", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "ack_failed", "Failed to acknowledge")
		return
	}

	h.writeJSON(w, AckResponse{Success: true, ID: id, Message: "acknowledged"})
}

// HandleAsset returns the profile image of a student: JSON with image_url for
// external images, or the image bytes for inline ones
func (h *Handlers) HandleAsset(w http.ResponseWriter, r *http.Request) {
	if h.unavailable(w) {
		return
	}

	subject := r.PathValue("subject")
	asset, ok := h.backend.Asset(subject)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "no image for student")
		return
	}

	if len(asset.Data) > 0 {
		ct := asset.ContentType
		if ct == "" {
			ct = http.DetectContentType(asset.Data)
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Content-Length", strconv.Itoa(len(asset.Data)))
		if _, err := w.Write(asset.Data); err != nil {
			h.logger.Error("Failed to write asset", "error", err, "subject", subject)
		}
		return
	}

	h.writeJSON(w, AssetResponse{Success: true, ImageURL: asset.URL})
}

// HandleHealth answers the connectivity probe
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.unavailable(w) {
		return
	}
	h.writeJSON(w, ConnectionTestResponse{Success: true, Message: "ok", Time: time.Now().UTC()})
}

func (h *Handlers) unavailable(w http.ResponseWriter) bool {
	if !h.backend.Unavailable() {
		return false
	}
	h.writeError(w, http.StatusServiceUnavailable, "unavailable", "backend temporarily unavailable")
	return true
}

// authorized allows anonymous requests (no middleware mounted) and requests whose
// token subject matches the addressed student
func (h *Handlers) authorized(r *http.Request, studentID string) bool {
	sub, ok := auth.GetStudentID(r.Context())
	if !ok {
		return true
	}
	return sub == studentID
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Success: false,
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
