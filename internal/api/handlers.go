package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"campuscast/internal/broadcast"
	"campuscast/internal/credentials"
	"campuscast/internal/models"
	"campuscast/internal/platform"
	"campuscast/internal/storage"
)

type Handler struct {
	Orchestrator *broadcast.Orchestrator
	Store        storage.Repository
	Logger       *slog.Logger
}

func NewHandler(orchestrator *broadcast.Orchestrator, store storage.Repository, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Orchestrator: orchestrator, Store: store, Logger: logger}
}

type createBroadcastRequest struct {
	Title          string                   `json:"title"`
	Description    string                   `json:"description"`
	IngestStrategy string                   `json:"ingestStrategy"`
	ScheduledAt    *time.Time               `json:"scheduledAt"`
	Public         bool                     `json:"public"`
	Platform       *models.PlatformSettings `json:"platform"`
}

type updateBroadcastRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Public      *bool   `json:"public"`
}

type platformResponse struct {
	BroadcastID string                  `json:"broadcastId"`
	StreamURL   string                  `json:"streamUrl,omitempty"`
	LiveChatID  string                  `json:"liveChatId,omitempty"`
	Settings    models.PlatformSettings `json:"settings"`
}

// sessionResponse is the public view of a session. Connection secrets (join
// tokens, stream keys) are only ever returned once, from the create call.
type sessionResponse struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	IngestStrategy string            `json:"ingestStrategy"`
	Status         string            `json:"status"`
	Public         bool              `json:"public"`
	ScheduledAt    *time.Time        `json:"scheduledAt,omitempty"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	EndedAt        *time.Time        `json:"endedAt,omitempty"`
	ErrorReason    string            `json:"errorReason,omitempty"`
	Platform       *platformResponse `json:"platform,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	Revision       int64             `json:"revision"`
}

type createBroadcastResponse struct {
	sessionResponse
	Connection broadcast.ConnectionDetails `json:"connection"`
}

func newSessionResponse(session models.Session) sessionResponse {
	resp := sessionResponse{
		ID:             session.ID,
		Title:          session.Title,
		Description:    session.Description,
		IngestStrategy: string(session.Strategy),
		Status:         string(session.Status),
		Public:         session.Public,
		ScheduledAt:    session.ScheduledAt,
		StartedAt:      session.StartedAt,
		EndedAt:        session.EndedAt,
		ErrorReason:    session.ErrorReason,
		CreatedAt:      session.CreatedAt,
		UpdatedAt:      session.UpdatedAt,
		Revision:       session.Revision,
	}
	if session.Platform != nil {
		resp.Platform = &platformResponse{
			BroadcastID: session.Platform.BroadcastID,
			StreamURL:   session.Platform.StreamURL,
			LiveChatID:  session.Platform.LiveChatID,
			Settings:    session.Platform.Settings,
		}
	}
	return resp
}

// Broadcasts serves the session collection: listing and creation.
func (h *Handler) Broadcasts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := models.SessionStatus(strings.TrimSpace(r.URL.Query().Get("status")))
		if filter != "" && !validStatusFilter(filter) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status filter %q", filter))
			return
		}
		sessions, err := h.Orchestrator.List(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		response := make([]sessionResponse, 0, len(sessions))
		for _, session := range sessions {
			response = append(response, newSessionResponse(session))
		}
		writeJSON(w, http.StatusOK, response)
	case http.MethodPost:
		var req createBroadcastRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		session, details, err := h.Orchestrator.Create(r.Context(), broadcast.CreateRequest{
			Title:           req.Title,
			Description:     req.Description,
			IngestStrategy:  req.IngestStrategy,
			ScheduledAt:     req.ScheduledAt,
			Public:          req.Public,
			PlatformOptions: req.Platform,
		})
		if err != nil {
			h.writeTransitionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, createBroadcastResponse{
			sessionResponse: newSessionResponse(session),
			Connection:      details,
		})
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// BroadcastByID serves a single session and its lifecycle actions.
func (h *Handler) BroadcastByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/broadcasts/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("broadcast id missing"))
		return
	}
	sessionID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			session, err := h.Orchestrator.Get(r.Context(), sessionID)
			if err != nil {
				h.writeTransitionError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, newSessionResponse(session))
		case http.MethodPatch:
			var req updateBroadcastRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			session, err := h.Orchestrator.UpdateDetails(r.Context(), sessionID, broadcast.UpdateRequest{
				Title:       req.Title,
				Description: req.Description,
				Public:      req.Public,
			})
			if err != nil {
				h.writeTransitionError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, newSessionResponse(session))
		default:
			w.Header().Set("Allow", "GET, PATCH")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		}
		return
	}

	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		var session models.Session
		var err error
		switch parts[1] {
		case "start":
			session, err = h.Orchestrator.Start(r.Context(), sessionID)
		case "stop":
			session, err = h.Orchestrator.Stop(r.Context(), sessionID)
		case "cancel":
			session, err = h.Orchestrator.Cancel(r.Context(), sessionID)
		default:
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown broadcast action %q", parts[1]))
			return
		}
		if err != nil {
			h.writeTransitionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(session))
		return
	}

	writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
}

// Health reports the API and its datastore dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	status := "ok"
	statusCode := http.StatusOK
	components := []map[string]string{}
	if h.Store != nil {
		component := map[string]string{"component": "datastore", "status": "ok"}
		if err := h.Store.Ping(r.Context()); err != nil {
			component["status"] = "degraded"
			component["error"] = err.Error()
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, component)
	}

	writeJSON(w, statusCode, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

func validStatusFilter(status models.SessionStatus) bool {
	switch status {
	case models.StatusPending, models.StatusLive, models.StatusEnded, models.StatusError:
		return true
	default:
		return false
	}
}

// writeTransitionError maps orchestrator and downstream failures onto HTTP
// status codes. Platform quota exhaustion gets its own status so callers can
// distinguish "come back tomorrow" from transient outages.
func (h *Handler) writeTransitionError(w http.ResponseWriter, r *http.Request, err error) {
	var provErr *credentials.ProvisioningError
	switch {
	case errors.Is(err, broadcast.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, broadcast.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, broadcast.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	case platform.IsQuotaExceeded(err):
		writeError(w, http.StatusTooManyRequests, err)
	case platform.IsAuthExpired(err), platform.IsUnavailable(err), platform.IsRejected(err):
		writeError(w, http.StatusBadGateway, err)
	case errors.As(err, &provErr):
		// Room allocation is retryable once the allocator comes back.
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}
