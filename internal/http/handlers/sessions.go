package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/autoresponder/internal/model"
	"github.com/signalix/autoresponder/internal/repo"
	"github.com/signalix/autoresponder/internal/session"
)

const maxNameLength = 100

// SessionControl is the part of the session registry the API drives
type SessionControl interface {
	StartSession(tenantID uuid.UUID) (*session.Lifecycle, error)
	GetStatus(tenantID uuid.UUID) session.Snapshot
	DeleteSession(tenantID uuid.UUID) error
}

// TenantDirectory is the tenant persistence the API reads and writes
type TenantDirectory interface {
	List(ctx context.Context) ([]model.Tenant, error)
	GetOrCreateByName(ctx context.Context, name string) (model.Tenant, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// SessionHandler handles tenant session endpoints
type SessionHandler struct {
	sessions SessionControl
	tenants  TenantDirectory
	log      *zap.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions SessionControl, tenants TenantDirectory, log *zap.Logger) *SessionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionHandler{sessions: sessions, tenants: tenants, log: log}
}

// createSessionRequest is the request body for POST /sessions
type createSessionRequest struct {
	Name string `json:"name"`
}

// createSessionResponse is the JSON response for POST /sessions
type createSessionResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

// sessionResponse is one tenant with its live status
type sessionResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// statusResponse is the JSON response for GET /sessions/{id}
type statusResponse struct {
	Status string `json:"status"`
	QR     string `json:"qr,omitempty"`
}

// HandleList handles GET /sessions
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.tenants.List(r.Context())
	if err != nil {
		h.log.Error("list_tenants_failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	out := make([]sessionResponse, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, sessionResponse{
			ID:        t.ID.String(),
			Name:      t.Name,
			Status:    string(h.sessions.GetStatus(t.ID).Status),
			CreatedAt: t.CreatedAt,
		})
	}
	respondWithJSON(w, http.StatusOK, out)
}

// HandleCreate handles POST /sessions
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		respondWithError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(name) > maxNameLength {
		respondWithError(w, http.StatusBadRequest, "name is too long")
		return
	}

	tenant, err := h.tenants.GetOrCreateByName(r.Context(), name)
	if err != nil {
		h.log.Error("create_tenant_failed", zap.String("name", name), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	if _, err := h.sessions.StartSession(tenant.ID); err != nil {
		h.log.Error("start_session_failed", zap.String("tenant", tenant.ID.String()), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	respondWithJSON(w, http.StatusAccepted, createSessionResponse{
		Status:    "starting",
		SessionID: tenant.ID.String(),
	})
}

// HandleStatus handles GET /sessions/{id}
func (h *SessionHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	snap := h.sessions.GetStatus(id)
	respondWithJSON(w, http.StatusOK, statusResponse{Status: string(snap.Status), QR: snap.QR})
}

// HandleDelete handles DELETE /sessions/{id}
func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.sessions.DeleteSession(id); err != nil {
		h.log.Error("delete_session_failed", zap.String("tenant", id.String()), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	if err := h.tenants.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "session not found")
			return
		}
		h.log.Error("delete_tenant_failed", zap.String("tenant", id.String()), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{"error": message})
}
