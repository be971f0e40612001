package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/guardianlink/project/internal/app/identity"
	"github.com/guardianlink/project/internal/app/notify"
	"github.com/guardianlink/project/internal/app/taskauthority"
	platformauth "github.com/guardianlink/project/internal/platform/auth"
	"github.com/guardianlink/project/internal/platform/metrics"
)

// SessionRegistry is what the websocket endpoint needs from the notification
// layer: install a session as the user's single live one, tear it down, and
// record heartbeat answers. Satisfied by notify.Hub and notify.Relay.
type SessionRegistry interface {
	Register(userID string, sess notify.Session)
	Unregister(userID string, sess notify.Session)
	Pong(userID string)
}

type Handler struct {
	Identity      *identity.Service
	Tasks         *taskauthority.Service
	Sessions      SessionRegistry
	Ready         func(ctx context.Context) error
	AllowedOrigin string
}

func NewHandler(identitySvc *identity.Service, taskSvc *taskauthority.Service, sessions SessionRegistry, allowedOrigin string) *Handler {
	return &Handler{
		Identity:      identitySvc,
		Tasks:         taskSvc,
		Sessions:      sessions,
		AllowedOrigin: allowedOrigin,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyz)
	r.Handle("/metrics", metrics.DefaultHandler())

	r.Post("/api/auth/register", h.handleRegister)
	r.Post("/api/auth/login", h.handleLogin)

	r.Get("/ws", h.handleWebSocket)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/api/auth/me", h.handleMe)
		authR.Get("/api/dependent/code", h.handleDependentCode)
		authR.Post("/api/guardian/link", h.handleLink)
		authR.Get("/api/guardian/dependent", h.handleDependent)
		authR.Get("/api/guardian/dependents", h.handleDependents)
		authR.Post("/api/tasks", h.handleCreateTask)
		authR.Get("/api/tasks/guardian", h.handleGuardianTasks)
		authR.Get("/api/tasks/dependent", h.handleDependentTasks)
		authR.Patch("/api/tasks/{taskID}/status", h.handleUpdateStatus)
		authR.Delete("/api/tasks/{taskID}", h.handleDeleteTask)
	})

	return r
}

type registerRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type linkRequest struct {
	Code string `json:"code"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Name, req.Password, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidName),
			errors.Is(err, identity.ErrInvalidPassword),
			errors.Is(err, identity.ErrInvalidRole),
			errors.Is(err, identity.ErrNameTaken):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Name, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	profile, err := h.Identity.Profile(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) handleDependentCode(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	code, err := h.Identity.DependentCode(r.Context(), claims.Subject)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrForbiddenRole):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, identity.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "user not found")
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

func (h *Handler) handleLink(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims.Role != identity.RoleGuardian {
		h.writeError(w, http.StatusForbidden, "guardian role required")
		return
	}
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	dependent, err := h.Identity.LinkDependent(r.Context(), claims.Subject, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrCodeNotFound):
			h.writeError(w, http.StatusNotFound, "unknown dependent code")
		case errors.Is(err, identity.ErrAlreadyLinked):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"message": "link established",
		"dependent": map[string]string{
			"id":   dependent.ID,
			"name": dependent.Name,
		},
	})
}

// handleDependent returns the guardian's first linked dependent, or null.
func (h *Handler) handleDependent(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims.Role != identity.RoleGuardian {
		h.writeError(w, http.StatusForbidden, "guardian role required")
		return
	}
	dependents, err := h.Identity.ListDependents(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var dependent any
	if len(dependents) > 0 {
		dependent = map[string]string{"id": dependents[0].ID, "name": dependents[0].Name}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"dependent": dependent})
}

func (h *Handler) handleDependents(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims.Role != identity.RoleGuardian {
		h.writeError(w, http.StatusForbidden, "guardian role required")
		return
	}
	dependents, err := h.Identity.ListDependents(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]string, 0, len(dependents))
	for _, d := range dependents {
		out = append(out, map[string]string{"id": d.ID, "name": d.Name})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskauthority.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	task, err := h.Tasks.Create(r.Context(), actorFromClaims(claims), req)
	if err != nil {
		switch {
		case errors.Is(err, taskauthority.ErrTitleRequired), errors.Is(err, taskauthority.ErrDependentRequired):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, taskauthority.ErrGuardianOnly), errors.Is(err, taskauthority.ErrNotLinked):
			h.writeError(w, http.StatusForbidden, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) handleGuardianTasks(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	tasks, err := h.Tasks.ListForGuardian(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) handleDependentTasks(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	tasks, err := h.Tasks.ListForDependent(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req taskauthority.StatusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	task, err := h.Tasks.UpdateStatus(r.Context(), actorFromClaims(claims), taskID, req)
	if err != nil {
		var conflict *taskauthority.ConflictError
		switch {
		case errors.As(err, &conflict):
			h.writeJSON(w, http.StatusConflict, map[string]any{
				"message":         conflict.Error(),
				"current_status":  conflict.CurrentStatus,
				"current_version": conflict.CurrentVersion,
			})
		case errors.Is(err, taskauthority.ErrInvalidStatus):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, taskauthority.ErrForbidden):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, taskauthority.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "task not found")
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	claims := claimsFromContext(r.Context())
	err := h.Tasks.Delete(r.Context(), actorFromClaims(claims), taskID)
	if err != nil {
		switch {
		case errors.Is(err, taskauthority.ErrGuardianOnly):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, taskauthority.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "task not found")
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "task deleted"})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(h.AllowedOrigin)
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
	})
}

func actorFromClaims(claims platformauth.Claims) taskauthority.Actor {
	return taskauthority.Actor{UserID: claims.Subject, Role: claims.Role}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}
