package api

import (
	"net/http"

	"github.com/gaboe/map-poster/internal/access"
	"github.com/gaboe/map-poster/internal/auth"
	"github.com/gaboe/map-poster/internal/role"
	"github.com/go-chi/chi/v5"
)

// projectsHandler groups project access HTTP handlers.
type projectsHandler struct {
	projects *access.Projects
}

func newProjectsHandler(projects *access.Projects) *projectsHandler {
	return &projectsHandler{projects: projects}
}

// ListAccessible handles GET /api/v1/projects.
func (h *projectsHandler) ListAccessible(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	projects, err := h.projects.Accessible(r.Context(), u)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// ListMembers handles GET /api/v1/projects/{projectID}/members.
func (h *projectsHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	members, err := h.projects.Members(r.Context(), u, chi.URLParam(r, "projectID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

// AddMember handles POST /api/v1/projects/{projectID}/members.
func (h *projectsHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	var req struct {
		UserID string           `json:"user_id"`
		Role   role.ProjectRole `json:"role"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "user_id is required")
		return
	}

	projectID := chi.URLParam(r, "projectID")
	if err := h.projects.AddMember(r.Context(), u, projectID, req.UserID, req.Role); err != nil {
		writeAppError(w, r, err)
		return
	}
	auditLog(r, "add_member", "project", projectID, "target_user_id", req.UserID, "role", string(req.Role))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// UpdateMemberRole handles PUT /api/v1/projects/{projectID}/members/{userID}.
func (h *projectsHandler) UpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	var req struct {
		Role role.ProjectRole `json:"role"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	projectID, userID := chi.URLParam(r, "projectID"), chi.URLParam(r, "userID")
	if err := h.projects.UpdateMemberRole(r.Context(), u, projectID, userID, req.Role); err != nil {
		writeAppError(w, r, err)
		return
	}
	auditLog(r, "update_member", "project", projectID, "target_user_id", userID, "role", string(req.Role))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RemoveMember handles DELETE /api/v1/projects/{projectID}/members/{userID}.
func (h *projectsHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	projectID, userID := chi.URLParam(r, "projectID"), chi.URLParam(r, "userID")
	if err := h.projects.RemoveMember(r.Context(), u, projectID, userID); err != nil {
		writeAppError(w, r, err)
		return
	}
	auditLog(r, "remove_member", "project", projectID, "target_user_id", userID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
