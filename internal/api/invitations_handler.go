package api

import (
	"net/http"

	"github.com/gaboe/map-poster/internal/auth"
	"github.com/gaboe/map-poster/internal/invitation"
	"github.com/gaboe/map-poster/internal/role"
	"github.com/go-chi/chi/v5"
)

// invitationsHandler groups invitation HTTP handlers.
type invitationsHandler struct {
	service *invitation.Service
	bulk    *invitation.Orchestrator
}

func newInvitationsHandler(service *invitation.Service, bulk *invitation.Orchestrator) *invitationsHandler {
	return &invitationsHandler{service: service, bulk: bulk}
}

// CreateBulk handles POST /api/v1/organizations/{orgID}/invitations. Per-email
// failures still yield 200.
func (h *invitationsHandler) CreateBulk(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	var req struct {
		Emails             []string                `json:"emails"`
		OrganizationRole   role.OrgRole            `json:"organization_role"`
		ProjectAssignments []invitation.Assignment `json:"project_assignments"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	orgID := chi.URLParam(r, "orgID")
	res, err := h.bulk.CreateBulk(r.Context(), u, invitation.BulkInput{
		Emails:             req.Emails,
		OrganizationID:     orgID,
		OrganizationRole:   req.OrganizationRole,
		ProjectAssignments: req.ProjectAssignments,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	created := 0
	for _, er := range res.Results {
		if er.Success {
			created++
		}
	}
	auditLog(r, "invite", "organization", orgID, "emails", len(req.Emails), "created", created)

	writeJSON(w, http.StatusOK, res)
}

// ListForOrganization handles GET /api/v1/organizations/{orgID}/invitations.
func (h *invitationsHandler) ListForOrganization(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	views, err := h.service.ListForOrganization(r.Context(), u, chi.URLParam(r, "orgID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": views})
}

// ListPending handles GET /api/v1/invitations: the caller's own live invitations.
func (h *invitationsHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	invs, err := h.service.PendingForUser(r.Context(), u)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": invs})
}

// Details handles GET /api/v1/invitations/{id}.
func (h *invitationsHandler) Details(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Details(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Accept handles POST /api/v1/invitations/{id}/accept. Expected failures are
// reported in the body with 200.
func (h *invitationsHandler) Accept(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	id := chi.URLParam(r, "id")
	res, err := h.service.Accept(r.Context(), u, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if res.Success {
		auditLog(r, "accept", "invitation", id, "organization_id", res.OrganizationID, "role", string(res.Role))
	}
	writeJSON(w, http.StatusOK, res)
}

// Dismiss handles POST /api/v1/invitations/{id}/dismiss.
func (h *invitationsHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.Dismiss(r.Context(), u, id); err != nil {
		writeAppError(w, r, err)
		return
	}
	auditLog(r, "dismiss", "invitation", id)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Delete handles DELETE /api/v1/invitations/{id}.
func (h *invitationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.Delete(r.Context(), u, id); err != nil {
		writeAppError(w, r, err)
		return
	}
	auditLog(r, "delete", "invitation", id)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
