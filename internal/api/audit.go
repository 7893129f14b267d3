package api

import (
	"log/slog"
	"net/http"

	"github.com/gaboe/map-poster/internal/auth"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// auditLog emits a structured audit log entry for a membership change.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", r.RemoteAddr,
		"request_id", chimw.GetReqID(r.Context()),
	}

	if u := auth.UserFromContext(r.Context()); u != nil {
		attrs = append(attrs, "user_id", u.ID, "user_email", u.Email)
	}

	attrs = append(attrs, detail...)
	slog.InfoContext(r.Context(), "audit", attrs...)
}
