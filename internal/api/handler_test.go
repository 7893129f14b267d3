package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gaboe/map-poster/internal/access"
	"github.com/gaboe/map-poster/internal/auth"
	"github.com/gaboe/map-poster/internal/invitation"
	"github.com/gaboe/map-poster/internal/metrics"
	"github.com/gaboe/map-poster/internal/ratelimit"
	"github.com/gaboe/map-poster/internal/role"
	"github.com/gaboe/map-poster/internal/store"
	"github.com/gaboe/map-poster/internal/store/memstore"
	"github.com/gaboe/map-poster/internal/user"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

type testServer struct {
	handler http.Handler
	store   *memstore.Store
	metrics *metrics.Metrics

	org    *store.Organization
	p1, p2 *store.Project
	users  map[string]*store.User // by email
	tokens map[string]string      // by email
}

type serverOption func(*RouterDeps)

func withRateLimit(rate int) serverOption {
	return func(d *RouterDeps) { d.Limiter = ratelimit.New(rate, time.Minute) }
}

func withDB(p Pinger) serverOption {
	return func(d *RouterDeps) { d.DB = p }
}

func withOrigins(origins ...string) serverOption {
	return func(d *RouterDeps) { d.AllowedOrigins = origins }
}

// newTestServer builds a router over a memstore holding one organization
// with an owner, an admin, a member with viewer access on p1 and an outsider.
func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	ctx := context.Background()
	ms := memstore.New()
	m := metrics.New()

	ts := &testServer{
		store:   ms,
		metrics: m,
		users:   make(map[string]*store.User),
		tokens:  make(map[string]string),
	}

	var err error
	if ts.org, err = ms.CreateOrganization(ctx, "Acme Maps"); err != nil {
		t.Fatal(err)
	}
	if ts.p1, err = ms.CreateProject(ctx, ts.org.ID, "Alps"); err != nil {
		t.Fatal(err)
	}
	if ts.p2, err = ms.CreateProject(ctx, ts.org.ID, "Baltic"); err != nil {
		t.Fatal(err)
	}

	for email, r := range map[string]role.OrgRole{
		"owner@x.com":    role.Owner,
		"admin@x.com":    role.Admin,
		"a@x.com":        role.Member,
		"outsider@x.com": "",
	} {
		u, err := ms.CreateUser(ctx, store.User{Email: email, Name: email, EmailVerified: true})
		if err != nil {
			t.Fatal(err)
		}
		ts.users[email] = u
		if r != "" {
			if err := ms.InsertMembership(ctx, store.Membership{OrganizationID: ts.org.ID, UserID: u.ID, Role: r}); err != nil {
				t.Fatal(err)
			}
		}
		ts.login(t, u)
	}
	if err := ms.InsertProjectMembership(ctx, store.ProjectMembership{ProjectID: ts.p1.ID, UserID: ts.users["a@x.com"].ID, Role: role.Viewer}); err != nil {
		t.Fatal(err)
	}

	resolver := access.NewResolver(ms, m)
	deps := RouterDeps{
		Sessions:    user.NewAuthAdapter(ms),
		Invitations: invitation.NewService(ms, resolver, m),
		Bulk:        invitation.NewOrchestrator(ms, resolver, m, invitation.Options{MaxEmails: 10, Concurrency: 2}),
		Projects:    access.NewProjects(ms, resolver),
		Limiter:     ratelimit.New(100, time.Minute),
		Metrics:     m,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	ts.handler = NewRouter(deps)
	return ts
}

// login issues a session for u and remembers its token.
func (ts *testServer) login(t *testing.T, u *store.User) string {
	t.Helper()
	token, hash, err := auth.GenerateSessionToken()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := ts.store.CreateSession(context.Background(), store.Session{
		TokenHash: hash, UserID: u.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	ts.tokens[u.Email] = token
	return token
}

func (ts *testServer) do(t *testing.T, method, path, as string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+ts.tokens[as])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) errorDetail {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	env := decode[errorEnvelope](t, rec)
	if env.Error.Code != code {
		t.Errorf("expected error code %q, got %q", code, env.Error.Code)
	}
	return env.Error
}

func (ts *testServer) invitationsPath() string {
	return "/api/v1/organizations/" + ts.org.ID + "/invitations"
}

// ---------------------------------------------------------------------------
// Health and metrics
// ---------------------------------------------------------------------------

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		opts       []serverOption
		wantStatus int
		wantBody   map[string]string
	}{
		{"no database", nil, http.StatusOK, map[string]string{"status": "ok"}},
		{"database up", []serverOption{withDB(&fakePinger{})}, http.StatusOK, map[string]string{"status": "ok", "database": "connected"}},
		{"database down", []serverOption{withDB(&fakePinger{err: errors.New("refused")})}, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.opts...)
			rec := ts.do(t, http.MethodGet, "/health", "", nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			body := decode[map[string]string](t, rec)
			for k, v := range tt.wantBody {
				if body[k] != v {
					t.Errorf("%s = %q, want %q", k, body[k], v)
				}
			}
			if rec.Header().Get("X-Request-Id") == "" {
				t.Error("expected a request id header")
			}
		})
	}
}

func TestMetricsUseRoutePattern(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/api/v1/projects/"+ts.p1.ID+"/members", "owner@x.com", nil)

	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `path_pattern="/api/v1/projects/{projectID}/members"`) {
		t.Errorf("expected the route pattern label in metrics output")
	}
	if strings.Contains(body, ts.p1.ID) {
		t.Errorf("raw ids must not leak into metric labels")
	}
}

func TestMetricsSummary(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/api/v1/projects", "", nil)
	ts.do(t, http.MethodPost, ts.invitationsPath(), "owner@x.com", map[string]any{"emails": []string{"new@x.com"}})

	rec := ts.do(t, http.MethodGet, "/metrics/summary", "", nil)
	summary := decode[metrics.Summary](t, rec)
	if summary.Auth.Failures != 1 {
		t.Errorf("expected 1 auth failure, got %v", summary.Auth.Failures)
	}
	if summary.Invitations.Created != 1 {
		t.Errorf("expected 1 created invitation, got %v", summary.Invitations.Created)
	}
}

// ---------------------------------------------------------------------------
// Authentication and errors
// ---------------------------------------------------------------------------

func TestRoutesRequireSession(t *testing.T) {
	ts := newTestServer(t)
	paths := []string{"/api/v1/projects", "/api/v1/invitations", ts.invitationsPath()}
	for _, p := range paths {
		assertError(t, ts.do(t, http.MethodGet, p, "", nil), http.StatusUnauthorized, "unauthorized")
	}

	ts.tokens["ghost@x.com"] = auth.TokenPrefix + "not-a-session"
	assertError(t, ts.do(t, http.MethodGet, "/api/v1/projects", "ghost@x.com", nil), http.StatusUnauthorized, "unauthorized")
}

func TestWriteAppErrorHidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	writeAppError(rec, req, errors.New("pq: password authentication failed"))

	detail := assertError(t, rec, http.StatusInternalServerError, "internal_error")
	if detail.Message != "internal server error" {
		t.Errorf("internal message leaked: %q", detail.Message)
	}
}

// ---------------------------------------------------------------------------
// Invitations
// ---------------------------------------------------------------------------

func TestCreateBulkInvitations(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, ts.invitationsPath(), "owner@x.com", map[string]any{
		"emails":            []string{"a@x.com", "b@x.com"},
		"organization_role": "member",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with per-email failures, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[invitation.BulkResult](t, rec)
	if res.OrganizationName != "Acme Maps" || len(res.Results) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Results[0].Success || !strings.Contains(res.Results[0].Error, "already a member") {
		t.Errorf("a@x.com should fail as existing member: %+v", res.Results[0])
	}
	if !res.Results[1].Success || res.Results[1].InvitationID == "" {
		t.Errorf("b@x.com should be invited: %+v", res.Results[1])
	}
	if rec.Header().Get("X-RateLimit-Limit") != "100" {
		t.Errorf("expected rate limit headers, got %v", rec.Header())
	}
}

func TestCreateBulkInvitationErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		as         string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"member cannot invite", "a@x.com", ts.invitationsPath(), map[string]any{"emails": []string{"n@x.com"}}, http.StatusForbidden, "forbidden"},
		{"outsider cannot invite", "outsider@x.com", ts.invitationsPath(), map[string]any{"emails": []string{"n@x.com"}}, http.StatusForbidden, "forbidden"},
		{"admin cannot grant owner", "admin@x.com", ts.invitationsPath(), map[string]any{"emails": []string{"n@x.com"}, "organization_role": "owner"}, http.StatusForbidden, "forbidden"},
		{"no emails", "owner@x.com", ts.invitationsPath(), map[string]any{"emails": []string{}}, http.StatusUnprocessableEntity, "validation_error"},
		{"unknown organization", "owner@x.com", "/api/v1/organizations/" + uuid.NewString() + "/invitations", map[string]any{"emails": []string{"n@x.com"}}, http.StatusBadRequest, "bad_request"},
		{"assignments for admins", "owner@x.com", ts.invitationsPath(), map[string]any{
			"emails":              []string{"n@x.com"},
			"organization_role":   "admin",
			"project_assignments": []map[string]string{{"project_id": ts.p1.ID}},
		}, http.StatusBadRequest, "bad_request"},
		{"malformed body", "owner@x.com", ts.invitationsPath(), "{not json", http.StatusBadRequest, "invalid_body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, ts.do(t, http.MethodPost, tt.path, tt.as, tt.body), tt.wantStatus, tt.wantCode)
		})
	}
}

func TestInvitationAcceptFlow(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rec := ts.do(t, http.MethodPost, ts.invitationsPath(), "admin@x.com", map[string]any{
		"emails":              []string{"newbie@x.com"},
		"project_assignments": []map[string]string{{"project_id": ts.p2.ID, "role": "editor"}},
	})
	created := decode[invitation.BulkResult](t, rec).Results[0]
	if !created.Success {
		t.Fatalf("invite failed: %+v", created)
	}

	// The invitee signs up, which verifies the placeholder under the same id.
	newbie, err := ts.store.VerifyUser(ctx, created.UserID, "Newbie", "")
	if err != nil {
		t.Fatal(err)
	}
	ts.login(t, newbie)

	pending := decode[map[string][]store.Invitation](t, ts.do(t, http.MethodGet, "/api/v1/invitations", "newbie@x.com", nil))
	if len(pending["invitations"]) != 1 || pending["invitations"][0].ID != created.InvitationID {
		t.Fatalf("unexpected pending invitations %+v", pending)
	}

	detailsPath := "/api/v1/invitations/" + created.InvitationID
	details := decode[map[string]any](t, ts.do(t, http.MethodGet, detailsPath, "newbie@x.com", nil))
	if details["organization_name"] != "Acme Maps" || details["inviter_email"] != "admin@x.com" || details["expired"] != false {
		t.Errorf("unexpected details %v", details)
	}

	rec = ts.do(t, http.MethodPost, detailsPath+"/accept", "newbie@x.com", nil)
	accepted := decode[invitation.AcceptResult](t, rec)
	if rec.Code != http.StatusOK || !accepted.Success || accepted.OrganizationID != ts.org.ID || accepted.Role != role.Member {
		t.Fatalf("unexpected accept %d %+v", rec.Code, accepted)
	}

	again := decode[invitation.AcceptResult](t, ts.do(t, http.MethodPost, detailsPath+"/accept", "newbie@x.com", nil))
	if again.Success || again.Reason != invitation.ReasonNotFound {
		t.Errorf("re-accept should report not_found, got %+v", again)
	}
	assertError(t, ts.do(t, http.MethodGet, detailsPath, "newbie@x.com", nil), http.StatusNotFound, "not_found")

	projects := decode[map[string][]access.AccessibleProject](t, ts.do(t, http.MethodGet, "/api/v1/projects", "newbie@x.com", nil))
	if len(projects["projects"]) != 1 || projects["projects"][0].ID != ts.p2.ID || projects["projects"][0].Role != role.Editor {
		t.Errorf("expected editor access on p2 only, got %+v", projects)
	}
}

func TestInvitationAcceptEmailMismatch(t *testing.T) {
	ts := newTestServer(t)
	res := decode[invitation.BulkResult](t, ts.do(t, http.MethodPost, ts.invitationsPath(), "owner@x.com", map[string]any{"emails": []string{"c@x.com"}}))

	rec := ts.do(t, http.MethodPost, "/api/v1/invitations/"+res.Results[0].InvitationID+"/accept", "outsider@x.com", nil)
	got := decode[invitation.AcceptResult](t, rec)
	if rec.Code != http.StatusOK || got.Success || got.Reason != invitation.ReasonEmailMismatch {
		t.Errorf("unexpected result %d %+v", rec.Code, got)
	}
}

func TestInvitationDismissAndDelete(t *testing.T) {
	ts := newTestServer(t)
	res := decode[invitation.BulkResult](t, ts.do(t, http.MethodPost, ts.invitationsPath(), "admin@x.com", map[string]any{"emails": []string{"d@x.com", "e@x.com"}}))
	first := "/api/v1/invitations/" + res.Results[0].InvitationID
	second := "/api/v1/invitations/" + res.Results[1].InvitationID

	assertError(t, ts.do(t, http.MethodPost, first+"/dismiss", "outsider@x.com", nil), http.StatusForbidden, "forbidden")
	assertError(t, ts.do(t, http.MethodDelete, first, "a@x.com", nil), http.StatusForbidden, "forbidden")

	list := decode[map[string][]invitation.View](t, ts.do(t, http.MethodGet, ts.invitationsPath(), "a@x.com", nil))
	if len(list["invitations"]) != 2 {
		t.Fatalf("expected 2 pending invitations, got %+v", list)
	}

	if rec := ts.do(t, http.MethodDelete, first, "owner@x.com", nil); rec.Code != http.StatusOK {
		t.Fatalf("owner delete: %d %s", rec.Code, rec.Body.String())
	}
	assertError(t, ts.do(t, http.MethodDelete, first, "owner@x.com", nil), http.StatusNotFound, "not_found")
	if rec := ts.do(t, http.MethodDelete, second, "admin@x.com", nil); rec.Code != http.StatusOK {
		t.Fatalf("inviter delete: %d %s", rec.Code, rec.Body.String())
	}
	assertError(t, ts.do(t, http.MethodGet, ts.invitationsPath(), "outsider@x.com", nil), http.StatusForbidden, "forbidden")
}

func TestInvitationCreateRateLimited(t *testing.T) {
	ts := newTestServer(t, withRateLimit(1))

	if rec := ts.do(t, http.MethodPost, ts.invitationsPath(), "owner@x.com", map[string]any{"emails": []string{"f@x.com"}}); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec := ts.do(t, http.MethodPost, ts.invitationsPath(), "owner@x.com", map[string]any{"emails": []string{"g@x.com"}})
	assertError(t, rec, http.StatusTooManyRequests, "rate_limited")

	// Listing is not limited.
	if rec := ts.do(t, http.MethodGet, ts.invitationsPath(), "owner@x.com", nil); rec.Code != http.StatusOK {
		t.Errorf("listing should not be limited, got %d", rec.Code)
	}

	summary, err := ts.metrics.Summarize()
	if err != nil {
		t.Fatal(err)
	}
	if summary.RateLimit.Rejections != 1 {
		t.Errorf("expected 1 rejection, got %v", summary.RateLimit.Rejections)
	}
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

func TestProjectMemberRoutes(t *testing.T) {
	ts := newTestServer(t)
	membersPath := "/api/v1/projects/" + ts.p2.ID + "/members"
	member := ts.users["a@x.com"]

	// Concealment: the member has no access to p2.
	assertError(t, ts.do(t, http.MethodGet, membersPath, "a@x.com", nil), http.StatusNotFound, "not_found")
	assertError(t, ts.do(t, http.MethodGet, "/api/v1/projects/not-a-uuid/members", "owner@x.com", nil), http.StatusNotFound, "not_found")

	// Org admins already have implicit access.
	detail := assertError(t, ts.do(t, http.MethodPost, membersPath, "owner@x.com", map[string]string{"user_id": ts.users["admin@x.com"].ID}), http.StatusBadRequest, "bad_request")
	if detail.Message != access.MsgOrgAdminImplicit {
		t.Errorf("unexpected message %q", detail.Message)
	}
	assertError(t, ts.do(t, http.MethodPost, membersPath, "owner@x.com", map[string]string{}), http.StatusUnprocessableEntity, "validation_error")

	if rec := ts.do(t, http.MethodPost, membersPath, "owner@x.com", map[string]string{"user_id": member.ID, "role": "editor"}); rec.Code != http.StatusOK {
		t.Fatalf("add member: %d %s", rec.Code, rec.Body.String())
	}
	assertError(t, ts.do(t, http.MethodPost, membersPath, "owner@x.com", map[string]string{"user_id": member.ID}), http.StatusBadRequest, "bad_request")

	members := decode[map[string][]store.ProjectMember](t, ts.do(t, http.MethodGet, membersPath, "a@x.com", nil))
	if len(members["members"]) != 1 || members["members"][0].Role != role.Editor {
		t.Fatalf("unexpected members %+v", members)
	}

	// An editor is not a project admin.
	assertError(t, ts.do(t, http.MethodPut, membersPath+"/"+member.ID, "a@x.com", map[string]string{"role": "admin"}), http.StatusForbidden, "forbidden")

	if rec := ts.do(t, http.MethodPut, membersPath+"/"+member.ID, "admin@x.com", map[string]string{"role": "admin"}); rec.Code != http.StatusOK {
		t.Fatalf("update role: %d %s", rec.Code, rec.Body.String())
	}
	assertError(t, ts.do(t, http.MethodPut, membersPath+"/"+member.ID, "admin@x.com", map[string]string{"role": "root"}), http.StatusUnprocessableEntity, "validation_error")

	if rec := ts.do(t, http.MethodDelete, membersPath+"/"+member.ID, "admin@x.com", nil); rec.Code != http.StatusOK {
		t.Fatalf("remove member: %d %s", rec.Code, rec.Body.String())
	}
	assertError(t, ts.do(t, http.MethodDelete, membersPath+"/"+member.ID, "admin@x.com", nil), http.StatusNotFound, "not_found")
}

func TestAccessibleProjects(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		as        string
		wantCount int
		wantRole  role.ProjectRole
	}{
		{"owner@x.com", 2, role.ProjectAdmin},
		{"a@x.com", 1, role.Viewer},
		{"outsider@x.com", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.as, func(t *testing.T) {
			got := decode[map[string][]access.AccessibleProject](t, ts.do(t, http.MethodGet, "/api/v1/projects", tt.as, nil))
			projects := got["projects"]
			if projects == nil {
				t.Fatal("expected a projects array")
			}
			if len(projects) != tt.wantCount {
				t.Fatalf("expected %d projects, got %d", tt.wantCount, len(projects))
			}
			for _, p := range projects {
				if p.Role != tt.wantRole {
					t.Errorf("%s: role %q, want %q", p.Name, p.Role, tt.wantRole)
				}
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, withOrigins("https://app.example.com"))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/projects", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected allowed origin header, got %q", got)
	}
	if rec.Code == http.StatusUnauthorized {
		t.Error("preflight must not require a session")
	}
}
