package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Vovarama1992/storefront-support/internal/auth"
)

func newTestRouter(t *testing.T) (http.Handler, Repo, *auth.Verifier) {
	t.Helper()
	conn := newTestDB(t)
	seedUser(t, conn, "staff-1", "", "", auth.RoleEmployee)

	r := NewRepo(conn)
	v := auth.NewVerifier("secret", "", "")
	authn := auth.NewAuthenticator(v, r)

	router := chi.NewRouter()
	router.Route("/api", func(api chi.Router) {
		api.Use(authn.Middleware)
		RegisterRoutes(api, NewHandler(NewService(r, nil)))
	})
	return router, r, v
}

func do(t *testing.T, h http.Handler, v *auth.Verifier, user, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	token, _ := v.Issue(user, time.Hour)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerConversation(t *testing.T) {
	h, r, v := newTestRouter(t)
	s, _ := r.CreateSession(context.Background(), "customer-1")
	base := "/api/sessions/" + s.ID

	if rec := do(t, h, v, "customer-2", http.MethodGet, base, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign session: expected 403, got %d", rec.Code)
	}
	if rec := do(t, h, v, "customer-1", http.MethodPost, base+"/resolve", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("customer resolve: expected 403, got %d", rec.Code)
	}
	if rec := do(t, h, v, "customer-1", http.MethodPost, base+"/escalate", ""); rec.Code != http.StatusOK {
		t.Fatalf("escalate: expected 200, got %d: %s", rec.Code, rec.Body)
	}

	rec := do(t, h, v, "staff-1", http.MethodPost, base+"/messages", `{"content":"Здравствуйте!"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("employee post: expected 201, got %d: %s", rec.Code, rec.Body)
	}

	rec = do(t, h, v, "customer-1", http.MethodGet, base+"/messages", "")
	var msgs []Message
	if err := json.NewDecoder(rec.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != RoleEmployee || msgs[0].Content != "Здравствуйте!" {
		t.Fatalf("unexpected history %#v", msgs)
	}

	if rec := do(t, h, v, "customer-1", http.MethodGet, base+"/messages?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", rec.Code)
	}

	if rec := do(t, h, v, "staff-1", http.MethodPost, base+"/resolve", ""); rec.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", rec.Code, rec.Body)
	}

	rec = do(t, h, v, "staff-1", http.MethodGet, "/api/console/sessions", "")
	var list []SessionSummary
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list) != 1 || list[0].Status != StatusResolved || list[0].DisplayName != DefaultDisplayName {
		t.Fatalf("unexpected listing %#v", list)
	}
}

func TestHandlerNotFoundAndRoles(t *testing.T) {
	h, _, v := newTestRouter(t)

	if rec := do(t, h, v, "customer-1", http.MethodGet, "/api/sessions/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, v, "customer-1", http.MethodGet, "/api/console/sessions", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("customer listing: expected 403, got %d", rec.Code)
	}

	rec := do(t, h, v, "staff-1", http.MethodGet, "/api/me/roles", "")
	var body struct {
		UserID string   `json:"user_id"`
		Roles  []string `json:"roles"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if body.UserID != "staff-1" || len(body.Roles) != 1 || body.Roles[0] != auth.RoleEmployee {
		t.Fatalf("unexpected roles response %#v", body)
	}
}
