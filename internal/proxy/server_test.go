package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/muxden/muxden/internal/auth"
	"github.com/muxden/muxden/internal/resolver"
)

func newTestServer(t *testing.T) (*Server, *auth.Store, *resolver.Resolver) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	authStore := auth.NewStore(t.TempDir())
	res := resolver.New(filepath.Join(t.TempDir(), "backends.json"), nil)
	server, err := NewServer(authStore, res, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return server, authStore, res
}

func TestAuthenticateSetsCookieAndRedirects(t *testing.T) {
	server, authStore, _ := newTestServer(t)
	router := server.Router()

	if err := authStore.AddOneTimeCode(testAgentID, "code1"); err != nil {
		t.Fatalf("AddOneTimeCode: %v", err)
	}

	target := "/authenticate?" + url.Values{
		"agent_id":      {testAgentID},
		"one_time_code": {"code1"},
	}.Encode()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))

	if w.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d: %s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != PathPrefix(testAgentID)+"/" {
		t.Errorf("unexpected redirect target %q", loc)
	}
	cookies := w.Result().Cookies()
	var found *http.Cookie
	for _, c := range cookies {
		if c.Name == AuthCookieName(testAgentID) {
			found = c
		}
	}
	if found == nil {
		t.Fatalf("auth cookie not set, got %v", cookies)
	}
	if !VerifyAgentCookie(mustSigningKey(t, authStore), testAgentID, found.Value) {
		t.Error("auth cookie value does not verify")
	}
	if found.Path != PathPrefix(testAgentID)+"/" {
		t.Errorf("auth cookie path %q not scoped to the agent", found.Path)
	}

	// The code is consumed: the same link fails the second time.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected reused code to fail, got %d", w.Code)
	}
}

func TestAuthenticateRejectsBadLink(t *testing.T) {
	server, _, _ := newTestServer(t)
	router := server.Router()

	for _, target := range []string{
		"/authenticate",
		"/authenticate?agent_id=not-an-id&one_time_code=x",
		"/authenticate?agent_id=" + testAgentID,
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, w.Code)
		}
	}
}

func TestAgentRoutesRequireAuth(t *testing.T) {
	server, _, _ := newTestServer(t)
	router := server.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agents/"+testAgentID+"/app", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("unauthenticated agent request: expected 403, got %d", w.Code)
	}

	// The service worker script must be reachable without a cookie because
	// the auth cookie is scoped below the bootstrap path.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agents/"+testAgentID+"/__sw.js", nil))
	if w.Code != http.StatusOK {
		t.Errorf("service worker fetch: expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "javascript") {
		t.Errorf("service worker content type %q", ct)
	}
}

func TestLandingListsAuthenticatedAgents(t *testing.T) {
	server, authStore, _ := newTestServer(t)
	router := server.Router()
	key := mustSigningKey(t, authStore)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{
		Name:  AuthCookieName(testAgentID),
		Value: SignAgentCookie(key, testAgentID),
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("landing: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), testAgentID) {
		t.Error("landing page does not list the signed-in agent")
	}
}

func TestProxiedResponseIsRewritten(t *testing.T) {
	server, authStore, res := newTestServer(t)
	router := server.Router()
	key := mustSigningKey(t, authStore)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/page" {
			t.Errorf("backend saw unstripped path %q", r.URL.Path)
		}
		w.Header().Set("Set-Cookie", "sid=abc; Path=/")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head></head><body><a href="/other">x</a></body></html>`))
	}))
	defer backend.Close()

	if err := res.RegisterBackend(testAgentID, backend.URL); err != nil {
		t.Fatalf("RegisterBackend: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/agents/"+testAgentID+"/page", nil)
	// httptest requests carry context.Background, whose nil Done channel
	// makes ReverseProxy fall back to http.CloseNotifier, which the
	// recorder does not implement. Real server requests are cancellable.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	r = r.WithContext(ctx)
	r.AddCookie(&http.Cookie{
		Name:  AuthCookieName(testAgentID),
		Value: SignAgentCookie(key, testAgentID),
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("proxied request: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	prefix := PathPrefix(testAgentID)
	body := w.Body.String()
	if !strings.Contains(body, `href="`+prefix+`/other"`) {
		t.Errorf("absolute link not rewritten: %q", body)
	}
	if !strings.Contains(body, `<base href="`+prefix+`/">`) {
		t.Errorf("base tag not injected: %q", body)
	}
	if got := w.Header().Get("Set-Cookie"); got != "sid=abc; Path="+prefix+"/" {
		t.Errorf("backend cookie not scoped: %q", got)
	}
}

func TestProxiedRequestWithoutBackend(t *testing.T) {
	server, authStore, _ := newTestServer(t)
	router := server.Router()
	key := mustSigningKey(t, authStore)

	r := httptest.NewRequest(http.MethodGet, "/agents/"+testAgentID+"/app", nil)
	r.AddCookie(&http.Cookie{
		Name:  AuthCookieName(testAgentID),
		Value: SignAgentCookie(key, testAgentID),
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for agent without a backend, got %d", w.Code)
	}
}

func mustSigningKey(t *testing.T, store *auth.Store) []byte {
	t.Helper()
	key, err := store.SigningKey()
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	return key
}
