// Package proxy is the authenticating reverse proxy that routes browser
// traffic to per-agent backend servers, rewriting paths, cookies, and HTML
// so prefix-unaware apps work under /agents/<agent_id>/.
package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/muxden/muxden/internal/auth"
	"github.com/muxden/muxden/internal/common/logger"
	"github.com/muxden/muxden/internal/ids"
	"github.com/muxden/muxden/internal/resolver"
)

// proxyEntry caches the reverse proxy together with its target so a changed
// registration (agent restarted on a new port) invalidates the cache.
type proxyEntry struct {
	proxy  *httputil.ReverseProxy
	target string
}

// Server handles all proxy routes.
type Server struct {
	authStore *auth.Store
	resolver  *resolver.Resolver
	key       []byte
	logger    *logger.Logger

	mu      sync.Mutex
	proxies map[string]*proxyEntry
}

// NewServer builds the proxy server, loading (or creating) the cookie
// signing key.
func NewServer(authStore *auth.Store, res *resolver.Resolver, log *logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Default()
	}
	key, err := authStore.SigningKey()
	if err != nil {
		return nil, err
	}
	return &Server{
		authStore: authStore,
		resolver:  res,
		key:       key,
		logger:    log.WithFields(zap.String("component", "proxy")),
		proxies:   make(map[string]*proxyEntry),
	}, nil
}

// Router builds the gin engine with all proxy routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.handleLanding)
	r.GET("/login", s.handleLogin)
	r.GET("/authenticate", s.handleAuthenticate)
	r.GET("/agents/:agent_id", s.handleBootstrap)
	r.Any("/agents/:agent_id/*path", s.handleAgent)
	return r
}

func (s *Server) errorPage(c *gin.Context, status int, message string) {
	c.Data(status, "text/html; charset=utf-8", []byte(ErrorHTML(message)))
	c.Abort()
}

func (s *Server) handleLanding(c *gin.Context) {
	agentIDs := AuthenticatedAgentIDs(c.Request, s.key)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(LandingHTML(agentIDs)))
}

func (s *Server) handleLogin(c *gin.Context) {
	agentID := c.Query("agent_id")
	code := c.Query("one_time_code")
	if !ids.IsAgentID(agentID) || code == "" {
		s.errorPage(c, http.StatusBadRequest, "This login link is malformed.")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(LoginHTML(agentID, code)))
}

func (s *Server) handleAuthenticate(c *gin.Context) {
	agentID := c.Query("agent_id")
	code := c.Query("one_time_code")
	if !ids.IsAgentID(agentID) || code == "" {
		s.errorPage(c, http.StatusBadRequest, "This login link is malformed.")
		return
	}
	ok, err := s.authStore.ValidateAndConsume(agentID, code)
	if err != nil {
		s.logger.Error("one-time code validation failed", zap.Error(err))
		s.errorPage(c, http.StatusInternalServerError, "Login is temporarily unavailable.")
		return
	}
	if !ok {
		s.errorPage(c, http.StatusBadRequest, "This login link is invalid or was already used.")
		return
	}
	SetAuthCookie(c.Writer, s.key, agentID)
	c.Redirect(http.StatusFound, PathPrefix(agentID)+"/")
}

// handleBootstrap serves the service-worker installer. The auth cookie is
// scoped to /agents/<id>/ (with trailing slash) so it is not presented
// here; the page carries no agent data.
func (s *Server) handleBootstrap(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !ids.IsAgentID(agentID) {
		s.errorPage(c, http.StatusNotFound, "Unknown agent.")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(BootstrapHTML(agentID)))
}

func (s *Server) handleAgent(c *gin.Context) {
	agentID := c.Param("agent_id")
	path := c.Param("path")
	if !ids.IsAgentID(agentID) {
		s.errorPage(c, http.StatusNotFound, "Unknown agent.")
		return
	}

	if path == "/__sw.js" && c.Request.Method == http.MethodGet {
		c.Data(http.StatusOK, "application/javascript", []byte(ServiceWorkerJS(agentID)))
		return
	}

	if !RequestAuthenticated(c.Request, s.key, agentID) {
		s.errorPage(c, http.StatusForbidden, "You are not signed in to this agent.")
		return
	}

	// First authenticated navigation goes through the bootstrap page so
	// the service worker installs before the app loads.
	if path == "/" && c.Request.Method == http.MethodGet && !swInstalled(c.Request, agentID) &&
		strings.Contains(c.Request.Header.Get("Accept"), "text/html") {
		c.Redirect(http.StatusFound, PathPrefix(agentID))
		return
	}

	backendURL := s.resolver.BackendURL(agentID)
	if backendURL == "" {
		s.errorPage(c, http.StatusNotFound, "This agent has no running web service.")
		return
	}
	target, err := url.Parse(backendURL)
	if err != nil {
		s.logger.Error("invalid backend url", zap.String("agent_id", agentID), zap.String("url", backendURL), zap.Error(err))
		s.errorPage(c, http.StatusBadGateway, "The agent's web service is unreachable.")
		return
	}

	if IsWebSocketUpgrade(c.Request) {
		relayWebSocket(c.Writer, c.Request, target, path, s.logger)
		return
	}

	proxy := s.proxyFor(agentID, target)

	// Strip the /agents/<id> prefix before forwarding.
	c.Request.URL.Path = path
	c.Request.URL.RawPath = ""

	// ReverseProxy panics with http.ErrAbortHandler when the client goes
	// away mid-stream; recover quietly instead of logging a stack trace.
	defer func() {
		if r := recover(); r != nil {
			if r == http.ErrAbortHandler {
				s.logger.Debug("proxy client disconnected", zap.String("agent_id", agentID))
				return
			}
			panic(r)
		}
	}()

	proxy.ServeHTTP(c.Writer, c.Request)
}

func swInstalled(r *http.Request, agentID string) bool {
	cookie, err := r.Cookie(swCookiePrefix + agentID)
	return err == nil && cookie.Value == "1"
}

// proxyFor returns a cached proxy for the agent, rebuilding it when the
// registered backend has moved.
func (s *Server) proxyFor(agentID string, target *url.URL) *httputil.ReverseProxy {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.proxies[agentID]; ok && entry.target == target.Host {
		return entry.proxy
	}
	proxy := s.createProxy(agentID, target)
	s.proxies[agentID] = &proxyEntry{proxy: proxy, target: target.Host}
	return proxy
}

func (s *Server) createProxy(agentID string, target *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		// Identity encoding keeps response HTML rewritable.
		req.Header.Del("Accept-Encoding")
		if req.Header.Get("Upgrade") != "" {
			req.Header.Set("Connection", "Upgrade")
		}
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		return s.transformResponse(resp, agentID)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Warn("proxy upstream error",
			zap.String("agent_id", agentID),
			zap.String("target", target.Host),
			zap.Error(err))
		s.InvalidateProxy(agentID)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(ErrorHTML("The agent's web service is unreachable.")))
	}

	return proxy
}

// transformResponse applies cookie-path scoping and HTML rewriting to a
// proxied response.
func (s *Server) transformResponse(resp *http.Response, agentID string) error {
	if cookies := resp.Header.Values("Set-Cookie"); len(cookies) > 0 {
		rewritten := make([]string, len(cookies))
		for i, c := range cookies {
			rewritten[i] = RewriteCookiePath(c, agentID)
		}
		resp.Header.Del("Set-Cookie")
		for _, c := range rewritten {
			resp.Header.Add("Set-Cookie", c)
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") || resp.Body == nil {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	out := []byte(RewriteProxiedHTML(string(body), agentID))
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return nil
}

// InvalidateProxy drops the cached proxy for an agent, forcing re-resolution
// on the next request.
func (s *Server) InvalidateProxy(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.proxies, agentID)
}

// InvalidateAll drops every cached proxy. Wired to the backend registry
// watcher so re-registrations take effect immediately.
func (s *Server) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxies = make(map[string]*proxyEntry)
}
