package proxy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
)

const (
	authCookiePrefix = "auth_"
	swCookiePrefix   = "sw_installed_"
)

// AuthCookieName returns the signed session cookie name for an agent.
func AuthCookieName(agentID string) string {
	return authCookiePrefix + agentID
}

// SignAgentCookie produces the cookie value proving the browser completed a
// one-time-code login for this agent.
func SignAgentCookie(key []byte, agentID string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(authCookiePrefix + agentID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyAgentCookie checks a presented cookie value in constant time.
func VerifyAgentCookie(key []byte, agentID, value string) bool {
	return hmac.Equal([]byte(SignAgentCookie(key, agentID)), []byte(value))
}

// SetAuthCookie installs the signed cookie scoped to the agent's prefix.
func SetAuthCookie(w http.ResponseWriter, key []byte, agentID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName(agentID),
		Value:    SignAgentCookie(key, agentID),
		Path:     PathPrefix(agentID) + "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// RequestAuthenticated reports whether the request carries a valid signed
// cookie for the agent.
func RequestAuthenticated(r *http.Request, key []byte, agentID string) bool {
	cookie, err := r.Cookie(AuthCookieName(agentID))
	if err != nil {
		return false
	}
	return VerifyAgentCookie(key, agentID, cookie.Value)
}

// AuthenticatedAgentIDs returns the agent ids for which the request holds a
// valid cookie. Used by the landing page.
func AuthenticatedAgentIDs(r *http.Request, key []byte) []string {
	var agentIDs []string
	for _, cookie := range r.Cookies() {
		if !strings.HasPrefix(cookie.Name, authCookiePrefix) {
			continue
		}
		agentID := strings.TrimPrefix(cookie.Name, authCookiePrefix)
		if VerifyAgentCookie(key, agentID, cookie.Value) {
			agentIDs = append(agentIDs, agentID)
		}
	}
	return agentIDs
}
