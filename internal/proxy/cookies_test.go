package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

const otherAgentID = "agent-" + "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func TestSignAndVerifyAgentCookie(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")

	value := SignAgentCookie(key, testAgentID)
	if !VerifyAgentCookie(key, testAgentID, value) {
		t.Error("freshly signed cookie should verify")
	}
	if VerifyAgentCookie(key, otherAgentID, value) {
		t.Error("cookie for one agent must not verify for another")
	}
	if VerifyAgentCookie([]byte("another key entirely............"), testAgentID, value) {
		t.Error("cookie must not verify under a different key")
	}
	if VerifyAgentCookie(key, testAgentID, value+"x") {
		t.Error("tampered cookie must not verify")
	}
}

func TestRequestAuthenticated(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")

	r := httptest.NewRequest(http.MethodGet, "/agents/"+testAgentID+"/", nil)
	if RequestAuthenticated(r, key, testAgentID) {
		t.Error("request without cookie should not authenticate")
	}

	r.AddCookie(&http.Cookie{
		Name:  AuthCookieName(testAgentID),
		Value: SignAgentCookie(key, testAgentID),
	})
	if !RequestAuthenticated(r, key, testAgentID) {
		t.Error("request with signed cookie should authenticate")
	}
	if RequestAuthenticated(r, key, otherAgentID) {
		t.Error("cookie must only authenticate its own agent")
	}
}

func TestAuthenticatedAgentIDs(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{
		Name:  AuthCookieName(testAgentID),
		Value: SignAgentCookie(key, testAgentID),
	})
	r.AddCookie(&http.Cookie{
		Name:  AuthCookieName(otherAgentID),
		Value: "forged",
	})
	r.AddCookie(&http.Cookie{Name: "unrelated", Value: "x"})

	agentIDs := AuthenticatedAgentIDs(r, key)
	if len(agentIDs) != 1 || agentIDs[0] != testAgentID {
		t.Errorf("expected only the validly signed agent, got %v", agentIDs)
	}
}
