package proxy

import (
	"strings"
	"testing"
)

const testAgentID = "agent-" + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestRewriteCookiePath(t *testing.T) {
	prefix := PathPrefix(testAgentID)
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "root path is prefixed",
			in:   "sid=abc; Path=/",
			want: "sid=abc; Path=" + prefix + "/",
		},
		{
			name: "subpath is prefixed",
			in:   "sid=abc; Path=/app; HttpOnly",
			want: "sid=abc; Path=" + prefix + "/app; HttpOnly",
		},
		{
			name: "missing path gets the prefix appended",
			in:   "sid=abc",
			want: "sid=abc; Path=" + prefix + "/",
		},
		{
			name: "already prefixed is untouched",
			in:   "sid=abc; Path=" + prefix + "/app",
			want: "sid=abc; Path=" + prefix + "/app",
		},
		{
			name: "lowercase path attribute",
			in:   "sid=abc; path=/",
			want: "sid=abc; Path=" + prefix + "/",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RewriteCookiePath(tc.in, testAgentID); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

// Applying the cookie rewrite twice must equal applying it once.
func TestRewriteCookiePathIdempotent(t *testing.T) {
	inputs := []string{
		"sid=abc; Path=/",
		"sid=abc",
		"sid=abc; Path=/deep/route; Secure",
		"sid=abc; Path=" + PathPrefix(testAgentID) + "/",
	}
	for _, in := range inputs {
		once := RewriteCookiePath(in, testAgentID)
		twice := RewriteCookiePath(once, testAgentID)
		if once != twice {
			t.Errorf("not idempotent for %q: %q vs %q", in, once, twice)
		}
	}
}

func TestRewriteAbsolutePaths(t *testing.T) {
	prefix := PathPrefix(testAgentID)
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "absolute path is prefixed",
			in:   `<a href="/app/page">x</a>`,
			want: `<a href="` + prefix + `/app/page">x</a>`,
		},
		{
			name: "src attribute",
			in:   `<img src="/logo.png">`,
			want: `<img src="` + prefix + `/logo.png">`,
		},
		{
			name: "relative path untouched",
			in:   `<a href="page.html">x</a>`,
			want: `<a href="page.html">x</a>`,
		},
		{
			name: "protocol relative untouched",
			in:   `<script src="//cdn.example.com/a.js"></script>`,
			want: `<script src="//cdn.example.com/a.js"></script>`,
		},
		{
			name: "full url untouched",
			in:   `<a href="https://example.com/app">x</a>`,
			want: `<a href="https://example.com/app">x</a>`,
		},
		{
			name: "already prefixed untouched",
			in:   `<a href="` + prefix + `/app">x</a>`,
			want: `<a href="` + prefix + `/app">x</a>`,
		},
		{
			name: "form action",
			in:   `<form action="/submit" method="post">`,
			want: `<form action="` + prefix + `/submit" method="post">`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RewriteAbsolutePaths(tc.in, testAgentID); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRewriteProxiedHTMLInjectsOneBase(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"with head", `<html><head><title>t</title></head><body></body></html>`},
		{"head with attributes", `<html><HEAD lang="en"><title>t</title></HEAD></html>`},
		{"no head", `<body><p>bare</p></body>`},
		{"empty document", ``},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := RewriteProxiedHTML(tc.in, testAgentID)
			if n := strings.Count(out, "<base "); n != 1 {
				t.Errorf("expected exactly one base tag, got %d in %q", n, out)
			}
			if !strings.Contains(out, `<base href="`+PathPrefix(testAgentID)+`/">`) {
				t.Errorf("base tag missing prefix: %q", out)
			}
			if !strings.Contains(out, "OrigWebSocket") {
				t.Error("WebSocket shim not injected")
			}
		})
	}
}

func TestRewriteProxiedHTMLPlacement(t *testing.T) {
	out := RewriteProxiedHTML(`<html><head><link rel="stylesheet" href="/a.css"></head></html>`, testAgentID)
	headEnd := strings.Index(out, "<head>") + len("<head>")
	if !strings.HasPrefix(out[headEnd:], `<base href="`) {
		t.Errorf("base tag not placed right after <head>: %q", out)
	}
	if !strings.Contains(out, `href="`+PathPrefix(testAgentID)+`/a.css"`) {
		t.Errorf("stylesheet path not rewritten: %q", out)
	}
}

func TestWebSocketShimScopesSameOriginOnly(t *testing.T) {
	shim := WebSocketShim(testAgentID)
	if !strings.Contains(shim, "u.host === window.location.host") {
		t.Error("shim must only rewrite same-origin targets")
	}
	if !strings.Contains(shim, PathPrefix(testAgentID)) {
		t.Error("shim missing agent prefix")
	}
}
