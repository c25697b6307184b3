package proxy

import (
	"html"
	"net/url"
	"strings"
)

// Static page generators. All are pure functions so tests can assert on
// fixed output.

const pageStyle = `<style>
body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 4rem auto; padding: 0 1rem; }
a { color: #0366d6; }
.err { color: #b00020; }
</style>`

// LoginHTML renders the page that forwards the browser to /authenticate
// with the same parameters. The indirection keeps the one-time code out of
// referrer headers of any asset the login page might load.
func LoginHTML(agentID, oneTimeCode string) string {
	target := "/authenticate?agent_id=" + url.QueryEscape(agentID) +
		"&one_time_code=" + url.QueryEscape(oneTimeCode)
	return `<!DOCTYPE html><html><head><title>muxden login</title>` + pageStyle +
		`</head><body><p>Signing in to agent ` + html.EscapeString(agentID) + `…</p>` +
		`<script>window.location.replace("` + target + `");</script>` +
		`<noscript><a href="` + target + `">Continue</a></noscript></body></html>`
}

// BootstrapHTML registers the service worker for the agent scope, marks
// installation with a client-set cookie, and reloads into the proxied app.
func BootstrapHTML(agentID string) string {
	prefix := PathPrefix(agentID)
	return `<!DOCTYPE html><html><head><title>muxden</title>` + pageStyle + `</head><body>
<p>Preparing agent session…</p>
<script>
(function() {
  var prefix = "` + prefix + `";
  if (!("serviceWorker" in navigator)) {
    window.location.replace(prefix + "/");
    return;
  }
  navigator.serviceWorker.register(prefix + "/__sw.js", { scope: prefix + "/" })
    .then(function(reg) {
      return navigator.serviceWorker.ready;
    })
    .then(function() {
      document.cookie = "` + swCookiePrefix + agentID + `=1; path=" + prefix + "/";
      window.location.replace(prefix + "/");
    })
    .catch(function() {
      window.location.replace(prefix + "/");
    });
})();
</script></body></html>`
}

// ServiceWorkerJS is the worker served at /agents/<id>/__sw.js. Its fetch
// handler prepends the prefix to same-origin paths that lack it, skipping
// itself to avoid recursion.
func ServiceWorkerJS(agentID string) string {
	prefix := PathPrefix(agentID)
	return `var PREFIX = "` + prefix + `";
self.addEventListener("install", function() { self.skipWaiting(); });
self.addEventListener("activate", function(event) { event.waitUntil(self.clients.claim()); });
self.addEventListener("fetch", function(event) {
  var url = new URL(event.request.url);
  if (url.origin !== self.location.origin) return;
  if (url.pathname === PREFIX || url.pathname.indexOf(PREFIX + "/") === 0) return;
  url.pathname = PREFIX + url.pathname;
  event.respondWith(fetch(new Request(url.toString(), event.request)));
});`
}

// LandingHTML lists the agents the requesting browser is logged in to.
func LandingHTML(agentIDs []string) string {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html><head><title>muxden</title>` + pageStyle + `</head><body><h1>muxden</h1>`)
	if len(agentIDs) == 0 {
		b.WriteString(`<p>No active agent sessions. Use a login link to connect to an agent.</p>`)
	} else {
		b.WriteString(`<p>Agents this browser is signed in to:</p><ul>`)
		for _, id := range agentIDs {
			escaped := html.EscapeString(id)
			b.WriteString(`<li><a href="/agents/` + escaped + `">` + escaped + `</a></li>`)
		}
		b.WriteString(`</ul>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

// ErrorHTML renders the generic error page. Internal detail never reaches
// the browser; it is logged server-side instead.
func ErrorHTML(message string) string {
	return `<!DOCTYPE html><html><head><title>muxden</title>` + pageStyle +
		`</head><body><h1>Cannot continue</h1><p class="err">` + html.EscapeString(message) + `</p>` +
		`<p>Login links contain one-time codes and can only be used once. ` +
		`Ask for a fresh link if yours has expired.</p></body></html>`
}
