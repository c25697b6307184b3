package proxy

import (
	"regexp"
	"strings"
)

// The rewrite helpers are pure functions of the agent id and their input so
// they can be unit tested against fixed strings.

// PathPrefix returns the proxy path prefix for an agent, without a trailing
// slash.
func PathPrefix(agentID string) string {
	return "/agents/" + agentID
}

// RewriteCookiePath scopes a Set-Cookie header to the agent's prefix.
// A cookie without a Path gets the prefix appended; an existing Path is
// prefixed unless it already carries it. Idempotent.
func RewriteCookiePath(setCookie, agentID string) string {
	prefix := PathPrefix(agentID)

	parts := strings.Split(setCookie, ";")
	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		if len(trimmed) < 5 || !strings.EqualFold(trimmed[:5], "path=") {
			continue
		}
		p := trimmed[5:]
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return setCookie
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		// Preserve the original leading whitespace of the attribute.
		leading := part[:len(part)-len(strings.TrimLeft(part, " "))]
		parts[i] = leading + "Path=" + prefix + p
		return strings.Join(parts, ";")
	}
	return setCookie + "; Path=" + prefix + "/"
}

var attrPattern = regexp.MustCompile(`(href|src|action|formaction)=(["'])([^"']*)(["'])`)

// RewriteAbsolutePaths prefixes absolute-path URL attributes in HTML.
// Relative paths, protocol-relative //host paths, full URLs, and paths
// already under the prefix are left alone.
func RewriteAbsolutePaths(html, agentID string) string {
	prefix := PathPrefix(agentID)
	return attrPattern.ReplaceAllStringFunc(html, func(m string) string {
		sub := attrPattern.FindStringSubmatch(m)
		val := sub[3]
		if !strings.HasPrefix(val, "/") ||
			strings.HasPrefix(val, "//") ||
			val == prefix ||
			strings.HasPrefix(val, prefix+"/") {
			return m
		}
		return sub[1] + "=" + sub[2] + prefix + val + sub[4]
	})
}

var headPattern = regexp.MustCompile(`(?i)<head[^>]*>`)

// WebSocketShim returns the script that rewrites same-origin WebSocket
// targets to include the agent prefix.
func WebSocketShim(agentID string) string {
	prefix := PathPrefix(agentID)
	return `<script>(function(){
var OrigWebSocket = window.WebSocket;
var prefix = "` + prefix + `";
window.WebSocket = function(url, protocols) {
  try {
    var u = new URL(url, window.location.href);
    if (u.host === window.location.host && u.pathname.indexOf(prefix + "/") !== 0) {
      u.pathname = prefix + u.pathname;
      url = u.toString();
    }
  } catch (e) {}
  return protocols === undefined ? new OrigWebSocket(url) : new OrigWebSocket(url, protocols);
};
window.WebSocket.prototype = OrigWebSocket.prototype;
window.WebSocket.CONNECTING = OrigWebSocket.CONNECTING;
window.WebSocket.OPEN = OrigWebSocket.OPEN;
window.WebSocket.CLOSING = OrigWebSocket.CLOSING;
window.WebSocket.CLOSED = OrigWebSocket.CLOSED;
})();</script>`
}

// RewriteProxiedHTML applies the full HTML transformation: absolute-path
// prefixing plus exactly one injected <base> tag and the WebSocket shim,
// placed right after the opening <head> or at document start when no head
// exists.
func RewriteProxiedHTML(html, agentID string) string {
	prefix := PathPrefix(agentID)
	out := RewriteAbsolutePaths(html, agentID)

	injection := `<base href="` + prefix + `/">` + WebSocketShim(agentID)
	if loc := headPattern.FindStringIndex(out); loc != nil {
		return out[:loc[1]] + injection + out[loc[1]:]
	}
	return injection + out
}
