package proxy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muxden/muxden/internal/common/logger"
)

// IsWebSocketUpgrade reports whether a request is a websocket handshake.
func IsWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The signed cookie already gates access; the proxied apps are not
	// expected to enforce Origin themselves.
	CheckOrigin: func(*http.Request) bool { return true },
}

// relayWebSocket bridges the browser connection and the backend, copying
// frames in both directions until either side closes.
func relayWebSocket(w http.ResponseWriter, r *http.Request, backend *url.URL, backendPath string, log *logger.Logger) {
	target := url.URL{Scheme: wsScheme(backend.Scheme), Host: backend.Host, Path: backendPath, RawQuery: r.URL.RawQuery}

	// Forward the subprotocol offer; everything else in the handshake is
	// renegotiated by the dialer.
	header := http.Header{}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		header.Set("Sec-WebSocket-Protocol", proto)
	}

	backendConn, resp, err := websocket.DefaultDialer.DialContext(r.Context(), target.String(), header)
	if err != nil {
		log.Warn("websocket dial to backend failed", zap.String("target", target.String()), zap.Error(err))
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		http.Error(w, "backend unavailable", status)
		return
	}
	defer backendConn.Close()

	var respHeader http.Header
	if proto := backendConn.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{proto}}
	}
	clientConn, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer clientConn.Close()

	errc := make(chan error, 2)
	go copyFrames(clientConn, backendConn, errc)
	go copyFrames(backendConn, clientConn, errc)
	<-errc
}

func copyFrames(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				msg := websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)
				_ = dst.WriteMessage(websocket.CloseMessage, msg)
			}
			errc <- err
			return
		}
		if err := dst.WriteMessage(msgType, payload); err != nil {
			errc <- err
			return
		}
	}
}

func wsScheme(httpScheme string) string {
	if httpScheme == "https" {
		return "wss"
	}
	return "ws"
}
