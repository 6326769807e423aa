package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"nostr-relay-tray/nrt/core/upstream"
)

// WSDialer opens gorilla websocket sessions, routed through the proxy named
// by the environment when there is one.
type WSDialer struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	up, err := upstream.FromEnvironment(url)
	if err != nil {
		return nil, err
	}
	wd := websocket.Dialer{
		NetDialContext:   up.DialContext,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := wd.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.ws.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.ws.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Ping() error {
	return w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (w *wsConn) SetPongHandler(f func()) {
	w.ws.SetPongHandler(func(string) error {
		f()
		return nil
	})
}

func (w *wsConn) Close() error { return w.ws.Close() }
