package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// desktop relay: any origin may connect
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades r and feeds every text frame to h until the peer leaves
// or ctx ends. onClose runs with the client id once the session is gone.
func ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request, h Handler, readLimit int64, onClose func(id string)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade %s: %v", r.RemoteAddr, err)
		return
	}
	c := &wsClient{id: uuid.NewString(), conn: conn}
	log.Debugf("client %s connected from %s", c.id, r.RemoteAddr)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		_ = conn.Close()
		if onClose != nil {
			onClose(c.id)
		}
		log.Debugf("client %s gone", c.id)
	}()

	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop(ctx)

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("client %s read: %v", c.id, err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		h.HandleIncomingMessage(ctx, c, data)
	}
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) ID() string     { return c.id }
func (c *wsClient) Source() string { return "local" }

func (c *wsClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) pingLoop(ctx context.Context) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
