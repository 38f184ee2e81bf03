package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marginalia/internal/auth"
	"marginalia/internal/logging"
	"marginalia/internal/util"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Conn is a WebSocket connection with one reader goroutine and one writer
// goroutine. Outbound events go through a bounded queue.
type Conn struct {
	id       string
	identity auth.Identity
	ws       *websocket.Conn
	send     chan Event
	done     chan struct{}
	once     sync.Once
	logger   logging.Logger
}

func newConn(ws *websocket.Conn, identity auth.Identity, sendBuffer int) *Conn {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	id := util.NewID("conn")
	return &Conn{
		id:       id,
		identity: identity,
		ws:       ws,
		send:     make(chan Event, sendBuffer),
		done:     make(chan struct{}),
		logger:   logging.New("realtime", "conn", id, "user", identity.ID),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Identity() auth.Identity {
	return c.identity
}

func (c *Conn) Send(event Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close stops the writer, which sends a close frame and closes the socket.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// readLoop handles frames in order until the socket fails, then disconnects.
func (c *Conn) readLoop(ctx context.Context, handler *Handler, coordinator *Coordinator, maxMessage int64) {
	defer func() {
		coordinator.Disconnect(c)
		c.Close()
	}()

	if maxMessage > 0 {
		c.ws.SetReadLimit(maxMessage)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx = logging.With(ctx, c.logger)
	for {
		messageType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debugf("read: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			coordinator.SendTo(c, errorEvent("VALIDATION_ERROR", "Only text frames are accepted"))
			continue
		}
		handler.Handle(ctx, c, frame)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case event := <-c.send:
			payload, err := json.Marshal(event)
			if err != nil {
				c.logger.Errorf("marshal %s: %v", event.Type, err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debugf("write: %v", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes events already queued when the connection was closed, so a
// final error or broadcast is not lost.
func (c *Conn) flush() {
	for {
		select {
		case event := <-c.send:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}
