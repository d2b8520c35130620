package ws

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dmchat/internal/live"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 8 << 10
	sendBuffer     = 256
)

// Conn is one authenticated websocket session. Outbound frames go through a
// buffered channel drained by a single write loop; it implements
// live.LiveSink and io.Closer.
type Conn struct {
	ID     string
	UserID int64

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *zap.Logger
}

func newConn(userID int64, ws *websocket.Conn, log *zap.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		ID:     id,
		UserID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		log:    log.With(zap.String("conn_id", id), zap.Int64("user_id", userID)),
	}
}

// Push enqueues ev without blocking. A client too slow to drain its buffer
// is disconnected.
func (c *Conn) Push(ev *live.Event) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", live.ErrDeliveryFailed)
	default:
	}
	select {
	case c.send <- ev.Frame():
		return nil
	case <-c.done:
		return fmt.Errorf("%w: connection closed", live.ErrDeliveryFailed)
	default:
		c.closeWith(websocket.CloseGoingAway, "send buffer full")
		return fmt.Errorf("%w: send buffer full", live.ErrDeliveryFailed)
	}
}

func (c *Conn) Close() error {
	c.closeWith(websocket.CloseGoingAway, "server shutting down")
	return nil
}

// closeWith may run under the registry's broadcast lock, so the close
// handshake happens off the caller's goroutine.
func (c *Conn) closeWith(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		go func() {
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			_ = c.ws.Close()
		}()
	})
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.closeWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Conn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
