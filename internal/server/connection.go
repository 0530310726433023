package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/presence"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	connectionBufferSize = 64
	writeWait            = 10 * time.Second
	pongWait             = 60 * time.Second
	pingPeriod           = 30 * time.Second
	maxInboundBytes      = 64 * 1024
)

// wsConnection is one authenticated socket. All writes go through the single
// writer goroutine started by run.
type wsConnection struct {
	id       string
	identity auth.Identity
	socket   *websocket.Conn
	send     chan []byte
	logger   *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConnection(id string, identity auth.Identity, socket *websocket.Conn, bufferSize int, logger *zap.Logger) *wsConnection {
	if bufferSize <= 0 {
		bufferSize = connectionBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConnection{
		id:       id,
		identity: identity,
		socket:   socket,
		send:     make(chan []byte, bufferSize),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *wsConnection) ID() string {
	return c.id
}

func (c *wsConnection) Identity() auth.Identity {
	return c.identity
}

// Deliver enqueues the event without blocking. A full buffer drops the event.
func (c *wsConnection) Deliver(event presence.Event) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Warn("failed to encode event", zap.String("event", event.Name), zap.Error(err))
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("connection buffer full; event dropped",
			zap.String("connection_id", c.id),
			zap.String("user_id", c.identity.UserID),
			zap.String("batch", c.identity.BatchKey()),
			zap.String("event", event.Name))
		return false
	}
}

// run writes queued events and keepalive pings until the connection closes.
func (c *wsConnection) run() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case data := <-c.send:
			if err := c.socket.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close stops the writer and closes the socket. It is safe to call repeatedly.
func (c *wsConnection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.socket != nil {
			_ = c.socket.Close()
		}
	})
}
