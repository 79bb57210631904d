package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	writeWait        = 2 * time.Second
	defaultPongWait  = 30 * time.Second
	maxMessageSize   = 64 * 1024
	controlBurstSize = 5
)

// pingPeriodFor keeps several pings inside one heartbeat timeout.
func pingPeriodFor(pongWait time.Duration) time.Duration {
	return pongWait / 3
}

// -----------------------------------------------------------------------------
// Client Structure
// -----------------------------------------------------------------------------

// Client is one dashboard WebSocket. It is the transport handed to the
// connection manager: the broadcaster writes through Send, and the read loop
// turns pongs and control messages into heartbeats.
type Client struct {
	id       string
	userID   string
	hub      *HTTPServer
	conn     *websocket.Conn
	limiter  *rate.Limiter
	pongWait time.Duration

	writeSem  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id, userID string, hub *HTTPServer, conn *websocket.Conn, perSecond float64, pongWait time.Duration) *Client {
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	return &Client{
		id:       id,
		userID:   userID,
		hub:      hub,
		conn:     conn,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), controlBurstSize),
		pongWait: pongWait,
		writeSem: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// -----------------------------------------------------------------------------
// Transport
// -----------------------------------------------------------------------------

func (c *Client) ID() string { return c.id }

// Send writes one text frame. Writers are serialized; waiting for the turn
// and the write itself both honour the context deadline.
func (c *Client) Send(ctx context.Context, message []byte) error {
	select {
	case c.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return websocket.ErrCloseSent
	}
	defer func() { <-c.writeSem }()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// Close is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// -----------------------------------------------------------------------------
// readPump - handles incoming messages from client
// Act as a Watchdog for the connection
// -----------------------------------------------------------------------------

func (c *Client) readPump() {
	defer func() {
		c.hub.Hub.OnDisconnect(c.id)
		c.Close()
		c.hub.Logger.Debug("Client %s (%s) disconnected", c.id, c.userID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.hub.Hub.Touch(c.id)
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.Logger.Info("WebSocket error: %v", err)
			}
			return
		}
		c.hub.Hub.Touch(c.id)
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.hub.HandleClientMessage(c, message)
	}
}

// -----------------------------------------------------------------------------
// pingLoop - keeps the heartbeat fresh
// -----------------------------------------------------------------------------

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriodFor(c.pongWait))
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}
