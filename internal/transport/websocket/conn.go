// Package websocket carries relay traffic and dashboard snapshots over
// gorilla/websocket connections.
package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/protoshock/Server-Files/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Relay is the hub surface a client connection drives.
type Relay interface {
	Attach(conn relay.Connection)
	HandleMessage(conn relay.Connection, data []byte)
	Heartbeat(conn relay.Connection, timestamp json.RawMessage)
	Disconnect(conn relay.Connection)
}

type outbound struct {
	messageType int
	data        []byte
}

// Conn adapts a websocket connection to relay.Connection.
//
// Reliable sends travel as binary messages, volatile sends as text. Writes
// go through a buffered queue drained by a single write pump.
type Conn struct {
	ws     *websocket.Conn
	relay  Relay
	logger *zap.Logger
	addr   string

	maxMessageBytes int64

	mu     sync.Mutex
	closed bool
	send   chan outbound
	done   chan struct{}
}

// NewConn wraps ws. The connection is inert until Serve is called.
//
// Precondition: ws, r, and logger must be non-nil; sendBuffer must be > 0.
func NewConn(ws *websocket.Conn, r Relay, logger *zap.Logger, sendBuffer int, maxMessageBytes int64) *Conn {
	return &Conn{
		ws:              ws,
		relay:           r,
		logger:          logger,
		addr:            ws.RemoteAddr().String(),
		maxMessageBytes: maxMessageBytes,
		send:            make(chan outbound, sendBuffer),
		done:            make(chan struct{}),
	}
}

// Send queues one reliable binary message. A full queue closes the
// connection and returns relay.ErrSendBufferFull.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return relay.ErrConnectionClosed
	}
	select {
	case c.send <- outbound{messageType: websocket.BinaryMessage, data: data}:
		return nil
	default:
		c.closeLocked()
		return relay.ErrSendBufferFull
	}
}

// SendVolatile queues one text message, dropping it if the queue is full.
func (c *Conn) SendVolatile(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return relay.ErrConnectionClosed
	}
	select {
	case c.send <- outbound{messageType: websocket.TextMessage, data: data}:
	default:
	}
	return nil
}

// Close stops the write pump, which sends a close frame and closes the socket.
// Calling Close is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.addr }

// Serve attaches the connection to the relay, runs the pumps, and blocks until
// the peer goes away or Close is called. The relay is told to disconnect the
// connection before Serve returns.
func (c *Conn) Serve() {
	c.relay.Attach(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readPump()
	c.relay.Disconnect(c)
	_ = c.Close()
	<-writerDone
}

func (c *Conn) readPump() {
	if c.maxMessageBytes > 0 {
		c.ws.SetReadLimit(c.maxMessageBytes)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("read error",
					zap.String("remote_addr", c.addr),
					zap.Error(err),
				)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.BinaryMessage:
			c.relay.HandleMessage(c, data)
		case websocket.TextMessage:
			c.handleControl(data)
		}
	}
}

func (c *Conn) handleControl(data []byte) {
	msg, err := relay.ParseControl(data)
	if err != nil {
		c.logger.Debug("ignoring malformed control message",
			zap.String("remote_addr", c.addr),
			zap.Error(err),
		)
		return
	}
	if msg.Event == relay.EventPing {
		c.relay.Heartbeat(c, msg.Timestamp)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				c.logger.Debug("write error",
					zap.String("remote_addr", c.addr),
					zap.Error(err),
				)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.drain()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// drain flushes messages queued before Close, best effort.
func (c *Conn) drain() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				return
			}
		default:
			return
		}
	}
}
