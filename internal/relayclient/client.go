// Package relayclient implements the tunnel-side relay channel client:
// it holds the single persistent duplex connection to the Relay Host,
// serializes requests, matches Connected/Error replies to pending
// connect waiters, and delivers asynchronous frames to a Handler.
//
// The wire transport is a github.com/gorilla/websocket connection
// carrying binary messages, each one complete frame.Request/
// frame.Response — the same "websocket client with a write pump, a read
// pump, and a pending-request map" shape used throughout the pack's
// relay clients (e.g. rcourtman-Pulse's internal/relay).
package relayclient

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vaagnavanesyan/tunec/internal/frame"
	"github.com/vaagnavanesyan/tunec/internal/logging"
)

// ErrChannelClosed is returned by ConnectFlow, and silently swallows
// fire-and-forget sends, once the underlying channel has dropped.
var ErrChannelClosed = errors.New("relayclient: channel closed")

const (
	connectTimeout   = 10 * time.Second
	pingInterval     = 30 * time.Second
	writeWait        = 10 * time.Second
	sendBufferSize   = 256
	handshakeTimeout = 15 * time.Second
)

// Handler receives frames not consumed by a pending ConnectFlow waiter:
// Data and Disconnected always arrive here; Error only arrives here if
// no waiter is registered for the id, and a Connected with no waiter is
// dropped without reaching the Handler. Handlers are invoked on
// the channel's reader goroutine and must not block.
type Handler interface {
	HandleData(id string, payload []byte)
	HandleDisconnected(id string)
	HandleError(id, message string)
}

// Client is the relay channel client. The zero value is not usable; use
// Dial.
type Client struct {
	conn    *websocket.Conn
	sendCh  chan []byte
	handler Handler
	log     *logging.Logger

	mu      sync.Mutex
	waiters map[string]chan frame.Response
	closed  bool

	readDone chan struct{}
}

// Dial opens the relay channel to url and starts its read/write pumps.
// dialer lets callers inject a *websocket.Dialer configured to exempt
// the underlying socket from the tunnel's own routing; pass nil for the
// default dialer.
func Dial(url string, dialer *websocket.Dialer, handler Handler, log *logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.New(false)
	}
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("relayclient: dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		sendCh:   make(chan []byte, sendBufferSize),
		handler:  handler,
		log:      log,
		waiters:  make(map[string]chan frame.Response),
		readDone: make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()

	return c, nil
}

// ConnectFlow sends a Connect request for id and blocks the caller until
// the matching Connected or Error response arrives, or until the 10s
// timeout elapses. On timeout the waiter is dropped and an error whose
// message ends in "timeout" is returned.
func (c *Client) ConnectFlow(id, destIP string, destPort uint16) error {
	waiter := make(chan frame.Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.waiters[id] = waiter
	c.mu.Unlock()

	c.enqueue(frame.EncodeRequest(frame.NewConnect(id, destIP, destPort)))

	select {
	case resp, ok := <-waiter:
		if !ok {
			return ErrChannelClosed
		}
		if resp.Type == frame.RespError {
			return fmt.Errorf("relayclient: connect %s: %s", id, resp.Message)
		}
		return nil
	case <-time.After(connectTimeout):
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
		return fmt.Errorf("relayclient: connect %s: timeout", id)
	}
}

// SendData enqueues a Data frame. Fire-and-forget.
func (c *Client) SendData(id string, payload []byte) {
	c.enqueue(frame.EncodeRequest(frame.NewData(id, payload)))
}

// SendDisconnect enqueues a Disconnect frame. Fire-and-forget.
func (c *Client) SendDisconnect(id string) {
	c.enqueue(frame.EncodeRequest(frame.NewDisconnect(id)))
}

// SendShutdownWrite enqueues a ShutdownWrite frame. Fire-and-forget.
func (c *Client) SendShutdownWrite(id string) {
	c.enqueue(frame.EncodeRequest(frame.NewShutdownWrite(id)))
}

func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.log.Verbosef("relayclient: dropping send on closed channel")
		return
	}

	select {
	case c.sendCh <- data:
	default:
		c.log.Warnf("relayclient: send channel full, dropping frame")
	}
}

// Close tears down the channel: pending waiters fail with
// ErrChannelClosed, the write pump stops, and the websocket is closed
// with code 1000.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, w := range c.waiters {
		close(w)
		delete(c.waiters, id)
	}
	c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()

	<-c.readDone
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.log.Verbosef("relayclient: write failed: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Verbosef("relayclient: ping failed: %v", err)
				return
			}
		case <-c.readDone:
			return
		}
	}
}

func (c *Client) readPump() {
	defer close(c.readDone)
	defer c.failAllWaiters()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Verbosef("relayclient: read failed: %v", err)
			return
		}

		resp, err := frame.DecodeResponse(msg)
		if err != nil {
			c.log.Warnf("relayclient: malformed frame: %v, dropping", err)
			continue
		}

		switch resp.Type {
		case frame.RespConnected, frame.RespError:
			if c.fulfillWaiter(resp) {
				continue
			}
			if resp.Type == frame.RespError {
				c.handler.HandleError(resp.ID, resp.Message)
			}
		case frame.RespData:
			c.handler.HandleData(resp.ID, resp.Payload)
		case frame.RespDisconnected:
			c.handler.HandleDisconnected(resp.ID)
		}
	}
}

// fulfillWaiter delivers resp to the pending waiter for resp.ID, if any,
// and reports whether one was found.
func (c *Client) fulfillWaiter(resp frame.Response) bool {
	c.mu.Lock()
	w, ok := c.waiters[resp.ID]
	if ok {
		delete(c.waiters, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	w <- resp
	return true
}

func (c *Client) failAllWaiters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, w := range c.waiters {
		close(w)
		delete(c.waiters, id)
	}
}
