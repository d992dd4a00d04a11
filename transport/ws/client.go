// Package ws provides a WebSocket implementation of the signaling
// channel contract. It is the reference transport: one connection to a
// signaling server, JSON messages on the wire, a read pump dispatching
// inbound messages to the registered handler.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/voicelink/callkit/signaling"
)

// ErrClientClosed indicates the connection was closed by Close.
var ErrClientClosed = errors.New("websocket signaling client is closed")

const (
	defaultWriteTimeout = 10 * time.Second
	pongWait            = 60 * time.Second
	pingPeriod          = 50 * time.Second
)

// Client is a signaling.Channel carried over one WebSocket connection.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex // serializes writes, gorilla allows one writer

	mu      sync.RWMutex
	handler signaling.Handler
	closed  bool

	done chan struct{}
}

// Dial connects to a signaling server and starts the read pump.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signaling server %s: %w", url, err)
	}

	c := &Client{
		conn: conn,
		done: make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.pingLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"url":      url,
	}).Info("Signaling connection established")

	return c, nil
}

// SetHandler implements signaling.Channel.
func (c *Client) SetHandler(h signaling.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Send implements signaling.Channel. Delivery failures surface as
// errors, never silent drops.
func (c *Client) Send(ctx context.Context, msg *signaling.Message) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClientClosed
	}

	data, err := signaling.Encode(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.Kind, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Send",
		"kind":     string(msg.Kind),
		"call_id":  msg.CallID,
		"target":   msg.TargetID,
	}).Debug("Signaling message sent")

	return nil
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.conn.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Signaling connection closed")

	return err
}

// readPump reads frames until the connection dies, decoding each into a
// signaling message and handing it to the handler. Malformed frames are
// logged and skipped.
func (c *Client) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed {
				logrus.WithFields(logrus.Fields{
					"function": "readPump",
					"error":    err.Error(),
				}).Warn("Signaling read failed, stopping read pump")
			}
			return
		}

		msg, err := signaling.Decode(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readPump",
				"error":    err.Error(),
			}).Warn("Dropping malformed signaling message")
			continue
		}

		c.mu.RLock()
		h := c.handler
		c.mu.RUnlock()
		if h != nil {
			h(msg)
		}
	}
}

// pingLoop keeps the connection alive.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "pingLoop",
					"error":    err.Error(),
				}).Warn("Ping failed")
				return
			}
		}
	}
}
