// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

package websocket

import (
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/wolfiesch/SFCrime/internal/logging"
)

const (
	// writeWait is the allowance for one write to complete.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong before dropping the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	sendBufferSize = 256
)

var clientIDCounter atomic.Uint64

// Client is one live subscriber connection.
type Client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

// NewClient wraps an upgraded connection. The caller registers it with the
// hub and starts both pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		hub:  hub,
		conn: conn,
		send: make(chan Message, sendBufferSize),
	}
}

// Serve registers the client and runs both pumps until the connection drops.
func (c *Client) Serve() {
	c.hub.Register <- c
	go c.writePump()
	c.readPump()
}

// subscribeRequest is the client filter-update frame.
type subscribeRequest struct {
	Type       string    `json:"type"`
	Viewport   *Viewport `json:"viewport,omitempty"`
	Priorities []string  `json:"priorities,omitempty"`
}

// readPump consumes client frames: subscribe updates filters, ping gets a
// pong. It unregisters the client on any read failure.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Uint64("client_id", c.id).Err(err).Msg("subscriber read error")
			}
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			c.trySend(Message{Type: MessageError, Error: "malformed message"})
			continue
		}

		switch req.Type {
		case MessageSubscribe:
			c.hub.UpdateFilters(c, req.Viewport, req.Priorities)
		case MessagePing:
			c.trySend(Message{Type: MessagePong})
		default:
			c.trySend(Message{Type: MessageError, Error: "unknown message type"})
		}
	}
}

// writePump drains the send channel to the connection and keeps the peer
// alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				logging.Err(err).Uint64("client_id", c.id).Msg("failed to encode message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend enqueues without blocking the read pump.
func (c *Client) trySend(msg Message) {
	select {
	case c.send <- msg:
	default:
	}
}
