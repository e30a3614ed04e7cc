// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

// Package websocket implements the live broadcast hub: per-connection filter
// state and best-effort fan-out of newly synced records. Delivery is
// at-most-once per attempt; a failed subscriber is unregistered, never
// retried.
package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wolfiesch/SFCrime/internal/logging"
	"github.com/wolfiesch/SFCrime/internal/metrics"
	"github.com/wolfiesch/SFCrime/internal/models"
)

// Message is one wire frame pushed to a subscriber.
type Message struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Wire message types.
const (
	MessageCallUpdate = "call_update"
	MessageSubscribe  = "subscribe"
	MessagePing       = "ping"
	MessagePong       = "pong"
	MessageError      = "error"
)

// Hub owns the subscription lifecycle. The mutex guards only the clients
// map and subscription state, never the network sends, so a slow subscriber
// cannot serialize the others.
type Hub struct {
	clients map[*Client]*Subscription

	broadcast chan []*models.Record

	// Register requests from new connections.
	Register chan *Client

	// Unregister requests from disconnecting or failed connections.
	Unregister chan *Client

	mu sync.RWMutex
}

// NewHub creates a hub. Call Run (or RunWithContext) before registering.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]*Subscription),
		broadcast:  make(chan []*models.Record, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

// Run processes register/unregister/broadcast events until the process
// exits. Prefer RunWithContext for supervised shutdown.
func (h *Hub) Run() {
	h.RunWithContext(context.Background())
}

// RunWithContext processes hub events until ctx is canceled. Registration
// and removal take priority over broadcasts so connection state stays
// current.
func (h *Hub) RunWithContext(ctx context.Context) {
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)
		case client := <-h.Unregister:
			h.unregisterClient(client)
		case records := <-h.broadcast:
			h.broadcastToClients(records)
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = NewSubscription()
	count := len(h.clients)
	h.mu.Unlock()

	metrics.ConnectedClients.Set(float64(count))
	logging.Debug().Uint64("client_id", client.id).Int("clients", count).Msg("subscriber registered")
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		metrics.ConnectedClients.Set(float64(count))
		logging.Debug().Uint64("client_id", client.id).Int("clients", count).Msg("subscriber unregistered")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	metrics.ConnectedClients.Set(0)
}

// Broadcast queues newly synced records for filtered fan-out. Never blocks
// the caller: if the hub is saturated the batch is dropped (best-effort).
func (h *Hub) Broadcast(records []*models.Record) {
	if len(records) == 0 {
		return
	}
	select {
	case h.broadcast <- records:
	default:
		logging.Warn().Int("records", len(records)).Msg("broadcast queue full, dropping batch")
	}
}

// UpdateFilters replaces a client's subscription filters.
func (h *Hub) UpdateFilters(client *Client, viewport *Viewport, priorities []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.clients[client]; ok {
		sub.SetFilters(viewport, priorities)
	}
}

// broadcastToClients computes each subscriber's matching subset under a read
// lock, then delivers outside it. A subscriber whose send buffer is full is
// removed; delivery to the others continues.
func (h *Hub) broadcastToClients(records []*models.Record) {
	type delivery struct {
		client  *Client
		matched []*models.Record
	}

	h.mu.RLock()
	deliveries := make([]delivery, 0, len(h.clients))
	for client, sub := range h.clients {
		matched := make([]*models.Record, 0, len(records))
		for _, rec := range records {
			if sub.Matches(rec) {
				matched = append(matched, rec)
			}
		}
		if len(matched) > 0 {
			deliveries = append(deliveries, delivery{client: client, matched: matched})
		}
	}
	h.mu.RUnlock()

	// Deterministic order keeps behavior reproducible under test.
	sort.Slice(deliveries, func(i, j int) bool {
		return deliveries[i].client.id < deliveries[j].client.id
	})

	var toRemove []*Client
	now := time.Now().UTC().Format(time.RFC3339)
	for _, d := range deliveries {
		msg := Message{Type: MessageCallUpdate, Data: d.matched, Timestamp: now}
		select {
		case d.client.send <- msg:
			metrics.BroadcastsSent.Inc()
		default:
			toRemove = append(toRemove, d.client)
		}
	}

	for _, client := range toRemove {
		logging.Warn().Uint64("client_id", client.id).Msg("subscriber send buffer full, removing")
		h.unregisterClient(client)
	}
}

// GetClientCount returns the number of connected subscribers.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// subscriptionOf returns the client's current subscription, nil when the
// client is no longer registered.
func (h *Hub) subscriptionOf(client *Client) *Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[client]
}
