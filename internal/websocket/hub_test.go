// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

package websocket

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfiesch/SFCrime/internal/logging"
	"github.com/wolfiesch/SFCrime/internal/models"
)

//nolint:gochecknoinits // quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

func setupHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.RunWithContext(ctx)
	return hub
}

func newHubClient(hub *Hub) *Client {
	return &Client{id: clientIDCounter.Add(1), hub: hub, send: make(chan Message, sendBufferSize)}
}

func registerClient(t *testing.T, hub *Hub, client *Client) {
	t.Helper()
	hub.Register <- client
	require.Eventually(t, func() bool {
		return hub.subscriptionOf(client) != nil
	}, time.Second, 5*time.Millisecond)
}

func dispatchRecord(key, priority string, loc *models.Point) *models.Record {
	return &models.Record{
		Source:     models.SourceDispatch,
		NaturalKey: key,
		ReceivedAt: time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC),
		Priority:   priority,
		Location:   loc,
	}
}

// receiveOrNil waits briefly for a delivery; nil means none arrived.
func receiveOrNil(c *Client) *Message {
	select {
	case msg := <-c.send:
		return &msg
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := setupHub(t)
	client := newHubClient(hub)

	registerClient(t, hub, client)
	assert.Equal(t, 1, hub.GetClientCount())

	hub.Unregister <- client
	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 0
	}, time.Second, 5*time.Millisecond)

	// The send channel is closed on unregister.
	_, open := <-client.send
	assert.False(t, open)
}

func TestHub_BroadcastFiltering(t *testing.T) {
	hub := setupHub(t)

	s1 := newHubClient(hub)
	s2 := newHubClient(hub)
	s3 := newHubClient(hub)
	registerClient(t, hub, s1)
	registerClient(t, hub, s2)
	registerClient(t, hub, s3)

	hub.UpdateFilters(s1, nil, []string{"A"})
	hub.UpdateFilters(s2, nil, []string{"C"})
	hub.UpdateFilters(s3, &Viewport{MinLat: 37.0, MaxLat: 38.0, MinLng: -123.0, MaxLng: -122.0}, nil)

	rec := dispatchRecord("241001234", "A", &models.Point{Lat: 37.7749, Lng: -122.4194})
	hub.Broadcast([]*models.Record{rec})

	msg1 := receiveOrNil(s1)
	require.NotNil(t, msg1, "priority-A subscriber must receive the record")
	assert.Equal(t, MessageCallUpdate, msg1.Type)
	assert.NotEmpty(t, msg1.Timestamp)
	data, ok := msg1.Data.([]*models.Record)
	require.True(t, ok)
	require.Len(t, data, 1)
	assert.Equal(t, "241001234", data[0].NaturalKey)

	assert.Nil(t, receiveOrNil(s2), "priority-C subscriber must receive nothing")

	msg3 := receiveOrNil(s3)
	require.NotNil(t, msg3, "viewport subscriber covering the point must receive the record")
}

func TestHub_UnfilteredSubscriberReceivesEverything(t *testing.T) {
	hub := setupHub(t)
	client := newHubClient(hub)
	registerClient(t, hub, client)

	hub.Broadcast([]*models.Record{
		dispatchRecord("1", "A", &models.Point{Lat: 37.77, Lng: -122.42}),
		dispatchRecord("2", "C", nil),
	})

	msg := receiveOrNil(client)
	require.NotNil(t, msg)
	data, ok := msg.Data.([]*models.Record)
	require.True(t, ok)
	assert.Len(t, data, 2)
}

func TestHub_ViewportPassesRecordWithoutLocation(t *testing.T) {
	hub := setupHub(t)
	client := newHubClient(hub)
	registerClient(t, hub, client)

	hub.UpdateFilters(client, &Viewport{MinLat: 37.0, MaxLat: 38.0, MinLng: -123.0, MaxLng: -122.0}, nil)

	hub.Broadcast([]*models.Record{dispatchRecord("no-loc", "B", nil)})

	require.NotNil(t, receiveOrNil(client), "records without coordinates pass the viewport filter")
}

func TestHub_EmptyMatchSetSendsNothing(t *testing.T) {
	hub := setupHub(t)
	client := newHubClient(hub)
	registerClient(t, hub, client)

	hub.UpdateFilters(client, nil, []string{"A"})
	hub.Broadcast([]*models.Record{dispatchRecord("1", "C", nil)})

	assert.Nil(t, receiveOrNil(client))
}

func TestHub_SlowSubscriberIsRemovedOthersDelivered(t *testing.T) {
	hub := setupHub(t)

	stuck := &Client{id: clientIDCounter.Add(1), hub: hub, send: make(chan Message)} // unbuffered, never drained
	healthy := newHubClient(hub)
	registerClient(t, hub, stuck)
	registerClient(t, hub, healthy)

	hub.Broadcast([]*models.Record{dispatchRecord("1", "A", nil)})

	require.NotNil(t, receiveOrNil(healthy), "failure of one subscriber must not abort delivery to others")
	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 1
	}, time.Second, 5*time.Millisecond, "the failed subscriber is unregistered")
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	hub := setupHub(t)
	hub.Broadcast([]*models.Record{dispatchRecord("1", "A", nil)})
	// Nothing to assert beyond not blocking or panicking.
	time.Sleep(20 * time.Millisecond)
}

func TestSubscription_Matches(t *testing.T) {
	inBox := &models.Point{Lat: 37.7749, Lng: -122.4194}
	outBox := &models.Point{Lat: 37.9, Lng: -121.0}

	cases := []struct {
		name       string
		viewport   *Viewport
		priorities []string
		record     *models.Record
		want       bool
	}{
		{"no filters", nil, nil, dispatchRecord("1", "A", inBox), true},
		{"priority member", nil, []string{"A", "B"}, dispatchRecord("1", "A", nil), true},
		{"priority non-member", nil, []string{"C"}, dispatchRecord("1", "A", nil), false},
		{"viewport contains", &Viewport{37.0, 38.0, -123.0, -122.0}, nil, dispatchRecord("1", "A", inBox), true},
		{"viewport excludes", &Viewport{37.0, 38.0, -123.0, -122.0}, nil, dispatchRecord("1", "A", outBox), false},
		{"viewport with no location", &Viewport{37.0, 38.0, -123.0, -122.0}, nil, dispatchRecord("1", "A", nil), true},
		{"both pass", &Viewport{37.0, 38.0, -123.0, -122.0}, []string{"A"}, dispatchRecord("1", "A", inBox), true},
		{"priority passes viewport fails", &Viewport{37.0, 38.0, -123.0, -122.0}, []string{"A"}, dispatchRecord("1", "A", outBox), false},
		{"boundary is inclusive", &Viewport{37.7749, 38.0, -123.0, -122.4194}, nil, dispatchRecord("1", "A", inBox), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := NewSubscription()
			sub.SetFilters(tc.viewport, tc.priorities)
			assert.Equal(t, tc.want, sub.Matches(tc.record))
		})
	}
}
