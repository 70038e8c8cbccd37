package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestSubscriber builds a hub-only client with a buffered send channel;
// no websocket connection is attached.
func newTestSubscriber(buffer int) *Client {
	return &Client{send: make(chan []byte, buffer), addr: "test"}
}

func receiveEnvelope(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case payload := <-c.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
		return Envelope{}
	}
}

func TestBroadcastDeliversToSubscribers(t *testing.T) {
	h := NewHub()
	c1 := newTestSubscriber(4)
	c2 := newTestSubscriber(4)
	h.Subscribe(c1, 7)
	h.Subscribe(c2, 7)

	h.Broadcast(7, Envelope{ContentType: "text", Text: "hello", Sender: "User"})

	for _, c := range []*Client{c1, c2} {
		env := receiveEnvelope(t, c)
		require.Equal(t, int64(7), env.ChatID)
		require.Equal(t, "hello", env.Text)
		require.Equal(t, "User", env.Sender)
		require.NotEmpty(t, env.ID)
		require.NotEmpty(t, env.Timestamp)
		_, err := time.Parse(time.RFC3339, env.Timestamp)
		require.NoError(t, err)
	}
}

func TestBroadcastScopedToChat(t *testing.T) {
	h := NewHub()
	c7 := newTestSubscriber(4)
	c9 := newTestSubscriber(4)
	h.Subscribe(c7, 7)
	h.Subscribe(c9, 9)

	h.Broadcast(7, Envelope{ContentType: "text", Text: "only chat 7", Sender: "User"})

	require.Len(t, c7.send, 1)
	require.Empty(t, c9.send)
}

func TestBroadcastPreservesProvidedIdentity(t *testing.T) {
	h := NewHub()
	c := newTestSubscriber(4)
	h.Subscribe(c, 7)

	h.Broadcast(7, Envelope{
		ID:          "42",
		ContentType: "text",
		Text:        "hi",
		Sender:      "Admin",
		Timestamp:   "2024-05-01T12:00:00Z",
	})

	env := receiveEnvelope(t, c)
	require.Equal(t, "42", env.ID)
	require.Equal(t, "2024-05-01T12:00:00Z", env.Timestamp)
}

func TestBroadcastEvictsFailedDeliveries(t *testing.T) {
	h := NewHub()
	healthy := newTestSubscriber(4)
	stalled := newTestSubscriber(0) // zero buffer, every send fails
	h.Subscribe(healthy, 7)
	h.Subscribe(stalled, 7)

	h.Broadcast(7, Envelope{ContentType: "text", Text: "hi", Sender: "User"})

	require.Len(t, healthy.send, 1)
	subs := h.Subscribers(7)
	require.Len(t, subs, 1)
	require.Same(t, healthy, subs[0])
	require.True(t, stalled.closed)
}

func TestBroadcastDropsEmptySetAfterEviction(t *testing.T) {
	h := NewHub()
	stalled := newTestSubscriber(0)
	h.Subscribe(stalled, 7)

	h.Broadcast(7, Envelope{ContentType: "text", Text: "hi", Sender: "User"})

	_, ok := h.chats[7]
	require.False(t, ok, "empty subscriber set must be removed")
}

func TestSubscribeIsIdempotent(t *testing.T) {
	h := NewHub()
	c := newTestSubscriber(4)
	h.Subscribe(c, 7)
	h.Subscribe(c, 7)

	require.Len(t, h.Subscribers(7), 1)

	h.Broadcast(7, Envelope{ContentType: "text", Text: "once", Sender: "User"})
	require.Len(t, c.send, 1)
}

func TestUnsubscribeRemovesEmptySet(t *testing.T) {
	h := NewHub()
	c := newTestSubscriber(4)
	h.Subscribe(c, 7)

	h.Unsubscribe(c, 7)
	require.Empty(t, h.Subscribers(7))
	_, ok := h.chats[7]
	require.False(t, ok)

	// Second unsubscribe is a no-op, not a double close.
	h.Unsubscribe(c, 7)
}

func TestBroadcastOrderPerSubscriber(t *testing.T) {
	h := NewHub()
	c := newTestSubscriber(8)
	h.Subscribe(c, 7)

	for _, text := range []string{"first", "second", "third"} {
		h.Broadcast(7, Envelope{ContentType: "text", Text: text, Sender: "User"})
	}

	for _, want := range []string{"first", "second", "third"} {
		env := receiveEnvelope(t, c)
		require.Equal(t, want, env.Text)
	}
}
