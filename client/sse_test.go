package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/realtime"
)

func TestSubscribeStreamsDecodedEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/threads/srv-1/events", r.URL.Path)
		require.Equal(t, "channel-token", r.URL.Query().Get("token"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, "data: {\"type\":\"message.received\",\"data\":{\"threadIdentifier\":\"srv-1\",\"conversations\":[{\"id\":\"m1\",\"message\":\"hi\"}]}}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"type\":\"thread.updated\",\"data\":{\"thread\":{\"identifier\":\"srv-1\",\"state\":\"resolved\"}}}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	c := New(server.URL, "session-token")
	sub, err := c.Subscribe(context.Background(), "srv-1", "channel-token")
	require.NoError(t, err)
	defer sub.Close()

	first := receiveEvent(t, sub)
	received, ok := first.(realtime.MessageReceived)
	require.True(t, ok)
	require.Equal(t, "srv-1", received.ThreadIdentifier)
	require.Len(t, received.Conversations, 1)

	// the malformed frame is dropped, the next valid one comes through
	second := receiveEvent(t, sub)
	updated, ok := second.(realtime.ThreadUpdated)
	require.True(t, ok)
	require.Equal(t, "resolved", updated.Thread.State)
}

func TestSubscribeRejectedByServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"INVALID_TOKEN","error":"channel token rejected"}`))
	}))
	defer server.Close()

	c := New(server.URL, "session-token")
	_, err := c.Subscribe(context.Background(), "srv-1", "stale")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "INVALID_TOKEN", apiErr.Code)
}

func TestSubscriptionClosesWhenServerDrops(t *testing.T) {
	gone := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-gone
	}))

	c := New(server.URL, "session-token")
	sub, err := c.Subscribe(context.Background(), "srv-1", "channel-token")
	require.NoError(t, err)

	close(gone)
	server.Close()

	select {
	case _, open := <-sub.Events():
		require.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel never closed after server drop")
	}
}

func receiveEvent(t *testing.T, sub realtime.Subscription) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "events channel closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}
