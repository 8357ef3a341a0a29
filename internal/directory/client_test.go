package directory

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTPServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	s := newTestServer(t)
	httpSrv := httptest.NewServer(s.router)
	t.Cleanup(httpSrv.Close)
	return httpSrv, s
}

func TestClientRegisterThenFind(t *testing.T) {
	httpSrv, _ := newTestHTTPServer(t)
	client := NewClient(httpSrv.URL, nil)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, "peer-x", "198.51.100.1", 5000))

	rec, err := client.Find(ctx, "peer-x")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "peer-x", rec.PeerID)
	assert.Equal(t, "198.51.100.1", rec.Address)
	assert.Equal(t, 5000, rec.Port)
}

func TestClientFindReturnsNilForUnknownPeer(t *testing.T) {
	httpSrv, _ := newTestHTTPServer(t)
	client := NewClient(httpSrv.URL, nil)

	rec, err := client.Find(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestClientWatchReceivesRegistrationEvent(t *testing.T) {
	httpSrv, s := newTestHTTPServer(t)
	client := NewClient(httpSrv.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan PeerEvent, 4)
	go client.Watch(ctx, func(ev PeerEvent) { events <- ev })

	// Give the watcher a moment to connect before triggering the event.
	deadline := time.Now().Add(2 * time.Second)
	for s.watch.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, s.watch.Count())

	require.NoError(t, client.Register(context.Background(), "peer-watched", "203.0.113.9", 9999))

	select {
	case ev := <-events:
		assert.Equal(t, "registered", ev.Type)
		assert.Equal(t, "peer-watched", ev.PeerID)
		assert.Equal(t, "203.0.113.9", ev.Address)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer event")
	}
}
