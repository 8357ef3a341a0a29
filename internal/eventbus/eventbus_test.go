package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndEmit(t *testing.T) {
	b := New(nil, 4)
	sub := b.Subscribe()

	b.Emit(PeerConnected, map[string]any{"peer_id": "abc"})

	select {
	case evt := <-sub.Events:
		assert.Equal(t, PeerConnected, evt.Kind)
		assert.Equal(t, "abc", evt.Payload["peer_id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestOverflowDropsRatherThanBlocks(t *testing.T) {
	b := New(nil, 2)
	sub := b.Subscribe()

	for i := 0; i < 10; i++ {
		b.Emit(NetworkError, nil)
	}

	// Draining should only yield the queue depth worth of events; the
	// rest were dropped, not queued indefinitely.
	count := 0
drain:
	for {
		select {
		case <-sub.Events:
			count++
		default:
			break drain
		}
	}
	assert.Equal(t, 2, count)
}

func TestMultipleSubscribersIndependent(t *testing.T) {
	b := New(nil, 4)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	sub2.Unsubscribe()

	b.Emit(KeyRotated, nil)

	select {
	case <-sub1.Events:
	case <-time.After(time.Second):
		t.Fatal("sub1 did not receive event")
	}

	_, ok := <-sub2.Events
	assert.False(t, ok, "unsubscribed channel should be closed")
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := New(nil, 1)
	sub := b.Subscribe()
	b.Close()

	_, ok := <-sub.Events
	require.False(t, ok)
}
