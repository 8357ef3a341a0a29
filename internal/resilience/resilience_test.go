package resilience

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func TestScoreOverall(t *testing.T) {
	s := Score{
		ConnAttempts:      10,
		ConnSuccesses:     10,
		TransferAttempts:  5,
		TransferSuccesses: 5,
		MeanRTTMillis:     0,
		UptimeFraction:    1,
	}
	assert.InDelta(t, 1.0, s.Overall(), 1e-9)

	zero := Score{}
	assert.InDelta(t, 0.8, zero.Overall(), 1e-9) // no attempts => rates default to 1.0, uptime 0
}

func TestScoreBlacklistConditions(t *testing.T) {
	now := time.Now()

	lowConn := Score{ConnAttempts: 10, ConnSuccesses: 0}
	assert.True(t, lowConn.shouldBlacklist(now))

	lowXfer := Score{TransferAttempts: 5, TransferSuccesses: 0}
	assert.True(t, lowXfer.shouldBlacklist(now))

	stale := Score{LastSeen: now.Add(-90000 * time.Second)}
	assert.True(t, stale.shouldBlacklist(now))

	healthy := Score{ConnAttempts: 10, ConnSuccesses: 9, LastSeen: now}
	assert.False(t, healthy.shouldBlacklist(now))
}

func TestControllerBlacklistAndExpiry(t *testing.T) {
	c := New(discardLogger(), DefaultPolicy(), nil)
	for i := 0; i < 10; i++ {
		c.RecordConnectionAttempt("peer-a", false)
	}
	assert.True(t, c.IsBlacklisted("peer-a"))

	c.mu.Lock()
	c.blacklist["peer-a"] = blacklistEntry{enteredAt: time.Now().Add(-2 * blacklistDuration)}
	c.mu.Unlock()
	assert.False(t, c.IsBlacklisted("peer-a"))
}

func TestScheduleReconnectSucceedsEventually(t *testing.T) {
	attempts := 0
	succeedOn := 3
	reconnectFn := func(ctx context.Context, peerID string) error {
		attempts++
		if attempts >= succeedOn {
			return nil
		}
		return assert.AnError
	}

	policy := DefaultPolicy()
	policy.InitialDelay = 1 * time.Millisecond
	policy.MaxDelay = 5 * time.Millisecond
	policy.Jitter = false

	c := New(discardLogger(), policy, reconnectFn)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c.ScheduleReconnect(ctx, "peer-b")
	require.Eventually(t, func() bool {
		return attempts >= succeedOn
	}, 500*time.Millisecond, 2*time.Millisecond)

	c.Stop()
}

func TestScheduleReconnectSkipsBlacklisted(t *testing.T) {
	called := false
	c := New(discardLogger(), DefaultPolicy(), func(ctx context.Context, peerID string) error {
		called = true
		return nil
	})
	c.mu.Lock()
	c.blacklist["peer-c"] = blacklistEntry{enteredAt: time.Now()}
	c.mu.Unlock()

	c.ScheduleReconnect(context.Background(), "peer-c")
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called)
}

func TestJitterWithinBounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		j := jitter(d)
		assert.GreaterOrEqual(t, j, time.Duration(float64(d)*0.75))
		assert.LessOrEqual(t, j, time.Duration(float64(d)*1.25))
	}
}
