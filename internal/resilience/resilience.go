// Package resilience implements per-peer scoring, blacklisting, and
// jittered exponential-backoff reconnection scheduling (spec.md §4.7).
package resilience

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

const (
	defaultInitialDelay  = 1 * time.Second
	defaultMultiplier    = 2.0
	defaultMaxDelay      = 300 * time.Second
	defaultMaxAttempts   = 10
	minScoreForRetry     = 0.1
	blacklistDuration    = 86400 * time.Second
	janitorInterval      = 60 * time.Second
)

// Policy overrides the default backoff parameters and admission rules.
// A nil ShouldRetry uses the built-in min-score gate.
type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
	Jitter       bool
	ShouldRetry  func(peerID string, score float64) bool
}

// DefaultPolicy matches spec.md §4.7's defaults, with jitter enabled.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: defaultInitialDelay,
		Multiplier:   defaultMultiplier,
		MaxDelay:     defaultMaxDelay,
		MaxAttempts:  defaultMaxAttempts,
		Jitter:       true,
	}
}

// Score is a peer's current health snapshot.
type Score struct {
	ConnAttempts     int
	ConnSuccesses    int
	TransferAttempts int
	TransferSuccesses int
	MeanRTTMillis    float64
	UptimeFraction   float64
	LastSeen         time.Time
}

func (s Score) connRate() float64 {
	if s.ConnAttempts == 0 {
		return 1.0
	}
	return float64(s.ConnSuccesses) / float64(s.ConnAttempts)
}

func (s Score) transferRate() float64 {
	if s.TransferAttempts == 0 {
		return 1.0
	}
	return float64(s.TransferSuccesses) / float64(s.TransferAttempts)
}

func (s Score) latencyScore() float64 {
	v := 1 - s.MeanRTTMillis/1000
	if v < 0 {
		return 0
	}
	return v
}

// Overall computes the weighted composite score from spec.md §4.7:
// 0.3*conn + 0.3*xfer + 0.2*latency + 0.2*uptime, clamped to [0,1].
func (s Score) Overall() float64 {
	v := 0.3*s.connRate() + 0.3*s.transferRate() + 0.2*s.latencyScore() + 0.2*s.UptimeFraction
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// shouldBlacklist evaluates the three blacklist trigger conditions.
func (s Score) shouldBlacklist(now time.Time) bool {
	if s.ConnAttempts >= 10 && s.connRate() < 0.1 {
		return true
	}
	if s.TransferAttempts >= 5 && s.transferRate() < 0.2 {
		return true
	}
	if !s.LastSeen.IsZero() && now.Sub(s.LastSeen) > 86400*time.Second {
		return true
	}
	return false
}

type blacklistEntry struct {
	enteredAt time.Time
}

type reconnectTask struct {
	peerID string
	done   bool
	cancel context.CancelFunc
}

// Controller tracks per-peer scores, blacklist entries, and scheduled
// reconnection tasks. Grounded on the teacher's ControllerClient.Run
// reconnect loop (internal/agent/controller.go), generalized from one
// controller connection to an arbitrary number of concurrently tracked
// peers.
type Controller struct {
	mu        sync.Mutex
	log       *slog.Logger
	policy    Policy
	scores    map[string]*Score
	blacklist map[string]blacklistEntry
	tasks     map[string]*reconnectTask

	reconnectFn func(ctx context.Context, peerID string) error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Controller. reconnectFn is invoked by the scheduler
// when a backoff timer fires; it should attempt one connection and
// return its outcome.
func New(log *slog.Logger, policy Policy, reconnectFn func(ctx context.Context, peerID string) error) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if policy.InitialDelay == 0 {
		policy = DefaultPolicy()
	}
	return &Controller{
		log:         log.With("component", "resilience"),
		policy:      policy,
		scores:      make(map[string]*Score),
		blacklist:   make(map[string]blacklistEntry),
		tasks:       make(map[string]*reconnectTask),
		reconnectFn: reconnectFn,
	}
}

// Start launches the 60s janitor that prunes completed reconnection
// tasks and expired blacklist entries.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.janitorLoop(ctx)
}

// Stop cancels the janitor and any pending reconnection timers.
func (c *Controller) Stop() {
	c.mu.Lock()
	for _, t := range c.tasks {
		if t.cancel != nil {
			t.cancel()
		}
	}
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Controller) scoreFor(peerID string) *Score {
	s, ok := c.scores[peerID]
	if !ok {
		s = &Score{}
		c.scores[peerID] = s
	}
	return s
}

// RecordConnectionAttempt updates a peer's connection success rate and
// last-seen time, then re-evaluates blacklist conditions.
func (c *Controller) RecordConnectionAttempt(peerID string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.scoreFor(peerID)
	s.ConnAttempts++
	if success {
		s.ConnSuccesses++
		s.LastSeen = time.Now()
	}
	c.reevaluateBlacklist(peerID, s)
}

// RecordTransferAttempt updates a peer's transfer success rate.
func (c *Controller) RecordTransferAttempt(peerID string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.scoreFor(peerID)
	s.TransferAttempts++
	if success {
		s.TransferSuccesses++
	}
	c.reevaluateBlacklist(peerID, s)
}

// RecordRTT folds a new round-trip sample into the mean used for the
// latency score. Uses a simple exponential moving average.
func (c *Controller) RecordRTT(peerID string, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.scoreFor(peerID)
	ms := float64(rtt.Milliseconds())
	if s.MeanRTTMillis == 0 {
		s.MeanRTTMillis = ms
	} else {
		s.MeanRTTMillis = 0.8*s.MeanRTTMillis + 0.2*ms
	}
}

// SetUptimeFraction records the peer's observed uptime fraction.
func (c *Controller) SetUptimeFraction(peerID string, fraction float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scoreFor(peerID).UptimeFraction = fraction
}

func (c *Controller) reevaluateBlacklist(peerID string, s *Score) {
	now := time.Now()
	if s.shouldBlacklist(now) {
		if _, already := c.blacklist[peerID]; !already {
			c.blacklist[peerID] = blacklistEntry{enteredAt: now}
			c.log.Warn("peer blacklisted", "peer_id", peerID, "score", s.Overall())
		}
	}
}

// Score returns the current composite score for a peer.
func (c *Controller) Score(peerID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scoreFor(peerID).Overall()
}

// IsBlacklisted reports whether peerID currently carries an unexpired
// blacklist entry.
func (c *Controller) IsBlacklisted(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isBlacklistedLocked(peerID)
}

// isBlacklistedLocked is IsBlacklisted's body for callers already holding
// c.mu, matching the scoreFor/reevaluateBlacklist unlocked-helper pattern.
func (c *Controller) isBlacklistedLocked(peerID string) bool {
	entry, ok := c.blacklist[peerID]
	if !ok {
		return false
	}
	return time.Since(entry.enteredAt) <= blacklistDuration
}

// ScheduleReconnect starts (or restarts) a jittered exponential-backoff
// reconnection loop for peerID, skipping blacklisted or low-scoring
// peers unless the policy's ShouldRetry callback overrides.
func (c *Controller) ScheduleReconnect(ctx context.Context, peerID string) {
	c.mu.Lock()
	if c.isBlacklistedLocked(peerID) {
		c.mu.Unlock()
		c.log.Debug("skipping reconnect for blacklisted peer", "peer_id", peerID)
		return
	}
	score := c.scoreFor(peerID).Overall()
	allowed := score >= minScoreForRetry
	if !allowed && c.policy.ShouldRetry != nil {
		allowed = c.policy.ShouldRetry(peerID, score)
	}
	if !allowed {
		c.mu.Unlock()
		c.log.Debug("skipping reconnect, score below threshold", "peer_id", peerID, "score", score)
		return
	}
	if existing, ok := c.tasks[peerID]; ok && !existing.done {
		c.mu.Unlock()
		return // already scheduled
	}
	taskCtx, cancel := context.WithCancel(ctx)
	task := &reconnectTask{peerID: peerID, cancel: cancel}
	c.tasks[peerID] = task
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runReconnectLoop(taskCtx, task)
}

func (c *Controller) runReconnectLoop(ctx context.Context, task *reconnectTask) {
	defer c.wg.Done()
	delay := c.policy.InitialDelay

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			c.finishTask(task)
			return
		default:
		}

		wait := delay
		if c.policy.Jitter {
			wait = jitter(delay)
		}

		select {
		case <-ctx.Done():
			c.finishTask(task)
			return
		case <-time.After(wait):
		}

		err := c.reconnectFn(ctx, task.peerID)
		c.RecordConnectionAttempt(task.peerID, err == nil)
		if err == nil {
			c.log.Info("reconnected", "peer_id", task.peerID, "attempt", attempt)
			c.finishTask(task)
			return
		}
		delay = time.Duration(float64(delay) * c.policy.Multiplier)
		if delay > c.policy.MaxDelay {
			delay = c.policy.MaxDelay
		}
		c.log.Warn("reconnect attempt failed", "peer_id", task.peerID, "attempt", attempt, "err", err, "next_delay", delay)

		if c.IsBlacklisted(task.peerID) {
			c.log.Warn("peer blacklisted mid-retry, aborting", "peer_id", task.peerID)
			c.finishTask(task)
			return
		}
	}
	c.log.Warn("reconnect attempts exhausted", "peer_id", task.peerID, "max_attempts", c.policy.MaxAttempts)
	c.finishTask(task)
}

func (c *Controller) finishTask(task *reconnectTask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task.done = true
}

// jitter multiplies d by a uniform random factor in [0.75, 1.25].
func jitter(d time.Duration) time.Duration {
	factor := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}

func (c *Controller) janitorLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.prune()
		}
	}
}

func (c *Controller) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for id, entry := range c.blacklist {
		if now.Sub(entry.enteredAt) > blacklistDuration {
			delete(c.blacklist, id)
			c.log.Debug("blacklist entry expired", "peer_id", id)
		}
	}
	for id, t := range c.tasks {
		if t.done {
			delete(c.tasks, id)
		}
	}
}
