// Package ratelimit throttles registry, twin, connection and message
// operations so that the whole cluster stays inside the simulation quotas.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/arloliu/devicesim/model"
)

// Limiter tracks one token bucket per operation class plus a daily message cap.
//
// Quotas are global; each node receives 1/clusterSize of them, so the pause
// returned for an operation grows as nodes join. Limiter is safe for
// concurrent use.
type Limiter struct {
	limits      model.RateLimits
	clusterSize atomic.Int64
	now         func() time.Time

	registry    *rate.Limiter
	twinReads   *rate.Limiter
	twinWrites  *rate.Limiter
	connections *rate.Limiter
	messages    *rate.Limiter

	dailyMu    sync.Mutex
	dailyCount int64
	dailyDay   time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter for a single-node cluster.
func New(limits model.RateLimits, opts ...Option) *Limiter {
	l := &Limiter{
		limits: limits.WithDefaults(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.clusterSize.Store(1)

	l.registry = rate.NewLimiter(l.registryRate(1), 1)
	l.twinReads = rate.NewLimiter(perSecond(l.limits.TwinReadsPerSecond, 1), 1)
	l.twinWrites = rate.NewLimiter(perSecond(l.limits.TwinWritesPerSecond, 1), 1)
	l.connections = rate.NewLimiter(perSecond(l.limits.ConnectionsPerSecond, 1), 1)
	l.messages = rate.NewLimiter(perSecond(l.limits.DeviceMessagesPerSecond, 1), 1)
	l.dailyDay = dayOf(l.now())

	return l
}

// Limits returns the global quotas with defaults applied.
func (l *Limiter) Limits() model.RateLimits {
	return l.limits
}

// ClusterSize returns the node count the quotas are currently divided by.
func (l *Limiter) ClusterSize() int {
	return int(l.clusterSize.Load())
}

// ChangeClusterSize divides the global quotas among n nodes. Values below 1
// are treated as 1.
func (l *Limiter) ChangeClusterSize(n int) {
	if n < 1 {
		n = 1
	}
	if int(l.clusterSize.Swap(int64(n))) == n {
		return
	}

	now := l.now()
	l.registry.SetLimitAt(now, l.registryRate(n))
	l.twinReads.SetLimitAt(now, perSecond(l.limits.TwinReadsPerSecond, n))
	l.twinWrites.SetLimitAt(now, perSecond(l.limits.TwinWritesPerSecond, n))
	l.connections.SetLimitAt(now, perSecond(l.limits.ConnectionsPerSecond, n))
	l.messages.SetLimitAt(now, perSecond(l.limits.DeviceMessagesPerSecond, n))
}

// PauseForNextRegistryOperation reserves a registry slot and returns how long
// to wait before using it.
func (l *Limiter) PauseForNextRegistryOperation() time.Duration {
	return l.reserve(l.registry)
}

// PauseForNextTwinRead reserves a twin read slot.
func (l *Limiter) PauseForNextTwinRead() time.Duration {
	return l.reserve(l.twinReads)
}

// PauseForNextTwinWrite reserves a twin write slot.
func (l *Limiter) PauseForNextTwinWrite() time.Duration {
	return l.reserve(l.twinWrites)
}

// PauseForNextConnection reserves a connection slot.
func (l *Limiter) PauseForNextConnection() time.Duration {
	return l.reserve(l.connections)
}

// PauseForNextMessage reserves a message slot. When the node's share of the
// daily cap is used up, the pause lasts until the next UTC day.
func (l *Limiter) PauseForNextMessage() time.Duration {
	wait, _ := l.ReserveMessage()

	return wait
}

// ReserveMessage is PauseForNextMessage that also reports whether a slot was
// reserved. ok is false when the daily cap is reached; nothing is reserved
// then and wait lasts until the next UTC day.
func (l *Limiter) ReserveMessage() (wait time.Duration, ok bool) {
	now := l.now()
	if wait, ok := l.takeDaily(now); !ok {
		return wait, false
	}

	return l.messages.ReserveN(now, 1).DelayFrom(now), true
}

// MessagesSentToday returns the messages counted against the daily cap.
func (l *Limiter) MessagesSentToday() int64 {
	l.dailyMu.Lock()
	defer l.dailyMu.Unlock()

	return l.dailyCount
}

// ResetCounters clears the daily message counter.
func (l *Limiter) ResetCounters() {
	l.dailyMu.Lock()
	l.dailyCount = 0
	l.dailyDay = dayOf(l.now())
	l.dailyMu.Unlock()
}

// RegistryOperationsPerMinute returns this node's share of the registry quota.
func (l *Limiter) RegistryOperationsPerMinute() int {
	return share(l.limits.RegistryOperationsPerMinute, l.ClusterSize())
}

// TwinWritesPerSecond returns this node's share of the twin write quota.
func (l *Limiter) TwinWritesPerSecond() int {
	return share(l.limits.TwinWritesPerSecond, l.ClusterSize())
}

func (l *Limiter) reserve(b *rate.Limiter) time.Duration {
	now := l.now()

	return b.ReserveN(now, 1).DelayFrom(now)
}

func (l *Limiter) takeDaily(now time.Time) (time.Duration, bool) {
	if l.limits.DeviceMessagesPerDay <= 0 {
		return 0, true
	}

	l.dailyMu.Lock()
	defer l.dailyMu.Unlock()

	today := dayOf(now)
	if today.After(l.dailyDay) {
		l.dailyDay = today
		l.dailyCount = 0
	}

	quota := int64(share(l.limits.DeviceMessagesPerDay, l.ClusterSize()))
	if l.dailyCount >= quota {
		return today.Add(24 * time.Hour).Sub(now), false
	}
	l.dailyCount++

	return 0, true
}

func (l *Limiter) registryRate(n int) rate.Limit {
	return rate.Limit(float64(l.limits.RegistryOperationsPerMinute) / 60 / float64(n))
}

func perSecond(v, n int) rate.Limit {
	return rate.Limit(float64(v) / float64(n))
}

func share(v, n int) int {
	if n < 1 {
		n = 1
	}

	return max(1, v/n)
}

func dayOf(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
