package ratelimit

import "sync/atomic"

// ConnectionLoopSettings holds the registry operations the connection loop
// may schedule in one pass. Every device actor of a simulation shares the
// same instance; NewLoop refills the budgets at the start of each pass.
type ConnectionLoopSettings struct {
	limiter       *Limiter
	fetches       atomic.Int64
	registrations atomic.Int64
	taggings      atomic.Int64
}

// NewConnectionLoopSettings creates settings with full budgets.
func NewConnectionLoopSettings(l *Limiter) *ConnectionLoopSettings {
	s := &ConnectionLoopSettings{limiter: l}
	s.NewLoop()

	return s
}

// NewLoop refills the budgets from the node's current share of the quotas.
// Fetches get a smaller share than registrations so that connecting devices
// keep priority.
func (s *ConnectionLoopSettings) NewLoop() {
	perMinute := s.limiter.RegistryOperationsPerMinute()
	s.fetches.Store(int64(max(1, perMinute/25)))
	s.registrations.Store(int64(max(1, perMinute/10)))
	s.taggings.Store(int64(max(1, s.limiter.TwinWritesPerSecond())))
}

// SchedulableFetches returns the fetches left in this pass.
func (s *ConnectionLoopSettings) SchedulableFetches() int64 { return s.fetches.Load() }

// SchedulableRegistrations returns the registrations left in this pass.
func (s *ConnectionLoopSettings) SchedulableRegistrations() int64 { return s.registrations.Load() }

// SchedulableTaggings returns the twin taggings left in this pass.
func (s *ConnectionLoopSettings) SchedulableTaggings() int64 { return s.taggings.Load() }

// TryTakeFetch consumes one fetch, reporting false when none is left.
func (s *ConnectionLoopSettings) TryTakeFetch() bool { return take(&s.fetches) }

// TryTakeRegistration consumes one registration.
func (s *ConnectionLoopSettings) TryTakeRegistration() bool { return take(&s.registrations) }

// TryTakeTagging consumes one twin tagging.
func (s *ConnectionLoopSettings) TryTakeTagging() bool { return take(&s.taggings) }

// PropertiesLoopSettings holds the twin updates the properties loop may
// schedule in one pass.
type PropertiesLoopSettings struct {
	limiter *Limiter
	updates atomic.Int64
}

// NewPropertiesLoopSettings creates settings with a full budget.
func NewPropertiesLoopSettings(l *Limiter) *PropertiesLoopSettings {
	s := &PropertiesLoopSettings{limiter: l}
	s.NewLoop()

	return s
}

// NewLoop refills the update budget.
func (s *PropertiesLoopSettings) NewLoop() {
	s.updates.Store(int64(max(1, s.limiter.TwinWritesPerSecond())))
}

// SchedulableUpdates returns the property updates left in this pass.
func (s *PropertiesLoopSettings) SchedulableUpdates() int64 { return s.updates.Load() }

// TryTakeUpdate consumes one property update.
func (s *PropertiesLoopSettings) TryTakeUpdate() bool { return take(&s.updates) }

func take(v *atomic.Int64) bool {
	for {
		cur := v.Load()
		if cur <= 0 {
			return false
		}
		if v.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}
