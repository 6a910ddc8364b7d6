// Package actormap provides the shared actor tables: actors grouped by
// simulation, then keyed by actor key.
package actormap

import (
	"sort"
	"sync"
)

// Map is safe for concurrent add, remove and iteration. Snapshots are
// copies, so callers may range over them while other goroutines mutate the
// map.
type Map[A any] struct {
	mu   sync.RWMutex
	sims map[string]map[string]A
}

// New returns an empty Map.
func New[A any]() *Map[A] {
	return &Map[A]{sims: make(map[string]map[string]A)}
}

// Add stores actor under key. It returns false and leaves the map unchanged
// if the key already exists for the simulation.
func (m *Map[A]) Add(simulationID, key string, actor A) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	actors, ok := m.sims[simulationID]
	if !ok {
		actors = make(map[string]A)
		m.sims[simulationID] = actors
	}
	if _, exists := actors[key]; exists {
		return false
	}
	actors[key] = actor

	return true
}

// Get returns the actor stored under key.
func (m *Map[A]) Get(simulationID, key string) (A, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.sims[simulationID][key]

	return a, ok
}

// Remove deletes key and returns the removed actor.
func (m *Map[A]) Remove(simulationID, key string) (A, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	actors := m.sims[simulationID]
	a, ok := actors[key]
	if !ok {
		return a, false
	}
	delete(actors, key)
	if len(actors) == 0 {
		delete(m.sims, simulationID)
	}

	return a, true
}

// RemoveSimulation deletes every actor of a simulation and returns them.
func (m *Map[A]) RemoveSimulation(simulationID string) []A {
	m.mu.Lock()
	actors := m.sims[simulationID]
	delete(m.sims, simulationID)
	m.mu.Unlock()

	out := make([]A, 0, len(actors))
	for _, k := range sortedKeys(actors) {
		out = append(out, actors[k])
	}

	return out
}

// Snapshot returns every actor ordered by simulation then key.
func (m *Map[A]) Snapshot() []A {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []A
	for _, sim := range sortedKeys(m.sims) {
		actors := m.sims[sim]
		for _, k := range sortedKeys(actors) {
			out = append(out, actors[k])
		}
	}

	return out
}

// SimulationSnapshot returns the actors of one simulation ordered by key.
func (m *Map[A]) SimulationSnapshot(simulationID string) []A {
	m.mu.RLock()
	defer m.mu.RUnlock()

	actors := m.sims[simulationID]
	out := make([]A, 0, len(actors))
	for _, k := range sortedKeys(actors) {
		out = append(out, actors[k])
	}

	return out
}

// Keys returns the actor keys of one simulation, sorted.
func (m *Map[A]) Keys(simulationID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedKeys(m.sims[simulationID])
}

// Len returns the number of actors across all simulations.
func (m *Map[A]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, actors := range m.sims {
		n += len(actors)
	}

	return n
}

// SimulationLen returns the number of actors of one simulation.
func (m *Map[A]) SimulationLen(simulationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sims[simulationID])
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
