package parallel

import "sync"

// StateSet remembers prediction fingerprints seen at one accuracy level.
// Moving to another level forgets everything, so a hit means the model came
// back to predictions it already produced without improving.
type StateSet struct {
	mu    sync.RWMutex
	set   map[[32]byte]int
	level byte
}

func NewStateSet() *StateSet {
	return &StateSet{set: make(map[[32]byte]int)}
}

// Insert records state at level under the given tag (usually an epoch) and
// returns the tag it was first seen with, or -1.
func (m *StateSet) Insert(state [32]byte, level byte, tag int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.level != level {
		m.set = make(map[[32]byte]int)
		m.level = level
	}
	if first, ok := m.set[state]; ok {
		return first
	}
	m.set[state] = tag
	return -1
}

func (m *StateSet) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.set)
}
