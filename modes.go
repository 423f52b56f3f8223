package replaycache

import "sync"

// Modes is the live toggle surface. Each flag can be flipped at any time
// by an external controller (admin endpoint, UI key-binding); the router
// reads a snapshot at the start of every request.
type Modes struct {
	mu           sync.RWMutex
	bypassCache  bool
	overrideMode bool
	skipRemote   bool
}

// ModeSnapshot is a consistent read of all three flags.
type ModeSnapshot struct {
	BypassCache  bool `json:"bypassCache"`
	OverrideMode bool `json:"overrideMode"`
	SkipRemote   bool `json:"skipRemote"`
}

func (m *Modes) Snapshot() ModeSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ModeSnapshot{
		BypassCache:  m.bypassCache,
		OverrideMode: m.overrideMode,
		SkipRemote:   m.skipRemote,
	}
}

func (m *Modes) SetBypassCache(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bypassCache = on
}

func (m *Modes) SetOverrideMode(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrideMode = on
}

func (m *Modes) SetSkipRemote(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipRemote = on
}
