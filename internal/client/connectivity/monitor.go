package connectivity

import (
	"sync"
	"time"
)

// Monitor holds the client's binary online/offline state. Write paths read
// the flag to pick the local-queue branch; the offline-to-online edge is the
// single trigger for a sync run.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	lastFire  time.Time
	trailing  bool
	callbacks []func()

	// CoalesceWindow bounds how often online edges start sync runs. An edge
	// inside the window is not lost: it is consolidated into one trailing
	// run at the end of the window, so a flapping interface costs at most
	// one extra run and mutations queued during a brief dip still replay.
	CoalesceWindow time.Duration
	Now            func() time.Time
}

// NewMonitor starts offline; the first SetOnline(true) fires the callbacks.
func NewMonitor() *Monitor {
	return &Monitor{
		CoalesceWindow: 2 * time.Second,
		Now:            time.Now,
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers fn to run on each offline-to-online transition.
// Callbacks run synchronously on the goroutine calling SetOnline.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// SetOnline records the platform's connectivity signal. Going offline only
// flips the flag; coming online fires the callbacks. An edge landing inside
// the coalesce window defers its run to the end of the window instead of
// firing immediately.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online

	fire := false
	if online && !wasOnline {
		now := m.Now()
		switch {
		case m.lastFire.IsZero() || now.Sub(m.lastFire) >= m.CoalesceWindow:
			m.lastFire = now
			fire = true
		case !m.trailing:
			m.trailing = true
			time.AfterFunc(m.CoalesceWindow-now.Sub(m.lastFire), m.fireTrailing)
		}
	}
	callbacks := m.callbacks
	m.mu.Unlock()

	if fire {
		for _, fn := range callbacks {
			fn()
		}
	}
}

// fireTrailing runs the consolidated sync for edges that landed inside the
// coalesce window. Skipped if the client went offline again in the meantime;
// the next online edge starts over.
func (m *Monitor) fireTrailing() {
	m.mu.Lock()
	m.trailing = false
	if !m.online {
		m.mu.Unlock()
		return
	}
	m.lastFire = m.Now()
	callbacks := m.callbacks
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}
