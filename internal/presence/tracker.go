// Package presence keeps the in-memory liveness view of the device fleet.
//
// Entries are created lazily on first observation and live for the process
// lifetime. "We asked" (query time) and "it answered" (response time) are
// tracked separately so a device that goes silent without a clean disconnect
// is still detected.
package presence

import (
	"sync"
	"time"
)

type deviceState struct {
	isOnline     bool
	lastResponse time.Time // zero means never answered
	lastQuery    time.Time // zero means never probed
}

// Tracker is safe for concurrent use; one mutex covers the whole map, so all
// operations linearize. A full sweep scan holds the lock briefly, which is
// fine for a small fixed roster.
type Tracker struct {
	mu        sync.Mutex
	devices   map[string]*deviceState
	staleness time.Duration

	now func() time.Time // test hook
}

// New creates a tracker. staleness is the silence window after which a
// device counts as offline (default 60s when <= 0).
func New(staleness time.Duration) *Tracker {
	if staleness <= 0 {
		staleness = 60 * time.Second
	}
	return &Tracker{
		devices:   make(map[string]*deviceState),
		staleness: staleness,
		now:       time.Now,
	}
}

func (t *Tracker) upsert(device string) *deviceState {
	st := t.devices[device]
	if st == nil {
		st = &deviceState{}
		t.devices[device] = st
	}
	return st
}

// RecordQueryTime stamps the probe time for a device. It does not touch the
// online flag.
func (t *Tracker) RecordQueryTime(device string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upsert(device).lastQuery = t.now()
}

// UpdateStatus sets the online flag and stamps the response time.
func (t *Tracker) UpdateStatus(device string, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.upsert(device)
	st.isOnline = online
	st.lastResponse = t.now()
}

// FindAllOfflineDevices returns every device that has never answered, or
// whose last answer is older than the staleness window. Read-only.
func (t *Tracker) FindAllOfflineDevices() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var offline []string
	for device, st := range t.devices {
		if st.lastResponse.IsZero() || now.Sub(st.lastResponse) > t.staleness {
			offline = append(offline, device)
		}
	}
	return offline
}

// IsOnline reports the current flag for a device; false for unknown devices.
func (t *Tracker) IsOnline(device string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.devices[device]
	return st != nil && st.isOnline
}
