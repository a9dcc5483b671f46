package services

import (
	"sync"
	"time"

	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
)

// Watchdog records liveness of long running flash loops
type Watchdog struct {
	mu       sync.Mutex
	lastFeed time.Time
	feeds    uint64
	active   int
	now      func() time.Time
}

// WatchdogStatus is a point in time view of the watchdog
type WatchdogStatus struct {
	LastFeed    time.Time `json:"last_feed"`
	Feeds       uint64    `json:"feeds"`
	ActiveLoops int       `json:"active_loops"`
	Stalled     bool      `json:"stalled"`
}

// Compile-time check
var _ interfaces.Watchdog = (*Watchdog)(nil)

// NewWatchdog creates a watchdog fed at creation time
func NewWatchdog() *Watchdog {
	return &Watchdog{lastFeed: time.Now(), now: time.Now}
}

// Feed resets the watchdog
func (w *Watchdog) Feed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFeed = w.now()
	w.feeds++
}

// Enter marks the start of a loop that must keep feeding the watchdog
func (w *Watchdog) Enter() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active++
	w.lastFeed = w.now()
}

// Leave marks the end of a loop started with Enter
func (w *Watchdog) Leave() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active > 0 {
		w.active--
	}
}

// Status reports whether an active loop has gone longer than threshold without feeding
func (w *Watchdog) Status(threshold time.Duration) WatchdogStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WatchdogStatus{
		LastFeed:    w.lastFeed,
		Feeds:       w.feeds,
		ActiveLoops: w.active,
		Stalled:     w.active > 0 && w.now().Sub(w.lastFeed) > threshold,
	}
}
