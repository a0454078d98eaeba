// Package scoretable maintains the per-IP sliding-window violation
// counters that decide when a scored classification escalates into a
// ban: a mutex-guarded map plus a periodic sweep that expires entries
// whose window has elapsed.
package scoretable

import (
	"sync"
	"time"

	"github.com/muhamadyani/nginx-sentinel/pkg/config"
	"github.com/muhamadyani/nginx-sentinel/pkg/models"
)

type entry struct {
	firstSeen time.Time
	lastSeen  time.Time
	count     uint32
	banned    bool
}

// ScoreTable tracks violation counts per source IP within a sliding
// window and decides when a ban should be emitted.
type ScoreTable struct {
	mu      sync.Mutex
	entries map[string]*entry
	store   *config.Store
}

// New creates a ScoreTable that reads the active window/threshold and
// whitelist from store on every call.
func New(store *config.Store) *ScoreTable {
	return &ScoreTable{
		entries: make(map[string]*entry),
		store:   store,
	}
}

// Record applies one scored violation from ip observed at now and
// returns whether it should trigger a ban.
//
//  1. Whitelisted IPs never score.
//  2. An existing entry older than window_seconds resets as if newly
//     created (the sliding-window reset).
//  3. Otherwise the entry's count increments.
//  4. Reaching max_retries bans and removes the entry; a later
//     violation from the same IP starts a new entry with count 1.
func (t *ScoreTable) Record(ip string, now time.Time) models.Decision {
	cfg := t.store.Snapshot()
	if _, whitelisted := cfg.Compiled.Whitelist[ip]; whitelisted {
		return models.DecisionNoop
	}

	window := time.Duration(cfg.WindowSeconds) * time.Second

	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[ip]
	if !exists || now.Sub(e.firstSeen) > window {
		e = &entry{firstSeen: now, lastSeen: now, count: 1}
		t.entries[ip] = e
	} else {
		e.count++
		e.lastSeen = now
	}

	if int(e.count) >= cfg.MaxRetries {
		e.banned = true
		delete(t.entries, ip)
		return models.DecisionBan
	}
	return models.DecisionNoop
}

// ForceBan is used by the instant-ban path: it bypasses the counter
// entirely but still respects the whitelist.
func (t *ScoreTable) ForceBan(ip string) models.Decision {
	cfg := t.store.Snapshot()
	if _, whitelisted := cfg.Compiled.Whitelist[ip]; whitelisted {
		return models.DecisionNoop
	}

	t.mu.Lock()
	delete(t.entries, ip)
	t.mu.Unlock()

	return models.DecisionBan
}

// Sweep purges entries whose window has lapsed without further hits.
// It is an optimisation, not a correctness requirement — Record's own
// staleness check (step 2 above) is what actually enforces the sliding
// window.
func (t *ScoreTable) Sweep(now time.Time) int {
	cfg := t.store.Snapshot()
	window := time.Duration(cfg.WindowSeconds) * time.Second

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for ip, e := range t.entries {
		if e.banned {
			continue
		}
		if now.Sub(e.firstSeen) > window {
			delete(t.entries, ip)
			removed++
		}
	}
	return removed
}

// Len reports the number of IPs currently under active observation.
// Exposed for tests and metrics.
func (t *ScoreTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// RunSweeper sweeps expired entries on a fixed interval until done is
// closed. Intended to run in its own goroutine.
func (t *ScoreTable) RunSweeper(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.Sweep(time.Now())
		}
	}
}
