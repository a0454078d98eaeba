// Package alerter posts ban events to an operator-configured webhook,
// suppressing repeats per IP within a cooldown window. Cooldown state
// is rehydrated from recent ban history on startup so a restart does
// not immediately re-notify for IPs banned just before it.
package alerter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muhamadyani/nginx-sentinel/pkg/config"
	"github.com/muhamadyani/nginx-sentinel/pkg/models"
)

// recentBanSource is the subset of EventSink the notifier needs to
// rehydrate its cooldown state; keeping it as a narrow interface lets
// tests supply a fake without pulling in database/sql.
type recentBanSource interface {
	RecentBans(ctx context.Context, since time.Time) ([]models.BanEvent, error)
}

// Notifier posts a JSON payload to a webhook for every ban decision
// that isn't currently in cooldown for its IP.
type Notifier struct {
	webhookURL string
	cooldown   time.Duration
	client     *http.Client

	mu      sync.RWMutex
	history map[string]time.Time

	log *zap.SugaredLogger
}

// New creates a Notifier. If sink is non-nil and a webhook URL is
// configured, recent ban history is
// loaded from it so a restart doesn't cause a burst of repeat alerts
// for IPs already notified within the cooldown window.
func New(cfg config.WebhookConfig, sink recentBanSource, log *zap.SugaredLogger) *Notifier {
	n := &Notifier{
		webhookURL: cfg.URL,
		cooldown:   time.Duration(cfg.CooldownSeconds) * time.Second,
		client:     &http.Client{Timeout: 10 * time.Second},
		history:    make(map[string]time.Time),
		log:        log,
	}

	if n.webhookURL != "" && sink != nil {
		if err := n.loadRecentHistory(sink); err != nil {
			log.Errorw("failed to rehydrate alert cooldown history", "error", err)
		}
	}

	return n
}

func (n *Notifier) loadRecentHistory(sink recentBanSource) error {
	events, err := sink.RecentBans(context.Background(), time.Now().Add(-n.cooldown))
	if err != nil {
		return fmt.Errorf("alerter: load recent bans: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ev := range events {
		n.history[ev.IP] = ev.Timestamp
	}
	n.log.Infow("rehydrated alert cooldown history", "entries", len(n.history))
	return nil
}

// Notify posts ev to the webhook unless its IP is still within the
// cooldown window, or no webhook is configured. Returns nil
// immediately in either skip case — skipping is the expected steady
// state, not an error.
func (n *Notifier) Notify(ctx context.Context, ev *models.BanEvent) error {
	if n.webhookURL == "" {
		return nil
	}

	n.mu.RLock()
	last, exists := n.history[ev.IP]
	n.mu.RUnlock()

	if exists && time.Since(last) < n.cooldown {
		n.log.Debugw("alert suppressed by cooldown", "ip", ev.IP)
		return nil
	}

	if err := n.post(ctx, ev); err != nil {
		return err
	}

	n.mu.Lock()
	n.history[ev.IP] = time.Now()
	n.mu.Unlock()
	return nil
}

func (n *Notifier) post(ctx context.Context, ev *models.BanEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("alerter: marshal ban event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alerter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Errorw("webhook delivery failed", "ip", ev.IP, "error", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.log.Warnw("webhook returned non-2xx", "ip", ev.IP, "status", resp.StatusCode)
	}
	return nil
}

// CleanupOldHistory drops cooldown entries that have already expired,
// keeping the in-memory map bounded for long-running daemons that see
// a large number of distinct offending IPs.
func (n *Notifier) CleanupOldHistory() {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	for ip, last := range n.history {
		if now.Sub(last) > n.cooldown {
			delete(n.history, ip)
		}
	}
}

// RunCleanup periodically calls CleanupOldHistory until ctx is
// cancelled.
func (n *Notifier) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.CleanupOldHistory()
		}
	}
}
