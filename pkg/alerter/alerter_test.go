package alerter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/muhamadyani/nginx-sentinel/pkg/config"
	"github.com/muhamadyani/nginx-sentinel/pkg/models"
)

type fakeSink struct {
	events []models.BanEvent
}

func (f *fakeSink) RecentBans(ctx context.Context, since time.Time) ([]models.BanEvent, error) {
	return f.events, nil
}

func TestNotifyPostsToWebhook(t *testing.T) {
	received := make(chan models.BanEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev models.BanEvent
		json.NewDecoder(r.Body).Decode(&ev)
		received <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(config.WebhookConfig{URL: srv.URL, CooldownSeconds: 60}, nil, zap.NewNop().Sugar())

	ev := &models.BanEvent{IP: "203.0.113.1", Reason: "instant_ban", Timestamp: time.Now()}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case got := <-received:
		if got.IP != ev.IP {
			t.Errorf("received IP = %q, want %q", got.IP, ev.IP)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestNotifySuppressedByCooldown(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(config.WebhookConfig{URL: srv.URL, CooldownSeconds: 3600}, nil, zap.NewNop().Sugar())

	ev := &models.BanEvent{IP: "203.0.113.2", Reason: "score", Timestamp: time.Now()}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("second Notify: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if calls != 1 {
		t.Fatalf("webhook called %d times, want exactly 1 (second should be suppressed by cooldown)", calls)
	}
}

func TestNotifyWithNoWebhookConfiguredIsNoop(t *testing.T) {
	n := New(config.WebhookConfig{}, nil, zap.NewNop().Sugar())
	ev := &models.BanEvent{IP: "203.0.113.3", Timestamp: time.Now()}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify with no webhook configured should no-op, got: %v", err)
	}
}

func TestNewRehydratesCooldownFromSink(t *testing.T) {
	sink := &fakeSink{events: []models.BanEvent{
		{IP: "203.0.113.4", Timestamp: time.Now()},
	}}

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(config.WebhookConfig{URL: srv.URL, CooldownSeconds: 3600}, sink, zap.NewNop().Sugar())

	ev := &models.BanEvent{IP: "203.0.113.4", Timestamp: time.Now()}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("webhook called %d times, want 0 (rehydrated cooldown should suppress)", calls)
	}
}

func TestCleanupOldHistoryRemovesExpiredEntries(t *testing.T) {
	n := New(config.WebhookConfig{}, nil, zap.NewNop().Sugar())
	n.mu.Lock()
	n.history["203.0.113.5"] = time.Now().Add(-2 * time.Hour)
	n.cooldown = time.Hour
	n.mu.Unlock()

	n.CleanupOldHistory()

	n.mu.RLock()
	_, exists := n.history["203.0.113.5"]
	n.mu.RUnlock()
	if exists {
		t.Fatal("expected expired cooldown entry to be removed")
	}
}
