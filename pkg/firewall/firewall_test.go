package firewall

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// requireTools skips the test unless both ipset and iptables are on
// PATH and actuatable without error — these tests exercise real
// kernel state and need CAP_NET_ADMIN, which CI sandboxes rarely grant.
func requireTools(t *testing.T) *Actuator {
	t.Helper()
	if _, err := exec.LookPath("ipset"); err != nil {
		t.Skip("ipset not available")
	}
	if _, err := exec.LookPath("iptables"); err != nil {
		t.Skip("iptables not available")
	}
	log := zap.NewNop().Sugar()
	a := New(log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.EnsureInitialised(ctx); err != nil {
		t.Skipf("firewall unavailable in this environment: %v", err)
	}
	return a
}

func TestEnsureInitialisedIsIdempotent(t *testing.T) {
	a := requireTools(t)
	ctx := context.Background()
	if err := a.EnsureInitialised(ctx); err != nil {
		t.Fatalf("second EnsureInitialised: %v", err)
	}
}

func TestBanThenUnbanRoundTrip(t *testing.T) {
	a := requireTools(t)
	ctx := context.Background()

	if err := a.Ban(ctx, "203.0.113.7", 60); err != nil {
		t.Fatalf("Ban: %v", err)
	}

	out, err := a.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !strings.Contains(out, "203.0.113.7") {
		t.Fatalf("banned IP missing from set listing: %s", out)
	}

	if err := a.Unban(ctx, "203.0.113.7"); err != nil {
		t.Fatalf("Unban: %v", err)
	}
}

func TestBanIsIdempotent(t *testing.T) {
	a := requireTools(t)
	ctx := context.Background()

	if err := a.Ban(ctx, "203.0.113.8", 60); err != nil {
		t.Fatalf("first Ban: %v", err)
	}
	if err := a.Ban(ctx, "203.0.113.8", 120); err != nil {
		t.Fatalf("refreshing Ban: %v", err)
	}
	_ = a.Unban(ctx, "203.0.113.8")
}

func TestUnbanOfAbsentIPIsNotAnError(t *testing.T) {
	a := requireTools(t)
	ctx := context.Background()

	if err := a.Unban(ctx, "203.0.113.9"); err != nil {
		t.Fatalf("Unban of absent IP should be a no-op, got: %v", err)
	}
}
