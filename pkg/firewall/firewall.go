// Package firewall mediates the kernel-resident IP set that Nginx
// Sentinel's packet-filter rule consults, shelling out to ipset and
// iptables to create, populate, and drain the ban set.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const setName = "siest_sentinel"

// ErrFirewallUnavailable is returned when the control tool is missing
// or exits non-zero for a reason unrelated to "already exists".
type ErrFirewallUnavailable struct {
	Op     string
	Stderr string
	Cause  error
}

func (e *ErrFirewallUnavailable) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("firewall: %s unavailable: %s", e.Op, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("firewall: %s unavailable: %v", e.Op, e.Cause)
}

func (e *ErrFirewallUnavailable) Unwrap() error { return e.Cause }

// Actuator serialises every firewall mutation behind a single mutex so
// concurrent ban decisions never race `ipset add` invocations against
// each other.
type Actuator struct {
	mu  sync.Mutex
	log *zap.SugaredLogger
}

// New creates an Actuator.
func New(log *zap.SugaredLogger) *Actuator {
	return &Actuator{log: log}
}

// EnsureInitialised idempotently creates the siest_sentinel ipset and
// installs the INPUT-chain drop rule that references it. Safe to call
// repeatedly; an existing set or rule is left untouched.
func (a *Actuator) EnsureInitialised(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.run(ctx, "create-set", "ipset", "create", setName, "hash:ip", "timeout", "0", "-exist"); err != nil {
		return err
	}

	check := exec.CommandContext(ctx, "iptables", "-C", "INPUT", "-m", "set", "--match-set", setName, "src", "-j", "DROP")
	if err := check.Run(); err == nil {
		a.log.Debugw("firewall rule already active", "set", setName)
		return nil
	}

	if err := a.run(ctx, "install-rule", "iptables", "-I", "INPUT", "1", "-m", "set", "--match-set", setName, "src", "-j", "DROP"); err != nil {
		return err
	}
	a.log.Infow("firewall rule installed", "set", setName)
	return nil
}

// Ban adds ip to the set with the given TTL in seconds, refreshing the
// timeout if the entry already exists. Idempotent: a repeated Ban for
// an already-banned IP is a TTL refresh, never a duplicate entry or
// error.
func (a *Actuator) Ban(ctx context.Context, ip string, ttlSeconds int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.run(ctx, "ban", "ipset", "add", setName, ip, "timeout", strconv.Itoa(ttlSeconds), "-exist")
}

// Unban removes ip from the set. A missing entry is not an error.
func (a *Actuator) Unban(ctx context.Context, ip string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cmd := exec.CommandContext(ctx, "ipset", "del", setName, ip)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if strings.Contains(string(out), "not in set") || strings.Contains(string(out), "Element cannot be deleted") {
		return nil
	}
	return &ErrFirewallUnavailable{Op: "unban", Stderr: string(out), Cause: err}
}

// List returns the current entries of siest_sentinel, for operator
// inspection or tests.
func (a *Actuator) List(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cmd := exec.CommandContext(ctx, "ipset", "list", setName)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", &ErrFirewallUnavailable{Op: "list", Stderr: string(out), Cause: err}
	}
	return string(out), nil
}

func (a *Actuator) run(ctx context.Context, op, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	var exitErr *exec.ExitError
	if err != nil && errors.As(err, &exitErr) && !exitErr.Exited() && ctx.Err() == nil {
		// Killed by a signal rather than exiting: treat as transient and
		// retry once before reporting the firewall unavailable.
		a.log.Warnw("firewall command interrupted, retrying once", "op", op, "command", name, "error", err)
		out, err = exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
	if err != nil {
		a.log.Errorw("firewall command failed", "op", op, "command", name, "args", args, "output", string(out), "error", err)
		return &ErrFirewallUnavailable{Op: op, Stderr: string(out), Cause: err}
	}
	return nil
}
