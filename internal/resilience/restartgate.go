// Package resilience provides the restart governor for the supervised ASR
// worker process. It is a three-state gate (closed, open, half-open) that
// keeps a fatally misconfigured worker (bad model path, missing weights)
// from being respawned in a tight loop, while letting ordinary crash
// recovery proceed immediately.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRestartSuppressed is returned by Allow while the gate is open and the
// backoff has not yet elapsed.
var ErrRestartSuppressed = errors.New("worker restart suppressed, backing off after init failure")

// GateState represents the current mode of a RestartGate.
type GateState int

const (
	// GateClosed is the normal state: restarts proceed immediately.
	GateClosed GateState = iota

	// GateOpen means recent restarts failed at init; further attempts are
	// rejected until the backoff elapses.
	GateOpen

	// GateHalfOpen allows a single probe restart after the backoff. Success
	// closes the gate, failure re-opens it.
	GateHalfOpen
)

// String returns the human-readable name of the state.
func (s GateState) String() string {
	switch s {
	case GateClosed:
		return "closed"
	case GateOpen:
		return "open"
	case GateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// RestartGateConfig holds tuning knobs for a RestartGate.
type RestartGateConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive init failures before the
	// gate opens. Default 1; a single model-load failure is already a
	// configuration problem, not a transient fault.
	MaxFailures int

	// Backoff is how long the gate stays open before allowing a probe
	// restart. Default: 2s.
	Backoff time.Duration
}

// RestartGate implements the three-state restart governor.
type RestartGate struct {
	name        string
	maxFailures int
	backoff     time.Duration

	mu              sync.Mutex
	state           GateState
	consecutiveFail int
	lastFailure     time.Time
	probing         bool
}

// NewRestartGate creates a RestartGate with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewRestartGate(cfg RestartGateConfig) *RestartGate {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	return &RestartGate{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		backoff:     cfg.Backoff,
		state:       GateClosed,
	}
}

// Allow reports whether a restart attempt may proceed now. In the open
// state it returns ErrRestartSuppressed until the backoff elapses, then
// admits a single probe attempt.
func (g *RestartGate) Allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case GateClosed:
		return nil

	case GateOpen:
		if time.Since(g.lastFailure) < g.backoff {
			return ErrRestartSuppressed
		}
		g.state = GateHalfOpen
		g.probing = true
		slog.Info("restart gate transitioning to half-open", "name", g.name)
		return nil

	case GateHalfOpen:
		if g.probing {
			return ErrRestartSuppressed
		}
		g.probing = true
		return nil
	}
	return nil
}

// RecordInitFailure marks a restart attempt as failed at model init.
func (g *RestartGate) RecordInitFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastFailure = time.Now()
	g.probing = false

	if g.state == GateHalfOpen {
		g.state = GateOpen
		slog.Warn("restart gate re-opened after failed probe", "name", g.name)
		return
	}

	g.consecutiveFail++
	if g.consecutiveFail >= g.maxFailures {
		g.state = GateOpen
		slog.Warn("restart gate opened",
			"name", g.name,
			"consecutive_failures", g.consecutiveFail,
			"backoff", g.backoff,
		)
	}
}

// RecordSuccess marks the worker as having reached the running state,
// closing the gate.
func (g *RestartGate) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != GateClosed {
		slog.Info("restart gate closed", "name", g.name)
	}
	g.state = GateClosed
	g.consecutiveFail = 0
	g.probing = false
}

// State returns the current GateState. An open gate whose backoff has
// elapsed is reported as half-open (the transition happens on the next
// Allow call).
func (g *RestartGate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == GateOpen && time.Since(g.lastFailure) >= g.backoff {
		return GateHalfOpen
	}
	return g.state
}
