package sync

import (
	"context"
	"log"
	"sync"
	"time"
)

// ConnStatus is the probe's view of remote reachability.
type ConnStatus string

const (
	StatusConnected    ConnStatus = "connected"
	StatusDisconnected ConnStatus = "disconnected"
)

// ConnectivityState is the shared reachability snapshot read by the
// orchestrator. Owned exclusively by the probe.
type ConnectivityState struct {
	Status              ConnStatus `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastCheckedAt       time.Time  `json:"last_checked_at"`
	LastError           string     `json:"last_error,omitempty"`
}

// Connected reports whether the remote side is currently reachable.
func (s ConnectivityState) Connected() bool {
	return s.Status == StatusConnected
}

// Probe determines whether the remote side is currently reachable.
//
// Each Check performs one cheap read against the remote adapter under a
// short timeout. Success resets the failure count and marks the side
// connected. Failures are classified into the state, never returned as
// errors; the status only flips to disconnected after a debounce threshold
// of consecutive failures, so a single transient blip does not flap it.
type Probe struct {
	remote   Store
	timeout  time.Duration
	debounce int
	clock    Clock
	logger   *log.Logger

	mu    sync.Mutex
	state ConnectivityState

	// onTransition fires when the status flips, outside the lock.
	onTransition func(ConnectivityState)
}

// NewProbe creates a connectivity probe over the remote adapter.
// A nil logger defaults to stderr with a [probe] prefix.
func NewProbe(remote Store, timeout time.Duration, debounce int, clock Clock, logger *log.Logger) *Probe {
	if logger == nil {
		logger = log.New(log.Writer(), "[probe] ", log.LstdFlags)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if debounce < 1 {
		debounce = 1
	}
	return &Probe{
		remote:   remote,
		timeout:  timeout,
		debounce: debounce,
		clock:    clock,
		logger:   logger,
		state: ConnectivityState{
			// Optimistic start: the first cycle probes before any work.
			Status: StatusConnected,
		},
	}
}

// OnTransition registers a callback fired when the status flips.
func (p *Probe) OnTransition(fn func(ConnectivityState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransition = fn
}

// Check performs one reachability probe and returns the updated state.
func (p *Probe) Check(ctx context.Context) ConnectivityState {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.remote.Probe(probeCtx)

	p.mu.Lock()
	prev := p.state.Status
	p.state.LastCheckedAt = p.clock.Now()

	if err == nil {
		p.state.ConsecutiveFailures = 0
		p.state.Status = StatusConnected
		p.state.LastError = ""
	} else {
		p.state.ConsecutiveFailures++
		p.state.LastError = err.Error()
		if p.state.ConsecutiveFailures >= p.debounce {
			p.state.Status = StatusDisconnected
		}
	}

	state := p.state
	transition := p.onTransition
	p.mu.Unlock()

	if err != nil {
		p.logger.Printf("Probe failed (%d consecutive): %v", state.ConsecutiveFailures, err)
	}
	if state.Status != prev {
		p.logger.Printf("Connectivity: %s -> %s", prev, state.Status)
		if transition != nil {
			transition(state)
		}
	}
	return state
}

// State returns the last known state without probing.
func (p *Probe) State() ConnectivityState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
