// Package session owns one authenticated transport connection and its
// reconnect state machine.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teamrelay/teamrelay/internal/transport"
)

// State is the connection state of one session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateLoggedOut is terminal: the account was explicitly logged out and
	// only a manual restart brings it back.
	StateLoggedOut
	// StateFailed means the reconnect budget is exhausted. The session stays
	// down; the supervisor decides whether the process survives.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateLoggedOut:
		return "logged_out"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Status is the externally visible session state.
type Status struct {
	State                   State
	HasPendingAuthChallenge bool
}

// Policy bounds the reconnect behaviour. Startup failures (before any
// connection was established) retry on their own fixed delay and never
// consume reconnect attempts.
type Policy struct {
	MaxAttempts  int
	RetryDelay   time.Duration
	StartupDelay time.Duration
}

// DefaultPolicy mirrors the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  10,
		RetryDelay:   5 * time.Second,
		StartupDelay: 15 * time.Second,
	}
}

// Hooks are the supervisor's callbacks. All of them run on the session's
// event goroutine, preserving per-session in-order processing.
type Hooks struct {
	// OnConnected fires after every successful Connected transition.
	OnConnected func(ctx context.Context)
	// OnMessage receives every inbound message event.
	OnMessage func(ctx context.Context, ev transport.MessageEvent)
	// OnFatal fires once the session gives up reconnecting.
	OnFatal func()
}

// Session is one account's connection state machine. All transport events
// for a session are consumed by a single goroutine, so handlers observe them
// in emission order.
type Session struct {
	role   string
	client transport.Client
	policy Policy
	hooks  Hooks
	log    *slog.Logger

	mu       sync.Mutex
	state    State
	attempts int
	qr       string
	identity string
	started  bool
	runCtx   context.Context
}

func New(role string, client transport.Client, policy Policy, hooks Hooks, log *slog.Logger) *Session {
	return &Session{
		role:   role,
		client: client,
		policy: policy,
		hooks:  hooks,
		log:    log.With("session", role),
	}
}

func (s *Session) Role() string { return s.role }

// Start begins the event loop and the initial connect cycle. Idempotent.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.state = StateConnecting
	s.runCtx = ctx
	s.mu.Unlock()

	go s.run(ctx)
	go s.connectLoop(ctx)
}

// connectLoop retries the initial connect on a fixed delay until it succeeds
// or the context ends. Startup failures never terminate the process.
func (s *Session) connectLoop(ctx context.Context) {
	for {
		err := s.client.Connect(ctx)
		if err == nil {
			return
		}
		s.log.Warn("startup connect failed, retrying", "delay", s.policy.StartupDelay, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.policy.StartupDelay):
		}
	}
}

func (s *Session) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.client.Events():
			if !ok {
				return
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Session) handle(ctx context.Context, ev transport.Event) {
	switch v := ev.(type) {
	case transport.ConnectedEvent:
		s.mu.Lock()
		s.state = StateConnected
		s.attempts = 0
		s.qr = ""
		if id, ok := s.client.SelfID(); ok {
			s.identity = id
		}
		s.mu.Unlock()
		s.log.Info("connected")
		if s.hooks.OnConnected != nil {
			s.hooks.OnConnected(ctx)
		}
	case transport.PairedEvent:
		s.mu.Lock()
		s.identity = v.ID
		s.qr = ""
		s.mu.Unlock()
		s.log.Info("paired", "address", v.ID)
	case transport.QRChallengeEvent:
		s.mu.Lock()
		s.qr = v.Code
		s.mu.Unlock()
		s.log.Info("new pairing challenge available")
	case transport.DisconnectedEvent:
		if v.LoggedOut {
			s.mu.Lock()
			s.state = StateLoggedOut
			s.qr = ""
			s.mu.Unlock()
			s.log.Error("logged out by server, manual restart required", "reason", v.Reason)
			return
		}
		s.scheduleReconnect(ctx, v.Reason)
	case transport.MessageEvent:
		if s.hooks.OnMessage != nil {
			s.hooks.OnMessage(ctx, v)
		}
	}
}

func (s *Session) scheduleReconnect(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.state == StateLoggedOut || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.attempts++
	attempt := s.attempts
	if attempt > s.policy.MaxAttempts {
		s.state = StateFailed
		s.mu.Unlock()
		s.log.Error("reconnect budget exhausted, giving up", "attempts", s.policy.MaxAttempts)
		if s.hooks.OnFatal != nil {
			s.hooks.OnFatal()
		}
		return
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.log.Warn("connection closed, reconnecting", "reason", reason, "attempt", attempt)
	time.AfterFunc(s.policy.RetryDelay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := s.client.Connect(ctx); err != nil {
			s.scheduleReconnect(ctx, err.Error())
		}
	})
}

// Restart forces a logged-out-equivalent reset: the stored auth material is
// cleared, the attempt counter reset, and a fresh pairing cycle begins.
// Asynchronous; callers observe progress via Status.
func (s *Session) Restart() {
	s.mu.Lock()
	ctx := s.runCtx
	s.attempts = 0
	s.qr = ""
	s.identity = ""
	s.state = StateConnecting
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		s.client.Disconnect()
		if err := s.client.ClearCredentials(ctx); err != nil {
			s.log.Warn("clearing credentials failed", "err", err)
		}
		s.connectLoop(ctx)
	}()
}

// Status reports the state and whether a pairing challenge is waiting.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, HasPendingAuthChallenge: s.qr != ""}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReconnectAttempts returns the current reconnect attempt count. Zero after
// every successful connect and every manual restart.
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// QRChallenge returns the raw pending pairing challenge, if any.
func (s *Session) QRChallenge() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr, s.qr != ""
}

// Identity returns the account's address once known, surviving disconnects.
func (s *Session) Identity() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == "" {
		return "", false
	}
	return s.identity, true
}
