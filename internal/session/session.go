// Package session owns the single notification connection: it dials with
// the stored credential, reconnects after transport instability, stops on
// credential rejection, and tells listeners about every (re)connect.
package session

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"dispatchlink/internal/clock"
	"dispatchlink/internal/config"
	"dispatchlink/internal/logger"
	"dispatchlink/pkg/interfaces"
	"dispatchlink/pkg/types"
)

// Stats is a snapshot of session counters.
type Stats struct {
	State             types.ConnectionState
	Connects          int64
	ReconnectAttempts int64
	AuthFailures      int64
	ProtocolErrors    int64
}

// run is one Connect..Disconnect lifetime. A new run is created by every
// Connect that finds the session idle.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Session manages one logical connection at a time.
type Session struct {
	dialer    interfaces.Dialer
	store     interfaces.CredentialStore
	reconnect config.ReconnectConfig
	clock     clock.Clock
	log       logger.Logger

	mu      sync.Mutex
	current *run
	last    *run
	active  interfaces.Transport

	state atomic.Int32

	onConnect       listenerSet[func(interfaces.Transport)]
	onStateChange   listenerSet[func(types.ConnectionState)]
	onAuthFailure   listenerSet[func(error)]
	onProtocolError listenerSet[func(*types.ErrorFrame)]

	connects          atomic.Int64
	reconnectAttempts atomic.Int64
	authFailures      atomic.Int64
	protocolErrors    atomic.Int64
}

// New creates an idle session.
func New(dialer interfaces.Dialer, store interfaces.CredentialStore, reconnect config.ReconnectConfig, clk clock.Clock, log logger.Logger) *Session {
	return &Session{
		dialer:    dialer,
		store:     store,
		reconnect: reconnect,
		clock:     clk,
		log:       log.With("component", "session"),
	}
}

// Connect starts connecting in the background. It does nothing when a
// connection is already active or being established, and nothing when no
// credential is stored.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return
	}
	if _, ok := s.store.Get(); !ok {
		s.mu.Unlock()
		s.log.Debugf("Connect skipped: no credential")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.current = r
	changed := s.setStateLocked(types.StateConnecting)
	s.mu.Unlock()

	if changed {
		s.notifyState(types.StateConnecting)
	}
	go s.run(r)
}

// Disconnect tears down the active connection and stops reconnecting.
// Calling it while disconnected is a no-op.
func (s *Session) Disconnect() {
	s.mu.Lock()
	r := s.current
	transport := s.active
	if r != nil {
		s.last = r
	}
	s.current = nil
	s.active = nil
	changed := s.setStateLocked(types.StateDisconnected)
	s.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	if transport != nil {
		_ = transport.Close()
	}
	s.log.Infof("Disconnected")
	if changed {
		s.notifyState(types.StateDisconnected)
	}
}

// Wait blocks until the current or most recently stopped run has exited,
// or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	r := s.current
	if r == nil {
		r = s.last
	}
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveConnection returns the live transport, or nil when not connected.
func (s *Session) ActiveConnection() interfaces.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// State returns the current connection state.
func (s *Session) State() types.ConnectionState {
	return types.ConnectionState(s.state.Load())
}

// OnConnect registers cb to run after every successful handshake,
// including reconnects. Callbacks run on the session goroutine in
// registration order. The returned func removes the registration.
func (s *Session) OnConnect(cb func(interfaces.Transport)) func() {
	return s.onConnect.add(cb)
}

// OnStateChange registers cb for connection state transitions.
func (s *Session) OnStateChange(cb func(types.ConnectionState)) func() {
	return s.onStateChange.add(cb)
}

// OnAuthFailure registers cb to run when the server rejects the
// credential. The session is already disconnected when cb runs.
func (s *Session) OnAuthFailure(cb func(error)) func() {
	return s.onAuthFailure.add(cb)
}

// OnProtocolError registers cb for non-fatal remote rejections.
func (s *Session) OnProtocolError(cb func(*types.ErrorFrame)) func() {
	return s.onProtocolError.add(cb)
}

// Stats returns the current counters.
func (s *Session) Stats() Stats {
	return Stats{
		State:             s.State(),
		Connects:          s.connects.Load(),
		ReconnectAttempts: s.reconnectAttempts.Load(),
		AuthFailures:      s.authFailures.Load(),
		ProtocolErrors:    s.protocolErrors.Load(),
	}
}

func (s *Session) run(r *run) {
	defer close(r.done)

	handlers := interfaces.TransportHandlers{OnProtocolError: s.handleProtocolError}
	attempt := 0

	for {
		cred, ok := s.store.Get()
		if !ok {
			s.log.Warnf("Credential cleared, giving up connection")
			s.finish(r)
			return
		}

		transport, err := s.dialer.Dial(r.ctx, cred, handlers)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			if types.KindOf(err) == types.FailureAuth {
				s.authFailed(r, err)
				return
			}
			attempt++
			s.log.Warnf("Connect attempt %d failed: %v", attempt, err)
			if !s.backoff(r, attempt) {
				return
			}
			continue
		}

		if !s.activate(r, transport) {
			_ = transport.Close()
			return
		}
		attempt = 0
		s.connects.Inc()
		s.log.Infof("Connected")
		s.notifyState(types.StateConnected)
		for _, cb := range s.onConnect.snapshot() {
			if r.ctx.Err() != nil {
				break
			}
			cb(transport)
		}

		select {
		case <-transport.Done():
		case <-r.ctx.Done():
			_ = transport.Close()
			return
		}
		if r.ctx.Err() != nil {
			return
		}

		err = transport.Err()
		if types.KindOf(err) == types.FailureAuth {
			s.authFailed(r, err)
			return
		}

		if !s.deactivate(r, transport) {
			return
		}
		s.log.Warnf("Connection lost: %v", err)
		s.notifyState(types.StateConnecting)

		attempt++
		if !s.backoff(r, attempt) {
			return
		}
	}
}

// activate publishes transport as the live connection if r is still the
// current run.
func (s *Session) activate(r *run, transport interfaces.Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != r || r.ctx.Err() != nil {
		return false
	}
	s.active = transport
	s.setStateLocked(types.StateConnected)
	return true
}

// deactivate clears transport after it dropped and moves back to
// CONNECTING for the retry.
func (s *Session) deactivate(r *run, transport interfaces.Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != r {
		return false
	}
	if s.active == transport {
		s.active = nil
	}
	s.setStateLocked(types.StateConnecting)
	return true
}

// finish ends r and returns the session to DISCONNECTED.
func (s *Session) finish(r *run) bool {
	s.mu.Lock()
	if s.current != r {
		s.mu.Unlock()
		return false
	}
	transport := s.active
	s.last = r
	s.current = nil
	s.active = nil
	changed := s.setStateLocked(types.StateDisconnected)
	s.mu.Unlock()

	r.cancel()
	if transport != nil {
		_ = transport.Close()
	}
	if changed {
		s.notifyState(types.StateDisconnected)
	}
	return true
}

func (s *Session) authFailed(r *run, err error) {
	if !s.finish(r) {
		return
	}
	s.authFailures.Inc()
	s.log.Warnf("Credential rejected, not reconnecting: %v", err)
	for _, cb := range s.onAuthFailure.snapshot() {
		cb(err)
	}
}

// backoff waits before retry number attempt. It returns false when the
// run was cancelled or the retry budget is spent.
func (s *Session) backoff(r *run, attempt int) bool {
	if s.reconnect.Exhausted(attempt) {
		s.log.Errorf("Giving up: %v after %d attempts", ErrReconnectExhausted, attempt-1)
		s.finish(r)
		return false
	}

	s.reconnectAttempts.Inc()
	delay := s.reconnect.Backoff(attempt)
	s.log.Debugf("Reconnecting in %s (attempt %d)", delay, attempt)

	select {
	case <-s.clock.After(delay):
		return r.ctx.Err() == nil
	case <-r.ctx.Done():
		return false
	}
}

func (s *Session) handleProtocolError(ef *types.ErrorFrame) {
	s.protocolErrors.Inc()
	s.log.Warnf("Protocol error: %v", ef)
	for _, cb := range s.onProtocolError.snapshot() {
		cb(ef)
	}
}

// setStateLocked stores state and reports whether it changed. s.mu must
// be held.
func (s *Session) setStateLocked(state types.ConnectionState) bool {
	return s.state.Swap(int32(state)) != int32(state)
}

func (s *Session) notifyState(state types.ConnectionState) {
	for _, cb := range s.onStateChange.snapshot() {
		cb(state)
	}
}
