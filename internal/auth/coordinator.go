// Package auth attaches the bearer credential to outgoing API calls and
// renews it, once, when calls start failing with 401.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"

	"dispatchlink/internal/logger"
	"dispatchlink/pkg/interfaces"
	"dispatchlink/pkg/types"
)

// Options tunes a Coordinator.
type Options struct {
	// ReplayWorkers bounds how many resumed calls are re-sent concurrently.
	ReplayWorkers int
	// RenewTimeout bounds a single renewal.
	RenewTimeout time.Duration
}

// Stats is a snapshot of coordinator counters.
type Stats struct {
	Renewals      int64
	RenewFailures int64
	Replays       int64
	Pending       int
	Refreshing    bool
}

type callResult struct {
	resp *http.Response
	cred types.Credential
	err  error
}

// pendingCall is a call suspended while a renewal is in flight. It is
// completed exactly once through result. A nil req is a bare Renew
// waiting only for the credential.
type pendingCall struct {
	req    *http.Request
	result chan callResult
}

// Coordinator is an http.RoundTripper that injects the stored credential
// and performs single-flight renewal on 401 responses.
type Coordinator struct {
	base    http.RoundTripper
	store   interfaces.CredentialStore
	renewer interfaces.Renewer
	pool    *ants.Pool
	opts    Options
	log     logger.Logger

	mu         sync.Mutex
	refreshing bool
	queue      []*pendingCall
	signOut    interfaces.SignOutHook

	renewals      atomic.Int64
	renewFailures atomic.Int64
	replays       atomic.Int64
}

// NewCoordinator wraps base. base must not route back through the
// coordinator.
func NewCoordinator(base http.RoundTripper, store interfaces.CredentialStore, renewer interfaces.Renewer, opts Options, log logger.Logger) (*Coordinator, error) {
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.ReplayWorkers <= 0 {
		opts.ReplayWorkers = 8
	}
	if opts.RenewTimeout <= 0 {
		opts.RenewTimeout = 30 * time.Second
	}

	c := &Coordinator{
		base:    base,
		store:   store,
		renewer: renewer,
		opts:    opts,
		log:     log.With("component", "auth"),
	}

	pool, err := ants.NewPool(opts.ReplayWorkers, ants.WithPanicHandler(func(p interface{}) {
		c.log.Errorf("Replay worker panicked: %v", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create replay pool: %w", err)
	}
	c.pool = pool
	return c, nil
}

// OnSignOut sets the hook invoked once per failed renewal.
func (c *Coordinator) OnSignOut(hook interfaces.SignOutHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signOut = hook
}

// RoundTrip implements http.RoundTripper.
func (c *Coordinator) RoundTrip(req *http.Request) (*http.Response, error) {
	cred, _ := c.store.Get()
	sent := cred.AccessToken

	resp, err := c.base.RoundTrip(withToken(req.Context(), req, sent, false))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if IsRetry(req.Context()) || sent == "" {
		return resp, nil
	}
	if !rewindable(req) {
		c.log.Warnf("Cannot replay %s %s: body is not rewindable", req.Method, req.URL.Path)
		return resp, nil
	}
	drain(resp)

	retry := req.WithContext(MarkRetry(req.Context()))

	c.mu.Lock()
	if c.refreshing {
		pc := &pendingCall{req: retry, result: make(chan callResult, 1)}
		c.queue = append(c.queue, pc)
		c.mu.Unlock()
		r, err := c.await(req.Context(), pc)
		return r.resp, err
	}

	current, ok := c.store.Get()
	if !ok {
		// A renewal already failed and signed out.
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrSignedOut, types.ErrNoCredential)
	}
	// Another call already renewed since this one was sent.
	if current.AccessToken != sent {
		c.mu.Unlock()
		return c.replay(retry, current)
	}

	c.refreshing = true
	c.mu.Unlock()

	fresh, err := c.refresh(req.Context())
	if err != nil {
		return nil, err
	}
	return c.replay(retry, fresh)
}

// Renew renews the stored credential outside of an API call, for example
// after the notification endpoint rejected rejected. It joins a renewal
// already in flight, and returns the stored credential unchanged when it
// no longer matches rejected.
func (c *Coordinator) Renew(ctx context.Context, rejected string) (types.Credential, error) {
	c.mu.Lock()
	if c.refreshing {
		pc := &pendingCall{result: make(chan callResult, 1)}
		c.queue = append(c.queue, pc)
		c.mu.Unlock()
		r, err := c.await(ctx, pc)
		return r.cred, err
	}

	current, ok := c.store.Get()
	if !ok {
		c.mu.Unlock()
		return types.Credential{}, fmt.Errorf("%w: %w", ErrSignedOut, types.ErrNoCredential)
	}
	if current.AccessToken != rejected {
		c.mu.Unlock()
		return current, nil
	}

	c.refreshing = true
	c.mu.Unlock()
	return c.refresh(ctx)
}

// await waits for pc to settle. A caller that gives up leaves a reader
// behind so the response it abandoned is still closed; settle sends on
// every queued result exactly once.
func (c *Coordinator) await(ctx context.Context, pc *pendingCall) (callResult, error) {
	select {
	case r := <-pc.result:
		return r, r.err
	case <-ctx.Done():
		go func() {
			if r := <-pc.result; r.resp != nil {
				drain(r.resp)
			}
		}()
		return callResult{}, ctx.Err()
	}
}

// refresh performs the renewal and settles every queued call. refreshing
// is cleared on every path, panics included.
func (c *Coordinator) refresh(parent context.Context) (cred types.Credential, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("renewal panicked: %v", p)
		}
		if err == nil && cred.IsZero() {
			err = ErrEmptyCredential
		}
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrSignedOut, err)
			cred = types.Credential{}
		}
		c.settle(cred, err)
	}()

	current, ok := c.store.Get()
	if !ok {
		return types.Credential{}, types.ErrNoCredential
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.opts.RenewTimeout)
	defer cancel()

	c.renewals.Inc()
	c.log.Infof("Renewing credential")
	return c.renewer.Renew(ctx, current)
}

func (c *Coordinator) settle(cred types.Credential, err error) {
	if err == nil {
		if serr := c.store.Set(cred); serr != nil {
			c.log.Errorf("Failed to store renewed credential: %v", serr)
		}
	} else {
		c.renewFailures.Inc()
		if cerr := c.store.Clear(); cerr != nil {
			c.log.Errorf("Failed to clear credential: %v", cerr)
		}
	}

	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.refreshing = false
	hook := c.signOut
	c.mu.Unlock()

	if err != nil {
		c.log.Warnf("Credential renewal failed, failing %d queued calls: %v", len(queue), err)
		for _, pc := range queue {
			pc.result <- callResult{err: err}
		}
		if hook != nil {
			hook(err)
		}
		return
	}

	c.log.Infof("Credential renewed, replaying %d queued calls", len(queue))
	for _, pc := range queue {
		pc := pc
		if pc.req == nil {
			pc.result <- callResult{cred: cred}
			continue
		}
		task := func() {
			resp, err := c.replay(pc.req, cred)
			pc.result <- callResult{resp: resp, err: err}
		}
		if err := c.pool.Submit(task); err != nil {
			c.log.Warnf("Replay pool unavailable, replaying inline: %v", err)
			go task()
		}
	}
}

// replay re-sends req with cred through the base transport.
func (c *Coordinator) replay(req *http.Request, cred types.Credential) (*http.Response, error) {
	c.replays.Inc()
	return c.base.RoundTrip(withToken(req.Context(), req, cred.AccessToken, true))
}

// Pending returns the number of calls waiting on the in-flight renewal.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Refreshing reports whether a renewal is in flight.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}

// Stats returns the current counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	pending, refreshing := len(c.queue), c.refreshing
	c.mu.Unlock()

	return Stats{
		Renewals:      c.renewals.Load(),
		RenewFailures: c.renewFailures.Load(),
		Replays:       c.replays.Load(),
		Pending:       pending,
		Refreshing:    refreshing,
	}
}

// Close releases the replay pool.
func (c *Coordinator) Close() error {
	c.pool.Release()
	return nil
}

// withToken clones req for sending. On replays the body is re-read from
// GetBody.
func withToken(ctx context.Context, req *http.Request, token string, rewind bool) *http.Request {
	out := req.Clone(ctx)
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}
	if rewind && req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			out.Body = body
		}
	}
	return out
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// IsSignedOut reports whether err came from a failed renewal.
func IsSignedOut(err error) bool {
	return errors.Is(err, ErrSignedOut)
}
