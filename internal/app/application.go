package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/atomic"

	"dispatchlink/internal/api"
	"dispatchlink/internal/auth"
	"dispatchlink/internal/broker"
	"dispatchlink/internal/clock"
	"dispatchlink/internal/config"
	"dispatchlink/internal/credential"
	"dispatchlink/internal/database"
	"dispatchlink/internal/logger"
	"dispatchlink/internal/router"
	"dispatchlink/internal/session"
	"dispatchlink/internal/websocket"
	pkgdatabase "dispatchlink/pkg/database"
	"dispatchlink/pkg/interfaces"
	"dispatchlink/pkg/types"
)

// ErrNotSignedIn is returned by Start when no credential is stored.
var ErrNotSignedIn = errors.New("not signed in")

// Option customizes how an Application is built.
type Option func(*options)

type options struct {
	log       logger.Logger
	clock     clock.Clock
	transport http.RoundTripper
	store     interfaces.CredentialStore
}

// WithLogger replaces the logger built from the log config.
func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithTransport sets the base HTTP transport used for sign-in, renewal
// and, through the coordinator, every API call.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithStore replaces the configured credential store.
func WithStore(store interfaces.CredentialStore) Option {
	return func(o *options) { o.store = store }
}

// Application owns one instance of every component and the wiring
// between them.
type Application struct {
	config *config.Config
	log    logger.Logger
	clock  clock.Clock

	dbManager   *database.Manager
	store       interfaces.CredentialStore
	session     *session.Session
	broker      *broker.Broker
	coordinator *auth.Coordinator
	api         *api.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	hook    interfaces.SignOutHook
	detach  []func()
	stopped bool

	// reauthing guards the single renewal attempted after the notification
	// endpoint rejects the credential; reauthed is cleared by a connect.
	reauthing atomic.Bool
	reauthed  atomic.Bool
}

// NewApplication builds every component in dependency order:
// Logger → Store → Dialer → Session → Broker → Coordinator → API.
func NewApplication(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{clock: clock.Real(), transport: http.DefaultTransport}
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log
	if log == nil {
		built, err := logger.New(cfg.Log.Level, cfg.Log.OutputPaths...)
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		log = built
	}

	app := &Application{config: cfg, log: log, clock: o.clock}
	app.ctx, app.cancel = context.WithCancel(context.Background())

	// STEP 1: credential store, persisted when configured
	store := o.store
	if store == nil {
		var err error
		store, err = app.openStore()
		if err != nil {
			app.cancel()
			return nil, err
		}
	}
	app.store = store

	// STEP 2: notification connection
	wsOpts := websocket.DefaultOptions()
	wsOpts.PingInterval = cfg.WebSocket.PingInterval
	wsOpts.ReadTimeout = cfg.WebSocket.ReadTimeout
	wsOpts.WriteTimeout = cfg.WebSocket.WriteTimeout
	wsOpts.BufferSize = cfg.WebSocket.BufferSize
	dialer := websocket.NewDialer(cfg.WebSocket.URL, cfg.WebSocket.HandshakeTimeout, wsOpts, log)
	app.session = session.New(dialer, store, *cfg.Reconnect, o.clock, log)

	// STEP 3: subscriptions
	limiter := router.NewRateLimiter(cfg.Auth.PublishRate, time.Second)
	app.broker = broker.New(app.session, limiter, log)

	// STEP 4: credential renewal for API calls
	renewer := auth.NewHTTPRenewer(o.transport, joinURL(cfg.Server.BaseURL, cfg.Auth.RefreshPath), o.clock)
	coordinator, err := auth.NewCoordinator(o.transport, store, renewer, auth.Options{
		ReplayWorkers: cfg.Auth.ReplayWorkers,
		RenewTimeout:  cfg.Server.RequestTimeout,
	}, log)
	if err != nil {
		app.closeStore()
		app.cancel()
		return nil, fmt.Errorf("failed to create credential coordinator: %w", err)
	}
	app.coordinator = coordinator

	// STEP 5: request/response client
	client, err := api.NewClient(api.ClientConfig{
		BaseURL:    cfg.Server.BaseURL,
		LoginPath:  cfg.Auth.LoginPath,
		LogoutPath: cfg.Auth.LogoutPath,
		Timeout:    cfg.Server.RequestTimeout,
	}, coordinator, o.transport, store, o.clock, log)
	if err != nil {
		_ = coordinator.Close()
		app.closeStore()
		app.cancel()
		return nil, err
	}
	app.api = client

	// STEP 6: cross-component wiring
	coordinator.OnSignOut(app.signedOut)
	app.detach = []func(){
		app.session.OnAuthFailure(app.handleAuthFailure),
		app.session.OnConnect(func(interfaces.Transport) { app.reauthed.Store(false) }),
	}

	return app, nil
}

func (a *Application) openStore() (interfaces.CredentialStore, error) {
	if !a.config.Auth.Persist {
		return credential.NewMemoryStore(), nil
	}

	if dir := filepath.Dir(a.config.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = a.config.Database.Path
	dbConfig.MaxConnections = a.config.Database.MaxConnections

	dbManager, err := database.NewManager(dbConfig, a.log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	store, err := credential.NewPersistentStore(a.ctx, dbManager, a.config.Auth.Profile, a.log)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	a.dbManager = dbManager
	return store, nil
}

func (a *Application) closeStore() {
	if a.dbManager != nil {
		if err := a.dbManager.Close(); err != nil {
			a.log.Warnf("Database shutdown error: %v", err)
		}
	}
}

// Start connects the notification session. It returns ErrNotSignedIn
// when there is no stored credential to connect with. A credential past
// its known expiry is renewed first; a failed renewal signs out.
func (a *Application) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cred, ok := a.store.Get()
	if !ok {
		return ErrNotSignedIn
	}
	if !cred.Valid(a.clock.Now()) {
		a.log.Infof("Stored credential expired, renewing before connect")
		if _, err := a.coordinator.Renew(ctx, cred.AccessToken); err != nil {
			return err
		}
	}
	a.log.Infof("Starting session against %s", a.config.WebSocket.URL)
	a.session.Connect()
	return nil
}

// SignIn performs a full sign-in and connects.
func (a *Application) SignIn(ctx context.Context, username, password string) error {
	if _, err := a.api.Login(ctx, username, password); err != nil {
		return err
	}
	a.reauthed.Store(false)
	a.session.Connect()
	return nil
}

// SignOut revokes the credential and tears the session down.
func (a *Application) SignOut(ctx context.Context) error {
	a.session.Disconnect()
	a.broker.Reset()
	return a.api.Logout(ctx)
}

// SignedIn reports whether a credential is stored.
func (a *Application) SignedIn() bool {
	_, ok := a.store.Get()
	return ok
}

// OnSignOut sets the hook invoked when the credential can no longer be
// renewed. The session and broker are already torn down when it runs.
func (a *Application) OnSignOut(hook interfaces.SignOutHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hook = hook
}

// signedOut runs once per failed renewal.
func (a *Application) signedOut(reason error) {
	a.log.Warnf("Signed out: %v", reason)
	a.session.Disconnect()
	a.broker.Reset()

	a.mu.Lock()
	hook := a.hook
	a.mu.Unlock()
	if hook != nil {
		hook(reason)
	}
}

// handleAuthFailure renews the credential once after the notification
// endpoint rejects it and reconnects. A second rejection without an
// intervening connect signs out.
func (a *Application) handleAuthFailure(err error) {
	if !a.reauthing.CAS(false, true) {
		return
	}

	cred, ok := a.store.Get()
	if !ok {
		a.reauthing.Store(false)
		return
	}
	if a.reauthed.Swap(true) {
		a.reauthing.Store(false)
		a.log.Warnf("Credential rejected again after renewal: %v", err)
		if cerr := a.store.Clear(); cerr != nil {
			a.log.Errorf("Failed to clear credential: %v", cerr)
		}
		a.signedOut(fmt.Errorf("%w: %w", auth.ErrSignedOut, err))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, a.config.Server.RequestTimeout)
		defer cancel()

		_, err := a.coordinator.Renew(ctx, cred.AccessToken)
		// Cleared before Connect so a rejection of the new dial is seen.
		a.reauthing.Store(false)
		if err != nil {
			// A failed renewal has already signed out through the coordinator.
			a.log.Warnf("Re-authentication failed: %v", err)
			return
		}
		if a.ctx.Err() != nil {
			return
		}
		a.log.Infof("Credential renewed, reconnecting")
		a.session.Connect()
	}()
}

// Stop shuts down in reverse dependency order.
func (a *Application) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	detach := a.detach
	a.mu.Unlock()

	a.log.Infof("Shutting down")
	a.cancel()
	for _, fn := range detach {
		fn()
	}

	a.broker.Close()
	a.session.Disconnect()
	if err := a.session.Wait(ctx); err != nil {
		a.log.Warnf("Session did not stop in time: %v", err)
	}
	if err := a.coordinator.Close(); err != nil {
		a.log.Warnf("Coordinator shutdown error: %v", err)
	}
	a.closeStore()

	_ = a.log.Sync()
	return nil
}

// Session returns the notification session.
func (a *Application) Session() *session.Session { return a.session }

// Broker returns the subscription broker.
func (a *Application) Broker() *broker.Broker { return a.broker }

// API returns the request/response client.
func (a *Application) API() *api.Client { return a.api }

// Coordinator returns the credential refresh coordinator.
func (a *Application) Coordinator() *auth.Coordinator { return a.coordinator }

// Store returns the credential store.
func (a *Application) Store() interfaces.CredentialStore { return a.store }

// Publish sends payload to topic on the live connection.
func (a *Application) Publish(topic string, payload interface{}) error {
	return a.broker.Publish(topic, payload)
}

// Subscribe registers listener on topic.
func (a *Application) Subscribe(topic string, listener broker.Listener) (types.SubscriptionToken, error) {
	return a.broker.Subscribe(topic, listener)
}

func joinURL(base, path string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + path
}
