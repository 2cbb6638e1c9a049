package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dispatchlink/internal/api"
	"dispatchlink/internal/auth"
	"dispatchlink/internal/broker"
	"dispatchlink/internal/clock"
	"dispatchlink/internal/config"
	"dispatchlink/internal/credential"
	"dispatchlink/internal/logger"
	"dispatchlink/internal/router"
	"dispatchlink/internal/session"
	"dispatchlink/internal/testserver"
	"dispatchlink/internal/websocket"
	"dispatchlink/pkg/types"
)

// stack is every client component wired by hand against one backend.
type stack struct {
	server      *testserver.Server
	store       *credential.MemoryStore
	session     *session.Session
	broker      *broker.Broker
	coordinator *auth.Coordinator
	client      *api.Client
}

func newStack(t *testing.T) *stack {
	t.Helper()

	s := testserver.New(logger.Nop())
	t.Cleanup(s.Close)

	log := logger.Nop()
	clk := clock.Real()
	store := credential.NewMemoryStore()

	opts := websocket.DefaultOptions()
	dialer := websocket.NewDialer(s.WebSocketURL(), 2*time.Second, opts, log)
	sess := session.New(dialer, store, config.ReconnectConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	}, clk, log)
	b := broker.New(sess, router.NewRateLimiter(0, time.Second), log)

	base := http.DefaultTransport
	renewer := auth.NewHTTPRenewer(base, s.URL()+testserver.RefreshPath, clk)
	coordinator, err := auth.NewCoordinator(base, store, renewer, auth.Options{ReplayWorkers: 4, RenewTimeout: 5 * time.Second}, log)
	require.NoError(t, err)

	client, err := api.NewClient(api.ClientConfig{
		BaseURL:    s.URL(),
		LoginPath:  testserver.LoginPath,
		LogoutPath: testserver.LogoutPath,
		Timeout:    5 * time.Second,
	}, coordinator, base, store, clk, log)
	require.NoError(t, err)

	t.Cleanup(func() {
		b.Close()
		sess.Disconnect()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sess.Wait(ctx)
		_ = coordinator.Close()
	})

	return &stack{server: s, store: store, session: sess, broker: b, coordinator: coordinator, client: client}
}

// signIn logs in and connects the session.
func (st *stack) signIn(t *testing.T) {
	t.Helper()
	_, err := st.client.Login(context.Background(), testserver.Username, testserver.Password)
	require.NoError(t, err)
	st.session.Connect()
	require.Eventually(t, func() bool {
		return st.session.State() == types.StateConnected
	}, 3*time.Second, 5*time.Millisecond)
}

func (st *stack) waitSubscribers(t *testing.T, topic string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return st.server.Subscribers(topic) == n
	}, 3*time.Second, 5*time.Millisecond, "expected %d subscriptions on %s", n, topic)
}
