// Command dispatchwatch signs in to the dispatch backend and prints
// notifications for the requested topics along with a live connectivity
// indicator.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"dispatchlink/internal/app"
	"dispatchlink/internal/broker"
	"dispatchlink/internal/config"
	"dispatchlink/pkg/types"
)

var defaultTopics = []string{"/user/queue/notifications", "/topic/dispatches"}

type options struct {
	configPath  string
	topics      []string
	user        string
	password    string
	maxMessages int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}

	flagSet := pflag.NewFlagSet("dispatchwatch", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.configPath, "config", os.Getenv("DISPATCHLINK_CONFIG_FILE"), "config file (.toml, .yaml or .json)")
	flagSet.StringArrayVar(&opts.topics, "topic", nil, "topic to watch (repeatable)")
	flagSet.StringVar(&opts.user, "user", "", "username for sign-in when no credential is stored")
	flagSet.StringVar(&opts.password, "password", os.Getenv("DISPATCHLINK_PASSWORD"), "password for sign-in (or DISPATCHLINK_PASSWORD)")
	flagSet.IntVar(&opts.maxMessages, "max-messages", 0, "exit after this many notifications (0 runs until interrupted)")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if len(opts.topics) == 0 {
		opts.topics = defaultTopics
	}
	for _, topic := range opts.topics {
		if !types.IsValidTopic(topic) {
			return nil, fmt.Errorf("%w: %q", types.ErrInvalidTopic, topic)
		}
	}
	if opts.maxMessages < 0 {
		return nil, fmt.Errorf("--max-messages must not be negative")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseFlags(args, out)
	if err != nil {
		return err
	}

	// STEP 1: configuration, file > env > defaults
	cfg, err := config.LoadConfigWithPrecedence(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// STEP 2: components
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = application.Stop(shutdownCtx)
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	w := newWatcher(out, opts.maxMessages, func() { cancel(nil) })
	application.Session().OnStateChange(w.printState)
	application.OnSignOut(func(reason error) {
		w.printSignOut(reason)
		cancel(reason)
	})

	// STEP 3: listeners survive reconnects, so register before connecting
	for _, topic := range opts.topics {
		if _, err := application.Subscribe(topic, broker.ListenerFunc(w.printMessage)); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	// STEP 4: connect with the stored credential, or sign in
	if application.SignedIn() {
		if err := application.Start(ctx); err != nil {
			return err
		}
	} else {
		if opts.user == "" || opts.password == "" {
			return fmt.Errorf("not signed in: --user and --password are required")
		}
		if err := application.SignIn(ctx, opts.user, opts.password); err != nil {
			return fmt.Errorf("sign-in failed: %w", err)
		}
	}

	<-ctx.Done()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// watcher renders session events and notifications to out.
type watcher struct {
	mu    sync.Mutex
	out   io.Writer
	max   int
	count int
	done  func()

	connected    *color.Color
	connecting   *color.Color
	disconnected *color.Color
	topic        *color.Color
}

func newWatcher(out io.Writer, max int, done func()) *watcher {
	return &watcher{
		out:          out,
		max:          max,
		done:         done,
		connected:    color.New(color.FgGreen, color.Bold),
		connecting:   color.New(color.FgYellow),
		disconnected: color.New(color.FgRed, color.Bold),
		topic:        color.New(color.FgCyan),
	}
}

func (w *watcher) printState(state types.ConnectionState) {
	w.mu.Lock()
	defer w.mu.Unlock()

	c := w.disconnected
	switch state {
	case types.StateConnected:
		c = w.connected
	case types.StateConnecting:
		c = w.connecting
	}
	c.Fprintf(w.out, "● %s\n", state)
}

func (w *watcher) printSignOut(reason error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disconnected.Fprintf(w.out, "signed out: %v\n", reason)
}

func (w *watcher) printMessage(msg *types.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(w.out, "%s ", ts.Format("15:04:05"))
	w.topic.Fprintf(w.out, "%s", msg.Topic)
	fmt.Fprintf(w.out, " %s\n", msg.Payload)

	w.count++
	if w.max > 0 && w.count == w.max {
		w.done()
	}
	return nil
}
