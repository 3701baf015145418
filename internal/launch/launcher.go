package launch

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/zjrosen/testbridge/internal/bridge"
	"github.com/zjrosen/testbridge/internal/config"
	"github.com/zjrosen/testbridge/internal/events"
	"github.com/zjrosen/testbridge/internal/log"
	"github.com/zjrosen/testbridge/internal/session"
)

// Run is one launched session and the bridge observing it.
type Run struct {
	Session *ProcessSession
	Bridge  *bridge.Bridge
}

// Launcher starts runner sessions, each with its own bridge. It implements
// session.Relauncher.
type Launcher struct {
	manager      *session.Manager
	bridgeOpts   []bridge.Option
	resolve      func(config.RunnerConfig) (string, error)
	newObservers func() []events.Observer
	onRelaunch   func(*Run)
	stdout       io.Writer
	stderr       io.Writer

	mu   sync.Mutex
	runs []*Run
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithBridgeOptions passes options to every bridge the Launcher creates.
func WithBridgeOptions(opts ...bridge.Option) LauncherOption {
	return func(l *Launcher) {
		l.bridgeOpts = append(l.bridgeOpts, opts...)
	}
}

// WithInterpreterResolver replaces interpreter lookup.
func WithInterpreterResolver(fn func(config.RunnerConfig) (string, error)) LauncherOption {
	return func(l *Launcher) {
		l.resolve = fn
	}
}

// WithObserverFactory supplies observers registered on every bridge,
// including relaunched ones, before the runner starts.
func WithObserverFactory(fn func() []events.Observer) LauncherOption {
	return func(l *Launcher) {
		l.newObservers = fn
	}
}

// WithRelaunchHook is called with every run started by Relaunch.
func WithRelaunchHook(fn func(*Run)) LauncherOption {
	return func(l *Launcher) {
		l.onRelaunch = fn
	}
}

// WithOutput sets where runner stdout and stderr go. Nil discards.
func WithOutput(stdout, stderr io.Writer) LauncherOption {
	return func(l *Launcher) {
		l.stdout = stdout
		l.stderr = stderr
	}
}

// NewLauncher creates a Launcher that registers sessions with manager.
func NewLauncher(manager *session.Manager, opts ...LauncherOption) *Launcher {
	l := &Launcher{
		manager: manager,
		resolve: func(cfg config.RunnerConfig) (string, error) {
			return PythonFinder(cfg.Interpreter, cfg.InterpreterEnv).Find()
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch resolves the interpreter, builds a bridge around a new session,
// registers observers and then starts the runner with the bridge port.
// On failure nothing is left running or registered.
func (l *Launcher) Launch(ctx context.Context, cfg config.RunnerConfig, observers ...events.Observer) (*Run, error) {
	interpreter, err := l.resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolving interpreter: %w", err)
	}

	s := NewProcessSession(cfg, interpreter, l.manager, l.stdout, l.stderr)
	l.manager.Add(s)

	opts := append([]bridge.Option{bridge.WithRelauncher(l)}, l.bridgeOpts...)
	b, err := bridge.New(ctx, l.manager, session.Descriptor{Session: s, Config: cfg}, opts...)
	if err != nil {
		l.manager.Remove(s)
		return nil, fmt.Errorf("creating bridge: %w", err)
	}

	if l.newObservers != nil {
		for _, o := range l.newObservers() {
			b.RegisterObserver(o)
		}
	}
	for _, o := range observers {
		b.RegisterObserver(o)
	}

	if err := s.Start(ctx, b.Port()); err != nil {
		b.Dispose()
		l.manager.Remove(s)
		return nil, err
	}

	run := &Run{Session: s, Bridge: b}
	l.mu.Lock()
	l.runs = append(l.runs, run)
	l.mu.Unlock()
	return run, nil
}

// Relaunch implements session.Relauncher: it launches a fresh session from
// cfg. The previous session is left alone.
func (l *Launcher) Relaunch(handle session.Handle, cfg config.RunnerConfig) error {
	log.Info(log.CatLaunch, "Relaunching", "previous", handle.ID())

	run, err := l.Launch(context.Background(), cfg)
	if err != nil {
		return err
	}
	if l.onRelaunch != nil {
		l.onRelaunch(run)
	}
	return nil
}

// Runs returns every run started so far, in start order.
func (l *Launcher) Runs() []*Run {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Run(nil), l.runs...)
}
