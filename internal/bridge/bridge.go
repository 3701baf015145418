// Package bridge connects an external test-runner process to in-process
// observers.
//
// A Bridge owns an RPC listener that the external process calls with
// per-test notifications, and a lifecycle monitor that disposes the bridge
// when the process's session ends. Disposal runs exactly once, whichever of
// Dispose, the monitor or the unreachable-object backstop gets there first.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/testbridge/internal/events"
	"github.com/zjrosen/testbridge/internal/log"
	"github.com/zjrosen/testbridge/internal/rpc"
	"github.com/zjrosen/testbridge/internal/session"
)

// ErrNoRelauncher is returned by Relaunch when no relauncher was configured.
var ErrNoRelauncher = errors.New("no relauncher configured")

// State is the bridge lifecycle state.
type State int32

const (
	// Active accepts observers and dispatches events.
	Active State = iota
	// Disposed is terminal.
	Disposed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Disposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Trigger names recorded on disposal.
const (
	triggerExplicit  = "explicit"
	triggerLifecycle = "lifecycle"
	triggerBackstop  = "backstop"
)

// Option configures a Bridge.
type Option func(*options)

type options struct {
	tracer      trace.Tracer
	allocator   rpc.PortAllocator
	relauncher  session.Relauncher
	listenerCfg rpc.Config
}

// WithTracer sets the tracer for per-call and disposal spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithAllocator sets the port allocator. Defaults to an OS-chosen port.
func WithAllocator(allocator rpc.PortAllocator) Option {
	return func(o *options) {
		o.allocator = allocator
	}
}

// WithRelauncher sets the collaborator used by Relaunch.
func WithRelauncher(relauncher session.Relauncher) Option {
	return func(o *options) {
		o.relauncher = relauncher
	}
}

// WithListenerConfig sets the listener host, path and shutdown timeout.
func WithListenerConfig(cfg rpc.Config) Option {
	return func(o *options) {
		o.listenerCfg = cfg
	}
}

// Bridge is the handle returned to callers. Callers should Dispose (or
// Close) it when done; if it becomes unreachable first, a cleanup disposes
// it and logs a warning.
type Bridge struct {
	core    *bridge
	cleanup runtime.Cleanup
}

// bridge holds all state. The listener and the registry keep it reachable
// while active, so the public Bridge can be collected independently.
type bridge struct {
	id         rpc.BridgeID
	desc       session.Descriptor
	relauncher session.Relauncher
	tracer     trace.Tracer
	listener   *rpc.Listener
	monitor    *session.Monitor

	// mu guards state and observers
	mu        sync.Mutex
	state     State
	observers []events.Observer

	// dispatchMu serializes dispatch; disposal takes it before notifying
	// observers so an in-flight dispatch finishes first.
	dispatchMu sync.Mutex

	done chan struct{}
}

// New starts a listener for desc.Session and subscribes to registry for the
// session's end. Listener failures wrap rpc.ErrTransport; nothing stays
// subscribed or bound when New fails. A nil registry disables lifecycle
// disposal.
func New(ctx context.Context, registry session.Registry, desc session.Descriptor, opts ...Option) (*Bridge, error) {
	if desc.Session == nil {
		return nil, errors.New("bridge: session handle is required")
	}

	o := options{
		tracer:      noop.NewTracerProvider().Tracer("testbridge/bridge"),
		listenerCfg: rpc.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	b := &bridge{
		id:         rpc.NewBridgeID(),
		desc:       desc,
		relauncher: o.relauncher,
		tracer:     o.tracer,
		done:       make(chan struct{}),
	}
	b.listener = rpc.NewListener(b.id, o.listenerCfg, o.allocator, dispatcher{bridge: b}, rpc.WithTracer(o.tracer))
	b.monitor = session.NewMonitor(registry, desc.Session, lifecycleTarget{bridge: b})

	if err := b.listener.Start(ctx); err != nil {
		return nil, err
	}
	b.monitor.Subscribe()

	log.Info(log.CatBridge, "Bridge started",
		"bridge", b.id, "session", desc.Session.ID(), "port", b.listener.Port())

	pub := &Bridge{core: b}
	pub.cleanup = runtime.AddCleanup(pub, backstop, b)
	return pub, nil
}

// backstop disposes a bridge whose public handle was collected undisposed.
func backstop(b *bridge) {
	if b.isDisposed() {
		return
	}
	log.Warn(log.CatBridge, "Bridge became unreachable without Dispose", "bridge", b.id)
	b.disposeAsync(triggerBackstop)
}

// ID returns the bridge ID.
func (p *Bridge) ID() rpc.BridgeID {
	return p.core.id
}

// Session returns the observed session handle.
func (p *Bridge) Session() session.Handle {
	return p.core.desc.Session
}

// Port returns the listener port. It is stable across disposal.
func (p *Bridge) Port() int {
	return p.core.listener.Port()
}

// State returns the current state.
func (p *Bridge) State() State {
	return p.core.currentState()
}

// Done is closed once disposal has completed.
func (p *Bridge) Done() <-chan struct{} {
	return p.core.done
}

// RegisterObserver appends o to the observer list. After disposal it is a
// silent no-op: late observers get neither events nor OnDispose.
func (p *Bridge) RegisterObserver(o events.Observer) {
	p.core.registerObserver(o)
}

// Dispose tears the bridge down. Only the first call has any effect:
// it unsubscribes from the registry, stops the listener, calls OnDispose on
// every observer in registration order and clears the observer list.
// Failures in any step are logged and the remaining steps still run.
// When the session ends first, State reports Disposed at once and the
// teardown finishes in the background; wait on Done for it.
//
// Observers must not call Dispose from OnTest. Stop is safe there.
func (p *Bridge) Dispose() {
	p.core.dispose(triggerExplicit)
	p.cleanup.Stop()
}

// Close disposes the bridge. It always returns nil and exists so callers
// can defer it.
func (p *Bridge) Close() error {
	p.Dispose()
	return nil
}

// Stop asks the session to terminate. Disposal follows when the registry
// reports the termination. A failed request is logged; the state does not
// change. No-op once disposed.
func (p *Bridge) Stop() {
	p.core.stop()
}

// Relaunch starts a new session from the stored handle and configuration.
// It does not affect this bridge.
func (p *Bridge) Relaunch() error {
	return p.core.relaunch()
}

func (b *bridge) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *bridge) isDisposed() bool {
	return b.currentState() == Disposed
}

func (b *bridge) registerObserver(o events.Observer) {
	if o == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Active {
		log.Debug(log.CatBridge, "Ignoring observer registered after dispose", "bridge", b.id)
		return
	}
	b.observers = append(b.observers, o)
}

func (b *bridge) dispatch(ctx context.Context, event events.TestEvent) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.Lock()
	if b.state != Active {
		b.mu.Unlock()
		log.Debug(log.CatBridge, "Dropping event after dispose", "bridge", b.id, "test", event.Test)
		return
	}
	observers := slices.Clone(b.observers)
	b.mu.Unlock()

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("test.status", string(event.Status)),
		attribute.Int("bridge.observers", len(observers)),
	)

	for _, o := range observers {
		b.notifyTest(o, event)
	}
}

func (b *bridge) notifyTest(o events.Observer, event events.TestEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBridge, "Observer panicked in OnTest", "bridge", b.id, "test", event.Test, "panic", r)
		}
	}()
	o.OnTest(event)
}

func (b *bridge) dispose(trigger string) {
	if b.markDisposed() {
		b.teardown(trigger)
	}
}

// disposeAsync flips the state on the caller's goroutine and tears down on
// another. Lifecycle notifications can arrive on a goroutine that is inside
// dispatch, which teardown has to wait for.
func (b *bridge) disposeAsync(trigger string) {
	if b.markDisposed() {
		go b.teardown(trigger)
	}
}

// markDisposed reports whether this call made the Active -> Disposed
// transition.
func (b *bridge) markDisposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Disposed {
		return false
	}
	b.state = Disposed
	return true
}

func (b *bridge) teardown(trigger string) {
	_, span := b.tracer.Start(context.Background(), "bridge.dispose",
		trace.WithAttributes(
			attribute.String("bridge.id", b.id.String()),
			attribute.String("bridge.trigger", trigger),
		),
	)
	defer span.End()

	log.Info(log.CatBridge, "Disposing bridge", "bridge", b.id, "trigger", trigger)

	failures := 0
	failures += b.teardownStep("unsubscribe", b.monitor.Unsubscribe)
	failures += b.teardownStep("stop listener", b.listener.Stop)

	b.dispatchMu.Lock()
	b.mu.Lock()
	observers := b.observers
	b.mu.Unlock()

	for _, o := range observers {
		failures += b.teardownStep("notify dispose", o.OnDispose)
	}

	b.mu.Lock()
	b.observers = nil
	b.mu.Unlock()
	b.dispatchMu.Unlock()

	span.SetAttributes(attribute.Int("bridge.teardown_failures", failures))
	close(b.done)
	log.Debug(log.CatBridge, "Bridge disposed", "bridge", b.id, "failures", failures)
}

// teardownStep runs one disposal step, logging and containing a panic.
// It returns 1 if the step failed.
func (b *bridge) teardownStep(name string, fn func()) (failed int) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBridge, "Teardown step failed", "bridge", b.id, "step", name, "panic", r)
			failed = 1
		}
	}()
	fn()
	return 0
}

func (b *bridge) stop() {
	if b.isDisposed() {
		return
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return b.desc.Session.Terminate()
	}()
	if err != nil {
		log.ErrorErr(log.CatBridge, "Failed to terminate session", err,
			"bridge", b.id, "session", b.desc.Session.ID())
		return
	}
	log.Info(log.CatBridge, "Requested session termination", "bridge", b.id, "session", b.desc.Session.ID())
}

func (b *bridge) relaunch() error {
	if b.relauncher == nil {
		return ErrNoRelauncher
	}
	if err := b.relauncher.Relaunch(b.desc.Session, b.desc.Config); err != nil {
		log.ErrorErr(log.CatBridge, "Relaunch failed", err, "bridge", b.id, "session", b.desc.Session.ID())
		return fmt.Errorf("relaunching session %s: %w", b.desc.Session.ID(), err)
	}
	return nil
}

// dispatcher adapts the bridge to rpc.Dispatcher.
type dispatcher struct {
	bridge *bridge
}

func (d dispatcher) Dispatch(ctx context.Context, event events.TestEvent) {
	d.bridge.dispatch(ctx, event)
}

// lifecycleTarget adapts the bridge to session.Disposer.
type lifecycleTarget struct {
	bridge *bridge
}

func (t lifecycleTarget) IsDisposed() bool {
	return t.bridge.isDisposed()
}

func (t lifecycleTarget) Dispose() {
	t.bridge.disposeAsync(triggerLifecycle)
}
