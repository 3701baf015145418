package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/testbridge/internal/events"
	"github.com/zjrosen/testbridge/internal/log"
)

// MaxRequestBytes caps the size of one inbound request body.
// Captured output and tracebacks can be large, so this is generous.
const MaxRequestBytes = 16 << 20

// Default listener settings.
const (
	DefaultHost            = "127.0.0.1"
	DefaultPath            = "/"
	DefaultShutdownTimeout = 2 * time.Second
)

// Dispatcher receives every successfully decoded event.
// Dispatch runs on the request goroutine and must return before the call is
// acknowledged, so consecutive calls from one caller are never reordered.
type Dispatcher interface {
	Dispatch(ctx context.Context, event events.TestEvent)
}

// Config configures a Listener.
type Config struct {
	// Host is the interface to bind (loopback by default).
	Host string
	// Path is the HTTP path served; "/" accepts every path (including /RPC2).
	Path string
	// ShutdownTimeout bounds how long Stop waits for in-flight calls.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default listener configuration.
func DefaultConfig() Config {
	return Config{
		Host:            DefaultHost,
		Path:            DefaultPath,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithTracer sets the tracer used for per-call spans.
func WithTracer(tracer trace.Tracer) ListenerOption {
	return func(l *Listener) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// Listener is the XML-RPC endpoint the external process calls.
// It owns its port reservation and its HTTP server.
type Listener struct {
	id         BridgeID
	cfg        Config
	allocator  PortAllocator
	dispatcher Dispatcher
	tracer     trace.Tracer

	mu      sync.Mutex
	server  *http.Server
	release func()
	done    chan struct{}
	port    int
	started bool
	stopped bool
}

// NewListener creates a Listener. Call Start to bind and serve.
func NewListener(id BridgeID, cfg Config, allocator PortAllocator, dispatcher Dispatcher, opts ...ListenerOption) *Listener {
	if allocator == nil {
		allocator = EphemeralAllocator{}
	}
	l := &Listener{
		id:         id,
		cfg:        cfg.withDefaults(),
		allocator:  allocator,
		dispatcher: dispatcher,
		tracer:     noop.NewTracerProvider().Tracer("testbridge/rpc"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start reserves a port, binds it and begins serving in the background.
// All failures wrap ErrTransport; on failure nothing is left bound or reserved.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return fmt.Errorf("%w: listener already stopped", ErrTransport)
	}
	if l.started {
		return fmt.Errorf("%w: listener already started", ErrTransport)
	}

	port, release, err := l.allocator.Reserve(ctx, l.id)
	if err != nil {
		return fmt.Errorf("%w: reserving port: %w", ErrTransport, err)
	}
	if port != 0 {
		if err := ValidatePort(port); err != nil {
			release()
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}

	addr := net.JoinHostPort(l.cfg.Host, strconv.Itoa(port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		release()
		return fmt.Errorf("%w: binding %s: %w", ErrTransport, addr, err)
	}

	bound := ln.Addr().(*net.TCPAddr).Port
	if err := ValidatePort(bound); err != nil {
		_ = ln.Close()
		release()
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	mux := http.NewServeMux()
	mux.Handle(l.cfg.Path, l)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorErr(log.CatRPC, "Listener stopped serving", err, "port", bound)
		}
	}()

	l.server = server
	l.release = release
	l.done = done
	l.port = bound
	l.started = true

	log.Info(log.CatRPC, "Listener started", "bridge", l.id, "addr", ln.Addr().String())
	return nil
}

// Port returns the bound port. It keeps returning the last bound value after
// Stop, and 0 if Start never succeeded.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// Stop shuts the server down and releases the port reservation.
// Safe to call when never started or already stopped; failures are logged
// and swallowed.
func (l *Listener) Stop() {
	l.mu.Lock()
	server, release, done := l.server, l.release, l.done
	l.server, l.release, l.done = nil, nil, nil
	l.stopped = true
	l.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Debug(log.CatRPC, "Graceful shutdown failed, closing", "error", err)
			_ = server.Close()
		}
		<-done
		log.Debug(log.CatRPC, "Listener stopped", "bridge", l.id, "port", l.Port())
	}
	if release != nil {
		release()
	}
}

// ServeHTTP decodes one XML-RPC call, handles it and writes the acknowledgment.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")

	call, err := DecodeCall(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err != nil {
		var fault *Fault
		if !errors.As(err, &fault) {
			fault = &Fault{Code: FaultParseError, Message: err.Error()}
		}
		log.Warn(log.CatRPC, "Rejected undecodable call", "code", fault.Code, "error", fault.Message)
		if err := EncodeFault(w, fault); err != nil {
			log.Debug(log.CatRPC, "Writing fault failed", "error", err)
		}
		return
	}

	l.handle(r.Context(), call)

	if err := EncodeResponse(w, Acknowledgment); err != nil {
		log.Debug(log.CatRPC, "Writing acknowledgment failed", "error", err)
	}
}

// handle routes a decoded call. Nothing here fails the call: mismatches and
// unknown methods are logged and acknowledged so the caller's loop keeps going.
func (l *Listener) handle(ctx context.Context, call Call) {
	ctx, span := l.tracer.Start(ctx, "rpc."+call.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "xmlrpc"),
			attribute.String("rpc.method", call.Method),
			attribute.Int("rpc.xmlrpc.param_count", len(call.Params)),
		),
	)
	defer span.End()

	switch call.Method {
	case MethodNotifyTest:
		event, err := DecodeNotifyTest(call.Params)
		if err != nil {
			log.Warn(log.CatRPC, "notifyTest argument count mismatch", "expected", NotifyTestArity, "received", len(call.Params))
			span.SetStatus(codes.Error, err.Error())
			return
		}
		if l.dispatcher != nil {
			l.dispatcher.Dispatch(ctx, event)
		}
	default:
		log.Warn(log.CatRPC, "Ignoring unrecognized method", "method", call.Method, "params", len(call.Params))
		span.SetAttributes(attribute.Bool("rpc.ignored", true))
	}
}
