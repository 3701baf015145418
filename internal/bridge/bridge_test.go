package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/kolo/xmlrpc"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/testbridge/internal/config"
	"github.com/zjrosen/testbridge/internal/events"
	"github.com/zjrosen/testbridge/internal/log"
	"github.com/zjrosen/testbridge/internal/mocks"
	"github.com/zjrosen/testbridge/internal/rpc"
	"github.com/zjrosen/testbridge/internal/session"
)

// === Test Helpers ===

// newTestBridge builds a bridge on an ephemeral port for a mock session
// tracked by a fresh Manager.
func newTestBridge(t *testing.T, opts ...Option) (*Bridge, *session.Manager, *mocks.MockHandle) {
	t.Helper()
	manager := session.NewManager(time.Minute)
	handle := mocks.NewMockHandle(t, "session-"+t.Name())
	manager.Add(handle)

	b, err := New(context.Background(), manager, session.Descriptor{
		Session: handle,
		Config:  config.Defaults().Runner,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(b.Dispose)
	return b, manager, handle
}

// waitDone waits for a background teardown to finish.
func waitDone(t *testing.T, b *Bridge) {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("bridge never finished disposing: state=%s", b.State())
	}
}

// notify sends one notifyTest call the way the external process does.
func notify(t *testing.T, port int, args ...interface{}) string {
	t.Helper()
	client, err := xmlrpc.NewClient(fmt.Sprintf("http://127.0.0.1:%d/RPC2", port), nil)
	require.NoError(t, err)
	defer client.Close()

	var result string
	require.NoError(t, client.Call("notifyTest", args, &result))
	return result
}

// orderLog records observer callbacks from several observers in one sequence.
type orderLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *orderLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *orderLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func namedObserver(name string, l *orderLog) events.Observer {
	return events.ObserverFuncs{
		Test:    func(e events.TestEvent) { l.add(name + ":" + e.Test) },
		Dispose: func() { l.add(name + ":dispose") },
	}
}

// strictObserver flags any OnTest that arrives after OnDispose.
type strictObserver struct {
	mu        sync.Mutex
	tests     int
	disposes  int
	violation bool
}

func (o *strictObserver) OnTest(events.TestEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposes > 0 {
		o.violation = true
	}
	o.tests++
}

func (o *strictObserver) OnDispose() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disposes++
}

func (o *strictObserver) snapshot() (tests, disposes int, violation bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tests, o.disposes, o.violation
}

// === Construction ===

func TestNew_StartsActiveWithBoundPort(t *testing.T) {
	b, manager, _ := newTestBridge(t)

	require.Equal(t, Active, b.State())
	require.NoError(t, rpc.ValidatePort(b.Port()))
	require.NotEmpty(t, b.ID())
	require.Equal(t, 1, manager.ListenerCount())
}

func TestNew_RequiresSession(t *testing.T) {
	_, err := New(context.Background(), nil, session.Descriptor{})
	require.Error(t, err)
}

func TestNew_TransportFailureLeavesNothingSubscribed(t *testing.T) {
	pool := rpc.NewPoolAllocator(&rpc.PoolConfig{StartPort: 9000, EndPort: 9000})
	_, release, err := pool.Reserve(context.Background(), rpc.NewBridgeID())
	require.NoError(t, err)
	defer release()

	registry := mocks.NewMockRegistry(t)
	handle := mocks.NewMockHandle(t, "s1")

	b, err := New(context.Background(), registry, session.Descriptor{Session: handle}, WithAllocator(pool))
	require.ErrorIs(t, err, rpc.ErrTransport)
	require.Nil(t, b)
	registry.AssertNotCalled(t, "AddListener", mock.Anything)
}

func TestNew_BindFailureIsTransportError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	manager := session.NewManager(time.Minute)
	pool := rpc.NewPoolAllocator(&rpc.PoolConfig{StartPort: port, EndPort: port})

	_, err = New(context.Background(), manager, session.Descriptor{Session: mocks.NewMockHandle(t, "s1")}, WithAllocator(pool))
	require.ErrorIs(t, err, rpc.ErrTransport)
	require.Zero(t, manager.ListenerCount())
}

func TestNew_SessionAlreadyEndedDisposesImmediately(t *testing.T) {
	manager := session.NewManager(time.Minute)
	handle := mocks.NewMockHandle(t, "s1")
	manager.MarkTerminated(handle)

	b, err := New(context.Background(), manager, session.Descriptor{Session: handle})
	require.NoError(t, err)

	require.Equal(t, Disposed, b.State())
	waitDone(t, b)
	require.Zero(t, manager.ListenerCount())
}

func TestNew_UsesListenerConfigAndPool(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	pool := rpc.NewPoolAllocator(&rpc.PoolConfig{StartPort: port, EndPort: port})
	cfg := rpc.DefaultConfig()
	cfg.Path = "/RPC2"

	b, _, _ := newTestBridge(t, WithAllocator(pool), WithListenerConfig(cfg))
	require.Equal(t, port, b.Port())
	require.Equal(t, rpc.Acknowledgment, notify(t, b.Port(), "ok", "", "", "m.py", "t"))

	b.Dispose()
	require.True(t, pool.IsPortAvailable(port))
}

// === Dispatch ===

func TestDispatch_DeliversToObserversInRegistrationOrder(t *testing.T) {
	b, _, _ := newTestBridge(t)
	a := events.NewRecorder()
	bb := events.NewRecorder()
	order := &orderLog{}
	b.RegisterObserver(a)
	b.RegisterObserver(namedObserver("first", order))
	b.RegisterObserver(bb)
	b.RegisterObserver(namedObserver("second", order))

	result := notify(t, b.Port(), "ok", "", "", "mod.py:10", "test_foo")
	require.Equal(t, "OK", result)

	want := events.TestEvent{
		Status:   events.StatusOK,
		Location: "mod.py:10",
		Test:     "test_foo",
	}
	require.Equal(t, []events.TestEvent{want}, a.Events())
	require.Equal(t, []events.TestEvent{want}, bb.Events())
	require.Equal(t, []string{"first:test_foo", "second:test_foo"}, order.get())
}

func TestDispatch_WrongArityDispatchesNothing(t *testing.T) {
	b, _, _ := newTestBridge(t)
	rec := events.NewRecorder()
	b.RegisterObserver(rec)

	result := notify(t, b.Port(), "fail", "out", "trace")
	require.Equal(t, "OK", result)
	require.Empty(t, rec.Events())
	require.True(t, log.RecentContains("notifyTest argument count mismatch"))
}

func TestDispatch_PreservesCallOrder(t *testing.T) {
	b, _, _ := newTestBridge(t)
	rec := events.NewRecorder()
	b.RegisterObserver(rec)

	statuses := []string{"running", "ok", "running", "fail", "running", "error"}
	for i, status := range statuses {
		notify(t, b.Port(), status, "", "", "mod.py", fmt.Sprintf("test_%d", i))
	}

	got := rec.Events()
	require.Len(t, got, len(statuses))
	for i, e := range got {
		require.Equal(t, events.Status(statuses[i]), e.Status)
		require.Equal(t, fmt.Sprintf("test_%d", i), e.Test)
	}
}

func TestDispatch_ObserverPanicIsContained(t *testing.T) {
	b, _, _ := newTestBridge(t)
	b.RegisterObserver(events.ObserverFuncs{Test: func(events.TestEvent) { panic("boom") }})
	rec := events.NewRecorder()
	b.RegisterObserver(rec)

	require.Equal(t, "OK", notify(t, b.Port(), "ok", "", "", "mod.py", "test_foo"))
	require.Len(t, rec.Events(), 1)
	require.Equal(t, Active, b.State())
}

func TestDispatch_DroppedAfterDispose(t *testing.T) {
	b, _, _ := newTestBridge(t)
	rec := events.NewRecorder()
	b.RegisterObserver(rec)
	b.Dispose()

	b.core.dispatch(context.Background(), events.TestEvent{Status: events.StatusOK, Test: "late"})
	require.Empty(t, rec.Events())
}

// === Registration ===

func TestRegisterObserver_AfterDisposeIsInert(t *testing.T) {
	b, _, _ := newTestBridge(t)
	first := events.NewRecorder()
	b.RegisterObserver(first)
	b.Dispose()

	late := events.NewRecorder()
	require.NotPanics(t, func() { b.RegisterObserver(late) })

	// Hypothetical late call
	b.core.dispatch(context.Background(), events.TestEvent{Status: events.StatusOK, Test: "late"})

	require.Empty(t, late.Events())
	require.Zero(t, late.DisposeCount())
	require.Equal(t, 1, first.DisposeCount())
	require.Empty(t, b.core.observers)
}

func TestRegisterObserver_NilIgnored(t *testing.T) {
	b, _, _ := newTestBridge(t)
	b.RegisterObserver(nil)
	require.Empty(t, b.core.observers)
}

func TestRegisterObserver_TwiceIsNotifiedTwice(t *testing.T) {
	b, _, _ := newTestBridge(t)
	rec := events.NewRecorder()
	b.RegisterObserver(rec)
	b.RegisterObserver(rec)

	notify(t, b.Port(), "ok", "", "", "m.py:1", "test_a")
	b.Dispose()

	require.Len(t, rec.Events(), 2)
	require.Equal(t, 2, rec.DisposeCount())
}

// === Dispose ===

func TestDispose_RunsStepsInOrder(t *testing.T) {
	b, manager, _ := newTestBridge(t)
	port := b.Port()
	order := &orderLog{}
	b.RegisterObserver(namedObserver("a", order))
	b.RegisterObserver(namedObserver("b", order))

	b.Dispose()

	require.Equal(t, Disposed, b.State())
	require.Zero(t, manager.ListenerCount(), "unsubscribed")
	_, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.Error(t, err, "listener stopped")
	require.Equal(t, []string{"a:dispose", "b:dispose"}, order.get())
	require.Empty(t, b.core.observers, "registry cleared")

	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed after Dispose")
	}
}

func TestDispose_IsIdempotent(t *testing.T) {
	b, _, _ := newTestBridge(t)
	rec := events.NewRecorder()
	b.RegisterObserver(rec)

	b.Dispose()
	b.Dispose()
	require.NoError(t, b.Close())

	require.Equal(t, 1, rec.DisposeCount())
}

func TestDispose_PortStableAcrossDisposal(t *testing.T) {
	b, _, _ := newTestBridge(t)
	before := b.Port()
	b.Dispose()
	require.Equal(t, before, b.Port())
}

func TestDispose_FailingStepDoesNotBlockOthers(t *testing.T) {
	b, _, _ := newTestBridge(t)
	b.RegisterObserver(events.ObserverFuncs{Dispose: func() { panic("teardown boom") }})
	rec := events.NewRecorder()
	b.RegisterObserver(rec)

	require.NotPanics(t, b.Dispose)

	require.Equal(t, Disposed, b.State())
	require.Equal(t, 1, rec.DisposeCount())
	require.True(t, log.RecentContains("Teardown step failed"))
}

func TestDispose_LifecycleNotificationAfterDisposeIsNoop(t *testing.T) {
	b, manager, handle := newTestBridge(t)
	rec := events.NewRecorder()
	b.RegisterObserver(rec)

	b.Dispose()
	manager.MarkTerminated(handle)
	b.core.monitor.SessionsTerminated([]session.Handle{handle})

	require.Equal(t, 1, rec.DisposeCount())
}

func TestDispose_TriggeredByLifecycle(t *testing.T) {
	tests := []struct {
		name string
		end  func(m *session.Manager, h session.Handle)
	}{
		{"terminated", func(m *session.Manager, h session.Handle) { m.MarkTerminated(h) }},
		{"removed", func(m *session.Manager, h session.Handle) { m.Remove(h) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, manager, handle := newTestBridge(t)
			rec := events.NewRecorder()
			b.RegisterObserver(rec)

			tt.end(manager, handle)

			require.Equal(t, Disposed, b.State())
			waitDone(t, b)
			require.Equal(t, 1, rec.DisposeCount())
			require.Zero(t, manager.ListenerCount())
		})
	}
}

func TestDispose_OtherSessionEndingIsIgnored(t *testing.T) {
	b, manager, _ := newTestBridge(t)
	manager.MarkTerminated(mocks.NewMockHandle(t, "someone-else"))
	require.Equal(t, Active, b.State())
}

func TestDispose_ConcurrentTriggersRunOnce(t *testing.T) {
	b, manager, handle := newTestBridge(t)
	rec := events.NewRecorder()
	b.RegisterObserver(rec)

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				b.Dispose()
			case 1:
				manager.MarkTerminated(handle)
			default:
				manager.Remove(handle)
			}
		}(i)
	}
	wg.Wait()
	waitDone(t, b)

	require.Equal(t, 1, rec.DisposeCount())
	require.Equal(t, Disposed, b.State())
}

func TestDispose_SessionEndingInsideOnTest(t *testing.T) {
	tests := []struct {
		name string
		end  func(b *Bridge, m *session.Manager, h *mocks.MockHandle)
	}{
		{"stop with synchronous termination report", func(b *Bridge, m *session.Manager, h *mocks.MockHandle) {
			h.On("Terminate").Return(nil).Run(func(mock.Arguments) { m.MarkTerminated(h) }).Once()
			b.Stop()
		}},
		{"session removed", func(_ *Bridge, m *session.Manager, h *mocks.MockHandle) {
			m.Remove(h)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, manager, handle := newTestBridge(t)
			rec := events.NewRecorder()
			b.RegisterObserver(events.ObserverFuncs{
				Test: func(e events.TestEvent) {
					if e.Status.IsFailure() {
						tt.end(b, manager, handle)
					}
				},
			})
			b.RegisterObserver(rec)

			require.Equal(t, "OK", notify(t, b.Port(), "fail", "", "trace", "m.py:1", "test_a"))

			waitDone(t, b)
			require.Len(t, rec.Events(), 1)
			require.Equal(t, 1, rec.DisposeCount())
			require.Zero(t, manager.ListenerCount())
		})
	}
}

func TestDispose_RacingCallsNeverReachDisposedObserver(t *testing.T) {
	b, _, _ := newTestBridge(t)
	obs := &strictObserver{}
	b.RegisterObserver(obs)
	port := b.Port()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client, err := xmlrpc.NewClient(fmt.Sprintf("http://127.0.0.1:%d", port), nil)
			if err != nil {
				return
			}
			defer client.Close()
			for j := 0; j < 10; j++ {
				var result string
				// Errors are expected once the listener is gone
				_ = client.Call("notifyTest", []interface{}{"ok", "", "", "m.py", fmt.Sprintf("%d-%d", i, j)}, &result)
			}
		}(i)
	}

	time.Sleep(5 * time.Millisecond)
	b.Dispose()
	wg.Wait()

	_, disposes, violation := obs.snapshot()
	require.Equal(t, 1, disposes)
	require.False(t, violation, "OnTest delivered after OnDispose")
}

func TestDispose_BackstopDisposesUnreachableBridge(t *testing.T) {
	manager := session.NewManager(time.Minute)
	handle := mocks.NewMockHandle(t, "s1")

	core := func() *bridge {
		b, err := New(context.Background(), manager, session.Descriptor{Session: handle})
		require.NoError(t, err)
		return b.core
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return core.isDisposed()
	}, 5*time.Second, 20*time.Millisecond)

	<-core.done
	require.Zero(t, manager.ListenerCount())
	require.True(t, log.RecentContains("without Dispose"))
}

func TestDispose_BackstopDoesNotWaitForDispatch(t *testing.T) {
	b, _, _ := newTestBridge(t)
	rec := events.NewRecorder()
	b.RegisterObserver(rec)

	// Stands in for a dispatch in progress
	b.core.dispatchMu.Lock()
	returned := make(chan struct{})
	go func() {
		backstop(b.core)
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("backstop blocked on an in-flight dispatch")
	}
	require.Equal(t, Disposed, b.State())
	require.Zero(t, rec.DisposeCount())

	b.core.dispatchMu.Unlock()
	waitDone(t, b)
	require.Equal(t, 1, rec.DisposeCount())
}

// === Stop ===

func TestStop_RequestsTerminationWithoutDisposing(t *testing.T) {
	b, _, handle := newTestBridge(t)
	handle.On("Terminate").Return(nil).Once()

	b.Stop()
	require.Equal(t, Active, b.State())
}

func TestStop_DisposalFollowsTerminationReport(t *testing.T) {
	b, manager, handle := newTestBridge(t)
	rec := events.NewRecorder()
	b.RegisterObserver(rec)
	handle.On("Terminate").Return(nil).Run(func(mock.Arguments) {
		go manager.MarkTerminated(handle)
	}).Once()

	b.Stop()

	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("bridge not disposed after termination")
	}
	require.Equal(t, 1, rec.DisposeCount())
}

func TestStop_FailureIsLoggedAndStateUnchanged(t *testing.T) {
	b, _, handle := newTestBridge(t)
	handle.On("Terminate").Return(errors.New("permission denied")).Once()

	require.NotPanics(t, b.Stop)
	require.Equal(t, Active, b.State())
	require.True(t, log.RecentContains("Failed to terminate session"))
}

func TestStop_PanicIsContained(t *testing.T) {
	b, _, handle := newTestBridge(t)
	handle.On("Terminate").Run(func(mock.Arguments) { panic("kaboom") }).Return(nil).Once()

	require.NotPanics(t, b.Stop)
	require.Equal(t, Active, b.State())
}

func TestStop_NoopAfterDispose(t *testing.T) {
	b, _, handle := newTestBridge(t)
	b.Dispose()

	b.Stop()
	handle.AssertNotCalled(t, "Terminate")
}

// === Relaunch ===

func TestRelaunch_DelegatesWithStoredDescriptor(t *testing.T) {
	relauncher := mocks.NewMockRelauncher(t)
	b, _, handle := newTestBridge(t, WithRelauncher(relauncher))
	relauncher.On("Relaunch", handle, config.Defaults().Runner).Return(nil).Once()

	require.NoError(t, b.Relaunch())
	require.Equal(t, Active, b.State())
}

func TestRelaunch_WorksAfterDispose(t *testing.T) {
	relauncher := mocks.NewMockRelauncher(t)
	b, _, handle := newTestBridge(t, WithRelauncher(relauncher))
	relauncher.On("Relaunch", handle, mock.Anything).Return(nil).Once()

	b.Dispose()
	require.NoError(t, b.Relaunch())
	require.Equal(t, Disposed, b.State())
}

func TestRelaunch_ErrorIsWrapped(t *testing.T) {
	relauncher := mocks.NewMockRelauncher(t)
	b, _, _ := newTestBridge(t, WithRelauncher(relauncher))
	cause := errors.New("interpreter missing")
	relauncher.On("Relaunch", mock.Anything, mock.Anything).Return(cause).Once()

	err := b.Relaunch()
	require.ErrorIs(t, err, cause)
}

func TestRelaunch_WithoutRelauncher(t *testing.T) {
	b, _, _ := newTestBridge(t)
	require.ErrorIs(t, b.Relaunch(), ErrNoRelauncher)
}

// === State ===

func TestState_String(t *testing.T) {
	require.Equal(t, "active", Active.String())
	require.Equal(t, "disposed", Disposed.String())
	require.Equal(t, "State(7)", State(7).String())
}
