package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatus_Values(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusRunning, "running"},
		{StatusOK, "ok"},
		{StatusFail, "fail"},
		{StatusError, "error"},
		{StatusSkip, "skip"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			require.Equal(t, tt.expected, string(tt.status))
		})
	}
}

func TestStatus_IsFailure(t *testing.T) {
	require.True(t, StatusFail.IsFailure())
	require.True(t, StatusError.IsFailure())
	require.True(t, Status("FAIL").IsFailure())
	require.False(t, StatusOK.IsFailure())
	require.False(t, StatusRunning.IsFailure())
	require.False(t, Status("unknown").IsFailure())
}

func TestStatus_IsFinal(t *testing.T) {
	require.False(t, StatusRunning.IsFinal())
	require.False(t, Status("").IsFinal())
	require.True(t, StatusOK.IsFinal())
	require.True(t, StatusSkip.IsFinal())
	require.True(t, Status("xfail").IsFinal())
}

func TestObserverFuncs_NilFieldsAreIgnored(t *testing.T) {
	var o Observer = ObserverFuncs{}
	o.OnTest(TestEvent{Status: StatusOK})
	o.OnDispose()
}

func TestObserverFuncs_Delegates(t *testing.T) {
	var got []TestEvent
	disposed := 0
	var o Observer = ObserverFuncs{
		Test:    func(e TestEvent) { got = append(got, e) },
		Dispose: func() { disposed++ },
	}

	o.OnTest(TestEvent{Status: StatusFail, Test: "test_a"})
	o.OnDispose()

	require.Equal(t, []TestEvent{{Status: StatusFail, Test: "test_a"}}, got)
	require.Equal(t, 1, disposed)
}

// === Recorder ===

func TestRecorder_KeepsArrivalOrder(t *testing.T) {
	r := NewRecorder()
	r.OnTest(TestEvent{Test: "first"})
	r.OnTest(TestEvent{Test: "second"})

	events := r.Events()
	require.Len(t, events, 2)
	require.Equal(t, "first", events[0].Test)
	require.Equal(t, "second", events[1].Test)

	// Returned slice is a copy
	events[0].Test = "mutated"
	require.Equal(t, "first", r.Events()[0].Test)
}

func TestRecorder_DoneClosesOnFirstDispose(t *testing.T) {
	r := NewRecorder()

	select {
	case <-r.Done():
		t.Fatal("Done closed before dispose")
	default:
	}

	r.OnDispose()
	r.OnDispose()

	<-r.Done()
	require.Equal(t, 2, r.DisposeCount())
}

func TestRecorder_ConcurrentUse(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.OnTest(TestEvent{Status: StatusOK})
		}()
	}
	wg.Wait()
	require.Len(t, r.Events(), 50)
}
