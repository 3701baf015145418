package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/testbridge/internal/events"
)

func TestDecodeNotifyTest_ArgumentOrder(t *testing.T) {
	event, err := DecodeNotifyTest([]string{"fail", "out", "trace", "mod.py:10", "test_foo"})
	require.NoError(t, err)
	require.Equal(t, events.TestEvent{
		Status:         events.StatusFail,
		CapturedOutput: "out",
		ErrorContents:  "trace",
		Location:       "mod.py:10",
		Test:           "test_foo",
	}, event)
}

func TestDecodeNotifyTest_WrongArity(t *testing.T) {
	for _, n := range []int{0, 1, 3, 4, 6, 10} {
		params := make([]string, n)
		_, err := DecodeNotifyTest(params)
		require.ErrorIs(t, err, ErrProtocolMismatch, "arity %d", n)
	}
}

func TestEncodeNotifyTest_RoundTrip(t *testing.T) {
	in := events.TestEvent{
		Status:         events.StatusOK,
		CapturedOutput: "captured",
		ErrorContents:  "",
		Location:       "pkg/mod.py:3",
		Test:           "TestCase.test_it",
	}

	args := EncodeNotifyTest(in)
	require.Len(t, args, NotifyTestArity)

	params := make([]string, len(args))
	for i, a := range args {
		params[i] = a.(string)
	}
	out, err := DecodeNotifyTest(params)
	require.NoError(t, err)
	require.Equal(t, in, out)
}
