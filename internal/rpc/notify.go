package rpc

import (
	"fmt"

	"github.com/zjrosen/testbridge/internal/events"
)

// MethodNotifyTest is the only method the listener dispatches.
const MethodNotifyTest = "notifyTest"

// NotifyTestArity is the number of positional arguments notifyTest carries:
// status, capturedOutput, errorContents, location, test.
const NotifyTestArity = 5

// Acknowledgment is returned for every structurally accepted call.
const Acknowledgment = "OK"

// DecodeNotifyTest maps notifyTest's positional arguments onto a TestEvent.
// A wrong argument count returns ErrProtocolMismatch.
func DecodeNotifyTest(params []string) (events.TestEvent, error) {
	if len(params) != NotifyTestArity {
		return events.TestEvent{}, fmt.Errorf("%w: expected %d parameters in %s, received %d",
			ErrProtocolMismatch, NotifyTestArity, MethodNotifyTest, len(params))
	}
	return events.TestEvent{
		Status:         events.Status(params[0]),
		CapturedOutput: params[1],
		ErrorContents:  params[2],
		Location:       params[3],
		Test:           params[4],
	}, nil
}

// EncodeNotifyTest is the inverse of DecodeNotifyTest: it returns the
// positional arguments in wire order.
func EncodeNotifyTest(event events.TestEvent) []any {
	return []any{
		string(event.Status),
		event.CapturedOutput,
		event.ErrorContents,
		event.Location,
		event.Test,
	}
}
