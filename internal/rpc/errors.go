// Package rpc implements the inbound listener the external test runner calls
// into: an XML-RPC endpoint on a loopback port that decodes notifyTest calls
// into test events and hands them to a Dispatcher.
package rpc

import "errors"

// Sentinel errors for the listener and the wire protocol.
var (
	// ErrTransport wraps every failure to reserve, bind or start the listener.
	// It is the only error the bridge surfaces to its constructor's caller.
	ErrTransport = errors.New("rpc transport error")

	// ErrNoPortsAvailable is returned when the port pool is exhausted.
	ErrNoPortsAvailable = errors.New("no ports available in pool")

	// ErrInvalidPort is returned when a reserved or bound port is outside 1..65535.
	ErrInvalidPort = errors.New("invalid port")

	// ErrProtocolMismatch marks a notifyTest call with the wrong argument count.
	// It is logged locally and never returned to the remote caller.
	ErrProtocolMismatch = errors.New("protocol mismatch")
)
