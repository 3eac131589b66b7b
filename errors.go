package peersock

import (
	"errors"
	"fmt"

	"github.com/opd-ai/peersock/crypto"
)

// ErrClosed is returned by operations on a socket after Close.
var ErrClosed = errors.New("socket is closed")

// ErrUnreachable is returned when a node has neither a usable direct
// path nor a known relay.
var ErrUnreachable = errors.New("node is unreachable")

// ErrNotNodeAddr is returned by WriteTo when the destination address is
// not a NodeAddr.
var ErrNotNodeAddr = errors.New("destination is not a node address")

// ErrPacketTooLarge is returned when a payload exceeds MaxPacketSize.
var ErrPacketTooLarge = errors.New("packet exceeds maximum size")

// NetError wraps a failure on a socket operation with the operation
// name and the node involved, so callers can log meaningfully and still
// unwrap to sentinel errors.
type NetError struct {
	Op   string
	Node crypto.NodeID
	Err  error
}

// Error implements the error interface.
func (e *NetError) Error() string {
	return fmt.Sprintf("peersock %s %s: %v", e.Op, e.Node.ShortString(), e.Err)
}

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (e *NetError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the operation failed due to a deadline, which
// makes NetError satisfy net.Error where that matters.
func (e *NetError) Timeout() bool {
	var timeout interface{ Timeout() bool }
	if errors.As(e.Err, &timeout) {
		return timeout.Timeout()
	}
	return false
}

func opError(op string, node crypto.NodeID, err error) error {
	if err == nil {
		return nil
	}
	return &NetError{Op: op, Node: node, Err: err}
}
