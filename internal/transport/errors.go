package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
)

// Error kinds. Use errors.Is against these to classify a transport failure.
var (
	ErrUnreachable          = errors.New("node unreachable")
	ErrHandshakeFailed      = errors.New("handshake failed")
	ErrSubscriptionRejected = errors.New("subscription rejected")
	ErrStreamClosed         = errors.New("stream closed")
	ErrIO                   = errors.New("i/o error")
)

// ErrEndOfStream signals that the subscription ended without an error.
var ErrEndOfStream = errors.New("end of stream")

// Error is a transport failure tagged with its kind.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func wrap(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// classifyDial maps a dial failure to Unreachable or HandshakeFailed.
func classifyDial(err error) error {
	if errors.Is(err, websocket.ErrBadHandshake) || strings.Contains(err.Error(), "bad handshake") {
		return wrap(ErrHandshakeFailed, "connect", err)
	}
	return wrap(ErrUnreachable, "connect", err)
}

// classifySubscribe separates a node rejecting the filter from a dead connection.
func classifySubscribe(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) || errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return wrap(ErrSubscriptionRejected, "subscribe", err)
	}
	if errors.Is(err, rpc.ErrClientQuit) {
		return wrap(ErrStreamClosed, "subscribe", err)
	}
	return wrap(ErrIO, "subscribe", err)
}
