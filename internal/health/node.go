package health

import (
	"context"
	"fmt"

	"github.com/devblac/event-listener/internal/listener"
)

// StateReporter exposes the listener lifecycle. *listener.Listener implements it.
type StateReporter interface {
	State() listener.State
}

// ListenerProbe reports the node as healthy only while the listener holds a
// live subscription.
func ListenerProbe(l StateReporter) func(ctx context.Context) error {
	return func(context.Context) error {
		if s := l.State(); s != listener.StateListening {
			return fmt.Errorf("listener is %s", s)
		}
		return nil
	}
}

// ListenerState returns a Checker.State func for l.
func ListenerState(l StateReporter) func() string {
	return func() string { return l.State().String() }
}
