// Package dispatch routes listener notifications to sinks, applying
// per-route predicates and rate limits.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devblac/event-listener/internal/metrics"
	"github.com/devblac/event-listener/internal/sink"
)

// Route sends notifications that pass Where to Sender.
type Route struct {
	Name    string
	Sender  sink.Sender
	Where   []string
	Limiter *TokenBucket
}

type route struct {
	name    string
	sender  sink.Sender
	preds   []Predicate
	limiter *TokenBucket
}

// Dispatcher fans a notification out to every matching route. It is used
// from the single listener goroutine and is not safe for concurrent Send.
type Dispatcher struct {
	routes  []route
	log     *slog.Logger
	metrics *metrics.Metrics
	dryRun  bool
	nowFunc func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger for delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics records deliveries, drops and sink errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDryRun evaluates routes but skips delivery.
func WithDryRun(dry bool) Option {
	return func(d *Dispatcher) { d.dryRun = dry }
}

// New compiles route predicates and builds a Dispatcher.
func New(routes []Route, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		log:     slog.Default(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, r := range routes {
		if r.Sender == nil {
			return nil, fmt.Errorf("route %s: sender required", r.Name)
		}
		preds, err := CompilePredicates(r.Where)
		if err != nil {
			return nil, fmt.Errorf("route %s predicates: %w", r.Name, err)
		}
		d.routes = append(d.routes, route{name: r.Name, sender: r.Sender, preds: preds, limiter: r.Limiter})
	}
	return d, nil
}

// Send delivers n to every matching route. Delivery errors are collected
// and returned together; one failing route does not stop the others.
func (d *Dispatcher) Send(ctx context.Context, n sink.Notification) error {
	args := n.Args()
	var errs []error
	for _, r := range d.routes {
		pass, err := allPredicates(r.preds, args)
		if err != nil {
			d.log.Debug("route predicate failed", "route", r.name, "kind", n.Kind, "error", err)
			continue
		}
		if !pass {
			continue
		}
		if r.limiter != nil && !r.limiter.Allow(d.nowFunc()) {
			d.metrics.NotificationDropped()
			d.log.Debug("notification rate limited", "route", r.name, "kind", n.Kind)
			continue
		}
		if d.dryRun {
			continue
		}
		if err := r.sender.Send(ctx, n); err != nil {
			d.metrics.SinkError()
			d.log.Error("sink delivery failed", "route", r.name, "kind", n.Kind, "error", err)
			errs = append(errs, fmt.Errorf("route %s: %w", r.name, err))
			continue
		}
		d.metrics.NotificationSent()
	}
	return errors.Join(errs...)
}

func allPredicates(preds []Predicate, args map[string]any) (bool, error) {
	for _, p := range preds {
		ok, err := p(args)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
