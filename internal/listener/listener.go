// Package listener drives the subscribe, decode, enrich and notify loop and
// keeps it alive across node disconnects.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/devblac/event-listener/internal/decoder"
	"github.com/devblac/event-listener/internal/metrics"
	"github.com/devblac/event-listener/internal/sink"
	"github.com/devblac/event-listener/internal/storage"
	"github.com/devblac/event-listener/internal/transport"
)

const (
	// DefaultQueryTimeout bounds a single state query.
	DefaultQueryTimeout = 10 * time.Second

	replayChunk = 2000
)

// State is the lifecycle position of a Listener.
type State int32

const (
	StateStarting State = iota
	StateConnected
	StateListening
	StateRecovering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Node opens connections to the node. *transport.Transport implements it.
type Node interface {
	Endpoint() transport.Endpoint
	Connect(ctx context.Context) (transport.Conn, error)
	ReconnectWithBackoff(ctx context.Context) (transport.Conn, error)
	Close() error
}

// Sink receives notifications. Delivery errors are logged, never fatal.
type Sink interface {
	Send(ctx context.Context, n sink.Notification) error
}

// Checkpoints persists the last processed log. *storage.Store implements it.
type Checkpoints interface {
	GetCheckpoint(ctx context.Context, endpointID string) (storage.Checkpoint, bool, error)
	UpsertCheckpoint(ctx context.Context, cp storage.Checkpoint) error
}

type position struct {
	block uint64
	index uint
}

// Listener processes matching logs strictly in arrival order.
type Listener struct {
	node         Node
	dec          *decoder.Decoder
	sink         Sink
	log          *slog.Logger
	metrics      *metrics.Metrics
	checkpoints  Checkpoints
	queryTimeout time.Duration
	replay       bool
	lookback     uint64
	nowFunc      func() time.Time

	state      atomic.Int32
	reconnects atomic.Uint64

	last    position
	hasLast bool
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ls *Listener) {
		if l != nil {
			ls.log = l
		}
	}
}

// WithMetrics records listener activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// WithCheckpoints persists the last processed log after every record.
func WithCheckpoints(c Checkpoints) Option {
	return func(l *Listener) { l.checkpoints = c }
}

// WithQueryTimeout bounds each state query.
func WithQueryTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.queryTimeout = d
		}
	}
}

// WithReplay fetches logs missed while disconnected every time a
// subscription is established. On a first start without a checkpoint it
// looks back lookback blocks from the head.
func WithReplay(lookback uint64) Option {
	return func(l *Listener) {
		l.replay = true
		l.lookback = lookback
	}
}

// New builds a Listener. Nothing happens until Run.
func New(node Node, dec *decoder.Decoder, s Sink, opts ...Option) *Listener {
	l := &Listener{
		node:         node,
		dec:          dec,
		sink:         s,
		log:          slog.Default(),
		queryTimeout: DefaultQueryTimeout,
		nowFunc:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current state. Safe for concurrent use.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Reconnects returns how many times the listener entered recovery.
func (l *Listener) Reconnects() uint64 {
	return l.reconnects.Load()
}

// Run connects, subscribes and processes logs until ctx is cancelled.
// Connectivity loss never ends Run; it returns nil once stopped.
func (l *Listener) Run(ctx context.Context) error {
	if l.node == nil || l.dec == nil || l.sink == nil {
		return errors.New("listener: node, decoder and sink are required")
	}
	l.setState(StateStarting)
	defer l.stop()

	ep := l.node.Endpoint()
	l.log.Info("starting listener",
		"contract", ep.Contract.Hex(),
		"event", l.dec.Signature(),
		"replay", l.replay)

	conn, err := l.node.Connect(ctx)
	for {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			conn, err = l.recover(ctx, err)
			if err != nil {
				return nil
			}
		}
		l.setState(StateConnected)

		err = l.session(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
	}
}

// session subscribes on conn and processes records until the stream fails.
// It always returns a non-nil error.
func (l *Listener) session(ctx context.Context, conn transport.Conn) error {
	filter := transport.LogFilter{Contract: l.node.Endpoint().Contract, Topic: l.dec.Topic()}
	sub, err := conn.Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	l.setState(StateListening)
	l.log.Info("listening for events", "event", l.dec.Signature())

	if l.replay {
		if err := l.catchUp(ctx, conn, filter); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn("replay of missed events failed", "error", err)
		}
	}

	for {
		rec, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		l.handle(ctx, conn, rec, false)
	}
}

func (l *Listener) recover(ctx context.Context, cause error) (transport.Conn, error) {
	l.setState(StateRecovering)
	l.reconnects.Add(1)
	l.metrics.Reconnect()
	if errors.Is(cause, transport.ErrEndOfStream) {
		l.log.Warn("event stream ended, reconnecting")
	} else {
		l.log.Warn("connection lost, reconnecting", "error", cause)
	}
	return l.node.ReconnectWithBackoff(ctx)
}

// catchUp delivers logs between the last processed position and the current
// head as previous events.
func (l *Listener) catchUp(ctx context.Context, conn transport.Conn, filter transport.LogFilter) error {
	head, err := conn.BlockNumber(ctx)
	if err != nil {
		return err
	}

	var from uint64
	switch {
	case l.hasLast:
		from = l.last.block
	case l.checkpoints != nil:
		cp, ok, err := l.checkpoints.GetCheckpoint(ctx, l.node.Endpoint().ID())
		if err != nil {
			return err
		}
		if ok {
			l.last = position{block: cp.Block, index: cp.LogIndex}
			l.hasLast = true
			from = cp.Block
			break
		}
		fallthrough
	default:
		if l.lookback == 0 {
			return nil
		}
		if head > l.lookback {
			from = head - l.lookback
		}
	}
	if from > head {
		return nil
	}

	l.log.Info("replaying missed events", "from", from, "to", head)
	for start := from; start <= head; start += replayChunk {
		end := min(start+replayChunk-1, head)
		logs, err := conn.FilterLogs(ctx, filter.RangeQuery(start, end))
		if err != nil {
			return fmt.Errorf("filter logs %d-%d: %w", start, end, err)
		}
		for _, lg := range logs {
			l.handle(ctx, conn, transport.RecordFromLog(lg), true)
		}
	}
	return nil
}

// handle runs decode, enrich and notify for one record. Failures of any step
// are reported to the sink and never stop the loop.
func (l *Listener) handle(ctx context.Context, conn transport.Conn, rec transport.RawLogRecord, previous bool) {
	if rec.Removed {
		l.log.Debug("skipping removed log", "tx", rec.TxHash.Hex(), "block", rec.BlockNumber)
		l.rewind(ctx, rec)
		return
	}
	if l.replay && l.hasLast && !l.after(rec) {
		return
	}
	l.metrics.EventReceived()
	now := l.nowFunc()

	ev, err := l.dec.Decode(rec)
	if err != nil {
		l.metrics.DecodeFailure()
		l.log.Warn("could not decode log", "tx", rec.TxHash.Hex(), "block", rec.BlockNumber, "error", err)
		l.deliver(ctx, sink.Notification{Kind: sink.KindDecodeFailure, Record: &rec, Err: err, Previous: previous, At: now})
		l.advance(ctx, rec)
		return
	}

	qctx, cancel := context.WithTimeout(ctx, l.queryTimeout)
	snap, qerr := l.dec.QueryState(qctx, conn, l.node.Endpoint().Contract, rec.BlockNumber)
	cancel()

	n := sink.Notification{Kind: sink.KindEvent, Record: &rec, Event: &ev, Previous: previous, At: now}
	if qerr == nil {
		n.Snapshot = &snap
	}
	l.log.Info("event received",
		"tx", ev.TxHash.Hex(),
		"block", ev.BlockNumber,
		"sender", ev.Sender.Hex(),
		"previous", previous)
	l.deliver(ctx, n)

	if qerr != nil {
		l.metrics.QueryFailure()
		l.log.Warn("state query failed", "tx", ev.TxHash.Hex(), "block", ev.BlockNumber, "error", qerr)
		l.deliver(ctx, sink.Notification{Kind: sink.KindQueryFailure, Record: &rec, Event: &ev, Err: qerr, Previous: previous, At: now})
	}
	l.advance(ctx, rec)
}

func (l *Listener) deliver(ctx context.Context, n sink.Notification) {
	if err := l.sink.Send(ctx, n); err != nil {
		l.log.Warn("notification delivery failed", "kind", n.Kind, "error", err)
	}
}

func (l *Listener) after(rec transport.RawLogRecord) bool {
	if rec.BlockNumber != l.last.block {
		return rec.BlockNumber > l.last.block
	}
	return rec.Index > l.last.index
}

func (l *Listener) advance(ctx context.Context, rec transport.RawLogRecord) {
	l.moveTo(ctx, position{block: rec.BlockNumber, index: rec.Index}, rec.TxHash.Hex())
	l.metrics.SetLastBlock(rec.BlockNumber)
}

// rewind moves the last position to just before a log the node removed in a
// reorg, so the log is delivered again if it is re-mined at the same height.
func (l *Listener) rewind(ctx context.Context, rec transport.RawLogRecord) {
	if !l.hasLast || l.after(rec) {
		return
	}
	switch {
	case rec.Index > 0:
		l.moveTo(ctx, position{block: rec.BlockNumber, index: rec.Index - 1}, "")
	case rec.BlockNumber > 0:
		l.moveTo(ctx, position{block: rec.BlockNumber - 1, index: math.MaxInt32}, "")
	default:
		l.hasLast = false
	}
}

func (l *Listener) moveTo(ctx context.Context, pos position, txHash string) {
	l.last = pos
	l.hasLast = true
	if l.checkpoints == nil {
		return
	}
	err := l.checkpoints.UpsertCheckpoint(ctx, storage.Checkpoint{
		EndpointID: l.node.Endpoint().ID(),
		Block:      pos.block,
		LogIndex:   pos.index,
		TxHash:     txHash,
	})
	if err != nil {
		l.log.Warn("checkpoint update failed", "block", pos.block, "error", err)
	}
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	l.metrics.SetState(int(s))
}

func (l *Listener) stop() {
	l.setState(StateStopped)
	_ = l.node.Close()
	l.log.Info("listener stopped", "reconnects", l.Reconnects())
}
