package listener

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/devblac/event-listener/internal/decoder"
	"github.com/devblac/event-listener/internal/sink"
	"github.com/devblac/event-listener/internal/storage"
	"github.com/devblac/event-listener/internal/transport"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contract = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	sender   = common.HexToAddress("0xdef0000000000000000000000000000000000def")
	topic    = crypto.Keccak256Hash([]byte(decoder.DefaultEventSignature))
)

func eventLog(tx string, block uint64, index uint) transport.RawLogRecord {
	return transport.RawLogRecord{
		TxHash:      common.HexToHash(tx),
		BlockNumber: block,
		Address:     contract,
		Topics:      []common.Hash{topic},
		Data:        common.LeftPadBytes(sender.Bytes(), 32),
		Index:       index,
	}
}

func toLog(r transport.RawLogRecord) types.Log {
	return types.Log{
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber,
		Address:     r.Address,
		Topics:      r.Topics,
		Data:        r.Data,
		Index:       r.Index,
	}
}

type step struct {
	rec transport.RawLogRecord
	err error
}

type fakeSub struct {
	steps        []step
	unsubscribed bool
}

func (s *fakeSub) Next(ctx context.Context) (transport.RawLogRecord, error) {
	if len(s.steps) == 0 {
		<-ctx.Done()
		return transport.RawLogRecord{}, ctx.Err()
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.rec, st.err
}

func (s *fakeSub) Unsubscribe() { s.unsubscribed = true }

type fakeConn struct {
	mu         sync.Mutex
	sub        *fakeSub
	subErr     error
	values     map[uint64]int64
	callErr    map[uint64]error
	callDelay  map[uint64]time.Duration
	calledAt   []uint64
	head       uint64
	history    []transport.RawLogRecord
	closed     bool
	filterFrom []uint64
}

func (c *fakeConn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.StateClosed
	}
	return transport.StateOpen
}

func (c *fakeConn) Subscribe(context.Context, transport.LogFilter) (transport.Subscription, error) {
	if c.subErr != nil {
		return nil, c.subErr
	}
	return c.sub, nil
}

func (c *fakeConn) CallContract(ctx context.Context, _ ethereum.CallMsg, block *big.Int) ([]byte, error) {
	b := block.Uint64()
	c.mu.Lock()
	c.calledAt = append(c.calledAt, b)
	c.mu.Unlock()
	if d := c.callDelay[b]; d > 0 {
		time.Sleep(d)
	}
	if err := c.callErr[b]; err != nil {
		return nil, err
	}
	return common.LeftPadBytes(big.NewInt(c.values[b]).Bytes(), 32), nil
}

func (c *fakeConn) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	c.filterFrom = append(c.filterFrom, from)
	var out []types.Log
	for _, r := range c.history {
		if r.BlockNumber >= from && r.BlockNumber <= to {
			out = append(out, toLog(r))
		}
	}
	return out, nil
}

func (c *fakeConn) BlockNumber(context.Context) (uint64, error) { return c.head, nil }

func (c *fakeConn) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeNode struct {
	mu         sync.Mutex
	conns      []*fakeConn
	connectErr error
	closed     bool
}

func (n *fakeNode) Endpoint() transport.Endpoint {
	return transport.Endpoint{NodeURL: "ws://node", Contract: contract, EventSignature: decoder.DefaultEventSignature}
}

func (n *fakeNode) Connect(ctx context.Context) (transport.Conn, error) {
	if n.connectErr != nil {
		return nil, n.connectErr
	}
	return n.next(ctx)
}

func (n *fakeNode) ReconnectWithBackoff(ctx context.Context) (transport.Conn, error) {
	return n.next(ctx)
}

func (n *fakeNode) next(ctx context.Context) (transport.Conn, error) {
	n.mu.Lock()
	if len(n.conns) == 0 {
		n.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := n.conns[0]
	n.conns = n.conns[1:]
	n.mu.Unlock()
	return c, nil
}

func (n *fakeNode) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

type recordingSink struct {
	mu  sync.Mutex
	got []sink.Notification
}

func (s *recordingSink) Send(_ context.Context, n sink.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return nil
}

func (s *recordingSink) snapshot() []sink.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sink.Notification, len(s.got))
	copy(out, s.got)
	return out
}

type memCheckpoints struct {
	mu sync.Mutex
	cp *storage.Checkpoint
}

func (m *memCheckpoints) GetCheckpoint(context.Context, string) (storage.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cp == nil {
		return storage.Checkpoint{}, false, nil
	}
	return *m.cp, true, nil
}

func (m *memCheckpoints) UpsertCheckpoint(_ context.Context, cp storage.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp = &cp
	return nil
}

// runUntil starts l, waits until the sink holds want notifications and
// stops the listener.
func runUntil(t *testing.T, l *Listener, s *recordingSink, want int) []sink.Notification {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(s.snapshot()) >= want }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	return s.snapshot()
}

func newDecoder(t *testing.T) *decoder.Decoder {
	t.Helper()
	dec, err := decoder.New("")
	require.NoError(t, err)
	return dec
}

func TestListenerDeliversEnrichedEvent(t *testing.T) {
	conn := &fakeConn{
		sub:    &fakeSub{steps: []step{{rec: eventLog("0x111", 6, 0)}}},
		values: map[uint64]int64{6: 8},
	}
	node := &fakeNode{conns: []*fakeConn{conn}}
	s := &recordingSink{}
	l := New(node, newDecoder(t), s)

	got := runUntil(t, l, s, 1)
	require.Len(t, got, 1)
	n := got[0]
	assert.Equal(t, sink.KindEvent, n.Kind)
	assert.Equal(t, common.HexToHash("0x111"), n.Event.TxHash)
	assert.Equal(t, uint64(6), n.Event.BlockNumber)
	assert.Equal(t, sender, n.Event.Sender)
	require.NotNil(t, n.Snapshot)
	assert.Equal(t, int64(8), n.Snapshot.Value.Int64())
	assert.Equal(t, []uint64{6}, conn.calledAt, "state must be read at the event block")
	assert.False(t, n.Previous)
}

func TestListenerPreservesOrderWithSlowQuery(t *testing.T) {
	conn := &fakeConn{
		sub: &fakeSub{steps: []step{
			{rec: eventLog("0x1", 10, 0)},
			{rec: eventLog("0x2", 11, 0)},
		}},
		values:    map[uint64]int64{10: 1, 11: 2},
		callDelay: map[uint64]time.Duration{10: 30 * time.Millisecond},
	}
	s := &recordingSink{}
	l := New(&fakeNode{conns: []*fakeConn{conn}}, newDecoder(t), s)

	got := runUntil(t, l, s, 2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(10), got[0].Event.BlockNumber)
	assert.Equal(t, uint64(11), got[1].Event.BlockNumber)
}

func TestListenerQueryFailureStillDeliversEvent(t *testing.T) {
	conn := &fakeConn{
		sub:     &fakeSub{steps: []step{{rec: eventLog("0x111", 6, 0)}}},
		callErr: map[uint64]error{6: errors.New("execution reverted")},
	}
	s := &recordingSink{}
	l := New(&fakeNode{conns: []*fakeConn{conn}}, newDecoder(t), s)

	got := runUntil(t, l, s, 2)
	require.Len(t, got, 2)
	assert.Equal(t, sink.KindEvent, got[0].Kind)
	assert.Nil(t, got[0].Snapshot)
	assert.Equal(t, sink.KindQueryFailure, got[1].Kind)
	assert.ErrorIs(t, got[1].Err, transport.ErrIO)
	assert.Equal(t, StateStopped, l.State())
}

func TestListenerQueryTimeout(t *testing.T) {
	conn := &fakeConn{
		sub:       &fakeSub{steps: []step{{rec: eventLog("0x111", 6, 0)}}},
		callDelay: map[uint64]time.Duration{6: 20 * time.Millisecond},
		callErr:   map[uint64]error{6: context.DeadlineExceeded},
	}
	s := &recordingSink{}
	l := New(&fakeNode{conns: []*fakeConn{conn}}, newDecoder(t), s, WithQueryTimeout(time.Millisecond))

	got := runUntil(t, l, s, 2)
	assert.Equal(t, sink.KindQueryFailure, got[1].Kind)
}

func TestListenerDecodeFailureDoesNotStopLoop(t *testing.T) {
	bad := eventLog("0xbad", 5, 0)
	bad.Topics = []common.Hash{common.HexToHash("0x01")}
	conn := &fakeConn{
		sub:    &fakeSub{steps: []step{{rec: bad}, {rec: eventLog("0x111", 6, 0)}}},
		values: map[uint64]int64{6: 8},
	}
	s := &recordingSink{}
	l := New(&fakeNode{conns: []*fakeConn{conn}}, newDecoder(t), s)

	got := runUntil(t, l, s, 2)
	require.Len(t, got, 2)
	assert.Equal(t, sink.KindDecodeFailure, got[0].Kind)
	assert.ErrorIs(t, got[0].Err, decoder.ErrSignatureMismatch)
	assert.Equal(t, common.HexToHash("0xbad"), got[0].Record.TxHash)
	assert.Equal(t, sink.KindEvent, got[1].Kind)
}

func TestListenerSkipsRemovedLogs(t *testing.T) {
	removed := eventLog("0x0", 5, 0)
	removed.Removed = true
	conn := &fakeConn{
		sub:    &fakeSub{steps: []step{{rec: removed}, {rec: eventLog("0x111", 6, 0)}}},
		values: map[uint64]int64{6: 8},
	}
	s := &recordingSink{}
	l := New(&fakeNode{conns: []*fakeConn{conn}}, newDecoder(t), s)

	got := runUntil(t, l, s, 1)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(6), got[0].Event.BlockNumber)
}

func TestListenerRecoversFromConnectFailure(t *testing.T) {
	conn := &fakeConn{
		sub:    &fakeSub{steps: []step{{rec: eventLog("0x111", 6, 0)}}},
		values: map[uint64]int64{6: 8},
	}
	node := &fakeNode{
		conns:      []*fakeConn{conn},
		connectErr: &transport.Error{Kind: transport.ErrUnreachable, Op: "connect"},
	}
	s := &recordingSink{}
	l := New(node, newDecoder(t), s)

	got := runUntil(t, l, s, 1)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), l.Reconnects())
}

func TestListenerRecoversFromRejectedSubscription(t *testing.T) {
	rejected := &fakeConn{subErr: &transport.Error{Kind: transport.ErrSubscriptionRejected, Op: "subscribe"}}
	good := &fakeConn{
		sub:    &fakeSub{steps: []step{{rec: eventLog("0x111", 6, 0)}}},
		values: map[uint64]int64{6: 8},
	}
	s := &recordingSink{}
	l := New(&fakeNode{conns: []*fakeConn{rejected, good}}, newDecoder(t), s)

	runUntil(t, l, s, 1)
	assert.True(t, rejected.isClosed())
	assert.Equal(t, uint64(1), l.Reconnects())
}

func TestListenerReconnectsAfterEndOfStream(t *testing.T) {
	eos := &transport.Error{Kind: transport.ErrEndOfStream, Op: "next"}
	c1 := &fakeConn{
		sub:    &fakeSub{steps: []step{{rec: eventLog("0x1", 1, 0)}, {err: eos}}},
		values: map[uint64]int64{1: 1},
	}
	c2 := &fakeConn{
		sub:    &fakeSub{steps: []step{{rec: eventLog("0x2", 2, 0)}, {err: eos}}},
		values: map[uint64]int64{2: 2},
	}
	c3 := &fakeConn{
		sub:    &fakeSub{steps: []step{{rec: eventLog("0x3", 3, 0)}}},
		values: map[uint64]int64{3: 3},
	}
	s := &recordingSink{}
	l := New(&fakeNode{conns: []*fakeConn{c1, c2, c3}}, newDecoder(t), s)

	got := runUntil(t, l, s, 3)
	require.Len(t, got, 3)
	for i, n := range got {
		assert.Equal(t, uint64(i+1), n.Event.BlockNumber)
		assert.Equal(t, int64(i+1), n.Snapshot.Value.Int64())
	}
	assert.Equal(t, uint64(2), l.Reconnects())
	assert.True(t, c1.sub.unsubscribed)
	assert.True(t, c1.isClosed())
	assert.True(t, c2.isClosed())
}

func TestListenerStopClosesConnection(t *testing.T) {
	conn := &fakeConn{
		sub:    &fakeSub{steps: []step{{rec: eventLog("0x111", 6, 0)}}},
		values: map[uint64]int64{6: 8},
	}
	node := &fakeNode{conns: []*fakeConn{conn}}
	s := &recordingSink{}
	l := New(node, newDecoder(t), s)

	runUntil(t, l, s, 1)
	assert.True(t, conn.isClosed())
	assert.True(t, conn.sub.unsubscribed)
	assert.True(t, node.closed)
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, uint64(0), l.Reconnects())
}

func TestListenerReplaySkipsDuplicates(t *testing.T) {
	conn := &fakeConn{
		head: 8,
		history: []transport.RawLogRecord{
			eventLog("0x5", 5, 0),
			eventLog("0x6", 6, 1),
			eventLog("0x7", 7, 0),
		},
		sub: &fakeSub{steps: []step{
			{rec: eventLog("0x7", 7, 0)},
			{rec: eventLog("0x9", 9, 0)},
		}},
		values: map[uint64]int64{6: 6, 7: 7, 9: 9},
	}
	cps := &memCheckpoints{cp: &storage.Checkpoint{Block: 5, LogIndex: 0}}
	s := &recordingSink{}
	l := New(&fakeNode{conns: []*fakeConn{conn}}, newDecoder(t), s, WithReplay(100), WithCheckpoints(cps))

	got := runUntil(t, l, s, 3)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(6), got[0].Event.BlockNumber)
	assert.True(t, got[0].Previous)
	assert.Equal(t, uint64(7), got[1].Event.BlockNumber)
	assert.True(t, got[1].Previous)
	assert.Equal(t, uint64(9), got[2].Event.BlockNumber)
	assert.False(t, got[2].Previous)
	assert.Equal(t, []uint64{5}, conn.filterFrom)

	cp, ok, err := cps.GetCheckpoint(context.Background(), "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(9), cp.Block)
}

func TestListenerReplayRedeliversReminedLog(t *testing.T) {
	removed := eventLog("0xa1", 10, 0)
	removed.Removed = true
	conn := &fakeConn{
		sub: &fakeSub{steps: []step{
			{rec: eventLog("0xa1", 10, 0)},
			{rec: removed},
			{rec: eventLog("0xa1", 10, 0)},
			{rec: eventLog("0xb", 11, 0)},
		}},
		values: map[uint64]int64{10: 1, 11: 2},
	}
	cps := &memCheckpoints{}
	s := &recordingSink{}
	l := New(&fakeNode{conns: []*fakeConn{conn}}, newDecoder(t), s, WithReplay(0), WithCheckpoints(cps))

	got := runUntil(t, l, s, 3)
	require.Len(t, got, 3)
	blocks := make([]uint64, 0, len(got))
	for _, n := range got {
		require.Equal(t, sink.KindEvent, n.Kind)
		blocks = append(blocks, n.Event.BlockNumber)
	}
	assert.Equal(t, []uint64{10, 10, 11}, blocks)

	cp, ok, err := cps.GetCheckpoint(context.Background(), "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(11), cp.Block)
}

func TestListenerRewindAcrossBlockBoundary(t *testing.T) {
	cps := &memCheckpoints{}
	l := New(&fakeNode{}, newDecoder(t), &recordingSink{}, WithReplay(0), WithCheckpoints(cps))
	l.last, l.hasLast = position{block: 12, index: 3}, true

	removed := eventLog("0xc", 12, 0)
	removed.Removed = true
	l.rewind(context.Background(), removed)
	assert.Equal(t, position{block: 11, index: math.MaxInt32}, l.last)
	require.NotNil(t, cps.cp)
	assert.Equal(t, uint64(11), cps.cp.Block)
	assert.True(t, l.after(eventLog("0xc", 12, 0)))

	// Removal of a log past the last position changes nothing.
	later := eventLog("0xd", 20, 0)
	later.Removed = true
	l.rewind(context.Background(), later)
	assert.Equal(t, uint64(11), l.last.block)
}

func TestListenerReplayLookbackOnFirstStart(t *testing.T) {
	conn := &fakeConn{
		head:    100,
		history: []transport.RawLogRecord{eventLog("0x50", 50, 0), eventLog("0x95", 95, 0)},
		sub:     &fakeSub{},
		values:  map[uint64]int64{95: 1},
	}
	s := &recordingSink{}
	l := New(&fakeNode{conns: []*fakeConn{conn}}, newDecoder(t), s, WithReplay(10))

	got := runUntil(t, l, s, 1)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(95), got[0].Event.BlockNumber)
	assert.True(t, got[0].Previous)
}

func TestListenerRequiresDependencies(t *testing.T) {
	l := New(nil, nil, nil)
	assert.Error(t, l.Run(context.Background()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "recovering", StateRecovering.String())
	assert.Equal(t, "state(42)", State(42).String())
}
