package transport

import (
	"context"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
)

const subscriptionBuffer = 128

// Dialer opens a new connection to the node at url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer returns a Dialer that speaks JSON-RPC over a websocket.
func WebsocketDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		ws := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
		c := &rpcConn{}
		c.state.Store(int32(StateConnecting))
		rc, err := rpc.DialOptions(ctx, url, rpc.WithWebsocketDialer(ws))
		if err != nil {
			c.state.Store(int32(StateClosed))
			return nil, classifyDial(err)
		}
		c.rpc = rc
		c.eth = ethclient.NewClient(rc)
		c.state.Store(int32(StateOpen))
		return c, nil
	}
}

// rpcConn is a Conn backed by a go-ethereum RPC client.
type rpcConn struct {
	rpc   *rpc.Client
	eth   *ethclient.Client
	state atomic.Int32
	once  sync.Once
}

func (c *rpcConn) State() State {
	return State(c.state.Load())
}

func (c *rpcConn) Subscribe(ctx context.Context, f LogFilter) (Subscription, error) {
	if c.State() != StateOpen {
		return nil, wrap(ErrStreamClosed, "subscribe", nil)
	}
	logs := make(chan types.Log, subscriptionBuffer)
	sub, err := c.eth.SubscribeFilterLogs(ctx, f.Query(), logs)
	if err != nil {
		return nil, classifySubscribe(err)
	}
	return &logSubscription{sub: sub, logs: logs}, nil
}

func (c *rpcConn) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	out, err := c.eth.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, wrap(ErrIO, "eth_call", err)
	}
	return out, nil
}

func (c *rpcConn) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, wrap(ErrIO, "eth_getLogs", err)
	}
	return logs, nil
}

func (c *rpcConn) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, wrap(ErrIO, "eth_blockNumber", err)
	}
	return n, nil
}

func (c *rpcConn) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, wrap(ErrIO, "eth_chainId", err)
	}
	return id, nil
}

func (c *rpcConn) Close() error {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		if c.rpc != nil {
			c.rpc.Close()
		}
	})
	return nil
}

// logSubscription adapts an ethereum.Subscription to Subscription.
type logSubscription struct {
	sub  ethereum.Subscription
	logs chan types.Log
	err  error
	once sync.Once
}

func (s *logSubscription) Next(ctx context.Context) (RawLogRecord, error) {
	if s.err != nil {
		return s.drain()
	}
	select {
	case <-ctx.Done():
		return RawLogRecord{}, ctx.Err()
	case lg := <-s.logs:
		return RecordFromLog(lg), nil
	case err, ok := <-s.sub.Err():
		if !ok || err == nil {
			s.err = ErrEndOfStream
		} else {
			s.err = wrap(ErrStreamClosed, "next record", err)
		}
		return s.drain()
	}
}

// drain hands out logs that were buffered before the stream failed.
func (s *logSubscription) drain() (RawLogRecord, error) {
	select {
	case lg := <-s.logs:
		return RecordFromLog(lg), nil
	default:
		return RawLogRecord{}, s.err
	}
}

func (s *logSubscription) Unsubscribe() {
	s.once.Do(s.sub.Unsubscribe)
}
