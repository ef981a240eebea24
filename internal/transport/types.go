package transport

import (
	"context"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Endpoint identifies what to watch: a node, a contract and one event signature.
type Endpoint struct {
	NodeURL        string
	Contract       common.Address
	EventSignature string
}

// Topic returns the keccak256 hash of the event signature (topic0).
func (e Endpoint) Topic() common.Hash {
	return crypto.Keccak256Hash([]byte(e.EventSignature))
}

// ID is a stable key for the (contract, signature) pair.
func (e Endpoint) ID() string {
	return strings.ToLower(e.Contract.Hex()) + ":" + e.EventSignature
}

// Filter returns the server-side log filter for the endpoint.
func (e Endpoint) Filter() LogFilter {
	return LogFilter{Contract: e.Contract, Topic: e.Topic()}
}

// LogFilter selects logs emitted by one contract with one topic0.
type LogFilter struct {
	Contract common.Address
	Topic    common.Hash
}

// Query converts the filter into a go-ethereum filter query.
func (f LogFilter) Query() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{f.Contract},
		Topics:    [][]common.Hash{{f.Topic}},
	}
}

// RangeQuery is Query bounded to the inclusive block range [from, to].
func (f LogFilter) RangeQuery(from, to uint64) ethereum.FilterQuery {
	q := f.Query()
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)
	return q
}

// RawLogRecord is a snapshot of one log delivered by the node.
type RawLogRecord struct {
	TxHash      common.Hash
	BlockNumber uint64
	BlockHash   common.Hash
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	Index       uint
	Removed     bool
}

// RecordFromLog copies a go-ethereum log into a RawLogRecord.
func RecordFromLog(lg types.Log) RawLogRecord {
	topics := make([]common.Hash, len(lg.Topics))
	copy(topics, lg.Topics)
	data := make([]byte, len(lg.Data))
	copy(data, lg.Data)
	return RawLogRecord{
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash,
		Address:     lg.Address,
		Topics:      topics,
		Data:        data,
		Index:       lg.Index,
		Removed:     lg.Removed,
	}
}

// State is the lifecycle state of a connection.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Conn is one live streaming connection to a node.
type Conn interface {
	State() State
	Subscribe(ctx context.Context, f LogFilter) (Subscription, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	// Close releases the connection. Calling it more than once is a no-op.
	Close() error
}

// Subscription delivers matching logs for a single connection. It does not
// survive a reconnect.
type Subscription interface {
	// Next blocks until a record arrives, the stream ends (ErrEndOfStream),
	// the stream fails, or ctx is done.
	Next(ctx context.Context) (RawLogRecord, error)
	Unsubscribe()
}
