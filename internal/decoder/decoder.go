// Package decoder turns raw logs of the watched contract into typed events
// and reads the contract's stored value at a given block.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/devblac/event-listener/internal/transport"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ContractCaller is the read-only call surface needed by QueryState.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Decoder decodes one statically known event signature.
type Decoder struct {
	signature string
	topic     common.Hash
	event     abi.Event
	contract  abi.ABI
}

// New builds a decoder for signature, e.g. "NumberUpdatedEvent(address)".
// The event's first argument must be the sender address.
func New(signature string) (*Decoder, error) {
	signature = strings.ReplaceAll(strings.TrimSpace(signature), " ", "")
	if signature == "" {
		signature = DefaultEventSignature
	}
	parsed, err := contractABI()
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	ev, ok := parsed.Events[eventName(signature)]
	if !ok || ev.Sig != signature {
		synthetic, err := syntheticEvent(signature)
		if err != nil {
			return nil, err
		}
		ev = *synthetic
	}
	if len(ev.Inputs) == 0 || ev.Inputs[0].Type.T != abi.AddressTy {
		return nil, fmt.Errorf("event %s: first argument must be an address", signature)
	}

	return &Decoder{
		signature: signature,
		topic:     crypto.Keccak256Hash([]byte(signature)),
		event:     ev,
		contract:  parsed,
	}, nil
}

// Signature returns the canonical event signature.
func (d *Decoder) Signature() string { return d.signature }

// Topic returns topic0 for the tracked event.
func (d *Decoder) Topic() common.Hash { return d.topic }

// Decode validates topic0 and extracts the sender. The sender is read from
// the first indexed topic when present, otherwise from the first data word.
func (d *Decoder) Decode(rec transport.RawLogRecord) (DecodedEvent, error) {
	if len(rec.Topics) == 0 {
		return DecodedEvent{}, &Error{Kind: ErrMalformedPayload, TxHash: rec.TxHash, Detail: "no topics"}
	}
	if rec.Topics[0] != d.topic {
		return DecodedEvent{}, &Error{
			Kind:   ErrSignatureMismatch,
			TxHash: rec.TxHash,
			Detail: fmt.Sprintf("topic %s, want %s", rec.Topics[0].Hex(), d.topic.Hex()),
		}
	}

	var sender common.Address
	switch {
	case len(rec.Topics) > 1:
		sender = common.BytesToAddress(rec.Topics[1].Bytes())
	case len(rec.Data) >= 32:
		vals, err := d.event.Inputs.NonIndexed().Unpack(rec.Data)
		if err != nil {
			return DecodedEvent{}, &Error{Kind: ErrMalformedPayload, TxHash: rec.TxHash, Detail: err.Error()}
		}
		addr, ok := vals[0].(common.Address)
		if !ok {
			return DecodedEvent{}, &Error{Kind: ErrMalformedPayload, TxHash: rec.TxHash, Detail: "sender is not an address"}
		}
		sender = addr
	default:
		return DecodedEvent{}, &Error{
			Kind:   ErrMalformedPayload,
			TxHash: rec.TxHash,
			Detail: fmt.Sprintf("%d data bytes, want at least 32", len(rec.Data)),
		}
	}

	return DecodedEvent{
		Name:        d.event.Name,
		TxHash:      rec.TxHash,
		BlockNumber: rec.BlockNumber,
		BlockHash:   rec.BlockHash,
		LogIndex:    rec.Index,
		Contract:    rec.Address,
		Sender:      sender,
	}, nil
}

// QueryState calls retrieve() on contract pinned to atBlock. It never reads
// "latest": a later transaction could otherwise leak into the snapshot.
func (d *Decoder) QueryState(ctx context.Context, caller ContractCaller, contract common.Address, atBlock uint64) (StateSnapshot, error) {
	input, err := d.contract.Pack(retrieveMethod)
	if err != nil {
		return StateSnapshot{}, fmt.Errorf("pack %s: %w", retrieveMethod, err)
	}

	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, new(big.Int).SetUint64(atBlock))
	if err != nil {
		var terr *transport.Error
		if !errors.As(err, &terr) {
			err = &transport.Error{Kind: transport.ErrIO, Op: "query state", Err: err}
		}
		return StateSnapshot{}, fmt.Errorf("query state at block %d: %w", atBlock, err)
	}

	vals, err := d.contract.Unpack(retrieveMethod, out)
	if err != nil || len(vals) != 1 {
		detail := fmt.Sprintf("%d return values", len(vals))
		if err != nil {
			detail = err.Error()
		}
		return StateSnapshot{}, &Error{Kind: ErrMalformedPayload, Detail: "retrieve result: " + detail}
	}
	value, ok := vals[0].(*big.Int)
	if !ok {
		return StateSnapshot{}, &Error{Kind: ErrMalformedPayload, Detail: "retrieve result is not uint256"}
	}
	return StateSnapshot{Block: atBlock, Value: value}, nil
}

func eventName(signature string) string {
	if i := strings.Index(signature, "("); i > 0 {
		return signature[:i]
	}
	return signature
}

// syntheticEvent builds a minimal ABI Event from a signature like Transfer(address,address,uint256).
// Indexed fields are not inferred; all arguments are treated as non-indexed.
func syntheticEvent(signature string) (*abi.Event, error) {
	l := strings.Index(signature, "(")
	r := strings.LastIndex(signature, ")")
	if l <= 0 || r <= l || r != len(signature)-1 {
		return nil, fmt.Errorf("invalid event signature: %s", signature)
	}
	name := signature[:l]
	rawArgs := strings.Split(signature[l+1:r], ",")
	args := make(abi.Arguments, 0, len(rawArgs))
	for _, a := range rawArgs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		t, err := abi.NewType(a, "", nil)
		if err != nil {
			return nil, fmt.Errorf("parse type %s: %w", a, err)
		}
		args = append(args, abi.Argument{Name: fmt.Sprintf("arg%d", len(args)), Type: t})
	}
	ev := abi.NewEvent(name, name, false, args)
	return &ev, nil
}
