package decoder

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Decode failure kinds.
var (
	ErrSignatureMismatch = errors.New("event signature mismatch")
	ErrMalformedPayload  = errors.New("malformed log payload")
)

// Error is a decode failure for one log record.
type Error struct {
	Kind   error
	TxHash common.Hash
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode tx %s: %v", e.TxHash.Hex(), e.Kind)
	}
	return fmt.Sprintf("decode tx %s: %v: %s", e.TxHash.Hex(), e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Kind }

// DecodedEvent is the typed form of one matching log.
type DecodedEvent struct {
	Name        string
	TxHash      common.Hash
	BlockNumber uint64
	BlockHash   common.Hash
	LogIndex    uint
	Contract    common.Address
	Sender      common.Address
}

// StateSnapshot is the stored value read at a specific block.
type StateSnapshot struct {
	Block uint64
	Value *big.Int
}
