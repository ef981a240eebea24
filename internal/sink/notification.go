package sink

import (
	"time"

	"github.com/devblac/event-listener/internal/decoder"
	"github.com/devblac/event-listener/internal/transport"
	"github.com/ethereum/go-ethereum/common"
)

// Kind tells a sink what a notification reports.
type Kind string

const (
	KindEvent         Kind = "event"
	KindDecodeFailure Kind = "decode_failure"
	KindQueryFailure  Kind = "query_failure"
)

// Notification is one delivery to a sink. Event notifications carry a
// Snapshot unless the state query failed, in which case a separate
// KindQueryFailure notification follows.
type Notification struct {
	Kind     Kind
	Record   *transport.RawLogRecord
	Event    *decoder.DecodedEvent
	Snapshot *decoder.StateSnapshot
	Err      error
	Previous bool
	At       time.Time
}

// View is the flattened form handed to templates.
type View struct {
	Kind     string
	TxHash   string
	Block    uint64
	LogIndex uint
	Contract string
	Sender   string
	Value    string
	HasValue bool
	Previous bool
	Error    string
	At       time.Time
}

// View flattens the notification.
func (n Notification) View() View {
	v := View{
		Kind:     string(n.Kind),
		Previous: n.Previous,
		At:       n.At,
	}
	switch {
	case n.Event != nil:
		v.TxHash = n.Event.TxHash.Hex()
		v.Block = n.Event.BlockNumber
		v.LogIndex = n.Event.LogIndex
		v.Contract = n.Event.Contract.Hex()
		v.Sender = n.Event.Sender.Hex()
	case n.Record != nil:
		v.TxHash = n.Record.TxHash.Hex()
		v.Block = n.Record.BlockNumber
		v.LogIndex = n.Record.Index
		v.Contract = n.Record.Address.Hex()
	default:
		v.TxHash = common.Hash{}.Hex()
	}
	if n.Snapshot != nil && n.Snapshot.Value != nil {
		v.Value = n.Snapshot.Value.String()
		v.HasValue = true
	}
	if n.Err != nil {
		v.Error = n.Err.Error()
	}
	return v
}

// Args exposes the notification as a field map for predicates.
func (n Notification) Args() map[string]any {
	v := n.View()
	args := map[string]any{
		"kind":     v.Kind,
		"tx":       v.TxHash,
		"block":    v.Block,
		"contract": v.Contract,
		"previous": v.Previous,
	}
	if v.Sender != "" {
		args["sender"] = v.Sender
	}
	if n.Snapshot != nil && n.Snapshot.Value != nil {
		args["value"] = n.Snapshot.Value
	}
	if v.Error != "" {
		args["error"] = v.Error
	}
	return args
}
