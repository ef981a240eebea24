package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/devblac/event-listener/internal/storage"
)

// NotificationStore is the persistence surface used by the store sink.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n storage.Notification) error
}

type storeSender struct {
	store NotificationStore
	now   func() time.Time
}

// NewStoreSender records every notification in the SQLite notification log.
func NewStoreSender(store NotificationStore) (Sender, error) {
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	return &storeSender{store: store, now: time.Now}, nil
}

func (s *storeSender) Send(ctx context.Context, n Notification) error {
	v := n.View()
	created := v.At
	if created.IsZero() {
		created = s.now()
	}
	return s.store.InsertNotification(ctx, storage.Notification{
		Kind:      v.Kind,
		TxHash:    v.TxHash,
		Block:     v.Block,
		LogIndex:  v.LogIndex,
		Sender:    v.Sender,
		Value:     v.Value,
		Error:     v.Error,
		Previous:  v.Previous,
		CreatedAt: created,
	})
}
