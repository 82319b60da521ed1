package sink

import (
	"context"

	"corrwatch/internal/model"
	"corrwatch/internal/storage"
)

// StorageSink writes incidents to the durable store through the same
// retrying queue as the network sinks, so a slow database never blocks ingest.
type StorageSink struct {
	store storage.Store
}

func NewStorageSink(store storage.Store) *StorageSink {
	return &StorageSink{store: store}
}

func (s *StorageSink) Name() string { return "storage" }

func (s *StorageSink) Publish(ctx context.Context, inc *model.SecurityIncident) error {
	return s.store.SaveIncident(ctx, inc)
}

// Close is a no-op; the store is owned by the caller.
func (s *StorageSink) Close() error {
	return nil
}
