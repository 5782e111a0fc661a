package ingestion

import (
	"context"
	"fmt"
	"sync"

	"github.com/venicedb/ingestion/modules/storage"
)

const versionMetadataKey = "VERSION_METADATA"

func partitionMetadataKey(partition int32) string {
	return fmt.Sprintf("P_%d", partition)
}

// offsetMetadataStore is a read-through, write-through cache over the
// storage engine's metadata partition, holding per-partition OffsetRecords
// and a single cache-coherent StoreVersionState.
//
// The StoreVersionState cache is guarded by mu. When several goroutines
// find it empty and reload it at once, the first to finish installs its
// state (casStore); the others return their own freshly loaded copy
// without replacing the cached one and without retrying. generation is
// incremented on every install but is not read.
type offsetMetadataStore struct {
	meta storage.MetadataStore

	mu         sync.RWMutex
	generation uint64
	versionState *StoreVersionState
}

func newOffsetMetadataStore(meta storage.MetadataStore) *offsetMetadataStore {
	return &offsetMetadataStore{meta: meta}
}

// LoadOffsetRecord restores a partition's OffsetRecord from the metadata
// partition, as happens on every SUBSCRIBE. A missing key returns a fresh
// record, not an error.
func (o *offsetMetadataStore) LoadOffsetRecord(ctx context.Context, partition int32) (*OffsetRecord, error) {
	b, ok, err := o.meta.Get(ctx, partitionMetadataKey(partition))
	if err != nil {
		return nil, fmt.Errorf("ingestion: loading offset record for partition %d: %w", partition, err)
	}
	if !ok {
		return NewOffsetRecord(), nil
	}
	return ReadOffsetRecord(b)
}

// PersistOffsetRecord writes rec for partition, applying any pending
// transformers before serializing.
func (o *offsetMetadataStore) PersistOffsetRecord(ctx context.Context, partition int32, rec *OffsetRecord) error {
	for _, xform := range rec.PendingOffsetTransformers {
		xform(rec)
	}
	rec.PendingOffsetTransformers = nil
	return o.meta.Put(ctx, partitionMetadataKey(partition), rec.AppendTo(nil))
}

// ClearOffsetRecord removes a partition's persisted offset record; called
// when a partition is dropped.
func (o *offsetMetadataStore) ClearOffsetRecord(ctx context.Context, partition int32) error {
	return o.meta.Delete(ctx, partitionMetadataKey(partition))
}

// LoadVersionState returns the cached StoreVersionState, reloading from the
// metadata partition on first use or after Invalidate.
func (o *offsetMetadataStore) LoadVersionState(ctx context.Context) (*StoreVersionState, error) {
	o.mu.RLock()
	if o.versionState != nil {
		s := o.versionState
		o.mu.RUnlock()
		return s, nil
	}
	o.mu.RUnlock()

	b, ok, err := o.meta.Get(ctx, versionMetadataKey)
	if err != nil {
		return nil, fmt.Errorf("ingestion: loading store version state: %w", err)
	}
	var state *StoreVersionState
	if !ok {
		state = &StoreVersionState{}
	} else if state, err = ReadStoreVersionState(b); err != nil {
		return nil, err
	}

	o.casStore(state)
	return state, nil
}

// casStore installs state as the cached version if nothing has raced ahead
// of it; a refresh another goroutine installed first is kept.
func (o *offsetMetadataStore) casStore(state *StoreVersionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.versionState == nil {
		o.versionState = state
		o.generation++
	}
}

// MutateVersionState applies fn to a fresh copy of the current
// StoreVersionState, persists it, and refreshes the cache.
func (o *offsetMetadataStore) MutateVersionState(ctx context.Context, fn func(*StoreVersionState)) error {
	current, err := o.LoadVersionState(ctx)
	if err != nil {
		return err
	}
	next := *current
	fn(&next)

	if err := o.meta.Put(ctx, versionMetadataKey, next.AppendTo(nil)); err != nil {
		return fmt.Errorf("ingestion: persisting store version state: %w", err)
	}

	o.mu.Lock()
	o.versionState = &next
	o.generation++
	o.mu.Unlock()
	return nil
}

// Invalidate drops the cached StoreVersionState, forcing the next
// LoadVersionState to re-read the metadata partition.
func (o *offsetMetadataStore) Invalidate() {
	o.mu.Lock()
	o.versionState = nil
	o.mu.Unlock()
}
