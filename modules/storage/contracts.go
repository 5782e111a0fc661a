// Package storage declares the Go shape of the on-disk key-value engine and
// its metadata partition, treated throughout this repo as an
// external collaborator: the engine owns put/get/delete, batch-write mode,
// sync, and per-partition offset metadata, but nothing about how bytes
// reach disk. Only an in-memory reference implementation lives here, used
// by the ingestion engine's own tests.
package storage

import "context"

// ReplicationMetadata accompanies a PutWithReplicationMetadata call; its
// shape belongs to the storage engine and is opaque to the ingestion engine
// beyond passing it through.
type ReplicationMetadata struct {
	TimestampMs int64
	ColoID      int32
}

// PartitionStore is one partition's worth of the on-disk key-value engine.
type PartitionStore interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Put(ctx context.Context, key, value []byte) error
	PutWithReplicationMetadata(ctx context.Context, key, value []byte, meta ReplicationMetadata) error
	Delete(ctx context.Context, key []byte) error

	// BeginBatchWrite/EndBatchWrite toggle the storage engine's bulk-load
	// mode, used while consuming the pre-EOP portion of a version.
	BeginBatchWrite() error
	EndBatchWrite() error

	// Sync flushes buffered writes and returns a checkpoint the caller can
	// persist alongside the partition's OffsetRecord.
	Sync(ctx context.Context) (map[string]string, error)
}

// MetadataStore is the reserved metadata partition (partition id
// 1_000_000_000) holding the keys "VERSION_METADATA" and "P_<partitionId>".
type MetadataStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Engine is the pluggable partitioned store itself: a MetadataStore plus a
// PartitionStore per data partition, and the drop operations below.
type Engine interface {
	Metadata() MetadataStore
	Partition(id int32) (PartitionStore, error)
	DropPartition(id int32) error
	DropStore() error
}

// MetadataPartitionID is the reserved partition id for metadata.
const MetadataPartitionID = 1_000_000_000
