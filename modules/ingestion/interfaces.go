package ingestion

import "context"

// UpstreamClient is the Go shape of an upstream log client: a real-time
// topic, a stream-reprocessing topic, or a remote version topic, all
// reached the same way. The production implementation wraps franz-go;
// kafka_memory.go provides an in-memory double for tests.
type UpstreamClient interface {
	Subscribe(ctx context.Context, topic string, partition int32, offset int64, clusterURL string) error
	Unsubscribe(ctx context.Context, topic string, partition int32) error

	// Poll returns whatever records are immediately available across all
	// subscribed topic-partitions. It must not block past ctx's deadline.
	Poll(ctx context.Context) ([]UpstreamRecord, error)

	EndOffset(ctx context.Context, topic string, partition int32, clusterURL string) (int64, error)
	OffsetForTimestamp(ctx context.Context, topic string, partition int32, clusterURL string, ts int64) (int64, bool, error)

	// OffsetLag returns the consumer's lag on topic/partition, or !ok if the
	// partition isn't currently subscribed.
	OffsetLag(ctx context.Context, topic string, partition int32, clusterURL string) (lag int64, ok bool, err error)
}

// ProduceCallback is invoked once per Put/Delete/SendControlMessage, exactly
// once, in per-partition send order. err is nil on success.
// manifest is non-nil only when the producer gateway's chunking decided to
// split the record.
type ProduceCallback func(producedOffset int64, manifest *ChunkManifest, err error)

// DownstreamProducer is the Go shape of a downstream log producer: the
// version-topic writer shared by every partition of a task.
type DownstreamProducer interface {
	Put(ctx context.Context, partition int32, key, value []byte, metadata ProducerMetadata, cb ProduceCallback)
	Delete(ctx context.Context, partition int32, key []byte, metadata ProducerMetadata, cb ProduceCallback)
	SendControlMessage(ctx context.Context, partition int32, payload RecordPayload, metadata ProducerMetadata, cb ProduceCallback)

	UpdateChunkingEnabled(enabled bool)
	EndSegment(ctx context.Context, partition int32, finalize bool) error
	ClosePartition(partition int32)
	Close() error
}

// WriteComputeApplier resolves an UPDATE record's delta against an existing
// value into a new value. A nil newValue return means the update resolves to
// a DELETE. The schema/delta encoding is external to this engine, which only
// needs the resulting bytes.
type WriteComputeApplier interface {
	Apply(existing []byte, existingSchemaID int32, delta []byte, deltaSchemaID int32) (newValue []byte, isDelete bool, err error)
}

// ProducerMetadata is the per-send producer identity/footer: in pass-through
// mode it is copied verbatim from the upstream record so downstream DIV
// holds end-to-end; after EOP the leader
// stamps its own.
type ProducerMetadata struct {
	ProducerGUID    [16]byte
	HasProducerGUID bool
	ProducerHostID  string
	UpstreamOffset  int64
	SegmentNumber   int32
	SequenceNumber  int64
}
