package ingestion

import (
	"context"
	"sync"
	"time"
)

// NonAA is the reserved upstreamOffsets key used when a partition has a
// single upstream source. A future active-active mode would populate
// additional keys; nothing in this repo does yet.
const NonAA = "NON_AA"

// CompressionStrategy mirrors StoreVersionState.compressionStrategy.
type CompressionStrategy int

const (
	CompressionNone CompressionStrategy = iota
	CompressionGzip
	CompressionZstd
)

// OffsetRecord is the per-partition durable record persisted to the
// metadata partition. Zero value is the record for a brand new partition
// (offset -1, nothing consumed yet).
type OffsetRecord struct {
	LocalVersionTopicOffset int64
	LeaderTopic             string
	UpstreamOffsets         map[string]int64
	LeaderProducerGUID      [16]byte
	HasLeaderProducerGUID   bool
	LeaderHostID            string
	PendingOffsetTransformers map[string]OffsetTransformer

	// DivCheckpoints holds the per-producer DIV segment/sequence state
	// (div.go), keyed by hex-encoded producer GUID, so a restarted
	// partition can rebuild its DIV validator from the last checkpointed
	// record instead of treating the next message as a gap.
	DivCheckpoints map[string]DivCheckpoint
}

// DivCheckpoint is the durable snapshot of one producer's DIV position.
type DivCheckpoint struct {
	SegmentNumber  int32
	SequenceNumber int64
}

// OffsetTransformer captures a DIV-derived delta to apply to an
// OffsetRecord on commit. The only transformer in use is the DIV checkpoint
// update returned by the inline DIV check (div.go, installed by
// delegator.go); it is modeled as a function so future transformer kinds
// don't require a new wire format.
type OffsetTransformer func(*OffsetRecord)

// NewOffsetRecord returns an OffsetRecord for a partition that has never
// consumed anything.
func NewOffsetRecord() *OffsetRecord {
	return &OffsetRecord{
		LocalVersionTopicOffset: -1,
		UpstreamOffsets:         make(map[string]int64),
		DivCheckpoints:          make(map[string]DivCheckpoint),
	}
}

// Clone returns a deep copy, used by the drainer to hand each worker its own
// mutable snapshot.
func (r *OffsetRecord) Clone() *OffsetRecord {
	c := *r
	c.UpstreamOffsets = make(map[string]int64, len(r.UpstreamOffsets))
	for k, v := range r.UpstreamOffsets {
		c.UpstreamOffsets[k] = v
	}
	c.DivCheckpoints = make(map[string]DivCheckpoint, len(r.DivCheckpoints))
	for k, v := range r.DivCheckpoints {
		c.DivCheckpoints[k] = v
	}
	c.PendingOffsetTransformers = nil
	return &c
}

// TopicSwitch is a control message directing a partition to switch its
// upstream source. The design requires
// exactly one source server; SourceKafkaServers is kept as a slice only
// because that's the wire shape of the control message as received.
type TopicSwitch struct {
	SourceTopicName     string
	SourceKafkaServers  []string
	RewindStartTimestamp int64
}

// Validate enforces that a TopicSwitch names exactly one source server.
func (ts *TopicSwitch) Validate() error {
	if ts == nil {
		return nil
	}
	if len(ts.SourceKafkaServers) != 1 {
		return ErrFatalProtocolViolationf("topic switch must carry exactly one source kafka server, got %d", len(ts.SourceKafkaServers))
	}
	return nil
}

// StoreVersionState is the per-version durable record stored alongside
// every partition's OffsetRecord.
type StoreVersionState struct {
	ChunkingEnabled     bool
	CompressionStrategy CompressionStrategy
	LastTopicSwitch     *TopicSwitch
}

// TransientRecord is the write-compute last-write cache entry.
type TransientRecord struct {
	Offset       int64
	Value        []byte // nil means the transient state is a DELETE.
	ValueSchemaID int32
}

// LeaderProducedRecordContext carries everything the producer callback needs
// to enqueue a drained record.
type LeaderProducedRecordContext struct {
	ConsumedOffset int64
	ProducedOffset int64
	Key            []byte
	Payload        RecordPayload
	PersistedToDB  *Future

	// Chunking, set only when the producer callback attached chunk info.
	IsChunk      bool
	ChunkManifest *ChunkManifest
}

// ChunkManifest describes a chunked put, mirroring downstream
// producer chunking info: the top-level key, the ordered chunk keys, and the
// original consumed/produced offsets (carried only on the manifest record,
// never on individual chunks).
type ChunkManifest struct {
	TopLevelKey        []byte
	KeysWithChunkIDSuffix [][]byte
	ConsumedOffset     int64
	ProducedOffset     int64
}

// RecordPayload is the decoded form of a data or control record, as handed
// to the Record Delegator.
type RecordPayload struct {
	Type  RecordType
	Key   []byte
	Value []byte

	ValueSchemaID int32

	// ProducerGUID/ProducerHostID/UpstreamOffset are populated from the
	// record's producer-metadata footer when present (pass-through mode or
	// leader-authored records), used by DIV and rewind detection.
	ProducerGUID   [16]byte
	HasProducerGUID bool
	ProducerHostID string
	UpstreamOffset int64
	HasUpstreamOffset bool

	// ProducerSequenceNumber and SegmentNumber are the DIV identity fields.
	SegmentNumber   int32
	SequenceNumber  int64

	TopicSwitch *TopicSwitch
	ChunkedSOP  bool // StartOfPush{chunked} flag.
}

// RecordType enumerates control-message vocabulary plus data
// records.
type RecordType int

const (
	RecordPut RecordType = iota
	RecordDelete
	RecordUpdate
	RecordStartOfPush
	RecordEndOfPush
	RecordStartOfSegment
	RecordEndOfSegment
	RecordStartOfIncrementalPush
	RecordEndOfIncrementalPush
	RecordTopicSwitch
	RecordStartOfBufferReplay // forbidden; receiving this is always fatal.
)

// UpstreamRecord is what UpstreamClient.Poll returns.
type UpstreamRecord struct {
	URL                  string
	Topic                string
	Partition            int32
	Offset               int64
	Key                  []byte
	Value                []byte
	SerializedKeySize    int
	SerializedValueSize  int
	Timestamp            time.Time
}

// Future is an abstract completion signal: a single result or error handed
// back through get(timeout)/cancel()/isDone rather than any one framework's
// own future/promise type.
type Future struct {
	mu     sync.Mutex
	done   chan struct{}
	err    error
	result int64 // produced offset, when relevant; 0 otherwise.
	isDone bool
	cancelled bool
}

// NewFuture returns a pending Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete marks the future done with the given error (nil on success) and
// an optional result offset.
func (f *Future) Complete(result int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isDone {
		return
	}
	f.result = result
	f.err = err
	f.isDone = true
	close(f.done)
}

// Get blocks for the future to complete, a deadline via ctx, or cancellation.
// A ctx deadline expiring is itself returned as ctx.Err(); callers awaiting a
// producer's last future treat such a timeout as a benign producer failure
// rather than a fatal one.
func (f *Future) Get(ctx context.Context) (int64, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Cancel marks the future cancelled if it hasn't already completed.
func (f *Future) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isDone {
		return
	}
	f.cancelled = true
	f.isDone = true
	f.err = context.Canceled
	close(f.done)
}

// IsDone reports whether the future has completed, successfully, with an
// error, or via cancellation.
func (f *Future) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isDone
}
