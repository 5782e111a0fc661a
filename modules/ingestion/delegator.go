package ingestion

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/venicedb/ingestion/modules/storage"
)

// sourceKind identifies which upstream a polled record came from, needed by
// the Record Delegator's control-message routing rules.
type sourceKind int

const (
	sourceLocalVT sourceKind = iota
	sourceRealTime
	sourceStreamReprocessing
	sourceRemoteVT
)

// recordDelegator decides, for every polled record, whether it should be
// re-produced to the version topic, applies inline DIV for real-time-sourced
// records, resolves write-compute deltas, and hands the result to either the
// producer gateway or straight to the drainer queue.
type recordDelegator struct {
	logger log.Logger
	cfg    *Config
	gateway *producerGateway
	queue   *drainerPool
	meta    *offsetMetadataStore
	metrics *metrics
	engine  storage.Engine
	writeCompute WriteComputeApplier

	localVTTopic  string
	amplification AmplificationFactor

	// leaderGUID/leaderHostID identify this task's own leader identity,
	// stamped on every record produced after EOP (pass-through mode stamps
	// the upstream producer's identity instead; see producerMetadata).
	leaderGUID   uuid.UUID
	leaderHostID string
}

// shouldProduce reports whether pcs is LEADER and either reading from
// somewhere other than the local VT or explicitly consuming remotely —
// the condition under which a leader must re-produce what it consumes.
func (d *recordDelegator) shouldProduce(pcs *PartitionConsumptionState, leaderTopic string) bool {
	if pcs.Role != StateLeader {
		return false
	}
	return leaderTopic != d.localVTTopic || pcs.ConsumeRemotely
}

// Delegate routes one polled record through validation, DIV, write-compute,
// and either production or direct draining.
func (d *recordDelegator) Delegate(ctx context.Context, pcs *PartitionConsumptionState, source sourceKind, upstreamOffset int64, payload RecordPayload) error {
	leaderTopic := pcs.LeaderTopic()
	produces := d.shouldProduce(pcs, leaderTopic)

	if payload.Type == RecordUpdate && !produces {
		return ErrFatalProtocolViolationf("received UPDATE on partition %d while not in a producing state", pcs.Partition)
	}
	if payload.Type == RecordStartOfBufferReplay {
		return ErrFatalProtocolViolationf("received StartOfBufferReplay on partition %d", pcs.Partition)
	}

	if source == sourceRealTime {
		outcome, transformer := pcs.DivValidator().Validate(payload)
		switch outcome {
		case DivDuplicate:
			if d.metrics != nil {
				d.metrics.divDuplicates.WithLabelValues(fmt.Sprint(pcs.Partition)).Inc()
			}
			return nil
		case DivFatal:
			// A fatal DIV outcome is logged and swallowed at this inline
			// check, distinct from the drainer-level rewind handling
			// which does propagate, gated on end-of-push.
			if d.metrics != nil {
				d.metrics.divFatal.WithLabelValues(fmt.Sprint(pcs.Partition)).Inc()
			}
			level.Warn(d.logger).Log("msg", "swallowing fatal inline DIV violation", "partition", pcs.Partition)
			return nil
		case DivOK:
			if transformer != nil {
				pcs.WithOffsetRecord(func(rec *OffsetRecord) {
					if rec.PendingOffsetTransformers == nil {
						rec.PendingOffsetTransformers = make(map[string]OffsetTransformer)
					}
					rec.PendingOffsetTransformers[divCheckpointKey(payload.ProducerGUID)] = transformer
				})
			}
		}
	}

	if payload.Type == RecordUpdate {
		resolved, err := d.resolveWriteCompute(ctx, pcs, upstreamOffset, payload)
		if err != nil {
			return err
		}
		payload = resolved
	}

	if !produces {
		return d.enqueueDirect(ctx, pcs, upstreamOffset, payload)
	}

	return d.produce(ctx, pcs, source, upstreamOffset, payload)
}

// resolveWriteCompute looks up the existing value in the transient cache,
// falling back to storage; applies the delta; caches the new state under the
// consumed offset. Chunking is never applied to the result since
// write-compute streams disallow chunking.
func (d *recordDelegator) resolveWriteCompute(ctx context.Context, pcs *PartitionConsumptionState, consumedOffset int64, payload RecordPayload) (RecordPayload, error) {
	if d.writeCompute == nil {
		return RecordPayload{}, ErrFatalProtocolViolationf("write-compute is not configured but partition %d received an UPDATE", pcs.Partition)
	}

	var existing []byte
	var existingSchemaID int32
	var isDelete bool

	if tr, ok := pcs.TransientRecord(payload.Key); ok {
		if tr.Value == nil {
			isDelete = true
		} else {
			existingSchemaID, existing, _ = decodeSchemaValue(tr.Value)
		}
	} else {
		store, err := d.engine.Partition(pcs.Partition)
		if err != nil {
			return RecordPayload{}, fmt.Errorf("ingestion: write-compute: opening partition %d: %w", pcs.Partition, err)
		}
		stored, found, err := store.Get(ctx, payload.Key)
		if err != nil {
			return RecordPayload{}, fmt.Errorf("ingestion: write-compute: reading existing value: %w", err)
		}
		if found {
			existingSchemaID, existing, _ = decodeSchemaValue(stored)
		} else {
			isDelete = true
		}
	}

	if isDelete {
		existing, existingSchemaID = nil, 0
	}

	newValue, resultIsDelete, err := d.writeCompute.Apply(existing, existingSchemaID, payload.Value, payload.ValueSchemaID)
	if err != nil {
		return RecordPayload{}, fmt.Errorf("ingestion: write-compute: applying delta: %w", err)
	}

	resolved := payload
	if resultIsDelete {
		resolved.Type = RecordDelete
		resolved.Value = nil
		pcs.PutTransientRecord(payload.Key, TransientRecord{Offset: consumedOffset, Value: nil})
	} else {
		resolved.Type = RecordPut
		resolved.Value = encodeSchemaValue(payload.ValueSchemaID, newValue)
		pcs.PutTransientRecord(payload.Key, TransientRecord{Offset: consumedOffset, Value: resolved.Value, ValueSchemaID: payload.ValueSchemaID})
	}
	return resolved, nil
}

// controlRoutesToVT reports whether a control message of payloadType, seen
// from source, must be re-produced to the version topic.
func controlRoutesToVT(payloadType RecordType, source sourceKind) bool {
	switch payloadType {
	case RecordStartOfPush, RecordEndOfPush, RecordStartOfIncrementalPush, RecordEndOfIncrementalPush, RecordTopicSwitch:
		return true
	case RecordStartOfSegment, RecordEndOfSegment:
		return source == sourceStreamReprocessing || source == sourceRemoteVT
	default:
		return false
	}
}

// produce sends payload through the Producer Gateway, wiring a callback that
// enqueues the resulting drain work.
func (d *recordDelegator) produce(ctx context.Context, pcs *PartitionConsumptionState, source sourceKind, consumedOffset int64, payload RecordPayload) error {
	isControl := payload.Type != RecordPut && payload.Type != RecordDelete && payload.Type != RecordUpdate
	if isControl && !controlRoutesToVT(payload.Type, source) {
		return nil
	}

	metadata := d.producerMetadata(pcs, payload)

	future := NewFuture()
	pcs.SetLastLeaderPersistFuture(future)

	cb := func(producedOffset int64, manifest *ChunkManifest, err error) {
		if err != nil {
			if d.metrics != nil {
				d.metrics.producerFailures.WithLabelValues(fmt.Sprint(pcs.Partition)).Inc()
			}
			future.Complete(0, fmt.Errorf("%w: %v", ErrBenignProducerFailure, err))
			return
		}
		if d.metrics != nil {
			d.metrics.recordsProduced.WithLabelValues(fmt.Sprint(pcs.Partition)).Inc()
		}

		recCtx := LeaderProducedRecordContext{
			ConsumedOffset: consumedOffset,
			ProducedOffset: producedOffset,
			Key:            payload.Key,
			Payload:        payload,
			PersistedToDB:  future,
			IsChunk:        manifest != nil && producedOffset < 0,
			ChunkManifest:  manifest,
		}
		d.enqueueProducedRecord(ctx, pcs, recCtx, source)
	}

	var err error
	switch payload.Type {
	case RecordPut:
		err = d.gateway.Put(ctx, pcs.Partition, payload.Key, payload.Value, metadata, cb)
	case RecordDelete:
		err = d.gateway.Delete(ctx, pcs.Partition, payload.Key, metadata, cb)
	default:
		err = d.gateway.SendControlMessage(ctx, pcs.Partition, payload, metadata, cb)
	}
	return err
}

// producerMetadata carries the upstream producer's identity verbatim before
// EOP (pass-through DIV); after EOP the leader stamps its own.
func (d *recordDelegator) producerMetadata(pcs *PartitionConsumptionState, payload RecordPayload) ProducerMetadata {
	if !pcs.EndOfPushReceived {
		return ProducerMetadata{
			ProducerGUID:    payload.ProducerGUID,
			HasProducerGUID: payload.HasProducerGUID,
			ProducerHostID:  payload.ProducerHostID,
			UpstreamOffset:  payload.UpstreamOffset,
			SegmentNumber:   payload.SegmentNumber,
			SequenceNumber:  payload.SequenceNumber,
		}
	}
	return ProducerMetadata{
		ProducerGUID:    [16]byte(d.leaderGUID),
		HasProducerGUID: true,
		ProducerHostID:  d.leaderHostID,
		UpstreamOffset:  payload.UpstreamOffset,
	}
}

// enqueueProducedRecord handles the producer callback's post-produce
// decision: whether this sub-partition actually owns the record, and if so
// enqueues it onto the drainer. The leader-sub-partition check only applies
// to RT-sourced records (fan-out from RT under amplification); a batch-push
// or VT/reprocessing-sourced record always belongs to the partition it was
// produced on regardless of which sub-partition leads RT consumption.
func (d *recordDelegator) enqueueProducedRecord(ctx context.Context, pcs *PartitionConsumptionState, recCtx LeaderProducedRecordContext, source sourceKind) {
	if source == sourceRealTime && recCtx.ProducedOffset >= 0 && !isLeaderSubPartition(pcs.Partition, userPartitionOf(pcs.Partition, d.amplification), d.amplification) {
		// Fan-out from RT to a sub-partition other than this task's leader
		// sub-partition: complete the future and skip enqueue entirely.
		recCtx.PersistedToDB.Complete(recCtx.ProducedOffset, nil)
		return
	}

	if recCtx.ChunkManifest != nil {
		for _, chunkKey := range recCtx.ChunkManifest.KeysWithChunkIDSuffix {
			chunkCtx := LeaderProducedRecordContext{
				ConsumedOffset: -1,
				ProducedOffset: -1,
				Key:            chunkKey,
				Payload:        recCtx.Payload,
				PersistedToDB:  recCtx.PersistedToDB,
				IsChunk:        true,
			}
			d.enqueueRecordContext(ctx, pcs, chunkCtx, true)
		}
		manifestCtx := recCtx
		manifestCtx.ConsumedOffset = recCtx.ChunkManifest.ConsumedOffset
		manifestCtx.ProducedOffset = recCtx.ChunkManifest.ProducedOffset
		d.enqueueRecordContext(ctx, pcs, manifestCtx, true)
		return
	}

	d.enqueueRecordContext(ctx, pcs, recCtx, true)
}

// enqueueDirect is the non-producing path: a follower, or a leader already
// reading local VT without consumeRemotely, simply drains what it consumed.
func (d *recordDelegator) enqueueDirect(ctx context.Context, pcs *PartitionConsumptionState, consumedOffset int64, payload RecordPayload) error {
	recCtx := LeaderProducedRecordContext{
		ConsumedOffset: consumedOffset,
		ProducedOffset: consumedOffset,
		Key:            payload.Key,
		Payload:        payload,
		PersistedToDB:  NewFuture(),
	}
	d.enqueueRecordContext(ctx, pcs, recCtx, false)
	return nil
}

// enqueueRecordContext pushes recCtx onto the drainer queue, blocking on
// memory. produces records whether this context came from the
// producer-gateway path or straight from consumption, since the two take
// different offset-update branches once drained.
func (d *recordDelegator) enqueueRecordContext(ctx context.Context, pcs *PartitionConsumptionState, recCtx LeaderProducedRecordContext, produces bool) {
	size := int64(len(recCtx.Payload.Key) + len(recCtx.Payload.Value))
	pcs.SetLastQueuedRecordPersistedFuture(recCtx.PersistedToDB)

	item := drainItem{
		partition: pcs.Partition,
		size:      size,
		apply: func(applyCtx context.Context) error {
			return applyDrainedRecord(applyCtx, d, pcs, recCtx, produces)
		},
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		recCtx.PersistedToDB.Complete(0, err)
	}
}
