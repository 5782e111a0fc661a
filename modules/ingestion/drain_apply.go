package ingestion

import (
	"context"
	"fmt"
)

// applyDrainedRecord is the Drainer's per-item handler: it applies the
// record to storage, updates OVM, and completes the record's persist
// future. A chunk item (ConsumedOffset and ProducedOffset both -1) is
// applied to storage but never mutates offsets, so a producer failure
// partway through a chunked produce can never leave the OffsetRecord
// pointing past a partially-written manifest.
func applyDrainedRecord(ctx context.Context, d *recordDelegator, pcs *PartitionConsumptionState, recCtx LeaderProducedRecordContext, produces bool) error {
	store, err := d.engine.Partition(pcs.Partition)
	if err != nil {
		return fmt.Errorf("%w: opening partition %d: %v", ErrStorageFailure, pcs.Partition, err)
	}

	// Rewind detection reads whatever is currently stored for this key, so it
	// must run before applyToStorage overwrites (or deletes) that value —
	// otherwise a PUT always reads back the value it just wrote and a DELETE
	// always finds the key already gone, masking every rewind as benign.
	rewind, rewindChecked, err := checkRewindBeforeApply(ctx, store, pcs, recCtx, produces)
	if err != nil {
		return err
	}

	if err := applyToStorage(ctx, store, recCtx.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	skipOffsetUpdate := recCtx.ConsumedOffset < 0 && recCtx.ProducedOffset < 0
	if !skipOffsetUpdate {
		if err := updateOffsetRecord(ctx, d, pcs, recCtx, produces, rewindChecked, rewind); err != nil {
			recCtx.PersistedToDB.Complete(0, err)
			return err
		}
		if err := persistOffsetRecord(ctx, d, pcs); err != nil {
			recCtx.PersistedToDB.Complete(0, err)
			return err
		}
	}

	result := recCtx.ProducedOffset
	if !produces {
		result = recCtx.ConsumedOffset
	}
	recCtx.PersistedToDB.Complete(result, nil)
	return nil
}

// applyToStorage writes payload's data effect to store. Control messages
// carry no storage mutation of their own (EOP/SOP bookkeeping lives on PCS,
// toggled by the ingestion loop, not the drainer).
func applyToStorage(ctx context.Context, store interface {
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
}, payload RecordPayload) error {
	switch payload.Type {
	case RecordPut:
		return store.Put(ctx, payload.Key, payload.Value)
	case RecordDelete:
		return store.Delete(ctx, payload.Key)
	default:
		return nil
	}
}

// persistOffsetRecord writes pcs's current OffsetRecord through to the
// metadata partition (write-through against the metadata store, the
// counterpart to handleSubscribe's read-through load), then installs the
// persisted copy back onto pcs so any pending DIV transformers applied
// during persistence aren't reapplied on the next drain.
func persistOffsetRecord(ctx context.Context, d *recordDelegator, pcs *PartitionConsumptionState) error {
	snapshot := pcs.SnapshotOffsetRecord()
	if err := d.meta.PersistOffsetRecord(ctx, pcs.Partition, snapshot); err != nil {
		return fmt.Errorf("%w: persisting offset record for partition %d: %v", ErrStorageFailure, pcs.Partition, err)
	}
	pcs.ReplaceOffsetRecord(snapshot)
	return nil
}

// checkRewindBeforeApply runs detectRewind against store's pre-apply state
// for a follower-path item carrying an upstream offset, before
// applyDrainedRecord overwrites that state. checked is false when this item
// has no rewind check to make (a leader path, or no upstream offset), in
// which case outcome is meaningless.
func checkRewindBeforeApply(ctx context.Context, store interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
}, pcs *PartitionConsumptionState, recCtx LeaderProducedRecordContext, produces bool) (outcome RewindOutcome, checked bool, err error) {
	if produces || !recCtx.Payload.HasUpstreamOffset {
		return RewindNone, false, nil
	}
	payload := recCtx.Payload
	previous := pcs.UpstreamOffset()
	sameProducer := payload.HasProducerGUID && pcs.sameLeaderProducer(payload.ProducerGUID, payload.ProducerHostID)

	outcome, err = detectRewind(ctx, store, payload, payload.UpstreamOffset, previous, sameProducer)
	if err != nil {
		return RewindNone, false, fmt.Errorf("%w: detecting rewind: %v", ErrStorageFailure, err)
	}
	return outcome, true, nil
}

// updateOffsetRecord advances pcs's OffsetRecord after a drained item is
// applied: the produced/consumed offsets on a leader path, or the rewind
// classification (already computed pre-apply by checkRewindBeforeApply) and
// leader-producer bookkeeping on a follower path.
func updateOffsetRecord(ctx context.Context, d *recordDelegator, pcs *PartitionConsumptionState, recCtx LeaderProducedRecordContext, produces bool, rewindChecked bool, rewind RewindOutcome) error {
	if produces {
		pcs.WithOffsetRecord(func(rec *OffsetRecord) {
			if recCtx.ProducedOffset >= 0 {
				rec.LocalVersionTopicOffset = recCtx.ProducedOffset
			}
			if recCtx.ConsumedOffset >= 0 {
				rec.UpstreamOffsets[NonAA] = recCtx.ConsumedOffset
			}
		})
		return nil
	}

	payload := recCtx.Payload
	var rewindErr error
	pcs.WithOffsetRecord(func(rec *OffsetRecord) {
		rec.LocalVersionTopicOffset = recCtx.ConsumedOffset
	})

	if payload.HasUpstreamOffset && rewindChecked {
		if d.metrics != nil {
			switch rewind {
			case RewindBenign:
				d.metrics.rewindsBenign.WithLabelValues(fmt.Sprint(pcs.Partition)).Inc()
			case RewindLossy:
				d.metrics.rewindsLossy.WithLabelValues(fmt.Sprint(pcs.Partition)).Inc()
			}
		}
		rewindErr = classifyRewindError(rewind, pcs.EndOfPushReceived)

		pcs.WithOffsetRecord(func(rec *OffsetRecord) {
			// Rewinds are propagated unconditionally so followers track the
			// true leader, even when classified lossy.
			rec.UpstreamOffsets[NonAA] = payload.UpstreamOffset
			if payload.HasProducerGUID {
				rec.LeaderProducerGUID = payload.ProducerGUID
				rec.HasLeaderProducerGUID = true
			}
			rec.LeaderHostID = payload.ProducerHostID
		})
	}

	return rewindErr
}
