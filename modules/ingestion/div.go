package ingestion

import "encoding/hex"

// DivOutcome classifies a DIV check result.
type DivOutcome int

const (
	DivOK DivOutcome = iota
	DivDuplicate
	DivBenign
	DivFatal
)

// divValidator is the per-partition, per-producer sequence/segment tracker.
// Its state is rebuildable from the last checkpointed OffsetRecord, so a
// restart never forgets a producer's DIV position. It is owned and called
// exclusively by the ingestion thread,
// so it carries no internal locking.
type divValidator struct {
	checkpoints map[[16]byte]DivCheckpoint
}

func newDivValidator() *divValidator {
	return &divValidator{checkpoints: make(map[[16]byte]DivCheckpoint)}
}

func divCheckpointKey(guid [16]byte) string {
	return hex.EncodeToString(guid[:])
}

// RebuildFromOffsetRecord restores checkpoints from a previously persisted
// OffsetRecord, so a restarted partition doesn't treat the first record of
// an in-progress segment as a gap.
func (v *divValidator) RebuildFromOffsetRecord(rec *OffsetRecord) {
	for key, cp := range rec.DivCheckpoints {
		guid, err := hex.DecodeString(key)
		if err != nil || len(guid) != 16 {
			continue
		}
		var g [16]byte
		copy(g[:], guid)
		v.checkpoints[g] = cp
	}
}

// Validate checks payload's (segmentNumber, sequenceNumber) against the last
// checkpoint seen for its producer GUID, classifying the result:
//
//   - DivDuplicate: the record's sequence number is at or behind the last
//     accepted one within the same segment.
//   - DivFatal: the sequence number skipped ahead (a gap), which this design
//     cannot distinguish from data loss.
//   - DivOK: the expected next sequence number in the current segment, the
//     first record ever seen for a producer, or a StartOfSegment opening a
//     new one.
//
// On DivOK it returns an OffsetTransformer that checkpoints the new state
// into the OffsetRecord, to be applied at commit time (metadata_store.go's
// PersistOffsetRecord) and read back by RebuildFromOffsetRecord after a
// restart.
func (v *divValidator) Validate(payload RecordPayload) (DivOutcome, OffsetTransformer) {
	if !payload.HasProducerGUID {
		// No producer identity to track (e.g. a locally-authored control
		// message); nothing to validate against.
		return DivOK, nil
	}

	cp, seen := v.checkpoints[payload.ProducerGUID]

	if payload.Type == RecordStartOfSegment {
		next := DivCheckpoint{SegmentNumber: payload.SegmentNumber, SequenceNumber: -1}
		return v.accept(payload.ProducerGUID, next)
	}

	if !seen {
		// First record ever seen for this producer: accept and start
		// tracking from here.
		next := DivCheckpoint{SegmentNumber: payload.SegmentNumber, SequenceNumber: payload.SequenceNumber}
		return v.accept(payload.ProducerGUID, next)
	}

	if payload.SegmentNumber != cp.SegmentNumber {
		if payload.SegmentNumber < cp.SegmentNumber {
			return DivDuplicate, nil
		}
		// A segment number ahead of the one we're tracking is only valid if
		// it's exactly the next one; anything further is a gap.
		if payload.SegmentNumber != cp.SegmentNumber+1 {
			return DivFatal, nil
		}
		next := DivCheckpoint{SegmentNumber: payload.SegmentNumber, SequenceNumber: payload.SequenceNumber}
		return v.accept(payload.ProducerGUID, next)
	}

	switch {
	case payload.SequenceNumber <= cp.SequenceNumber:
		return DivDuplicate, nil
	case payload.SequenceNumber != cp.SequenceNumber+1:
		return DivFatal, nil
	default:
		next := DivCheckpoint{SegmentNumber: cp.SegmentNumber, SequenceNumber: payload.SequenceNumber}
		return v.accept(payload.ProducerGUID, next)
	}
}

func (v *divValidator) accept(guid [16]byte, next DivCheckpoint) (DivOutcome, OffsetTransformer) {
	v.checkpoints[guid] = next
	key := divCheckpointKey(guid)
	return DivOK, func(rec *OffsetRecord) {
		if rec.DivCheckpoints == nil {
			rec.DivCheckpoints = make(map[string]DivCheckpoint)
		}
		rec.DivCheckpoints[key] = next
	}
}
