package ingestion

import (
	"bytes"
	"context"

	"github.com/venicedb/ingestion/modules/storage"
)

// RewindOutcome classifies an upstream-offset rewind.
type RewindOutcome int

const (
	RewindNone RewindOutcome = iota
	RewindBenign
	RewindLossy
)

// detectRewind classifies a new upstream offset behind the previously
// recorded one: potential split-brain only when the producer identity also
// changed; classification then depends on record type and what's actually
// stored.
//
// newProducerGUID/hasNewProducerGUID and newHostID identify the record that
// triggered the check; prevGUID/prevHasGUID/prevHostID come from the
// OffsetRecord being updated.
func detectRewind(
	ctx context.Context,
	store storage.PartitionStore,
	payload RecordPayload,
	newUpstreamOffset, previousUpstreamOffset int64,
	sameProducer bool,
) (RewindOutcome, error) {
	if newUpstreamOffset >= previousUpstreamOffset {
		return RewindNone, nil
	}
	if sameProducer {
		// A lower offset from the same producer is a DIV duplicate/fatal
		// concern, not a rewind; the caller validates that separately.
		return RewindNone, nil
	}

	switch payload.Type {
	case RecordPut:
		current, found, err := store.Get(ctx, payload.Key)
		if err != nil {
			return RewindLossy, err
		}
		if !found {
			return RewindLossy, nil
		}
		if !valueMatches(current, payload.Value, payload.ValueSchemaID) {
			return RewindLossy, nil
		}
		return RewindBenign, nil

	case RecordDelete:
		_, found, err := store.Get(ctx, payload.Key)
		if err != nil {
			return RewindLossy, err
		}
		if found {
			return RewindLossy, nil
		}
		return RewindBenign, nil

	default:
		// Control messages and UPDATE are always lossy on rewind: there is
		// no stored byte value to compare against.
		return RewindLossy, nil
	}
}

// valueMatches compares a stored value (expected to carry the 4-byte schema
// header) against an incoming payload value + schema id.
func valueMatches(stored, incoming []byte, schemaID int32) bool {
	storedSchemaID, storedValue, ok := decodeSchemaValue(stored)
	if !ok || storedSchemaID != schemaID {
		return false
	}
	return bytes.Equal(storedValue, incoming)
}

// classifyRewindError maps a RewindOutcome to the error taxonomy: lossy is
// fatal only before end-of-push; benign never fails the partition.
func classifyRewindError(outcome RewindOutcome, endOfPushReceived bool) error {
	switch outcome {
	case RewindLossy:
		if !endOfPushReceived {
			return ErrLossyRewind
		}
		// Tolerated post-EOP: metric only, caller logs and continues.
		return nil
	case RewindBenign:
		return nil
	default:
		return nil
	}
}
