package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadFor(guid [16]byte, seg int32, seq int64) RecordPayload {
	return RecordPayload{
		HasProducerGUID: true,
		ProducerGUID:    guid,
		SegmentNumber:   seg,
		SequenceNumber:  seq,
	}
}

func TestDivValidator_FirstRecordAccepted(t *testing.T) {
	v := newDivValidator()
	guid := [16]byte{1}
	outcome, xform := v.Validate(payloadFor(guid, 0, 0))
	assert.Equal(t, DivOK, outcome)
	require.NotNil(t, xform)
}

func TestDivValidator_SequentialRecordsAccepted(t *testing.T) {
	v := newDivValidator()
	guid := [16]byte{2}
	_, _ = v.Validate(payloadFor(guid, 0, 0))
	outcome, _ := v.Validate(payloadFor(guid, 0, 1))
	assert.Equal(t, DivOK, outcome)
}

func TestDivValidator_DuplicateWithinSegment(t *testing.T) {
	v := newDivValidator()
	guid := [16]byte{3}
	_, _ = v.Validate(payloadFor(guid, 0, 5))
	outcome, xform := v.Validate(payloadFor(guid, 0, 5))
	assert.Equal(t, DivDuplicate, outcome)
	assert.Nil(t, xform)

	outcome, xform = v.Validate(payloadFor(guid, 0, 3))
	assert.Equal(t, DivDuplicate, outcome)
	assert.Nil(t, xform)
}

func TestDivValidator_GapIsFatal(t *testing.T) {
	v := newDivValidator()
	guid := [16]byte{4}
	_, _ = v.Validate(payloadFor(guid, 0, 0))
	outcome, xform := v.Validate(payloadFor(guid, 0, 5))
	assert.Equal(t, DivFatal, outcome)
	assert.Nil(t, xform)
}

func TestDivValidator_SegmentAdvanceResetsSequence(t *testing.T) {
	v := newDivValidator()
	guid := [16]byte{5}
	_, _ = v.Validate(payloadFor(guid, 0, 9))
	outcome, xform := v.Validate(payloadFor(guid, 1, 0))
	assert.Equal(t, DivOK, outcome)
	require.NotNil(t, xform)
}

func TestDivValidator_SegmentSkipAheadIsFatal(t *testing.T) {
	v := newDivValidator()
	guid := [16]byte{6}
	_, _ = v.Validate(payloadFor(guid, 0, 0))
	outcome, _ := v.Validate(payloadFor(guid, 2, 0))
	assert.Equal(t, DivFatal, outcome)
}

func TestDivValidator_OldSegmentIsDuplicate(t *testing.T) {
	v := newDivValidator()
	guid := [16]byte{7}
	_, _ = v.Validate(payloadFor(guid, 1, 0))
	outcome, _ := v.Validate(payloadFor(guid, 0, 0))
	assert.Equal(t, DivDuplicate, outcome)
}

func TestDivValidator_StartOfSegmentAlwaysAccepted(t *testing.T) {
	v := newDivValidator()
	guid := [16]byte{8}
	_, _ = v.Validate(payloadFor(guid, 0, 9))
	p := payloadFor(guid, 1, 0)
	p.Type = RecordStartOfSegment
	outcome, xform := v.Validate(p)
	assert.Equal(t, DivOK, outcome)
	require.NotNil(t, xform)
}

func TestDivValidator_NoProducerGUIDSkipsValidation(t *testing.T) {
	v := newDivValidator()
	outcome, xform := v.Validate(RecordPayload{})
	assert.Equal(t, DivOK, outcome)
	assert.Nil(t, xform)
}

func TestDivValidator_RebuildFromOffsetRecord(t *testing.T) {
	guid := [16]byte{9}
	rec := NewOffsetRecord()
	rec.DivCheckpoints[divCheckpointKey(guid)] = DivCheckpoint{SegmentNumber: 2, SequenceNumber: 4}

	v := newDivValidator()
	v.RebuildFromOffsetRecord(rec)

	outcome, _ := v.Validate(payloadFor(guid, 2, 4))
	assert.Equal(t, DivDuplicate, outcome, "restored checkpoint must reject a re-delivery of the last accepted record")

	outcome, xform := v.Validate(payloadFor(guid, 2, 5))
	assert.Equal(t, DivOK, outcome)
	require.NotNil(t, xform)
}

func TestDivValidator_AcceptPersistsIntoOffsetRecord(t *testing.T) {
	v := newDivValidator()
	guid := [16]byte{10}
	_, xform := v.Validate(payloadFor(guid, 0, 0))
	require.NotNil(t, xform)

	rec := NewOffsetRecord()
	xform(rec)
	cp, ok := rec.DivCheckpoints[divCheckpointKey(guid)]
	require.True(t, ok)
	assert.Equal(t, int32(0), cp.SegmentNumber)
	assert.Equal(t, int64(0), cp.SequenceNumber)
}
