package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsetRecordRoundTrip(t *testing.T) {
	rec := NewOffsetRecord()
	rec.LocalVersionTopicOffset = 42
	rec.LeaderTopic = "store_v1_rt"
	rec.UpstreamOffsets[NonAA] = 17
	rec.HasLeaderProducerGUID = true
	rec.LeaderProducerGUID = [16]byte{1, 2, 3}
	rec.LeaderHostID = "host-1"
	rec.DivCheckpoints["abcd"] = DivCheckpoint{SegmentNumber: 2, SequenceNumber: 9}

	b := rec.AppendTo(nil)
	got, err := ReadOffsetRecord(b)
	require.NoError(t, err)

	assert.Equal(t, rec.LocalVersionTopicOffset, got.LocalVersionTopicOffset)
	assert.Equal(t, rec.LeaderTopic, got.LeaderTopic)
	assert.Equal(t, rec.UpstreamOffsets, got.UpstreamOffsets)
	assert.Equal(t, rec.HasLeaderProducerGUID, got.HasLeaderProducerGUID)
	assert.Equal(t, rec.LeaderProducerGUID, got.LeaderProducerGUID)
	assert.Equal(t, rec.LeaderHostID, got.LeaderHostID)
	assert.Equal(t, rec.DivCheckpoints, got.DivCheckpoints)
}

func TestOffsetRecordRoundTrip_FreshRecord(t *testing.T) {
	rec := NewOffsetRecord()
	b := rec.AppendTo(nil)
	got, err := ReadOffsetRecord(b)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), got.LocalVersionTopicOffset)
	assert.Empty(t, got.LeaderTopic)
	assert.False(t, got.HasLeaderProducerGUID)
}

func TestReadOffsetRecord_RejectsUnsupportedVersion(t *testing.T) {
	b := appendUint16(nil, offsetRecordWireVersion+1)
	_, err := ReadOffsetRecord(b)
	assert.Error(t, err)
}

func TestReadOffsetRecord_RejectsTruncated(t *testing.T) {
	rec := NewOffsetRecord()
	rec.LeaderTopic = "some_topic"
	b := rec.AppendTo(nil)
	_, err := ReadOffsetRecord(b[:len(b)-2])
	assert.Error(t, err)
}

func TestStoreVersionStateRoundTrip(t *testing.T) {
	s := &StoreVersionState{
		ChunkingEnabled:     true,
		CompressionStrategy: CompressionZstd,
		LastTopicSwitch: &TopicSwitch{
			SourceTopicName:      "store_v1_rt",
			SourceKafkaServers:   []string{"remote:9092"},
			RewindStartTimestamp: 123456,
		},
	}
	b := s.AppendTo(nil)
	got, err := ReadStoreVersionState(b)
	require.NoError(t, err)
	assert.Equal(t, s.ChunkingEnabled, got.ChunkingEnabled)
	assert.Equal(t, s.CompressionStrategy, got.CompressionStrategy)
	require.NotNil(t, got.LastTopicSwitch)
	assert.Equal(t, *s.LastTopicSwitch, *got.LastTopicSwitch)
}

func TestStoreVersionStateRoundTrip_NoTopicSwitch(t *testing.T) {
	s := &StoreVersionState{CompressionStrategy: CompressionGzip}
	b := s.AppendTo(nil)
	got, err := ReadStoreVersionState(b)
	require.NoError(t, err)
	assert.Nil(t, got.LastTopicSwitch)
	assert.Equal(t, CompressionGzip, got.CompressionStrategy)
}

func TestRecordPayloadRoundTrip_DataRecord(t *testing.T) {
	p := RecordPayload{
		Type:              RecordPut,
		Key:               []byte("key-1"),
		Value:             []byte("value-1"),
		ValueSchemaID:     3,
		HasProducerGUID:   true,
		ProducerGUID:      [16]byte{9, 9, 9},
		ProducerHostID:    "leader-host",
		HasUpstreamOffset: true,
		UpstreamOffset:    555,
		SegmentNumber:     1,
		SequenceNumber:    7,
	}
	b := p.AppendTo(nil)
	got, err := DecodeRecordPayload(b)
	require.NoError(t, err)
	assert.Equal(t, p.Type, got.Type)
	assert.Equal(t, p.Key, got.Key)
	assert.Equal(t, p.Value, got.Value)
	assert.Equal(t, p.ValueSchemaID, got.ValueSchemaID)
	assert.Equal(t, p.ProducerGUID, got.ProducerGUID)
	assert.Equal(t, p.ProducerHostID, got.ProducerHostID)
	assert.Equal(t, p.UpstreamOffset, got.UpstreamOffset)
	assert.True(t, got.HasUpstreamOffset)
	assert.Equal(t, p.SegmentNumber, got.SegmentNumber)
	assert.Equal(t, p.SequenceNumber, got.SequenceNumber)
}

func TestRecordPayloadRoundTrip_TopicSwitchControlMessage(t *testing.T) {
	p := RecordPayload{
		Type: RecordTopicSwitch,
		TopicSwitch: &TopicSwitch{
			SourceTopicName:      "store_v2_rt",
			SourceKafkaServers:   []string{"remote-2:9092"},
			RewindStartTimestamp: 42,
		},
	}
	b := p.AppendTo(nil)
	got, err := DecodeRecordPayload(b)
	require.NoError(t, err)
	require.NotNil(t, got.TopicSwitch)
	assert.Equal(t, *p.TopicSwitch, *got.TopicSwitch)
}

func TestRecordPayloadRoundTrip_ChunkedStartOfPush(t *testing.T) {
	p := RecordPayload{Type: RecordStartOfPush, ChunkedSOP: true}
	b := p.AppendTo(nil)
	got, err := DecodeRecordPayload(b)
	require.NoError(t, err)
	assert.True(t, got.ChunkedSOP)
}

func TestFuture_CompleteThenGet(t *testing.T) {
	f := NewFuture()
	f.Complete(10, nil)
	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)
	assert.True(t, f.IsDone())
}

func TestFuture_CompleteIsIdempotent(t *testing.T) {
	f := NewFuture()
	f.Complete(1, nil)
	f.Complete(2, assert.AnError)
	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestFuture_CancelMarksDone(t *testing.T) {
	f := NewFuture()
	f.Cancel()
	assert.True(t, f.IsDone())
	_, err := f.Get(context.Background())
	assert.Error(t, err)
}

func TestTopicSwitchValidate_RejectsMultipleSources(t *testing.T) {
	ts := &TopicSwitch{SourceKafkaServers: []string{"a:9092", "b:9092"}}
	err := ts.Validate()
	assert.Error(t, err)
}

func TestTopicSwitchValidate_AcceptsExactlyOneSource(t *testing.T) {
	ts := &TopicSwitch{SourceKafkaServers: []string{"a:9092"}}
	assert.NoError(t, ts.Validate())
}
