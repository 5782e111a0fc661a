package ingestion

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleTopicSwitchReceipt_RejectsInvalidSwitch(t *testing.T) {
	m, _ := newTestPSM(t, NewMemoryUpstreamClient(NewMemoryBroker()))
	pcs := NewPartitionConsumptionState(0, NewOffsetRecord())
	ts := &TopicSwitch{SourceTopicName: "store_v1_rt", SourceKafkaServers: []string{"a", "b"}}

	err := m.handleTopicSwitchReceipt(context.Background(), pcs, ts)
	assert.ErrorIs(t, err, ErrFatalProtocolViolation)
}

func TestHandleTopicSwitchReceipt_FollowerUpdatesLeaderTopicImmediately(t *testing.T) {
	m, meta := newTestPSM(t, NewMemoryUpstreamClient(NewMemoryBroker()))
	pcs := NewPartitionConsumptionState(0, NewOffsetRecord())
	pcs.Role = StateStandby
	ts := &TopicSwitch{SourceTopicName: "store_v1_rt", SourceKafkaServers: []string{"local"}}

	require.NoError(t, m.handleTopicSwitchReceipt(context.Background(), pcs, ts))
	assert.Equal(t, "store_v1_rt", pcs.LeaderTopic(), "a follower must adopt the new leader topic immediately so lag can be computed")
	assert.Same(t, ts, pcs.PendingTopicSwitch)

	vs, err := meta.LoadVersionState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, vs.LastTopicSwitch)
	assert.Equal(t, "store_v1_rt", vs.LastTopicSwitch.SourceTopicName)
}

func TestHandleTopicSwitchReceipt_LeaderDoesNotAdoptTopicImmediately(t *testing.T) {
	m, _ := newTestPSM(t, NewMemoryUpstreamClient(NewMemoryBroker()))
	pcs := NewPartitionConsumptionState(0, NewOffsetRecord())
	pcs.Role = StateLeader
	pcs.SetLeaderTopic(m.localVTTopic)
	ts := &TopicSwitch{SourceTopicName: "store_v1_rt", SourceKafkaServers: []string{"local"}}

	require.NoError(t, m.handleTopicSwitchReceipt(context.Background(), pcs, ts))
	assert.Equal(t, m.localVTTopic, pcs.LeaderTopic(), "a leader defers the actual switch to executeTopicSwitch")
	assert.Same(t, ts, pcs.PendingTopicSwitch)
}

func TestHandleTopicSwitchReceipt_RewindTakesPrecedenceOverStaleUpstreamOffset(t *testing.T) {
	broker := NewMemoryBroker()
	upstream := NewMemoryUpstreamClient(broker)
	m, _ := newTestPSM(t, upstream)

	tp := broker.topicPartition("store_v1_rt_2", 0)
	base := time.Unix(1000, 0)
	for i := 0; i < 250; i++ {
		tp.append(UpstreamRecord{Key: []byte(fmt.Sprint(i)), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	rewindTs := base.Add(200 * time.Second).UnixMilli()

	pcs := NewPartitionConsumptionState(0, NewOffsetRecord())
	pcs.Role = StateStandby
	pcs.WithOffsetRecord(func(rec *OffsetRecord) {
		rec.UpstreamOffsets[NonAA] = 50
	})

	ts := &TopicSwitch{SourceTopicName: "store_v1_rt_2", SourceKafkaServers: []string{"local"}, RewindStartTimestamp: rewindTs}
	require.NoError(t, m.handleTopicSwitchReceipt(context.Background(), pcs, ts))

	assert.Equal(t, "store_v1_rt_2", pcs.LeaderTopic())
	assert.Equal(t, int64(200), pcs.UpstreamOffset(), "a pending rewind must win over the stale upstream offset left by the previous topic")
}

func TestExecuteTopicSwitch_RewindTakesPrecedenceOverStaleUpstreamOffset(t *testing.T) {
	broker := NewMemoryBroker()
	upstream := NewMemoryUpstreamClient(broker)
	m, _ := newTestPSM(t, upstream)

	tp := broker.topicPartition("store_v1_rt_2", 0)
	base := time.Unix(1000, 0)
	for i := 0; i < 250; i++ {
		tp.append(UpstreamRecord{Key: []byte(fmt.Sprint(i)), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	rewindTs := base.Add(200 * time.Second).UnixMilli()

	pcs := NewPartitionConsumptionState(0, NewOffsetRecord())
	pcs.Role = StateLeader
	pcs.SetLeaderTopic(m.localVTTopic)
	require.NoError(t, upstream.Subscribe(context.Background(), m.localVTTopic, 0, 0, "local"))
	pcs.WithOffsetRecord(func(rec *OffsetRecord) {
		rec.UpstreamOffsets[NonAA] = 50
	})
	pcs.PendingTopicSwitch = &TopicSwitch{SourceTopicName: "store_v1_rt_2", SourceKafkaServers: []string{"local"}, RewindStartTimestamp: rewindTs}

	require.NoError(t, m.executeTopicSwitch(context.Background(), pcs))
	assert.Equal(t, "store_v1_rt_2", pcs.LeaderTopic())

	rec, ok := upstream.subs[subKey("store_v1_rt_2", 0)]
	require.True(t, ok)
	assert.Equal(t, int64(200), rec.nextOffset, "the leader must resubscribe at the rewind-derived offset, not the stale upstream offset")

	polled, err := upstream.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, polled, 50, "resubscribing at the rewind offset must return offsets 200 through 249, starting at that offset, not the one before it")
	assert.Equal(t, "200", string(polled[0].Key), "the first record consumed after the rewind must be the one at the resolved timestamp offset, not offset-1")
}

func TestShouldExecuteTopicSwitch_NoneWhenNoSwitchPending(t *testing.T) {
	m, _ := newTestPSM(t, NewMemoryUpstreamClient(NewMemoryBroker()))
	pcs := NewPartitionConsumptionState(0, NewOffsetRecord())
	assert.False(t, m.shouldExecuteTopicSwitch(pcs, false))
}

func TestShouldExecuteTopicSwitch_UnconditionalFromStreamReprocessing(t *testing.T) {
	m, _ := newTestPSM(t, NewMemoryUpstreamClient(NewMemoryBroker()))
	pcs := NewPartitionConsumptionState(0, NewOffsetRecord())
	pcs.SetLeaderTopic("store_v1_sr")
	pcs.PendingTopicSwitch = &TopicSwitch{SourceTopicName: "store_v1_rt", SourceKafkaServers: []string{"local"}}
	pcs.LatestMessageConsumptionTs = time.Now()

	assert.True(t, m.shouldExecuteTopicSwitch(pcs, false), "switching away from stream-reprocessing happens unconditionally")
}

func TestShouldExecuteTopicSwitch_WaitsForQuiescenceOtherwise(t *testing.T) {
	m, _ := newTestPSM(t, NewMemoryUpstreamClient(NewMemoryBroker()))
	pcs := NewPartitionConsumptionState(0, NewOffsetRecord())
	pcs.SetLeaderTopic("store_v1_rt")
	pcs.PendingTopicSwitch = &TopicSwitch{SourceTopicName: "store_v1_rt_2", SourceKafkaServers: []string{"local"}}
	pcs.LatestMessageConsumptionTs = time.Now()
	assert.False(t, m.shouldExecuteTopicSwitch(pcs, false))

	m.cfg.PromotionToLeaderReplicaDelay = time.Millisecond
	pcs.LatestMessageConsumptionTs = time.Now().Add(-time.Second)
	assert.True(t, m.shouldExecuteTopicSwitch(pcs, false))
}

func TestExecuteTopicSwitch_SubscribesNewTopicAndClearsPending(t *testing.T) {
	broker := NewMemoryBroker()
	upstream := NewMemoryUpstreamClient(broker)
	m, _ := newTestPSM(t, upstream)

	pcs := NewPartitionConsumptionState(0, NewOffsetRecord())
	pcs.Role = StateLeader
	pcs.SetLeaderTopic(m.localVTTopic)
	require.NoError(t, upstream.Subscribe(context.Background(), m.localVTTopic, 0, 0, "local"))
	pcs.PendingTopicSwitch = &TopicSwitch{SourceTopicName: "store_v1_rt", SourceKafkaServers: []string{"local"}}

	require.NoError(t, m.executeTopicSwitch(context.Background(), pcs))
	assert.Equal(t, "store_v1_rt", pcs.LeaderTopic())
	assert.Nil(t, pcs.PendingTopicSwitch)
}

func TestExecuteTopicSwitch_NoOpWithoutPendingSwitch(t *testing.T) {
	m, _ := newTestPSM(t, NewMemoryUpstreamClient(NewMemoryBroker()))
	pcs := NewPartitionConsumptionState(0, NewOffsetRecord())
	assert.NoError(t, m.executeTopicSwitch(context.Background(), pcs))
}
