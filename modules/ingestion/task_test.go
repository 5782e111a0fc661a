package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venicedb/ingestion/modules/storage"
)

func newTestTask(t *testing.T, broker *MemoryBroker, vtTopic string) (*IngestionTask, *MemoryUpstreamClient, storage.Engine) {
	t.Helper()
	upstream := NewMemoryUpstreamClient(broker)
	engine := storage.NewMemoryEngine()

	cfg := Config{
		BootstrapTimeout:                time.Hour,
		StoreWriterBufferMemoryCapacity: 1 << 20,
		StoreWriterBufferNotifyDelta:    1 << 10,
		StoreWriterNumber:               1,
	}

	task, err := NewIngestionTask(IngestionTaskParams{
		Logger: log.NewNopLogger(),
		Config: cfg,
		Engine: engine,
		Upstream: upstream,
		NewDownstreamProducer: func() (DownstreamProducer, error) {
			return NewMemoryDownstreamProducer(broker, vtTopic, nil), nil
		},
		LocalVersionTopic: vtTopic,
		LocalClusterURL:   "local",
		Amplification:     1,
	})
	require.NoError(t, err)
	return task, upstream, engine
}

func TestIngestionTask_SubscribeThenConsumePutRecord(t *testing.T) {
	broker := NewMemoryBroker()
	task, _, engine := newTestTask(t, broker, "store_v1")

	// Submit is only accepted once the service is running; drive the action
	// queue directly instead for a deterministic, non-racy test.
	task.actions.Enqueue(Action{Type: ActionSubscribe, Partition: 0})
	ctx := context.Background()
	for _, act := range task.actions.DrainAll() {
		task.processAction(ctx, act)
	}

	pcs := task.partition(0)
	require.NotNil(t, pcs)
	assert.Equal(t, StateStandby, pcs.Role)

	payload := RecordPayload{Type: RecordPut, Key: []byte("k"), Value: []byte("v"), ValueSchemaID: 1}
	encoded := payload.AppendTo(nil)
	broker.topicPartition("store_v1", 0).append(UpstreamRecord{Topic: "store_v1", Partition: 0, Key: []byte("k"), Value: encoded, Timestamp: time.Unix(0, 0)})

	require.NoError(t, task.tick(ctx))

	// The drainer pool is not started here; apply the enqueued item directly.
	item, ok := task.drainers.shardFor(0).dequeue(ctx)
	require.True(t, ok)
	require.NoError(t, item.apply(ctx))

	p, err := engine.Partition(0)
	require.NoError(t, err)
	v, found, err := p.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)

	assert.Equal(t, int64(0), pcs.LocalVersionTopicOffset())
}

func TestIngestionTask_Submit_RejectsWhenNotRunning(t *testing.T) {
	broker := NewMemoryBroker()
	task, _, _ := newTestTask(t, broker, "store_v1")

	err := task.Submit(Action{Type: ActionSubscribe, Partition: 0})
	assert.Error(t, err, "a freshly constructed task is not yet Running")
}

func TestIngestionTask_CurrentSessionID_UnknownPartitionIsZero(t *testing.T) {
	broker := NewMemoryBroker()
	task, _, _ := newTestTask(t, broker, "store_v1")
	assert.Equal(t, uint64(0), task.CurrentSessionID(9))
}

func TestIngestionTask_HandleSubscribeAction_AssignsIncreasingSessionIDs(t *testing.T) {
	broker := NewMemoryBroker()
	task, _, _ := newTestTask(t, broker, "store_v1")
	ctx := context.Background()

	task.handleSubscribeAction(ctx, Action{Type: ActionSubscribe, Partition: 0})
	first := task.CurrentSessionID(0)
	assert.NotZero(t, first)

	task.handleSubscribeAction(ctx, Action{Type: ActionSubscribe, Partition: 1})
	second := task.CurrentSessionID(1)
	assert.Greater(t, second, first)
}

func TestIngestionTask_ProcessAction_DropsStaleAction(t *testing.T) {
	broker := NewMemoryBroker()
	task, _, _ := newTestTask(t, broker, "store_v1")
	ctx := context.Background()

	task.handleSubscribeAction(ctx, Action{Type: ActionSubscribe, Partition: 0})
	pcs := task.partition(0)
	require.NotNil(t, pcs)

	stale := Action{Type: ActionStandbyToLeader, Partition: 0, Checker: sessionChecker{partition: 0, sessionID: pcs.LeaderSessionID + 1}}
	task.processAction(ctx, stale)
	assert.Equal(t, StateStandby, pcs.Role, "a stale session checker must make the action a no-op")
}

func TestIngestionTask_ProcessAction_Unsubscribe_RemovesPartition(t *testing.T) {
	broker := NewMemoryBroker()
	task, _, _ := newTestTask(t, broker, "store_v1")
	ctx := context.Background()

	task.handleSubscribeAction(ctx, Action{Type: ActionSubscribe, Partition: 0})
	pcs := task.partition(0)
	require.NotNil(t, pcs)

	task.processAction(ctx, Action{Type: ActionUnsubscribe, Partition: 0, Checker: sessionChecker{partition: 0, sessionID: pcs.LeaderSessionID}})
	assert.Nil(t, task.partition(0))
}

func TestIngestionTask_RouteRecord_UnknownPartitionIsIgnored(t *testing.T) {
	broker := NewMemoryBroker()
	task, _, _ := newTestTask(t, broker, "store_v1")

	assert.NotPanics(t, func() {
		task.routeRecord(context.Background(), UpstreamRecord{Topic: "store_v1", Partition: 7, Value: []byte("garbage")})
	})
}

func TestIngestionTask_RouteRecord_DecodeFailureSetsFatalException(t *testing.T) {
	broker := NewMemoryBroker()
	task, _, _ := newTestTask(t, broker, "store_v1")
	ctx := context.Background()
	task.handleSubscribeAction(ctx, Action{Type: ActionSubscribe, Partition: 0})

	task.routeRecord(ctx, UpstreamRecord{Topic: "store_v1", Partition: 0, Value: []byte("not a valid payload"), Timestamp: time.Unix(0, 0)})

	task.exceptionsMu.Lock()
	_, ok := task.exceptions[0]
	task.exceptionsMu.Unlock()
	assert.True(t, ok, "an undecodable record must stage a fatal exception for the partition")
}

func TestIngestionTask_CheckLongRunningTransitions_BootstrapTimeoutSetsException(t *testing.T) {
	broker := NewMemoryBroker()
	task, _, _ := newTestTask(t, broker, "store_v1")
	task.cfg.BootstrapTimeout = time.Millisecond

	ctx := context.Background()
	task.handleSubscribeAction(ctx, Action{Type: ActionSubscribe, Partition: 0})
	pcs := task.partition(0)
	require.NotNil(t, pcs)
	pcs.ConsumptionStartTs = time.Now().Add(-time.Hour)

	task.checkLongRunningTransitions(ctx, pcs)

	task.exceptionsMu.Lock()
	err, ok := task.exceptions[0]
	task.exceptionsMu.Unlock()
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrPushTimeout)
}

func TestIngestionTask_ShouldLeaderSwitchToLocalConsumption(t *testing.T) {
	broker := NewMemoryBroker()
	task, _, _ := newTestTask(t, broker, "store_v1")

	pcs := NewPartitionConsumptionState(0, NewOffsetRecord())
	// Outside the push-to-VT-with-write-compute-disabled exception.
	pcs.IncrementalPushPolicy = IncrementalPushPolicyPushToRealTimeTopic
	pcs.ConsumeRemotely = true
	pcs.EndOfPushReceived = true
	pcs.SetLeaderTopic(task.localVTTopic)
	assert.True(t, task.shouldLeaderSwitchToLocalConsumption(pcs))

	pcs.EndOfPushReceived = false
	assert.False(t, task.shouldLeaderSwitchToLocalConsumption(pcs))

	pcs.EndOfPushReceived = true
	pcs.ConsumeRemotely = false
	assert.False(t, task.shouldLeaderSwitchToLocalConsumption(pcs))
}

func TestIngestionTask_SourceKindOf(t *testing.T) {
	broker := NewMemoryBroker()
	task, _, _ := newTestTask(t, broker, "store_v1")

	pcs := NewPartitionConsumptionState(0, NewOffsetRecord())
	assert.Equal(t, sourceLocalVT, task.sourceKindOf(pcs, UpstreamRecord{Topic: "store_v1"}))

	pcs.ConsumeRemotely = true
	assert.Equal(t, sourceRemoteVT, task.sourceKindOf(pcs, UpstreamRecord{Topic: "store_v1_rt"}))

	pcs.ConsumeRemotely = false
	assert.Equal(t, sourceRealTime, task.sourceKindOf(pcs, UpstreamRecord{Topic: "store_v1_rt"}))
}
