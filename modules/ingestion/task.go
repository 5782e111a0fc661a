package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/venicedb/ingestion/modules/storage"
)

// loopInterval is how often the ingestion loop ticks when there is nothing
// waiting on the upstream poll; kept short since polling itself carries its
// own internal timeout.
const loopInterval = 100 * time.Millisecond

// IngestionTaskParams bundles the collaborators one IngestionTask needs,
// mirroring external-collaborator boundary: only UpstreamClient,
// DownstreamProducer (via the factory), and storage.Engine cross into this
// package from outside.
type IngestionTaskParams struct {
	Logger   log.Logger
	Config   Config
	Registerer prometheus.Registerer

	Engine   storage.Engine
	Upstream UpstreamClient
	NewDownstreamProducer producerGatewayFactory
	WriteCompute          WriteComputeApplier

	LocalVersionTopic string
	LocalClusterURL   string
	LocalHostID       string
	Amplification     AmplificationFactor
	IsSystemStore     bool

	IsMigrationDuplicate func() bool
	IsCurrentVersion     func() bool
}

// IngestionTask is the top-level component: one instance per store version,
// supervising N partition workers. It composes a dskit services.Service
// lifecycle (starting/running/stopping) since it is itself a long-lived
// component managed the same way as the rest of the fleet.
type IngestionTask struct {
	services.Service

	logger log.Logger
	cfg    Config

	engine   storage.Engine
	upstream UpstreamClient
	gateway  *producerGateway
	drainers *drainerPool
	umc      *upstreamMetadataCache
	metrics  *metrics
	localClusterURL string

	psm       *psm
	delegator *recordDelegator
	actions   *actionQueue
	sessionGen sessionIDGenerator

	localVTTopic string
	isSystemStore bool
	amplification AmplificationFactor

	partitionsMu sync.Mutex
	partitions   map[int32]*PartitionConsumptionState

	exceptionsMu sync.Mutex
	exceptions   map[int32]error
}

// NewIngestionTask wires every component of an IngestionTask together.
func NewIngestionTask(p IngestionTaskParams) (*IngestionTask, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}

	m := newMetrics(p.Registerer)
	drainers, err := newDrainerPool(p.Config.StoreWriterBufferMemoryCapacity, p.Config.StoreWriterBufferNotifyDelta, p.Config.StoreWriterNumber, m, p.LocalVersionTopic, nil)
	if err != nil {
		return nil, err
	}
	gateway := newProducerGateway(p.NewDownstreamProducer)
	meta := newOffsetMetadataStore(p.Engine.Metadata())
	umc := newUpstreamMetadataCache(p.Upstream, p.Config.UpstreamMetadataTTL)

	t := &IngestionTask{
		logger:          p.Logger,
		cfg:             p.Config,
		engine:          p.Engine,
		upstream:        p.Upstream,
		gateway:         gateway,
		drainers:        drainers,
		umc:             umc,
		metrics:         m,
		localClusterURL: p.LocalClusterURL,
		localVTTopic:    p.LocalVersionTopic,
		isSystemStore:   p.IsSystemStore,
		amplification:   p.Amplification,
		actions:         newActionQueue(),
		partitions:      make(map[int32]*PartitionConsumptionState),
		exceptions:      make(map[int32]error),
	}
	drainers.onError = t.setException

	t.psm = &psm{
		logger:               p.Logger,
		cfg:                  &t.cfg,
		meta:                 meta,
		upstream:              p.Upstream,
		gateway:               gateway,
		metrics:               m,
		localVTTopic:          p.LocalVersionTopic,
		localClusterURL:       p.LocalClusterURL,
		amplification:         p.Amplification,
		isMigrationDuplicate:  p.IsMigrationDuplicate,
		isCurrentVersion:      p.IsCurrentVersion,
	}
	hostID := p.LocalHostID
	if hostID == "" {
		hostID = "unknown-host"
	}
	t.delegator = &recordDelegator{
		logger:        p.Logger,
		cfg:           &t.cfg,
		gateway:       gateway,
		queue:         drainers,
		meta:          meta,
		metrics:       m,
		engine:        p.Engine,
		writeCompute:  p.WriteCompute,
		localVTTopic:  p.LocalVersionTopic,
		amplification: p.Amplification,
		leaderGUID:    uuid.New(),
		leaderHostID:  hostID,
	}

	t.Service = services.NewBasicService(t.starting, t.running, t.stopping)
	return t, nil
}

func (t *IngestionTask) starting(ctx context.Context) error {
	level.Info(t.logger).Log("msg", "ingestion task starting")
	t.drainers.Start(context.Background())
	return nil
}

func (t *IngestionTask) running(ctx context.Context) error {
	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.tick(ctx); err != nil {
				level.Error(t.logger).Log("msg", "ingestion loop tick failed", "err", err)
			}
		}
	}
}

func (t *IngestionTask) stopping(failureCase error) error {
	level.Info(t.logger).Log("msg", "ingestion task stopping", "err", failureCase)
	t.drainers.Stop()
	return t.gateway.Close()
}

// tick is one iteration of Ingestion Loop: process queued
// actions, run the Long-Running Task Checker, poll upstreams, delegate
// records, surface staged exceptions.
func (t *IngestionTask) tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if t.metrics != nil {
			t.metrics.ingestionCycleDuration.Observe(time.Since(start).Seconds())
		}
	}()

	for _, act := range t.actions.DrainAll() {
		t.processAction(ctx, act)
	}

	t.partitionsMu.Lock()
	parts := make([]*PartitionConsumptionState, 0, len(t.partitions))
	for _, pcs := range t.partitions {
		parts = append(parts, pcs)
	}
	t.partitionsMu.Unlock()

	for _, pcs := range parts {
		t.checkLongRunningTransitions(ctx, pcs)
	}

	records, err := t.upstream.Poll(ctx)
	if err != nil {
		return fmt.Errorf("ingestion: polling upstream: %w", err)
	}
	for _, rec := range records {
		t.routeRecord(ctx, rec)
	}

	return t.surfaceExceptions()
}

// routeRecord decodes and delegates one polled UpstreamRecord.
func (t *IngestionTask) routeRecord(ctx context.Context, rec UpstreamRecord) {
	pcs := t.partition(rec.Partition)
	if pcs == nil {
		return
	}
	pcs.LatestMessageConsumptionTs = rec.Timestamp
	if pcs.SkipKafkaMessage {
		return
	}

	payload, err := DecodeRecordPayload(rec.Value)
	if err != nil {
		t.setException(rec.Partition, fmt.Errorf("%w: decoding record: %v", ErrFatalProtocolViolation, err))
		return
	}
	payload.Key = rec.Key
	if payload.HasUpstreamOffset {
		// Preserve whatever the footer carried (pass-through identity); the
		// raw consumed offset is tracked separately via rec.Offset.
	} else {
		payload.UpstreamOffset = rec.Offset
		payload.HasUpstreamOffset = true
	}

	source := t.sourceKindOf(pcs, rec)
	if payload.Type == RecordEndOfPush {
		pcs.EndOfPushReceived = true
	}
	if payload.Type == RecordTopicSwitch && payload.TopicSwitch != nil {
		if err := t.psm.handleTopicSwitchReceipt(ctx, pcs, payload.TopicSwitch); err != nil {
			t.setException(rec.Partition, err)
			return
		}
	}

	if err := t.delegator.Delegate(ctx, pcs, source, rec.Offset, payload); err != nil {
		if IsFatal(err) {
			t.setException(rec.Partition, err)
		} else {
			level.Warn(t.logger).Log("msg", "non-fatal delegation error", "partition", rec.Partition, "err", err)
		}
	}
}

// sourceKindOf classifies a polled record's origin for the delegator's
// control-message routing rules.
func (t *IngestionTask) sourceKindOf(pcs *PartitionConsumptionState, rec UpstreamRecord) sourceKind {
	switch {
	case rec.Topic == t.localVTTopic:
		return sourceLocalVT
	case isStreamReprocessingTopic(rec.Topic):
		return sourceStreamReprocessing
	case pcs.ConsumeRemotely:
		return sourceRemoteVT
	default:
		return sourceRealTime
	}
}

// checkLongRunningTransitions implements the Long-Running Task Checker: the
// deadline-driven state transitions a partition makes without any external
// action arriving.
func (t *IngestionTask) checkLongRunningTransitions(ctx context.Context, pcs *PartitionConsumptionState) {
	if !pcs.EndOfPushReceived && time.Since(pcs.ConsumptionStartTs) > t.cfg.BootstrapTimeout {
		t.setException(pcs.Partition, ErrPushTimeout)
		return
	}

	t.psm.tickPauseTransition(pcs)

	userPartition := userPartitionOf(pcs.Partition, t.amplification)
	if err := t.psm.tickInTransitionToLeader(ctx, pcs, t.isSystemStore, userPartition); err != nil {
		t.setException(pcs.Partition, err)
		return
	}

	t.updatePartitionReadiness(ctx, pcs)

	if pcs.Role == StateLeader {
		if t.shouldLeaderSwitchToLocalConsumption(pcs) {
			// handleLeaderToStandby already resubscribes the local VT as part
			// of its own demotion sequence; the subsequent
			// ActionStandbyToLeader that local consumption implies arrives
			// through the normal action path once the role source notices.
			if err := t.psm.handleLeaderToStandby(ctx, pcs); err != nil {
				t.setException(pcs.Partition, err)
				return
			}
		}
		if t.psm.shouldExecuteTopicSwitch(pcs, t.isSystemStore) {
			if err := t.psm.executeTopicSwitch(ctx, pcs); err != nil {
				t.setException(pcs.Partition, err)
			}
		}
	}
}

// updatePartitionReadiness computes this tick's lag for pcs and releases the
// rebalance latch the first time its VT base catches up. Batch partitions
// (or a hybrid partition before EOP) are scored against the VT directly; a
// hybrid partition past EOP additionally tracks leader-vs-upstream or
// follower-vs-VT lag, but the rebalance latch only ever fires off VT
// catch-up, per the readiness rule.
func (t *IngestionTask) updatePartitionReadiness(ctx context.Context, pcs *PartitionConsumptionState) {
	base, err := computeBatchReadiness(ctx, t.umc, t.localClusterURL, t.localVTTopic, pcs.Partition, pcs.LocalVersionTopicOffset())
	if err != nil {
		level.Warn(t.logger).Log("msg", "computing partition readiness failed", "partition", pcs.Partition, "err", err)
		return
	}

	info := base
	if pcs.IsHybrid && pcs.EndOfPushReceived {
		var hybridErr error
		if pcs.Role == StateLeader {
			info, hybridErr = computeHybridLeaderLag(ctx, t.umc, t.psm.leaderClusterURL(pcs), pcs.LeaderTopic(), pcs.Partition, pcs.UpstreamOffset())
		} else {
			info, hybridErr = computeHybridFollowerLag(ctx, t.umc, t.localClusterURL, t.localVTTopic, pcs.Partition, pcs.LocalVersionTopicOffset())
		}
		if hybridErr != nil {
			level.Warn(t.logger).Log("msg", "computing hybrid lag failed", "partition", pcs.Partition, "err", hybridErr)
			info = base
		}
	}

	if t.metrics != nil {
		label := fmt.Sprint(pcs.Partition)
		t.metrics.partitionLag.WithLabelValues(label).Set(float64(info.Lag))
		t.metrics.partitionLagSeconds.WithLabelValues(label).Set(time.Since(pcs.LatestMessageConsumptionTs).Seconds())
	}

	if pcs.ReleaseReadinessWhenCaughtUp(base.Ready) {
		t.reportCatchUpBaseTopicOffsetLag(pcs)
	}
}

// reportCatchUpBaseTopicOffsetLag fires once per partition, the instant its
// VT base catches up, releasing an externally-observed rebalance latch so a
// waiting cluster-manager hook can proceed.
func (t *IngestionTask) reportCatchUpBaseTopicOffsetLag(pcs *PartitionConsumptionState) {
	level.Info(t.logger).Log("msg", "partition caught up to version topic base", "partition", pcs.Partition)
}

// shouldLeaderSwitchToLocalConsumption reports whether a leader consuming
// remotely should switch to local consumption: remote + EOP received +
// currently on VT-or-reprocessing + not the incremental-push-to-VT-with-
// write-compute-disabled exception.
func (t *IngestionTask) shouldLeaderSwitchToLocalConsumption(pcs *PartitionConsumptionState) bool {
	if !pcs.ConsumeRemotely || !pcs.EndOfPushReceived {
		return false
	}
	leaderTopic := pcs.LeaderTopic()
	onVTOrReprocessing := leaderTopic == t.localVTTopic || isStreamReprocessingTopic(leaderTopic)
	if !onVTOrReprocessing {
		return false
	}
	if pcs.IncrementalPushPolicy == IncrementalPushPolicyPushToVersionTopic && !t.cfg.WriteComputationEnabled {
		return false
	}
	return true
}

func (t *IngestionTask) partition(id int32) *PartitionConsumptionState {
	t.partitionsMu.Lock()
	defer t.partitionsMu.Unlock()
	return t.partitions[id]
}

func (t *IngestionTask) setException(partition int32, err error) {
	if err == nil {
		return
	}
	t.exceptionsMu.Lock()
	t.exceptions[partition] = err
	t.exceptionsMu.Unlock()
}

// surfaceExceptions logs (and clears) every partition exception staged
// since the last tick. It always returns nil, so a failed partition never
// stops the loop or the other partitions.
func (t *IngestionTask) surfaceExceptions() error {
	t.exceptionsMu.Lock()
	defer t.exceptionsMu.Unlock()
	if len(t.exceptions) == 0 {
		return nil
	}
	for partition, err := range t.exceptions {
		level.Error(t.logger).Log("msg", "partition failed", "partition", partition, "err", err)
		delete(t.exceptions, partition)
	}
	return nil
}

// Submit enqueues act onto the task's Action Queue. Role-assignment
// commands on a task that is not running are rejected rather than queued.
func (t *IngestionTask) Submit(act Action) error {
	if t.State() != services.Running {
		return fmt.Errorf("ingestion: task is not running (state=%s)", t.State())
	}
	t.actions.Enqueue(act)
	return nil
}

// CurrentSessionID returns the session id a caller should stamp into its
// next command for partition session-id discipline.
func (t *IngestionTask) CurrentSessionID(partition int32) uint64 {
	if pcs := t.partition(partition); pcs != nil {
		return pcs.LeaderSessionID
	}
	return 0
}

// processAction applies one drained Action, honoring the session-id
// discipline described on Action: SUBSCRIBE always establishes a new session
// (it's idempotent under re-delivery and is the mechanism that begins a
// session); every other action is a silent no-op when its checker doesn't
// match the partition's current session id.
func (t *IngestionTask) processAction(ctx context.Context, act Action) {
	if act.Type == ActionSubscribe {
		t.handleSubscribeAction(ctx, act)
		return
	}

	pcs := t.partition(act.Partition)
	if pcs == nil {
		return
	}
	if !act.Checker.IsCurrent(pcs) {
		level.Debug(t.logger).Log("msg", "dropping stale action", "partition", act.Partition, "type", act.Type)
		return
	}

	var err error
	switch act.Type {
	case ActionUnsubscribe:
		err = t.psm.handleUnsubscribeOrDrop(ctx, pcs, false)
		t.removePartition(act.Partition)
	case ActionStandbyToLeader:
		t.psm.handleStandbyToLeader(pcs)
	case ActionLeaderToStandby:
		err = t.psm.handleLeaderToStandby(ctx, pcs)
	case ActionDrop:
		err = t.psm.handleUnsubscribeOrDrop(ctx, pcs, true)
		t.removePartition(act.Partition)
	}
	if err != nil {
		t.setException(act.Partition, err)
	}
}

func (t *IngestionTask) handleSubscribeAction(ctx context.Context, act Action) {
	t.partitionsMu.Lock()
	pcs, exists := t.partitions[act.Partition]
	if !exists {
		pcs = NewPartitionConsumptionState(act.Partition, NewOffsetRecord())
		t.partitions[act.Partition] = pcs
	}
	pcs.LeaderSessionID = t.sessionGen.Next()
	t.partitionsMu.Unlock()

	if err := t.psm.handleSubscribe(ctx, pcs, act); err != nil {
		t.setException(act.Partition, err)
	}
}

func (t *IngestionTask) removePartition(partition int32) {
	t.partitionsMu.Lock()
	delete(t.partitions, partition)
	t.partitionsMu.Unlock()
}
