package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// psm drives a single partition's PartitionConsumptionState through its
// role states. It is only ever called from the ingestion thread.
type psm struct {
	logger log.Logger
	cfg    *Config
	meta   *offsetMetadataStore
	upstream UpstreamClient
	gateway  *producerGateway
	metrics  *metrics

	localVTTopic     string
	localClusterURL  string
	amplification    AmplificationFactor
	isMigrationDuplicate func() bool
	isCurrentVersion     func() bool
}

// newLeaderInactiveTime returns the ITSL quiescence threshold for partition,
// a smaller value for meta system stores.
func (m *psm) newLeaderInactiveTime(isSystemStore bool) time.Duration {
	if isSystemStore {
		return m.cfg.SystemStorePromotionToLeaderReplicaDelay
	}
	return m.cfg.PromotionToLeaderReplicaDelay
}

// handleSubscribe implements OFFLINE -> STANDBY transition.
func (m *psm) handleSubscribe(ctx context.Context, pcs *PartitionConsumptionState, act Action) error {
	if pcs.Role != StateOffline {
		return nil
	}
	rec, err := m.meta.LoadOffsetRecord(ctx, pcs.Partition)
	if err != nil {
		return fmt.Errorf("ingestion: subscribe: loading offset record for partition %d: %w", pcs.Partition, err)
	}
	pcs.ReplaceOffsetRecord(rec)
	pcs.DivValidator().RebuildFromOffsetRecord(rec)
	pcs.ConsumptionStartTs = time.Now()

	if err := m.upstream.Subscribe(ctx, m.localVTTopic, pcs.Partition, rec.LocalVersionTopicOffset+1, m.localClusterURL); err != nil {
		return fmt.Errorf("ingestion: subscribe: %w", err)
	}
	pcs.Role = StateStandby
	level.Info(m.logger).Log("msg", "partition subscribed", "partition", pcs.Partition, "offset", rec.LocalVersionTopicOffset)
	return nil
}

// handleStandbyToLeader implements STANDBY -> ITSL transition
// (or STANDBY -> PTSL when the store is a migration duplicate).
func (m *psm) handleStandbyToLeader(pcs *PartitionConsumptionState) {
	if pcs.Role != StateStandby {
		return
	}
	if m.isMigrationDuplicate != nil && m.isMigrationDuplicate() {
		pcs.Role = StatePauseTransitionToLeader
		return
	}
	pcs.Role = StateInTransitionToLeader
}

// tickPauseTransition implements PTSL -> ITSL transition.
func (m *psm) tickPauseTransition(pcs *PartitionConsumptionState) {
	if pcs.Role != StatePauseTransitionToLeader {
		return
	}
	if m.isMigrationDuplicate == nil || !m.isMigrationDuplicate() {
		pcs.Role = StateInTransitionToLeader
	}
}

// tickInTransitionToLeader implements ITSL -> LEADER rule,
// including the non-leader-sub-partition-with-EOP fallback to STANDBY
// described below.
func (m *psm) tickInTransitionToLeader(ctx context.Context, pcs *PartitionConsumptionState, isSystemStore bool, userPartition int32) error {
	if pcs.Role != StateInTransitionToLeader {
		return nil
	}
	if time.Since(pcs.LatestMessageConsumptionTs) <= m.newLeaderInactiveTime(isSystemStore) {
		return nil
	}

	if err := m.upstream.Unsubscribe(ctx, m.localVTTopic, pcs.Partition); err != nil {
		return fmt.Errorf("ingestion: itsl->leader: unsubscribing local vt: %w", err)
	}

	if pcs.LeaderTopic() == "" {
		pcs.SetLeaderTopic(m.localVTTopic)
	}

	if pcs.EndOfPushReceived && !isLeaderSubPartition(pcs.Partition, userPartition, m.amplification) {
		pcs.Role = StateStandby
		return m.upstream.Subscribe(ctx, m.localVTTopic, pcs.Partition, pcs.LocalVersionTopicOffset()+1, m.localClusterURL)
	}

	return m.startConsumingAsLeader(ctx, pcs)
}

// startConsumingAsLeader selects the upstream, decides consumeRemotely, and
// subscribes at the appropriate offset.
func (m *psm) startConsumingAsLeader(ctx context.Context, pcs *PartitionConsumptionState) error {
	leaderTopic := pcs.LeaderTopic()

	consumeRemotely := m.cfg.NativeReplicationEnabled &&
		((!pcs.EndOfPushReceived && !m.isCurrentVersionSafe() && m.remoteVTURL() != m.localClusterURL) ||
			(isRealTimeTopic(leaderTopic) && !m.sourceClusterIsLocal(leaderTopic)))
	pcs.ConsumeRemotely = consumeRemotely
	pcs.SkipKafkaMessage = consumeRemotely && pcs.EndOfPushReceived

	url := m.localClusterURL
	if consumeRemotely {
		url = m.remoteVTURL()
	}

	offset, err := m.resolveSubscribeOffset(ctx, pcs, leaderTopic, url)
	if err != nil {
		return err
	}

	if err := m.upstream.Subscribe(ctx, leaderTopic, pcs.Partition, offset, url); err != nil {
		return fmt.Errorf("ingestion: starting leader consumption: %w", err)
	}
	pcs.Role = StateLeader
	if m.metrics != nil {
		m.metrics.leaderPromotions.WithLabelValues(fmt.Sprint(pcs.Partition)).Inc()
	}
	return nil
}

// resolveSubscribeOffset implements offset-resolution order: a pending
// topic-switch rewind first (it must win over a recorded upstream offset,
// which still holds the old topic's last-consumed position and would
// otherwise make the rewind path unreachable), else the recorded upstream
// offset, else oldest.
func (m *psm) resolveSubscribeOffset(ctx context.Context, pcs *PartitionConsumptionState, topic, clusterURL string) (int64, error) {
	if ts := pcs.PendingTopicSwitch; ts != nil && ts.RewindStartTimestamp > 0 {
		offset, found, err := m.upstream.OffsetForTimestamp(ctx, topic, pcs.Partition, clusterURL, ts.RewindStartTimestamp)
		if err != nil {
			return 0, fmt.Errorf("ingestion: resolving rewind offset: %w", err)
		}
		if !found {
			return LowestOffset, nil
		}
		return offset, nil
	}
	if off := pcs.UpstreamOffset(); off >= 0 {
		return off + 1, nil
	}
	return LowestOffset, nil
}

// LowestOffset is the sentinel subscribe offset meaning "from oldest".
const LowestOffset int64 = 0

// handleLeaderToStandby demotes a leader back to STANDBY.
func (m *psm) handleLeaderToStandby(ctx context.Context, pcs *PartitionConsumptionState) error {
	if pcs.Role != StateLeader {
		return nil
	}
	leaderTopic := pcs.LeaderTopic()
	if leaderTopic == m.localVTTopic && !pcs.ConsumeRemotely {
		pcs.Role = StateStandby
		return nil
	}

	if err := m.upstream.Unsubscribe(ctx, leaderTopic, pcs.Partition); err != nil {
		return fmt.Errorf("ingestion: demotion: unsubscribing leader topic: %w", err)
	}
	if err := m.awaitLastLeaderPersist(ctx, pcs); err != nil {
		level.Warn(m.logger).Log("msg", "demotion: last leader persist did not complete cleanly", "partition", pcs.Partition, "err", err)
	}
	pcs.ConsumeRemotely = false
	pcs.SkipKafkaMessage = false
	pcs.ClearTransientRecords()

	if err := m.upstream.Subscribe(ctx, m.localVTTopic, pcs.Partition, pcs.LocalVersionTopicOffset()+1, m.localClusterURL); err != nil {
		return fmt.Errorf("ingestion: demotion: resubscribing local vt: %w", err)
	}
	if err := m.gateway.EndSegment(ctx, pcs.Partition, false); err != nil {
		level.Warn(m.logger).Log("msg", "demotion: ending producer segment failed", "partition", pcs.Partition, "err", err)
	}
	pcs.Role = StateStandby
	if m.metrics != nil {
		m.metrics.leaderDemotions.WithLabelValues(fmt.Sprint(pcs.Partition)).Inc()
	}
	return nil
}

// awaitLastLeaderPersist blocks (capped at 60s) on PCS's
// last leader persist future, treating a timeout as a benign producer
// failure rather than a demotion failure.
func (m *psm) awaitLastLeaderPersist(ctx context.Context, pcs *PartitionConsumptionState) error {
	future := pcs.LastLeaderPersistFuture()
	if future == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	_, err := future.Get(waitCtx)
	if err != nil {
		future.Cancel()
		pcs.ClearLastLeaderPersistFuture()
		if m.metrics != nil {
			m.metrics.producerFutureTimeouts.WithLabelValues(fmt.Sprint(pcs.Partition)).Inc()
		}
		return fmt.Errorf("%w: %v", ErrBenignProducerFailure, err)
	}
	pcs.ClearLastLeaderPersistFuture()
	return nil
}

// handleUnsubscribeOrDrop moves a partition to OFFLINE from any role.
func (m *psm) handleUnsubscribeOrDrop(ctx context.Context, pcs *PartitionConsumptionState, drop bool) error {
	leaderTopic := pcs.LeaderTopic()
	if leaderTopic != "" {
		_ = m.upstream.Unsubscribe(ctx, leaderTopic, pcs.Partition)
	}
	if leaderTopic != m.localVTTopic {
		_ = m.upstream.Unsubscribe(ctx, m.localVTTopic, pcs.Partition)
	}
	m.gateway.ClosePartition(pcs.Partition)
	pcs.Role = StateOffline

	if drop {
		if err := m.meta.ClearOffsetRecord(ctx, pcs.Partition); err != nil {
			return fmt.Errorf("ingestion: drop: clearing offset record: %w", err)
		}
	}
	return nil
}

// isCurrentVersionSafe guards against a nil isCurrentVersion hook in tests.
func (m *psm) isCurrentVersionSafe() bool {
	if m.isCurrentVersion == nil {
		return false
	}
	return m.isCurrentVersion()
}

// remoteVTURL resolves the configured remote version-topic cluster. In this
// design's exactly-one-upstream-URL model, it is whichever
// entry in KafkaClusterIDToURLMap is not the local URL; callers needing a
// concrete choice should configure a single remote entry.
func (m *psm) remoteVTURL() string {
	for _, url := range m.cfg.KafkaClusterIDToURLMap {
		if url != m.localClusterURL {
			return url
		}
	}
	return m.localClusterURL
}

// sourceClusterIsLocal reports whether topic's source cluster (as resolved
// by the caller's cluster map) is the local cluster. Real-time topics in
// this design are always addressed via m.localClusterURL unless a
// TopicSwitch said otherwise, which callers track on PCS.PendingTopicSwitch.
func (m *psm) sourceClusterIsLocal(topic string) bool {
	return topic == m.localVTTopic
}

// leaderClusterURL returns the cluster URL pcs's leader topic is currently
// consumed from, the same choice startConsumingAsLeader makes when
// subscribing.
func (m *psm) leaderClusterURL(pcs *PartitionConsumptionState) string {
	if pcs.ConsumeRemotely {
		return m.remoteVTURL()
	}
	return m.localClusterURL
}

// isRealTimeTopic is a naming convention check: it reports true for any
// non-empty topic without the stream-reprocessing "_sr" suffix, so the
// version topic itself also passes; callers that must exclude it check that
// separately. Topic naming itself is the role-assignment source's concern;
// this package only recognizes the suffix convention it needs to branch on.
func isRealTimeTopic(topic string) bool {
	return topic != "" && !isStreamReprocessingTopic(topic)
}

func isStreamReprocessingTopic(topic string) bool {
	return len(topic) > 3 && topic[len(topic)-3:] == "_sr"
}
