package ingestion

import (
	"context"
	"fmt"
	"time"
)

// handleTopicSwitchReceipt handles a TopicSwitch control message as soon as
// it is read off the wire: it is persisted into StoreVersionState and
// stashed on PCS.
// Followers additionally update leaderTopic/upstreamOffsets[NON_AA]
// immediately so follower lag can be computed while the leader still
// catches up.
func (m *psm) handleTopicSwitchReceipt(ctx context.Context, pcs *PartitionConsumptionState, ts *TopicSwitch) error {
	if err := ts.Validate(); err != nil {
		return err
	}

	if err := m.meta.MutateVersionState(ctx, func(s *StoreVersionState) {
		s.LastTopicSwitch = ts
	}); err != nil {
		return fmt.Errorf("ingestion: persisting topic switch: %w", err)
	}
	pcs.PendingTopicSwitch = ts

	if pcs.Role != StateLeader {
		clusterURL := ts.SourceKafkaServers[0]
		offset, err := m.resolveSubscribeOffset(ctx, pcs, ts.SourceTopicName, clusterURL)
		if err != nil {
			return err
		}
		pcs.SetLeaderTopic(ts.SourceTopicName)
		pcs.WithOffsetRecord(func(rec *OffsetRecord) {
			rec.UpstreamOffsets[NonAA] = offset
		})
	}
	return nil
}

// shouldExecuteTopicSwitch implements deferral rule: execute
// only once the current leader topic has been quiet for
// newLeaderInactiveTime, or unconditionally when switching away from a
// stream-reprocessing topic.
func (m *psm) shouldExecuteTopicSwitch(pcs *PartitionConsumptionState, isSystemStore bool) bool {
	if pcs.PendingTopicSwitch == nil {
		return false
	}
	if isStreamReprocessingTopic(pcs.LeaderTopic()) {
		return true
	}
	return time.Since(pcs.LatestMessageConsumptionTs) > m.newLeaderInactiveTime(isSystemStore)
}

// executeTopicSwitch implements leader-execution rule: old
// topic unsubscribed, lastLeaderPersistFuture awaited, new topic subscribed
// at the computed offset, consumeRemotely recomputed.
func (m *psm) executeTopicSwitch(ctx context.Context, pcs *PartitionConsumptionState) error {
	ts := pcs.PendingTopicSwitch
	if ts == nil {
		return nil
	}

	oldTopic := pcs.LeaderTopic()
	if oldTopic != "" {
		if err := m.upstream.Unsubscribe(ctx, oldTopic, pcs.Partition); err != nil {
			return fmt.Errorf("ingestion: topic switch: unsubscribing %s: %w", oldTopic, err)
		}
	}
	if err := m.awaitLastLeaderPersist(ctx, pcs); err != nil {
		// A timeout here is benign; the switch proceeds.
	}

	clusterURL := ts.SourceKafkaServers[0]
	offset, err := m.resolveSubscribeOffset(ctx, pcs, ts.SourceTopicName, clusterURL)
	if err != nil {
		return err
	}
	if err := m.upstream.Subscribe(ctx, ts.SourceTopicName, pcs.Partition, offset, clusterURL); err != nil {
		return fmt.Errorf("ingestion: topic switch: subscribing %s: %w", ts.SourceTopicName, err)
	}

	pcs.SetLeaderTopic(ts.SourceTopicName)
	pcs.ConsumeRemotely = m.cfg.NativeReplicationEnabled && clusterURL != m.localClusterURL
	pcs.SkipKafkaMessage = pcs.ConsumeRemotely && pcs.EndOfPushReceived
	pcs.PendingTopicSwitch = nil
	return nil
}
