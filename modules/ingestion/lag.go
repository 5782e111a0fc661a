package ingestion

import (
	"context"

	"go.uber.org/atomic"
)

// LagInfo is the result of a readiness/lag computation for one partition.
type LagInfo struct {
	Lag   int64
	Ready bool
}

// versionTopicEndOffsetFetcher abstracts the local VT lookup so lag.go
// doesn't need to know which upstream key names the VT.
type versionTopicEndOffsetFetcher interface {
	EndOffset(ctx context.Context, clusterURL, topic string, partition int32) (int64, error)
}

// computeBatchReadiness reports a partition ready once its local VT offset
// has caught up to the VT's end offset minus one.
func computeBatchReadiness(ctx context.Context, umc versionTopicEndOffsetFetcher, localURL, vt string, partition int32, localVersionTopicOffset int64) (LagInfo, error) {
	end, err := umc.EndOffset(ctx, localURL, vt, partition)
	if err != nil {
		return LagInfo{}, err
	}
	lag := end - 1 - localVersionTopicOffset
	if lag < 0 {
		lag = 0
	}
	return LagInfo{Lag: lag, Ready: localVersionTopicOffset >= end-1}, nil
}

// computeHybridLeaderLag computes a post-EOP hybrid leader's lag as the
// distance between leaderTopic's end offset and what it has consumed.
func computeHybridLeaderLag(ctx context.Context, umc versionTopicEndOffsetFetcher, leaderClusterURL, leaderTopic string, partition int32, leaderConsumedOffset int64) (LagInfo, error) {
	end, err := umc.EndOffset(ctx, leaderClusterURL, leaderTopic, partition)
	if err != nil {
		return LagInfo{}, err
	}
	lag := end - leaderConsumedOffset
	if lag < 0 {
		lag = 0
	}
	return LagInfo{Lag: lag, Ready: lag == 0}, nil
}

// computeHybridFollowerLag computes a post-EOP hybrid follower's lag as the
// distance between the local VT's end offset and what it has consumed.
func computeHybridFollowerLag(ctx context.Context, umc versionTopicEndOffsetFetcher, localURL, vt string, partition int32, localVersionTopicOffset int64) (LagInfo, error) {
	end, err := umc.EndOffset(ctx, localURL, vt, partition)
	if err != nil {
		return LagInfo{}, err
	}
	lag := end - localVersionTopicOffset
	if lag < 0 {
		lag = 0
	}
	return LagInfo{Lag: lag, Ready: lag == 0}, nil
}

// readinessLatch tracks whether a partition's VT-base-caught-up readiness
// has already been reported, firing once per partition so the optional
// rebalance latch release only happens a single time.
type readinessLatch struct {
	released atomic.Bool
}

// MaybeRelease marks the latch released and reports true the first time
// ready holds; subsequent calls report false so the caller only acts once.
// A CAS rather than a plain bool under a lock, since lag computation may
// run concurrently for a partition's leader and follower readiness checks.
func (l *readinessLatch) MaybeRelease(ready bool) (justReleased bool) {
	if !ready {
		return false
	}
	return l.released.CompareAndSwap(false, true)
}
