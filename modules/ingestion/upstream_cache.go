package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultUpstreamMetadataTTL is how long a cached endOffset/offsetForTimestamp
// lookup is served without refresh.
const DefaultUpstreamMetadataTTL = 5 * time.Second

type upstreamCacheKey struct {
	clusterURL string
	topic      string
	partition  int32
}

type endOffsetEntry struct {
	offset    int64
	fetchedAt time.Time
}

// upstreamMetadataCache is a TTL cache over
// UpstreamClient.EndOffset/OffsetForTimestamp, keyed by cluster URL so the
// same topic+partition name on two different upstream clusters (a local
// real-time topic and its remote counterpart, say) never collide.
//
// Entries are immutable once stored: concurrent readers are always safe,
// and writers racing to refresh the same entry may both call upstream, but
// a refresh never mutates an entry in place — it replaces the map entry, so
// readers never observe a half-written value, and the last write simply
// wins.
type upstreamMetadataCache struct {
	client UpstreamClient
	ttl    time.Duration

	mu   sync.RWMutex
	ends map[upstreamCacheKey]endOffsetEntry
}

func newUpstreamMetadataCache(client UpstreamClient, ttl time.Duration) *upstreamMetadataCache {
	if ttl <= 0 {
		ttl = DefaultUpstreamMetadataTTL
	}
	return &upstreamMetadataCache{
		client: client,
		ttl:    ttl,
		ends:   make(map[upstreamCacheKey]endOffsetEntry),
	}
}

// EndOffset returns the cached end offset for topic/partition on
// clusterURL, refreshing it if the cached entry is stale or missing.
func (c *upstreamMetadataCache) EndOffset(ctx context.Context, clusterURL, topic string, partition int32) (int64, error) {
	key := upstreamCacheKey{clusterURL: clusterURL, topic: topic, partition: partition}

	c.mu.RLock()
	entry, ok := c.ends[key]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.offset, nil
	}

	offset, err := c.client.EndOffset(ctx, topic, partition, clusterURL)
	if err != nil {
		if ok {
			// Serve the stale value rather than fail the caller outright;
			// the next readiness/lag tick will retry the refresh.
			return entry.offset, nil
		}
		return 0, fmt.Errorf("ingestion: fetching end offset for %s/%s[%d]: %w", clusterURL, topic, partition, err)
	}

	c.mu.Lock()
	c.ends[key] = endOffsetEntry{offset: offset, fetchedAt: time.Now()}
	c.mu.Unlock()
	return offset, nil
}

// OffsetForTimestamp resolves rewindStartTimestamp to a starting offset. When
// the upstream has no offset for that timestamp, callers fall back to
// LowestOffset. This lookup is not cached: it's
// called only once per TopicSwitch execution, not on every readiness tick.
func (c *upstreamMetadataCache) OffsetForTimestamp(ctx context.Context, clusterURL, topic string, partition int32, ts int64) (offset int64, found bool, err error) {
	offset, found, err = c.client.OffsetForTimestamp(ctx, topic, partition, clusterURL, ts)
	if err != nil {
		return 0, false, fmt.Errorf("ingestion: resolving offset for timestamp on %s/%s[%d]: %w", clusterURL, topic, partition, err)
	}
	return offset, found, nil
}

// Invalidate drops the cached end offset for topic/partition on clusterURL,
// e.g. after a TopicSwitch changes which topic matters for a partition.
func (c *upstreamMetadataCache) Invalidate(clusterURL, topic string, partition int32) {
	c.mu.Lock()
	delete(c.ends, upstreamCacheKey{clusterURL: clusterURL, topic: topic, partition: partition})
	c.mu.Unlock()
}
