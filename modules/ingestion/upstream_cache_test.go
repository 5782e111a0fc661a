package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstreamClient is a minimal UpstreamClient double that lets tests
// control EndOffset's return value and error on demand, independent of
// kafka_memory.go's synchronous broker semantics.
type fakeUpstreamClient struct {
	endOffset    int64
	endOffsetErr error
	endOffsetCalls int

	tsOffset int64
	tsFound  bool
	tsErr    error
}

func (f *fakeUpstreamClient) Subscribe(context.Context, string, int32, int64, string) error { return nil }
func (f *fakeUpstreamClient) Unsubscribe(context.Context, string, int32) error               { return nil }
func (f *fakeUpstreamClient) Poll(context.Context) ([]UpstreamRecord, error)                 { return nil, nil }
func (f *fakeUpstreamClient) EndOffset(context.Context, string, int32, string) (int64, error) {
	f.endOffsetCalls++
	return f.endOffset, f.endOffsetErr
}
func (f *fakeUpstreamClient) OffsetForTimestamp(context.Context, string, int32, string, int64) (int64, bool, error) {
	return f.tsOffset, f.tsFound, f.tsErr
}
func (f *fakeUpstreamClient) OffsetLag(context.Context, string, int32, string) (int64, bool, error) {
	return 0, false, nil
}

func TestUpstreamMetadataCache_FetchesOnFirstCallThenServesFromCache(t *testing.T) {
	client := &fakeUpstreamClient{endOffset: 100}
	cache := newUpstreamMetadataCache(client, time.Hour)

	off, err := cache.EndOffset(context.Background(), "local", "t", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), off)

	client.endOffset = 200
	off, err = cache.EndOffset(context.Background(), "local", "t", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), off, "a warm cache entry must not refetch before TTL expiry")
	assert.Equal(t, 1, client.endOffsetCalls)
}

func TestUpstreamMetadataCache_RefreshesAfterTTLExpires(t *testing.T) {
	client := &fakeUpstreamClient{endOffset: 100}
	cache := newUpstreamMetadataCache(client, time.Millisecond)

	_, err := cache.EndOffset(context.Background(), "local", "t", 0)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	client.endOffset = 200
	off, err := cache.EndOffset(context.Background(), "local", "t", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(200), off)
}

func TestUpstreamMetadataCache_ServesStaleValueOnRefreshError(t *testing.T) {
	client := &fakeUpstreamClient{endOffset: 100}
	cache := newUpstreamMetadataCache(client, time.Millisecond)

	off, err := cache.EndOffset(context.Background(), "local", "t", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), off)

	time.Sleep(5 * time.Millisecond)
	client.endOffsetErr = errors.New("upstream unavailable")
	off, err = cache.EndOffset(context.Background(), "local", "t", 0)
	assert.NoError(t, err, "a refresh failure with a prior warm entry must not surface an error")
	assert.Equal(t, int64(100), off)
}

func TestUpstreamMetadataCache_ErrorsWithNoPriorEntry(t *testing.T) {
	client := &fakeUpstreamClient{endOffsetErr: errors.New("upstream unavailable")}
	cache := newUpstreamMetadataCache(client, time.Hour)

	_, err := cache.EndOffset(context.Background(), "local", "t", 0)
	assert.Error(t, err)
}

func TestUpstreamMetadataCache_DistinctClusterURLsDoNotCollide(t *testing.T) {
	client := &fakeUpstreamClient{endOffset: 100}
	cache := newUpstreamMetadataCache(client, time.Hour)

	_, err := cache.EndOffset(context.Background(), "local", "t", 0)
	require.NoError(t, err)

	client.endOffset = 999
	off, err := cache.EndOffset(context.Background(), "remote", "t", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(999), off, "a different cluster URL must be a cache miss even for the same topic/partition")
}

func TestUpstreamMetadataCache_InvalidateForcesRefetch(t *testing.T) {
	client := &fakeUpstreamClient{endOffset: 100}
	cache := newUpstreamMetadataCache(client, time.Hour)

	_, err := cache.EndOffset(context.Background(), "local", "t", 0)
	require.NoError(t, err)

	cache.Invalidate("local", "t", 0)
	client.endOffset = 500
	off, err := cache.EndOffset(context.Background(), "local", "t", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(500), off)
}

func TestUpstreamMetadataCache_OffsetForTimestampPassesThroughUncached(t *testing.T) {
	client := &fakeUpstreamClient{tsOffset: 42, tsFound: true}
	cache := newUpstreamMetadataCache(client, time.Hour)

	off, found, err := cache.OffsetForTimestamp(context.Background(), "local", "t", 0, 1000)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), off)
}

func TestNewUpstreamMetadataCache_ZeroTTLDefaultsToDefaultTTL(t *testing.T) {
	cache := newUpstreamMetadataCache(&fakeUpstreamClient{}, 0)
	assert.Equal(t, DefaultUpstreamMetadataTTL, cache.ttl)
}
