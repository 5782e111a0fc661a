package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedEndOffsetFetcher struct {
	end int64
	err error
}

func (f fixedEndOffsetFetcher) EndOffset(context.Context, string, string, int32) (int64, error) {
	return f.end, f.err
}

func TestComputeBatchReadiness_NotReadyWhenBehind(t *testing.T) {
	info, err := computeBatchReadiness(context.Background(), fixedEndOffsetFetcher{end: 10}, "local", "vt", 0, 5)
	require.NoError(t, err)
	assert.False(t, info.Ready)
	assert.Equal(t, int64(4), info.Lag)
}

func TestComputeBatchReadiness_ReadyAtEndMinusOne(t *testing.T) {
	info, err := computeBatchReadiness(context.Background(), fixedEndOffsetFetcher{end: 10}, "local", "vt", 0, 9)
	require.NoError(t, err)
	assert.True(t, info.Ready)
	assert.Equal(t, int64(0), info.Lag)
}

func TestComputeBatchReadiness_NeverNegativeLag(t *testing.T) {
	info, err := computeBatchReadiness(context.Background(), fixedEndOffsetFetcher{end: 10}, "local", "vt", 0, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Lag)
	assert.True(t, info.Ready)
}

func TestComputeHybridLeaderLag(t *testing.T) {
	info, err := computeHybridLeaderLag(context.Background(), fixedEndOffsetFetcher{end: 100}, "remote", "rt", 0, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Lag)
	assert.False(t, info.Ready)

	info, err = computeHybridLeaderLag(context.Background(), fixedEndOffsetFetcher{end: 100}, "remote", "rt", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Lag)
	assert.True(t, info.Ready)
}

func TestComputeHybridFollowerLag(t *testing.T) {
	info, err := computeHybridFollowerLag(context.Background(), fixedEndOffsetFetcher{end: 100}, "local", "vt", 0, 95)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Lag)
	assert.False(t, info.Ready)
}

func TestReadinessLatch_ReleasesOnceOnFirstReady(t *testing.T) {
	var latch readinessLatch
	assert.False(t, latch.MaybeRelease(false))
	assert.True(t, latch.MaybeRelease(true))
	assert.False(t, latch.MaybeRelease(true), "a second ready observation must not re-fire")
}
