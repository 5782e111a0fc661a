package ingest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestHandleKafkaError_NilIsNotRetryable(t *testing.T) {
	assert.False(t, HandleKafkaError(nil, func() { t.Fatal("refresh must not be called for a nil error") }))
}

func TestHandleKafkaError_LeadershipErrorsRefreshAndRetry(t *testing.T) {
	for _, err := range []error{
		kerr.NotLeaderForPartition,
		kerr.ReplicaNotAvailable,
		kerr.UnknownLeaderEpoch,
		kerr.LeaderNotAvailable,
		kerr.BrokerNotAvailable,
		kerr.UnknownTopicOrPartition,
		kerr.NetworkException,
		kerr.NotCoordinator,
	} {
		refreshed := false
		retry := HandleKafkaError(err, func() { refreshed = true })
		assert.True(t, retry, "%v should be retryable", err)
		assert.True(t, refreshed, "%v should trigger a metadata refresh", err)
	}
}

func TestHandleKafkaError_UnknownBrokerStringIsRetryableWithoutRefresh(t *testing.T) {
	refreshed := false
	retry := HandleKafkaError(errors.New("dial tcp: unknown broker reported"), func() { refreshed = true })
	assert.True(t, retry)
	assert.False(t, refreshed, "the unknown-broker string match doesn't warrant a metadata refresh")
}

func TestHandleKafkaError_UnrelatedErrorIsNotRetryable(t *testing.T) {
	refreshed := false
	retry := HandleKafkaError(errors.New("some other failure"), func() { refreshed = true })
	assert.False(t, retry)
	assert.False(t, refreshed)
}

func TestKgoLogger_DispatchesToCorrectLevel(t *testing.T) {
	var buf bytes.Buffer
	base := log.NewLogfmtLogger(&buf)
	l := newKgoLogger(base)

	l.Log(kgo.LogLevelError, "boom", "key", "value")
	assert.Contains(t, buf.String(), "level=error")
	assert.Contains(t, buf.String(), "boom")

	buf.Reset()
	l.Log(kgo.LogLevelWarn, "careful")
	assert.Contains(t, buf.String(), "level=warn")

	buf.Reset()
	l.Log(kgo.LogLevelInfo, "fyi")
	assert.Contains(t, buf.String(), "level=info")
}

func TestKgoLogger_LevelIsAlwaysInfo(t *testing.T) {
	l := newKgoLogger(log.NewNopLogger())
	assert.Equal(t, kgo.LogLevelInfo, l.Level())
}
