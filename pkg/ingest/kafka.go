package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// unknownBroker duplicates a constant from franz-go because it isn't exported.
const unknownBroker = "unknown broker"

// commonKafkaClientOptions returns the kgo.Opt set shared by every client
// this package creates.
func commonKafkaClientOptions(cfg KafkaConfig, metrics *kprom.Metrics, logger log.Logger) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(strings.Split(cfg.Address, ",")...),
		kgo.DialTimeout(cfg.DialTimeout),
		kgo.WithLogger(newKgoLogger(logger)),
	}
	if metrics != nil {
		opts = append(opts, kgo.WithHooks(metrics))
	}
	return opts
}

// NewReaderClient builds a client used to poll upstream or version topics.
// It uses manual partition assignment: the engine, not the Kafka group
// protocol, decides which partitions to read (modules/ingestion's PSM owns
// that decision).
func NewReaderClient(cfg KafkaConfig, reg prometheus.Registerer, logger log.Logger) (*kgo.Client, error) {
	metrics := kprom.NewMetrics("ingest_reader", kprom.Registerer(reg))
	opts := append(commonKafkaClientOptions(cfg, metrics, logger),
		kgo.ConsumePartitions(nil), // started with nothing assigned; PSM adds/removes partitions.
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka reader client: %w", err)
	}
	return client, nil
}

// NewWriterClient builds a client used to produce to the version topic.
// RecordPartitioner is manual: the producer gateway always targets an
// explicit partition (the leader's), never a hashed one.
func NewWriterClient(cfg KafkaConfig, reg prometheus.Registerer, logger log.Logger) (*kgo.Client, error) {
	metrics := kprom.NewMetrics("ingest_writer", kprom.Registerer(reg))
	opts := append(commonKafkaClientOptions(cfg, metrics, logger),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.ProduceRequestTimeout(cfg.WriteTimeout),
		kgo.RecordDeliveryTimeout(cfg.WriteTimeout),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka writer client: %w", err)
	}
	return client, nil
}

// PingWithBackoff blocks until the client can reach the cluster or ctx is
// done, retrying with this codebase's "prefer to wait longer than fail the
// service" backoff shape (grounded on blockbuilder.go's starting()).
func PingWithBackoff(ctx context.Context, client *kgo.Client, logger log.Logger) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Minute,
		MaxRetries: 10,
	})
	for boff.Ongoing() {
		err := client.Ping(ctx)
		if err == nil {
			return nil
		}
		level.Warn(logger).Log("msg", "ping kafka; will retry", "err", err)
		boff.Wait()
	}
	return boff.ErrCause()
}

// HandleKafkaError classifies a Kafka client/broker error, invoking refresh
// when the broker's metadata should be refreshed before retrying (e.g. a
// leadership change). It returns whether the error is worth retrying at all.
func HandleKafkaError(err error, refresh func()) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, kerr.NotLeaderForPartition),
		errors.Is(err, kerr.ReplicaNotAvailable),
		errors.Is(err, kerr.UnknownLeaderEpoch),
		errors.Is(err, kerr.LeaderNotAvailable),
		errors.Is(err, kerr.BrokerNotAvailable),
		errors.Is(err, kerr.UnknownTopicOrPartition),
		errors.Is(err, kerr.NetworkException),
		errors.Is(err, kerr.NotCoordinator):
		refresh()
		return true
	case strings.Contains(err.Error(), unknownBroker):
		return true
	default:
		return false
	}
}

type kgoLogger struct {
	logger log.Logger
}

func newKgoLogger(logger log.Logger) kgoLogger { return kgoLogger{logger: logger} }

func (l kgoLogger) Level() kgo.LogLevel { return kgo.LogLevelInfo }

func (l kgoLogger) Log(lvl kgo.LogLevel, msg string, keyvals ...any) {
	args := append([]any{"msg", msg, "component", "kgo"}, keyvals...)
	switch lvl {
	case kgo.LogLevelError:
		level.Error(l.logger).Log(args...)
	case kgo.LogLevelWarn:
		level.Warn(l.logger).Log(args...)
	case kgo.LogLevelDebug:
		level.Debug(l.logger).Log(args...)
	default:
		level.Info(l.logger).Log(args...)
	}
}
