// Package ingest wires the shared Kafka client plumbing used to reach the
// version topic and any upstream (real-time or stream-reprocessing) topics.
// It owns only client construction, configuration and low-level error
// classification; the ingestion semantics live in modules/ingestion.
package ingest

import (
	"flag"
	"time"

	"github.com/grafana/dskit/backoff"
)

// KafkaConfig holds everything needed to dial a Kafka-compatible cluster and
// reach a single topic on it. One KafkaConfig exists per upstream cluster URL
// tracked by the Upstream Metadata Cache, plus one for the local version
// topic.
type KafkaConfig struct {
	Address      string        `yaml:"address"`
	Topic        string        `yaml:"topic"`
	ConsumerGroup string       `yaml:"consumer_group"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// LastProducedOffsetRetryTimeout is registered as a flag with a default,
	// but no code in this repository reads it: EndOffset /
	// OffsetForTimestamp lookups are not retried, and the Upstream Metadata
	// Cache serves its previous value (or an error) on the first failure.
	LastProducedOffsetRetryTimeout time.Duration `yaml:"last_produced_offset_retry_timeout"`

	// concurrentFetchersFetchBackoffConfig is set by RegisterFlagsWithPrefix
	// but is not read by any code in this repository; PollFetches calls are
	// not retried with it.
	concurrentFetchersFetchBackoffConfig backoff.Config
}

// RegisterFlagsWithPrefix registers the Kafka client flags under prefix.
func (cfg *KafkaConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "", "The Kafka seed broker address.")
	f.StringVar(&cfg.Topic, prefix+".topic", "", "The Kafka topic name.")
	f.StringVar(&cfg.ConsumerGroup, prefix+".consumer-group", "", "The Kafka consumer group used for offset bookkeeping (the engine does not rely on group-driven partition assignment).")
	f.DurationVar(&cfg.DialTimeout, prefix+".dial-timeout", 10*time.Second, "Timeout for dialing a Kafka broker.")
	f.DurationVar(&cfg.WriteTimeout, prefix+".write-timeout", 10*time.Second, "Timeout for a single produce request.")
	f.DurationVar(&cfg.LastProducedOffsetRetryTimeout, prefix+".last-produced-offset-retry-timeout", 10*time.Second, "How long to retry a transient error fetching the last produced offset before giving up.")

	cfg.concurrentFetchersFetchBackoffConfig = backoff.Config{
		MinBackoff: 250 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		MaxRetries: 0, // retry forever; the caller's context bounds this.
	}
}
