package ingestion

import (
	"flag"
	"fmt"
	"time"

	"github.com/venicedb/ingestion/pkg/ingest"
)

// Config is the ingestion task's root config, covering every recognized
// option.
type Config struct {
	PromotionToLeaderReplicaDelay           time.Duration `yaml:"promotion_to_leader_replica_delay"`
	SystemStorePromotionToLeaderReplicaDelay time.Duration `yaml:"system_store_promotion_to_leader_replica_delay"`
	BootstrapTimeout                        time.Duration `yaml:"bootstrap_timeout"`

	StoreWriterBufferMemoryCapacity int64 `yaml:"store_writer_buffer_memory_capacity"`
	StoreWriterBufferNotifyDelta    int64 `yaml:"store_writer_buffer_notify_delta"`
	StoreWriterNumber               int   `yaml:"store_writer_number"`

	NativeReplicationEnabled bool `yaml:"native_replication_enabled"`
	WriteComputationEnabled  bool `yaml:"write_computation_enabled"`

	UpstreamMetadataTTL time.Duration `yaml:"upstream_metadata_ttl"`

	// KafkaClusterIDToURLMap resolves a cluster id (as carried by an
	// UpstreamRecord.URL or a TopicSwitch's sourceKafkaServers entry) to its
	// broker address.
	KafkaClusterIDToURLMap map[string]string `yaml:"kafka_cluster_id_to_url_map"`
	LocalUpstreamURL       string            `yaml:"local_upstream_url"`

	LocalVersionTopic ingest.KafkaConfig `yaml:"local_version_topic"`
}

// RegisterFlagsAndApplyDefaults registers this config's flags under prefix
// and fills in every default, following the same
// RegisterFlagsAndApplyDefaults(prefix, f) convention used throughout this
// codebase's other components.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.PromotionToLeaderReplicaDelay, prefix+".promotion-to-leader-replica-delay", 300*time.Second, "How long a partition's VT must be quiet before an ITSL transition completes.")
	f.DurationVar(&cfg.SystemStorePromotionToLeaderReplicaDelay, prefix+".system-store-promotion-to-leader-replica-delay", 30*time.Second, "Same as promotion-to-leader-replica-delay, but for meta system stores.")
	f.DurationVar(&cfg.BootstrapTimeout, prefix+".bootstrap-timeout", 24*time.Hour, "Deadline for a partition to complete its bootstrap push before it is marked failed.")

	f.Int64Var(&cfg.StoreWriterBufferMemoryCapacity, prefix+".store-writer-buffer-memory-capacity", 125<<20, "Maximum bytes the drainer queue may hold before producer sends block.")
	f.Int64Var(&cfg.StoreWriterBufferNotifyDelta, prefix+".store-writer-buffer-notify-delta", 10<<20, "Minimum bytes that must free up before blocked producers are woken.")
	f.IntVar(&cfg.StoreWriterNumber, prefix+".store-writer-number", 8, "Number of drainer worker goroutines.")

	f.BoolVar(&cfg.NativeReplicationEnabled, prefix+".native-replication-enabled", false, "Whether a leader may consume from a remote cluster's real-time topic.")
	f.BoolVar(&cfg.WriteComputationEnabled, prefix+".write-computation-enabled", false, "Whether UPDATE (write-compute) records are accepted.")

	f.DurationVar(&cfg.UpstreamMetadataTTL, prefix+".upstream-metadata-ttl", DefaultUpstreamMetadataTTL, "How long a cached upstream end-offset lookup is served before refresh.")

	f.StringVar(&cfg.LocalUpstreamURL, prefix+".local-upstream-url", "", "The cluster URL considered local for consumeRemotely decisions.")

	cfg.LocalVersionTopic.RegisterFlagsWithPrefix(prefix+".local-version-topic", f)
}

// Validate enforces the config invariants the engine relies on: notifyDelta
// strictly below capacity and a positive drainer pool.
func (cfg *Config) Validate() error {
	if cfg.StoreWriterBufferNotifyDelta >= cfg.StoreWriterBufferMemoryCapacity {
		return fmt.Errorf("ingestion: store-writer-buffer-notify-delta (%d) must be less than store-writer-buffer-memory-capacity (%d)", cfg.StoreWriterBufferNotifyDelta, cfg.StoreWriterBufferMemoryCapacity)
	}
	if cfg.StoreWriterNumber <= 0 {
		return fmt.Errorf("ingestion: store-writer-number must be positive, got %d", cfg.StoreWriterNumber)
	}
	return nil
}
