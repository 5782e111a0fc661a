package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/venicedb/ingestion/pkg/ingest"
)

// defaultUpstreamPollTimeout bounds a single PollFetches call per cluster,
// mirroring blockbuilder.go's own per-cycle poll timeout: a quiet cluster
// must never block the Ingestion Loop's tick past this window.
const defaultUpstreamPollTimeout = 500 * time.Millisecond

var (
	_ UpstreamClient     = (*KafkaUpstreamClientPool)(nil)
	_ DownstreamProducer = (*KafkaDownstreamProducer)(nil)
)

type clusterConn struct {
	client *kgo.Client
	admin  *kadm.Client
}

type subState struct {
	clusterURL string
	nextOffset int64
}

func kafkaSubKey(topic string, partition int32) string {
	return fmt.Sprintf("%s/%d", topic, partition)
}

// KafkaUpstreamClientPool is the production UpstreamClient, fanning out to
// one *kgo.Client (+ *kadm.Client) per upstream cluster URL: a real-time
// topic's local cluster, its remote counterpart, or a stream-reprocessing
// cluster are all just another entry in this pool, keyed the same way the
// Upstream Metadata Cache keys its own entries. Assignment is always
// manual (AddConsumePartitions/RemoveConsumePartitions), never the Kafka
// group protocol, because the PSM — not Kafka — owns partition ownership;
// this mirrors blockbuilder.go's consumePartition reassignment idiom.
type KafkaUpstreamClientPool struct {
	base   ingest.KafkaConfig
	reg    prometheus.Registerer
	logger log.Logger

	mu       sync.Mutex
	clusters map[string]*clusterConn
	subs     map[string]*subState
}

// NewKafkaUpstreamClientPool returns a pool that dials clusters lazily, the
// first time Subscribe names a clusterURL it hasn't seen before. base
// supplies every Kafka-level setting (dial timeout, backoff, ...) except
// Address, which is overridden per cluster.
func NewKafkaUpstreamClientPool(base ingest.KafkaConfig, reg prometheus.Registerer, logger log.Logger) *KafkaUpstreamClientPool {
	return &KafkaUpstreamClientPool{
		base:     base,
		reg:      reg,
		logger:   logger,
		clusters: make(map[string]*clusterConn),
		subs:     make(map[string]*subState),
	}
}

func (p *KafkaUpstreamClientPool) connFor(clusterURL string) (*clusterConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cc, ok := p.clusters[clusterURL]; ok {
		return cc, nil
	}
	cfg := p.base
	cfg.Address = clusterURL
	client, err := ingest.NewReaderClient(cfg, p.reg, p.logger)
	if err != nil {
		return nil, fmt.Errorf("ingestion: dialing upstream cluster %s: %w", clusterURL, err)
	}
	cc := &clusterConn{client: client, admin: kadm.NewClient(client)}
	p.clusters[clusterURL] = cc
	return cc, nil
}

// Subscribe assigns topic/partition on clusterURL's client at offset.
func (p *KafkaUpstreamClientPool) Subscribe(ctx context.Context, topic string, partition int32, offset int64, clusterURL string) error {
	cc, err := p.connFor(clusterURL)
	if err != nil {
		return err
	}
	o := kgo.NewOffset()
	if offset <= 0 {
		o = o.AtStart()
	} else {
		o = o.At(offset)
	}
	cc.client.AddConsumePartitions(map[string]map[int32]kgo.Offset{topic: {partition: o}})

	p.mu.Lock()
	p.subs[kafkaSubKey(topic, partition)] = &subState{clusterURL: clusterURL, nextOffset: offset}
	p.mu.Unlock()
	return nil
}

// Unsubscribe removes topic/partition from whichever cluster client
// currently holds it.
func (p *KafkaUpstreamClientPool) Unsubscribe(ctx context.Context, topic string, partition int32) error {
	p.mu.Lock()
	st, ok := p.subs[kafkaSubKey(topic, partition)]
	delete(p.subs, kafkaSubKey(topic, partition))
	var cc *clusterConn
	if ok {
		cc = p.clusters[st.clusterURL]
	}
	p.mu.Unlock()
	if cc == nil {
		return nil
	}
	cc.client.RemoveConsumePartitions(map[string][]int32{topic: {partition}})
	return nil
}

// Poll fetches from every cluster this pool currently holds a connection
// to. Each cluster's PollFetches gets its own bounded timeout so one quiet
// cluster never starves the records sitting on another.
func (p *KafkaUpstreamClientPool) Poll(ctx context.Context) ([]UpstreamRecord, error) {
	p.mu.Lock()
	conns := make(map[string]*clusterConn, len(p.clusters))
	for url, cc := range p.clusters {
		conns[url] = cc
	}
	p.mu.Unlock()

	var out []UpstreamRecord
	advanced := make(map[string]int64)
	for url, cc := range conns {
		pollCtx, cancel := context.WithTimeout(ctx, defaultUpstreamPollTimeout)
		fetches := cc.client.PollFetches(pollCtx)
		cancel()
		if err := fetches.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return out, fmt.Errorf("ingestion: polling upstream cluster %s: %w", url, err)
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			out = append(out, UpstreamRecord{
				URL:                 url,
				Topic:               rec.Topic,
				Partition:           rec.Partition,
				Offset:              rec.Offset,
				Key:                 rec.Key,
				Value:               rec.Value,
				SerializedKeySize:   len(rec.Key),
				SerializedValueSize: len(rec.Value),
				Timestamp:           rec.Timestamp,
			})
			advanced[kafkaSubKey(rec.Topic, rec.Partition)] = rec.Offset + 1
		})
	}

	if len(advanced) > 0 {
		p.mu.Lock()
		for key, next := range advanced {
			if st, ok := p.subs[key]; ok {
				st.nextOffset = next
			}
		}
		p.mu.Unlock()
	}
	return out, nil
}

// EndOffset resolves the high watermark for topic/partition on clusterURL
// via the admin client's ListEndOffsets, backing the Upstream Metadata
// Cache's refresh path.
func (p *KafkaUpstreamClientPool) EndOffset(ctx context.Context, topic string, partition int32, clusterURL string) (int64, error) {
	cc, err := p.connFor(clusterURL)
	if err != nil {
		return 0, err
	}
	offsets, err := cc.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("ingestion: listing end offsets for %s on %s: %w", topic, clusterURL, err)
	}
	lo, ok := offsets.Lookup(topic, partition)
	if !ok {
		return 0, fmt.Errorf("ingestion: no end offset reported for %s[%d] on %s", topic, partition, clusterURL)
	}
	if lo.Err != nil {
		return 0, fmt.Errorf("ingestion: end offset for %s[%d] on %s: %w", topic, partition, clusterURL, lo.Err)
	}
	return lo.Offset, nil
}

// OffsetForTimestamp resolves a TopicSwitch's rewindStartTimestamp to a
// starting offset via ListOffsetsAfterMilli, the kadm equivalent of
// "the next offset at or after this timestamp." found is false when the
// upstream has nothing at or after ts (e.g. the timestamp is in the
// future), letting the caller fall back to LowestOffset per §4.3.
func (p *KafkaUpstreamClientPool) OffsetForTimestamp(ctx context.Context, topic string, partition int32, clusterURL string, ts int64) (int64, bool, error) {
	cc, err := p.connFor(clusterURL)
	if err != nil {
		return 0, false, err
	}
	offsets, err := cc.admin.ListOffsetsAfterMilli(ctx, ts, topic)
	if err != nil {
		return 0, false, fmt.Errorf("ingestion: listing offsets after %d for %s on %s: %w", ts, topic, clusterURL, err)
	}
	lo, ok := offsets.Lookup(topic, partition)
	if !ok || lo.Err != nil {
		return 0, false, nil
	}
	return lo.Offset, true, nil
}

// OffsetLag reports how far this pool's last poll trails the upstream end
// offset for topic/partition, or !ok if nothing is currently subscribed.
func (p *KafkaUpstreamClientPool) OffsetLag(ctx context.Context, topic string, partition int32, clusterURL string) (int64, bool, error) {
	p.mu.Lock()
	st, ok := p.subs[kafkaSubKey(topic, partition)]
	var next int64
	if ok {
		next = st.nextOffset
	}
	p.mu.Unlock()
	if !ok {
		return 0, false, nil
	}
	end, err := p.EndOffset(ctx, topic, partition, clusterURL)
	if err != nil {
		return 0, false, err
	}
	return end - next, true, nil
}

// Close tears down every cluster connection this pool opened, concurrently:
// with potentially several upstream clusters (local RT, remote RT, a
// stream-reprocessing cluster) dialed over a task's lifetime, closing them
// one at a time would serialize network round-trips for no reason.
func (p *KafkaUpstreamClientPool) Close() error {
	p.mu.Lock()
	conns := make([]*clusterConn, 0, len(p.clusters))
	for _, cc := range p.clusters {
		conns = append(conns, cc)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, cc := range conns {
		cc := cc
		g.Go(func() error {
			cc.client.Close()
			return nil
		})
	}
	return g.Wait()
}

// KafkaDownstreamProducer is the production DownstreamProducer: a single
// shared *kgo.Client producing to the local version topic, using
// client.Produce's async per-record callback (not ProduceSync) since
// ordering and backpressure are exactly what §4.5/§5 need the callback for.
type KafkaDownstreamProducer struct {
	client *kgo.Client
	topic  string

	chunkingEnabled atomic.Bool

	segMu    sync.Mutex
	segments map[int32]bool
}

// NewKafkaDownstreamProducer returns a DownstreamProducer writing topic via
// client, which callers build with ingest.NewWriterClient.
func NewKafkaDownstreamProducer(client *kgo.Client, topic string) *KafkaDownstreamProducer {
	return &KafkaDownstreamProducer{client: client, topic: topic, segments: make(map[int32]bool)}
}

// stampProducerMetadata copies metadata's producer-identity footer onto
// payload before it hits the wire: pass-through mode copies the upstream
// producer's identity verbatim, post-EOP the leader's own.
func stampProducerMetadata(payload RecordPayload, metadata ProducerMetadata) RecordPayload {
	payload.ProducerGUID = metadata.ProducerGUID
	payload.HasProducerGUID = metadata.HasProducerGUID
	payload.ProducerHostID = metadata.ProducerHostID
	payload.UpstreamOffset = metadata.UpstreamOffset
	payload.HasUpstreamOffset = true
	payload.SegmentNumber = metadata.SegmentNumber
	payload.SequenceNumber = metadata.SequenceNumber
	return payload
}

func (p *KafkaDownstreamProducer) send(ctx context.Context, partition int32, payload RecordPayload, metadata ProducerMetadata, cb ProduceCallback) {
	payload = stampProducerMetadata(payload, metadata)

	rec := &kgo.Record{
		Topic:     p.topic,
		Partition: partition,
		Key:       payload.Key,
		Value:     payload.AppendTo(nil),
	}
	p.client.Produce(ctx, rec, func(produced *kgo.Record, err error) {
		if err != nil {
			cb(0, nil, err)
			return
		}
		cb(produced.Offset, nil, nil)
	})
}

func (p *KafkaDownstreamProducer) Put(ctx context.Context, partition int32, key, value []byte, metadata ProducerMetadata, cb ProduceCallback) {
	p.markSegmentOpen(partition)
	p.send(ctx, partition, RecordPayload{Type: RecordPut, Key: key, Value: value}, metadata, cb)
}

func (p *KafkaDownstreamProducer) Delete(ctx context.Context, partition int32, key []byte, metadata ProducerMetadata, cb ProduceCallback) {
	p.markSegmentOpen(partition)
	p.send(ctx, partition, RecordPayload{Type: RecordDelete, Key: key}, metadata, cb)
}

func (p *KafkaDownstreamProducer) SendControlMessage(ctx context.Context, partition int32, payload RecordPayload, metadata ProducerMetadata, cb ProduceCallback) {
	p.markSegmentOpen(partition)
	p.send(ctx, partition, payload, metadata, cb)
}

func (p *KafkaDownstreamProducer) markSegmentOpen(partition int32) {
	p.segMu.Lock()
	p.segments[partition] = true
	p.segMu.Unlock()
}

// UpdateChunkingEnabled is read by send paths that decide whether a large
// value must be split before reaching here; stored as an atomic.Bool since
// it's flipped by the ingestion thread (on StoreVersionState load) but read
// by whichever goroutine is about to produce.
func (p *KafkaDownstreamProducer) UpdateChunkingEnabled(enabled bool) {
	p.chunkingEnabled.Store(enabled)
}

// ChunkingEnabled reports the producer's current chunking setting.
func (p *KafkaDownstreamProducer) ChunkingEnabled() bool {
	return p.chunkingEnabled.Load()
}

func (p *KafkaDownstreamProducer) EndSegment(ctx context.Context, partition int32, finalize bool) error {
	p.segMu.Lock()
	delete(p.segments, partition)
	p.segMu.Unlock()
	return p.produceEndOfSegment(ctx, partition, finalize)
}

// produceEndOfSegment emits the EndOfSegment control record itself; split
// out from EndSegment only so the segment-map bookkeeping above stays
// synchronous while the produce call itself is fire-and-forget.
func (p *KafkaDownstreamProducer) produceEndOfSegment(ctx context.Context, partition int32, finalize bool) error {
	rec := &kgo.Record{
		Topic:     p.topic,
		Partition: partition,
		Value:     (&RecordPayload{Type: RecordEndOfSegment}).AppendTo(nil),
	}
	p.client.Produce(ctx, rec, func(*kgo.Record, error) {})
	return nil
}

func (p *KafkaDownstreamProducer) ClosePartition(partition int32) {
	p.segMu.Lock()
	delete(p.segments, partition)
	p.segMu.Unlock()
}

func (p *KafkaDownstreamProducer) Close() error {
	p.client.Close()
	return nil
}
