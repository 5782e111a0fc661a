package ingestion

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryTopicPartition is one (topic, partition) log: an append-only slice
// of records (the cluster URL is tracked per subscription, not here), mirroring the
// franz-go-backed production client's view closely enough to exercise the
// same UpstreamClient/DownstreamProducer contracts in tests.
type memoryTopicPartition struct {
	mu      sync.Mutex
	records []UpstreamRecord
}

func (tp *memoryTopicPartition) append(rec UpstreamRecord) int64 {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	rec.Offset = int64(len(tp.records))
	tp.records = append(tp.records, rec)
	return rec.Offset
}

func (tp *memoryTopicPartition) endOffset() int64 {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return int64(len(tp.records))
}

func (tp *memoryTopicPartition) offsetForTimestamp(ts int64) (int64, bool) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	idx := sort.Search(len(tp.records), func(i int) bool {
		return tp.records[i].Timestamp.UnixMilli() >= ts
	})
	if idx >= len(tp.records) {
		return 0, false
	}
	return int64(idx), true
}

func (tp *memoryTopicPartition) from(offset int64) []UpstreamRecord {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(tp.records)) {
		return nil
	}
	out := make([]UpstreamRecord, len(tp.records)-int(offset))
	copy(out, tp.records[offset:])
	return out
}

// MemoryBroker is an in-memory stand-in for a Kafka cluster, shared by any
// number of MemoryUpstreamClient/MemoryDownstreamProducer instances that
// name the same cluster URL, the way a real broker is shared by every
// client that dials it.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]*memoryTopicPartition
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]*memoryTopicPartition)}
}

func (b *MemoryBroker) topicPartition(topic string, partition int32) *memoryTopicPartition {
	key := tpKey(topic, partition)
	b.mu.Lock()
	defer b.mu.Unlock()
	tp, ok := b.topics[key]
	if !ok {
		tp = &memoryTopicPartition{}
		b.topics[key] = tp
	}
	return tp
}

func tpKey(topic string, partition int32) string {
	return fmt.Sprintf("%s/%d", topic, partition)
}

type memorySubscription struct {
	topic      string
	partition  int32
	clusterURL string
	nextOffset int64
}

func subKey(topic string, partition int32) string {
	return tpKey(topic, partition)
}

// MemoryUpstreamClient is an in-memory UpstreamClient double, grounded on
// the same subscribe/poll contract the production franz-go client exposes.
type MemoryUpstreamClient struct {
	broker *MemoryBroker

	mu   sync.Mutex
	subs map[string]*memorySubscription
}

// NewMemoryUpstreamClient returns an UpstreamClient reading from broker.
func NewMemoryUpstreamClient(broker *MemoryBroker) *MemoryUpstreamClient {
	return &MemoryUpstreamClient{broker: broker, subs: make(map[string]*memorySubscription)}
}

func (c *MemoryUpstreamClient) Subscribe(ctx context.Context, topic string, partition int32, offset int64, clusterURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[subKey(topic, partition)] = &memorySubscription{topic: topic, partition: partition, clusterURL: clusterURL, nextOffset: offset}
	return nil
}

func (c *MemoryUpstreamClient) Unsubscribe(ctx context.Context, topic string, partition int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, subKey(topic, partition))
	return nil
}

func (c *MemoryUpstreamClient) Poll(ctx context.Context) ([]UpstreamRecord, error) {
	c.mu.Lock()
	subs := make([]*memorySubscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	var out []UpstreamRecord
	for _, s := range subs {
		tp := c.broker.topicPartition(s.topic, s.partition)
		recs := tp.from(s.nextOffset)
		if len(recs) == 0 {
			continue
		}
		for i := range recs {
			recs[i].URL = s.clusterURL
		}
		out = append(out, recs...)
		s.nextOffset += int64(len(recs))
	}
	return out, nil
}

func (c *MemoryUpstreamClient) EndOffset(ctx context.Context, topic string, partition int32, clusterURL string) (int64, error) {
	return c.broker.topicPartition(topic, partition).endOffset(), nil
}

func (c *MemoryUpstreamClient) OffsetForTimestamp(ctx context.Context, topic string, partition int32, clusterURL string, ts int64) (int64, bool, error) {
	off, found := c.broker.topicPartition(topic, partition).offsetForTimestamp(ts)
	return off, found, nil
}

func (c *MemoryUpstreamClient) OffsetLag(ctx context.Context, topic string, partition int32, clusterURL string) (int64, bool, error) {
	c.mu.Lock()
	s, ok := c.subs[subKey(topic, partition)]
	c.mu.Unlock()
	if !ok {
		return 0, false, nil
	}
	end := c.broker.topicPartition(topic, partition).endOffset()
	return end - s.nextOffset, true, nil
}

// MemoryDownstreamProducer is an in-memory DownstreamProducer double: every
// send lands synchronously in the broker's log and invokes cb inline,
// matching the per-partition send-order guarantee real producers give
// without needing a background goroutine.
type MemoryDownstreamProducer struct {
	broker *MemoryBroker
	topic  string

	chunkingMu sync.Mutex
	chunking   bool

	segMu    sync.Mutex
	segments map[int32]bool

	clock func() time.Time
}

// NewMemoryDownstreamProducer returns a DownstreamProducer writing topic on
// broker. clock lets tests pin record timestamps; nil uses a fixed Unix
// epoch so record timestamps stay deterministic.
func NewMemoryDownstreamProducer(broker *MemoryBroker, topic string, clock func() time.Time) *MemoryDownstreamProducer {
	if clock == nil {
		clock = func() time.Time { return time.Unix(0, 0) }
	}
	return &MemoryDownstreamProducer{broker: broker, topic: topic, segments: make(map[int32]bool), clock: clock}
}

func (p *MemoryDownstreamProducer) send(partition int32, payload RecordPayload, metadata ProducerMetadata, cb ProduceCallback) {
	payload.ProducerGUID = metadata.ProducerGUID
	payload.HasProducerGUID = metadata.HasProducerGUID
	payload.ProducerHostID = metadata.ProducerHostID
	payload.UpstreamOffset = metadata.UpstreamOffset
	payload.HasUpstreamOffset = true
	payload.SegmentNumber = metadata.SegmentNumber
	payload.SequenceNumber = metadata.SequenceNumber

	encoded := payload.AppendTo(nil)
	rec := UpstreamRecord{
		Topic:     p.topic,
		Partition: partition,
		Key:       payload.Key,
		Value:     encoded,
		Timestamp: p.clock(),
	}
	tp := p.broker.topicPartition(p.topic, partition)
	offset := tp.append(rec)
	cb(offset, nil, nil)
}

func (p *MemoryDownstreamProducer) Put(ctx context.Context, partition int32, key, value []byte, metadata ProducerMetadata, cb ProduceCallback) {
	p.send(partition, RecordPayload{Type: RecordPut, Key: key, Value: value}, metadata, cb)
}

func (p *MemoryDownstreamProducer) Delete(ctx context.Context, partition int32, key []byte, metadata ProducerMetadata, cb ProduceCallback) {
	p.send(partition, RecordPayload{Type: RecordDelete, Key: key}, metadata, cb)
}

func (p *MemoryDownstreamProducer) SendControlMessage(ctx context.Context, partition int32, payload RecordPayload, metadata ProducerMetadata, cb ProduceCallback) {
	p.send(partition, payload, metadata, cb)
}

func (p *MemoryDownstreamProducer) UpdateChunkingEnabled(enabled bool) {
	p.chunkingMu.Lock()
	p.chunking = enabled
	p.chunkingMu.Unlock()
}

func (p *MemoryDownstreamProducer) EndSegment(ctx context.Context, partition int32, finalize bool) error {
	p.segMu.Lock()
	delete(p.segments, partition)
	p.segMu.Unlock()
	return nil
}

func (p *MemoryDownstreamProducer) ClosePartition(partition int32) {
	p.segMu.Lock()
	delete(p.segments, partition)
	p.segMu.Unlock()
}

func (p *MemoryDownstreamProducer) Close() error { return nil }
