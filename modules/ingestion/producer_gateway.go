package ingestion

import (
	"context"
	"sync"
)

// producerGatewayFactory lazily builds the shared DownstreamProducer, called
// at most once per gateway via a one-shot lazy initializer.
type producerGatewayFactory func() (DownstreamProducer, error)

// producerGateway is the Producer Gateway: a single,
// thread-safe VT producer shared across every partition of a task, wrapping
// chunking, segment lifecycle, and callback ordering. All mutation happens
// through enqueue/send operations; no raw mutable state is exposed through
// its API.
type producerGateway struct {
	factory producerGatewayFactory

	initOnce sync.Once
	initErr  error
	producer DownstreamProducer

	segMu    sync.Mutex
	segments map[int32]bool // partition -> segment open
}

func newProducerGateway(factory producerGatewayFactory) *producerGateway {
	return &producerGateway{factory: factory, segments: make(map[int32]bool)}
}

// ensure lazily constructs the underlying producer exactly once.
func (g *producerGateway) ensure() (DownstreamProducer, error) {
	g.initOnce.Do(func() {
		g.producer, g.initErr = g.factory()
	})
	return g.producer, g.initErr
}

// openSegment marks partition's segment open if it isn't already; segment
// open/close is guarded per-partition so concurrent producer-callback
// threads never race on the same partition's lifecycle flag.
func (g *producerGateway) openSegment(partition int32) {
	g.segMu.Lock()
	g.segments[partition] = true
	g.segMu.Unlock()
}

// Put sends a PUT, opening the partition's segment first if needed.
func (g *producerGateway) Put(ctx context.Context, partition int32, key, value []byte, metadata ProducerMetadata, cb ProduceCallback) error {
	p, err := g.ensure()
	if err != nil {
		return err
	}
	g.openSegment(partition)
	p.Put(ctx, partition, key, value, metadata, cb)
	return nil
}

// Delete sends a DELETE, opening the partition's segment first if needed.
func (g *producerGateway) Delete(ctx context.Context, partition int32, key []byte, metadata ProducerMetadata, cb ProduceCallback) error {
	p, err := g.ensure()
	if err != nil {
		return err
	}
	g.openSegment(partition)
	p.Delete(ctx, partition, key, metadata, cb)
	return nil
}

// SendControlMessage sends a control record (SOP/EOP/TopicSwitch/segment
// markers) on partition.
func (g *producerGateway) SendControlMessage(ctx context.Context, partition int32, payload RecordPayload, metadata ProducerMetadata, cb ProduceCallback) error {
	p, err := g.ensure()
	if err != nil {
		return err
	}
	g.openSegment(partition)
	p.SendControlMessage(ctx, partition, payload, metadata, cb)
	return nil
}

// UpdateChunkingEnabled toggles chunking for the whole producer, per
// StoreVersionState.chunkingEnabled.
func (g *producerGateway) UpdateChunkingEnabled(enabled bool) error {
	p, err := g.ensure()
	if err != nil {
		return err
	}
	p.UpdateChunkingEnabled(enabled)
	return nil
}

// EndSegment closes partition's current segment, optionally finalizing it.
// Called as part of a leader's demotion back to STANDBY.
func (g *producerGateway) EndSegment(ctx context.Context, partition int32, finalize bool) error {
	p, err := g.ensure()
	if err != nil {
		return err
	}
	g.segMu.Lock()
	delete(g.segments, partition)
	g.segMu.Unlock()
	return p.EndSegment(ctx, partition, finalize)
}

// ClosePartition releases every resource the gateway holds for partition;
// called whenever a partition transitions to OFFLINE.
func (g *producerGateway) ClosePartition(partition int32) {
	g.segMu.Lock()
	delete(g.segments, partition)
	g.segMu.Unlock()
	if g.producer != nil {
		g.producer.ClosePartition(partition)
	}
}

// Close shuts the gateway down entirely; called only at task shutdown.
func (g *producerGateway) Close() error {
	if g.producer == nil {
		return nil
	}
	return g.producer.Close()
}
