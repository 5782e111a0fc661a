package ingestion

import (
	"context"
	"fmt"
	"sync"
)

// drainItem is one unit of work handed to a drainer worker: a leader- or
// follower-produced record context scoped to a partition.
type drainItem struct {
	partition int32
	size      int64
	apply     func(context.Context) error
}

// drainerQueue is the bounded, memory-accounted FIFO backing the drainer
// pool. Its
// notify-delta policy only wakes blocked producers once at least notifyDelta
// bytes have been freed by draining, so a flood of small records can't starve
// a blocked large one: a waiter is never woken for a partial refund, because
// the delta accumulates in bytes freed, not items drained.
type drainerQueue struct {
	capacity    int64
	notifyDelta int64

	mu               sync.Mutex
	items            []drainItem
	used             int64
	freedSinceNotify int64
	notFull          *sync.Cond
	notEmpty         *sync.Cond
	closed           bool

	metrics   *metrics
	taskLabel string
}

// newDrainerQueue constructs a queue with the given capacity/notifyDelta,
// enforcing "notifyDelta < capacity" invariant.
func newDrainerQueue(capacity, notifyDelta int64, m *metrics, taskLabel string) (*drainerQueue, error) {
	if notifyDelta >= capacity {
		return nil, fmt.Errorf("ingestion: drainer notifyDelta (%d) must be less than capacity (%d)", notifyDelta, capacity)
	}
	q := &drainerQueue{capacity: capacity, notifyDelta: notifyDelta, metrics: m, taskLabel: taskLabel}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q, nil
}

// Enqueue blocks until there is room for item.size bytes, or ctx is
// cancelled: the producer-side backpressure point that bounds the drainer
// queue's memory.
func (q *drainerQueue) Enqueue(ctx context.Context, item drainItem) error {
	stopWaiting := q.interruptOnDone(ctx, q.notFull)
	defer stopWaiting()

	q.mu.Lock()
	for q.used+item.size > q.capacity && ctx.Err() == nil {
		q.notFull.Wait()
	}
	if ctx.Err() != nil {
		q.mu.Unlock()
		return ctx.Err()
	}
	q.items = append(q.items, item)
	q.used += item.size
	if q.metrics != nil {
		q.metrics.drainerQueueBytes.WithLabelValues(q.taskLabel).Set(float64(q.used))
	}
	q.mu.Unlock()
	q.notEmpty.Signal()
	return nil
}

// dequeue blocks until an item is available, the queue is closed, or ctx is
// cancelled.
func (q *drainerQueue) dequeue(ctx context.Context) (drainItem, bool) {
	stopWaiting := q.interruptOnDone(ctx, q.notEmpty)
	defer stopWaiting()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed && ctx.Err() == nil {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return drainItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// interruptOnDone starts a goroutine that broadcasts on cond when ctx is
// done, so a sync.Cond.Wait (which has no context support) doesn't block
// forever past cancellation. The returned func must be called once the
// caller is done waiting, to stop the goroutine.
func (q *drainerQueue) interruptOnDone(ctx context.Context, cond *sync.Cond) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

// release accounts size bytes as freed, waking blocked producers only once
// freedSinceNotify crosses notifyDelta.
func (q *drainerQueue) release(size int64) {
	q.mu.Lock()
	q.used -= size
	if q.metrics != nil {
		q.metrics.drainerQueueBytes.WithLabelValues(q.taskLabel).Set(float64(q.used))
	}
	q.freedSinceNotify += size
	if q.freedSinceNotify >= q.notifyDelta {
		q.freedSinceNotify = 0
		q.notFull.Broadcast()
	}
	q.mu.Unlock()
}

// Close unblocks any goroutine waiting in dequeue, used during shutdown.
func (q *drainerQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

// Len reports the current queue depth, used by tests and diagnostics.
func (q *drainerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drainerPool is the pool of Drainer workers, shared across every partition
// of a task. Unlike a single shared FIFO feeding every worker, a partition
// is pinned to exactly one shard (partition % len(shards)), so per-partition
// consumer-order, drainer-order, storage-apply-order, and
// OffsetRecord-update-order all coincide: only one worker ever touches a
// given partition's records, and that shard's queue is FIFO.
type drainerPool struct {
	shards []*drainerQueue

	wg     sync.WaitGroup
	cancel context.CancelFunc

	onError func(partition int32, err error)
}

// newDrainerPool constructs workers drainer shards, each bounded to an even
// share of capacity/notifyDelta. workers below 1 is treated as 1.
func newDrainerPool(capacity, notifyDelta int64, workers int, m *metrics, taskLabel string, onError func(partition int32, err error)) (*drainerPool, error) {
	if workers < 1 {
		workers = 1
	}
	shardCapacity := capacity / int64(workers)
	shardNotifyDelta := notifyDelta / int64(workers)
	if shardNotifyDelta < 1 {
		shardNotifyDelta = 1
	}

	shards := make([]*drainerQueue, workers)
	for i := range shards {
		q, err := newDrainerQueue(shardCapacity, shardNotifyDelta, m, taskLabel)
		if err != nil {
			return nil, err
		}
		shards[i] = q
	}
	return &drainerPool{shards: shards, onError: onError}, nil
}

// shardFor returns the queue pinned to partition, stable for the partition's
// entire lifetime since len(shards) never changes after construction.
func (p *drainerPool) shardFor(partition int32) *drainerQueue {
	idx := int(partition) % len(p.shards)
	if idx < 0 {
		idx += len(p.shards)
	}
	return p.shards[idx]
}

// Enqueue routes item to its partition's shard.
func (p *drainerPool) Enqueue(ctx context.Context, item drainItem) error {
	return p.shardFor(item.partition).Enqueue(ctx, item)
}

// Len reports the combined depth of every shard, used by tests.
func (p *drainerPool) Len() int {
	total := 0
	for _, shard := range p.shards {
		total += shard.Len()
	}
	return total
}

// Start launches one worker goroutine per shard. Stop (or cancelling the
// parent ctx) must be called to release them.
func (p *drainerPool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, shard := range p.shards {
		p.wg.Add(1)
		go p.run(ctx, shard)
	}
}

func (p *drainerPool) run(ctx context.Context, shard *drainerQueue) {
	defer p.wg.Done()
	for {
		item, ok := shard.dequeue(ctx)
		if !ok {
			return
		}
		if err := item.apply(ctx); err != nil {
			// A drainer failure sets the partition's exception; the next
			// ingestion loop tick surfaces it.
			p.onError(item.partition, err)
		}
		shard.release(item.size)
	}
}

// Stop cancels every worker and waits for them to exit.
func (p *drainerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	for _, shard := range p.shards {
		shard.Close()
	}
	p.wg.Wait()
}
