package storage

import (
	"context"
	"fmt"
	"sync"
)

// memoryPartition is an in-memory PartitionStore, keyed the same way
// friggdb's local backend keys blocks by tenant: one map per partition,
// guarded by its own mutex so concurrent reads from the ingestion-thread
// UPDATE-path lookup don't contend with drainer writes any more than
// necessary.
type memoryPartition struct {
	mu        sync.RWMutex
	data      map[string][]byte
	batchMode bool
	batch     map[string][]byte // staged writes while batchMode is true.
}

func newMemoryPartition() *memoryPartition {
	return &memoryPartition{data: make(map[string][]byte)}
}

func (p *memoryPartition) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (p *memoryPartition) Put(_ context.Context, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	if p.batchMode {
		p.batch[string(key)] = v
	} else {
		p.data[string(key)] = v
	}
	return nil
}

func (p *memoryPartition) PutWithReplicationMetadata(ctx context.Context, key, value []byte, _ ReplicationMetadata) error {
	return p.Put(ctx, key, value)
}

func (p *memoryPartition) Delete(_ context.Context, key []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.batchMode {
		delete(p.batch, string(key))
		p.batch[string(key)] = nil // tombstone recorded for batch flush.
		return nil
	}
	delete(p.data, string(key))
	return nil
}

func (p *memoryPartition) BeginBatchWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.batchMode {
		return fmt.Errorf("storage: batch write already in progress")
	}
	p.batchMode = true
	p.batch = make(map[string][]byte)
	return nil
}

func (p *memoryPartition) EndBatchWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.batchMode {
		return fmt.Errorf("storage: no batch write in progress")
	}
	for k, v := range p.batch {
		if v == nil {
			delete(p.data, k)
			continue
		}
		p.data[k] = v
	}
	p.batch = nil
	p.batchMode = false
	return nil
}

func (p *memoryPartition) Sync(_ context.Context) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]string{"keys": fmt.Sprintf("%d", len(p.data))}, nil
}

// memoryMetadataStore is an in-memory MetadataStore.
type memoryMetadataStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newMemoryMetadataStore() *memoryMetadataStore {
	return &memoryMetadataStore{data: make(map[string][]byte)}
}

func (m *memoryMetadataStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *memoryMetadataStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *memoryMetadataStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// MemoryEngine is an in-memory reference Engine, used only by this repo's
// own tests. It is not a candidate for production use: no persistence, no
// compaction.
type MemoryEngine struct {
	mu         sync.Mutex
	metadata   *memoryMetadataStore
	partitions map[int32]*memoryPartition
}

// NewMemoryEngine returns an empty MemoryEngine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		metadata:   newMemoryMetadataStore(),
		partitions: make(map[int32]*memoryPartition),
	}
}

func (e *MemoryEngine) Metadata() MetadataStore { return e.metadata }

func (e *MemoryEngine) Partition(id int32) (PartitionStore, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.partitions[id]
	if !ok {
		p = newMemoryPartition()
		e.partitions[id] = p
	}
	return p, nil
}

func (e *MemoryEngine) DropPartition(id int32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.partitions, id)
	return nil
}

func (e *MemoryEngine) DropStore() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.partitions = make(map[int32]*memoryPartition)
	e.metadata = newMemoryMetadataStore()
	return nil
}
