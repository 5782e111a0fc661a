package ingestion

import (
	"sync"
	"time"
)

// PSMState enumerates the Partition State Machine's states.
type PSMState int

const (
	StateOffline PSMState = iota
	StateStandby
	StateInTransitionToLeader  // ITSL
	StatePauseTransitionToLeader // PTSL
	StateLeader
)

func (s PSMState) String() string {
	switch s {
	case StateOffline:
		return "OFFLINE"
	case StateStandby:
		return "STANDBY"
	case StateInTransitionToLeader:
		return "IN_TRANSITION_FROM_STANDBY_TO_LEADER"
	case StatePauseTransitionToLeader:
		return "PAUSE_TRANSITION_FROM_STANDBY_TO_LEADER"
	case StateLeader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// IncrementalPushPolicy mirrors incrementalPushPolicy field; the
// engine only branches on whether incremental pushes target VT directly.
type IncrementalPushPolicy int

const (
	IncrementalPushPolicyPushToVersionTopic IncrementalPushPolicy = iota
	IncrementalPushPolicyPushToRealTimeTopic
)

// PartitionConsumptionState is the per-partition mutable record.
// It is owned by the ingestion thread (role fields, pendingTopicSwitch,
// consumeRemotely, skipKafkaMessage) with the exception of the fields
// drainer/producer-callback threads also touch, guarded by mu: drainer
// threads mutate the OffsetRecord and complete futures, while
// producer-callback threads enqueue into the drainer and never touch PCS
// role fields.
type PartitionConsumptionState struct {
	Partition int32

	// Role fields: ingestion-thread-only.
	Role              PSMState
	LeaderSessionID   uint64
	EndOfPushReceived bool
	ConsumeRemotely   bool
	SkipKafkaMessage  bool
	IsHybrid          bool
	IncrementalPushPolicy IncrementalPushPolicy

	LatestMessageConsumptionTs time.Time
	ConsumptionStartTs         time.Time
	readiness                  readinessLatch

	PendingTopicSwitch *TopicSwitch

	// OffsetRec is this partition's in-memory OffsetRecord, loaded from OVM
	// on SUBSCRIBE and mutated by drainers under mu.
	mu        sync.Mutex
	OffsetRec *OffsetRecord

	// lastLeaderPersistFuture/lastQueuedRecordPersistedFuture are read by the
	// ingestion thread (to await drain on demotion/TopicSwitch) and written
	// by producer-callback threads; both guarded by futuresMu.
	futuresMu                       sync.Mutex
	lastLeaderPersistFuture         *Future
	lastQueuedRecordPersistedFuture *Future

	// TransientRecords is the write-compute last-write cache, keyed by user
	// key. Tied to PCS lifetime: cleared wholesale by ClearTransientRecords
	// (see there for when); entries are not removed when drained.
	transientMu      sync.Mutex
	transientRecords map[string]TransientRecord

	div *divValidator
}

// NewPartitionConsumptionState constructs a PCS for partition, restoring its
// OffsetRecord and DIV validator state from rec.
func NewPartitionConsumptionState(partition int32, rec *OffsetRecord) *PartitionConsumptionState {
	div := newDivValidator()
	div.RebuildFromOffsetRecord(rec)
	return &PartitionConsumptionState{
		Partition:        partition,
		Role:             StateOffline,
		OffsetRec:        rec,
		transientRecords: make(map[string]TransientRecord),
		div:              div,
	}
}

// DivValidator returns this PCS's DIV validator. Only ever called from the
// ingestion thread (inline RT validation and the rebuild on subscribe),
// never concurrently.
func (p *PartitionConsumptionState) DivValidator() *divValidator {
	return p.div
}

// WithOffsetRecord runs fn against the current OffsetRecord under mu,
// enforcing a single writer at a time per partition for the OVM-backed
// record.
func (p *PartitionConsumptionState) WithOffsetRecord(fn func(*OffsetRecord)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.OffsetRec)
}

// SnapshotOffsetRecord returns a deep copy of the current OffsetRecord,
// suitable for handing to a drainer worker.
func (p *PartitionConsumptionState) SnapshotOffsetRecord() *OffsetRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.OffsetRec.Clone()
}

// ReplaceOffsetRecord installs rec as the current OffsetRecord, used by a
// drainer after it has persisted a mutated snapshot.
func (p *PartitionConsumptionState) ReplaceOffsetRecord(rec *OffsetRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OffsetRec = rec
}

// SetLastLeaderPersistFuture installs f as the future awaited on demotion
// and TopicSwitch execution.
func (p *PartitionConsumptionState) SetLastLeaderPersistFuture(f *Future) {
	p.futuresMu.Lock()
	defer p.futuresMu.Unlock()
	p.lastLeaderPersistFuture = f
}

// LastLeaderPersistFuture returns the currently tracked future, or nil.
func (p *PartitionConsumptionState) LastLeaderPersistFuture() *Future {
	p.futuresMu.Lock()
	defer p.futuresMu.Unlock()
	return p.lastLeaderPersistFuture
}

// ClearLastLeaderPersistFuture drops the tracked future, e.g. after a 60s
// Get timeout is treated as a benign producer failure.
func (p *PartitionConsumptionState) ClearLastLeaderPersistFuture() {
	p.futuresMu.Lock()
	defer p.futuresMu.Unlock()
	p.lastLeaderPersistFuture = nil
}

// SetLastQueuedRecordPersistedFuture installs f as the most recently enqueued
// drainer completion signal.
func (p *PartitionConsumptionState) SetLastQueuedRecordPersistedFuture(f *Future) {
	p.futuresMu.Lock()
	defer p.futuresMu.Unlock()
	p.lastQueuedRecordPersistedFuture = f
}

// LastQueuedRecordPersistedFuture returns the most recently enqueued
// completion signal, or nil.
func (p *PartitionConsumptionState) LastQueuedRecordPersistedFuture() *Future {
	p.futuresMu.Lock()
	defer p.futuresMu.Unlock()
	return p.lastQueuedRecordPersistedFuture
}

// TransientRecord looks up key in the write-compute cache.
func (p *PartitionConsumptionState) TransientRecord(key []byte) (TransientRecord, bool) {
	p.transientMu.Lock()
	defer p.transientMu.Unlock()
	rec, ok := p.transientRecords[string(key)]
	return rec, ok
}

// PutTransientRecord stores the last-write state for key.
func (p *PartitionConsumptionState) PutTransientRecord(key []byte, rec TransientRecord) {
	p.transientMu.Lock()
	defer p.transientMu.Unlock()
	p.transientRecords[string(key)] = rec
}

// ClearTransientRecords wipes the write-compute cache. Its only caller is
// psm.handleLeaderToStandby, on a demotion from a leader that was consuming
// remotely or from a topic other than the local VT; a promotion, a demotion
// of a leader on the local VT, and an unsubscribe leave the cache as it is.
func (p *PartitionConsumptionState) ClearTransientRecords() {
	p.transientMu.Lock()
	defer p.transientMu.Unlock()
	p.transientRecords = make(map[string]TransientRecord)
}

// LeaderTopic and LeaderOffset read/write through to the OffsetRecord,
// provided as convenience accessors since they're consulted on nearly every
// ingestion-loop tick.
func (p *PartitionConsumptionState) LeaderTopic() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.OffsetRec.LeaderTopic
}

func (p *PartitionConsumptionState) SetLeaderTopic(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OffsetRec.LeaderTopic = topic
}

func (p *PartitionConsumptionState) LocalVersionTopicOffset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.OffsetRec.LocalVersionTopicOffset
}

func (p *PartitionConsumptionState) UpstreamOffset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	off, ok := p.OffsetRec.UpstreamOffsets[NonAA]
	if !ok {
		return -1
	}
	return off
}

// ReleaseReadinessWhenCaughtUp reports true the first time ready holds for
// this partition, so a caller fires its catch-up notification exactly once.
func (p *PartitionConsumptionState) ReleaseReadinessWhenCaughtUp(ready bool) bool {
	return p.readiness.MaybeRelease(ready)
}

// sameLeaderProducer reports whether guid/hostID match the producer
// identity last recorded on this partition's OffsetRecord, used by
// rewind.go to distinguish a DIV concern (same producer, lower offset) from
// potential split-brain (different producer, lower offset).
func (p *PartitionConsumptionState) sameLeaderProducer(guid [16]byte, hostID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.OffsetRec.HasLeaderProducerGUID {
		return false
	}
	return p.OffsetRec.LeaderProducerGUID == guid && p.OffsetRec.LeaderHostID == hostID
}
