package coordinator

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	opentracing "github.com/opentracing/opentracing-go"

	"github.com/calderamq/caldera/log"
	"github.com/calderamq/caldera/protocol"
)

var managerVerboseLogs bool

func init() {
	spew.Config.Indent = ""

	e := os.Getenv("CALDERADEBUG")
	if strings.Contains(e, "manager=1") {
		managerVerboseLogs = true
	}
}

// GroupMetadataManager owns the group registry for the state log partitions
// this node coordinates. It materializes groups and offsets by replaying
// partitions, persists new state through the log, and expires stale state.
type GroupMetadataManager struct {
	mu     sync.RWMutex
	config *Config
	// stateLog is the log collaborator backing the offsets topic.
	stateLog Log
	tracer   opentracing.Tracer

	groups          map[string]*GroupMetadata
	ownedPartitions map[int32]*ownedPartition
	// loadingPartitions maps a partition with a load in flight to the
	// epoch that load was started under.
	loadingPartitions map[int32]int64
	// epoch grows on every ownership change; in-flight results carrying a
	// superseded epoch are discarded.
	epoch int64
}

// ownedPartition tracks one owned state log partition and its open
// transactions.
type ownedPartition struct {
	partition int32
	epoch     int64
	tracker   *pendingTxnTracker
}

// NewGroupMetadataManager returns a manager over the given state log.
func NewGroupMetadataManager(config *Config, stateLog Log, tracer opentracing.Tracer) *GroupMetadataManager {
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}
	return &GroupMetadataManager{
		config:            config,
		stateLog:          stateLog,
		tracer:            tracer,
		groups:            map[string]*GroupMetadata{},
		ownedPartitions:   map[int32]*ownedPartition{},
		loadingPartitions: map[int32]int64{},
	}
}

func (m *GroupMetadataManager) span(op string) opentracing.Span {
	return m.tracer.StartSpan("coordinator: " + op)
}

// dumpGroup renders a group's full in-memory state for verbose load logs.
func dumpGroup(g *GroupMetadata) string {
	return spew.Sdump(g)
}

// PartitionFor returns the state log partition the group hashes onto.
func (m *GroupMetadataManager) PartitionFor(groupID string) int32 {
	return int32(xxhash.Sum64String(groupID) % uint64(m.config.OffsetsTopicNumPartitions))
}

// GenerateMemberID builds a member id for the request layer to hand to a
// joining client.
func (m *GroupMetadataManager) GenerateMemberID(clientID string) string {
	return fmt.Sprintf("%s-%s", clientID, uuid.New().String())
}

// OwnsPartition reports whether this node currently coordinates the
// partition.
func (m *GroupMetadataManager) OwnsPartition(partition int32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ownedPartitions[partition]
	return ok
}

// IsPartitionLoading reports whether a load for the partition is in flight.
func (m *GroupMetadataManager) IsPartitionLoading(partition int32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.loadingPartitions[partition]
	return ok
}

// ownsGroup reports whether this node coordinates the group's partition.
func (m *GroupMetadataManager) ownsGroup(groupID string) bool {
	return m.OwnsPartition(m.PartitionFor(groupID))
}

// partitionEpochValid reports whether an in-flight result for (partition,
// epoch) may still be applied.
func (m *GroupMetadataManager) partitionEpochValid(partition int32, epoch int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.ownedPartitions[partition]
	return ok && op.epoch == epoch
}

// trackerFor returns the pending-transaction tracker for an owned partition.
func (m *GroupMetadataManager) trackerFor(partition int32) (*pendingTxnTracker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.ownedPartitions[partition]
	if !ok {
		return nil, false
	}
	return op.tracker, true
}

// GetGroup returns the group, or an error describing why it is unavailable
// from this node.
func (m *GroupMetadataManager) GetGroup(groupID string) (*GroupMetadata, protocol.Error) {
	partition := m.PartitionFor(groupID)
	if m.IsPartitionLoading(partition) {
		return nil, protocol.ErrCoordinatorLoadInProgress
	}
	if !m.OwnsPartition(partition) {
		return nil, protocol.ErrNotCoordinator
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, protocol.ErrGroupIDNotFound
	}
	return g, protocol.ErrNone
}

// AddGroup registers the group, returning the existing entry when another
// writer got there first.
func (m *GroupMetadataManager) AddGroup(group *GroupMetadata) *GroupMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.groups[group.ID()]; ok {
		return existing
	}
	m.groups[group.ID()] = group
	return group
}

// GroupCount returns the number of cached groups.
func (m *GroupMetadataManager) GroupCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.groups)
}

// OffsetFetchPartition is one topic-partition's committed offset as exposed
// to the request layer. Offset is -1 when nothing is committed.
type OffsetFetchPartition struct {
	Partition int32
	Offset    int64
	Metadata  *string
	ErrorCode int16
}

// GetOffsets returns committed offsets for the requested topic-partitions,
// or for every topic-partition the group holds when none are requested. The
// returned error is the group-level verdict; with an explicit request the
// same code is also stamped on every entry, so a fetch-all caller can still
// tell an unavailable coordinator from a group with nothing committed.
func (m *GroupMetadataManager) GetOffsets(groupID string, topicPartitions []TopicPartition) (map[TopicPartition]OffsetFetchPartition, protocol.Error) {
	sp := m.span("get offsets")
	defer sp.Finish()

	res := map[TopicPartition]OffsetFetchPartition{}
	partition := m.PartitionFor(groupID)
	if m.IsPartitionLoading(partition) {
		for _, tp := range topicPartitions {
			res[tp] = OffsetFetchPartition{Partition: tp.Partition, Offset: -1, ErrorCode: protocol.ErrCoordinatorLoadInProgress.Code()}
		}
		return res, protocol.ErrCoordinatorLoadInProgress
	}
	if !m.OwnsPartition(partition) {
		for _, tp := range topicPartitions {
			res[tp] = OffsetFetchPartition{Partition: tp.Partition, Offset: -1, ErrorCode: protocol.ErrNotCoordinator.Code()}
		}
		return res, protocol.ErrNotCoordinator
	}

	m.mu.RLock()
	g, ok := m.groups[groupID]
	m.mu.RUnlock()
	if !ok {
		for _, tp := range topicPartitions {
			res[tp] = OffsetFetchPartition{Partition: tp.Partition, Offset: -1, ErrorCode: protocol.ErrNone.Code()}
		}
		return res, protocol.ErrNone
	}

	if len(topicPartitions) == 0 {
		for tp, om := range g.AllOffsets() {
			res[tp] = OffsetFetchPartition{Partition: tp.Partition, Offset: om.Offset, Metadata: om.Metadata, ErrorCode: protocol.ErrNone.Code()}
		}
		return res, protocol.ErrNone
	}
	for _, tp := range topicPartitions {
		om, ok := g.Offset(tp)
		if !ok {
			res[tp] = OffsetFetchPartition{Partition: tp.Partition, Offset: -1, ErrorCode: protocol.ErrNone.Code()}
			continue
		}
		res[tp] = OffsetFetchPartition{Partition: tp.Partition, Offset: om.Offset, Metadata: om.Metadata, ErrorCode: protocol.ErrNone.Code()}
	}
	return res, protocol.ErrNone
}

// HandleTxnCompletion resolves a producer's open transaction on the given
// state log partitions. A marker only resolves candidates originating from
// batches written to the marker's partition.
func (m *GroupMetadataManager) HandleTxnCompletion(producerID int64, partitions []int32, isCommit bool) {
	sp := m.span("handle txn completion")
	defer sp.Finish()

	for _, partition := range partitions {
		tracker, ok := m.trackerFor(partition)
		if !ok {
			log.Debug.Printf("coordinator/%d: txn completion for unowned partition %d", m.config.NodeID, partition)
			continue
		}
		resolved := tracker.resolve(producerID, isCommit)
		for _, g := range resolved {
			log.Debug.Printf("coordinator/%d: resolved txn producer %d group %s commit=%v", m.config.NodeID, producerID, g.ID(), isCommit)
		}
	}
}

// HasPendingTxnOffsets reports whether the producer has unresolved
// candidates on the given partition.
func (m *GroupMetadataManager) HasPendingTxnOffsets(partition int32, producerID int64) bool {
	tracker, ok := m.trackerFor(partition)
	if !ok {
		return false
	}
	return tracker.hasPending(producerID)
}

// UnloadGroupsForPartition drops every group hashing onto the partition and
// revokes ownership. In-flight loads and appends for the old epoch are
// discarded when they complete.
func (m *GroupMetadataManager) UnloadGroupsForPartition(partition int32) {
	sp := m.span("unload groups")
	defer sp.Finish()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	delete(m.ownedPartitions, partition)
	delete(m.loadingPartitions, partition)
	var removed int
	for id := range m.groups {
		if m.partitionForLocked(id) == partition {
			delete(m.groups, id)
			removed++
		}
	}
	log.Info.Printf("coordinator/%d: unloaded %d groups for partition %d", m.config.NodeID, removed, partition)
}

func (m *GroupMetadataManager) partitionForLocked(groupID string) int32 {
	return int32(xxhash.Sum64String(groupID) % uint64(m.config.OffsetsTopicNumPartitions))
}

// StartSweeper runs CleanupGroupMetadata on the configured interval until
// the stop channel closes. The caller owns the goroutine's lifetime.
func (m *GroupMetadataManager) StartSweeper(stopCh <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(m.config.OffsetsRetentionCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CleanupGroupMetadata()
			case <-stopCh:
				return
			}
		}
	}()
}
