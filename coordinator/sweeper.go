package coordinator

import (
	"time"

	"github.com/calderamq/caldera/log"
	"github.com/calderamq/caldera/protocol"
)

// CleanupGroupMetadata expires committed offsets past their retention and
// evicts groups left with no offsets and no members. Each removal is
// recorded in the log as a tombstone so a later replay observes it; all
// tombstones of one owned partition go out as a single batch. Returns the
// number of expired offsets.
func (m *GroupMetadataManager) CleanupGroupMetadata() int {
	sp := m.span("cleanup group metadata")
	defer sp.Finish()

	now := time.Now()
	var expiredOffsets int

	m.mu.RLock()
	owned := make([]*ownedPartition, 0, len(m.ownedPartitions))
	for _, op := range m.ownedPartitions {
		owned = append(owned, op)
	}
	groupsByPartition := map[int32][]*GroupMetadata{}
	for id, g := range m.groups {
		p := m.partitionForLocked(id)
		groupsByPartition[p] = append(groupsByPartition[p], g)
	}
	m.mu.RUnlock()

	for _, op := range owned {
		var tombstones []Record
		var candidates []*GroupMetadata

		for _, g := range groupsByPartition[op.partition] {
			// Live members keep refreshing expire timestamps on every
			// commit, so expiration only applies to memberless groups.
			if g.NumMembers() > 0 {
				continue
			}
			removed := g.RemoveExpiredOffsets(now)
			expiredOffsets += len(removed)
			for tp := range removed {
				key := &OffsetCommitKey{Group: g.ID(), Topic: tp.Topic, Partition: tp.Partition}
				tombstones = append(tombstones, Record{Key: key.Encode()})
			}

			if g.HasOffsets() || g.NumMembers() > 0 {
				continue
			}
			candidates = append(candidates, g)
		}

		tombstones = append(tombstones, m.evictEmptyGroups(op, candidates)...)

		if len(tombstones) == 0 {
			continue
		}
		partition := op.partition
		epoch := op.epoch
		if !m.partitionEpochValid(partition, epoch) {
			// Ownership turned over since the sweep snapshot; the new
			// generation replays its own state and sweeps it itself.
			continue
		}
		m.stateLog.Append(partition, &RecordBatch{Records: tombstones}, func(res AppendResult) {
			if !m.partitionEpochValid(partition, epoch) {
				return
			}
			if res.Err.Code() != protocol.ErrNone.Code() {
				// Best effort; anything missed is swept again next interval.
				log.Error.Printf("coordinator/%d: tombstone append on partition %d failed: %s", m.config.NodeID, partition, res.Err)
			}
		})
	}

	if expiredOffsets > 0 {
		log.Info.Printf("coordinator/%d: removed %d expired offsets", m.config.NodeID, expiredOffsets)
	}
	return expiredOffsets
}

// evictEmptyGroups drops candidate groups from the cache and returns the
// group tombstones to append for them. A candidate is only evicted while the
// sweep's partition epoch still holds, the cache still maps its id to the
// same object, and no commit landed since the sweep observed it; anything
// that changed underneath belongs to a newer generation and is left alone.
func (m *GroupMetadataManager) evictEmptyGroups(op *ownedPartition, candidates []*GroupMetadata) []Record {
	if len(candidates) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.ownedPartitions[op.partition]
	if !ok || cur.epoch != op.epoch {
		return nil
	}
	var tombstones []Record
	for _, g := range candidates {
		if m.groups[g.ID()] != g || g.HasOffsets() || g.NumMembers() > 0 {
			continue
		}
		delete(m.groups, g.ID())
		// A group that never advanced past its first generation has no
		// persisted snapshot to erase.
		if g.Generation() > 0 {
			key := &GroupMetadataKey{Group: g.ID()}
			tombstones = append(tombstones, Record{Key: key.Encode()})
		}
	}
	return tombstones
}
