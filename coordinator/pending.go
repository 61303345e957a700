package coordinator

import "sync"

// pendingTxnTracker indexes, for one state log partition, the producers with
// buffered transactional offset candidates and the groups they touch. The
// candidates themselves live in the groups; the tracker knows which groups a
// marker on this partition must resolve. One tracker exists per owned
// partition, so resolution is naturally scoped to batches written to it.
type pendingTxnTracker struct {
	mu        sync.Mutex
	producers map[int64]map[string]*GroupMetadata
}

func newPendingTxnTracker() *pendingTxnTracker {
	return &pendingTxnTracker{
		producers: map[int64]map[string]*GroupMetadata{},
	}
}

// recordPending buffers an offset candidate for (producer, group,
// topic-partition), overwriting any previous candidate for the same key.
func (t *pendingTxnTracker) recordPending(producerID int64, g *GroupMetadata, tp TopicPartition, om OffsetAndMetadata) {
	g.AddPendingTxnOffsetCommit(producerID, tp, om)
	t.mu.Lock()
	defer t.mu.Unlock()
	groups, ok := t.producers[producerID]
	if !ok {
		groups = map[string]*GroupMetadata{}
		t.producers[producerID] = groups
	}
	groups[g.ID()] = g
}

// resolve drains every candidate buffered under the producer. On commit the
// candidates merge into their groups' committed offsets under the
// max-position rule; on abort they are discarded unconditionally. The
// touched groups are returned.
func (t *pendingTxnTracker) resolve(producerID int64, isCommit bool) []*GroupMetadata {
	t.mu.Lock()
	groups := t.producers[producerID]
	delete(t.producers, producerID)
	t.mu.Unlock()
	resolved := make([]*GroupMetadata, 0, len(groups))
	for _, g := range groups {
		g.CompletePendingTxnOffsetCommit(producerID, isCommit)
		resolved = append(resolved, g)
	}
	return resolved
}

// hasPending reports whether the producer has any buffered candidate across
// any group on this partition.
func (t *pendingTxnTracker) hasPending(producerID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, g := range t.producers[producerID] {
		if g.HasPendingOffsetCommitsFromProducer(producerID) {
			return true
		}
	}
	return false
}
