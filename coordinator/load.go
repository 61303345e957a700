package coordinator

import (
	"time"

	"github.com/pkg/errors"

	"github.com/calderamq/caldera/log"
	"github.com/calderamq/caldera/protocol"
)

// LoadGroupsAndOffsets replays one state log partition and installs the
// groups and offsets it holds. The scan is bounded at the log end offset
// observed when it starts, so the call terminates even while writers keep
// appending. The replayed state is accumulated privately and published in
// one step at the end; readers never observe a half-replayed group.
// onGroupLoaded fires once per group that survives replay.
func (m *GroupMetadataManager) LoadGroupsAndOffsets(partition int32, onGroupLoaded func(*GroupMetadata)) protocol.Error {
	sp := m.span("load groups and offsets")
	defer sp.Finish()

	if !m.stateLog.IsLeader(partition) {
		return protocol.ErrNotLeaderForPartition
	}

	m.mu.Lock()
	if _, ok := m.ownedPartitions[partition]; ok {
		m.mu.Unlock()
		log.Debug.Printf("coordinator/%d: partition %d already loaded", m.config.NodeID, partition)
		return protocol.ErrNone
	}
	if _, ok := m.loadingPartitions[partition]; ok {
		m.mu.Unlock()
		return protocol.ErrCoordinatorLoadInProgress
	}
	m.epoch++
	epoch := m.epoch
	m.loadingPartitions[partition] = epoch
	m.mu.Unlock()

	start := time.Now()
	loaded, tracker, err := m.replayPartition(partition)
	if err != nil {
		m.abortLoad(partition, epoch)
		log.Error.Printf("coordinator/%d: load of partition %d failed: %v", m.config.NodeID, partition, err)
		return protocol.ErrCorruptMessage.WithErr(err)
	}

	admitted := make([]*GroupMetadata, 0, len(loaded))
	for _, g := range loaded {
		if g.HasSnapshot() || g.HasOffsets() {
			admitted = append(admitted, g)
		}
	}

	m.mu.Lock()
	if m.loadingPartitions[partition] != epoch {
		m.mu.Unlock()
		log.Debug.Printf("coordinator/%d: discarding stale load of partition %d", m.config.NodeID, partition)
		return protocol.ErrNotCoordinator
	}
	delete(m.loadingPartitions, partition)
	m.ownedPartitions[partition] = &ownedPartition{partition: partition, epoch: epoch, tracker: tracker}
	for _, g := range admitted {
		m.groups[g.ID()] = g
	}
	m.mu.Unlock()

	for _, g := range admitted {
		if onGroupLoaded != nil {
			onGroupLoaded(g)
		}
		if managerVerboseLogs {
			log.Debug.Printf("coordinator/%d: loaded group %s: %s", m.config.NodeID, g.ID(), dumpGroup(g))
		}
	}

	log.Info.Printf("coordinator/%d: finished loading %d groups from partition %d in %v", m.config.NodeID, len(admitted), partition, time.Since(start))
	return protocol.ErrNone
}

func (m *GroupMetadataManager) abortLoad(partition int32, epoch int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadingPartitions[partition] == epoch {
		delete(m.loadingPartitions, partition)
	}
}

// replayPartition scans [logStartOffset, logEndOffset) and builds the
// partition's groups and pending transactions. Any record it cannot decode
// fails the whole load.
func (m *GroupMetadataManager) replayPartition(partition int32) (map[string]*GroupMetadata, *pendingTxnTracker, error) {
	startOffset, err := m.stateLog.LogStartOffset(partition)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading log start offset")
	}
	endOffset, err := m.stateLog.LogEndOffset(partition)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading log end offset")
	}

	loaded := map[string]*GroupMetadata{}
	tracker := newPendingTxnTracker()

	groupFor := func(id string) *GroupMetadata {
		g, ok := loaded[id]
		if !ok {
			g = NewGroupMetadata(id)
			loaded[id] = g
		}
		return g
	}

	currOffset := startOffset
	for currOffset < endOffset {
		batches, err := m.stateLog.Read(partition, currOffset, m.config.LoadBufferSize)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading partition %d at offset %d", partition, currOffset)
		}
		if len(batches) == 0 {
			log.Error.Printf("coordinator/%d: partition %d truncated below end offset %d at %d", m.config.NodeID, partition, endOffset, currOffset)
			break
		}
		for _, batch := range batches {
			if batch.BaseOffset >= endOffset {
				return loaded, tracker, nil
			}
			if batch.Control {
				if err := m.replayControlBatch(batch, tracker); err != nil {
					return nil, nil, err
				}
			} else if err := m.replayDataBatch(batch, groupFor, tracker); err != nil {
				return nil, nil, err
			}
			currOffset = batch.LastOffset() + 1
		}
	}
	return loaded, tracker, nil
}

func (m *GroupMetadataManager) replayControlBatch(batch *RecordBatch, tracker *pendingTxnTracker) error {
	for _, record := range batch.Records {
		ctrlType, err := DecodeControlRecordKey(record.Key)
		if err != nil {
			return errors.Wrapf(err, "control record at offset %d", record.Offset)
		}
		tracker.resolve(batch.ProducerID, ctrlType == ControlCommit)
	}
	return nil
}

func (m *GroupMetadataManager) replayDataBatch(batch *RecordBatch, groupFor func(string) *GroupMetadata, tracker *pendingTxnTracker) error {
	for _, record := range batch.Records {
		key, err := DecodeKey(record.Key)
		if err != nil {
			return errors.Wrapf(err, "record key at offset %d", record.Offset)
		}
		switch k := key.(type) {
		case *OffsetCommitKey:
			g := groupFor(k.Group)
			tp := TopicPartition{Topic: k.Topic, Partition: k.Partition}
			if record.Value == nil {
				g.RemoveOffset(tp)
				continue
			}
			value, err := DecodeOffsetCommitValue(record.Value)
			if err != nil {
				return errors.Wrapf(err, "offset commit value at offset %d", record.Offset)
			}
			om := OffsetAndMetadata{
				Offset:          value.Offset,
				Metadata:        value.Metadata,
				CommitTimestamp: value.CommitTimestamp,
				ExpireTimestamp: value.ExpireTimestamp,
				AppendedOffset:  batch.BaseOffset,
			}
			if batch.Transactional {
				tracker.recordPending(batch.ProducerID, g, tp, om)
			} else {
				g.CompleteLoadedOffset(tp, om)
			}
		case *GroupMetadataKey:
			g := groupFor(k.Group)
			if record.Value == nil {
				g.ClearSnapshot()
				continue
			}
			value, err := DecodeGroupMetadataValue(record.Value)
			if err != nil {
				return errors.Wrapf(err, "group metadata value at offset %d", record.Offset)
			}
			if err := g.Inflate(value); err != nil {
				return errors.Wrapf(err, "group metadata value at offset %d", record.Offset)
			}
		}
	}
	return nil
}
