package coordinator

import (
	"sync"

	"github.com/calderamq/caldera/log"
	"github.com/calderamq/caldera/protocol"
)

// storeRequest is a prepared write against one state log partition. The
// completion callback fires exactly once no matter how the append resolves.
type storeRequest struct {
	partition int32
	epoch     int64
	batch     *RecordBatch
	once      sync.Once
	onAppend  func(AppendResult)
}

func (r *storeRequest) complete(res AppendResult) {
	r.once.Do(func() { r.onAppend(res) })
}

// Store submits a prepared write. Appends to the state log bypass
// client-facing quotas and validation; outcomes surface only through the
// request's callback.
func (m *GroupMetadataManager) Store(req *storeRequest) {
	if req == nil {
		return
	}
	m.stateLog.Append(req.partition, req.batch, req.complete)
}

// checkStorePartition verifies this node may write the group's partition
// right now. Returns the partition, its current epoch, and ErrNone on
// success.
func (m *GroupMetadataManager) checkStorePartition(groupID string) (int32, int64, protocol.Error) {
	partition := m.PartitionFor(groupID)
	if m.IsPartitionLoading(partition) {
		return partition, 0, protocol.ErrCoordinatorLoadInProgress
	}
	m.mu.RLock()
	op, ok := m.ownedPartitions[partition]
	m.mu.RUnlock()
	if !ok {
		return partition, 0, protocol.ErrNotCoordinator
	}
	return partition, op.epoch, protocol.ErrNone
}

// PrepareStoreGroup builds the write persisting the group's current shape,
// with each member's assignment taken from the given map. Ownership loss and
// an unknown record format fail synchronously through the callback and no
// append is attempted.
func (m *GroupMetadataManager) PrepareStoreGroup(group *GroupMetadata, assignment map[string][]byte, callback func(protocol.Error)) *storeRequest {
	sp := m.span("prepare store group")
	defer sp.Finish()

	partition, epoch, err := m.checkStorePartition(group.ID())
	if err != protocol.ErrNone {
		callback(err)
		return nil
	}
	if _, ok := m.stateLog.RecordFormatVersion(); !ok {
		callback(protocol.ErrNotCoordinator)
		return nil
	}

	record := Record{
		Key:   (&GroupMetadataKey{Group: group.ID()}).Encode(),
		Value: group.snapshotValue(assignment).Encode(),
	}
	batch := &RecordBatch{Records: []Record{record}}

	return &storeRequest{
		partition: partition,
		epoch:     epoch,
		batch:     batch,
		onAppend: func(res AppendResult) {
			if !m.partitionEpochValid(partition, epoch) {
				callback(protocol.ErrNotCoordinator)
				return
			}
			mapped := mapGroupStoreError(res.Err)
			if mapped.Code() != protocol.ErrNone.Code() {
				log.Error.Printf("coordinator/%d: storing group %s failed: %s", m.config.NodeID, group.ID(), res.Err)
			}
			callback(mapped)
		},
	}
}

// PrepareStoreOffsets builds the write persisting offset commits for the
// group. Each accepted topic-partition is marked pending in the group before
// the append so readers already see the group as holding offsets; completion
// promotes or demotes each entry and delivers the per-partition result map
// once. Oversize metadata is rejected per topic-partition without being
// appended.
func (m *GroupMetadataManager) PrepareStoreOffsets(group *GroupMetadata, memberID string, generationID int32, offsets map[TopicPartition]OffsetAndMetadata, callback func(map[TopicPartition]protocol.Error)) *storeRequest {
	sp := m.span("prepare store offsets")
	defer sp.Finish()

	partition, epoch, err := m.checkStorePartition(group.ID())
	if err != protocol.ErrNone {
		errs := make(map[TopicPartition]protocol.Error, len(offsets))
		for tp := range offsets {
			errs[tp] = err
		}
		callback(errs)
		return nil
	}

	rejected := map[TopicPartition]protocol.Error{}
	accepted := make(map[TopicPartition]OffsetAndMetadata, len(offsets))
	for tp, om := range offsets {
		if om.Metadata != nil && len(*om.Metadata) > m.config.MaxMetadataSize {
			rejected[tp] = protocol.ErrOffsetMetadataTooLarge
			continue
		}
		if om.ExpireTimestamp == 0 {
			om.ExpireTimestamp = om.CommitTimestamp + m.config.OffsetsRetention.Milliseconds()
		}
		accepted[tp] = om
	}
	if len(accepted) == 0 {
		callback(rejected)
		return nil
	}

	group.PrepareOffsetCommit(accepted)

	records := make([]Record, 0, len(accepted))
	for tp, om := range accepted {
		key := &OffsetCommitKey{Group: group.ID(), Topic: tp.Topic, Partition: tp.Partition}
		value := &OffsetCommitValue{
			Offset:          om.Offset,
			Metadata:        om.Metadata,
			CommitTimestamp: om.CommitTimestamp,
			ExpireTimestamp: om.ExpireTimestamp,
		}
		records = append(records, Record{Key: key.Encode(), Value: value.Encode()})
	}
	batch := &RecordBatch{Records: records}

	log.Debug.Printf("coordinator/%d: storing %d offsets for group %s member %s generation %d", m.config.NodeID, len(accepted), group.ID(), memberID, generationID)

	return &storeRequest{
		partition: partition,
		epoch:     epoch,
		batch:     batch,
		onAppend: func(res AppendResult) {
			errs := make(map[TopicPartition]protocol.Error, len(offsets))
			for tp, e := range rejected {
				errs[tp] = e
			}
			if !m.partitionEpochValid(partition, epoch) {
				for tp, om := range accepted {
					group.FailPendingOffsetWrite(tp, om)
					errs[tp] = protocol.ErrNotCoordinator
				}
				callback(errs)
				return
			}
			if res.Err.Code() == protocol.ErrNone.Code() {
				for tp, om := range accepted {
					group.CompletePendingOffsetWrite(tp, om, res.BaseOffset)
					errs[tp] = protocol.ErrNone
				}
				callback(errs)
				return
			}
			mapped := mapOffsetStoreError(res.Err)
			log.Error.Printf("coordinator/%d: storing offsets for group %s failed: %s", m.config.NodeID, group.ID(), res.Err)
			for tp, om := range accepted {
				group.FailPendingOffsetWrite(tp, om)
				errs[tp] = mapped
			}
			callback(errs)
		},
	}
}

// mapGroupStoreError maps an append outcome to the error surfaced for a
// group snapshot write. Oversize outcomes are not client-correctable here
// and report generically.
func mapGroupStoreError(err protocol.Error) protocol.Error {
	switch err.Code() {
	case protocol.ErrNone.Code():
		return protocol.ErrNone
	case protocol.ErrUnknownTopicOrPartition.Code(),
		protocol.ErrNotEnoughReplicas.Code(),
		protocol.ErrNotEnoughReplicasAfterAppend.Code():
		return protocol.ErrCoordinatorNotAvailable
	case protocol.ErrNotLeaderForPartition.Code():
		return protocol.ErrNotCoordinator
	case protocol.ErrMessageTooLarge.Code(),
		protocol.ErrRecordListTooLarge.Code(),
		protocol.ErrInvalidFetchSize.Code():
		return protocol.ErrUnknown
	case protocol.ErrCorruptMessage.Code():
		return protocol.ErrCorruptMessage
	default:
		return err
	}
}

// mapOffsetStoreError maps an append outcome to the error surfaced for an
// offset commit write. Oversize outcomes are client-correctable (shrink the
// metadata) and get an actionable code.
func mapOffsetStoreError(err protocol.Error) protocol.Error {
	switch err.Code() {
	case protocol.ErrNone.Code():
		return protocol.ErrNone
	case protocol.ErrUnknownTopicOrPartition.Code(),
		protocol.ErrNotEnoughReplicas.Code(),
		protocol.ErrNotEnoughReplicasAfterAppend.Code():
		return protocol.ErrCoordinatorNotAvailable
	case protocol.ErrNotLeaderForPartition.Code():
		return protocol.ErrNotCoordinator
	case protocol.ErrMessageTooLarge.Code(),
		protocol.ErrRecordListTooLarge.Code(),
		protocol.ErrInvalidFetchSize.Code():
		return protocol.ErrInvalidCommitOffsetSize
	case protocol.ErrCorruptMessage.Code():
		return protocol.ErrCorruptMessage
	default:
		return err
	}
}
