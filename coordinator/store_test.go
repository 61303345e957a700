package coordinator_test

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calderamq/caldera/coordinator"
	"github.com/calderamq/caldera/mock"
	"github.com/calderamq/caldera/protocol"
)

// ownedManager returns a manager owning test-group's partition with the
// group registered.
func ownedManager(t *testing.T, l *mock.Log) (*coordinator.GroupMetadataManager, *coordinator.GroupMetadata, int32) {
	t.Helper()
	m := newTestManager(l)
	p := m.PartitionFor("test-group")
	require.Equal(t, protocol.ErrNone.Code(), m.LoadGroupsAndOffsets(p, nil).Code())
	g := m.AddGroup(coordinator.NewGroupMetadata("test-group"))
	return m, g, p
}

func TestStoreGroup_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		outcome protocol.Error
		want    protocol.Error
	}{
		{name: "success", outcome: protocol.ErrNone, want: protocol.ErrNone},
		{name: "unknown topic or partition", outcome: protocol.ErrUnknownTopicOrPartition, want: protocol.ErrCoordinatorNotAvailable},
		{name: "not enough replicas", outcome: protocol.ErrNotEnoughReplicas, want: protocol.ErrCoordinatorNotAvailable},
		{name: "not enough replicas after append", outcome: protocol.ErrNotEnoughReplicasAfterAppend, want: protocol.ErrCoordinatorNotAvailable},
		{name: "not leader for partition", outcome: protocol.ErrNotLeaderForPartition, want: protocol.ErrNotCoordinator},
		{name: "message too large", outcome: protocol.ErrMessageTooLarge, want: protocol.ErrUnknown},
		{name: "record list too large", outcome: protocol.ErrRecordListTooLarge, want: protocol.ErrUnknown},
		{name: "invalid fetch size", outcome: protocol.ErrInvalidFetchSize, want: protocol.ErrUnknown},
		{name: "corrupt message", outcome: protocol.ErrCorruptMessage, want: protocol.ErrCorruptMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := mock.NewLog()
			m, g, _ := ownedManager(t, l)
			if tt.outcome.Code() != protocol.ErrNone.Code() {
				l.FailAppends(tt.outcome)
			}

			errCh := make(chan protocol.Error, 1)
			req := m.PrepareStoreGroup(g, nil, func(err protocol.Error) { errCh <- err })
			require.NotNil(t, req)
			m.Store(req)
			require.Equal(t, tt.want.Code(), (<-errCh).Code())
		})
	}
}

func TestStoreOffsets_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		outcome protocol.Error
		want    protocol.Error
	}{
		{name: "success", outcome: protocol.ErrNone, want: protocol.ErrNone},
		{name: "unknown topic or partition", outcome: protocol.ErrUnknownTopicOrPartition, want: protocol.ErrCoordinatorNotAvailable},
		{name: "not enough replicas", outcome: protocol.ErrNotEnoughReplicas, want: protocol.ErrCoordinatorNotAvailable},
		{name: "not enough replicas after append", outcome: protocol.ErrNotEnoughReplicasAfterAppend, want: protocol.ErrCoordinatorNotAvailable},
		{name: "not leader for partition", outcome: protocol.ErrNotLeaderForPartition, want: protocol.ErrNotCoordinator},
		{name: "message too large", outcome: protocol.ErrMessageTooLarge, want: protocol.ErrInvalidCommitOffsetSize},
		{name: "record list too large", outcome: protocol.ErrRecordListTooLarge, want: protocol.ErrInvalidCommitOffsetSize},
		{name: "invalid fetch size", outcome: protocol.ErrInvalidFetchSize, want: protocol.ErrInvalidCommitOffsetSize},
		{name: "corrupt message", outcome: protocol.ErrCorruptMessage, want: protocol.ErrCorruptMessage},
	}

	tp := coordinator.TopicPartition{Topic: "foo", Partition: 0}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := mock.NewLog()
			m, g, _ := ownedManager(t, l)
			if tt.outcome.Code() != protocol.ErrNone.Code() {
				l.FailAppends(tt.outcome)
			}

			offsets := map[coordinator.TopicPartition]coordinator.OffsetAndMetadata{
				tp: {Offset: 23, CommitTimestamp: 1000},
			}
			errsCh := make(chan map[coordinator.TopicPartition]protocol.Error, 1)
			req := m.PrepareStoreOffsets(g, "m1", 1, offsets, func(errs map[coordinator.TopicPartition]protocol.Error) {
				errsCh <- errs
			})
			require.NotNil(t, req)
			m.Store(req)

			errs := <-errsCh
			require.Equal(t, tt.want.Code(), errs[tp].Code())

			got, ok := g.Offset(tp)
			if tt.want.Code() == protocol.ErrNone.Code() {
				require.True(t, ok)
				require.Equal(t, int64(23), got.Offset)
			} else {
				// A failed write leaves the topic-partition unset.
				require.False(t, ok)
				require.False(t, g.HasOffsets())
			}
		})
	}
}

func TestStoreGroup_NotOwnedFailsSynchronously(t *testing.T) {
	l := mock.NewLog()
	m := newTestManager(l)
	g := m.AddGroup(coordinator.NewGroupMetadata("test-group"))

	var got protocol.Error
	req := m.PrepareStoreGroup(g, nil, func(err protocol.Error) { got = err })
	require.Nil(t, req)
	require.Equal(t, protocol.ErrNotCoordinator.Code(), got.Code())
	require.Equal(t, 0, l.Appends())
}

func TestStoreGroup_UnknownFormatVersion(t *testing.T) {
	l := mock.NewLog()
	m, g, _ := ownedManager(t, l)
	l.SetFormatVersion(0, false)

	var got protocol.Error
	req := m.PrepareStoreGroup(g, nil, func(err protocol.Error) { got = err })
	require.Nil(t, req)
	require.Equal(t, protocol.ErrNotCoordinator.Code(), got.Code())
}

func TestStoreOffsets_NotOwnedFailsSynchronouslyForEveryPartition(t *testing.T) {
	l := mock.NewLog()
	m := newTestManager(l)
	g := m.AddGroup(coordinator.NewGroupMetadata("test-group"))

	offsets := map[coordinator.TopicPartition]coordinator.OffsetAndMetadata{
		{Topic: "foo", Partition: 0}: {Offset: 1},
		{Topic: "foo", Partition: 1}: {Offset: 2},
	}
	var got map[coordinator.TopicPartition]protocol.Error
	req := m.PrepareStoreOffsets(g, "m1", 1, offsets, func(errs map[coordinator.TopicPartition]protocol.Error) { got = errs })
	require.Nil(t, req)
	require.Len(t, got, 2)
	for _, err := range got {
		require.Equal(t, protocol.ErrNotCoordinator.Code(), err.Code())
	}
	require.Equal(t, 0, l.Appends())
}

func TestStoreOffsets_OwnershipLostBeforeCompletion(t *testing.T) {
	l := mock.NewLog()
	m, g, p := ownedManager(t, l)
	tp := coordinator.TopicPartition{Topic: "foo", Partition: 0}

	errsCh := make(chan map[coordinator.TopicPartition]protocol.Error, 1)
	req := m.PrepareStoreOffsets(g, "m1", 1,
		map[coordinator.TopicPartition]coordinator.OffsetAndMetadata{tp: {Offset: 23}},
		func(errs map[coordinator.TopicPartition]protocol.Error) { errsCh <- errs })
	require.NotNil(t, req)

	m.UnloadGroupsForPartition(p)
	m.Store(req)

	errs := <-errsCh
	require.Equal(t, protocol.ErrNotCoordinator.Code(), errs[tp].Code())
	require.False(t, g.HasOffsets())
}

func TestStoreOffsets_OversizeMetadataRejectedPerPartition(t *testing.T) {
	l := mock.NewLog()
	m, g, _ := ownedManager(t, l)

	big := strings.Repeat("x", coordinator.DefaultConfig().MaxMetadataSize+1)
	small := "ok"
	fat := coordinator.TopicPartition{Topic: "foo", Partition: 0}
	lean := coordinator.TopicPartition{Topic: "foo", Partition: 1}

	offsets := map[coordinator.TopicPartition]coordinator.OffsetAndMetadata{
		fat:  {Offset: 1, Metadata: &big},
		lean: {Offset: 2, Metadata: &small},
	}
	errsCh := make(chan map[coordinator.TopicPartition]protocol.Error, 1)
	req := m.PrepareStoreOffsets(g, "m1", 1, offsets, func(errs map[coordinator.TopicPartition]protocol.Error) {
		errsCh <- errs
	})
	require.NotNil(t, req)
	m.Store(req)

	errs := <-errsCh
	require.Equal(t, protocol.ErrOffsetMetadataTooLarge.Code(), errs[fat].Code())
	require.Equal(t, protocol.ErrNone.Code(), errs[lean].Code())

	_, ok := g.Offset(fat)
	require.False(t, ok)
	got, ok := g.Offset(lean)
	require.True(t, ok)
	require.Equal(t, int64(2), got.Offset)
}

func TestStoreOffsets_AllOversizeFailsWithoutAppend(t *testing.T) {
	l := mock.NewLog()
	m, g, _ := ownedManager(t, l)

	big := strings.Repeat("x", coordinator.DefaultConfig().MaxMetadataSize+1)
	tp := coordinator.TopicPartition{Topic: "foo", Partition: 0}

	var got map[coordinator.TopicPartition]protocol.Error
	req := m.PrepareStoreOffsets(g, "m1", 1,
		map[coordinator.TopicPartition]coordinator.OffsetAndMetadata{tp: {Offset: 1, Metadata: &big}},
		func(errs map[coordinator.TopicPartition]protocol.Error) { got = errs })
	require.Nil(t, req)
	require.Equal(t, protocol.ErrOffsetMetadataTooLarge.Code(), got[tp].Code())
	require.Equal(t, 0, l.Appends())
}

func TestStoreOffsets_PendingVisibleBeforeCompletion(t *testing.T) {
	l := mock.NewLog()
	m, g, _ := ownedManager(t, l)
	tp := coordinator.TopicPartition{Topic: "foo", Partition: 0}

	errsCh := make(chan map[coordinator.TopicPartition]protocol.Error, 1)
	req := m.PrepareStoreOffsets(g, "m1", 1,
		map[coordinator.TopicPartition]coordinator.OffsetAndMetadata{tp: {Offset: 23}},
		func(errs map[coordinator.TopicPartition]protocol.Error) { errsCh <- errs })
	require.NotNil(t, req)

	// The commit is pending before the append even starts.
	require.True(t, g.HasOffsets())
	_, ok := g.Offset(tp)
	require.False(t, ok)

	m.Store(req)
	require.Equal(t, protocol.ErrNone.Code(), (<-errsCh)[tp].Code())
	_, ok = g.Offset(tp)
	require.True(t, ok)
}

func TestStore_CallbackFiresExactlyOnce(t *testing.T) {
	l := mock.NewLog()
	m, g, _ := ownedManager(t, l)

	var calls int32
	req := m.PrepareStoreGroup(g, nil, func(protocol.Error) { atomic.AddInt32(&calls, 1) })
	require.NotNil(t, req)

	m.Store(req)
	m.Store(req)

	coordinator.RetryFunc(t, func() error {
		if atomic.LoadInt32(&calls) < 1 {
			return errTooFewCalls
		}
		return nil
	})
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Equal(t, 2, l.Appends())
}

var errTooFewCalls = errNotYet("callback not invoked yet")

type errNotYet string

func (e errNotYet) Error() string { return string(e) }

func TestStoreGroup_LoadInProgress(t *testing.T) {
	l := mock.NewLog()
	m := newTestManager(l)
	p := m.PartitionFor("test-group")
	l.MustAppend(p, dataBatch(offsetCommitRecord("test-group", "foo", 0, 23)))

	gate := make(chan struct{})
	l.GateReads(gate)

	done := make(chan protocol.Error, 1)
	go func() { done <- m.LoadGroupsAndOffsets(p, nil) }()

	coordinator.RetryFunc(t, func() error {
		if !m.IsPartitionLoading(p) {
			return errNotYet("load not started")
		}
		return nil
	})

	g := coordinator.NewGroupMetadata("test-group")
	var got protocol.Error
	req := m.PrepareStoreGroup(g, nil, func(err protocol.Error) { got = err })
	require.Nil(t, req)
	require.Equal(t, protocol.ErrCoordinatorLoadInProgress.Code(), got.Code())

	_, gerr := m.GetGroup("test-group")
	require.Equal(t, protocol.ErrCoordinatorLoadInProgress.Code(), gerr.Code())

	offs, oerr := m.GetOffsets("test-group", nil)
	require.Equal(t, protocol.ErrCoordinatorLoadInProgress.Code(), oerr.Code())
	require.Empty(t, offs)

	l.GateReads(nil)
	close(gate)
	require.Equal(t, protocol.ErrNone.Code(), (<-done).Code())
	require.True(t, m.OwnsPartition(p))
}
