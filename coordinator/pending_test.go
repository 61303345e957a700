package coordinator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPendingTxnTracker_CommitMergesIntoGroups(t *testing.T) {
	tracker := newPendingTxnTracker()
	g1 := NewGroupMetadata("group-1")
	g2 := NewGroupMetadata("group-2")
	foo0 := TopicPartition{Topic: "foo", Partition: 0}
	bar0 := TopicPartition{Topic: "bar", Partition: 0}

	tracker.recordPending(9, g1, foo0, OffsetAndMetadata{Offset: 23, AppendedOffset: 3})
	tracker.recordPending(9, g2, bar0, OffsetAndMetadata{Offset: 8992, AppendedOffset: 4})
	require.True(t, tracker.hasPending(9))

	resolved := tracker.resolve(9, true)
	require.Len(t, resolved, 2)
	require.False(t, tracker.hasPending(9))

	got, ok := g1.Offset(foo0)
	require.True(t, ok)
	require.Equal(t, int64(23), got.Offset)
	got, ok = g2.Offset(bar0)
	require.True(t, ok)
	require.Equal(t, int64(8992), got.Offset)
}

func TestPendingTxnTracker_AbortDiscards(t *testing.T) {
	tracker := newPendingTxnTracker()
	g := NewGroupMetadata("group-1")
	foo0 := TopicPartition{Topic: "foo", Partition: 0}

	tracker.recordPending(9, g, foo0, OffsetAndMetadata{Offset: 23, AppendedOffset: 100})
	tracker.resolve(9, false)

	require.False(t, tracker.hasPending(9))
	require.False(t, g.HasOffsets())
	_, ok := g.Offset(foo0)
	require.False(t, ok)
}

func TestPendingTxnTracker_ProducersAreIndependent(t *testing.T) {
	tracker := newPendingTxnTracker()
	g := NewGroupMetadata("group-1")
	foo0 := TopicPartition{Topic: "foo", Partition: 0}
	foo1 := TopicPartition{Topic: "foo", Partition: 1}

	tracker.recordPending(9, g, foo0, OffsetAndMetadata{Offset: 1, AppendedOffset: 1})
	tracker.recordPending(10, g, foo1, OffsetAndMetadata{Offset: 2, AppendedOffset: 2})

	tracker.resolve(9, true)
	require.False(t, tracker.hasPending(9))
	require.True(t, tracker.hasPending(10))

	_, ok := g.Offset(foo0)
	require.True(t, ok)
	_, ok = g.Offset(foo1)
	require.False(t, ok)
}

func TestPendingTxnTracker_LatestCandidateWins(t *testing.T) {
	tracker := newPendingTxnTracker()
	g := NewGroupMetadata("group-1")
	foo0 := TopicPartition{Topic: "foo", Partition: 0}

	tracker.recordPending(9, g, foo0, OffsetAndMetadata{Offset: 23, AppendedOffset: 1})
	tracker.recordPending(9, g, foo0, OffsetAndMetadata{Offset: 42, AppendedOffset: 2})
	tracker.resolve(9, true)

	got, ok := g.Offset(foo0)
	require.True(t, ok)
	require.Equal(t, int64(42), got.Offset)
}
