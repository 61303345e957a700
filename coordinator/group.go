package coordinator

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

func errInvalidTransition(groupID string, from, to GroupState) error {
	return errors.Errorf("group %s: illegal state transition %s -> %s", groupID, from, to)
}

// GroupState represents the lifecycle state of a consumer group.
type GroupState int

const (
	GroupStateEmpty GroupState = iota
	GroupStatePreparingRebalance
	GroupStateAwaitingSync
	GroupStateStable
	GroupStateDead
)

var groupStateLabels = map[GroupState]string{
	GroupStateEmpty:              "Empty",
	GroupStatePreparingRebalance: "PreparingRebalance",
	GroupStateAwaitingSync:       "AwaitingSync",
	GroupStateStable:             "Stable",
	GroupStateDead:               "Dead",
}

// validPreviousStates encodes the legal transitions; Dead is terminal.
var validPreviousStates = map[GroupState][]GroupState{
	GroupStateEmpty:              {GroupStatePreparingRebalance},
	GroupStatePreparingRebalance: {GroupStateEmpty, GroupStateAwaitingSync, GroupStateStable},
	GroupStateAwaitingSync:       {GroupStatePreparingRebalance},
	GroupStateStable:             {GroupStateAwaitingSync},
	GroupStateDead:               {GroupStateEmpty, GroupStatePreparingRebalance, GroupStateAwaitingSync, GroupStateStable, GroupStateDead},
}

func (s GroupState) String() string {
	label, ok := groupStateLabels[s]
	if !ok {
		return "Unknown"
	}
	return label
}

// GroupStateFromLabel maps a persisted state label back to a GroupState.
func GroupStateFromLabel(label string) (GroupState, bool) {
	for state, l := range groupStateLabels {
		if l == label {
			return state, true
		}
	}
	return GroupStateEmpty, false
}

// OffsetAndMetadata is one committed (or candidate) offset for a
// topic-partition. AppendedOffset is the log position of the record that
// produced this value; conflicting writes are arbitrated by the greater
// position.
type OffsetAndMetadata struct {
	Offset          int64
	Metadata        *string
	CommitTimestamp int64
	ExpireTimestamp int64
	AppendedOffset  int64
}

// MemberMetadata describes one group member as persisted in a snapshot.
type MemberMetadata struct {
	MemberID         string
	ClientID         string
	ClientHost       string
	SessionTimeout   int32
	RebalanceTimeout int32
	Subscription     []byte
	Assignment       []byte
}

// GroupMetadata is the in-memory representation of one consumer group. All
// mutation is serialized under the group's lock; replay, append completions
// and the sweeper may touch the same group concurrently.
type GroupMetadata struct {
	mu sync.Mutex

	id           string
	state        GroupState
	generation   int32
	protocolType string
	protocol     *string
	leaderID     *string
	members      map[string]*MemberMetadata

	offsets              map[TopicPartition]OffsetAndMetadata
	pendingOffsetCommits map[TopicPartition]OffsetAndMetadata
	pendingTxnOffsets    map[int64]map[TopicPartition]OffsetAndMetadata
}

// NewGroupMetadata constructs a new group in the Empty state with no members
// and no offsets. Only the materializer and AddGroup construct groups.
func NewGroupMetadata(id string) *GroupMetadata {
	return &GroupMetadata{
		id:                   id,
		state:                GroupStateEmpty,
		members:              map[string]*MemberMetadata{},
		offsets:              map[TopicPartition]OffsetAndMetadata{},
		pendingOffsetCommits: map[TopicPartition]OffsetAndMetadata{},
		pendingTxnOffsets:    map[int64]map[TopicPartition]OffsetAndMetadata{},
	}
}

// ID returns the group id.
func (g *GroupMetadata) ID() string {
	return g.id
}

// CurrentState returns the group's state.
func (g *GroupMetadata) CurrentState() GroupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Generation returns the group's generation id.
func (g *GroupMetadata) Generation() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// LeaderID returns the leader member id, or "" if the group has no leader.
func (g *GroupMetadata) LeaderID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.leaderID == nil {
		return ""
	}
	return *g.leaderID
}

// ProtocolType returns the group's protocol type ("consumer" for regular
// consumer groups), or "" before the first rebalance.
func (g *GroupMetadata) ProtocolType() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.protocolType
}

// TransitionTo moves the group to the target state, enforcing legality.
func (g *GroupMetadata) TransitionTo(state GroupState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, prev := range validPreviousStates[state] {
		if g.state == prev {
			g.state = state
			if state == GroupStatePreparingRebalance {
				g.generation++
			}
			return nil
		}
	}
	return errInvalidTransition(g.id, g.state, state)
}

// AddMember registers a member; used by the request layer between
// rebalances. The manager itself never invents members.
func (g *GroupMetadata) AddMember(m *MemberMetadata) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[m.MemberID] = m
	if g.leaderID == nil {
		leader := m.MemberID
		g.leaderID = &leader
	}
}

// RemoveMember unregisters a member.
func (g *GroupMetadata) RemoveMember(memberID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, memberID)
	if g.leaderID != nil && *g.leaderID == memberID {
		g.leaderID = nil
		for id := range g.members {
			leader := id
			g.leaderID = &leader
			break
		}
	}
}

// AllMembers returns a copy of the member list.
func (g *GroupMetadata) AllMembers() []*MemberMetadata {
	g.mu.Lock()
	defer g.mu.Unlock()
	members := make([]*MemberMetadata, 0, len(g.members))
	for _, m := range g.members {
		copied := *m
		members = append(members, &copied)
	}
	return members
}

// NumMembers returns the live member count.
func (g *GroupMetadata) NumMembers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Inflate replaces the group's snapshot fields wholesale from a persisted
// value. Offsets accumulated for the group are unaffected. A state label the
// codec does not know is corrupt data, not a group to invent.
func (g *GroupMetadata) Inflate(value *GroupMetadataValue) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := GroupStateFromLabel(value.State)
	if !ok {
		return errors.Errorf("group %s: unknown persisted state %q", g.id, value.State)
	}
	g.state = state
	g.generation = value.Generation
	g.protocolType = value.ProtocolType
	g.protocol = value.Protocol
	g.leaderID = value.Leader
	g.members = make(map[string]*MemberMetadata, len(value.Members))
	for i := range value.Members {
		mv := value.Members[i]
		g.members[mv.MemberID] = &MemberMetadata{
			MemberID:         mv.MemberID,
			ClientID:         mv.ClientID,
			ClientHost:       mv.ClientHost,
			SessionTimeout:   mv.SessionTimeout,
			RebalanceTimeout: mv.RebalanceTimeout,
			Subscription:     mv.Subscription,
			Assignment:       mv.Assignment,
		}
	}
	return nil
}

// ClearSnapshot erases the group's persisted shape, as a group tombstone
// does. Offsets are tracked independently and survive.
func (g *GroupMetadata) ClearSnapshot() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = GroupStateEmpty
	g.generation = 0
	g.protocolType = ""
	g.protocol = nil
	g.leaderID = nil
	g.members = map[string]*MemberMetadata{}
}

// hasSnapshotLocked reports whether the group carries any persisted shape.
func (g *GroupMetadata) hasSnapshotLocked() bool {
	return g.state != GroupStateEmpty || g.generation > 0 || len(g.members) > 0 || g.protocolType != ""
}

// HasSnapshot reports whether the group carries any persisted shape.
func (g *GroupMetadata) HasSnapshot() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hasSnapshotLocked()
}

// snapshotValue builds the persisted group value, overriding each member's
// assignment from the given map when present.
func (g *GroupMetadata) snapshotValue(assignment map[string][]byte) *GroupMetadataValue {
	g.mu.Lock()
	defer g.mu.Unlock()
	value := &GroupMetadataValue{
		ProtocolType: g.protocolType,
		Generation:   g.generation,
		Protocol:     g.protocol,
		Leader:       g.leaderID,
		State:        g.state.String(),
	}
	for _, m := range g.members {
		mv := MemberMetadataValue{
			MemberID:         m.MemberID,
			ClientID:         m.ClientID,
			ClientHost:       m.ClientHost,
			SessionTimeout:   m.SessionTimeout,
			RebalanceTimeout: m.RebalanceTimeout,
			Subscription:     m.Subscription,
			Assignment:       m.Assignment,
		}
		if a, ok := assignment[m.MemberID]; ok {
			mv.Assignment = a
		}
		value.Members = append(value.Members, mv)
	}
	return value
}

// PrepareOffsetCommit marks offsets as pending so concurrent readers see the
// group as holding offsets before the append completes.
func (g *GroupMetadata) PrepareOffsetCommit(offsets map[TopicPartition]OffsetAndMetadata) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for tp, om := range offsets {
		g.pendingOffsetCommits[tp] = om
	}
}

// CompletePendingOffsetWrite promotes a pending commit to committed in
// place, recording the log position the write landed at. The promotion is
// skipped if the pending entry was superseded by a newer attempt.
func (g *GroupMetadata) CompletePendingOffsetWrite(tp TopicPartition, om OffsetAndMetadata, appendedOffset int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pending, ok := g.pendingOffsetCommits[tp]
	if !ok || pending != om {
		// superseded by a newer attempt for the same topic-partition
		return
	}
	delete(g.pendingOffsetCommits, tp)
	om.AppendedOffset = appendedOffset
	g.offsets[tp] = om
}

// FailPendingOffsetWrite drops a pending commit whose append failed, so the
// topic-partition reverts to not-visible.
func (g *GroupMetadata) FailPendingOffsetWrite(tp TopicPartition, om OffsetAndMetadata) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pending, ok := g.pendingOffsetCommits[tp]
	if ok && pending == om {
		delete(g.pendingOffsetCommits, tp)
	}
}

// CompleteLoadedOffset upserts a materialized offset using the max-position
// rule: the value with the greater originating log position wins.
func (g *GroupMetadata) CompleteLoadedOffset(tp TopicPartition, om OffsetAndMetadata) {
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, ok := g.offsets[tp]
	if ok && existing.AppendedOffset > om.AppendedOffset {
		return
	}
	g.offsets[tp] = om
}

// RemoveOffset erases the committed offset and any candidate for exactly one
// topic-partition; siblings are unaffected.
func (g *GroupMetadata) RemoveOffset(tp TopicPartition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.offsets, tp)
	delete(g.pendingOffsetCommits, tp)
	for pid, pending := range g.pendingTxnOffsets {
		delete(pending, tp)
		if len(pending) == 0 {
			delete(g.pendingTxnOffsets, pid)
		}
	}
}

// Offset returns the committed offset for a topic-partition.
func (g *GroupMetadata) Offset(tp TopicPartition) (OffsetAndMetadata, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	om, ok := g.offsets[tp]
	return om, ok
}

// AllOffsets returns a copy of the committed offsets map.
func (g *GroupMetadata) AllOffsets() map[TopicPartition]OffsetAndMetadata {
	g.mu.Lock()
	defer g.mu.Unlock()
	offsets := make(map[TopicPartition]OffsetAndMetadata, len(g.offsets))
	for tp, om := range g.offsets {
		offsets[tp] = om
	}
	return offsets
}

// HasOffsets reports whether the group holds any committed, pending, or
// transactional candidate offset.
func (g *GroupMetadata) HasOffsets() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.offsets) > 0 || len(g.pendingOffsetCommits) > 0 || len(g.pendingTxnOffsets) > 0
}

// AddPendingTxnOffsetCommit buffers an offset candidate under its producer
// until the transaction resolves. Candidates are invisible to readers.
func (g *GroupMetadata) AddPendingTxnOffsetCommit(producerID int64, tp TopicPartition, om OffsetAndMetadata) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pending, ok := g.pendingTxnOffsets[producerID]
	if !ok {
		pending = map[TopicPartition]OffsetAndMetadata{}
		g.pendingTxnOffsets[producerID] = pending
	}
	pending[tp] = om
}

// CompletePendingTxnOffsetCommit drains the producer's buffered candidates.
// On commit each candidate is merged under the max-position rule; on abort
// all candidates are discarded without comparison.
func (g *GroupMetadata) CompletePendingTxnOffsetCommit(producerID int64, isCommit bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pending, ok := g.pendingTxnOffsets[producerID]
	delete(g.pendingTxnOffsets, producerID)
	if !ok || !isCommit {
		return
	}
	for tp, om := range pending {
		existing, ok := g.offsets[tp]
		if ok && existing.AppendedOffset > om.AppendedOffset {
			continue
		}
		g.offsets[tp] = om
	}
}

// HasPendingOffsetCommitsFromProducer reports whether the producer has any
// buffered transactional candidate in this group.
func (g *GroupMetadata) HasPendingOffsetCommitsFromProducer(producerID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pendingTxnOffsets[producerID]) > 0
}

// RemoveExpiredOffsets removes and returns committed offsets whose expire
// timestamp has elapsed. Entries with an in-flight commit for the same
// topic-partition are kept.
func (g *GroupMetadata) RemoveExpiredOffsets(now time.Time) map[TopicPartition]OffsetAndMetadata {
	g.mu.Lock()
	defer g.mu.Unlock()
	nowMs := now.UnixNano() / int64(time.Millisecond)
	expired := map[TopicPartition]OffsetAndMetadata{}
	for tp, om := range g.offsets {
		if om.ExpireTimestamp > nowMs {
			continue
		}
		if _, ok := g.pendingOffsetCommits[tp]; ok {
			continue
		}
		expired[tp] = om
		delete(g.offsets, tp)
	}
	return expired
}
