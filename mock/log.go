package mock

import (
	"sync"

	"github.com/calderamq/caldera/coordinator"
	"github.com/calderamq/caldera/protocol"
)

// Log is an in-memory state log for testing the coordinator. Appends assign
// offsets sequentially per partition and complete on their own goroutine,
// like a real log's I/O path. Outcomes can be scripted per call with
// FailAppends.
type Log struct {
	mu sync.Mutex

	batches      map[int32][]*coordinator.RecordBatch
	startOffsets map[int32]int64
	endOffsets   map[int32]int64

	notLeader map[int32]bool

	formatVersion int16
	formatKnown   bool

	appendOutcomes []protocol.Error
	readErr        error
	readChunk      int
	readGate       chan struct{}

	appendCalls int
}

// NewLog returns a log that leads every partition and accepts every append.
func NewLog() *Log {
	return &Log{
		batches:       map[int32][]*coordinator.RecordBatch{},
		startOffsets:  map[int32]int64{},
		endOffsets:    map[int32]int64{},
		notLeader:     map[int32]bool{},
		formatVersion: 2,
		formatKnown:   true,
	}
}

// FailAppends queues outcomes for upcoming Append calls, consumed in order.
// Once the queue drains, appends succeed again.
func (l *Log) FailAppends(errs ...protocol.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendOutcomes = append(l.appendOutcomes, errs...)
}

// FailReads makes every Read return err until cleared with nil.
func (l *Log) FailReads(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readErr = err
}

// SetReadChunk caps how many batches one Read call returns, forcing callers
// to paginate. Zero means no cap.
func (l *Log) SetReadChunk(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readChunk = n
}

// GateReads makes every Read wait for a receive on gate first, so a test
// can hold a partition load in flight. Pass nil to clear.
func (l *Log) GateReads(gate chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readGate = gate
}

// SetLeader flips leadership for a partition.
func (l *Log) SetLeader(partition int32, leader bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notLeader[partition] = !leader
}

// SetFormatVersion scripts what RecordFormatVersion reports.
func (l *Log) SetFormatVersion(version int16, known bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.formatVersion = version
	l.formatKnown = known
}

// MustAppend seeds a batch synchronously, assigning offsets, and returns its
// base offset. Meant for building a log to replay in tests.
func (l *Log) MustAppend(partition int32, batch *coordinator.RecordBatch) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(partition, batch)
}

func (l *Log) appendLocked(partition int32, batch *coordinator.RecordBatch) int64 {
	base := l.endOffsets[partition]
	batch.BaseOffset = base
	for i := range batch.Records {
		batch.Records[i].Offset = base + int64(i)
	}
	l.endOffsets[partition] = base + int64(len(batch.Records))
	l.batches[partition] = append(l.batches[partition], batch)
	return base
}

// Append implements coordinator.Log.
func (l *Log) Append(partition int32, batch *coordinator.RecordBatch, onComplete func(coordinator.AppendResult)) {
	l.mu.Lock()
	l.appendCalls++
	outcome := protocol.ErrNone
	if len(l.appendOutcomes) > 0 {
		outcome = l.appendOutcomes[0]
		l.appendOutcomes = l.appendOutcomes[1:]
	}
	var base int64
	if outcome.Code() == protocol.ErrNone.Code() {
		base = l.appendLocked(partition, batch)
	}
	l.mu.Unlock()

	go onComplete(coordinator.AppendResult{Err: outcome, BaseOffset: base})
}

// Appends returns how many Append calls the log has seen.
func (l *Log) Appends() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendCalls
}

// Read implements coordinator.Log.
func (l *Log) Read(partition int32, startOffset int64, maxBytes int32) ([]*coordinator.RecordBatch, error) {
	l.mu.Lock()
	gate := l.readGate
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return nil, l.readErr
	}
	var out []*coordinator.RecordBatch
	for _, b := range l.batches[partition] {
		if b.LastOffset() < startOffset {
			continue
		}
		out = append(out, b)
		if l.readChunk > 0 && len(out) == l.readChunk {
			break
		}
	}
	return out, nil
}

// LogStartOffset implements coordinator.Log.
func (l *Log) LogStartOffset(partition int32) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startOffsets[partition], nil
}

// LogEndOffset implements coordinator.Log.
func (l *Log) LogEndOffset(partition int32) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.endOffsets[partition], nil
}

// IsLeader implements coordinator.Log.
func (l *Log) IsLeader(partition int32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.notLeader[partition]
}

// RecordFormatVersion implements coordinator.Log.
func (l *Log) RecordFormatVersion() (int16, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.formatVersion, l.formatKnown
}
