package coordinator

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/calderamq/caldera/protocol"
)

// TopicPartition identifies one partition of one topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// Record is a single record read from or written to the state log. A nil
// Value marks a tombstone for the record's key.
type Record struct {
	Offset int64
	Key    []byte
	Value  []byte
}

// RecordBatch is a contiguous run of records sharing one producer. Control
// batches carry exactly one control record resolving the producer's open
// transaction on this partition.
type RecordBatch struct {
	BaseOffset    int64
	ProducerID    int64
	ProducerEpoch int16
	Transactional bool
	Control       bool
	Records       []Record
}

// LastOffset returns the offset of the last record in the batch, or the base
// offset for an empty batch.
func (b *RecordBatch) LastOffset() int64 {
	if len(b.Records) == 0 {
		return b.BaseOffset
	}
	return b.Records[len(b.Records)-1].Offset
}

// ControlRecordType is the two-variant marker carried by a control batch.
type ControlRecordType int16

const (
	ControlAbort  ControlRecordType = 0
	ControlCommit ControlRecordType = 1
)

func (t ControlRecordType) String() string {
	switch t {
	case ControlAbort:
		return "abort"
	case ControlCommit:
		return "commit"
	default:
		return "unknown"
	}
}

const controlRecordKeyVersion = 0

// EncodeControlRecordKey encodes a transaction marker key.
func EncodeControlRecordKey(t ControlRecordType) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, int16(controlRecordKeyVersion))
	binary.Write(buf, binary.BigEndian, int16(t))
	return buf.Bytes()
}

// DecodeControlRecordKey decodes a transaction marker key.
func DecodeControlRecordKey(data []byte) (ControlRecordType, error) {
	buf := bytes.NewReader(data)
	var version int16
	if err := binary.Read(buf, binary.BigEndian, &version); err != nil {
		return 0, errors.Wrap(err, "control record key version")
	}
	var typ int16
	if err := binary.Read(buf, binary.BigEndian, &typ); err != nil {
		return 0, errors.Wrap(err, "control record key type")
	}
	t := ControlRecordType(typ)
	if t != ControlAbort && t != ControlCommit {
		return 0, errors.Errorf("unknown control record type: %d", typ)
	}
	return t, nil
}

// AppendResult is the per-partition outcome of a log append.
type AppendResult struct {
	Err        protocol.Error
	BaseOffset int64
}

// Log is the state log consumed by the manager. Appends complete
// asynchronously; onComplete runs on the log's completion goroutine, exactly
// once per call.
type Log interface {
	Append(partition int32, batch *RecordBatch, onComplete func(AppendResult))
	Read(partition int32, startOffset int64, maxBytes int32) ([]*RecordBatch, error)
	LogStartOffset(partition int32) (int64, error)
	LogEndOffset(partition int32) (int64, error)
	IsLeader(partition int32) bool
	RecordFormatVersion() (int16, bool)
}
