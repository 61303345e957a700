package coordinator

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Key schema versions. The version prefix on a key decides its shape: offset
// commit keys and group metadata keys share the same log partition.
const (
	offsetCommitKeyVersion  int16 = 1
	groupMetadataKeyVersion int16 = 2

	offsetCommitValueVersion  int16 = 1
	groupMetadataValueVersion int16 = 1
)

// OffsetCommitKey keys a committed offset for one group/topic/partition.
type OffsetCommitKey struct {
	Group     string
	Topic     string
	Partition int32
}

// Encode encodes the offset commit key.
func (k *OffsetCommitKey) Encode() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, offsetCommitKeyVersion)
	writeString(buf, k.Group)
	writeString(buf, k.Topic)
	binary.Write(buf, binary.BigEndian, k.Partition)
	return buf.Bytes()
}

// GroupMetadataKey keys a group's persisted snapshot.
type GroupMetadataKey struct {
	Group string
}

// Encode encodes the group metadata key.
func (k *GroupMetadataKey) Encode() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, groupMetadataKeyVersion)
	writeString(buf, k.Group)
	return buf.Bytes()
}

// DecodeKey decodes a state log key into either *OffsetCommitKey or
// *GroupMetadataKey, dispatching on the version prefix.
func DecodeKey(data []byte) (interface{}, error) {
	buf := bytes.NewReader(data)
	var version int16
	if err := binary.Read(buf, binary.BigEndian, &version); err != nil {
		return nil, errors.Wrap(err, "key version")
	}
	switch version {
	case 0, offsetCommitKeyVersion:
		key := &OffsetCommitKey{}
		var err error
		if key.Group, err = readString(buf); err != nil {
			return nil, errors.Wrap(err, "offset commit key group")
		}
		if key.Topic, err = readString(buf); err != nil {
			return nil, errors.Wrap(err, "offset commit key topic")
		}
		if err = binary.Read(buf, binary.BigEndian, &key.Partition); err != nil {
			return nil, errors.Wrap(err, "offset commit key partition")
		}
		return key, nil
	case groupMetadataKeyVersion:
		key := &GroupMetadataKey{}
		var err error
		if key.Group, err = readString(buf); err != nil {
			return nil, errors.Wrap(err, "group metadata key group")
		}
		return key, nil
	default:
		return nil, errors.Errorf("unknown key version: %d", version)
	}
}

// OffsetCommitValue is the value of an offset commit record.
type OffsetCommitValue struct {
	Offset          int64
	Metadata        *string
	CommitTimestamp int64
	ExpireTimestamp int64
}

// Encode encodes the offset commit value.
func (v *OffsetCommitValue) Encode() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, offsetCommitValueVersion)
	binary.Write(buf, binary.BigEndian, v.Offset)
	writeNullableString(buf, v.Metadata)
	binary.Write(buf, binary.BigEndian, v.CommitTimestamp)
	binary.Write(buf, binary.BigEndian, v.ExpireTimestamp)
	return buf.Bytes()
}

// DecodeOffsetCommitValue decodes an offset commit value.
func DecodeOffsetCommitValue(data []byte) (*OffsetCommitValue, error) {
	buf := bytes.NewReader(data)
	var version int16
	if err := binary.Read(buf, binary.BigEndian, &version); err != nil {
		return nil, errors.Wrap(err, "offset commit value version")
	}
	if version != offsetCommitValueVersion {
		return nil, errors.Errorf("unknown offset commit value version: %d", version)
	}
	value := &OffsetCommitValue{}
	if err := binary.Read(buf, binary.BigEndian, &value.Offset); err != nil {
		return nil, errors.Wrap(err, "offset commit value offset")
	}
	var err error
	if value.Metadata, err = readNullableString(buf); err != nil {
		return nil, errors.Wrap(err, "offset commit value metadata")
	}
	if err := binary.Read(buf, binary.BigEndian, &value.CommitTimestamp); err != nil {
		return nil, errors.Wrap(err, "offset commit value commit timestamp")
	}
	if err := binary.Read(buf, binary.BigEndian, &value.ExpireTimestamp); err != nil {
		return nil, errors.Wrap(err, "offset commit value expire timestamp")
	}
	return value, nil
}

// MemberMetadataValue is one member inside a persisted group snapshot.
type MemberMetadataValue struct {
	MemberID         string
	ClientID         string
	ClientHost       string
	SessionTimeout   int32
	RebalanceTimeout int32
	Subscription     []byte
	Assignment       []byte
}

// GroupMetadataValue is a total replacement of a group's persisted shape.
type GroupMetadataValue struct {
	ProtocolType string
	Generation   int32
	Protocol     *string
	Leader       *string
	State        string
	Members      []MemberMetadataValue
}

// Encode encodes the group metadata value.
func (v *GroupMetadataValue) Encode() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, groupMetadataValueVersion)
	writeString(buf, v.ProtocolType)
	binary.Write(buf, binary.BigEndian, v.Generation)
	writeNullableString(buf, v.Protocol)
	writeNullableString(buf, v.Leader)
	writeString(buf, v.State)
	binary.Write(buf, binary.BigEndian, int32(len(v.Members)))
	for _, m := range v.Members {
		writeString(buf, m.MemberID)
		writeString(buf, m.ClientID)
		writeString(buf, m.ClientHost)
		binary.Write(buf, binary.BigEndian, m.SessionTimeout)
		binary.Write(buf, binary.BigEndian, m.RebalanceTimeout)
		writeBytes(buf, m.Subscription)
		writeBytes(buf, m.Assignment)
	}
	return buf.Bytes()
}

// DecodeGroupMetadataValue decodes a group snapshot value.
func DecodeGroupMetadataValue(data []byte) (*GroupMetadataValue, error) {
	buf := bytes.NewReader(data)
	var version int16
	if err := binary.Read(buf, binary.BigEndian, &version); err != nil {
		return nil, errors.Wrap(err, "group metadata value version")
	}
	if version != groupMetadataValueVersion {
		return nil, errors.Errorf("unknown group metadata value version: %d", version)
	}
	value := &GroupMetadataValue{}
	var err error
	if value.ProtocolType, err = readString(buf); err != nil {
		return nil, errors.Wrap(err, "group metadata value protocol type")
	}
	if err = binary.Read(buf, binary.BigEndian, &value.Generation); err != nil {
		return nil, errors.Wrap(err, "group metadata value generation")
	}
	if value.Protocol, err = readNullableString(buf); err != nil {
		return nil, errors.Wrap(err, "group metadata value protocol")
	}
	if value.Leader, err = readNullableString(buf); err != nil {
		return nil, errors.Wrap(err, "group metadata value leader")
	}
	if value.State, err = readString(buf); err != nil {
		return nil, errors.Wrap(err, "group metadata value state")
	}
	var numMembers int32
	if err = binary.Read(buf, binary.BigEndian, &numMembers); err != nil {
		return nil, errors.Wrap(err, "group metadata value member count")
	}
	if numMembers < 0 || int(numMembers) > buf.Len() {
		return nil, errors.Errorf("invalid group metadata member count: %d", numMembers)
	}
	value.Members = make([]MemberMetadataValue, numMembers)
	for i := range value.Members {
		m := &value.Members[i]
		if m.MemberID, err = readString(buf); err != nil {
			return nil, errors.Wrap(err, "member id")
		}
		if m.ClientID, err = readString(buf); err != nil {
			return nil, errors.Wrap(err, "member client id")
		}
		if m.ClientHost, err = readString(buf); err != nil {
			return nil, errors.Wrap(err, "member client host")
		}
		if err = binary.Read(buf, binary.BigEndian, &m.SessionTimeout); err != nil {
			return nil, errors.Wrap(err, "member session timeout")
		}
		if err = binary.Read(buf, binary.BigEndian, &m.RebalanceTimeout); err != nil {
			return nil, errors.Wrap(err, "member rebalance timeout")
		}
		if m.Subscription, err = readBytes(buf); err != nil {
			return nil, errors.Wrap(err, "member subscription")
		}
		if m.Assignment, err = readBytes(buf); err != nil {
			return nil, errors.Wrap(err, "member assignment")
		}
	}
	return value, nil
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, int16(len(s)))
	buf.WriteString(s)
}

func writeNullableString(buf *bytes.Buffer, s *string) {
	if s == nil {
		binary.Write(buf, binary.BigEndian, int16(-1))
		return
	}
	writeString(buf, *s)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	if b == nil {
		binary.Write(buf, binary.BigEndian, int32(-1))
		return
	}
	binary.Write(buf, binary.BigEndian, int32(len(b)))
	buf.Write(b)
}

func readString(buf *bytes.Reader) (string, error) {
	var n int16
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n < 0 || int(n) > buf.Len() {
		return "", errors.Errorf("invalid string length: %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readNullableString(buf *bytes.Reader) (*string, error) {
	var n int16
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	if int(n) > buf.Len() {
		return nil, errors.Errorf("invalid string length: %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func readBytes(buf *bytes.Reader) ([]byte, error) {
	var n int32
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	if int(n) > buf.Len() {
		return nil, errors.Errorf("invalid bytes length: %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return nil, err
	}
	return b, nil
}
