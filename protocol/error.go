package protocol

import "fmt"

// Error represents a protocol error code surfaced to clients, paired with an
// optional underlying cause for logging.
type Error struct {
	code int16
	msg  string
	err  error
}

var (
	ErrUnknown                      = Error{code: -1, msg: "unknown"}
	ErrNone                         = Error{code: 0, msg: "none"}
	ErrCorruptMessage               = Error{code: 2, msg: "corrupt message"}
	ErrUnknownTopicOrPartition      = Error{code: 3, msg: "unknown topic or partition"}
	ErrInvalidFetchSize             = Error{code: 4, msg: "invalid fetch size"}
	ErrNotLeaderForPartition        = Error{code: 6, msg: "not leader for partition"}
	ErrMessageTooLarge              = Error{code: 10, msg: "message too large"}
	ErrOffsetMetadataTooLarge       = Error{code: 12, msg: "offset metadata too large"}
	ErrCoordinatorLoadInProgress    = Error{code: 14, msg: "coordinator load in progress"}
	ErrCoordinatorNotAvailable      = Error{code: 15, msg: "coordinator not available"}
	ErrNotCoordinator               = Error{code: 16, msg: "not coordinator"}
	ErrRecordListTooLarge           = Error{code: 18, msg: "record list too large"}
	ErrNotEnoughReplicas            = Error{code: 19, msg: "not enough replicas"}
	ErrNotEnoughReplicasAfterAppend = Error{code: 20, msg: "not enough replicas after append"}
	ErrIllegalGeneration            = Error{code: 22, msg: "illegal generation"}
	ErrInvalidGroupID               = Error{code: 24, msg: "invalid group id"}
	ErrUnknownMemberID              = Error{code: 25, msg: "unknown member id"}
	ErrRebalanceInProgress          = Error{code: 27, msg: "rebalance in progress"}
	ErrInvalidCommitOffsetSize      = Error{code: 28, msg: "invalid commit offset size"}
	ErrGroupIDNotFound              = Error{code: 69, msg: "group id not found"}
)

// Code returns the error's protocol code.
func (e Error) Code() int16 {
	return e.code
}

// WithErr attaches an underlying cause, keeping the same code.
func (e Error) WithErr(err error) Error {
	return Error{code: e.code, msg: e.msg, err: err}
}

func (e Error) String() string {
	return e.msg
}

func (e Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}
