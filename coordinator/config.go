package coordinator

import "time"

// Config holds the manager's tunables.
type Config struct {
	// NodeID identifies this coordinator node in logs.
	NodeID int32
	// OffsetsTopicName is the internal state log topic.
	OffsetsTopicName string
	// OffsetsTopicNumPartitions is the partition count groups hash over.
	OffsetsTopicNumPartitions int32
	// OffsetsRetention is applied when a commit carries no expire timestamp.
	OffsetsRetention time.Duration
	// OffsetsRetentionCheckInterval drives the expiration sweeper.
	OffsetsRetentionCheckInterval time.Duration
	// LoadBufferSize caps the bytes requested per read during a partition load.
	LoadBufferSize int32
	// MaxMetadataSize caps the metadata string accepted on an offset commit.
	MaxMetadataSize int
}

// DefaultConfig returns the defaults used by tests and embedders.
func DefaultConfig() *Config {
	return &Config{
		OffsetsTopicName:              "__consumer_offsets",
		OffsetsTopicNumPartitions:     50,
		OffsetsRetention:              7 * 24 * time.Hour,
		OffsetsRetentionCheckInterval: 10 * time.Minute,
		LoadBufferSize:                5 * 1024 * 1024,
		MaxMetadataSize:               4096,
	}
}
