package core

import "time"

const (
	// Quorum threshold for elections, checkpoints and cross-shard commits.
	QuorumThreshold = 2.0 / 3.0

	MaxShardSize       = 16
	MinShardSize       = 3
	RebalanceThreshold = 0.80

	QueueCapacity  = 1000
	AckTimeout     = 5 * time.Second
	MaxSendRetries = 5
	MaxRetryDelay  = 30 * time.Second

	ElectionPhaseTimeout = 10 * time.Second
	CrossShardExpiry     = 30 * time.Second

	MaxPayloadSize     = 64 * 1024
	MaxTTL             = 8
	RateLimitPerMinute = 60

	// Dedup fingerprints round timestamps into buckets so clock skew within
	// one bucket does not create false "new" entries.
	DedupBucket       = 10 * time.Second
	DedupEntryTTL     = 10 * time.Minute
	MaxDedupEntries   = 10000
	ForwardCooldown   = 2 * time.Second
	MaxForwardSources = 3

	HeartbeatInterval = 5 * time.Second
	HeartbeatTimeout  = 30 * time.Second

	// Timestamps farther than this from local time are anomalous.
	TimestampTolerance = 2 * time.Minute

	// State gaps at or below this are healed from the operation log;
	// larger gaps request a full checkpoint.
	MaxIncrementalGap  = 100
	CheckpointInterval = 50
	MaxHistorySize     = 1000
	SyncTimeout        = 30 * time.Second

	MaxRecoveryAttempts = 3
	RecoveryTimeout     = 5 * time.Minute

	// Length of the hex portion of a derived peer ID.
	PeerIDHexLength = 40
)
