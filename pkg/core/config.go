package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// SecurityLevel controls which frame kinds require signatures.
type SecurityLevel string

const (
	SecurityPermissive SecurityLevel = "permissive"
	SecurityModerate   SecurityLevel = "moderate"
	SecurityStrict     SecurityLevel = "strict"
)

// RecoveryMode selects the partition recovery strategy for a deployment.
type RecoveryMode string

const (
	RecoveryWaitForHeal     RecoveryMode = "wait_for_heal"
	RecoveryActiveReconnect RecoveryMode = "active_reconnect"
	RecoveryMajorityRule    RecoveryMode = "majority_rule"
	RecoverySplitBrain      RecoveryMode = "split_brain"
	RecoveryRollback        RecoveryMode = "rollback"
)

// Config is the externally supplied tuning surface of the core.
type Config struct {
	MaxShardSize       int
	MinShardSize       int
	RebalanceThreshold float64

	QueueCapacity  int
	AckTimeout     time.Duration
	MaxSendRetries int

	ElectionPhaseTimeout time.Duration
	CrossShardExpiry     time.Duration

	SecurityLevel      SecurityLevel
	RateLimitPerMinute int
	MaxPayloadSize     int
	MaxTTL             int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RecoveryMode RecoveryMode

	DataDir    string
	ListenPort int
}

func DefaultConfig() *Config {
	return &Config{
		MaxShardSize:         MaxShardSize,
		MinShardSize:         MinShardSize,
		RebalanceThreshold:   RebalanceThreshold,
		QueueCapacity:        QueueCapacity,
		AckTimeout:           AckTimeout,
		MaxSendRetries:       MaxSendRetries,
		ElectionPhaseTimeout: ElectionPhaseTimeout,
		CrossShardExpiry:     CrossShardExpiry,
		SecurityLevel:        SecurityModerate,
		RateLimitPerMinute:   RateLimitPerMinute,
		MaxPayloadSize:       MaxPayloadSize,
		MaxTTL:               MaxTTL,
		HeartbeatInterval:    HeartbeatInterval,
		HeartbeatTimeout:     HeartbeatTimeout,
		RecoveryMode:         RecoveryMajorityRule,
		DataDir:              "./data",
		ListenPort:           9155,
	}
}

// LoadConfigFromEnv applies DICEMESH_* environment overrides on top of the
// defaults.
func LoadConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("DICEMESH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DICEMESH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DICEMESH_PORT: %w", err)
		}
		cfg.ListenPort = port
	}
	if v := os.Getenv("DICEMESH_MAX_SHARD_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DICEMESH_MAX_SHARD_SIZE: %w", err)
		}
		cfg.MaxShardSize = size
	}
	if v := os.Getenv("DICEMESH_QUEUE_CAPACITY"); v != "" {
		capacity, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DICEMESH_QUEUE_CAPACITY: %w", err)
		}
		cfg.QueueCapacity = capacity
	}
	if v := os.Getenv("DICEMESH_SECURITY_LEVEL"); v != "" {
		switch SecurityLevel(v) {
		case SecurityPermissive, SecurityModerate, SecurityStrict:
			cfg.SecurityLevel = SecurityLevel(v)
		default:
			return nil, fmt.Errorf("invalid DICEMESH_SECURITY_LEVEL: %s", v)
		}
	}
	if v := os.Getenv("DICEMESH_RECOVERY_MODE"); v != "" {
		switch RecoveryMode(v) {
		case RecoveryWaitForHeal, RecoveryActiveReconnect, RecoveryMajorityRule,
			RecoverySplitBrain, RecoveryRollback:
			cfg.RecoveryMode = RecoveryMode(v)
		default:
			return nil, fmt.Errorf("invalid DICEMESH_RECOVERY_MODE: %s", v)
		}
	}

	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.MinShardSize < 1 || c.MaxShardSize < c.MinShardSize {
		return fmt.Errorf("invalid shard size bounds: min=%d max=%d", c.MinShardSize, c.MaxShardSize)
	}
	if c.RebalanceThreshold <= 0 || c.RebalanceThreshold > 1 {
		return fmt.Errorf("rebalance threshold must be in (0,1]: %f", c.RebalanceThreshold)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be positive: %d", c.QueueCapacity)
	}
	if c.MaxTTL < 1 {
		return fmt.Errorf("max TTL must be positive: %d", c.MaxTTL)
	}
	return nil
}

// QuorumSize returns the smallest count that is at least two-thirds of
// total. Signature-weight checks that must strictly exceed two-thirds use
// WeightExceedsQuorum instead.
func QuorumSize(total int) int {
	if total <= 0 {
		return 1
	}
	return (total*2 + 2) / 3
}

// WeightExceedsQuorum reports whether count strictly exceeds two-thirds of
// total.
func WeightExceedsQuorum(count, total int) bool {
	if total <= 0 {
		return false
	}
	return float64(count) > float64(total)*QuorumThreshold
}
