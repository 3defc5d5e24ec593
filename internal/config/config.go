// Package config handles loading and validation of gantry.yaml harness configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gantry-systems/gantry/pkg/types"
	"gopkg.in/yaml.v3"
)

// Defaults applied before validation.
const (
	// DefaultMaxFailuresToRetry caps how many failures a single attempt
	// may have before retry filtering is skipped.
	DefaultMaxFailuresToRetry = 75
	// DefaultRecoveryWait is how long a pool poller waits for a lost
	// device before abandoning the pool.
	DefaultRecoveryWait = "15m"
	// DefaultRedisKeyPrefix namespaces pool keys in Redis.
	DefaultRedisKeyPrefix = "gantry:pool:"
)

// Load reads and parses gantry.yaml from the given directory.
func Load(dir string) (*types.HarnessConfig, error) {
	path := filepath.Join(dir, "gantry.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg types.HarnessConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *types.HarnessConfig) {
	if cfg.Retry.Strategy == "" {
		cfg.Retry.Strategy = types.NoRetry
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.IsolationGrade == "" {
		cfg.Retry.IsolationGrade = types.NotIsolated
	}
	if cfg.Retry.MaxFailuresToRetry == 0 {
		cfg.Retry.MaxFailuresToRetry = DefaultMaxFailuresToRetry
	}
	if cfg.Pool.Backend == "" {
		cfg.Pool.Backend = types.PoolBackendLocal
	}
	if cfg.Pool.RecoveryWait == "" {
		cfg.Pool.RecoveryWait = DefaultRecoveryWait
	}
	if cfg.Pool.Redis != nil && cfg.Pool.Redis.KeyPrefix == "" {
		cfg.Pool.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Telemetry.Metrics == "" {
		cfg.Telemetry.Metrics = "expvar"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "gantry"
	}
}

func validate(cfg *types.HarnessConfig) error {
	if _, err := types.ParseRetryStrategy(string(cfg.Retry.Strategy)); err != nil {
		return err
	}
	if _, err := types.ParseIsolationGrade(string(cfg.Retry.IsolationGrade)); err != nil {
		return err
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxAttempts must be at least 1")
	}
	for _, entry := range cfg.Retry.SkipRetryingList {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("retry.skipRetryingList entries must not be empty")
		}
	}

	if cfg.Sharding.ShardCount != nil && *cfg.Sharding.ShardCount < 1 {
		return fmt.Errorf("sharding.shardCount must be positive")
	}
	if cfg.Sharding.ShardIndex != nil {
		if cfg.Sharding.ShardCount == nil {
			return fmt.Errorf("sharding.shardIndex requires sharding.shardCount")
		}
		if *cfg.Sharding.ShardIndex < 0 || *cfg.Sharding.ShardIndex >= *cfg.Sharding.ShardCount {
			return fmt.Errorf("sharding.shardIndex must be in [0, shardCount)")
		}
	}

	if _, err := types.ParsePoolBackend(string(cfg.Pool.Backend)); err != nil {
		return err
	}
	if cfg.Sharding.RemoteDynamicSharding && cfg.Pool.Backend == types.PoolBackendLocal {
		return fmt.Errorf("remoteDynamicSharding requires a shared pool backend")
	}
	if cfg.Pool.Backend == types.PoolBackendRedis {
		if cfg.Pool.Redis == nil {
			return fmt.Errorf("redis config is required when pool backend is redis")
		}
		if cfg.Pool.Redis.Addr == "" {
			return fmt.Errorf("pool.redis.addr is required")
		}
		if cfg.Pool.Redis.LeaseTTL != "" {
			if _, err := time.ParseDuration(cfg.Pool.Redis.LeaseTTL); err != nil {
				return fmt.Errorf("pool.redis.leaseTtl: %w", err)
			}
		}
	}
	if cfg.Pool.Backend == types.PoolBackendSQS {
		if cfg.Pool.SQS == nil {
			return fmt.Errorf("sqs config is required when pool backend is sqs")
		}
		if cfg.Pool.SQS.QueueURL == "" {
			return fmt.Errorf("pool.sqs.queueUrl is required")
		}
	}
	if _, err := time.ParseDuration(cfg.Pool.RecoveryWait); err != nil {
		return fmt.Errorf("pool.recoveryWait: %w", err)
	}

	switch cfg.Telemetry.Metrics {
	case "expvar", "none":
	case "otel":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlpEndpoint is required when metrics is otel")
		}
	default:
		return fmt.Errorf("unknown telemetry.metrics %q", cfg.Telemetry.Metrics)
	}
	return nil
}
