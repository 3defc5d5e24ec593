package types

// ShardingConfig controls how the invocation's modules are partitioned
// across shards.
type ShardingConfig struct {
	// ShardCount is the total number of shards. Nil means no sharding.
	ShardCount *int `yaml:"shardCount,omitempty" json:"shardCount,omitempty"`
	// ShardIndex selects which shard this invocation executes. Nil with a
	// ShardCount set means local sharding: one invocation runs all shards.
	ShardIndex *int `yaml:"shardIndex,omitempty" json:"shardIndex,omitempty"`
	// EvenModuleSharding balances shards by test-case counts instead of
	// module counts.
	EvenModuleSharding bool `yaml:"evenModuleSharding,omitempty" json:"evenModuleSharding,omitempty"`
	// OptimizeMainline reorders mainline modules so runs installing the
	// same parameterized artifacts are adjacent.
	OptimizeMainline bool `yaml:"optimizeMainline,omitempty" json:"optimizeMainline,omitempty"`
	// RemoteDynamicSharding pulls modules from a shared pool instead of
	// fixing the partition up front.
	RemoteDynamicSharding bool `yaml:"remoteDynamicSharding,omitempty" json:"remoteDynamicSharding,omitempty"`
	// IntraModuleSharding allows splitting one module across shards.
	// Nil defaults to true.
	IntraModuleSharding *bool `yaml:"intraModuleSharding,omitempty" json:"intraModuleSharding,omitempty"`
}

// IntraModuleShardingEnabled resolves the nil-defaults-true flag.
func (c ShardingConfig) IntraModuleShardingEnabled() bool {
	return c.IntraModuleSharding == nil || *c.IntraModuleSharding
}

// RetryConfig controls the automatic retry policy for an invocation.
type RetryConfig struct {
	// Strategy selects how failures trigger re-attempts.
	Strategy RetryStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	// MaxAttempts is how many times a test case may run in total,
	// including the first attempt. Defaults to 1.
	MaxAttempts int `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty"`
	// IsolationGrade is the device isolation applied between attempts.
	IsolationGrade IsolationGrade `yaml:"isolationGrade,omitempty" json:"isolationGrade,omitempty"`
	// RebootAtLastRetry reboots devices before the final attempt even when
	// no isolation is requested.
	RebootAtLastRetry bool `yaml:"rebootAtLastRetry,omitempty" json:"rebootAtLastRetry,omitempty"`
	// AutoRetry lets units that manage their own retries take over the
	// decision. Nil defaults to true.
	AutoRetry *bool `yaml:"autoRetry,omitempty" json:"autoRetry,omitempty"`
	// SkipRetryInPresubmit disables all retries for presubmit invocations.
	SkipRetryInPresubmit bool `yaml:"skipRetryInPresubmit,omitempty" json:"skipRetryInPresubmit,omitempty"`
	// SkipRetryingList names modules and tests that are never retried.
	// Entries are "module", "module class#test" or "class#test".
	SkipRetryingList []string `yaml:"skipRetryingList,omitempty" json:"skipRetryingList,omitempty"`
	// MaxFailuresToRetry skips retry filtering when one attempt has more
	// failures than this. Defaults to 75.
	MaxFailuresToRetry int `yaml:"maxFailuresToRetry,omitempty" json:"maxFailuresToRetry,omitempty"`
	// UpdatedFiltering applies passed-test and non-retriable exclusion
	// filters when re-running. Nil defaults to true; false re-runs the
	// whole unit.
	UpdatedFiltering *bool `yaml:"updatedFiltering,omitempty" json:"updatedFiltering,omitempty"`
	// FileFilters writes exclusion filters to files instead of passing
	// them one by one when the unit supports it. Nil defaults to true.
	FileFilters *bool `yaml:"fileFilters,omitempty" json:"fileFilters,omitempty"`
}

// AutoRetryEnabled resolves the nil-defaults-true flag.
func (c RetryConfig) AutoRetryEnabled() bool {
	return c.AutoRetry == nil || *c.AutoRetry
}

// UpdatedFilteringEnabled resolves the nil-defaults-true flag.
func (c RetryConfig) UpdatedFilteringEnabled() bool {
	return c.UpdatedFiltering == nil || *c.UpdatedFiltering
}

// FileFiltersEnabled resolves the nil-defaults-true flag.
func (c RetryConfig) FileFiltersEnabled() bool {
	return c.FileFilters == nil || *c.FileFilters
}

// PoolConfig configures the shared work pool used by dynamic sharding.
type PoolConfig struct {
	Backend PoolBackend `yaml:"backend,omitempty" json:"backend,omitempty"`
	// RecoveryWait is how long a poller waits for its device to come back
	// before abandoning the pool, e.g. "15m".
	RecoveryWait string           `yaml:"recoveryWait,omitempty" json:"recoveryWait,omitempty"`
	Redis        *RedisPoolConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
	SQS          *SQSPoolConfig   `yaml:"sqs,omitempty" json:"sqs,omitempty"`
}

// RedisPoolConfig holds Redis connection settings for the shared pool.
type RedisPoolConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
	// KeyPrefix namespaces pool keys. Defaults to "gantry:pool:".
	KeyPrefix string `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`
	// LeaseTTL bounds how long a claimed module may stay unacknowledged,
	// e.g. "30m".
	LeaseTTL string `yaml:"leaseTtl,omitempty" json:"leaseTtl,omitempty"`
}

// SQSPoolConfig holds SQS settings for the shared pool.
type SQSPoolConfig struct {
	QueueURL string `yaml:"queueUrl" json:"queueUrl"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	// WaitSeconds is the long-poll duration for receives.
	WaitSeconds int `yaml:"waitSeconds,omitempty" json:"waitSeconds,omitempty"`
}

// TelemetryConfig configures metrics and trace export.
type TelemetryConfig struct {
	// Metrics selects the sink: "expvar" (default), "otel" or "none".
	Metrics string `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	// OTLPEndpoint is the collector address for the otel sink.
	OTLPEndpoint string `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	// ServiceName overrides the reported service name.
	ServiceName string `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`
}

// HarnessConfig represents the top-level gantry.yaml configuration.
type HarnessConfig struct {
	Sharding  ShardingConfig  `yaml:"sharding,omitempty" json:"sharding,omitempty"`
	Retry     RetryConfig     `yaml:"retry,omitempty" json:"retry,omitempty"`
	Pool      PoolConfig      `yaml:"pool,omitempty" json:"pool,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
	// PlanDirs are directories scanned for test plan definitions.
	PlanDirs []string `yaml:"planDirs,omitempty" json:"planDirs,omitempty"`
}
