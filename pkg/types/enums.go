// Package types defines the public domain types for the Gantry test-distribution harness.
package types

import "fmt"

// TestStatus represents the outcome of a single test case within one attempt.
type TestStatus string

// TestStatus values enumerate the possible test case outcomes.
const (
	StatusPassed            TestStatus = "PASSED"
	StatusFailed            TestStatus = "FAILED"
	StatusAssumptionFailure TestStatus = "ASSUMPTION_FAILURE"
	StatusIgnored           TestStatus = "IGNORED"
	StatusIncomplete        TestStatus = "INCOMPLETE"
	StatusSkipped           TestStatus = "SKIPPED"
)

// RetryStrategy governs whether and how a run is re-attempted after a result
// comes back. Exactly one strategy is active for a given invocation; it also
// determines the merge rule applied when attempts are consolidated.
type RetryStrategy string

// RetryStrategy values enumerate the supported retry policies.
const (
	// NoRetry never re-attempts, regardless of results.
	NoRetry RetryStrategy = "NO_RETRY"
	// Iterations re-runs the whole unit a fixed number of times.
	Iterations RetryStrategy = "ITERATIONS"
	// RerunUntilFailure re-runs until the first failure appears.
	RerunUntilFailure RetryStrategy = "RERUN_UNTIL_FAILURE"
	// RetryAnyFailure re-attempts only the failed subset of a run.
	RetryAnyFailure RetryStrategy = "RETRY_ANY_FAILURE"
)

// ParseRetryStrategy converts a configuration string into a RetryStrategy.
func ParseRetryStrategy(s string) (RetryStrategy, error) {
	switch RetryStrategy(s) {
	case NoRetry, Iterations, RerunUntilFailure, RetryAnyFailure:
		return RetryStrategy(s), nil
	}
	return "", fmt.Errorf("unknown retry strategy %q", s)
}

// IsolationGrade selects the device-recovery action taken before a retried
// attempt, ordered by strength.
type IsolationGrade string

// IsolationGrade values enumerate the supported recovery strengths.
const (
	NotIsolated    IsolationGrade = "NOT_ISOLATED"
	RebootIsolated IsolationGrade = "REBOOT_ISOLATED"
	FullyIsolated  IsolationGrade = "FULLY_ISOLATED"
)

// ParseIsolationGrade converts a configuration string into an IsolationGrade.
func ParseIsolationGrade(s string) (IsolationGrade, error) {
	switch IsolationGrade(s) {
	case NotIsolated, RebootIsolated, FullyIsolated:
		return IsolationGrade(s), nil
	}
	return "", fmt.Errorf("unknown isolation grade %q", s)
}

// MergeStrategy is the rule for collapsing multiple attempts of the same run
// name into one result. It is always derived from the active RetryStrategy.
type MergeStrategy string

// MergeStrategy values enumerate the supported merge rules.
const (
	// NoMerge keeps attempts separate; used when a single attempt exists.
	NoMerge MergeStrategy = "NO_MERGE"
	// OneTestCasePassIsPass marks a test passed if any attempt passed it,
	// but keeps run-level failures.
	OneTestCasePassIsPass MergeStrategy = "ONE_TESTCASE_PASS_IS_PASS"
	// AnyPassIsPass forgives earlier failures once a later attempt passes.
	AnyPassIsPass MergeStrategy = "ANY_PASS_IS_PASS"
	// AnyFailIsFail keeps a failure if any attempt failed.
	AnyFailIsFail MergeStrategy = "ANY_FAIL_IS_FAIL"
)

// MergeStrategyFor maps a RetryStrategy to the merge rule the aggregator
// applies to its attempts.
func MergeStrategyFor(rs RetryStrategy) MergeStrategy {
	switch rs {
	case Iterations, RerunUntilFailure:
		return AnyFailIsFail
	case RetryAnyFailure:
		return AnyPassIsPass
	default:
		return OneTestCasePassIsPass
	}
}

// PoolBackend selects the shared work-pool implementation for dynamic
// sharding.
type PoolBackend string

// PoolBackend values enumerate the supported pool backends.
const (
	// PoolBackendLocal keeps the pool in process memory.
	PoolBackendLocal PoolBackend = "local"
	// PoolBackendRedis shares the pool through a Redis list.
	PoolBackendRedis PoolBackend = "redis"
	// PoolBackendSQS shares the pool through an SQS queue.
	PoolBackendSQS PoolBackend = "sqs"
)

// ParsePoolBackend converts a configuration string into a PoolBackend.
// The empty string maps to PoolBackendLocal.
func ParsePoolBackend(s string) (PoolBackend, error) {
	switch PoolBackend(s) {
	case "":
		return PoolBackendLocal, nil
	case PoolBackendLocal, PoolBackendRedis, PoolBackendSQS:
		return PoolBackend(s), nil
	}
	return "", fmt.Errorf("unknown pool backend %q", s)
}
