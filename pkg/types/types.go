package types

import "strings"

// TestDescription identifies a single test case by class and name. It is a
// value type: two descriptions naming the same class and test compare equal,
// which makes it usable as a map key for attempt tracking.
type TestDescription struct {
	ClassName string `json:"className"`
	TestName  string `json:"testName"`
}

// NewTestDescription creates a TestDescription.
func NewTestDescription(class, name string) TestDescription {
	return TestDescription{ClassName: class, TestName: name}
}

// String renders the canonical "class#test" filter form.
func (d TestDescription) String() string {
	return d.ClassName + "#" + d.TestName
}

// TestNameWithoutParams strips a parameterization suffix ("test[param]")
// from the test name, leaving the base method name.
func (d TestDescription) TestNameWithoutParams() string {
	if i := strings.Index(d.TestName, "["); i >= 0 {
		return d.TestName[:i]
	}
	return d.TestName
}

// WithoutParams returns the description with the parameterization suffix
// removed from the test name.
func (d TestDescription) WithoutParams() TestDescription {
	return TestDescription{ClassName: d.ClassName, TestName: d.TestNameWithoutParams()}
}

// FailureStatus classifies a failure for policy decisions such as device
// recovery and retry eligibility.
type FailureStatus string

// FailureStatus values enumerate the supported classifications.
const (
	FailureTestFailure FailureStatus = "TEST_FAILURE"
	FailureTimedOut    FailureStatus = "TIMED_OUT"
	FailureCancelled   FailureStatus = "CANCELLED"
	FailureInfra       FailureStatus = "INFRA_FAILURE"
	FailureCrashed     FailureStatus = "SYSTEM_UNDER_TEST_CRASHED"
	FailureNotExecuted FailureStatus = "NOT_EXECUTED"
	// FailureLostDevice marks a run that ended because the device under
	// test dropped off; it triggers device recovery before any retry.
	FailureLostDevice FailureStatus = "LOST_SYSTEM_UNDER_TEST"
)

// Failure describes why a run or a test case failed. Retriable and FullRerun
// default to true; constructors set them so the zero value is not used
// directly.
type Failure struct {
	Message string `json:"message"`
	// Status classifies the failure; empty means TEST_FAILURE.
	Status FailureStatus `json:"status,omitempty"`
	// Retriable is false for failures that must never be re-attempted
	// (fatal infra errors, deliberate aborts).
	Retriable bool `json:"retriable"`
	// FullRerun requests that the whole unit re-run rather than the failed
	// subset when this is a run-level failure.
	FullRerun bool `json:"fullRerun"`
	// Origin carries the component that produced the failure, when known.
	Origin string `json:"origin,omitempty"`
}

// NewFailure creates a retriable, full-rerun failure with the given message.
func NewFailure(message string) *Failure {
	return &Failure{Message: message, Retriable: true, FullRerun: true}
}

// SetStatus classifies the failure and returns it for chaining.
func (f *Failure) SetStatus(status FailureStatus) *Failure {
	f.Status = status
	return f
}

// SetRetriable marks the failure retriable or not and returns it for chaining.
func (f *Failure) SetRetriable(retriable bool) *Failure {
	f.Retriable = retriable
	return f
}

// DeviceLost reports whether the failure was caused by losing the device.
func (f *Failure) DeviceLost() bool {
	return f.Status == FailureLostDevice
}

// SetFullRerun sets the full-rerun request and returns it for chaining.
func (f *Failure) SetFullRerun(full bool) *Failure {
	f.FullRerun = full
	return f
}

// Error implements the error interface so failures can travel as errors.
func (f *Failure) Error() string {
	return f.Message
}

// JoinFailures consolidates several failures into one. A single failure is
// returned verbatim; several are joined message-by-message with a blank line
// between attempts, retriable only if every part is.
func JoinFailures(failures []*Failure) *Failure {
	switch len(failures) {
	case 0:
		return nil
	case 1:
		return failures[0]
	}
	msgs := make([]string, 0, len(failures))
	retriable := true
	for _, f := range failures {
		msgs = append(msgs, f.Message)
		if !f.Retriable {
			retriable = false
		}
	}
	return &Failure{Message: strings.Join(msgs, "\n\n"), Retriable: retriable, FullRerun: true}
}

// LogFile points at a saved log or artifact associated with a run or test.
type LogFile struct {
	Path string `json:"path"`
	URL  string `json:"url,omitempty"`
	Kind string `json:"kind,omitempty"` // e.g. "TEXT", "LOGCAT", "BUGREPORT"
}

// Metrics is the free-form key/value bag attached to run and test endings.
type Metrics map[string]string

// Invocation attribute keys consulted by the retry and sharding policies.
const (
	// AttrTrigger identifies what scheduled the invocation; the value
	// TriggerPresubmit disables retries when skip-retry-in-presubmit is set.
	AttrTrigger = "trigger"
	// AttrInvocationID keys the shared work pool for dynamic sharding.
	AttrInvocationID = "invocation_id"
	// AttrAttemptID distinguishes scheduling attempts of one invocation.
	AttrAttemptID = "attempt_index"
)

// TriggerPresubmit is the AttrTrigger value marking a presubmit build.
const TriggerPresubmit = "WORK_NODE"
