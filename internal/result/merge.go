package result

import (
	"github.com/gantry-systems/gantry/pkg/types"
)

// MergeAttempts consolidates several attempts of one run into a single
// result under the given strategy. A single attempt is returned as-is;
// elapsed time is summed, run metrics are overlaid in attempt order and the
// expected count is the maximum announced by any attempt.
func MergeAttempts(attempts []*RunResult, strategy types.MergeStrategy) *RunResult {
	if len(attempts) == 0 {
		return nil
	}
	if len(attempts) == 1 {
		return attempts[0]
	}

	merged := NewRunResult(attempts[0].name)
	merged.startTime = attempts[0].startTime

	perTest := make(map[types.TestDescription][]*TestResult)
	var order []types.TestDescription
	var runFailures []*types.Failure
	allRunFailed := true
	anyComplete := false
	allComplete := true

	for _, a := range attempts {
		merged.elapsed += a.elapsed
		if a.expectedCount > merged.expectedCount {
			merged.expectedCount = a.expectedCount
		}
		for k, v := range a.metrics {
			merged.metrics[k] = v
		}
		for k, v := range a.runLogs {
			merged.LogSaved(k, v)
		}
		for _, d := range a.order {
			if _, seen := perTest[d]; !seen {
				order = append(order, d)
			}
			perTest[d] = append(perTest[d], a.tests[d])
		}
		if a.IsRunFailure() {
			runFailures = append(runFailures, a.runFailures...)
		} else {
			allRunFailed = false
		}
		if a.complete {
			anyComplete = true
		} else {
			allComplete = false
		}
	}

	merged.order = order
	for _, d := range order {
		merged.tests[d] = mergeTestAttempts(perTest[d], strategy)
	}

	switch strategy {
	case types.AnyFailIsFail:
		merged.complete = allComplete
		merged.runFailures = runFailures
	case types.AnyPassIsPass:
		merged.complete = anyComplete
		// A later clean attempt forgives earlier run failures.
		if allRunFailed {
			merged.runFailures = runFailures
		}
	default:
		merged.complete = anyComplete
		merged.runFailures = runFailures
	}
	return merged
}

func mergeTestAttempts(attempts []*TestResult, strategy types.MergeStrategy) *TestResult {
	if len(attempts) == 1 {
		return attempts[0]
	}

	var failures []*types.Failure
	anyPassed := false
	anyFailed := false
	for _, a := range attempts {
		switch a.Status {
		case types.StatusPassed:
			anyPassed = true
		case types.StatusFailed:
			anyFailed = true
			if a.Failure != nil {
				failures = append(failures, a.Failure)
			}
		case types.StatusAssumptionFailure:
			if a.Failure != nil {
				failures = append(failures, a.Failure)
			}
		}
	}

	last := attempts[len(attempts)-1]
	merged := &TestResult{
		StartTime:  attempts[0].StartTime,
		EndTime:    last.EndTime,
		Metrics:    last.Metrics,
		SkipReason: last.SkipReason,
	}
	for _, a := range attempts {
		for name, file := range a.Logs {
			if merged.Logs == nil {
				merged.Logs = make(map[string]types.LogFile)
			}
			merged.Logs[name] = file
		}
	}

	failedStatus := types.StatusAssumptionFailure
	if anyFailed {
		failedStatus = types.StatusFailed
	}

	switch strategy {
	case types.AnyFailIsFail:
		if len(failures) > 0 {
			merged.Status = failedStatus
			merged.Failure = types.JoinFailures(failures)
		} else {
			merged.Status = last.Status
		}
	default:
		if anyPassed {
			merged.Status = types.StatusPassed
		} else if len(failures) > 0 {
			merged.Status = failedStatus
			merged.Failure = types.JoinFailures(failures)
		} else {
			merged.Status = last.Status
		}
	}
	return merged
}
