package retry

import (
	"context"

	"github.com/gantry-systems/gantry/internal/suite"
	"github.com/gantry-systems/gantry/pkg/types"
)

// PreparationDecision reports how a failed module preparation should be
// handled before the next attempt.
type PreparationDecision struct {
	// Retry re-runs the preparation on freshly reset devices.
	Retry bool
	// FailRun gives up and reports the preparation failure as the
	// module's result.
	FailRun bool
	// Err is set when the reset meant to enable the retry broke down
	// itself.
	Err error
}

// ShouldRetryPreparation decides whether a module whose setup failed is
// worth another preparation attempt. Only fully isolated invocations
// retry preparation, and never on the final attempt.
func (d *Decider) ShouldRetryPreparation(ctx context.Context, module *suite.Module, attempt, maxAttempt int) PreparationDecision {
	switch {
	case d.cfg.Strategy == types.NoRetry:
		d.log.Info("preparation retry denied, strategy is NO_RETRY")
		return PreparationDecision{FailRun: true}
	case attempt == maxAttempt:
		d.log.Info("preparation retry denied, no attempts left", "attempt", attempt)
		return PreparationDecision{FailRun: true}
	case d.skipInPresubmit():
		d.log.Info("preparation retry denied, presubmit build skips retries")
		return PreparationDecision{FailRun: true}
	case d.cfg.IsolationGrade != types.FullyIsolated:
		d.log.Info("preparation retry denied, needs full isolation",
			"isolation", d.cfg.IsolationGrade)
		return PreparationDecision{FailRun: true}
	}
	if err := d.recoverDevices(ctx, attempt, module); err != nil {
		return PreparationDecision{Err: err}
	}
	d.log.Info("preparation retry granted after device reset")
	return PreparationDecision{Retry: true}
}
