package retry

import (
	"time"

	"github.com/gantry-systems/gantry/internal/result"
	"github.com/gantry-systems/gantry/pkg/types"
)

// Statistics summarizes retry outcomes for one unit.
type Statistics struct {
	// RetriedSuccess counts failing cases that a later attempt fixed.
	RetriedSuccess int64
	// RetriedFailure counts failing cases that kept failing after a
	// retry.
	RetriedFailure int64
	// RetryTime is the overhead spent deciding retries and isolating
	// devices for them.
	RetryTime time.Duration
}

// stats accumulates attempt results for the considered unit, comparing
// each attempt against the previous one's failures.
type stats struct {
	lastFailing map[types.TestDescription]struct{}
	out         Statistics
}

func (s *stats) addRun(results []*result.RunResult, retryCost time.Duration) {
	failing := make(map[types.TestDescription]struct{})
	passed := make(map[types.TestDescription]struct{})
	for _, run := range results {
		if run == nil {
			continue
		}
		for _, desc := range run.Descriptions() {
			tr, _ := run.Result(desc)
			if tr.Status == types.StatusFailed {
				failing[desc] = struct{}{}
			} else {
				passed[desc] = struct{}{}
			}
		}
	}
	for desc := range s.lastFailing {
		if _, still := failing[desc]; still {
			s.out.RetriedFailure++
			continue
		}
		if _, ok := passed[desc]; ok {
			s.out.RetriedSuccess++
		}
	}
	s.lastFailing = failing
	s.out.RetryTime += retryCost
}

func (s *stats) statistics() Statistics { return s.out }
