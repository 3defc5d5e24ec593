package result

import (
	"testing"
	"time"

	"github.com/gantry-systems/gantry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorTracksAttempts(t *testing.T) {
	c := NewCollector()
	c.RunStarted("run1", 2, 0, time.Unix(100, 0))
	c.TestStarted(test1, time.Unix(101, 0))
	c.TestEnded(test1, time.Unix(102, 0), nil)
	c.RunEnded(450*time.Millisecond, nil)

	c.RunStarted("run1", 1, 1, time.Unix(103, 0))
	c.TestStarted(test2, time.Unix(104, 0))
	c.TestFailed(test2, types.NewFailure("boom"))
	c.TestEnded(test2, time.Unix(105, 0), nil)
	c.RunEnded(250*time.Millisecond, nil)

	assert.Equal(t, 2, c.RunAttempts("run1"))
	attempts := c.RunResults("run1")
	require.Len(t, attempts, 2)
	assert.Equal(t, 0, attempts[0].Attempt())
	assert.Equal(t, 1, attempts[1].Attempt())
	assert.Equal(t, 450*time.Millisecond, attempts[0].Elapsed())
	assert.Equal(t, 250*time.Millisecond, attempts[1].Elapsed())
}

func TestCollectorResumeAccumulatesExpectedCount(t *testing.T) {
	c := NewCollector()
	c.RunStarted("run1", 2, 0, time.Unix(100, 0))
	c.RunEnded(time.Second, nil)
	// The same attempt restarts after an interruption.
	c.RunStarted("run1", 3, 0, time.Unix(200, 0))

	assert.Equal(t, 1, c.RunAttempts("run1"))
	current := c.CurrentRunResults()
	assert.Equal(t, 5, current.ExpectedCount())
	assert.False(t, current.Complete())
	assert.Equal(t, time.Unix(100, 0), current.StartTime())
}

func TestCollectorMergedResultsKeepRunOrder(t *testing.T) {
	c := NewCollector()
	for _, name := range []string{"run2", "run1", "run3"} {
		c.RunStarted(name, 1, 0, time.Unix(100, 0))
		c.RunEnded(time.Second, nil)
	}

	merged := c.MergedRunResults()
	require.Len(t, merged, 3)
	assert.Equal(t, "run2", merged[0].Name())
	assert.Equal(t, "run1", merged[1].Name())
	assert.Equal(t, "run3", merged[2].Name())
}

func TestCollectorClearResultsForName(t *testing.T) {
	c := NewCollector()
	c.RunStarted("run1", 1, 0, time.Unix(100, 0))
	c.RunEnded(time.Second, nil)
	c.RunStarted("run2", 1, 0, time.Unix(100, 0))
	c.RunEnded(time.Second, nil)

	c.ClearResultsForName("run2")
	assert.Equal(t, []string{"run1"}, c.RunNames())
	assert.Equal(t, 0, c.RunAttempts("run2"))
	assert.Nil(t, c.CurrentRunResults())
}

func TestCollectorModuleTracking(t *testing.T) {
	c := NewCollector()
	assert.Nil(t, c.CurrentModule())

	c.ModuleStarted(ModuleContext{Name: "module1", Abi: "x86"})
	mod := c.CurrentModule()
	require.NotNil(t, mod)
	assert.Equal(t, "x86 module1", mod.ID())

	c.ModuleEnded()
	assert.Nil(t, c.CurrentModule())
}

func TestCollectorCountsByState(t *testing.T) {
	c := NewCollector()
	c.RunStarted("run1", 3, 0, time.Unix(100, 0))
	c.TestStarted(test1, time.Unix(101, 0))
	c.TestEnded(test1, time.Unix(102, 0), nil)
	c.TestStarted(test2, time.Unix(101, 0))
	c.TestFailed(test2, types.NewFailure("boom"))
	c.TestEnded(test2, time.Unix(102, 0), nil)
	other := types.NewTestDescription("com.example.Other", "method")
	c.TestStarted(other, time.Unix(101, 0))
	c.TestSkipped(other, "not supported")
	c.TestEnded(other, time.Unix(102, 0), nil)
	c.RunEnded(time.Second, nil)

	assert.Equal(t, 1, c.NumTestsInState(types.StatusPassed))
	assert.Equal(t, 1, c.NumTestsInState(types.StatusFailed))
	assert.Equal(t, 1, c.NumTestsInState(types.StatusSkipped))
}

func TestRunResultTestEndedMarksPassed(t *testing.T) {
	r := NewRunResult("run1")
	r.RunStarted(1, time.Unix(100, 0))
	r.TestStarted(test1, time.Unix(101, 0))
	tr, ok := r.Result(test1)
	require.True(t, ok)
	assert.Equal(t, types.StatusIncomplete, tr.Status)

	r.TestEnded(test1, time.Unix(102, 0), types.Metrics{"mem": "12"})
	assert.Equal(t, types.StatusPassed, tr.Status)
	assert.Equal(t, "12", tr.Metrics["mem"])
}

func TestRunResultFailureJoin(t *testing.T) {
	r := NewRunResult("run1")
	r.RunStarted(0, time.Unix(100, 0))
	r.RunFailed(types.NewFailure("first"))
	r.RunFailed(types.NewFailure("second").SetRetriable(false))
	r.RunEnded(time.Second, nil)

	require.True(t, r.IsRunFailure())
	joined := r.RunFailure()
	assert.Equal(t, "first\n\nsecond", joined.Message)
	assert.False(t, joined.Retriable)
}
