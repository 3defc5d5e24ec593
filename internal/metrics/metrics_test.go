package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_AddAndCount(t *testing.T) {
	r := NewRegistry()
	r.Add(RetryDecisions, 1)
	r.Add(RetryDecisions, 2)
	r.Add(ShardsCreated, 5)

	assert.Equal(t, int64(3), r.Count(RetryDecisions))
	assert.Equal(t, int64(5), r.Count(ShardsCreated))
	assert.Equal(t, int64(0), r.Count(DeviceReboots))
	assert.Equal(t, []string{RetryDecisions, ShardsCreated}, r.Names())
}

func TestRegistry_RecordAccumulates(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Value(DeviceResetModules)
	assert.False(t, ok)

	r.Record(DeviceResetModules, "module-a")
	r.Record(DeviceResetModules, "module-b")

	v, ok := r.Value(DeviceResetModules)
	assert.True(t, ok)
	assert.Equal(t, "module-a,module-b", v)
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Add(RetriesTriggered, 1)
				r.Record(ClearedRunError, "e")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), r.Count(RetriesTriggered))
}

func TestNop_Discards(t *testing.T) {
	var s Sink = Nop{}
	s.Add(RetryDecisions, 1)
	s.Record(ClearedRunError, "ignored")
}
