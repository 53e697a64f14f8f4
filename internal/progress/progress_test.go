package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerCounts(t *testing.T) {
	var tr Tracker
	assert.Equal(t, 0, tr.Progress())
	assert.False(t, tr.IsComplete())

	tr.Reset(4)
	tr.Inc()
	assert.Equal(t, 25, tr.Progress())
	assert.False(t, tr.IsComplete())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Inc()
		}()
	}
	wg.Wait()

	assert.Equal(t, Snapshot{Progress: 100, Complete: true, Count: 4, Total: 4}, Take(&tr))
}

func TestTrackerFinishWithoutWork(t *testing.T) {
	var tr Tracker
	tr.Reset(0)
	assert.False(t, tr.IsComplete())

	tr.Finish()
	assert.True(t, tr.IsComplete())
	assert.Equal(t, 100, tr.Progress())

	tr.Reset(2)
	assert.False(t, tr.IsComplete())
	assert.Equal(t, 0, tr.Count())
}
