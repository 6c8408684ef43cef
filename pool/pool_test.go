package pool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsJobs(t *testing.T) {
	p := NewPool(4)
	defer p.Cancel()

	var ran int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		require.NoError(t, p.Call(func() error {
			atomic.AddInt64(&ran, 1)
			wg.Done()
			return nil
		}))
	}
	wg.Wait()
	assert.Equal(t, int64(32), atomic.LoadInt64(&ran))
}

func TestPoolCancel(t *testing.T) {
	p := NewPool(1)
	p.Cancel()
	p.Cancel()
	assert.Equal(t, ErrClosed, p.Call(func() error { return nil }))
}
