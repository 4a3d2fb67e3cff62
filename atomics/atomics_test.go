package atomics

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCASUint32(t *testing.T) {
	var v uint32
	require.True(t, CASUint32(&v, 0, 1))
	require.False(t, CASUint32(&v, 0, 2))
	require.Equal(t, uint32(1), atomic.LoadUint32(&v))
}

func TestFetchAddBoundedUint64_Concurrent(t *testing.T) {
	var v uint64
	var wg sync.WaitGroup
	const goroutines = 32
	const perGoroutine = 1000
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_, err := FetchAddBoundedUint64(&v, 1, -1)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(goroutines*perGoroutine), atomic.LoadUint64(&v))
}

func TestFetchAddBoundedUint64_ZeroRetriesSingleAttempt(t *testing.T) {
	var v uint64
	// maxRetries == 0 with a single attempt always succeeds uncontended.
	got, err := FetchAddBoundedUint64(&v, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got)
}

func TestSetBitUint64(t *testing.T) {
	var v uint64
	changed, err := SetBitUint64(&v, 3, -1)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(1)<<3, atomic.LoadUint64(&v))

	changed, err = SetBitUint64(&v, 3, -1)
	require.NoError(t, err)
	assert.False(t, changed)
}
