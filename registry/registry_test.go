package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLookupUnregister(t *testing.T) {
	r := New()
	info := ObjectInfo{StartAddress: 0x10000, Size: 128, CallSite: 7}

	inserted, err := r.Register(info)
	require.NoError(t, err)
	assert.True(t, inserted)

	got, err := r.LookupByStartAddress(0x10000)
	require.NoError(t, err)
	assert.Equal(t, info, got)

	require.NoError(t, r.Unregister(0x10000))
	_, err = r.LookupByStartAddress(0x10000)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnregisterUnknownIsNotAnError(t *testing.T) {
	r := New()
	err := r.Unregister(0x99999000)
	require.NoError(t, err)
}

func TestLookupMissingReturnsErrNotFound(t *testing.T) {
	r := New()
	_, err := r.LookupByStartAddress(0x1234)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTakeForFree_OnlyOneWinner(t *testing.T) {
	r := New()
	info := ObjectInfo{StartAddress: 0x30000, Size: 64, CallSite: 1}
	_, err := r.Register(info)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := r.TakeForFree(0x30000)
			require.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestTakeForFree_Absent(t *testing.T) {
	r := New()
	_, ok, err := r.TakeForFree(0x40000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentAllocationFree(t *testing.T) {
	r := New()
	const threads = 16
	const perThread = 2000

	var wg sync.WaitGroup
	for tid := 0; tid < threads; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			base := uintptr(0x20000000 + tid*0x1000000)
			for i := 0; i < perThread; i++ {
				addr := base + uintptr(i*64)
				_, err := r.Register(ObjectInfo{StartAddress: addr, Size: 32, CallSite: uint32(tid)})
				require.NoError(t, err)
				require.NoError(t, r.Unregister(addr))
			}
		}(tid)
	}
	wg.Wait()
}
