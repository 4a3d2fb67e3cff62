package shadow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	n uint64
}

func TestMultiFragment_InsertIfAbsent(t *testing.T) {
	m := NewMultiFragment[counter](64)

	addr := uintptr(0x1000)
	calls := 0
	v, err := m.InsertIfAbsent(addr, func() counter {
		calls++
		return counter{n: 1}
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.n)

	v2, err := m.InsertIfAbsent(addr, func() counter {
		calls++
		return counter{n: 2}
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v2.n, "second call must not reconstruct")
	assert.Equal(t, 1, calls)
}

func TestMultiFragment_ConcurrentInsertIfAbsent_OnlyOneWinner(t *testing.T) {
	m := NewMultiFragment[counter](64)
	addr := uintptr(0x2000)

	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.InsertIfAbsent(addr, func() counter {
				mu.Lock()
				wins++
				mu.Unlock()
				return counter{n: 7}
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins)

	v, ok, err := m.Find(addr)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), v.n)
}

func TestMultiFragment_FindAbsent(t *testing.T) {
	m := NewMultiFragment[counter](64)
	_, ok, err := m.Find(uintptr(0x3000))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMultiFragment_Remove(t *testing.T) {
	m := NewMultiFragment[counter](64)
	addr := uintptr(0x4000)
	_, err := m.InsertIfAbsent(addr, func() counter { return counter{n: 9} })
	require.NoError(t, err)

	require.NoError(t, m.Remove(addr))
	_, ok, err := m.Find(addr)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMultiFragment_OutOfRange(t *testing.T) {
	m := NewMultiFragment[counter](64)
	_, _, err := m.Find(uintptr(1) << 50)
	assert.ErrorIs(t, err, ErrFragmentExhausted)
}

func TestMultiFragment_TakeIfPresent_OnlyOneWinner(t *testing.T) {
	m := NewMultiFragment[counter](64)
	addr := uintptr(0x5000)
	_, err := m.InsertIfAbsent(addr, func() counter { return counter{n: 3} })
	require.NoError(t, err)

	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, err := m.TakeIfPresent(addr)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
				assert.Equal(t, uint64(3), v.n)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins)

	_, ok, err := m.Find(addr)
	require.NoError(t, err)
	assert.False(t, ok, "winning Take must clear the slot")
}

func TestMultiFragment_TakeIfPresent_Absent(t *testing.T) {
	m := NewMultiFragment[counter](64)
	_, ok, err := m.TakeIfPresent(uintptr(0x6000))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSingleFragment_Basic(t *testing.T) {
	m, err := NewSingleFragment[counter](4096)
	require.NoError(t, err)
	defer m.Close()

	addr := uintptr(4096 * 10)
	v, err := m.InsertIfAbsent(addr, func() counter { return counter{n: 42} })
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v.n)

	v2, ok, err := m.Find(addr)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), v2.n)
}
