package numaperf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OneTokens/NumaPerf/engine"
)

func TestHooks_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "report.txt")
	t.Setenv("NUMAPERF_REPORT_PATH", reportPath)
	t.Setenv("NUMAPERF_CACHE_SHARING_THRESHOLD", "2")

	require.NoError(t, Init())

	tid := OnThreadStart()
	const addr = uintptr(0x80000000)
	require.NoError(t, OnMalloc(tid, addr, 64, 1))
	for i := 0; i < 10; i++ {
		require.NoError(t, OnAccess(tid, addr, engine.Write))
	}
	require.NoError(t, OnFree(addr))
	require.NoError(t, OnExit())

	out, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestHooksBeforeInit_AreDroppedNotPanic(t *testing.T) {
	mu.Lock()
	eng = nil
	mu.Unlock()

	assert.NotPanics(t, func() {
		tid := OnThreadStart()
		assert.EqualValues(t, 0, tid)
		assert.NoError(t, OnMalloc(tid, 0x1000, 64, 1))
		assert.NoError(t, OnFirstTouch(tid, 0x1000))
		assert.NoError(t, OnAccess(tid, 0x1000, engine.Write))
		assert.NoError(t, OnFree(0x1000))
		assert.NoError(t, OnExit())
	})
}
