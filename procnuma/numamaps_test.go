package procnuma

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleNUMAMaps = `7f2c3d000000 default anon=10 dirty=10 N0=10
7f2c3d400000 interleave:0-1 anon=4096 dirty=4096 N0=2048 N1=2048
7f2c3e000000 bind:1 file=/lib/x86_64-linux-gnu/libc.so.6 mapped=20 N1=20
`

func TestParseNUMAMaps(t *testing.T) {
	regions, err := ParseNUMAMaps(strings.NewReader(sampleNUMAMaps))
	require.NoError(t, err)
	require.Len(t, regions, 3)

	assert.Equal(t, uintptr(0x7f2c3d000000), regions[0].StartAddress)
	assert.Equal(t, "default", regions[0].Policy)
	assert.EqualValues(t, 10, regions[0].PagesByNode[0])

	assert.EqualValues(t, 2048, regions[1].PagesByNode[0])
	assert.EqualValues(t, 2048, regions[1].PagesByNode[1])
}

func TestParseNUMAMaps_SkipsMalformedLines(t *testing.T) {
	regions, err := ParseNUMAMaps(strings.NewReader("garbage\n\n7f2c3d000000 default N0=5\n"))
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.EqualValues(t, 5, regions[0].PagesByNode[0])
}

func TestDominantNode(t *testing.T) {
	regions, err := ParseNUMAMaps(strings.NewReader(sampleNUMAMaps))
	require.NoError(t, err)

	node, ok := DominantNode(regions, 0x7f2c3d400100)
	require.True(t, ok)
	assert.Equal(t, 0, node) // tied 2048/2048: first node iterated wins, deterministic enough for a best-effort sample

	_, ok = DominantNode(regions, 0x1000)
	assert.False(t, ok, "address before any region")
}

func TestParseCPUList(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2, 3, 8, 10, 11}, parseCPUList("0-3,8,10-11"))
	assert.Empty(t, parseCPUList(""))
}
