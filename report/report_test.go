package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OneTokens/NumaPerf/diagnosis"
	"github.com/OneTokens/NumaPerf/registry"
)

func TestWrite_EmptyFindings(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, nil))
	assert.Contains(t, buf.String(), "no sharing findings")
}

func TestWrite_RendersCallSitesAndObjects(t *testing.T) {
	sites := []diagnosis.CallSiteDiagnosis{
		{
			CallSite: 3,
			Objects: []diagnosis.ObjectDiagnosis{
				{
					Object:                          registry.ObjectInfo{StartAddress: 0x1000, Size: 64, CallSite: 3},
					InvalidationsByFirstTouchThread: 5,
					InvalidationsByOtherThreads:     7,
					CacheLines: []diagnosis.CacheLineFinding{
						{StartAddress: 0x1000, DistinctThreads: 2, FalseSharing: true},
					},
					Pages: []diagnosis.PageDiagnosis{
						{PageIndex: 1, AllocatorCaused: true},
					},
				},
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sites))
	out := buf.String()
	assert.True(t, strings.Contains(out, "call site 3"))
	assert.True(t, strings.Contains(out, "false_sharing=true"))
	assert.True(t, strings.Contains(out, "allocator_caused=true"))
}

func TestFromCallSites_PreservesRanking(t *testing.T) {
	sites := []diagnosis.CallSiteDiagnosis{
		{
			CallSite: 1,
			Objects: []diagnosis.ObjectDiagnosis{
				{Object: registry.ObjectInfo{StartAddress: 1}, InvalidationsByFirstTouchThread: 100},
				{Object: registry.ObjectInfo{StartAddress: 2}, InvalidationsByFirstTouchThread: 1},
			},
		},
	}
	findings := FromCallSites(sites)
	require.Len(t, findings[1], 2)
	assert.EqualValues(t, 100, findings[1][0].InvalidationsByFirstTouchThread)
}
