package fuse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testPrefetchConfig() PrefetchEngineConfig {
	return PrefetchEngineConfig{WindowSize: 4, BlockSize: 4096, MaxInflight: 2, DetectionThreshold: 2}
}

func TestDefaultPrefetchEngineConfigHasSensibleValues(t *testing.T) {
	cfg := DefaultPrefetchEngineConfig()
	assert.Positive(t, cfg.WindowSize)
	assert.Positive(t, cfg.BlockSize)
	assert.Positive(t, cfg.MaxInflight)
	assert.Positive(t, cfg.DetectionThreshold)
}

func TestSingleRandomAccessNoSequential(t *testing.T) {
	e := NewPrefetchEngine(testPrefetchConfig())
	e.RecordAccess(1, 1000, 512)
	assert.False(t, e.IsSequential(1))
}

func TestTwoConsecutiveSequentialTriggersDetection(t *testing.T) {
	e := NewPrefetchEngine(testPrefetchConfig())
	e.RecordAccess(1, 0, 512)
	e.RecordAccess(1, 512, 512)
	assert.True(t, e.IsSequential(1))
}

func TestThreeSequentialReturnsWindowEntries(t *testing.T) {
	e := NewPrefetchEngine(PrefetchEngineConfig{WindowSize: 4, BlockSize: 4096, MaxInflight: 4, DetectionThreshold: 2})
	e.RecordAccess(1, 0, 512)
	e.RecordAccess(1, 512, 512)
	e.RecordAccess(1, 1024, 512)

	list := e.ComputePrefetchList(1, 1024)
	assert.Len(t, list, 4)
}

func TestPrefetchListOffsetsBlockAligned(t *testing.T) {
	e := NewPrefetchEngine(testPrefetchConfig())
	e.RecordAccess(1, 0, 512)
	e.RecordAccess(1, 512, 512)
	e.RecordAccess(1, 1024, 512)

	for _, offset := range e.ComputePrefetchList(1, 1024) {
		assert.Zero(t, offset%4096)
	}
}

func TestStorePrefetchRetrievableByTryServe(t *testing.T) {
	e := NewPrefetchEngine(testPrefetchConfig())
	data := make([]byte, 4096)
	for i := range data {
		data[i] = 1
	}
	e.StorePrefetch(1, 0, data)

	got, ok := e.TryServe(1, 0, 4096)
	assert.True(t, ok)
	assert.Equal(t, data, got)
}

func TestTryServeReturnsNoneForNonCached(t *testing.T) {
	e := NewPrefetchEngine(testPrefetchConfig())
	_, ok := e.TryServe(1, 0, 512)
	assert.False(t, ok)
}

func TestEvictRemovesAllForInode(t *testing.T) {
	e := NewPrefetchEngine(testPrefetchConfig())
	e.StorePrefetch(1, 0, make([]byte, 4096))
	e.StorePrefetch(1, 4096, make([]byte, 4096))
	e.StorePrefetch(2, 0, make([]byte, 4096))

	e.Evict(1)

	_, ok := e.TryServe(1, 0, 4096)
	assert.False(t, ok)
	_, ok = e.TryServe(2, 0, 4096)
	assert.True(t, ok)
}

func TestPrefetchStatsReflectsCorrectCounts(t *testing.T) {
	e := NewPrefetchEngine(testPrefetchConfig())
	e.RecordAccess(1, 0, 512)
	e.RecordAccess(1, 512, 512)
	e.RecordAccess(2, 0, 512)
	e.StorePrefetch(1, 0, make([]byte, 4096))
	e.StorePrefetch(2, 0, make([]byte, 4096))

	stats := e.Stats()
	assert.Equal(t, 2, stats.EntriesCached)
	assert.Equal(t, 2, stats.InodesTracked)
}

func TestLargeOffsetGapResetsSequentialDetection(t *testing.T) {
	e := NewPrefetchEngine(testPrefetchConfig())
	e.RecordAccess(1, 0, 512)
	e.RecordAccess(1, 512, 512)
	assert.True(t, e.IsSequential(1))

	e.RecordAccess(1, 100000, 512)
	assert.False(t, e.IsSequential(1))
}

func TestMultipleInodesTrackedIndependently(t *testing.T) {
	e := NewPrefetchEngine(testPrefetchConfig())

	e.RecordAccess(1, 0, 512)
	e.RecordAccess(2, 10000, 512)
	assert.False(t, e.IsSequential(1))
	assert.False(t, e.IsSequential(2))

	e.RecordAccess(1, 512, 512)
	assert.True(t, e.IsSequential(1))
	assert.False(t, e.IsSequential(2))
}

func TestPrefetchListNotExceedMaxInflightRange(t *testing.T) {
	e := NewPrefetchEngine(PrefetchEngineConfig{WindowSize: 8, BlockSize: 4096, MaxInflight: 2, DetectionThreshold: 2})
	e.RecordAccess(1, 0, 512)
	e.RecordAccess(1, 512, 512)

	assert.LessOrEqual(t, len(e.ComputePrefetchList(1, 512)), 2)
}

func TestTryServePartialSubBlockOffsetReturnsCorrectSlice(t *testing.T) {
	e := NewPrefetchEngine(testPrefetchConfig())
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	e.StorePrefetch(1, 0, data)

	got, ok := e.TryServe(1, 100, 200)
	assert.True(t, ok)
	assert.Len(t, got, 200)
	assert.Equal(t, byte(100), got[0])
	assert.Equal(t, byte(43), got[199])
}

func TestComputePrefetchListExcludesAlreadyCached(t *testing.T) {
	e := NewPrefetchEngine(testPrefetchConfig())
	e.RecordAccess(1, 0, 512)
	e.RecordAccess(1, 512, 512)
	e.RecordAccess(1, 1024, 512)
	e.StorePrefetch(1, 4096, make([]byte, 4096))

	list := e.ComputePrefetchList(1, 1024)
	for _, o := range list {
		assert.NotEqual(t, uint64(4096), o)
	}
}
