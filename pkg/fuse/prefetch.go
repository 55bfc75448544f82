package fuse

import (
	"github.com/dirkpetersen/claudefs/pkg/log"
	"github.com/dirkpetersen/claudefs/pkg/types"
)

// PrefetchEngineConfig configures a PrefetchEngine.
type PrefetchEngineConfig struct {
	WindowSize         int
	BlockSize          uint64
	MaxInflight        int
	DetectionThreshold uint32
}

// DefaultPrefetchEngineConfig matches the values a mount starts with absent
// explicit tuning.
func DefaultPrefetchEngineConfig() PrefetchEngineConfig {
	return PrefetchEngineConfig{WindowSize: 8, BlockSize: 65536, MaxInflight: 4, DetectionThreshold: 2}
}

type accessPattern struct {
	lastOffset      uint64
	sequentialCount uint32
}

type bufferedBlock struct {
	ino    types.InodeId
	offset uint64
	data   []byte
}

type blockKey struct {
	ino    types.InodeId
	offset uint64
}

// PrefetchEngineStats summarizes a PrefetchEngine's current state for
// diagnostics.
type PrefetchEngineStats struct {
	EntriesCached    int
	InodesTracked    int
	SequentialInodes int
}

// PrefetchEngine watches an inode's read offsets for a sequential-access
// pattern, and once detected, computes a window of not-yet-buffered
// block offsets the data path should fetch ahead of the client.
type PrefetchEngine struct {
	cfg      PrefetchEngineConfig
	patterns map[types.InodeId]*accessPattern
	buffer   map[blockKey]bufferedBlock
}

// NewPrefetchEngine constructs a PrefetchEngine.
func NewPrefetchEngine(cfg PrefetchEngineConfig) *PrefetchEngine {
	if cfg.BlockSize == 0 {
		cfg = DefaultPrefetchEngineConfig()
	}
	log.WithComponent("fuse-prefetch").Debug().
		Int("window", cfg.WindowSize).Uint64("block_size", cfg.BlockSize).
		Int("max_inflight", cfg.MaxInflight).Msg("readahead engine initialized")
	return &PrefetchEngine{
		cfg:      cfg,
		patterns: make(map[types.InodeId]*accessPattern),
		buffer:   make(map[blockKey]bufferedBlock),
	}
}

func (e *PrefetchEngine) alignToBlock(offset uint64) uint64 {
	return (offset / e.cfg.BlockSize) * e.cfg.BlockSize
}

// RecordAccess registers a read of size bytes at offset on ino,
// updating the inode's sequential-access pattern, and returns the
// block-aligned offset that read falls within.
func (e *PrefetchEngine) RecordAccess(ino types.InodeId, offset uint64, size uint32) uint64 {
	blockOffset := e.alignToBlock(offset)

	p, ok := e.patterns[ino]
	if !ok {
		p = &accessPattern{}
		e.patterns[ino] = p
	}

	if p.lastOffset > 0 {
		var gap uint64
		if offset > p.lastOffset {
			gap = offset - p.lastOffset
		}
		switch {
		case gap <= e.cfg.BlockSize:
			p.sequentialCount++
		case gap > e.cfg.BlockSize*2:
			p.sequentialCount = 0
		}
	} else {
		p.sequentialCount = 1
	}
	p.lastOffset = offset + uint64(size)

	return blockOffset
}

// IsSequential reports whether ino's access pattern has crossed the
// detection threshold.
func (e *PrefetchEngine) IsSequential(ino types.InodeId) bool {
	p, ok := e.patterns[ino]
	return ok && p.sequentialCount >= e.cfg.DetectionThreshold
}

// ComputePrefetchList returns the block offsets ahead of currentOffset
// that should be fetched, bounded by WindowSize entries and by
// MaxInflight blocks' worth of distance, and excluding anything
// already buffered. Returns nil if ino is not currently sequential.
func (e *PrefetchEngine) ComputePrefetchList(ino types.InodeId, currentOffset uint64) []uint64 {
	if !e.IsSequential(ino) {
		return nil
	}

	currentBlock := e.alignToBlock(currentOffset)
	maxRange := uint64(e.cfg.MaxInflight) * e.cfg.BlockSize

	var out []uint64
	for i := uint64(1); i <= uint64(e.cfg.WindowSize); i++ {
		blockOffset := currentBlock + i*e.cfg.BlockSize
		if blockOffset > currentBlock+maxRange {
			break
		}
		if _, buffered := e.buffer[blockKey{ino: ino, offset: blockOffset}]; !buffered {
			out = append(out, blockOffset)
		}
	}
	return out
}

// StorePrefetch records a completed read-ahead fetch's data for later
// service by TryServe.
func (e *PrefetchEngine) StorePrefetch(ino types.InodeId, offset uint64, data []byte) {
	aligned := e.alignToBlock(offset)
	e.buffer[blockKey{ino: ino, offset: aligned}] = bufferedBlock{ino: ino, offset: aligned, data: data}
}

// TryServe attempts to satisfy a size-byte read at offset on ino
// entirely from buffered read-ahead data, returning the partial slice
// available when the buffered block doesn't cover the full request.
func (e *PrefetchEngine) TryServe(ino types.InodeId, offset uint64, size uint32) ([]byte, bool) {
	blockOffset := e.alignToBlock(offset)
	inBlockOffset := offset - blockOffset

	block, ok := e.buffer[blockKey{ino: ino, offset: blockOffset}]
	if !ok || inBlockOffset > uint64(len(block.data)) {
		return nil, false
	}

	end := inBlockOffset + uint64(size)
	if end > uint64(len(block.data)) {
		end = uint64(len(block.data))
	}
	out := make([]byte, end-inBlockOffset)
	copy(out, block.data[inBlockOffset:end])
	return out, true
}

// Evict drops every buffered block and the access pattern tracked for
// ino, called on invalidation (e.g. a lease revocation for ino).
func (e *PrefetchEngine) Evict(ino types.InodeId) {
	for k := range e.buffer {
		if k.ino == ino {
			delete(e.buffer, k)
		}
	}
	delete(e.patterns, ino)
}

// Stats returns a snapshot of the engine's current buffer and
// pattern-tracking state.
func (e *PrefetchEngine) Stats() PrefetchEngineStats {
	sequential := 0
	for _, p := range e.patterns {
		if p.sequentialCount >= e.cfg.DetectionThreshold {
			sequential++
		}
	}
	return PrefetchEngineStats{
		EntriesCached:    len(e.buffer),
		InodesTracked:    len(e.patterns),
		SequentialInodes: sequential,
	}
}
