// Package downstairs implements the extent-store side of a replica: a
// narrow interface an Upstairs client task drives over the wire, backed
// by a write-ahead log per extent so a crash mid-write never corrupts
// the region. The persistence shape (append-only log, fsync on write,
// replay on open) follows the same pattern the upstream key-value store
// in this codebase's lineage uses for its own WAL. The log is never
// snapshotted or truncated; it grows with every write.
package downstairs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ExtentRecord is one logged mutation: a block range write plus the
// version the extent advanced to because of it. Encoded as one
// newline-delimited JSON object per record, same framing the WAL here is
// modelled on.
type ExtentRecord struct {
	Version uint64 `json:"version"`
	Offset  uint64 `json:"offset"`
	Data    []byte `json:"data"`
	Hash    uint64 `json:"hash"`
}

// Extent is one extent's in-memory state plus its backing WAL file.
type Extent struct {
	mu      sync.RWMutex
	id      uint64
	size    uint64 // blocks
	block   uint64 // bytes per block
	version uint64
	dirty   bool
	blocks  [][]byte

	walPath string
	wal     *os.File
}

// Store owns every extent for one region, keyed by extent id.
type Store struct {
	mu      sync.RWMutex
	dir     string
	extents map[uint64]*Extent
	size    uint64 // blocks per extent
	block   uint64 // bytes per block
}

// Open loads (or initializes) a Store rooted at dir, with extentCount
// extents of size blocks at block bytes each.
func Open(dir string, extentCount, size, block uint64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("downstairs: mkdir %s: %w", dir, err)
	}
	s := &Store{dir: dir, extents: make(map[uint64]*Extent), size: size, block: block}
	for id := uint64(0); id < extentCount; id++ {
		e, err := s.openExtent(id)
		if err != nil {
			return nil, err
		}
		s.extents[id] = e
	}
	return s, nil
}

func (s *Store) openExtent(id uint64) (*Extent, error) {
	e := &Extent{
		id:      id,
		size:    s.size,
		block:   s.block,
		blocks:  make([][]byte, s.size),
		walPath: filepath.Join(s.dir, fmt.Sprintf("extent-%06d.wal", id)),
	}
	for i := range e.blocks {
		e.blocks[i] = make([]byte, s.block)
	}

	if err := e.replayWAL(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(e.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("downstairs: open wal for extent %d: %w", id, err)
	}
	e.wal = f
	return e, nil
}

func (e *Extent) replayWAL() error {
	f, err := os.Open(e.walPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("downstairs: replay extent %d: %w", e.id, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for dec.More() {
		var rec ExtentRecord
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("downstairs: corrupt wal for extent %d: %w", e.id, err)
		}
		blockIdx := rec.Offset / e.block
		if blockIdx >= uint64(len(e.blocks)) {
			continue
		}
		e.blocks[blockIdx] = rec.Data
		e.version = rec.Version
	}
	return nil
}

// Extent returns the in-memory extent, if present.
func (s *Store) Extent(id uint64) (*Extent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.extents[id]
	return e, ok
}

// Versions reports the generation counter of every extent, in id order
// — the payload of an ExtentVersions wire message.
func (s *Store) Versions() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, len(s.extents))
	for id, e := range s.extents {
		out[id] = e.Version()
	}
	return out
}

// Version returns the extent's current generation.
func (e *Extent) Version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// BlockSize returns the byte size of one block in this extent. Fixed at
// construction, so it needs no lock.
func (e *Extent) BlockSize() uint64 {
	return e.block
}

// Dirty reports whether the extent has unflushed writes.
func (e *Extent) Dirty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dirty
}

// ReadBlock returns a copy of one block's contents.
func (e *Extent) ReadBlock(blockInExtent uint64) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if blockInExtent >= uint64(len(e.blocks)) {
		return nil, fmt.Errorf("downstairs: block %d out of range for extent %d", blockInExtent, e.id)
	}
	out := make([]byte, len(e.blocks[blockInExtent]))
	copy(out, e.blocks[blockInExtent])
	return out, nil
}

// WriteBlock appends a WAL record for one block write, applies it to the
// in-memory copy, and fsyncs before returning — a write is not
// considered durable (and must not be acked) until this returns nil.
func (e *Extent) WriteBlock(blockInExtent uint64, data []byte, unwrittenOnly bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if blockInExtent >= uint64(len(e.blocks)) {
		return fmt.Errorf("downstairs: block %d out of range for extent %d", blockInExtent, e.id)
	}
	if unwrittenOnly && e.dirty {
		return nil
	}

	e.version++
	rec := ExtentRecord{
		Version: e.version,
		Offset:  blockInExtent * e.block,
		Data:    data,
		Hash:    xxhash.Sum64(data),
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("downstairs: encode wal record: %w", err)
	}
	buf = append(buf, '\n')
	if _, err := e.wal.Write(buf); err != nil {
		return fmt.Errorf("downstairs: append wal: %w", err)
	}
	if err := e.wal.Sync(); err != nil {
		return fmt.Errorf("downstairs: fsync wal: %w", err)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	e.blocks[blockInExtent] = cp
	e.dirty = true
	return nil
}

// Flush clears the dirty flag for every extent — the durability
// guarantee was already made per-write by fsync, so Flush here is a
// visibility barrier (nothing to replicas is acked past it until every
// write behind it is durable, which WriteBlock already ensures).
func (s *Store) Flush() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.extents {
		e.mu.Lock()
		e.dirty = false
		e.mu.Unlock()
	}
}

// Close syncs and closes every extent's WAL file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, e := range s.extents {
		if err := e.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
