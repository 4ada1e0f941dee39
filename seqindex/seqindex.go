// Package seqindex implements the durable Sequence Number Index (spec
// §4.3, §6): a write-ahead-indexed mapping sessionId -> (lastSentSeqNum,
// lastRecvSeqNum, archivePosition), backed by a fixed-size, double-buffered
// (A/B) mmap file so the reader never blocks on a writer in progress.
//
// The file format and mmap lifecycle (create-if-missing, Truncate to an
// initial size, unix.Mmap, a fixed little-endian header validated by magic
// + version on open) are grounded on marmos91-dittofs's
// pkg/wal/mmap.go (MmapPersister). That WAL is a single growing
// append-only log; this index instead needs the "constant-time read path
// and bounded file size" spec §9 calls for, so the layout is adapted into
// two alternating fixed-capacity copies picked by highest valid epoch on
// load, per spec §4.3's explicit file-format description, rather than
// dittofs's single ever-growing log.
package seqindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

const (
	magic        = "ARSQ" // Artio Sequence index
	version      = uint16(1)
	copyHeaderSize = 32 // magic(4) + version(2) + reserved(2) + epoch(8) + checksum(8) + entryCount(4) + capacity(4)
	recordSize   = 8 + 4 + 4 + 8 // sessionID(u64) + lastSent(i32) + lastRecv(i32) + archivePos(i64)
)

// ErrNotFound is returned by Lookup when no record exists for a session.
var ErrNotFound = errors.New("seqindex: session not found")

// ErrCapacityExceeded is returned when a write would need more records
// than the file's configured capacity; callers should call Grow.
var ErrCapacityExceeded = errors.New("seqindex: capacity exceeded, call Grow")

// ErrCorrupted means neither copy A nor copy B validated.
var ErrCorrupted = errors.New("seqindex: both A/B copies failed validation")

// Record is one session's durable counters (spec §3 SequenceNumberRecord).
type Record struct {
	SessionID     int64
	LastSentSeqNum int32
	LastRecvSeqNum int32
	ArchivePosition int64
}

// Index is the durable sequence-number index. A single Index instance is
// meant to be owned by one indexer worker (spec §5). Lookup, OnMessage and
// Flush serialize on mu, so Lookup is safe to call concurrently with Flush;
// Lookup reads the active copy, which includes OnMessage updates not yet
// flushed.
type Index struct {
	mu       sync.Mutex
	path     string
	capacity int
	file     *os.File
	data     []byte // mmap'd region, 2*copySize bytes
	copySize int

	epoch    uint64
	active   int // 0 = copy A is current, 1 = copy B is current
	records  map[int64]int // sessionID -> slot index
	order    []int64       // slot index -> sessionID, for iteration/Grow
	dirty    bool
}

func copySize(capacity int) int {
	return copyHeaderSize + capacity*recordSize
}

// Open opens (creating if absent) the index file at path with room for
// capacity sessions, and loads whichever of copy A/B has the higher valid
// epoch.
func Open(path string, capacity int) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("seqindex: mkdir: %w", err)
	}

	idx := &Index{
		path:     path,
		capacity: capacity,
		copySize: copySize(capacity),
		records:  make(map[int64]int),
		order:    make([]int64, capacity),
	}
	for i := range idx.order {
		idx.order[i] = -1
	}

	_, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		if err := idx.createNew(); err != nil {
			return nil, err
		}
		return idx, nil
	}
	if statErr != nil {
		return nil, fmt.Errorf("seqindex: stat: %w", statErr)
	}
	if err := idx.openExisting(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) totalSize() int64 {
	return int64(2 * idx.copySize)
}

func (idx *Index) createNew() error {
	f, err := os.OpenFile(idx.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("seqindex: create: %w", err)
	}
	if err := f.Truncate(idx.totalSize()); err != nil {
		f.Close()
		return fmt.Errorf("seqindex: truncate: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(idx.totalSize()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("seqindex: mmap: %w", err)
	}
	idx.file = f
	idx.data = data
	idx.epoch = 0
	idx.active = 0
	return idx.flushLocked()
}

func (idx *Index) openExisting() error {
	f, err := os.OpenFile(idx.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("seqindex: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("seqindex: stat: %w", err)
	}
	if info.Size() != idx.totalSize() {
		f.Close()
		return fmt.Errorf("seqindex: unexpected file size %d (want %d, capacity mismatch?)", info.Size(), idx.totalSize())
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(idx.totalSize()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("seqindex: mmap: %w", err)
	}
	idx.file = f
	idx.data = data

	epochA, okA := idx.validateCopy(0)
	epochB, okB := idx.validateCopy(1)
	switch {
	case okA && okB:
		if epochB > epochA {
			idx.active, idx.epoch = 1, epochB
		} else {
			idx.active, idx.epoch = 0, epochA
		}
	case okA:
		idx.active, idx.epoch = 0, epochA
	case okB:
		idx.active, idx.epoch = 1, epochB
	default:
		unix.Munmap(data)
		f.Close()
		return ErrCorrupted
	}
	idx.loadRecords(idx.active)
	return nil
}

func (idx *Index) copyOffset(which int) int {
	return which * idx.copySize
}

// validateCopy checks magic/version/checksum for copy `which` and returns
// its epoch if valid.
func (idx *Index) validateCopy(which int) (epoch uint64, ok bool) {
	base := idx.copyOffset(which)
	hdr := idx.data[base : base+copyHeaderSize]
	if string(hdr[0:4]) != magic {
		return 0, false
	}
	ver := binary.LittleEndian.Uint16(hdr[4:6])
	if ver != version {
		return 0, false
	}
	epoch = binary.LittleEndian.Uint64(hdr[8:16])
	storedChecksum := binary.LittleEndian.Uint64(hdr[16:24])
	entryCount := binary.LittleEndian.Uint32(hdr[24:28])

	body := idx.data[base+copyHeaderSize : base+idx.copySize]
	computed := xxhash.Sum64(body[:int(entryCount)*recordSize])
	if computed != storedChecksum {
		return 0, false
	}
	return epoch, true
}

func (idx *Index) loadRecords(which int) {
	base := idx.copyOffset(which) + copyHeaderSize
	hdr := idx.data[idx.copyOffset(which) : idx.copyOffset(which)+copyHeaderSize]
	entryCount := int(binary.LittleEndian.Uint32(hdr[24:28]))
	idx.records = make(map[int64]int, entryCount)
	for i := 0; i < entryCount; i++ {
		off := base + i*recordSize
		sessionID := int64(binary.LittleEndian.Uint64(idx.data[off : off+8]))
		idx.records[sessionID] = i
		idx.order[i] = sessionID
	}
}

// Lookup returns the durable record for sessionID, or ErrNotFound.
func (idx *Index) Lookup(sessionID int64) (Record, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	slot, ok := idx.records[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return idx.readSlot(idx.active, slot), nil
}

func (idx *Index) readSlot(which, slot int) Record {
	off := idx.copyOffset(which) + copyHeaderSize + slot*recordSize
	return Record{
		SessionID:       int64(binary.LittleEndian.Uint64(idx.data[off : off+8])),
		LastSentSeqNum:  int32(binary.LittleEndian.Uint32(idx.data[off+8 : off+12])),
		LastRecvSeqNum:  int32(binary.LittleEndian.Uint32(idx.data[off+12 : off+16])),
		ArchivePosition: int64(binary.LittleEndian.Uint64(idx.data[off+16 : off+24])),
	}
}

// OnMessage updates the in-memory record for sessionID (spec §4.3 Writer
// contract) and marks the index dirty. Both counters and archivePos are
// overwritten on every call, so callers pass the session's current
// last-sent and last-received sequence numbers together (package engine
// passes both from the Session).
func (idx *Index) OnMessage(sessionID int64, lastSentSeqNum, lastRecvSeqNum int32, archivePos int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	slot, ok := idx.records[sessionID]
	if !ok {
		if len(idx.records) >= idx.capacity {
			return ErrCapacityExceeded
		}
		slot = len(idx.records)
		idx.records[sessionID] = slot
		idx.order[slot] = sessionID
	}

	// archivePos must not go backwards for a session (spec §4.3): a position
	// lower than the stored one is rejected before Flush ever runs; an equal
	// one is accepted.
	existing := idx.readSlot(idx.active, slot)
	if ok && archivePos < existing.ArchivePosition {
		return fmt.Errorf("seqindex: non-monotonic archivePos for session %d: %d < %d", sessionID, archivePos, existing.ArchivePosition)
	}

	idx.writeSlotStaged(slot, Record{
		SessionID:       sessionID,
		LastSentSeqNum:  lastSentSeqNum,
		LastRecvSeqNum:  lastRecvSeqNum,
		ArchivePosition: archivePos,
	})
	idx.dirty = true
	return nil
}

// writeSlotStaged writes directly into the currently-active copy's bytes.
// This is safe because Flush always writes the *other* copy first and
// only then flips idx.active — in-place updates to the active copy between
// flushes are a working staging area, not the durable record, until the
// next Flush replicates them into the other half.
func (idx *Index) writeSlotStaged(slot int, rec Record) {
	off := idx.copyOffset(idx.active) + copyHeaderSize + slot*recordSize
	binary.LittleEndian.PutUint64(idx.data[off:off+8], uint64(rec.SessionID))
	binary.LittleEndian.PutUint32(idx.data[off+8:off+12], uint32(rec.LastSentSeqNum))
	binary.LittleEndian.PutUint32(idx.data[off+12:off+16], uint32(rec.LastRecvSeqNum))
	binary.LittleEndian.PutUint64(idx.data[off+16:off+24], uint64(rec.ArchivePosition))
}

// Flush writes the current in-memory state to the inactive copy, fsyncs,
// and only then flips the active copy — so a crash mid-flush leaves the
// previously-active copy intact and valid (spec §4.3: "Corruption of one
// copy is recoverable"). Periodic cadence is controlled by the caller
// (engine's indexer worker ticks on indexFileStateFlushTimeoutMs).
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.flushLocked()
}

func (idx *Index) flushLocked() error {
	target := idx.active ^ 1
	base := idx.copyOffset(target)

	for slot, sessionID := range idx.order {
		if sessionID == -1 {
			continue
		}
		rec := idx.readSlot(idx.active, slot)
		off := base + copyHeaderSize + slot*recordSize
		binary.LittleEndian.PutUint64(idx.data[off:off+8], uint64(rec.SessionID))
		binary.LittleEndian.PutUint32(idx.data[off+8:off+12], uint32(rec.LastSentSeqNum))
		binary.LittleEndian.PutUint32(idx.data[off+12:off+16], uint32(rec.LastRecvSeqNum))
		binary.LittleEndian.PutUint64(idx.data[off+16:off+24], uint64(rec.ArchivePosition))
	}

	entryCount := uint32(len(idx.records))
	body := idx.data[base+copyHeaderSize : base+idx.copySize]
	checksum := xxhash.Sum64(body[:int(entryCount)*recordSize])

	idx.epoch++
	hdr := idx.data[base : base+copyHeaderSize]
	copy(hdr[0:4], magic)
	binary.LittleEndian.PutUint16(hdr[4:6], version)
	binary.LittleEndian.PutUint64(hdr[8:16], idx.epoch)
	binary.LittleEndian.PutUint64(hdr[16:24], checksum)
	binary.LittleEndian.PutUint32(hdr[24:28], entryCount)
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(idx.capacity))

	if err := unix.Msync(idx.data[base:base+idx.copySize], unix.MS_SYNC); err != nil {
		return fmt.Errorf("seqindex: msync: %w", err)
	}

	idx.active = target
	idx.dirty = false
	return nil
}

// Dirty reports whether any OnMessage call has happened since the last
// Flush — used by the indexer worker to skip no-op flush ticks.
func (idx *Index) Dirty() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.dirty
}

// Capacity returns the configured maximum number of distinct sessions.
func (idx *Index) Capacity() int { return idx.capacity }

// Grow rewrites the index into a new file with newCapacity slots,
// preserving every existing record, per spec §6 ("File size fixed at
// configuration time; growth by rewrite"). The old file is replaced
// atomically via rename.
func (idx *Index) Grow(newCapacity int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if newCapacity < idx.capacity {
		return fmt.Errorf("seqindex: new capacity %d smaller than current %d", newCapacity, idx.capacity)
	}

	tmpPath := idx.path + ".grow.tmp"
	grown := &Index{
		path:     tmpPath,
		capacity: newCapacity,
		copySize: copySize(newCapacity),
		records:  make(map[int64]int),
		order:    make([]int64, newCapacity),
	}
	for i := range grown.order {
		grown.order[i] = -1
	}
	if err := grown.createNew(); err != nil {
		return fmt.Errorf("seqindex: grow: create: %w", err)
	}

	for slot, sessionID := range idx.order {
		if sessionID == -1 {
			continue
		}
		rec := idx.readSlot(idx.active, slot)
		if err := grown.OnMessage(rec.SessionID, rec.LastSentSeqNum, rec.LastRecvSeqNum, rec.ArchivePosition); err != nil {
			grown.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("seqindex: grow: copy record: %w", err)
		}
	}
	if err := grown.flushLocked(); err != nil {
		grown.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("seqindex: grow: flush: %w", err)
	}
	if err := grown.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("seqindex: grow: close: %w", err)
	}

	if err := idx.closeLocked(); err != nil {
		return fmt.Errorf("seqindex: grow: close old: %w", err)
	}
	if err := os.Rename(tmpPath, idx.path); err != nil {
		return fmt.Errorf("seqindex: grow: rename: %w", err)
	}

	reopened, err := Open(idx.path, newCapacity)
	if err != nil {
		return fmt.Errorf("seqindex: grow: reopen: %w", err)
	}
	// Copy reopened's fields in place rather than `*idx = *reopened`: idx.mu
	// is locked by this call's defer, and overwriting it would replace it
	// with a fresh, unlocked Mutex value out from under that deferred Unlock.
	idx.capacity = reopened.capacity
	idx.copySize = reopened.copySize
	idx.file = reopened.file
	idx.data = reopened.data
	idx.epoch = reopened.epoch
	idx.active = reopened.active
	idx.records = reopened.records
	idx.order = reopened.order
	idx.dirty = reopened.dirty
	return nil
}

// Close unmaps and closes the index file.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.closeLocked()
}

func (idx *Index) closeLocked() error {
	if idx.data != nil {
		if err := unix.Munmap(idx.data); err != nil {
			return fmt.Errorf("seqindex: munmap: %w", err)
		}
		idx.data = nil
	}
	if idx.file != nil {
		if err := idx.file.Close(); err != nil {
			return fmt.Errorf("seqindex: close file: %w", err)
		}
		idx.file = nil
	}
	return nil
}
