// Package transaction implements the bounded arena of in-flight transfer
// descriptors (C1 in the design) that is the engine's only source of
// backpressure: producers must never block on the network while holding
// one, and must park in WAITING_TRANS when the arena is empty.
package transaction

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Kind distinguishes the three transaction payload shapes.
type Kind int

const (
	KindReadChunk Kind = iota
	KindWriteChunk
	KindXMLCtrl
)

func (k Kind) String() string {
	switch k {
	case KindReadChunk:
		return "READ_CHUNK"
	case KindWriteChunk:
		return "WRITE_CHUNK"
	case KindXMLCtrl:
		return "XML_CTRL"
	default:
		return "UNKNOWN"
	}
}

// Flags mirrors the header flags bitset; METADATA marks ctfile traffic as
// opposed to data-chunk traffic.
type Flags uint8

const (
	FlagMetadata    Flags = 1 << 0
	FlagCompression Flags = 1 << 1
)

// State is the transaction's place in its lifecycle. Names follow the
// original TR_S_* states closely enough to cross-reference the C source.
type State int

const (
	StateNone State = iota
	StateRead
	StateXMLOpen
	StateXMLOpened
	StateXMLClose
	StateXMLClosing
	StateXMLClosed
	StateXMLList
	StateXMLDelete
	StateXMLCullSend
	StateXMLCullReplied
	StateExSHA
	StateExRead
	StateExDecrypted
	StateExUncompressed
	StateDone
)

// MaxPayload is the default maximum chunk size read per transaction
// (spec.md max_block_size default).
const MaxPayload = 256 * 1024

// TX is one in-flight transfer descriptor, drawn from a Pool.
//
// Invariants: TransID is unique and monotonically increasing (assigned
// by Pool.Alloc); within one ctfile stream ChunkNo values submitted form
// a contiguous [0, N) and Flags&FlagMetadata is constant (both upheld by
// the ctfile stream that fills the TX, not by Pool or TX).
type TX struct {
	TransID     uint64
	State       State
	Kind        Kind
	Flags       Flags
	ChunkNo     uint32
	IV          [16]byte
	SHA         [20]byte
	PayloadSlot int
	Payload     []byte // borrowed from the pool's slot arena; valid until Release
	Size        int    // bytes actually used in Payload
	EOF         bool
	CtfileName  string // borrowed reference, shared across all TXs of one stream

	slot int // index into Pool.slots, for Release
}

// DeriveIV builds the deterministic per-chunk IV: chunk_no little-endian
// repeated twice into the first 8 bytes, remainder zero (spec.md §3).
func DeriveIV(chunkNo uint32) [16]byte {
	var iv [16]byte
	binary.LittleEndian.PutUint32(iv[0:4], chunkNo)
	binary.LittleEndian.PutUint32(iv[4:8], chunkNo)
	return iv
}

// DeriveSHA builds the extract-side addressing SHA: the first 4 bytes
// encode chunk_no (same little-endian mapping as the IV), remainder zero,
// so the server can locate the chunk within its ctfile index without a
// separate lookup (spec.md §3, §4.3).
func DeriveSHA(chunkNo uint32) [20]byte {
	var sha [20]byte
	binary.LittleEndian.PutUint32(sha[0:4], chunkNo)
	return sha
}

// Stats accumulates the transfer counters the original exposes via
// ct_dump_stats: total ctfile bytes queued and bytes actually read from
// local disk.
type Stats struct {
	mu       sync.Mutex
	bytesTot int64
	bytesRead int64
}

func (s *Stats) AddBytesTot(n int64) {
	s.mu.Lock()
	s.bytesTot += n
	s.mu.Unlock()
}

func (s *Stats) AddBytesRead(n int64) {
	s.mu.Lock()
	s.bytesRead += n
	s.mu.Unlock()
}

func (s *Stats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("bytes_tot=%d bytes_read=%d", s.bytesTot, s.bytesRead)
}

// Pool is the fixed-capacity, non-blocking arena described in spec.md
// §4.1. Allocation never blocks: Alloc returns (nil, false) immediately
// when the arena is exhausted, and the caller is responsible for parking
// itself (state WAITING_TRANS) and retrying after a Release wakes it.
type Pool struct {
	capacity int
	nextID   uint64

	// sem gates overall capacity: TryAcquire(1) is the non-blocking
	// allocation primitive, Release(1) the non-blocking free.
	sem *semaphore.Weighted

	mu    sync.Mutex
	free  []int    // indices of free slots
	inUse []bool   // slot -> allocated
	slots [][]byte // preallocated payload buffers, one per slot

	onRelease func() // optional hook the scheduler installs to rewake waiters
}

// NewPool builds a pool of the given capacity, each slot pre-sized to
// hold one maximum-size chunk payload.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = 100 // spec.md default queue_depth
	}
	p := &Pool{
		capacity: capacity,
		sem:      semaphore.NewWeighted(int64(capacity)),
		free:     make([]int, capacity),
		inUse:    make([]bool, capacity),
		slots:    make([][]byte, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.free[i] = capacity - 1 - i // pop from tail, order doesn't matter
		p.slots[i] = make([]byte, MaxPayload)
	}
	return p
}

// OnRelease installs a callback invoked every time a TX is released,
// letting the scheduler rewake a producer parked in WAITING_TRANS.
func (p *Pool) OnRelease(fn func()) {
	p.mu.Lock()
	p.onRelease = fn
	p.mu.Unlock()
}

// Alloc draws a TX from the pool without blocking. The second return
// value is false ("exhausted") when no slot is free; the caller must not
// treat this as an error, only as a signal to yield. The pool is never
// allowed to block on the network while holding a TX: Alloc itself never
// blocks either, by construction (TryAcquire).
func (p *Pool) Alloc() (*TX, bool) {
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	p.mu.Lock()
	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[slot] = true
	p.mu.Unlock()
	id := atomic.AddUint64(&p.nextID, 1)
	return &TX{
		TransID: id,
		Payload: p.slots[slot],
		slot:    slot,
	}, true
}

// Release returns a TX's slot to the free list and fires the wakeup hook.
func (p *Pool) Release(tx *TX) {
	if tx == nil {
		return
	}
	p.mu.Lock()
	released := false
	if tx.slot >= 0 && tx.slot < p.capacity && p.inUse[tx.slot] {
		p.inUse[tx.slot] = false
		p.free = append(p.free, tx.slot)
		released = true
	}
	hook := p.onRelease
	p.mu.Unlock()
	if released {
		p.sem.Release(1)
	}
	if hook != nil {
		hook()
	}
}

// InUse reports how many TXs are currently allocated, for diagnostics.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - len(p.free)
}

// ensure semaphore's blocking Acquire is never what we reach for in the
// hot path; it exists only so callers with a genuine reason to wait (e.g.
// a test draining the pool) have a documented escape hatch.
var _ = (*semaphore.Weighted).Acquire

// waitOneRelease is used only by tests that want to block for a slot
// instead of polling WAITING_TRANS, to avoid busy-looping assertions.
func (p *Pool) waitOneRelease(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.sem.Release(1)
	return nil
}

// Capacity returns the pool's fixed size.
func (p *Pool) Capacity() int {
	return p.capacity
}
