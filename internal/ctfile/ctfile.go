// Package ctfile implements the transfer state machine (C3) that
// streams one ctfile up (archive) or down (extract) over a wire.Codec,
// one chunk per transaction, honoring backpressure from a bounded
// transaction.Pool.
//
// Only one StreamContext is ever active per connection; it replaces the
// original's module-level session globals (ctfile_handle, block_no,
// is_open, open_inflight) with a value owned by the current operation.
package ctfile

import (
	"fmt"
	"io"
	"os"

	"github.com/cyphertite/ctengine/internal/ctlog"
	"github.com/cyphertite/ctengine/internal/errs"
	"github.com/cyphertite/ctengine/internal/transaction"
	"github.com/cyphertite/ctengine/internal/wire"
)

// Direction distinguishes the two stream shapes; every field and
// transition below is shared, but the per-chunk TX kind and the
// terminal XML exchange differ.
type Direction int

const (
	DirArchive Direction = iota // upload: local file -> server
	DirExtract                  // download: server -> local file
)

// StreamState is the FSM state from spec.md §4.3. IDLE is implicit
// (zero value, before Start is called).
type StreamState int

const (
	StateIdle StreamState = iota
	StateOpening
	StateActive
	StateWaitingTrans
	StateClosing
	StateDone
	StateFatal
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOpening:
		return "OPENING"
	case StateActive:
		return "ACTIVE"
	case StateWaitingTrans:
		return "WAITING_TRANS"
	case StateClosing:
		return "CLOSING"
	case StateDone:
		return "DONE"
	case StateFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// MaxBlockSize is the default chunk size a stream reads/writes per
// transaction (spec.md §4.3 step 4).
const MaxBlockSize = transaction.MaxPayload

// StreamContext owns the single active ctfile stream. It is created
// fresh by the operation that drives an archive or extract and
// discarded on completion; nothing about it survives across ops.
type StreamContext struct {
	Dir      Direction
	Name     string // cooked remote name, unencoded
	Basis    string // archive only: prior ctfile tag this one is differential against, empty for a full backup
	Handle   *os.File
	Size     int64
	Offset   int64
	BlockNo  uint32
	IsOpen   bool // server has acked the open
	OpenInfl bool // open request issued, not yet acked

	State StreamState

	codec *wire.Codec
	pool  *transaction.Pool
	tag   uint32 // packet-id of the in-flight XML request, if any

	stats *transaction.Stats

	pending []*transaction.TX // extract: outstanding read TXs, FIFO, released as replies arrive in order
}

// NewStreamContext builds a stream bound to one codec and pool. Exactly
// one should be active at a time per the resource-discipline invariant
// in spec.md §5.
func NewStreamContext(dir Direction, name string, codec *wire.Codec, pool *transaction.Pool, stats *transaction.Stats) *StreamContext {
	return &StreamContext{
		Dir:   dir,
		Name:  name,
		State: StateIdle,
		codec: codec,
		pool:  pool,
		stats: stats,
	}
}

// invariant: !IsOpen || !OpenInfl.
func (s *StreamContext) checkOpenInvariant() {
	if s.IsOpen && s.OpenInfl {
		panic("ctfile: IsOpen and OpenInfl both set")
	}
}

// prepareArchiveOpen opens and stats the local file, parks the stream in
// OPENING, and builds (but does not send) the open_create request. It is
// shared by StartArchive and StartArchivePolled so the two differ only
// in how the request actually goes out.
func (s *StreamContext) prepareArchiveOpen(localPath string) (wire.MDOpenCreate, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return wire.MDOpenCreate{}, fmt.Errorf("%w: open %s: %v", errs.ErrLocalIO, localPath, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return wire.MDOpenCreate{}, fmt.Errorf("%w: stat %s: %v", errs.ErrLocalIO, localPath, err)
	}
	s.Handle = f
	s.Size = fi.Size()
	s.Offset = 0
	s.BlockNo = 0
	s.State = StateOpening
	s.OpenInfl = true
	s.checkOpenInvariant()

	req := wire.MDOpenCreate{Version: wire.ProtocolVersion, Name: wire.EncodeName(s.Name)}
	if s.Basis != "" {
		req.Basis = wire.EncodeName(s.Basis)
	}
	return req, nil
}

// StartArchive opens the local file read-only, stats it, and issues
// ct_md_open_create. Caller must not call Start twice on one context.
// The open reply arrives asynchronously, via HandleOpenReply.
func (s *StreamContext) StartArchive(localPath string) error {
	req, err := s.prepareArchiveOpen(localPath)
	if err != nil {
		return err
	}
	s.tag = s.codec.NextTag()
	if err := s.codec.WriteXML(s.tag, wire.FlagMetadata, req); err != nil {
		s.State = StateFatal
		return err
	}
	ctlog.Debugf("ctfile", "archive open_create sent name=%s tag=%d size=%d", s.Name, s.tag, s.Size)
	return nil
}

// StartArchivePolled behaves like StartArchive, but performs the open
// exchange synchronously under wire.OpenPolled's fixed timeout instead
// of leaving the reply for the caller's async pump — the one open call
// a stream issues before that pump starts (spec.md §4.3 step 1).
func (s *StreamContext) StartArchivePolled(localPath string) error {
	req, err := s.prepareArchiveOpen(localPath)
	if err != nil {
		return err
	}
	s.tag = s.codec.NextTag()
	var reply wire.MDOpenCreateReply
	if err := s.codec.OpenPolled(s.tag, req, &reply); err != nil {
		s.State = StateFatal
		return err
	}
	ctlog.Debugf("ctfile", "archive open_create polled name=%s tag=%d size=%d", s.Name, s.tag, s.Size)
	return s.HandleOpenReply(reply.Status, 0)
}

// prepareExtractOpen creates (truncating) the local destination file,
// parks the stream in OPENING, and builds the open_read request.
func (s *StreamContext) prepareExtractOpen(localPath string) (wire.MDOpenRead, error) {
	f, err := os.Create(localPath)
	if err != nil {
		return wire.MDOpenRead{}, fmt.Errorf("%w: create %s: %v", errs.ErrLocalIO, localPath, err)
	}
	s.Handle = f
	s.Offset = 0
	s.BlockNo = 0
	s.State = StateOpening
	s.OpenInfl = true
	s.checkOpenInvariant()

	return wire.MDOpenRead{Version: wire.ProtocolVersion, Name: wire.EncodeName(s.Name)}, nil
}

// StartExtract creates the local file (truncating an existing one), and
// issues ct_md_open_read. The open reply arrives asynchronously, via
// HandleOpenReply.
func (s *StreamContext) StartExtract(localPath string) error {
	req, err := s.prepareExtractOpen(localPath)
	if err != nil {
		return err
	}
	s.tag = s.codec.NextTag()
	if err := s.codec.WriteXML(s.tag, wire.FlagMetadata, req); err != nil {
		s.State = StateFatal
		return err
	}
	ctlog.Debugf("ctfile", "extract open_read sent name=%s tag=%d", s.Name, s.tag)
	return nil
}

// StartExtractPolled behaves like StartExtract, but performs the open
// exchange synchronously under wire.OpenPolled's fixed timeout, the one
// open call a stream issues before the async pump starts (spec.md §4.3
// step 1). It returns the raw reply so the caller can inspect Basis,
// which this package has no use for but a chain-resolving caller does.
func (s *StreamContext) StartExtractPolled(localPath string) (wire.MDOpenReadReply, error) {
	req, err := s.prepareExtractOpen(localPath)
	if err != nil {
		return wire.MDOpenReadReply{}, err
	}
	s.tag = s.codec.NextTag()
	var reply wire.MDOpenReadReply
	if err := s.codec.OpenPolled(s.tag, req, &reply); err != nil {
		s.State = StateFatal
		return reply, err
	}
	ctlog.Debugf("ctfile", "extract open_read polled name=%s tag=%d", s.Name, s.tag)
	if err := s.HandleOpenReply(reply.Status, reply.Size); err != nil {
		return reply, err
	}
	return reply, nil
}

// HandleOpenReply processes the ack/nak for the open request issued by
// Start{Archive,Extract}, transitioning OPENING -> ACTIVE or FATAL.
func (s *StreamContext) HandleOpenReply(status string, remoteSize int64) error {
	if s.State != StateOpening {
		return fmt.Errorf("%w: open reply in state %s", errs.ErrProtocol, s.State)
	}
	s.OpenInfl = false
	if err := wire.ReplyStatusError("open", status); err != nil {
		s.State = StateFatal
		if s.Dir == DirArchive {
			// Expected: server reporting "already exists" etc. is still
			// fatal for this stream, but not for the process — spec.md §7.
			return fmt.Errorf("%w (archive)", err)
		}
		return err
	}
	s.IsOpen = true
	if s.Dir == DirExtract {
		s.Size = remoteSize
	}
	s.State = StateActive
	s.checkOpenInvariant()
	return nil
}

// StepArchive submits one chunk transaction from the pool, or the
// terminal close, per spec.md §4.3. Returns ok=false when the pool is
// exhausted (state becomes WAITING_TRANS, not an error).
func (s *StreamContext) StepArchive() (ok bool, err error) {
	if s.State != StateActive {
		return false, fmt.Errorf("%w: StepArchive in state %s", errs.ErrProtocol, s.State)
	}
	if s.Offset >= s.Size {
		return s.submitClose()
	}

	tx, got := s.pool.Alloc()
	if !got {
		s.State = StateWaitingTrans
		return false, nil
	}

	readLen := min64(MaxBlockSize, s.Size-s.Offset)
	n, err := s.Handle.Read(tx.Payload[:int(readLen)])
	if err != nil && err != io.EOF {
		s.pool.Release(tx)
		s.State = StateFatal
		return false, fmt.Errorf("%w: read %s: %v", errs.ErrLocalIO, s.Name, err)
	}
	if n == 0 {
		// File shrank under us mid-archive: tolerate with a warning and
		// treat as EOF for this stream (spec.md §4.3 step 6, §7 kind 2).
		ctlog.Warnf("ctfile", "local file %s shrank mid-archive at offset %d", s.Name, s.Offset)
		s.pool.Release(tx)
		s.Size = s.Offset
		return s.submitClose()
	}

	tx.Kind = transaction.KindWriteChunk
	tx.Flags = transaction.FlagMetadata
	tx.ChunkNo = s.BlockNo
	tx.IV = transaction.DeriveIV(s.BlockNo)
	tx.Size = n
	tx.CtfileName = s.Name
	tx.EOF = false

	s.stats.AddBytesRead(int64(n))
	s.Offset += int64(n)
	s.BlockNo++
	s.State = StateActive

	// Archive chunks are fire-and-forget: the server does not ack each
	// one individually, so the slot is free again as soon as it is on
	// the wire.
	err = s.submitData(tx)
	s.pool.Release(tx)
	return true, err
}

// StepExtract requests the next chunk in order. The caller is expected
// to drive replies into HandleChunkReply.
func (s *StreamContext) StepExtract() (ok bool, err error) {
	if s.State != StateActive {
		return false, fmt.Errorf("%w: StepExtract in state %s", errs.ErrProtocol, s.State)
	}
	tx, got := s.pool.Alloc()
	if !got {
		s.State = StateWaitingTrans
		return false, nil
	}
	tx.Kind = transaction.KindReadChunk
	tx.Flags = transaction.FlagMetadata
	tx.ChunkNo = s.BlockNo
	tx.IV = transaction.DeriveIV(s.BlockNo)
	tx.SHA = transaction.DeriveSHA(s.BlockNo)
	tx.CtfileName = s.Name
	s.BlockNo++

	if err := s.submitData(tx); err != nil {
		s.pool.Release(tx)
		return false, err
	}
	s.pending = append(s.pending, tx)
	return true, nil
}

// HandleChunkReply writes one arrived extract chunk to the local file
// in arrival order, per the ordering guarantee in spec.md §4.3. A
// non-OK status is not an error: it signals end-of-stream.
func (s *StreamContext) HandleChunkReply(status string, payload []byte) (streamDone bool, err error) {
	if len(s.pending) > 0 {
		s.pool.Release(s.pending[0])
		s.pending = s.pending[1:]
	}
	if !wire.ReplyOK(status) {
		return true, nil
	}
	if _, err := s.Handle.Write(payload); err != nil {
		s.State = StateFatal
		return false, fmt.Errorf("%w: write %s: %v", errs.ErrLocalIO, s.Name, err)
	}
	s.Offset += int64(len(payload))
	return false, nil
}

// FinishExtract closes the local file and sends ct_md_close, awaiting
// reply via HandleCloseReply.
func (s *StreamContext) FinishExtract() error {
	if err := s.Handle.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", errs.ErrLocalIO, s.Name, err)
	}
	return s.submitClose2()
}

// submitClose sends the terminal XML_CLOSE. It returns ok=false because
// it did not submit a data chunk this call, matching StepArchive's
// "did I submit a chunk" contract for callers.
func (s *StreamContext) submitClose() (bool, error) {
	s.stats.AddBytesTot(s.Size)
	return false, s.submitClose2()
}

func (s *StreamContext) submitClose2() error {
	s.tag = s.codec.NextTag()
	req := wire.MDClose{Version: wire.ProtocolVersion, Eof: true}
	if err := s.codec.WriteXML(s.tag, wire.FlagMetadata, req); err != nil {
		s.State = StateFatal
		return err
	}
	s.State = StateClosing
	return nil
}

// HandleCloseReply transitions CLOSING -> DONE.
func (s *StreamContext) HandleCloseReply(status string) error {
	if s.State != StateClosing {
		return fmt.Errorf("%w: close reply in state %s", errs.ErrProtocol, s.State)
	}
	if err := wire.ReplyStatusError("close", status); err != nil {
		s.State = StateFatal
		return err
	}
	if s.Handle != nil {
		s.Handle.Close()
	}
	s.State = StateDone
	return nil
}

// submitData writes one TX as an OpData frame. A write-chunk TX carries
// the chunk bytes themselves; a read-chunk TX carries no payload yet —
// its body instead identifies which chunk to fetch (spec.md §4.3 step
// 2: "submitting TXs carrying sha[0..4] = le32(chunk_no) and the
// derived iv"), not just the bare chunk_no.
func (s *StreamContext) submitData(tx *transaction.TX) error {
	flags := wire.Flags(tx.Flags)
	tag := s.codec.NextTag()
	body := tx.Payload[:tx.Size]
	if tx.Kind == transaction.KindReadChunk {
		body = wire.MarshalChunkRequest(tx.ChunkNo, tx.IV, tx.SHA)
	}
	return s.codec.WriteFrame(wire.OpData, flags, tag, body)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
