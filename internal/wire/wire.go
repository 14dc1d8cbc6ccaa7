// Package wire implements the framed header + XML control body protocol
// described by the engine's external interface (C2 in the design): a
// fixed binary header followed by a body that is either a raw chunk
// payload or a small XML document from the closed set of control
// messages.
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/cyphertite/ctengine/internal/errs"
)

// ProtocolVersion is the version attribute every XML control message
// carries and that receivers must match exactly.
const ProtocolVersion = 1

// HeaderSize is the fixed on-wire size of Header, in bytes.
const HeaderSize = 1 + 1 + 1 + 1 + 4 + 4

// Opcode distinguishes a raw chunk payload from an XML control message.
type Opcode uint8

const (
	OpData Opcode = iota
	OpXML
	OpXMLReply
)

func (o Opcode) String() string {
	switch o {
	case OpData:
		return "DATA"
	case OpXML:
		return "XML"
	case OpXMLReply:
		return "XML_REPLY"
	default:
		return "UNKNOWN"
	}
}

// Flags is the header flags bitset. Bit positions are wire-significant:
// a remote peer is a fixed value, not an implementation detail.
type Flags uint8

const (
	FlagMetadata    Flags = 1 << 0
	FlagCompression Flags = 1 << 1
)

// Status is the header status byte; OK is the only value that permits a
// frame's body to be trusted as a successful reply.
type Status uint8

const (
	StatusOK Status = iota
	StatusErr
)

// Header is the fixed binary record that precedes every frame body.
// Wire order is big-endian throughout, chosen once and fixed for
// compatibility; Marshal/Unmarshal are the only places that encode it.
type Header struct {
	Version uint8
	Opcode  Opcode
	Flags   Flags
	Status  Status
	Tag     uint32 // echoed packet-id, for request/reply correlation
	Size    uint32 // body length in bytes
}

// Marshal encodes h into its fixed wire representation.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version
	buf[1] = byte(h.Opcode)
	buf[2] = byte(h.Flags)
	buf[3] = byte(h.Status)
	binary.BigEndian.PutUint32(buf[4:8], h.Tag)
	binary.BigEndian.PutUint32(buf[8:12], h.Size)
	return buf
}

// UnmarshalHeader decodes a fixed-size wire header.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", errs.ErrProtocol, len(buf))
	}
	return Header{
		Version: buf[0],
		Opcode:  Opcode(buf[1]),
		Flags:   Flags(buf[2]),
		Status:  Status(buf[3]),
		Tag:     binary.BigEndian.Uint32(buf[4:8]),
		Size:    binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// Conn is the minimum a transport must satisfy for Codec to frame over
// it; the optional deadline-setting methods are detected separately so
// OpenPolled can degrade gracefully on a Conn that lacks them.
type Conn interface {
	io.ReadWriteCloser
}

// Codec reads and writes frames over a Conn. It does not own the
// connection's lifecycle; callers Close it.
type Codec struct {
	conn   Conn
	nextID uint32
}

// NewCodec wraps an established connection. The connection is assumed
// already open; dialing is the Transport collaborator's job (out of
// scope here, per the external-interfaces boundary).
func NewCodec(conn Conn) *Codec {
	return &Codec{conn: conn}
}

// NextTag allocates the next packet-id for a request. Tags are not
// required to be globally unique, only non-colliding with in-flight
// requests on this connection.
func (c *Codec) NextTag() uint32 {
	c.nextID++
	return c.nextID
}

// WriteFrame writes one header+body frame.
func (c *Codec) WriteFrame(opcode Opcode, flags Flags, tag uint32, body []byte) error {
	h := Header{
		Version: ProtocolVersion,
		Opcode:  opcode,
		Flags:   flags,
		Status:  StatusOK,
		Tag:     tag,
		Size:    uint32(len(body)),
	}
	if _, err := c.conn.Write(h.Marshal()); err != nil {
		return fmt.Errorf("%w: write header: %v", errs.ErrLocalIO, err)
	}
	if len(body) > 0 {
		if _, err := c.conn.Write(body); err != nil {
			return fmt.Errorf("%w: write body: %v", errs.ErrLocalIO, err)
		}
	}
	return nil
}

// ReadFrame reads one header+body frame.
func (c *Codec) ReadFrame() (Header, []byte, error) {
	hb := make([]byte, HeaderSize)
	if _, err := io.ReadFull(c.conn, hb); err != nil {
		return Header{}, nil, fmt.Errorf("%w: read header: %v", errs.ErrLocalIO, err)
	}
	h, err := UnmarshalHeader(hb)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Version != ProtocolVersion {
		return Header{}, nil, fmt.Errorf("%w: version %d != %d", errs.ErrProtocol, h.Version, ProtocolVersion)
	}
	body := make([]byte, h.Size)
	if h.Size > 0 {
		if _, err := io.ReadFull(c.conn, body); err != nil {
			return Header{}, nil, fmt.Errorf("%w: read body: %v", errs.ErrLocalIO, err)
		}
	}
	return h, body, nil
}

// WriteXML marshals v (one of the *_control message structs below) and
// writes it as an XML frame.
func (c *Codec) WriteXML(tag uint32, flags Flags, v interface{}) error {
	body, err := xml.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal %T: %v", errs.ErrProtocol, v, err)
	}
	return c.WriteFrame(OpXML, flags|FlagMetadata, tag, body)
}

// ReadXMLReply reads a frame and unmarshals its body into v, which must
// be a pointer to one of the *_reply structs below. It rejects anything
// that isn't an XML_REPLY opcode.
func (c *Codec) ReadXMLReply(v interface{}) (Header, error) {
	h, body, err := c.ReadFrame()
	if err != nil {
		return h, err
	}
	if h.Opcode != OpXMLReply {
		return h, fmt.Errorf("%w: expected XML_REPLY, got %s", errs.ErrProtocol, h.Opcode)
	}
	if err := xml.Unmarshal(body, v); err != nil {
		return h, fmt.Errorf("%w: unmarshal %T: %v", errs.ErrProtocol, v, err)
	}
	return h, nil
}

// ---- XML control messages (the closed set from the wire protocol) ----

// MDOpenRead requests a read-only open of a remote ctfile for extract.
type MDOpenRead struct {
	XMLName xml.Name `xml:"ct_md_open_read"`
	Version int      `xml:"version,attr"`
	Name    string   `xml:"name,attr"` // base64
}

// MDOpenReadReply's Basis names the differential parent this ctfile was
// archived against (base64, empty for a full ctfile), so a caller
// resolving a chain (spec.md §4.5.1) learns the next link without a
// separate query.
type MDOpenReadReply struct {
	XMLName xml.Name `xml:"ct_md_open_read_reply"`
	Version int      `xml:"version,attr"`
	Status  string   `xml:"status,attr"`
	Size    int64    `xml:"size,attr"`
	Basis   string   `xml:"basis,attr,omitempty"`
}

// MDOpenCreate requests a write-open for archive, optionally resuming
// at ChunkNo for an append. Basis, when set, names the prior ctfile this
// archive is differential against.
type MDOpenCreate struct {
	XMLName xml.Name `xml:"ct_md_open_create"`
	Version int      `xml:"version,attr"`
	Name    string   `xml:"name,attr"`           // base64
	Basis   string   `xml:"basis,attr,omitempty"` // base64
	ChunkNo *uint32  `xml:"chunkno,attr,omitempty"`
}

type MDOpenCreateReply struct {
	XMLName xml.Name `xml:"ct_md_open_create_reply"`
	Version int      `xml:"version,attr"`
	Status  string   `xml:"status,attr"`
}

// MDClose terminates the currently open ctfile stream.
type MDClose struct {
	XMLName xml.Name `xml:"ct_md_close"`
	Version int      `xml:"version,attr"`
	Eof     bool     `xml:"eof,attr,omitempty"`
}

type MDCloseReply struct {
	XMLName xml.Name `xml:"ct_md_close_reply"`
	Version int      `xml:"version,attr"`
	Status  string   `xml:"status,attr"`
}

// MDList requests a directory-style listing by glob or regex pattern.
type MDList struct {
	XMLName xml.Name `xml:"ct_md_list"`
	Version int      `xml:"version,attr"`
	Pattern string   `xml:"pattern,attr"`
	Regex   bool     `xml:"regex,attr,omitempty"`
}

// MDListEntry is one remote ctfile entry in a list reply.
type MDListEntry struct {
	XMLName xml.Name `xml:"file"`
	Name    string   `xml:"name,attr"` // base64
	Size    int64    `xml:"size,attr"`
	Mtime   int64    `xml:"mtime,attr"`
}

type MDListReply struct {
	XMLName xml.Name      `xml:"ct_md_list_reply"`
	Version int           `xml:"version,attr"`
	Status  string        `xml:"status,attr"`
	Entries []MDListEntry `xml:"file"`
}

// MDDelete requests deletion of one remote ctfile by name.
type MDDelete struct {
	XMLName xml.Name `xml:"ct_md_delete"`
	Version int      `xml:"version,attr"`
	Name    string   `xml:"name,attr"` // base64
}

type MDDeleteReply struct {
	XMLName xml.Name `xml:"ct_md_delete_reply"`
	Version int      `xml:"version,attr"`
	Status  string   `xml:"status,attr"`
	Message string   `xml:"message,attr,omitempty"` // "deleted" | "does not exist"
}

// CullSetup opens a cull dialog under uuid; Type is always "precious"
// in this engine (the only cull variety it implements).
type CullSetup struct {
	XMLName xml.Name `xml:"ct_cull_setup"`
	Version int      `xml:"version,attr"`
	Type    string   `xml:"type,attr"`
	UUID    string   `xml:"uuid,attr"`
}

type CullSetupReply struct {
	XMLName xml.Name `xml:"ct_cull_setup_reply"`
	Version int      `xml:"version,attr"`
	Status  string   `xml:"status,attr"`
}

// CullSHA is one hex-encoded SHA entry in a ct_cull_shas batch.
type CullSHA struct {
	XMLName xml.Name `xml:"sha"`
	Hex     string   `xml:",chardata"`
}

// CullShas carries one SHAS_PER_PACKET-sized batch of the precious set.
type CullShas struct {
	XMLName xml.Name  `xml:"ct_cull_shas"`
	Version int       `xml:"version,attr"`
	UUID    string    `xml:"uuid,attr"`
	Eof     bool      `xml:"eof,attr,omitempty"`
	Shas    []CullSHA `xml:"sha"`
}

type CullShasReply struct {
	XMLName xml.Name `xml:"ct_cull_shas_reply"`
	Version int      `xml:"version,attr"`
	Status  string   `xml:"status,attr"`
}

// CullComplete ends the cull dialog; Type is always "process".
type CullComplete struct {
	XMLName xml.Name `xml:"ct_cull_complete"`
	Version int      `xml:"version,attr"`
	Type    string   `xml:"type,attr"`
	UUID    string   `xml:"uuid,attr"`
}

type CullCompleteReply struct {
	XMLName xml.Name `xml:"ct_cull_complete_reply"`
	Version int      `xml:"version,attr"`
	Status  string   `xml:"status,attr"`
}

// ChunkRequestSize is the fixed wire size of a READ_CHUNK request body:
// chunk_no (4 bytes, big-endian) + iv (16) + sha (20).
const ChunkRequestSize = 4 + 16 + 20

// MarshalChunkRequest encodes the body of a READ_CHUNK OpData request:
// which chunk to fetch, identified the same way spec.md §3/§4.3
// identifies it on the wire (derived iv and sha, not just chunk_no),
// so the server can validate both.
func MarshalChunkRequest(chunkNo uint32, iv [16]byte, sha [20]byte) []byte {
	buf := make([]byte, ChunkRequestSize)
	binary.BigEndian.PutUint32(buf[0:4], chunkNo)
	copy(buf[4:20], iv[:])
	copy(buf[20:40], sha[:])
	return buf
}

// UnmarshalChunkRequest reverses MarshalChunkRequest.
func UnmarshalChunkRequest(buf []byte) (chunkNo uint32, iv [16]byte, sha [20]byte, err error) {
	if len(buf) != ChunkRequestSize {
		return 0, iv, sha, fmt.Errorf("%w: short chunk request (%d bytes)", errs.ErrProtocol, len(buf))
	}
	chunkNo = binary.BigEndian.Uint32(buf[0:4])
	copy(iv[:], buf[4:20])
	copy(sha[:], buf[20:40])
	return chunkNo, iv, sha, nil
}

// EncodeName base64-encodes a file name so arbitrary bytes survive the
// XML attribute layer.
func EncodeName(name string) string {
	return base64.StdEncoding.EncodeToString([]byte(name))
}

// DecodeName reverses EncodeName.
func DecodeName(enc string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("%w: bad base64 name: %v", errs.ErrProtocol, err)
	}
	return string(b), nil
}

// ReplyOK reports whether a reply's status attribute indicates success.
func ReplyOK(status string) bool {
	return status == "" || status == "ok" || status == "OK"
}

// ReplyStatusError builds an ErrRemoteResource-wrapped error for a
// non-OK reply status, for callers that just need one line.
func ReplyStatusError(msgType, status string) error {
	if ReplyOK(status) {
		return nil
	}
	return fmt.Errorf("%w: %s reply status %q", errs.ErrRemoteResource, msgType, status)
}

