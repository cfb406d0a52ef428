// Package wire implements JennyNet's parcel framing: the atomic on-wire unit that
// carries a fragment of a logical object or a control signal.
//
// It solves the same sticky-packet problem the teacher's protocol package solves —
// a fixed-layout header carries the payload length, so the receiver always knows
// exactly how many bytes to read next — generalised from mini-rpc's single 14-byte
// RPC header into JennyNet's parcel header plus an optional object header that only
// appears on sequence 0 of a non-signal object.
//
// Parcel frame:
//
//	8-byte magic | 1-byte channel | 1-byte priority | 8-byte object-id |
//	4-byte sequence | 4-byte payload length | payload bytes
//
// Object header (only when sequence == 0 and channel != SIGNAL), prefixed to the
// payload:
//
//	8-byte total length | 4-byte parcel count | 4-byte method id | 4-byte CRC32 |
//	2-byte path length | path bytes | 2-byte class-name length | class-name bytes
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"jennynet/jerrors"
)

// MagicNumber is the fixed 8-byte marker identifying a JennyNet parcel, stable
// across protocol versions (a future version bump lives in the handshake, not here).
var MagicNumber = [8]byte{'j', 'e', 'n', 'n', 'y', 'n', 'e', 't'}

// HeaderSize is the fixed portion of every parcel: magic + channel + priority +
// object-id + sequence + payload length.
const HeaderSize = 8 + 1 + 1 + 8 + 4 + 4

// Channel classifies the coarse kind of a parcel.
type Channel byte

const (
	ChannelSignal Channel = 0
	ChannelObject Channel = 1
	ChannelFile   Channel = 2
	ChannelData   Channel = 3
)

func (c Channel) String() string {
	switch c {
	case ChannelSignal:
		return "SIGNAL"
	case ChannelObject:
		return "OBJECT"
	case ChannelFile:
		return "FILE"
	case ChannelData:
		return "DATA"
	default:
		return fmt.Sprintf("Channel(%d)", byte(c))
	}
}

// Priority is one of five scheduling classes, BOTTOM lowest, TOP highest. Signals
// are enqueued above TOP (see pqueue.SignalPriority) so a lone signal preempts data.
type Priority byte

const (
	PriorityBottom Priority = 0
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityTop    Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityBottom:
		return "BOTTOM"
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityTop:
		return "TOP"
	default:
		return fmt.Sprintf("Priority(%d)", byte(p))
	}
}

// Header is the fixed part of a parcel.
type Header struct {
	Channel  Channel
	Priority Priority
	ObjectID uint64
	Sequence uint32
	BodyLen  uint32
}

// ObjectHeader is carried as the first bytes of the payload when Sequence == 0 and
// Channel != ChannelSignal.
type ObjectHeader struct {
	TotalLength uint64
	ParcelCount uint32
	MethodID    uint32
	CRC32       uint32
	RemotePath  string // populated for file transfers only
	ClassName   string // populated for user-object sends only (spec.md §4.2)
}

// EncodeObjectHeader serialises an ObjectHeader to its wire form.
func EncodeObjectHeader(h *ObjectHeader) []byte {
	pathBytes := []byte(h.RemotePath)
	classBytes := []byte(h.ClassName)
	buf := make([]byte, 8+4+4+4+2+len(pathBytes)+2+len(classBytes))
	binary.BigEndian.PutUint64(buf[0:8], h.TotalLength)
	binary.BigEndian.PutUint32(buf[8:12], h.ParcelCount)
	binary.BigEndian.PutUint32(buf[12:16], h.MethodID)
	binary.BigEndian.PutUint32(buf[16:20], h.CRC32)
	binary.BigEndian.PutUint16(buf[20:22], uint16(len(pathBytes)))
	copy(buf[22:22+len(pathBytes)], pathBytes)
	off := 22 + len(pathBytes)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(classBytes)))
	copy(buf[off+2:], classBytes)
	return buf
}

// ObjectHeaderSize returns the encoded size of h, mirroring EncodeObjectHeader.
func ObjectHeaderSize(h *ObjectHeader) int {
	return 8 + 4 + 4 + 4 + 2 + len(h.RemotePath) + 2 + len(h.ClassName)
}

// DecodeObjectHeader parses an ObjectHeader from the front of data, returning the
// header and the number of bytes consumed.
func DecodeObjectHeader(data []byte) (*ObjectHeader, int, error) {
	if len(data) < 22 {
		return nil, 0, fmt.Errorf("%w: object header truncated", jerrors.ErrFraming)
	}
	h := &ObjectHeader{
		TotalLength: binary.BigEndian.Uint64(data[0:8]),
		ParcelCount: binary.BigEndian.Uint32(data[8:12]),
		MethodID:    binary.BigEndian.Uint32(data[12:16]),
		CRC32:       binary.BigEndian.Uint32(data[16:20]),
	}
	pathLen := int(binary.BigEndian.Uint16(data[20:22]))
	if len(data) < 22+pathLen+2 {
		return nil, 0, fmt.Errorf("%w: object header path truncated", jerrors.ErrFraming)
	}
	h.RemotePath = string(data[22 : 22+pathLen])
	off := 22 + pathLen
	classLen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) < off+classLen {
		return nil, 0, fmt.Errorf("%w: object header class name truncated", jerrors.ErrFraming)
	}
	h.ClassName = string(data[off : off+classLen])
	off += classLen
	return h, off, nil
}

// Encode writes a complete parcel (header + payload) to w.
// The caller must serialise writes to w if multiple goroutines share it, otherwise
// parcels from different objects interleave and corrupt the stream — the same
// discipline the teacher enforces with its per-connection sending mutex.
func Encode(w io.Writer, h *Header, payload []byte) error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], MagicNumber[:])
	buf[8] = byte(h.Channel)
	buf[9] = byte(h.Priority)
	binary.BigEndian.PutUint64(buf[10:18], h.ObjectID)
	binary.BigEndian.PutUint32(buf[18:22], h.Sequence)
	binary.BigEndian.PutUint32(buf[22:26], h.BodyLen)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// MaxSerialisationSize bounds the payload length accepted by Decode unless the
// caller supplies a tighter limit (the connection's configured maximum).
const MaxSerialisationSize = 64 << 20

// Decode reads one complete parcel from r, validating the magic marker and
// enforcing maxPayload (pass 0 to fall back to MaxSerialisationSize).
func Decode(r io.Reader, maxPayload uint32) (*Header, []byte, error) {
	if maxPayload == 0 {
		maxPayload = MaxSerialisationSize
	}
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}
	var magic [8]byte
	copy(magic[:], headerBuf[0:8])
	if magic != MagicNumber {
		return nil, nil, fmt.Errorf("%w: bad magic %x", jerrors.ErrFraming, magic)
	}

	h := &Header{
		Channel:  Channel(headerBuf[8]),
		Priority: Priority(headerBuf[9]),
		ObjectID: binary.BigEndian.Uint64(headerBuf[10:18]),
		Sequence: binary.BigEndian.Uint32(headerBuf[18:22]),
		BodyLen:  binary.BigEndian.Uint32(headerBuf[22:26]),
	}
	if h.BodyLen > maxPayload {
		return nil, nil, fmt.Errorf("%w: payload length %d exceeds maximum %d", jerrors.ErrFraming, h.BodyLen, maxPayload)
	}

	payload := make([]byte, h.BodyLen)
	if h.BodyLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, err
		}
	}
	return h, payload, nil
}
