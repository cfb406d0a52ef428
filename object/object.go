// Package object holds JennyNet's data model (spec.md §3): the logical objects
// exchanged over a connection, the send-orders that carry them, the in-progress
// transfer bookkeeping, and the events delivered to listeners.
//
// This generalises the teacher's single RPCMessage envelope (message/message.go)
// into the tagged set of kinds the spec calls for: a user object, a raw byte
// block, a file, or a signal.
package object

import (
	"os"

	"jennynet/serial"
	"jennynet/wire"
)

// Kind tags which variant a LogicalObject or Transfer is.
type Kind byte

const (
	KindUserObject Kind = iota
	KindByteBlock
	KindFile
	KindSignal
)

func (k Kind) String() string {
	switch k {
	case KindUserObject:
		return "user-object"
	case KindByteBlock:
		return "byte-block"
	case KindFile:
		return "file"
	case KindSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// SendOrder is an intent to send one logical object at a chosen priority. It is
// created by the public API and destroyed after its last parcel leaves, or after
// cancellation (spec.md §3).
type SendOrder struct {
	ObjectID   uint64
	Kind       Kind
	Priority   wire.Priority
	MethodID   uint32 // ignored for byte blocks and files
	Value      any    // user object value, for KindUserObject
	Bytes      []byte // raw payload, for KindByteBlock
	File       *os.File
	FileSize   int64
	RemotePath string // for KindFile

	// Registry is the serial.Registry the sender validated v's registration
	// against, for KindUserObject orders whose MethodID names a serialisation
	// method other than the connection's default. serialisationStage must encode
	// with this same Registry so the parcel's methodID and its actual codec
	// never disagree. Left nil to mean "the connection's own send registry".
	Registry *serial.Registry

	// Cancel is closed by break_transfer (and by a close that aborts the order)
	// to tell the serialisation stage to stop producing further parcels for
	// this order; parcels already queued are dropped with pqueue.RemoveObject.
	Cancel chan struct{}
}

// IsCancelled reports whether Cancel has fired, without blocking.
func (o *SendOrder) IsCancelled() bool {
	select {
	case <-o.Cancel:
		return true
	default:
		return false
	}
}

// Transfer is a per-connection, per-direction record of an object currently being
// sent or received (spec.md §3). Invariants: object ids are strictly increasing in
// their direction; exactly one Transfer exists per (direction, object-id) at a
// time; parcel sequence numbers are consecutive from 0 and never reused.
type Transfer struct {
	ObjectID     uint64
	Direction    wire.Direction
	Kind         Kind
	Priority     wire.Priority
	MethodID     uint32
	TotalBytes   int64
	Progressed   int64
	NextSequence uint32
	CRC          uint32 // running CRC32 as bytes arrive
	RemotePath   string

	// File-transfer only.
	TempFile  *os.File
	TempPath  string
	FinalPath string
}

// NewCRC returns a fresh IEEE CRC32 accumulator seed, the starting value for
// crc32.Update.
func NewCRC() uint32 { return 0 }

// InfoCode is the numeric code carried by terminal events (closed/aborted), part
// of the external contract (spec.md §4.4 cancellation, §6 closed-info codes).
type InfoCode int

// EventKind distinguishes the immutable records delivered to listeners
// (spec.md §3 "Event").
type EventKind int

const (
	EventObjectReceived EventKind = iota
	EventDataReceived
	EventFileSending
	EventFileIncoming
	EventFileReceived
	EventFileConfirmed
	EventFileAborted
	EventPingEcho
	EventIdleChanged
	EventConnected
	EventShutdown
	EventClosed
	EventAborted
)

func (k EventKind) String() string {
	names := [...]string{
		"object-received", "data-received", "file-sending", "file-incoming",
		"file-received", "file-confirmed", "file-aborted", "ping-echo",
		"idle-changed", "connected", "shutdown", "closed", "aborted",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown-event"
}

// Event is an immutable record describing something that happened on a
// connection.
type Event struct {
	Kind     EventKind
	ObjectID uint64
	Info     int
	Object   any    // deserialised value, for EventObjectReceived
	Data     []byte // raw bytes, for EventDataReceived
	FilePath string // final path, for file events
	Message  string
	Err      error

	// Idle/ping specific payloads.
	Idle        bool
	ExchangeN   int64
	PingNonce   uint64
	PingRTTMs   int64
}
