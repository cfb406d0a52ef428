// Package jerrors defines the error kinds JennyNet raises, grouped into the four
// categories described by the design: use errors (raised synchronously on the
// calling API), protocol errors (force a hard close), transfer errors, and
// connection-lifecycle errors. Protocol and transfer errors additionally carry a
// numeric info code that is preserved across the wire so both ends agree on why
// something failed.
package jerrors

import "fmt"

// Use errors — raised synchronously to the caller. Some also appear as an
// event's error (e.g. ErrClosedConnection on a transfer aborted by a close).
var (
	ErrUnconnected            = fmt.Errorf("jennynet: connection is not connected")
	ErrClosedConnection       = fmt.Errorf("jennynet: connection is closed")
	ErrNullObject             = fmt.Errorf("jennynet: object must not be nil")
	ErrNullRemotePath         = fmt.Errorf("jennynet: remote path must not be nil")
	ErrEmptyRemotePath        = fmt.Errorf("jennynet: remote path must not be empty")
	ErrIllegalArgument        = fmt.Errorf("jennynet: illegal argument")
	ErrListOverflow           = fmt.Errorf("jennynet: object queue is full")
	ErrUnregisteredObject     = fmt.Errorf("jennynet: object class is not registered")
	ErrSerialisationUnavail   = fmt.Errorf("jennynet: serialisation method is not available")
	ErrFileNotFound           = fmt.Errorf("jennynet: source file not found")
	ErrFileInTransmission     = fmt.Errorf("jennynet: file path is already engaged outgoing")
)

// Protocol errors — force a hard close of the connection.
var (
	ErrHandshake        = fmt.Errorf("jennynet: handshake failed")
	ErrFraming          = fmt.Errorf("jennynet: frame is malformed")
	ErrDuplicateObject  = fmt.Errorf("jennynet: duplicate object id")
	ErrUnknownObject    = fmt.Errorf("jennynet: unknown object id")
)

// Transfer errors — reported asynchronously as events, carrying an info code.
var (
	ErrDestinationRealisation = fmt.Errorf("jennynet: destination path could not be realised")
	ErrStorageCRC             = fmt.Errorf("jennynet: CRC32 mismatch on reassembled data")
	ErrRemoteBreak            = fmt.Errorf("jennynet: transfer broken by remote peer")
	ErrUserBreak              = fmt.Errorf("jennynet: transfer broken locally")
	ErrSerialisationAtPeer    = fmt.Errorf("jennynet: peer failed to deserialise object")
)

// Connection-lifecycle errors.
var (
	ErrConfirmTimeout     = fmt.Errorf("jennynet: confirm timeout expired")
	ErrConnectionRejected = fmt.Errorf("jennynet: connection rejected by peer")
	ErrConnectionTimeout  = fmt.Errorf("jennynet: connection attempt timed out")
	ErrShutdownTimeout    = fmt.Errorf("jennynet: shutdown wait timed out")
)

// Info codes for closed/aborted events. These are part of the external contract:
// both peers must agree on the same numeric value for the same condition.
const (
	InfoClosedLocalOK     = 0  // local graceful close, both sides all-data-sent
	InfoClosedByServer    = 1  // server-initiated close-all broadcast, local side
	InfoClosedPeerOK      = 2  // peer-initiated graceful close completed
	InfoClosedByPeerServer = 3 // server-initiated close-all broadcast, peer side
	InfoClosedSocketFault = 6  // socket error, EOF, or failed connect/handshake
	InfoClosedHard        = 10 // close_hard()

	InfoAbortOwnOut    = 105 // own outgoing send-order cancelled before leaving
	InfoAbortPeerOut   = 106 // peer's outgoing transfer cancelled via BREAK
	InfoAbortOwnIn     = 108 // own incoming assembler discarded
	InfoAbortPeerIn    = 107 // peer's incoming transfer cancelled via BREAK
	InfoAbortCloseOwnOut  = 113 // graceful close aborted a local outgoing transfer
	InfoAbortClosePeerOut = 114 // graceful close aborted a peer outgoing transfer (local view)
	InfoAbortCloseOwnIn   = 115 // hard/graceful close aborted a local incoming transfer
	InfoAbortClosePeerIn  = 116 // hard/graceful close aborted a peer incoming transfer (local view)

	InfoDestinationRealisationError = 102 // absolute or unresolvable remote path
	InfoUnregisteredClass           = 103 // peer received an object of a class it has not registered
	InfoDeserialisationError        = 104 // peer's codec failed to decode a received object
)

// TransferError pairs a sentinel error kind with the numeric info code and the
// object id it applies to, so it can travel across process boundaries as an event
// while still supporting errors.Is against the sentinel.
type TransferError struct {
	Kind     error
	Info     int
	ObjectID uint64
	Reason   string
}

func (e *TransferError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (object %d, info %d): %s", e.Kind, e.ObjectID, e.Info, e.Reason)
	}
	return fmt.Sprintf("%s (object %d, info %d)", e.Kind, e.ObjectID, e.Info)
}

func (e *TransferError) Unwrap() error { return e.Kind }

// NewTransferError builds a TransferError, the standard shape for asynchronous
// transfer and protocol failures reported on the Event stream.
func NewTransferError(kind error, info int, objectID uint64, reason string) *TransferError {
	return &TransferError{Kind: kind, Info: info, ObjectID: objectID, Reason: reason}
}

// RejectError wraps ErrConnectionRejected with the REJECT signal's code and
// reason (spec.md §4.5), so a caller can inspect why a handshake was turned
// down instead of just learning that it was.
type RejectError struct {
	Code   uint16
	Reason string
}

func (e *RejectError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (code %d): %s", ErrConnectionRejected, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s (code %d)", ErrConnectionRejected, e.Code)
}

func (e *RejectError) Unwrap() error { return ErrConnectionRejected }

func NewRejectError(code uint16, reason string) *RejectError {
	return &RejectError{Code: code, Reason: reason}
}
