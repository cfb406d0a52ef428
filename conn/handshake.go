package conn

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"jennynet/jerrors"
	"jennynet/wire"
)

// RejectCode classifies why a handshake request was turned down, carried on
// the REJECT signal's 2-byte code field (spec.md §4.5, §6).
type RejectCode uint16

const (
	RejectCodeUnspecified RejectCode = 0
	RejectCodeBusy        RejectCode = 1
	RejectCodeApplication RejectCode = 2
)

const (
	ackByte    byte = 0x01
	rejectByte byte = 0x00
)

// handshakeParams is the 16-byte parameter exchange block (spec.md §6).
type handshakeParams struct {
	MaxParcelSize        uint32
	MaxSerialisationSize uint32
	InitialTempo         int32
	AlivePeriodMs        uint32
}

func encodeHandshake(id uuid.UUID, methodID uint32, p handshakeParams) []byte {
	buf := make([]byte, 8+16+4+16)
	copy(buf[0:8], wire.MagicNumber[:])
	idBytes, _ := id.MarshalBinary()
	copy(buf[8:24], idBytes)
	binary.BigEndian.PutUint32(buf[24:28], methodID)
	binary.BigEndian.PutUint32(buf[28:32], p.MaxParcelSize)
	binary.BigEndian.PutUint32(buf[32:36], p.MaxSerialisationSize)
	binary.BigEndian.PutUint32(buf[36:40], uint32(p.InitialTempo))
	binary.BigEndian.PutUint32(buf[40:44], p.AlivePeriodMs)
	return buf
}

func decodeHandshake(buf []byte) (uuid.UUID, uint32, handshakeParams, error) {
	if len(buf) < 44 {
		return uuid.Nil, 0, handshakeParams{}, fmt.Errorf("%w: handshake frame truncated", jerrors.ErrHandshake)
	}
	var magic [8]byte
	copy(magic[:], buf[0:8])
	if magic != wire.MagicNumber {
		return uuid.Nil, 0, handshakeParams{}, fmt.Errorf("%w: bad magic", jerrors.ErrHandshake)
	}
	id, err := uuid.FromBytes(buf[8:24])
	if err != nil {
		return uuid.Nil, 0, handshakeParams{}, fmt.Errorf("%w: bad uuid: %v", jerrors.ErrHandshake, err)
	}
	methodID := binary.BigEndian.Uint32(buf[24:28])
	p := handshakeParams{
		MaxParcelSize:        binary.BigEndian.Uint32(buf[28:32]),
		MaxSerialisationSize: binary.BigEndian.Uint32(buf[32:36]),
		InitialTempo:         int32(binary.BigEndian.Uint32(buf[36:40])),
		AlivePeriodMs:        binary.BigEndian.Uint32(buf[40:44]),
	}
	return id, methodID, p, nil
}

// clientHandshake performs the connecting side of the handshake: write our
// block, read the peer's leading accept/reject marker, then (on accept) the
// peer's own block, and exchange a final ACK. A REJECT from the peer surfaces
// as ErrConnectionRejected — the marker byte precedes the peer's block
// precisely so this can be distinguished from a truncated/aborted read rather
// than being inferred from io.ReadFull failing partway through 44 bytes.
func clientHandshake(c net.Conn, localID uuid.UUID, methodID uint32, p handshakeParams, timeout time.Duration) (uuid.UUID, uint32, handshakeParams, error) {
	c.SetDeadline(time.Now().Add(timeout))
	defer c.SetDeadline(time.Time{})

	if _, err := c.Write(encodeHandshake(localID, methodID, p)); err != nil {
		return uuid.Nil, 0, handshakeParams{}, fmt.Errorf("%w: %v", jerrors.ErrHandshake, err)
	}

	markerBuf := make([]byte, 1)
	if _, err := io.ReadFull(c, markerBuf); err != nil {
		return uuid.Nil, 0, handshakeParams{}, fmt.Errorf("%w: %v", jerrors.ErrHandshake, err)
	}
	if markerBuf[0] == rejectByte {
		rp, err := readRejectPayload(c)
		if err != nil {
			return uuid.Nil, 0, handshakeParams{}, jerrors.ErrConnectionRejected
		}
		return uuid.Nil, 0, handshakeParams{}, jerrors.NewRejectError(rp.Code, rp.Reason)
	}
	if markerBuf[0] != ackByte {
		return uuid.Nil, 0, handshakeParams{}, fmt.Errorf("%w: bad accept marker", jerrors.ErrHandshake)
	}

	peerBuf := make([]byte, 44)
	if _, err := io.ReadFull(c, peerBuf); err != nil {
		return uuid.Nil, 0, handshakeParams{}, fmt.Errorf("%w: %v", jerrors.ErrHandshake, err)
	}
	peerID, peerMethod, peerParams, err := decodeHandshake(peerBuf)
	if err != nil {
		return uuid.Nil, 0, handshakeParams{}, err
	}

	if _, err := c.Write([]byte{ackByte}); err != nil {
		return uuid.Nil, 0, handshakeParams{}, fmt.Errorf("%w: %v", jerrors.ErrHandshake, err)
	}
	return peerID, peerMethod, peerParams, nil
}

// readHandshakeRequest reads the connecting peer's handshake block within
// timeout, without yet answering — the server accept core (spec.md §4.5) needs
// this split so it can hand the decoded peer identity to a listener callback or
// accept-queue consumer before committing to ACK or REJECT.
func readHandshakeRequest(c net.Conn, timeout time.Duration) (uuid.UUID, uint32, handshakeParams, error) {
	c.SetReadDeadline(time.Now().Add(timeout))
	defer c.SetReadDeadline(time.Time{})

	peerBuf := make([]byte, 44)
	if _, err := io.ReadFull(c, peerBuf); err != nil {
		return uuid.Nil, 0, handshakeParams{}, fmt.Errorf("%w: %v", jerrors.ErrHandshake, err)
	}
	return decodeHandshake(peerBuf)
}

// completeHandshakeAccept answers a previously-read request with the accept
// marker followed by our own block, then waits for the client's final ACK.
func completeHandshakeAccept(c net.Conn, localID uuid.UUID, methodID uint32, p handshakeParams, timeout time.Duration) error {
	c.SetDeadline(time.Now().Add(timeout))
	defer c.SetDeadline(time.Time{})

	out := append([]byte{ackByte}, encodeHandshake(localID, methodID, p)...)
	if _, err := c.Write(out); err != nil {
		return fmt.Errorf("%w: %v", jerrors.ErrHandshake, err)
	}
	ackBuf := make([]byte, 1)
	if _, err := io.ReadFull(c, ackBuf); err != nil {
		return fmt.Errorf("%w: %v", jerrors.ErrHandshake, err)
	}
	if ackBuf[0] != ackByte {
		return jerrors.ErrConnectionRejected
	}
	return nil
}

// rejectHandshake answers a previously-read request with the reject marker
// byte followed by a length-prefixed wire.RejectPayload (spec.md §4.5 "reject()
// sends REJECT and closes the socket before the connection enters CONNECTED";
// §6 "REJECT | 2-byte code, reason string") and lets the caller close the
// socket; the client's leading marker read distinguishes this cleanly from a
// truncated peer-block read.
func rejectHandshake(c net.Conn, timeout time.Duration, code RejectCode, reason string) error {
	c.SetWriteDeadline(time.Now().Add(timeout))
	defer c.SetWriteDeadline(time.Time{})
	payload := wire.EncodeReject(&wire.RejectPayload{Code: uint16(code), Reason: reason})
	out := make([]byte, 1+2+len(payload))
	out[0] = rejectByte
	binary.BigEndian.PutUint16(out[1:3], uint16(len(payload)))
	copy(out[3:], payload)
	_, err := c.Write(out)
	return err
}

// readRejectPayload reads the 2-byte length prefix and wire.RejectPayload
// written by rejectHandshake, following the leading reject marker byte the
// caller already consumed.
func readRejectPayload(c net.Conn) (*wire.RejectPayload, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(c, lenBuf); err != nil {
		return nil, fmt.Errorf("%w: %v", jerrors.ErrHandshake, err)
	}
	payload := make([]byte, binary.BigEndian.Uint16(lenBuf))
	if len(payload) > 0 {
		if _, err := io.ReadFull(c, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", jerrors.ErrHandshake, err)
		}
	}
	return wire.DecodeReject(payload)
}
