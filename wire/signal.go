package wire

import (
	"encoding/binary"
	"fmt"

	"jennynet/jerrors"
)

// SignalType distinguishes the control signals carried on ChannelSignal.
type SignalType byte

const (
	SignalAlive          SignalType = 0
	SignalTempo          SignalType = 1
	SignalPing           SignalType = 2
	SignalEcho           SignalType = 3
	SignalBreak          SignalType = 4
	SignalFail           SignalType = 5
	SignalEnterShutdown  SignalType = 6
	SignalAllDataSent    SignalType = 7
	SignalConfirm        SignalType = 8
	SignalReject         SignalType = 9
)

func (s SignalType) String() string {
	switch s {
	case SignalAlive:
		return "ALIVE"
	case SignalTempo:
		return "TEMPO"
	case SignalPing:
		return "PING"
	case SignalEcho:
		return "ECHO"
	case SignalBreak:
		return "BREAK"
	case SignalFail:
		return "FAIL"
	case SignalEnterShutdown:
		return "ENTER_SHUTDOWN"
	case SignalAllDataSent:
		return "ALL_DATA_SENT"
	case SignalConfirm:
		return "CONFIRM"
	case SignalReject:
		return "REJECT"
	default:
		return fmt.Sprintf("Signal(%d)", byte(s))
	}
}

// Direction identifies which in-flight transfer a BREAK targets.
type Direction byte

const (
	DirectionOutgoing Direction = 0
	DirectionIncoming Direction = 1
)

// Every signal parcel's payload is prefixed by a 1-byte SignalType; WrapSignal and
// UnwrapSignal add/strip that byte, and the Encode*/Decode* functions below only
// handle what follows it. This keeps the parcel Header unchanged for signal frames
// (ObjectID is 0 for a free-standing signal, or the bound object's id for a signal
// tied to a specific transfer, per spec.md §4.1).

// WrapSignal prepends the signal type byte to an already-encoded payload.
func WrapSignal(t SignalType, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(t)
	copy(buf[1:], payload)
	return buf
}

// UnwrapSignal splits a signal parcel's payload into its type and remaining bytes.
func UnwrapSignal(data []byte) (SignalType, []byte, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("%w: signal payload empty", jerrors.ErrFraming)
	}
	return SignalType(data[0]), data[1:], nil
}

// EncodeTempo encodes a TEMPO signal payload: 4-byte signed bytes/s (-1 unlimited,
// 0 paused).
func EncodeTempo(bytesPerSecond int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(bytesPerSecond))
	return buf
}

func DecodeTempo(data []byte) (int32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("%w: TEMPO payload truncated", jerrors.ErrFraming)
	}
	return int32(binary.BigEndian.Uint32(data)), nil
}

// EncodePing/EncodeEcho encode an 8-byte nonce (Echo additionally carries a 4-byte
// round-trip ms field, set to 0 by the side answering the PING).
func EncodePing(nonce uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)
	return buf
}

func DecodePing(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, fmt.Errorf("%w: PING payload truncated", jerrors.ErrFraming)
	}
	return binary.BigEndian.Uint64(data), nil
}

func EncodeEcho(nonce uint64, measuredMs uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], nonce)
	binary.BigEndian.PutUint32(buf[8:12], measuredMs)
	return buf
}

func DecodeEcho(data []byte) (nonce uint64, measuredMs uint32, err error) {
	if len(data) < 12 {
		return 0, 0, fmt.Errorf("%w: ECHO payload truncated", jerrors.ErrFraming)
	}
	return binary.BigEndian.Uint64(data[0:8]), binary.BigEndian.Uint32(data[8:12]), nil
}

// BreakPayload is the decoded form of a BREAK signal.
type BreakPayload struct {
	ObjectID  uint64
	Direction Direction
	Info      byte
	Reason    string
}

func EncodeBreak(p *BreakPayload) []byte {
	reasonBytes := []byte(p.Reason)
	buf := make([]byte, 8+1+1+2+len(reasonBytes))
	binary.BigEndian.PutUint64(buf[0:8], p.ObjectID)
	buf[8] = byte(p.Direction)
	buf[9] = p.Info
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(reasonBytes)))
	copy(buf[12:], reasonBytes)
	return buf
}

func DecodeBreak(data []byte) (*BreakPayload, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: BREAK payload truncated", jerrors.ErrFraming)
	}
	reasonLen := int(binary.BigEndian.Uint16(data[10:12]))
	if len(data) < 12+reasonLen {
		return nil, fmt.Errorf("%w: BREAK reason truncated", jerrors.ErrFraming)
	}
	return &BreakPayload{
		ObjectID:  binary.BigEndian.Uint64(data[0:8]),
		Direction: Direction(data[8]),
		Info:      data[9],
		Reason:    string(data[12 : 12+reasonLen]),
	}, nil
}

// FailPayload is the decoded form of a FAIL signal.
type FailPayload struct {
	ObjectID uint64
	Info     byte
	Reason   string
}

func EncodeFail(p *FailPayload) []byte {
	reasonBytes := []byte(p.Reason)
	buf := make([]byte, 8+1+len(reasonBytes))
	binary.BigEndian.PutUint64(buf[0:8], p.ObjectID)
	buf[8] = p.Info
	copy(buf[9:], reasonBytes)
	return buf
}

func DecodeFail(data []byte) (*FailPayload, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("%w: FAIL payload truncated", jerrors.ErrFraming)
	}
	return &FailPayload{
		ObjectID: binary.BigEndian.Uint64(data[0:8]),
		Info:     data[8],
		Reason:   string(data[9:]),
	}, nil
}

// ShutdownPayload is the decoded form of an ENTER_SHUTDOWN signal. ByServer
// marks a close initiated by a server's close-all-connections broadcast
// rather than an ordinary peer-to-peer close, so the receiving side can
// report the distinct server-close info code (spec.md §4.5, §6).
type ShutdownPayload struct {
	ByServer bool
	Reason   string
}

func EncodeShutdown(p *ShutdownPayload) []byte {
	reasonBytes := []byte(p.Reason)
	buf := make([]byte, 1+len(reasonBytes))
	if p.ByServer {
		buf[0] = 1
	}
	copy(buf[1:], reasonBytes)
	return buf
}

// DecodeShutdown tolerates an empty payload (ByServer=false, no reason), since
// older ENTER_SHUTDOWN traffic may carry no body at all.
func DecodeShutdown(data []byte) (*ShutdownPayload, error) {
	if len(data) == 0 {
		return &ShutdownPayload{}, nil
	}
	return &ShutdownPayload{ByServer: data[0] != 0, Reason: string(data[1:])}, nil
}

// EncodeConfirm/DecodeConfirm carry the object id of a successfully received file.
func EncodeConfirm(objectID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, objectID)
	return buf
}

func DecodeConfirm(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, fmt.Errorf("%w: CONFIRM payload truncated", jerrors.ErrFraming)
	}
	return binary.BigEndian.Uint64(data), nil
}

// RejectPayload is the decoded form of a REJECT signal sent by a server during
// the confirm-timeout window of an accept.
type RejectPayload struct {
	Code   uint16
	Reason string
}

func EncodeReject(p *RejectPayload) []byte {
	reasonBytes := []byte(p.Reason)
	buf := make([]byte, 2+len(reasonBytes))
	binary.BigEndian.PutUint16(buf[0:2], p.Code)
	copy(buf[2:], reasonBytes)
	return buf
}

func DecodeReject(data []byte) (*RejectPayload, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: REJECT payload truncated", jerrors.ErrFraming)
	}
	return &RejectPayload{Code: binary.BigEndian.Uint16(data[0:2]), Reason: string(data[2:])}, nil
}
