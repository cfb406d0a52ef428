package conn

import (
	"errors"
	"fmt"
	"time"

	"jennynet/assembler"
	"jennynet/jerrors"
	"jennynet/object"
	"jennynet/wire"
)

// receiveLoop reads parcels off the socket until it errs out or the connection
// closes, dispatching each to the signal handler or the assembler table.
// Grounded on the teacher's ClientTransport.recvLoop: one reader goroutine per
// connection, decoding frames and routing them onward.
func (c *Connection) receiveLoop() {
	defer close(c.recvLoopDone)
	for {
		header, payload, err := wire.Decode(c.netConn, c.maxSerialisationSize())
		if err != nil {
			c.handleFatalError(err)
			return
		}
		c.markReceived(len(payload) + wire.HeaderSize)

		if header.Channel == wire.ChannelSignal {
			c.handleSignalParcel(header, payload)
			continue
		}
		c.handleObjectParcel(header, payload)
	}
}

func (c *Connection) handleSignalParcel(header *wire.Header, payload []byte) {
	t, rest, err := wire.UnwrapSignal(payload)
	if err != nil {
		return
	}
	switch t {
	case wire.SignalAlive:
		// keepalive only; arrival already updated lastRecvNano via markReceived.
	case wire.SignalPing:
		nonce, derr := wire.DecodePing(rest)
		if derr == nil {
			c.enqueueSignal(wire.SignalEcho, 0, wire.PriorityTop, wire.EncodeEcho(nonce, 0))
		}
	case wire.SignalEcho:
		nonce, measuredMs, derr := wire.DecodeEcho(rest)
		if derr == nil {
			c.handlePingEcho(nonce, measuredMs)
		}
	case wire.SignalTempo:
		bps, derr := wire.DecodeTempo(rest)
		if derr == nil {
			c.tempoGov.ApplyRemote(bps)
		}
	case wire.SignalBreak:
		bp, derr := wire.DecodeBreak(rest)
		if derr == nil {
			c.handleRemoteBreak(bp)
		}
	case wire.SignalFail:
		fp, derr := wire.DecodeFail(rest)
		if derr == nil {
			c.handleRemoteFail(fp)
		}
	case wire.SignalEnterShutdown:
		sp, derr := wire.DecodeShutdown(rest)
		if derr == nil {
			c.handlePeerEnterShutdown(sp)
		}
	case wire.SignalAllDataSent:
		c.handlePeerAllDataSent()
	case wire.SignalConfirm:
		objID, derr := wire.DecodeConfirm(rest)
		if derr == nil {
			c.filesReceived.Add(1)
			c.emitEvent(&object.Event{Kind: object.EventFileConfirmed, ObjectID: objID})
		}
	case wire.SignalReject:
		// Only meaningful during the handshake window; ignored post-connect.
	}
}

func (c *Connection) handlePingEcho(nonce uint64, _ uint32) {
	c.pingMu.Lock()
	if !c.pingOutstanding || nonce != c.pingNonce {
		c.pingMu.Unlock()
		return
	}
	c.pingOutstanding = false
	rtt := time.Since(c.pingSentAt).Milliseconds()
	c.pingMu.Unlock()
	c.lastPingMs.Store(rtt)
	c.emitEvent(&object.Event{Kind: object.EventPingEcho, PingNonce: nonce, PingRTTMs: rtt})
}

func (c *Connection) handleObjectParcel(header *wire.Header, payload []byte) {
	if header.Sequence == 0 {
		c.startIncoming(header, payload)
		return
	}
	c.continueIncoming(header.ObjectID, header.Sequence, payload)
}

func (c *Connection) startIncoming(header *wire.Header, payload []byte) {
	oh, n, err := wire.DecodeObjectHeader(payload)
	if err != nil {
		c.handleFatalError(err)
		return
	}
	remainder := payload[n:]

	var asm assembler.Assembler
	meta := recvMeta{methodID: oh.MethodID, className: oh.ClassName, priority: header.Priority}
	if header.Channel == wire.ChannelFile {
		fa, ferr := assembler.NewFileAssembler(header.ObjectID, int64(oh.TotalLength), oh.CRC32, c.cfg.TempDir, c.fileRootDir(), oh.RemotePath, c.ioMgr)
		if ferr != nil {
			c.emitEvent(&object.Event{Kind: object.EventFileAborted, ObjectID: header.ObjectID, Err: ferr})
			return
		}
		asm = fa
		meta.isFile = true
		c.filesIncoming.Add(1)
		c.emitEvent(&object.Event{Kind: object.EventFileIncoming, ObjectID: header.ObjectID, FilePath: fa.FinalPath()})
	} else if header.Channel == wire.ChannelData {
		asm = assembler.NewDataAssembler(header.ObjectID, int64(oh.TotalLength), oh.CRC32)
		meta.isData = true
	} else {
		asm = assembler.NewDataAssembler(header.ObjectID, int64(oh.TotalLength), oh.CRC32)
	}

	if err := c.recvTable.Start(header.ObjectID, asm); err != nil {
		c.handleFatalError(err)
		return
	}
	c.recvMetaMu.Lock()
	c.recvMeta[header.ObjectID] = meta
	c.recvMetaMu.Unlock()

	c.finishOrContinue(header.ObjectID, asm, 0, remainder)
}

func (c *Connection) continueIncoming(objectID uint64, sequence uint32, payload []byte) {
	asm, ok := c.recvTable.Get(objectID)
	if !ok {
		c.handleFatalError(fmt.Errorf("%w: object %d", jerrors.ErrUnknownObject, objectID))
		return
	}
	c.finishOrContinue(objectID, asm, sequence, payload)
}

func (c *Connection) finishOrContinue(objectID uint64, asm assembler.Assembler, sequence uint32, payload []byte) {
	done, err := asm.Accept(sequence, payload)
	if err != nil {
		c.abortIncoming(objectID, asm, err)
		if errors.Is(err, jerrors.ErrFraming) {
			c.handleFatalError(err)
		}
		return
	}
	if !done {
		return
	}
	c.recvMetaMu.Lock()
	meta := c.recvMeta[objectID]
	delete(c.recvMeta, objectID)
	c.recvMetaMu.Unlock()

	if err := asm.Finish(); err != nil {
		c.recvTable.Drop(objectID)
		c.emitEvent(&object.Event{Kind: object.EventFileAborted, ObjectID: objectID, Err: err})
		return
	}
	c.recvTable.Complete(objectID)

	switch {
	case meta.isFile:
		fa := asm.(*assembler.FileAssembler)
		c.emitEvent(&object.Event{Kind: object.EventFileReceived, ObjectID: objectID, FilePath: fa.FinalPath()})
		c.enqueueSignal(wire.SignalConfirm, objectID, meta.priority, wire.EncodeConfirm(objectID))
	case meta.isData:
		da := asm.(*assembler.DataAssembler)
		c.emitEvent(&object.Event{Kind: object.EventDataReceived, ObjectID: objectID, Data: da.Bytes()})
	default:
		da := asm.(*assembler.DataAssembler)
		t, known := c.recvReg.TypeByName(meta.className)
		if !known {
			reason := fmt.Sprintf("class not registered: %s", meta.className)
			c.emitEvent(&object.Event{Kind: object.EventObjectReceived, ObjectID: objectID,
				Err: fmt.Errorf("%w: %s", jerrors.ErrUnregisteredObject, meta.className)})
			c.enqueueSignal(wire.SignalFail, objectID, meta.priority, wire.EncodeFail(&wire.FailPayload{
				ObjectID: objectID, Info: byte(jerrors.InfoUnregisteredClass), Reason: reason,
			}))
			return
		}
		v, derr := c.recvReg.Deserialise(da.Bytes(), t)
		if derr != nil {
			c.emitEvent(&object.Event{Kind: object.EventObjectReceived, ObjectID: objectID, Err: fmt.Errorf("%w: %v", jerrors.ErrSerialisationAtPeer, derr)})
			c.enqueueSignal(wire.SignalFail, objectID, meta.priority, wire.EncodeFail(&wire.FailPayload{
				ObjectID: objectID, Info: byte(jerrors.InfoDeserialisationError), Reason: derr.Error(),
			}))
			return
		}
		c.emitEvent(&object.Event{Kind: object.EventObjectReceived, ObjectID: objectID, Object: v})
	}
}

func (c *Connection) abortIncoming(objectID uint64, asm assembler.Assembler, err error) {
	asm.Abort()
	c.recvTable.Drop(objectID)
	c.recvMetaMu.Lock()
	delete(c.recvMeta, objectID)
	c.recvMetaMu.Unlock()
	c.emitEvent(&object.Event{Kind: object.EventFileAborted, ObjectID: objectID, Err: err})
}
