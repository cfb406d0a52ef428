package conn

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"jennynet/iomgr"
	"jennynet/jerrors"
	"jennynet/object"
	"jennynet/pqueue"
	"jennynet/wire"
)

// openFileForSend opens path for reading, wrapping a missing/unreadable file as
// ErrFileNotFound the way send_file's contract requires (spec.md §4.4).
func openFileForSend(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jerrors.ErrFileNotFound, err)
	}
	return f, nil
}

// serialisationStage consumes submitted send-orders, turns each into one or more
// wire parcels, and feeds them to the priority transmit queue. Grounded on the
// teacher's ClientTransport.sendLoop: one goroutine owns turning application
// calls into wire frames, decoupled from the goroutine that actually writes them.
func (c *Connection) serialisationStage() {
	for order := range c.sendOrders {
		if order.IsCancelled() {
			c.finishSendOrder(order, jerrors.InfoAbortOwnOut)
			continue
		}
		var err error
		switch order.Kind {
		case object.KindUserObject:
			reg := c.sendReg
			if order.Registry != nil {
				reg = order.Registry
			}
			var body []byte
			body, err = reg.Serialise(order.Value)
			if err == nil {
				err = c.enqueueDataObject(order, wire.ChannelObject, body, order.MethodID, reg.ClassName(order.Value))
			}
		case object.KindByteBlock:
			err = c.enqueueDataObject(order, wire.ChannelData, order.Bytes, 0, "")
		case object.KindFile:
			err = c.enqueueFileObject(order)
		}
		if err != nil {
			c.emitEvent(&object.Event{Kind: object.EventFileAborted, ObjectID: order.ObjectID, Err: err})
		}
		c.finishSendOrder(order, 0)
	}
}

// finishSendOrder drops order's bookkeeping. info is not reported here; the
// path that cancelled or aborted the order emits its own event.
func (c *Connection) finishSendOrder(order *object.SendOrder, info int) {
	c.outgoingMu.Lock()
	delete(c.outgoing, order.ObjectID)
	c.outgoingMu.Unlock()
	if order.Kind == object.KindFile && order.File != nil {
		order.File.Close()
	}
	c.sendWG.Done()
}

// enqueueDataObject chunks an already-serialised payload into parcels and pushes
// them onto the transmit queue, with the ObjectHeader riding along on sequence 0.
func (c *Connection) enqueueDataObject(order *object.SendOrder, channel wire.Channel, body []byte, methodID uint32, className string) error {
	chunkSize := c.transmissionParcelSize()
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	oh := &wire.ObjectHeader{
		TotalLength: uint64(len(body)),
		MethodID:    methodID,
		CRC32:       crc32.ChecksumIEEE(body),
		ClassName:   className,
	}
	ohBytes := wire.EncodeObjectHeader(oh)

	var seq uint32
	offset := 0
	first := true
	for {
		if order.IsCancelled() {
			return nil
		}
		remaining := len(body) - offset
		budget := chunkSize
		if first {
			budget -= len(ohBytes)
			if budget < 1 {
				budget = 1
			}
		}
		n := remaining
		if n > budget {
			n = budget
		}
		var payload []byte
		if first {
			payload = make([]byte, 0, len(ohBytes)+n)
			payload = append(payload, ohBytes...)
			payload = append(payload, body[offset:offset+n]...)
		} else {
			payload = body[offset : offset+n]
		}
		header := &wire.Header{Channel: channel, Priority: order.Priority, ObjectID: order.ObjectID, Sequence: seq, BodyLen: uint32(len(payload))}
		if !c.pq.Push(&pqueue.Item{Priority: int(order.Priority), ObjectID: order.ObjectID, Sequence: seq, Header: header, Payload: payload}) {
			return jerrors.ErrClosedConnection
		}
		c.parcelsScheduled.Add(1)
		if order.IsCancelled() {
			// Push may have been blocked on a full queue when BreakTransfer ran
			// RemoveObject; this parcel raced in after the sweep and must be
			// pulled back out so a cancelled object leaves no stray data on the
			// wire.
			c.pq.RemoveObject(order.ObjectID)
			return nil
		}
		offset += n
		seq++
		first = false
		if offset >= len(body) {
			return nil
		}
	}
}

// enqueueFileObject streams a file transfer in parcel-sized chunks. The whole
// file is hashed once up front so the CRC32 can ride on sequence 0's
// ObjectHeader, then the descriptor is rewound and re-read for the actual send.
func (c *Connection) enqueueFileObject(order *object.SendOrder) error {
	defer func() {
		c.ioMgr.Release(order.File.Name(), iomgr.Outgoing)
	}()

	hasher := crc32.NewIEEE()
	if _, err := io.Copy(hasher, order.File); err != nil {
		return fmt.Errorf("%w: %v", jerrors.ErrFileNotFound, err)
	}
	if _, err := order.File.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", jerrors.ErrFileNotFound, err)
	}

	chunkSize := c.transmissionParcelSize()
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	oh := &wire.ObjectHeader{
		TotalLength: uint64(order.FileSize),
		MethodID:    0,
		CRC32:       hasher.Sum32(),
		RemotePath:  order.RemotePath,
	}
	ohBytes := wire.EncodeObjectHeader(oh)

	c.emitEvent(&object.Event{Kind: object.EventFileSending, ObjectID: order.ObjectID, FilePath: order.RemotePath})

	var seq uint32
	first := true
	buf := make([]byte, chunkSize)
	for {
		if order.IsCancelled() {
			return nil
		}
		budget := chunkSize
		if first {
			budget -= len(ohBytes)
			if budget < 1 {
				budget = 1
			}
		}
		n, readErr := order.File.Read(buf[:budget])
		if n > 0 {
			var payload []byte
			if first {
				payload = make([]byte, 0, len(ohBytes)+n)
				payload = append(payload, ohBytes...)
				payload = append(payload, buf[:n]...)
			} else {
				payload = append([]byte(nil), buf[:n]...)
			}
			header := &wire.Header{Channel: wire.ChannelFile, Priority: order.Priority, ObjectID: order.ObjectID, Sequence: seq, BodyLen: uint32(len(payload))}
			if !c.pq.Push(&pqueue.Item{Priority: int(order.Priority), ObjectID: order.ObjectID, Sequence: seq, Header: header, Payload: payload}) {
				return jerrors.ErrClosedConnection
			}
			c.parcelsScheduled.Add(1)
			if order.IsCancelled() {
				c.pq.RemoveObject(order.ObjectID)
				return nil
			}
			seq++
			first = false
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("%w: %v", jerrors.ErrFileNotFound, readErr)
		}
	}
}

// enqueueSignal builds and pushes a signal parcel, bypassing the object-queue
// entirely. Free-standing signals (ALIVE/PING/ECHO/TEMPO/ENTER_SHUTDOWN/
// ALL_DATA_SENT, objectID 0) go at the above-TOP signal priority so a lone
// signal always preempts data. A signal bound to a specific object
// (BREAK/CONFIRM/FAIL, objectID != 0) is queued at that object's own priority
// instead, with the maximum sequence number so it sorts after every already-
// queued data parcel of that object without preempting unrelated higher-
// priority traffic (spec.md §4.1 "a signal that is bound to a specific object
// is enqueued at that object's priority just after its last data parcel").
func (c *Connection) enqueueSignal(t wire.SignalType, objectID uint64, priority wire.Priority, body []byte) {
	payload := wire.WrapSignal(t, body)
	pqPriority := pqueue.SignalPriority
	sequence := uint32(0)
	if objectID != 0 {
		pqPriority = int(priority)
		sequence = ^uint32(0)
	}
	header := &wire.Header{Channel: wire.ChannelSignal, Priority: priority, ObjectID: objectID, Sequence: sequence, BodyLen: uint32(len(payload))}
	c.pq.TryPush(&pqueue.Item{Priority: pqPriority, ObjectID: objectID, Sequence: sequence, Header: header, Payload: payload})
}

// transmitStage drains the priority queue and writes parcels to the wire,
// paced by the tempo governor. Grounded on the teacher's single per-connection
// writer goroutine serialising access to the socket.
func (c *Connection) transmitStage() {
	defer close(c.sendLoopDone)
	ctx := c.background()
	for {
		item, ok := c.pq.Pop()
		if !ok {
			return
		}
		n := len(item.Payload) + wire.HeaderSize
		if item.Header.Channel != wire.ChannelSignal {
			if err := c.tempoGov.WaitN(ctx, n); err != nil {
				return
			}
		}
		c.transmitting.Store(true)
		c.writeMu.Lock()
		err := wire.Encode(c.netConn, item.Header, item.Payload)
		c.writeMu.Unlock()
		c.transmitting.Store(false)
		if err != nil {
			c.handleFatalError(err)
			return
		}
		c.markSent(n)
	}
}

func (c *Connection) handleFatalError(err error) {
	c.finalOnce.Do(func() {
		c.setState(StateClosed)
		c.pq.Close()
		c.sendOrdersCloseOnce.Do(func() { close(c.sendOrders) })
		c.netConn.Close()
		c.closedOnce.Do(func() { close(c.closed) })
		c.emitClosed(jerrors.InfoClosedSocketFault, err.Error())
		c.stopDelivery()
	})
}
