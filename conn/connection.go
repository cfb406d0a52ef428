package conn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jennynet/assembler"
	"jennynet/dispatch"
	"jennynet/iomgr"
	"jennynet/jerrors"
	"jennynet/object"
	"jennynet/pqueue"
	"jennynet/serial"
	"jennynet/tempo"
	"jennynet/wire"
)

// Connection is JennyNet's per-connection engine (spec.md §3 "Connection", §4.4).
// It exclusively owns its socket, pipelines, assemblers, send queue, and listener
// set (spec.md §3 "Ownership").
type Connection struct {
	id       uuid.UUID
	shortID  [4]byte
	name     string
	isServer bool

	netConn net.Conn
	cfgMu   sync.RWMutex // guards the subset of cfg spec.md §6 allows to change after CONNECTED
	cfg     Config
	ioMgr   *iomgr.Manager

	deliverToleranceNano atomic.Int64
	deliveryLoopOnce     sync.Once
	deliveryLoopStarted  atomic.Bool

	sendReg *serial.Registry
	recvReg *serial.Registry

	stateMu sync.Mutex
	state   State
	closed  chan struct{}
	closedOnce sync.Once
	sendOrdersCloseOnce sync.Once

	nextOutID atomic.Uint64
	sendOrders chan *object.SendOrder
	pq         *pqueue.Queue
	tempoGov   *tempo.Governor

	recvLoopDone chan struct{}
	sendLoopDone chan struct{}

	outgoingMu sync.Mutex
	outgoing   map[uint64]*object.SendOrder // live outgoing send-orders, for break_transfer

	recvTable *assembler.Table
	recvMetaMu sync.Mutex
	recvMeta   map[uint64]recvMeta // per in-progress incoming object, set at sequence 0

	listeners *dispatch.Set

	// deliveryCh decouples event emission from the goroutine that raised the
	// event (spec.md §5 "Event delivery suspends only on listener callback
	// return"); consumed by deliveryLoop in DeliveryIndividual mode, unused (and
	// eventually GC'd) in DeliveryGlobal mode where emitEvent submits straight
	// to dispatch.Global() instead.
	deliveryCh        chan *object.Event
	deliveryCloseOnce sync.Once

	propsMu sync.Mutex
	props   map[string]string

	// Monitor counters (spec.md §4.4 "Monitor & counters").
	exchangedBytes   atomic.Int64
	lastSendNano     atomic.Int64
	lastRecvNano     atomic.Int64
	parcelsScheduled atomic.Int64
	filesIncoming    atomic.Int64
	filesOutgoing    atomic.Int64
	filesReceived    atomic.Int64
	transmitting     atomic.Bool
	idle             atomic.Bool

	pingMu        sync.Mutex
	pingOutstanding bool
	pingNonce     uint64
	pingSentAt    time.Time
	lastPingGuard time.Time
	lastPingMs    atomic.Int64

	localAllDataSent atomic.Bool
	peerAllDataSent  atomic.Bool
	localInitiated   atomic.Bool // true if local side called close() first

	shutdownOnce        sync.Once
	finalOnce           sync.Once // guards closeFinal/CloseHard so exactly one CLOSED event is ever emitted
	serverInitiated      atomic.Bool // true if this side's shutdown came from Server.CloseAllConnections
	peerServerInitiated  atomic.Bool // true if the peer's ENTER_SHUTDOWN carried the server-close flag
	shutdownReasonMu     sync.Mutex
	shutdownReason       string

	sendWG sync.WaitGroup // tracks in-flight send-orders for graceful drain

	writeMu sync.Mutex // serialises parcel writes to netConn
}

// recvMeta tracks the per-object bookkeeping an assembler.Assembler doesn't
// itself carry: what kind of logical object sequence 0 announced, and which
// serialisation method applies once it's complete.
type recvMeta struct {
	isFile    bool
	isData    bool
	methodID  uint32
	className string
	priority  wire.Priority // the priority this object's data parcels arrived at
}

// recvMetaPriority returns the priority recorded for an in-progress incoming
// object, or wire.PriorityTop if none is on record (e.g. the object already
// finished and its meta was cleared) — the same above-data treatment a
// free-standing signal gets.
func (c *Connection) recvMetaPriority(objectID uint64) wire.Priority {
	c.recvMetaMu.Lock()
	defer c.recvMetaMu.Unlock()
	if m, ok := c.recvMeta[objectID]; ok {
		return m.priority
	}
	return wire.PriorityTop
}

// shortFromUUID derives the 4-byte logging id from the connection's UUID, a
// cheap stable "short name" the way the teacher derives nothing analogous but
// JennyNet's spec explicitly calls for (spec.md §3).
func shortFromUUID(id uuid.UUID) [4]byte {
	var out [4]byte
	copy(out[:], id[:4])
	return out
}

func newConnection(netConn net.Conn, cfg Config, isServer bool) *Connection {
	c := &Connection{
		id:         uuid.New(),
		netConn:    netConn,
		cfg:        cfg,
		isServer:   isServer,
		ioMgr:      iomgr.Default(),
		state:      StateUnconnected,
		closed:     make(chan struct{}),
		sendOrders: make(chan *object.SendOrder, cfg.ObjectQueueCapacity),
		pq:         pqueue.New(cfg.ParcelQueueCapacity),
		tempoGov:   tempo.NewGovernor(cfg.TransmissionSpeed, cfg.TransmissionParcelSize+wire.HeaderSize),
		outgoing:   make(map[uint64]*object.SendOrder),
		recvTable:  assembler.NewTable(),
		recvMeta:   make(map[uint64]recvMeta),
		props:      make(map[string]string),
		deliveryCh: make(chan *object.Event, 1024),
	}
	c.deliverToleranceNano.Store(int64(cfg.DeliverTolerance))
	c.listeners = dispatch.NewSet(dispatch.Chain(dispatch.PanicRecovery(), dispatch.SlowListenerWarning(c.deliverTolerance)))
	c.shortID = shortFromUUID(c.id)
	return c
}

// SetUUID sets the connection's stable identity; only valid before Connect.
func (c *Connection) SetUUID(id uuid.UUID) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != StateUnconnected {
		return fmt.Errorf("%w: cannot change UUID after connecting", jerrors.ErrIllegalArgument)
	}
	c.id = id
	c.shortID = shortFromUUID(id)
	return nil
}

func (c *Connection) UUID() uuid.UUID  { return c.id }
func (c *Connection) ShortID() [4]byte { return c.shortID }

func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// AddListener registers l with the connection's dispatch set.
func (c *Connection) AddListener(l dispatch.Listener) {
	c.listeners.Add(l)
}

// SetProperty/Property implement the user-opaque key/value map (spec.md §3).
func (c *Connection) SetProperty(key, value string) {
	c.propsMu.Lock()
	defer c.propsMu.Unlock()
	c.props[key] = value
}

func (c *Connection) Property(key string) (string, bool) {
	c.propsMu.Lock()
	defer c.propsMu.Unlock()
	v, ok := c.props[key]
	return v, ok
}

func (c *Connection) SetName(name string) { c.name = name }
func (c *Connection) Name() string        { return c.name }

// RegisterSendClass registers v's type with the connection's send-side
// registry, permitting it to be passed to SendObject (spec.md §4.2).
func (c *Connection) RegisterSendClass(v any) error { return c.sendReg.RegisterClass(v) }

// RegisterReceiveClass registers v's type with the connection's receive-side
// registry, permitting instances of it to be deserialised from a peer.
func (c *Connection) RegisterReceiveClass(v any) error { return c.recvReg.RegisterClass(v) }

// handshakeParamsFromConfig builds the outgoing parameter block.
func (c *Connection) handshakeParamsFromConfig() handshakeParams {
	return handshakeParams{
		MaxParcelSize:        uint32(c.cfg.TransmissionParcelSize),
		MaxSerialisationSize: c.cfg.MaxSerialisationSize,
		InitialTempo:         c.cfg.TransmissionSpeed,
		AlivePeriodMs:        uint32(c.cfg.AlivePeriod / time.Millisecond),
	}
}

// Dial connects to address, performs the client-side handshake, and starts the
// pipelines. On success the connection is CONNECTED.
func Dial(network, address string, cfg Config) (*Connection, error) {
	nc, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jerrors.ErrConnectionTimeout, err)
	}
	c := newConnection(nc, cfg, false)
	c.setState(StateHandshaking)

	reg, err := serial.Default(cfg.SerialisationMethod)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.sendReg = reg.Copy()
	c.recvReg = reg.Copy()

	peerID, _, _, err := clientHandshake(nc, c.id, cfg.SerialisationMethod, c.handshakeParamsFromConfig(), cfg.ConfirmTimeout)
	if err != nil {
		nc.Close()
		c.setState(StateClosed)
		c.emitClosed(jerrors.InfoClosedSocketFault, "")
		return nil, err
	}
	_ = peerID // peer UUID is logged/stored for diagnostics only; not required by any operation here

	c.start()
	return c, nil
}

// NewIncoming constructs a Connection for a freshly accepted socket in the
// HANDSHAKING state, having already read the peer's handshake request. Used by
// package server to learn the peer's identity before deciding accept/reject.
func NewIncoming(nc net.Conn, cfg Config) (*Connection, uuid.UUID, error) {
	c := newConnection(nc, cfg, true)
	c.setState(StateHandshaking)
	peerID, peerMethod, _, err := readHandshakeRequest(nc, cfg.ConfirmTimeout)
	if err != nil {
		nc.Close()
		return nil, uuid.Nil, err
	}
	_ = peerMethod // the accepting side always serialises using its own configured method
	return c, peerID, nil
}

// FinishAccept completes the server-side handshake and starts the pipelines.
func FinishAccept(c *Connection) error { return c.finishAccept() }

// Reject answers a pending incoming handshake with REJECT and closes the
// socket.
func Reject(c *Connection) { c.reject(RejectCodeApplication, "") }

// RejectWithReason answers a pending incoming handshake with REJECT, carrying
// code and reason on the wire, and closes the socket.
func RejectWithReason(c *Connection, code RejectCode, reason string) { c.reject(code, reason) }

// finishAccept completes the server-side handshake and starts the pipelines.
func (c *Connection) finishAccept() error {
	reg, err := serial.Default(c.cfg.SerialisationMethod)
	if err != nil {
		c.netConn.Close()
		return err
	}
	c.sendReg = reg.Copy()
	c.recvReg = reg.Copy()

	if err := completeHandshakeAccept(c.netConn, c.id, c.cfg.SerialisationMethod, c.handshakeParamsFromConfig(), c.cfg.ConfirmTimeout); err != nil {
		c.netConn.Close()
		c.setState(StateClosed)
		return err
	}
	c.start()
	return nil
}

// reject answers the handshake with REJECT and closes the socket.
func (c *Connection) reject(code RejectCode, reason string) {
	rejectHandshake(c.netConn, c.cfg.ConfirmTimeout, code, reason)
	c.netConn.Close()
	c.setState(StateClosed)
}

// start transitions to CONNECTED and launches the send/receive pipelines plus
// the idle and alive monitors.
func (c *Connection) start() {
	c.setState(StateConnected)
	c.recvLoopDone = make(chan struct{})
	c.sendLoopDone = make(chan struct{})
	c.lastSendNano.Store(time.Now().UnixNano())
	go c.serialisationStage()
	go c.transmitStage()
	go c.receiveLoop()
	go c.idleMonitor()
	go c.aliveMonitor()
	if c.deliveryThreadUsage() == DeliveryIndividual {
		c.ensureDeliveryLoop()
	}
	c.emitEvent(&object.Event{Kind: object.EventConnected})
}

// aliveMonitor implements spec.md §4.4 "Alive period": if no parcel has been
// sent in AlivePeriod ms, emit an ALIVE signal (a priority-TOP signal-only
// parcel) so the peer sees ongoing traffic. Grounded on the teacher's
// ClientTransport.heartbeatLoop ticker, repurposed from an RPC keepalive ping
// into a one-way liveness signal. The period is re-read on every poll rather
// than captured once, since SetAlivePeriod (spec.md §6) can change it after
// CONNECTED; a period <= 0 skips the check without stopping the monitor.
func (c *Connection) aliveMonitor() {
	const pollInterval = 250 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			period := c.alivePeriod()
			if period <= 0 {
				continue
			}
			if time.Since(c.LastSendTime()) >= period {
				c.enqueueSignal(wire.SignalAlive, 0, wire.PriorityTop, nil)
			}
		}
	}
}

// deliveryLoop fans deliveryCh out to the listener set on its own goroutine,
// one per connection, the DeliveryIndividual half of spec.md §6
// "delivery-thread-usage". Runs until stopDelivery closes deliveryCh.
func (c *Connection) deliveryLoop() {
	for ev := range c.deliveryCh {
		c.listeners.Dispatch(ev)
	}
}

// stopDelivery closes deliveryCh so deliveryLoop exits once it has drained
// every event already queued. Must only be called after the last emitEvent
// for this connection has returned; every teardown path (closeFinal,
// handleFatalError, CloseHard) calls it last, after its own closing event.
func (c *Connection) stopDelivery() {
	if !c.deliveryLoopStarted.Load() {
		return
	}
	c.deliveryCloseOnce.Do(func() { close(c.deliveryCh) })
}

// emitEvent raises ev on the connection's configured delivery path: a
// dedicated per-connection goroutine (DeliveryIndividual) or the shared
// process-wide pool (DeliveryGlobal), keyed by connection UUID so one
// connection's events still deliver in order on a shared worker (spec.md §6,
// §9 "an optional global delivery worker pool for event fan-out"). The mode is
// read fresh so SetDeliveryThreadUsage (spec.md §6) takes effect on the next
// event rather than only at connect time.
func (c *Connection) emitEvent(ev *object.Event) {
	if c.deliveryThreadUsage() == DeliveryGlobal {
		dispatch.Global().Submit([16]byte(c.id), c.listeners, ev)
		return
	}
	c.deliveryCh <- ev
}

func (c *Connection) emitClosed(info int, message string) {
	c.emitEvent(&object.Event{Kind: object.EventClosed, Info: info, Message: message})
}

// WaitForClosed blocks until the connection reaches CLOSED or ms elapses
// (0 = wait forever). Returns true if CLOSED was reached.
func (c *Connection) WaitForClosed(ms int) bool {
	if ms <= 0 {
		<-c.closed
		return true
	}
	select {
	case <-c.closed:
		return true
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return false
	}
}

// WaitForDisconnect is an alias for WaitForClosed kept for parity with spec.md §5.
func (c *Connection) WaitForDisconnect(ms int) bool { return c.WaitForClosed(ms) }

func (c *Connection) allocateObjectID() uint64 {
	return c.nextOutID.Add(1)
}

// --- Public send API (spec.md §4.4) ---

func (c *Connection) checkSendable() error {
	switch c.State() {
	case StateUnconnected, StateHandshaking:
		return jerrors.ErrUnconnected
	case StateClosed:
		return jerrors.ErrClosedConnection
	case StateShutdown:
		return jerrors.ErrClosedConnection
	}
	return nil
}

// SendObject submits a user object for serialisation and transmission,
// returning its assigned object id immediately.
func (c *Connection) SendObject(v any, methodID uint32, priority wire.Priority) (uint64, error) {
	if err := c.checkSendable(); err != nil {
		return 0, err
	}
	if v == nil {
		return 0, jerrors.ErrNullObject
	}
	reg := c.sendReg
	var altReg *serial.Registry
	if methodID != c.cfg.SerialisationMethod {
		altDefault, err := serial.Default(methodID)
		if err != nil {
			return 0, err
		}
		reg = altDefault
		altReg = altDefault
	}
	if !reg.IsRegistered(v) {
		return 0, fmt.Errorf("%w: %T", jerrors.ErrUnregisteredObject, v)
	}

	id := c.allocateObjectID()
	order := &object.SendOrder{
		ObjectID: id, Kind: object.KindUserObject, Priority: priority,
		MethodID: methodID, Value: v, Cancel: make(chan struct{}), Registry: altReg,
	}
	if err := c.submitOrder(order); err != nil {
		return 0, err
	}
	return id, nil
}

// SendData submits a raw byte block, bypassing the class registry.
func (c *Connection) SendData(data []byte, priority wire.Priority) (uint64, error) {
	if err := c.checkSendable(); err != nil {
		return 0, err
	}
	if data == nil {
		return 0, jerrors.ErrNullObject
	}
	id := c.allocateObjectID()
	order := &object.SendOrder{
		ObjectID: id, Kind: object.KindByteBlock, Priority: priority,
		Bytes: data, Cancel: make(chan struct{}),
	}
	if err := c.submitOrder(order); err != nil {
		return 0, err
	}
	return id, nil
}

// SendFile submits a file transfer. The source path is reserved OUTGOING via the
// IO-Manager for the lifetime of the transfer.
func (c *Connection) SendFile(path string, remotePath string, priority wire.Priority) (uint64, error) {
	if err := c.checkSendable(); err != nil {
		return 0, err
	}
	if remotePath == "" {
		return 0, jerrors.ErrEmptyRemotePath
	}
	f, err := openFileForSend(path)
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("%w: %v", jerrors.ErrFileNotFound, err)
	}

	ok, err := c.ioMgr.Acquire(path, iomgr.Outgoing)
	if err != nil {
		f.Close()
		return 0, err
	}
	if !ok {
		f.Close()
		return 0, jerrors.ErrFileInTransmission
	}

	id := c.allocateObjectID()
	order := &object.SendOrder{
		ObjectID: id, Kind: object.KindFile, Priority: priority,
		File: f, FileSize: info.Size(), RemotePath: remotePath, Cancel: make(chan struct{}),
	}
	if err := c.submitOrder(order); err != nil {
		f.Close()
		c.ioMgr.Release(path, iomgr.Outgoing)
		return 0, err
	}
	c.filesOutgoing.Add(1)
	return id, nil
}

func (c *Connection) submitOrder(order *object.SendOrder) error {
	c.outgoingMu.Lock()
	c.outgoing[order.ObjectID] = order
	c.outgoingMu.Unlock()

	select {
	case c.sendOrders <- order:
		c.sendWG.Add(1)
		return nil
	default:
		c.outgoingMu.Lock()
		delete(c.outgoing, order.ObjectID)
		c.outgoingMu.Unlock()
		return jerrors.ErrListOverflow
	}
}

// SendPing sends a PING and returns its nonce, or -1 if one is already
// outstanding or the guard window hasn't elapsed.
func (c *Connection) SendPing() int64 {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	if c.pingOutstanding || time.Since(c.lastPingGuard) < pingGuardWindow {
		return -1
	}
	c.pingNonce++
	nonce := c.pingNonce
	c.pingOutstanding = true
	c.pingSentAt = time.Now()
	c.lastPingGuard = c.pingSentAt
	c.enqueueSignal(wire.SignalPing, 0, wire.PriorityTop, wire.EncodePing(nonce))
	return int64(nonce)
}

const pingGuardWindow = 200 * time.Millisecond

// SetTempo proposes a new local tempo and propagates it via TEMPO signal.
func (c *Connection) SetTempo(bytesPerSecond int32) {
	c.tempoGov.SetLocal(bytesPerSecond)
	c.enqueueSignal(wire.SignalTempo, 0, wire.PriorityTop, wire.EncodeTempo(bytesPerSecond))
}

// SetTempoFixed marks this side as ignoring peer TEMPO proposals.
func (c *Connection) SetTempoFixed(bytesPerSecond int32) {
	c.tempoGov.SetLocalFixed(bytesPerSecond)
	c.enqueueSignal(wire.SignalTempo, 0, wire.PriorityTop, wire.EncodeTempo(bytesPerSecond))
}

func (c *Connection) EffectiveTempo() int32 { return c.tempoGov.Effective() }

// --- Monitor getters (spec.md §4.4) ---

func (c *Connection) ExchangedVolume() int64   { return c.exchangedBytes.Load() }
func (c *Connection) LastSendTime() time.Time  { return nanoToTime(c.lastSendNano.Load()) }
func (c *Connection) LastReceiveTime() time.Time { return nanoToTime(c.lastRecvNano.Load()) }
func (c *Connection) ParcelsScheduled() int64  { return c.parcelsScheduled.Load() }
func (c *Connection) FilesIncoming() int64     { return c.filesIncoming.Load() }
func (c *Connection) FilesOutgoing() int64     { return c.filesOutgoing.Load() }
func (c *Connection) FilesReceived() int64     { return c.filesReceived.Load() }
func (c *Connection) LastPingMs() int64        { return c.lastPingMs.Load() }
func (c *Connection) IsTransmitting() bool     { return c.transmitting.Load() }
func (c *Connection) IsIdle() bool             { return c.idle.Load() }
func (c *Connection) IsServerSide() bool       { return c.isServer }

func nanoToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (c *Connection) markSent(n int) {
	c.exchangedBytes.Add(int64(n))
	c.lastSendNano.Store(time.Now().UnixNano())
}

func (c *Connection) markReceived(n int) {
	c.exchangedBytes.Add(int64(n))
	c.lastRecvNano.Store(time.Now().UnixNano())
}

// idleMonitor implements spec.md §4.4 idle/keepalive detection, edge-triggered.
// The check period and threshold are re-read on every poll rather than
// captured once, since SetIdleCheckPeriod/SetIdleThreshold (spec.md §6) can
// change them after CONNECTED; a period <= 0 skips evaluation without
// stopping the monitor, so it resumes the moment a positive period is set.
func (c *Connection) idleMonitor() {
	const pollInterval = 250 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var lastExchange int64
	var lastCheck time.Time
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			period := c.idleCheckPeriod()
			if period <= 0 {
				continue
			}
			if !lastCheck.IsZero() && time.Since(lastCheck) < period {
				continue
			}
			lastCheck = time.Now()
			cur := c.exchangedBytes.Load()
			delta := cur - lastExchange
			lastExchange = cur
			wasIdle := c.idle.Load()
			isIdleNow := delta < c.idleThreshold()
			if isIdleNow && !wasIdle {
				c.idle.Store(true)
				c.emitEvent(&object.Event{Kind: object.EventIdleChanged, Idle: true, ExchangeN: delta})
			} else if !isIdleNow && wasIdle {
				c.idle.Store(false)
				c.emitEvent(&object.Event{Kind: object.EventIdleChanged, Idle: false, ExchangeN: delta})
			}
		}
	}
}

// background returns a context cancelled when the connection closes, for
// pacing/blocking calls that must respect connection termination.
func (c *Connection) background() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
