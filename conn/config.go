// Package conn implements JennyNet's connection engine (spec.md §4.4): wire
// framing glue, send/receive pipelines, the priority-ordered scheduler, transfer
// reassembly dispatch, the file-transfer state machine, and the connection
// lifecycle (handshake, steady state, graceful shutdown, hard close).
//
// Grounded on the teacher's transport.ClientTransport (per-connection sending
// mutex, recvLoop goroutine, pending map, heartbeatLoop ticker) and
// server.Server's handleConn/handleRequest/Shutdown (graceful drain via
// sync.WaitGroup, shutdown flag via atomic.Bool).
package conn

import (
	"time"

	"jennynet/serial"
)

// DeliveryMode selects whether event delivery runs on a global, shared worker
// pool or an individual per-connection goroutine (spec.md §6
// "delivery-thread-usage").
type DeliveryMode int

const (
	DeliveryIndividual DeliveryMode = iota
	DeliveryGlobal
)

// Config holds every per-connection option from spec.md §6. All fields are
// settable before Connect; fields marked below cannot change after the
// connection reaches CONNECTED.
type Config struct {
	TransmissionParcelSize int           // max bytes of payload per parcel
	TransmissionSpeed      int32         // initial tempo, bytes/s (-1 unlimited, 0 paused)
	ConfirmTimeout         time.Duration // handshake and transfer-confirm timeout
	IdleThreshold          int64         // bytes exchanged below which the link is "idle"
	IdleCheckPeriod        time.Duration
	AlivePeriod            time.Duration // 0 disables ALIVE signals
	GracefulCloseWait      time.Duration // bound on any graceful drain (local or peer-initiated) before escalating to close_hard; 0 waits forever
	BaseThreadPriority     int           // advisory; Go has no OS thread priority API, kept for parity with spec's option surface
	TransmitThreadPriority int
	FileRootDir            string
	DeliveryThreadUsage    DeliveryMode
	DeliverTolerance       time.Duration
	MaxSerialisationSize   uint32

	// Immutable once CONNECTED (spec.md §6).
	ObjectQueueCapacity int
	ParcelQueueCapacity int
	SerialisationMethod uint32

	TempDir string // scratch directory for in-progress file assemblers
}

// DefaultConfig returns the configuration baseline JennyNet connections use
// unless overridden, matching the teacher's own use of small, sane constants
// (e.g. its 30s heartbeat interval) rather than requiring every option to be set.
func DefaultConfig() Config {
	return Config{
		TransmissionParcelSize: 32 * 1024,
		TransmissionSpeed:      -1,
		ConfirmTimeout:         10 * time.Second,
		IdleThreshold:          1024,
		IdleCheckPeriod:        2 * time.Second,
		AlivePeriod:            30 * time.Second,
		GracefulCloseWait:      30 * time.Second,
		FileRootDir:            ".",
		DeliveryThreadUsage:    DeliveryIndividual,
		DeliverTolerance:       2 * time.Second,
		MaxSerialisationSize:   64 << 20,
		ObjectQueueCapacity:    256,
		ParcelQueueCapacity:    1024,
		SerialisationMethod:    serial.MethodJSON,
		TempDir:                "",
	}
}

// Config returns a snapshot of the connection's current configuration,
// including any changes applied by the Set* methods below.
func (c *Connection) Config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// The following accessors read the mutable subset of Config under cfgMu, for
// hot-path code that must observe a Set* call made from another goroutine
// without waiting for a new connection.

func (c *Connection) maxSerialisationSize() uint32 {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.MaxSerialisationSize
}

func (c *Connection) transmissionParcelSize() int {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.TransmissionParcelSize
}

func (c *Connection) fileRootDir() string {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.FileRootDir
}

func (c *Connection) deliveryThreadUsage() DeliveryMode {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.DeliveryThreadUsage
}

func (c *Connection) idleCheckPeriod() time.Duration {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.IdleCheckPeriod
}

func (c *Connection) idleThreshold() int64 {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.IdleThreshold
}

func (c *Connection) alivePeriod() time.Duration {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.AlivePeriod
}

// deliverTolerance is read via its own atomic rather than cfgMu because it is
// also threaded into dispatch.SlowListenerWarning as a closure invoked from
// the delivery goroutine on every event (see newConnection).
func (c *Connection) deliverTolerance() time.Duration {
	return time.Duration(c.deliverToleranceNano.Load())
}

// SetIdleThreshold changes the idle-detection byte threshold (spec.md §6);
// observed on the idle monitor's next check.
func (c *Connection) SetIdleThreshold(bytes int64) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg.IdleThreshold = bytes
}

// SetIdleCheckPeriod changes how often idle state is re-evaluated (spec.md
// §6); a value <= 0 disables idle detection until set positive again.
func (c *Connection) SetIdleCheckPeriod(period time.Duration) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg.IdleCheckPeriod = period
}

// SetAlivePeriod changes the keepalive interval (spec.md §6); a value <= 0
// disables ALIVE signals until set positive again.
func (c *Connection) SetAlivePeriod(period time.Duration) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg.AlivePeriod = period
}

// SetFileRootDir changes the directory incoming file transfers resolve
// against (spec.md §6); applies to transfers that start an assembler afterward.
func (c *Connection) SetFileRootDir(dir string) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg.FileRootDir = dir
}

// SetDeliverTolerance changes the threshold above which a slow listener
// callback is logged (spec.md §6).
func (c *Connection) SetDeliverTolerance(tolerance time.Duration) {
	c.deliverToleranceNano.Store(int64(tolerance))
}

// SetMaxSerialisationSize changes the ceiling enforced on an incoming
// object's declared serialisation length (spec.md §6); applies to parcels
// decoded afterward.
func (c *Connection) SetMaxSerialisationSize(n uint32) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg.MaxSerialisationSize = n
}

// SetTransmissionParcelSize changes the chunk size used to split send-orders
// submitted afterward (spec.md §6); in-flight orders keep their original size.
func (c *Connection) SetTransmissionParcelSize(n int) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg.TransmissionParcelSize = n
}

// SetBaseThreadPriority and SetTransmitThreadPriority record the advisory
// thread-priority options spec.md §6 lists as mutable after CONNECTED. Go has
// no OS thread priority API, so these only affect Config() snapshots, the
// same no-op-but-settable treatment the Config.BaseThreadPriority field comment
// already notes for their initial values.
func (c *Connection) SetBaseThreadPriority(priority int) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg.BaseThreadPriority = priority
}

func (c *Connection) SetTransmitThreadPriority(priority int) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg.TransmitThreadPriority = priority
}

// SetDeliveryThreadUsage switches event delivery between this connection's own
// goroutine and the shared global pool (spec.md §6). Switching to
// DeliveryIndividual lazily starts the per-connection delivery goroutine if
// this connection was constructed with DeliveryGlobal and has never needed one.
func (c *Connection) SetDeliveryThreadUsage(mode DeliveryMode) {
	c.cfgMu.Lock()
	c.cfg.DeliveryThreadUsage = mode
	c.cfgMu.Unlock()
	if mode == DeliveryIndividual {
		c.ensureDeliveryLoop()
	}
}

// ensureDeliveryLoop starts the per-connection delivery goroutine at most
// once, whether from start() or a later SetDeliveryThreadUsage(DeliveryIndividual).
func (c *Connection) ensureDeliveryLoop() {
	c.deliveryLoopOnce.Do(func() {
		c.deliveryLoopStarted.Store(true)
		go c.deliveryLoop()
	})
}
