// Package assembler implements JennyNet's transfer assemblers (spec.md §4.4
// "Receive pipeline"): one per incoming logical object, accumulating ordered
// parcels into either an in-memory byte buffer or a growing temp file.
//
// Grounded on the teacher's handleConn/handleRequest split: a single reader loop
// dispatches each unit of work (there, a request; here, a parcel) to per-object
// state, while a shared per-connection write lock serialises replies — the same
// role conn's send pipeline plays for outgoing CONFIRM/BREAK signals here.
package assembler

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"jennynet/iomgr"
	"jennynet/jerrors"
)

// Assembler accumulates the parcels of one incoming object.
type Assembler interface {
	ObjectID() uint64
	// Accept processes one parcel's payload (sequence > 0, or the
	// post-object-header remainder of sequence 0). Returns true when the object
	// is complete.
	Accept(sequence uint32, data []byte) (done bool, err error)
	// Finish validates the CRC and returns only an error, renaming a file
	// assembler's temp file to its final path as a side effect. A
	// DataAssembler's assembled bytes are read afterwards with Bytes.
	Finish() error
	// Abort discards any partial state (deletes a temp file, drops a buffer) and
	// releases IO-Manager reservations.
	Abort()
}

// Table is the per-connection set of live incoming assemblers, keyed by object
// id. spec.md §4.4: "any header with an already-live or already-finished object
// id for the peer is a protocol error."
type Table struct {
	mu       sync.Mutex
	live     map[uint64]Assembler
	finished map[uint64]bool
	lastID   uint64
	started  bool
}

func NewTable() *Table {
	return &Table{live: make(map[uint64]Assembler), finished: make(map[uint64]bool)}
}

// Start registers a newly created assembler for objectID, enforcing strict
// monotonicity and no-reuse (spec.md §3 Transfer invariants).
func (t *Table) Start(objectID uint64, a Assembler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.live[objectID]; exists {
		return fmt.Errorf("%w: object %d already in progress", jerrors.ErrDuplicateObject, objectID)
	}
	if t.finished[objectID] {
		return fmt.Errorf("%w: object %d already finished", jerrors.ErrDuplicateObject, objectID)
	}
	if t.started && objectID <= t.lastID {
		return fmt.Errorf("%w: object %d is not greater than last seen %d", jerrors.ErrDuplicateObject, objectID, t.lastID)
	}
	t.started = true
	t.lastID = objectID
	t.live[objectID] = a
	return nil
}

// Get returns the live assembler for objectID, or (nil, false) if none —
// ErrUnknownObject is the caller's responsibility to raise in that case.
func (t *Table) Get(objectID uint64) (Assembler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.live[objectID]
	return a, ok
}

// Complete marks objectID finished and removes it from the live set.
func (t *Table) Complete(objectID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, objectID)
	t.finished[objectID] = true
}

// Drop removes objectID from the live set without marking it finished (used on
// abort). Later continuation parcels for the id find no assembler ("unknown");
// a new sequence 0 for it is still refused by Start as "duplicate", since the
// last seen id is not rewound.
func (t *Table) Drop(objectID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, objectID)
}

// Snapshot returns every currently live assembler, keyed by object id, for
// callers that need to sweep and abort whatever is still in progress (e.g. a
// connection tearing down while transfers are mid-flight).
func (t *Table) Snapshot() map[uint64]Assembler {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64]Assembler, len(t.live))
	for id, a := range t.live {
		out[id] = a
	}
	return out
}

// DataAssembler reconstructs an in-memory byte buffer for a user object or raw
// byte block.
type DataAssembler struct {
	id       uint64
	total    int64
	buf      []byte
	written  int64
	wantCRC  uint32
	nextSeq  uint32
}

func NewDataAssembler(objectID uint64, totalLen int64, wantCRC uint32) *DataAssembler {
	return &DataAssembler{id: objectID, total: totalLen, buf: make([]byte, 0, totalLen), wantCRC: wantCRC}
}

func (d *DataAssembler) ObjectID() uint64 { return d.id }

func (d *DataAssembler) Accept(sequence uint32, data []byte) (bool, error) {
	if sequence != d.nextSeq {
		return false, fmt.Errorf("%w: object %d expected sequence %d, got %d", jerrors.ErrFraming, d.id, d.nextSeq, sequence)
	}
	d.nextSeq++
	d.buf = append(d.buf, data...)
	d.written += int64(len(data))
	return d.written >= d.total, nil
}

func (d *DataAssembler) Finish() error {
	if crc32.ChecksumIEEE(d.buf) != d.wantCRC {
		return jerrors.NewTransferError(jerrors.ErrStorageCRC, 0, d.id, "data object CRC32 mismatch")
	}
	return nil
}

func (d *DataAssembler) Bytes() []byte { return d.buf }

func (d *DataAssembler) Abort() {}

// FileAssembler streams an incoming file transfer to a temp file under the
// connection's file-root directory, renaming to the final resolved path on
// success (spec.md §4.4, §6 "Persisted state").
type FileAssembler struct {
	id         uint64
	total      int64
	written    int64
	wantCRC    uint32
	runningCRC uint32
	nextSeq    uint32
	tempFile   *os.File
	tempPath   string
	finalPath  string
	ioMgr      *iomgr.Manager
}

// NewFileAssembler creates the backing temp file (mode 0600, prefix "jnet-",
// suffix ".temp") under tempDir, and resolves remotePath under fileRoot. An
// absolute remotePath is rejected per spec.md §6.
func NewFileAssembler(objectID uint64, totalLen int64, wantCRC uint32, tempDir, fileRoot, remotePath string, mgr *iomgr.Manager) (*FileAssembler, error) {
	if filepath.IsAbs(remotePath) {
		return nil, jerrors.NewTransferError(jerrors.ErrDestinationRealisation, jerrors.InfoDestinationRealisationError, objectID, "remote path must not be absolute")
	}
	finalPath := filepath.Join(fileRoot, filepath.Clean(remotePath))
	if !isWithinRoot(fileRoot, finalPath) {
		return nil, jerrors.NewTransferError(jerrors.ErrDestinationRealisation, jerrors.InfoDestinationRealisationError, objectID, "remote path escapes file root")
	}

	tmp, err := os.CreateTemp(tempDir, "jnet-*.temp")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jerrors.ErrDestinationRealisation, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("%w: %v", jerrors.ErrDestinationRealisation, err)
	}

	ok, acquireErr := mgr.Acquire(finalPath, iomgr.Incoming)
	if acquireErr != nil || !ok {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("%w: destination engaged", jerrors.ErrFileInTransmission)
	}

	return &FileAssembler{
		id: objectID, total: totalLen, wantCRC: wantCRC,
		tempFile: tmp, tempPath: tmp.Name(), finalPath: finalPath, ioMgr: mgr,
	}, nil
}

func isWithinRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if filepath.IsAbs(rel) || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (f *FileAssembler) ObjectID() uint64 { return f.id }

func (f *FileAssembler) Accept(sequence uint32, data []byte) (bool, error) {
	if sequence != f.nextSeq {
		return false, fmt.Errorf("%w: object %d expected sequence %d, got %d", jerrors.ErrFraming, f.id, f.nextSeq, sequence)
	}
	f.nextSeq++
	if _, err := f.tempFile.Write(data); err != nil {
		return false, fmt.Errorf("%w: %v", jerrors.ErrDestinationRealisation, err)
	}
	f.runningCRC = crc32.Update(f.runningCRC, crc32.IEEETable, data)
	f.written += int64(len(data))
	return f.written >= f.total, nil
}

// Finish closes the temp file, verifies CRC32, creates parent directories as
// needed, and renames to the final path.
func (f *FileAssembler) Finish() error {
	defer f.ioMgr.Release(f.finalPath, iomgr.Incoming)
	if err := f.tempFile.Close(); err != nil {
		return fmt.Errorf("%w: %v", jerrors.ErrDestinationRealisation, err)
	}
	if f.runningCRC != f.wantCRC {
		os.Remove(f.tempPath)
		return jerrors.NewTransferError(jerrors.ErrStorageCRC, 0, f.id, "file CRC32 mismatch")
	}
	if err := os.MkdirAll(filepath.Dir(f.finalPath), 0o755); err != nil {
		os.Remove(f.tempPath)
		return jerrors.NewTransferError(jerrors.ErrDestinationRealisation, jerrors.InfoDestinationRealisationError, f.id, err.Error())
	}
	if err := os.Rename(f.tempPath, f.finalPath); err != nil {
		os.Remove(f.tempPath)
		return jerrors.NewTransferError(jerrors.ErrDestinationRealisation, jerrors.InfoDestinationRealisationError, f.id, err.Error())
	}
	return nil
}

func (f *FileAssembler) FinalPath() string { return f.finalPath }

// Abort discards the temp file and releases the IO-Manager reservation (break-
// transfer and connection-close paths both call this).
func (f *FileAssembler) Abort() {
	f.tempFile.Close()
	os.Remove(f.tempPath)
	f.ioMgr.Release(f.finalPath, iomgr.Incoming)
}
