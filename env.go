// Package hamsterdb implements the Environment and Database surface from
// §4.10: it opens a device, owns the cache/log/freelist, hosts
// multiple named databases, runs the single active transaction, and
// applies record filters. It is the composition root tying together
// device, spage, pcache, freelist, walog, blob, btree, extkey, cursor
// and txn the way btree.DefaultConfig/BTree ties pager.go, wal.go and
// btree.go together in the teacher's single-engine package -- except
// here each concern already lives in its own package, so Environment's
// job is pure wiring.
package hamsterdb

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/hamsterdb/hamsterdb/common"
	"github.com/hamsterdb/hamsterdb/device"
	"github.com/hamsterdb/hamsterdb/extkey"
	"github.com/hamsterdb/hamsterdb/filter"
	"github.com/hamsterdb/hamsterdb/freelist"
	"github.com/hamsterdb/hamsterdb/pcache"
	"github.com/hamsterdb/hamsterdb/txn"
	"github.com/hamsterdb/hamsterdb/walog"
)

// DeviceKind selects the concrete device backing an Environment (§4.1).
type DeviceKind int

const (
	// DeviceFile is a POSIX file device, the default.
	DeviceFile DeviceKind = iota
	// DeviceMemory is a growable heap buffer; implied by FlagInMemoryDB.
	DeviceMemory
	// DeviceFlash shares a named in-memory buffer across a Registry.
	DeviceFlash
)

// DefaultChunkSize is the freelist's minimum allocation unit (§3
// "chunk"): 32 bytes, as spec.md's GLOSSARY calls out, kept tunable
// here rather than hard-coded the way the C source compiles it in.
const DefaultChunkSize = 32

// freelistReservedPages is how many pages right after the header are set
// aside for the encoded freelist bitmap (§3 "Header page, followed by
// the freelist root"). A fixed reservation keeps the address-space
// layout static across Create/Open rather than chasing a growable
// chain of freelist pages; Close/checkpoint refuse to persist a bitmap
// that has outgrown it (documented in DESIGN.md).
const freelistReservedPages = 4

func freelistAreaSize(pageSize int) int { return freelistReservedPages * pageSize }

// addressBaseFor is where the page/blob chunk address space begins:
// right after the header page and the reserved freelist area.
func addressBaseFor(pageSize int) uint64 {
	return uint64(pageSize) + uint64(freelistAreaSize(pageSize))
}

// EnvironmentConfig describes how to create or open an Environment,
// mirroring btree.Config's "Default*Config(dir)" shape (SPEC_FULL.md
// ambient stack: "a Config/EnvironmentConfig struct with a
// Default*Config(dir) constructor").
type EnvironmentConfig struct {
	PageSize     int
	MaxDatabases uint16
	Flags        common.Flags
	CacheSize    int // page count
	CacheMode    pcache.Mode
	ChunkSize    uint64
	Device       DeviceKind
	Registry     *device.Registry // required when Device == DeviceFlash
	CheckpointEveryBytes uint64   // §4.5 "byte count since the last checkpoint"
}

// DefaultEnvironmentConfig returns a ready-to-use configuration,
// with recovery and transactions enabled -- the common case exercised by
// §8's end-to-end scenarios.
func DefaultEnvironmentConfig() EnvironmentConfig {
	return EnvironmentConfig{
		PageSize:             4096,
		MaxDatabases:         16,
		Flags:                common.FlagEnableRecovery | common.FlagEnableTransactions,
		CacheSize:            1024,
		CacheMode:            pcache.ModePermissive,
		ChunkSize:            DefaultChunkSize,
		CheckpointEveryBytes: 4 << 20,
	}
}

// Environment owns the device, cache, log, freelist, header page,
// active transaction, and open databases (§4.10).
type Environment struct {
	mu     sync.Mutex
	path   string
	cfg    EnvironmentConfig
	flags  common.Flags
	dev    device.Device
	cache  *pcache.Cache
	free   *freelist.Freelist
	log    *walog.Log
	pager  *pager
	blobs  *blobStore
	header *fileHeader
	txns   *txn.Manager
	lock   *flock.Flock

	bytesSinceCheckpoint uint64

	// SessionID is an ambient correlation id for log messages and the
	// demo CLI, regenerated every Open/Create -- not a persistent field
	// (the on-disk header keeps the spec's 32-bit serial).
	SessionID uuid.UUID

	fileFilters []filter.FileFilter
	databases   map[uint16]*Database

	logf func(format string, args ...any)
}

var _ txnSource = (*Environment)(nil)

func (e *Environment) activeTxnID() uint64 {
	t := e.txns.Active()
	if t == nil {
		return 0
	}
	return t.ID()
}

func validateEnvConfig(cfg EnvironmentConfig) error {
	if cfg.PageSize < 512 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return fmt.Errorf("%w: pagesize must be >= 512 and a power of two", common.ErrInvalidPagesize)
	}
	if cfg.MaxDatabases == 0 {
		return fmt.Errorf("%w: max_databases must be > 0", common.ErrInvalidParameter)
	}
	need := headerFixedSize + int(cfg.MaxDatabases)*indexSlotSize
	if need > cfg.PageSize {
		return fmt.Errorf("%w: max_databases does not fit in one header page", common.ErrInvalidParameter)
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return nil
}

func openDevice(cfg EnvironmentConfig) (device.Device, error) {
	switch {
	case cfg.Flags.Has(common.FlagInMemoryDB) || cfg.Device == DeviceMemory:
		return device.NewMemoryDevice(cfg.PageSize), nil
	case cfg.Device == DeviceFlash:
		if cfg.Registry == nil {
			return nil, fmt.Errorf("%w: DeviceFlash requires a Registry", common.ErrInvalidParameter)
		}
		return device.NewFlashDevice(cfg.Registry, cfg.PageSize), nil
	default:
		return device.NewFileDevice(cfg.PageSize), nil
	}
}

func lockPath(path string) string { return path + ".lock" }

// acquireLock advisory-locks path for the lifetime of the environment
// (§5 "operations from concurrent threads/processes must be externally
// serialized"). In-memory environments have nothing to lock.
func acquireLock(path string, cfg EnvironmentConfig) (*flock.Flock, error) {
	if cfg.Flags.Has(common.FlagInMemoryDB) || cfg.Device == DeviceMemory || cfg.Device == DeviceFlash {
		return nil, nil
	}
	fl := flock.New(lockPath(path))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("hamsterdb: lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: environment %s is already open", common.ErrDatabaseAlreadyOpen, path)
	}
	return fl, nil
}

// Create validates cfg, allocates the device and header page, and
// writes magic/version/serial/pagesize/max_databases (§4.10 "Create").
func Create(path string, cfg EnvironmentConfig) (*Environment, error) {
	if err := validateEnvConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	lock, err := acquireLock(path, cfg)
	if err != nil {
		return nil, err
	}

	dev, err := openDevice(cfg)
	if err != nil {
		return nil, err
	}
	if err := dev.Create(path, cfg.Flags, 0644); err != nil {
		return nil, err
	}

	header := newFileHeader(uint32(cfg.PageSize), cfg.MaxDatabases, newSerial())
	if err := dev.Truncate(int64(addressBaseFor(cfg.PageSize))); err != nil {
		return nil, err
	}
	if err := dev.WriteAt(0, padTo(header.encode(), cfg.PageSize)); err != nil {
		return nil, err
	}

	free := freelist.New(cfg.ChunkSize, addressBaseFor(cfg.PageSize))
	if err := writeFreelistAt(dev, free, cfg.PageSize); err != nil {
		return nil, err
	}

	var log *walog.Log
	if cfg.Flags.Has(common.FlagEnableRecovery) && !cfg.Flags.Has(common.FlagInMemoryDB) {
		log, err = walog.Open(filepath.Dir(path), filepath.Base(path), cfg.Flags)
		if err != nil {
			return nil, err
		}
	}

	env := newEnvironment(path, cfg, dev, free, log, lock, header)
	return env, nil
}

// Open reopens an existing environment: learns the real page size from
// the header, validates magic/version, and runs or refuses recovery per
// §4.10 "Open".
func Open(path string, cfg EnvironmentConfig) (*Environment, error) {
	lock, err := acquireLock(path, cfg)
	if err != nil {
		return nil, err
	}

	probe, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrFileNotFound, err)
	}
	prefix := make([]byte, headerFixedSize)
	if _, err := probe.ReadAt(prefix, 0); err != nil {
		probe.Close()
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidFileHeader, err)
	}
	pagesize, err := decodeFileHeaderPrefix(prefix)
	probe.Close()
	if err != nil {
		return nil, err
	}
	cfg.PageSize = int(pagesize)

	dev, err := openDevice(cfg)
	if err != nil {
		return nil, err
	}
	if err := dev.Open(path, cfg.Flags); err != nil {
		return nil, err
	}

	full := make([]byte, cfg.PageSize)
	if err := dev.ReadAt(0, full); err != nil {
		return nil, err
	}
	header, err := decodeFileHeader(full)
	if err != nil {
		return nil, err
	}
	cfg.MaxDatabases = header.maxDBs

	flBuf := make([]byte, freelistAreaSize(cfg.PageSize))
	if err := dev.ReadAt(int64(cfg.PageSize), flBuf); err != nil {
		return nil, err
	}
	free, err := freelist.Decode(flBuf)
	if err != nil {
		return nil, fmt.Errorf("hamsterdb: decode freelist: %w", err)
	}

	var log *walog.Log
	if cfg.Flags.Has(common.FlagEnableRecovery) && !cfg.Flags.Has(common.FlagInMemoryDB) {
		log, err = walog.Open(filepath.Dir(path), filepath.Base(path), cfg.Flags)
		if err != nil {
			return nil, err
		}
		empty, err := log.IsEmpty()
		if err != nil {
			return nil, err
		}
		if !empty {
			if !cfg.Flags.Has(common.FlagAutoRecovery) {
				return nil, common.ErrNeedRecovery
			}
			if err := recoverLog(dev, log); err != nil {
				return nil, err
			}
		}
	}

	env := newEnvironment(path, cfg, dev, free, log, lock, header)
	return env, nil
}

func orDefault(v, d uint64) uint64 {
	if v == 0 {
		return d
	}
	return v
}

func padTo(buf []byte, size int) []byte {
	if len(buf) >= size {
		return buf
	}
	out := make([]byte, size)
	copy(out, buf)
	return out
}

func newSerial() uint32 {
	// A 32-bit correlation value distinct from SessionID (the header's
	// persistent serial, §3); low bits of a random UUID are as good a
	// source as any since the source's serial is never compared, only
	// logged.
	id := uuid.New()
	return binary.BigEndian.Uint32(id[0:4])
}

func newEnvironment(path string, cfg EnvironmentConfig, dev device.Device, free *freelist.Freelist, log *walog.Log, lock *flock.Flock, header *fileHeader) *Environment {
	cache := pcache.New(cfg.CacheSize, cfg.CacheMode, nil)
	env := &Environment{
		path:      path,
		cfg:       cfg,
		flags:     cfg.Flags,
		dev:       dev,
		cache:     cache,
		free:      free,
		log:       log,
		lock:      lock,
		header:    header,
		databases: make(map[uint16]*Database),
		SessionID: uuid.New(),
		logf:      defaultLogf,
	}
	env.pager = newPager(dev, cache, free, log, cfg.PageSize, env)
	cache.SetFlusher(env.pager)
	env.blobs = newBlobStore(dev, free)
	if log != nil {
		env.txns = txn.NewManager(log)
	} else {
		env.txns = txn.NewManager(noopLog{})
	}
	return env
}

// defaultLogf is the ad hoc logging register, matching btree/pager.go's
// evictLRU: log.Printf, no structured logging framework (SPEC_FULL.md
// ambient stack §1).
func defaultLogf(format string, args ...any) {
	log.Printf(format, args...)
}

// noopLog backs the transaction manager when recovery/the WAL is
// disabled (IN_MEMORY_DB or !ENABLE_RECOVERY): transactions still
// serialize "one active at a time," they just don't produce log
// records to replay.
type noopLog struct{}

func (noopLog) TxnBegin(uint64) (uint64, error)  { return 0, nil }
func (noopLog) TxnCommit(uint64) (uint64, error) { return 0, nil }
func (noopLog) TxnAbort(uint64) (uint64, error)  { return 0, nil }

// Flags returns the environment's runtime flags.
func (e *Environment) Flags() common.Flags {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags
}

// PageSize returns the environment's page size.
func (e *Environment) PageSize() int { return e.cfg.PageSize }

// BeginTxn starts the environment's one active transaction (§4.11).
func (e *Environment) BeginTxn(flags common.Flags) (*txn.Transaction, error) {
	if !e.flags.Has(common.FlagEnableTransactions) {
		return nil, fmt.Errorf("%w: ENABLE_TRANSACTIONS not set", common.ErrNotImplemented)
	}
	return e.txns.Begin(flags)
}

// CommitTxn commits t and clears the pager's per-epoch bookkeeping.
func (e *Environment) CommitTxn(t *txn.Transaction) error {
	if err := t.Commit(); err != nil {
		return err
	}
	e.mu.Lock()
	e.pager.beginEpoch()
	e.tickExtKeyCaches()
	e.mu.Unlock()
	return e.maybeCheckpoint()
}

// AbortTxn aborts t, undoing every page it touched (§4.11).
func (e *Environment) AbortTxn(t *txn.Transaction) error {
	if err := t.Abort(undoerFunc(e.pager.undo)); err != nil {
		return err
	}
	e.mu.Lock()
	e.pager.beginEpoch()
	e.tickExtKeyCaches()
	e.mu.Unlock()
	return nil
}

type undoerFunc func(txnID uint64) error

func (f undoerFunc) Undo(txnID uint64) error { return f(txnID) }

// maybeCheckpoint appends a checkpoint once the running count reaches
// CheckpointEveryBytes (§4.5). Each call adds one page size to that
// count, whatever number of bytes the transaction actually wrote.
func (e *Environment) maybeCheckpoint() error {
	if e.log == nil || e.cfg.CheckpointEveryBytes == 0 {
		return nil
	}
	e.mu.Lock()
	e.bytesSinceCheckpoint += uint64(e.cfg.PageSize)
	if e.bytesSinceCheckpoint < e.cfg.CheckpointEveryBytes {
		e.mu.Unlock()
		return nil
	}
	e.bytesSinceCheckpoint = 0
	e.syncHeaderRoots()
	err := e.writeHeaderLocked()
	if err == nil {
		err = e.writeFreelistLocked()
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.log.Checkpoint()
}

// ReserveSpace pre-allocates up to n pages without thrashing the
// freelist (§4.10): it first ensures the freelist spans the target
// range via CheckAreaIsAllocated, then allocates and frees single pages
// to round out the rest.
func (e *Environment) ReserveSpace(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	target := uint64(e.cfg.PageSize) * uint64(n)
	_, err := e.free.CheckAreaIsAllocated(uint64(e.cfg.PageSize), int(target))
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		rid, err := e.free.AllocPage(e.cfg.PageSize, common.DAMSequentialInsert)
		if err != nil {
			return err
		}
		if err := e.free.MarkFree(rid, e.cfg.PageSize, true); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes back dirty pages and syncs the device (§4.10 "Close").
// It does not write the freelist; Close and checkpoints persist it.
func (e *Environment) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.pager.Flush(); err != nil {
		return err
	}
	return e.dev.Flush()
}

// Close flushes dirty pages, writes the header, closes every open
// database, closes the log (clearing it unless DONT_CLEAR_LOG is set),
// and releases the device and advisory lock (§4.10 "Close").
func (e *Environment) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, db := range e.databases {
		if err := db.close(); err != nil {
			return err
		}
		delete(e.databases, name)
	}

	if err := e.pager.Flush(); err != nil {
		return err
	}
	if err := e.writeHeaderLocked(); err != nil {
		return err
	}
	if err := e.writeFreelistLocked(); err != nil {
		return err
	}
	if e.log != nil {
		if err := e.log.Close(); err != nil {
			return err
		}
	}
	if err := e.dev.Close(); err != nil {
		return err
	}
	if e.lock != nil {
		if err := e.lock.Unlock(); err != nil {
			return err
		}
		os.Remove(lockPath(e.path))
	}
	return nil
}

func (e *Environment) writeHeaderLocked() error {
	buf := padTo(e.header.encode(), e.cfg.PageSize)
	return e.dev.WriteAt(0, buf)
}

// writeFreelistAt encodes free and writes it into its reserved area
// right after the header page, failing if the encoding has outgrown
// freelistReservedPages.
func writeFreelistAt(dev device.Device, free *freelist.Freelist, pageSize int) error {
	encoded, err := free.Encode()
	if err != nil {
		return err
	}
	area := freelistAreaSize(pageSize)
	if len(encoded) > area {
		return fmt.Errorf("%w: encoded freelist (%d bytes) exceeds its reserved area (%d bytes)", common.ErrOutOfMemory, len(encoded), area)
	}
	return dev.WriteAt(int64(pageSize), padTo(encoded, area))
}

func (e *Environment) writeFreelistLocked() error {
	return writeFreelistAt(e.dev, e.free, e.cfg.PageSize)
}
