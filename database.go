package hamsterdb

import (
	"encoding/binary"
	"fmt"

	"github.com/hamsterdb/hamsterdb/btree"
	"github.com/hamsterdb/hamsterdb/common"
	"github.com/hamsterdb/hamsterdb/cursor"
	"github.com/hamsterdb/hamsterdb/extkey"
	"github.com/hamsterdb/hamsterdb/filter"
)

// DatabaseConfig describes one named database within an Environment
// (§4.10, §6 index-data slot). Comparator/DupComparator are supplied by
// the caller at Create/Open time rather than persisted -- the header's
// index-data slot has no room for a function pointer, so every OpenDatabase
// call must supply the same ordering the database was created with.
type DatabaseConfig struct {
	Name          uint16
	KeySize       int
	Comparator    btree.Comparator
	DupComparator btree.Comparator
	Flags         common.Flags // FlagEnableDuplicates, FlagSortDuplicates, FlagRecordNumber, FlagDisableVarKeylen
	DAM           common.DataAccessMode
}

// DefaultDatabaseConfig returns a ready-to-use configuration for name
// with a 16-byte inline key prefix, the common case in §8's scenarios.
func DefaultDatabaseConfig(name uint16) DatabaseConfig {
	return DatabaseConfig{Name: name, KeySize: 16}
}

// Database is one named B-tree plus its cursor manager, extended-key
// cache and record-filter chain (§4.10). All databases in an Environment
// share its pager and blob store; what's per-database is the tree root,
// the key layout, and the ambient caches/filters hung off it.
type Database struct {
	env     *Environment
	name    uint16
	slot    int
	flags   common.Flags
	dam     common.DataAccessMode
	tree    *btree.Tree
	cursors *cursor.Manager
	extkeys *extkey.Cache
	filters *filter.Chain
}

// Name returns the database's name (§6 "dbname").
func (db *Database) Name() uint16 { return db.name }

// AddFilter appends a record filter to the database's write/read chain
// (§6 "Record filter (per database)").
func (db *Database) AddFilter(f filter.RecordFilter) { db.filters.Append(f) }

// CreateDatabase allocates a fresh index-data slot and B-tree for cfg
// inside e (§4.10 "create_db"). Fails with ErrDatabaseAlreadyExists if
// cfg.Name is already in use, or ErrInvalidParameter if every slot is
// taken.
func (e *Environment) CreateDatabase(cfg DatabaseConfig) (*Database, error) {
	if cfg.Name == 0 {
		return nil, fmt.Errorf("%w: database name 0 is reserved", common.ErrInvalidParameter)
	}
	if cfg.KeySize <= 0 {
		cfg.KeySize = 16
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.header.findSlot(cfg.Name) >= 0 {
		return nil, fmt.Errorf("%w: database %d", common.ErrDatabaseAlreadyExists, cfg.Name)
	}
	slot := e.header.freeSlot()
	if slot < 0 {
		return nil, fmt.Errorf("%w: max_databases exceeded", common.ErrInvalidParameter)
	}

	extkeys := extkey.New()
	btreeCfg := btree.Config{
		PageSize:       e.cfg.PageSize,
		KeySize:        cfg.KeySize,
		Comparator:     cfg.Comparator,
		DupComparator:  cfg.DupComparator,
		DAM:            cfg.DAM,
		SortDuplicates: cfg.Flags.Has(common.FlagSortDuplicates),
	}
	tree, err := btree.Create(e.pager, e.blobs, extkeys, nil, btreeCfg)
	if err != nil {
		return nil, err
	}
	cursors := cursor.NewManager(tree)
	tree.SetCursorHost(cursors)

	db := &Database{
		env:     e,
		name:    cfg.Name,
		slot:    slot,
		flags:   cfg.Flags,
		dam:     cfg.DAM,
		tree:    tree,
		cursors: cursors,
		extkeys: extkeys,
		filters: filter.NewChain(),
	}

	e.header.slots[slot] = indexData{
		name:    cfg.Name,
		flags:   uint16(cfg.Flags),
		keySize: uint16(cfg.KeySize),
		maxKeys: uint16(tree.MaxKeys()),
		rootRID: tree.RootRID,
	}
	if err := e.writeHeaderLocked(); err != nil {
		return nil, err
	}

	e.databases[cfg.Name] = db
	return db, nil
}

// OpenDatabase reattaches to an existing database by name, reading its
// key size and root page rid from the header's index-data slot
// (§4.10 "open_db"). cmp/dupCmp must match whatever ordering the
// database was created with; pass nil for both to fall back to
// btree.DefaultComparator.
func (e *Environment) OpenDatabase(name uint16, cmp, dupCmp btree.Comparator) (*Database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if db, ok := e.databases[name]; ok {
		return db, nil
	}
	slot := e.header.findSlot(name)
	if slot < 0 {
		return nil, fmt.Errorf("%w: database %d", common.ErrDatabaseNotFound, name)
	}
	d := e.header.slots[slot]
	dbFlags := common.Flags(d.flags)

	extkeys := extkey.New()
	btreeCfg := btree.Config{
		PageSize:       e.cfg.PageSize,
		KeySize:        int(d.keySize),
		Comparator:     cmp,
		DupComparator:  dupCmp,
		SortDuplicates: dbFlags.Has(common.FlagSortDuplicates),
	}
	tree, err := btree.Open(e.pager, e.blobs, extkeys, nil, btreeCfg, d.rootRID)
	if err != nil {
		return nil, err
	}
	cursors := cursor.NewManager(tree)
	tree.SetCursorHost(cursors)

	db := &Database{
		env:     e,
		name:    name,
		slot:    slot,
		flags:   dbFlags,
		tree:    tree,
		cursors: cursors,
		extkeys: extkeys,
		filters: filter.NewChain(),
	}
	e.databases[name] = db
	return db, nil
}

// CloseDatabase flushes db's root rid back into the header and drops it
// from the environment's open-database set (§4.10 "close_db").
func (e *Environment) CloseDatabase(name uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	db, ok := e.databases[name]
	if !ok {
		return fmt.Errorf("%w: database %d", common.ErrDatabaseNotFound, name)
	}
	if err := db.close(); err != nil {
		return err
	}
	delete(e.databases, name)
	return e.writeHeaderLocked()
}

// close persists db's current root rid into its header slot and tears
// down its filter chain. Callers must hold e.mu.
func (db *Database) close() error {
	db.env.header.slots[db.slot].rootRID = db.tree.RootRID
	return db.filters.Close()
}

// tickExtKeyCaches advances every open database's extended-key cache
// clock, called at transaction boundaries (§4.8 "Tick ... advance it
// explicitly at transaction boundaries"). Callers must hold e.mu.
func (e *Environment) tickExtKeyCaches() {
	for _, db := range e.databases {
		db.extkeys.Tick()
	}
}

// syncHeaderRoots writes every open database's current root rid back
// into the header struct in memory (not to disk -- callers that need it
// durable still call writeHeaderLocked). Used ahead of a checkpoint so a
// crash recovery scan and the header agree on where each tree's root
// lives. Callers must hold e.mu.
func (e *Environment) syncHeaderRoots() {
	for _, db := range e.databases {
		e.header.slots[db.slot].rootRID = db.tree.RootRID
	}
}

func (db *Database) nextRecordNumber() []byte {
	db.env.header.slots[db.slot].recno++
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, db.env.header.slots[db.slot].recno)
	return key
}

func (db *Database) filterInfo() filter.Info {
	return filter.Info{TxnID: db.env.activeTxnID(), DatabaseName: db.name}
}

// Put inserts or overwrites key/record (§4.10 "insert"). When the
// database was created with FlagRecordNumber, key is ignored and an
// ascending 8-byte key is assigned and returned.
func (db *Database) Put(key, record []byte, flags common.Flags) ([]byte, error) {
	db.env.mu.Lock()
	if db.flags.Has(common.FlagRecordNumber) {
		key = db.nextRecordNumber()
	}
	db.env.mu.Unlock()

	filtered, err := db.filters.BeforeWrite(record, db.filterInfo())
	if err != nil {
		return nil, err
	}
	if err := db.tree.Insert(key, filtered, flags); err != nil {
		return nil, err
	}
	return key, nil
}

// Get looks up key and returns its record, running the filter chain's
// AfterRead in reverse (§4.10 "find"). flags may add
// FlagFindLTMatch/FlagFindGTMatch for an approximate match.
func (db *Database) Get(key []byte, flags common.Flags) ([]byte, error) {
	rec, err := db.tree.FindRecord(key, flags|common.FlagFindExactMatch)
	if err != nil {
		return nil, err
	}
	raw, err := db.tree.ReadAt(rec, 0)
	if err != nil {
		return nil, err
	}
	return db.filters.AfterRead(raw, db.filterInfo())
}

// Delete erases key and every duplicate it carries (§4.10 "erase").
func (db *Database) Delete(key []byte) error {
	return db.tree.Erase(key, 0)
}

// PutPartial replaces [offset, offset+len(partial)) of key's existing
// record, preserving the rest of the old payload or zero-filling any
// gap before offset when the write grows past the record's current
// length (§4.6 HAM_PARTIAL write semantics; spec.md scenario 5). flags
// must carry common.FlagPartial, matching the per-call PARTIAL flag the
// C API tags these calls with. Not valid against a duplicate-bearing
// key -- overwrite a specific duplicate through a Cursor instead.
func (db *Database) PutPartial(key, partial []byte, offset int, flags common.Flags) error {
	if !flags.Has(common.FlagPartial) {
		return fmt.Errorf("%w: PutPartial requires FlagPartial", common.ErrInvalidParameter)
	}
	rec, err := db.tree.FindRecord(key, common.FlagFindExactMatch)
	if err != nil {
		return err
	}
	if rec.HasDuplicates() {
		return fmt.Errorf("%w: partial overwrite on a duplicate key requires a cursor", common.ErrInvalidParameter)
	}
	return db.tree.OverwritePartialAt(rec, 0, offset, partial)
}

// GetPartial returns [offset, offset+size) of key's record, clamped to
// the record's actual bounds (§4.6 HAM_PARTIAL read semantics). flags
// must carry common.FlagPartial; it may additionally add
// FlagFindLTMatch/FlagFindGTMatch for an approximate match.
func (db *Database) GetPartial(key []byte, offset, size int, flags common.Flags) ([]byte, error) {
	if !flags.Has(common.FlagPartial) {
		return nil, fmt.Errorf("%w: GetPartial requires FlagPartial", common.ErrInvalidParameter)
	}
	rec, err := db.tree.FindRecord(key, flags|common.FlagFindExactMatch)
	if err != nil {
		return nil, err
	}
	return db.tree.ReadPartialAt(rec, 0, offset, size)
}

// Cursor opens a new cursor against db, bound to the environment's
// active transaction if one is open (§4.9, §4.11).
func (db *Database) Cursor() *cursor.Cursor {
	var owner cursor.TxnOwner
	if t := db.env.txns.Active(); t != nil {
		owner = t
	}
	return db.cursors.New(owner)
}

// KeyCount reports the total number of keys, counting each duplicate
// separately (§8 "get_key_count").
func (db *Database) KeyCount() (int64, error) { return db.tree.KeyCount() }

// CheckIntegrity walks every leaf and verifies strict key ordering
// (§8 integrity invariant).
func (db *Database) CheckIntegrity() error { return db.tree.CheckIntegrity() }
