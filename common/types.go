package common

// StorageEngine is the interface all storage engines implement
type StorageEngine interface {
	Put(key, value []byte) error

	// Get Returns ErrKeyNotFound if key doesn't exist
	Get(key []byte) ([]byte, error)

	// Delete removes a key
	Delete(key []byte) error

	// Close closes the storage engine
	Close() error

	// Sync ensures all data is persisted to disk
	Sync() error

	// Stats returns engine statistics
	Stats() Stats

	// Compact manually triggers compaction
	Compact() error
}

// Stats contains engine statistics
type Stats struct {
	// Basic counts
	NumKeys       int64
	NumSegments   int
	ActiveSegSize int64
	TotalDiskSize int64

	// Performance metrics
	WriteCount   int64
	ReadCount    int64
	CompactCount int64

	// Amplification factors
	WriteAmp float64 // bytes written to disk / bytes written by user
	SpaceAmp float64 // disk space used / logical data size
}

// Iterator for range scans
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// Flags is the bitset of per-environment/per-call tuning flags from §6.
// Flags are additive; an operation ORs together the ones it needs.
type Flags uint32

const (
	FlagInMemoryDB         Flags = 1 << iota // use the in-memory device; no recovery, no freelist persistence
	FlagEnableRecovery                       // maintain the log; require recovery on open if non-empty
	FlagAutoRecovery                         // run recovery silently on open
	FlagEnableTransactions                   // allow txn begin/commit/abort
	FlagReadOnly                             // reject all mutating operations
	FlagCacheStrict                          // cap cache size strictly; "cache full" when a page can't be admitted
	FlagCacheUnlimited                       // don't evict for size, only to curb mmap exhaustion
	FlagDisableMmap                          // use pread/pwrite only
	FlagDisableVarKeylen                     // reject keys longer than the inline prefix
	FlagEnableDuplicates                     // permit multiple records per key
	FlagSortDuplicates                       // keep duplicate tables ordered
	FlagRecordNumber                         // assign 8-byte ascending keys automatically
	FlagDontClearLog                         // on close, leave log segment contents in place

	// Per-call flags (passed to individual operations, not the environment).
	FlagOverwrite     // ham_insert: replace an exact match's record
	FlagDuplicate     // ham_insert: attach to a duplicate table
	FlagDuplicateInsertBefore
	FlagDuplicateInsertAfter
	FlagDuplicateInsertFirst
	FlagDuplicateInsertLast
	FlagFreeAllDupes // erase: free the whole duplicate table
	FlagPartial      // read/write only a sub-range of a record
	FlagFindLTMatch
	FlagFindGTMatch
	FlagFindExactMatch
	FlagSkipDuplicates
	FlagNoRemove // cache.Get: don't detach the page from the LRU list

	// Cursor move directions (§4.9 "move(flags)").
	FlagCursorFirst
	FlagCursorLast
	FlagCursorNext
	FlagCursorPrevious
)

// Has reports whether all bits in want are set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// DataAccessMode biases the freelist's scan order toward the access pattern
// the caller expects (§4.4 "Scan discipline").
type DataAccessMode int

const (
	DAMDefault DataAccessMode = iota
	DAMSequentialInsert
	DAMRandomWrite
)
