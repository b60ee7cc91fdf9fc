package common

import "errors"

// Code classifies an error the way the original ham_status_t codes group,
// so callers that need to branch on category (retry vs. give up) can do
// errors.Is(err, SomeErr) for the exact sentinel or inspect CodeOf(err)
// for the broader bucket.
type Code int

const (
	CodeUnknown Code = iota
	CodeInvalidArgument
	CodeNotFound
	CodeConflict
	CodeResource
	CodeIO
	CodeIntegrity
	CodeRecovery
	CodeCapability
)

// Sentinels grouped by §7 category. Operations return these directly
// or wrap them with fmt.Errorf("...: %w", ...); use errors.Is to test.
var (
	// Invalid argument
	ErrInvalidParameter   = errors.New("hamsterdb: invalid parameter")
	ErrInvalidKeysize     = errors.New("hamsterdb: invalid key size")
	ErrInvalidPagesize    = errors.New("hamsterdb: invalid page size")
	ErrInvalidFileHeader  = errors.New("hamsterdb: invalid file header")
	ErrInvalidFileVersion = errors.New("hamsterdb: invalid file version")
	ErrCursorIsNil        = errors.New("hamsterdb: cursor is nil")

	// Not found
	ErrKeyNotFound      = errors.New("hamsterdb: key not found")
	ErrDatabaseNotFound = errors.New("hamsterdb: database not found")
	ErrFilterNotFound   = errors.New("hamsterdb: filter not found")

	// Conflict
	ErrDuplicateKey          = errors.New("hamsterdb: duplicate key")
	ErrDatabaseAlreadyExists = errors.New("hamsterdb: database already exists")
	ErrDatabaseAlreadyOpen   = errors.New("hamsterdb: database already open")
	ErrCursorStillOpen       = errors.New("hamsterdb: cursor still open")
	ErrTxnConflict           = errors.New("hamsterdb: only one active transaction per environment")

	// Resource
	ErrOutOfMemory   = errors.New("hamsterdb: out of memory")
	ErrCacheFull     = errors.New("hamsterdb: cache full")
	ErrLimitsReached = errors.New("hamsterdb: address space limits reached")
	ErrDiskFull      = errors.New("hamsterdb: disk full")

	// I/O
	ErrIO           = errors.New("hamsterdb: i/o error")
	ErrFileNotFound = errors.New("hamsterdb: file not found")

	// Integrity
	ErrIntegrityViolated = errors.New("hamsterdb: integrity violated")
	ErrBlobNotFound      = errors.New("hamsterdb: blob not found")
	ErrLogInvalidHeader  = errors.New("hamsterdb: invalid log file header")

	// Recovery
	ErrNeedRecovery = errors.New("hamsterdb: log is non-empty, recovery required")

	// Capability
	ErrNotImplemented     = errors.New("hamsterdb: not implemented")
	ErrNotInitialized     = errors.New("hamsterdb: not initialized")
	ErrAlreadyInitialized = errors.New("hamsterdb: already initialized")
	ErrReadOnly           = errors.New("hamsterdb: database is read-only")

	// Engine-wide sentinels.
	ErrClosed   = errors.New("hamsterdb: storage engine closed")
	ErrKeyEmpty = errors.New("hamsterdb: key cannot be empty")
)

var codeTable = map[error]Code{
	ErrInvalidParameter:   CodeInvalidArgument,
	ErrInvalidKeysize:     CodeInvalidArgument,
	ErrInvalidPagesize:    CodeInvalidArgument,
	ErrInvalidFileHeader:  CodeInvalidArgument,
	ErrInvalidFileVersion: CodeInvalidArgument,
	ErrCursorIsNil:        CodeInvalidArgument,

	ErrKeyNotFound:      CodeNotFound,
	ErrDatabaseNotFound: CodeNotFound,
	ErrFilterNotFound:   CodeNotFound,

	ErrDuplicateKey:          CodeConflict,
	ErrDatabaseAlreadyExists: CodeConflict,
	ErrDatabaseAlreadyOpen:   CodeConflict,
	ErrCursorStillOpen:       CodeConflict,
	ErrTxnConflict:           CodeConflict,

	ErrOutOfMemory:   CodeResource,
	ErrCacheFull:     CodeResource,
	ErrLimitsReached: CodeResource,
	ErrDiskFull:      CodeResource,

	ErrIO:           CodeIO,
	ErrFileNotFound: CodeIO,

	ErrIntegrityViolated: CodeIntegrity,
	ErrBlobNotFound:      CodeIntegrity,
	ErrLogInvalidHeader:  CodeIntegrity,

	ErrNeedRecovery: CodeRecovery,

	ErrNotImplemented:     CodeCapability,
	ErrNotInitialized:     CodeCapability,
	ErrAlreadyInitialized: CodeCapability,
	ErrReadOnly:           CodeCapability,
}

// CodeOf classifies err into its §7 category by walking the error chain
// with errors.Is against the known sentinels. Returns CodeUnknown for
// errors outside the taxonomy (e.g. a raw *os.PathError from a device).
func CodeOf(err error) Code {
	for sentinel, code := range codeTable {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Retryable reports whether the caller may retry the operation after
// freeing resources: per §7 only the Resource category is retryable
// locally (the cache-purge-and-retry path); everything else unwinds.
func Retryable(err error) bool {
	return CodeOf(err) == CodeResource
}
