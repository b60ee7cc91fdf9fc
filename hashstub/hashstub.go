// Package hashstub shows the interface shape of the alternative
// hash/cuckoo backend that sits alongside the B-tree backend in a full
// HamsterDB implementation, without implementing it: every method
// returns ErrNotImplemented. It mirrors common.StorageEngine the way an
// environment's create-database call would take a backend-selection
// flag without this particular backend ever doing real work.
package hashstub

import (
	"errors"

	"github.com/hamsterdb/hamsterdb/common"
)

// ErrNotImplemented is returned by every HashIndex operation.
var ErrNotImplemented = errors.New("hashstub: alternative backend not implemented")

// Config mirrors the shape a hash-backend configuration would take:
// its own segment directory and cache budget, parallel to btree.Config.
type Config struct {
	DataDir   string
	CacheSize int
}

// DefaultConfig returns a stub configuration.
func DefaultConfig(dataDir string) Config {
	return Config{DataDir: dataDir + "/hash.db", CacheSize: 1024}
}

// HashIndex is a placeholder for the unimplemented hash/cuckoo backend.
type HashIndex struct {
	config Config
}

// New always fails: see ErrNotImplemented.
func New(config Config) (*HashIndex, error) {
	return nil, ErrNotImplemented
}

var _ common.StorageEngine = (*HashIndex)(nil)

func (h *HashIndex) Put(key, value []byte) error    { return ErrNotImplemented }
func (h *HashIndex) Get(key []byte) ([]byte, error) { return nil, ErrNotImplemented }
func (h *HashIndex) Delete(key []byte) error        { return ErrNotImplemented }
func (h *HashIndex) Close() error                   { return nil }
func (h *HashIndex) Sync() error                    { return ErrNotImplemented }
func (h *HashIndex) Stats() common.Stats            { return common.Stats{} }
func (h *HashIndex) Compact() error                 { return ErrNotImplemented }
