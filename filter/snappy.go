package filter

import (
	"fmt"

	"github.com/golang/snappy"
)

// SnappyFilter is a concrete RecordFilter that snappy-compresses records
// on the way to storage and decompresses them on the way back out. It
// exercises the record filter chain with a real compression codec the
// way dgraph's backup/restore path uses github.com/golang/snappy for
// block-oriented (not streaming) compression.
type SnappyFilter struct{}

// NewSnappyFilter returns a ready-to-use compression filter.
func NewSnappyFilter() *SnappyFilter {
	return &SnappyFilter{}
}

// BeforeWrite compresses record.
func (f *SnappyFilter) BeforeWrite(record []byte, _ Info) ([]byte, error) {
	return snappy.Encode(nil, record), nil
}

// AfterRead decompresses record.
func (f *SnappyFilter) AfterRead(record []byte, _ Info) ([]byte, error) {
	out, err := snappy.Decode(nil, record)
	if err != nil {
		return nil, fmt.Errorf("filter: snappy decode: %w", err)
	}
	return out, nil
}

// Close is a no-op; SnappyFilter holds no resources.
func (f *SnappyFilter) Close() error { return nil }
