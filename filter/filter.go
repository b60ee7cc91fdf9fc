// Package filter implements the per-database record filter chain from
// §6: before_write/after_read/close callbacks, chained forward on
// write and reverse on read. Modeled on hashindex's compaction hooks: a
// small ordered slice of callbacks run in sequence around the data path.
package filter

// Info carries the context a filter's callbacks need beyond the record
// bytes themselves (§6 "Info carries the owning transaction and
// triggering cursor").
type Info struct {
	TxnID     uint64 // 0 when there is no active transaction
	CursorID  uint64 // 0 when the call did not originate from a cursor
	DatabaseName uint16
}

// RecordFilter is one entry in a database's filter chain (§6
// "Record filter (per database)").
type RecordFilter interface {
	// BeforeWrite transforms record on its way to storage (e.g.
	// compression). It returns the bytes to actually persist.
	BeforeWrite(record []byte, info Info) ([]byte, error)
	// AfterRead reverses BeforeWrite on the way back out.
	AfterRead(record []byte, info Info) ([]byte, error)
	// Close releases any resources the filter holds open.
	Close() error
}

// Chain is an ordered list of record filters. Writes traverse it
// forward (first-registered filter runs first); reads traverse it in
// reverse, so the last transform applied on write is the first one
// undone on read (§6 "Filters form an ordered list; writes
// traverse forward, reads traverse reverse").
type Chain struct {
	filters []RecordFilter
}

// NewChain returns an empty filter chain.
func NewChain() *Chain {
	return &Chain{}
}

// Append adds f to the end of the chain.
func (c *Chain) Append(f RecordFilter) {
	c.filters = append(c.filters, f)
}

// Len reports how many filters are installed.
func (c *Chain) Len() int { return len(c.filters) }

// BeforeWrite runs every filter's BeforeWrite in registration order.
func (c *Chain) BeforeWrite(record []byte, info Info) ([]byte, error) {
	var err error
	for _, f := range c.filters {
		record, err = f.BeforeWrite(record, info)
		if err != nil {
			return nil, err
		}
	}
	return record, nil
}

// AfterRead runs every filter's AfterRead in reverse registration order.
func (c *Chain) AfterRead(record []byte, info Info) ([]byte, error) {
	var err error
	for i := len(c.filters) - 1; i >= 0; i-- {
		record, err = c.filters[i].AfterRead(record, info)
		if err != nil {
			return nil, err
		}
	}
	return record, nil
}

// Close closes every filter, collecting the first error encountered but
// still attempting to close the rest. Order doesn't matter for teardown,
// unlike the write/read chain.
func (c *Chain) Close() error {
	var first error
	for _, f := range c.filters {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FileFilter is the legacy, optional page-level filter from §6
// ("File filter (per environment, legacy/optional)"). AES/Zlib
// implementations stay opaque byte transforms and are explicitly out of
// scope; FileFilter only specifies the interface shape and the
// header/footer accounting the engine needs to know total per-page
// overhead.
type FileFilter interface {
	Init(creating bool) error
	BeforeWrite(page []byte) ([]byte, error)
	AfterRead(page []byte) ([]byte, error)
	Flush() error
	Close() error
	HeaderSize() int
	FooterSize() int
	TrailingSurplus() int
	LeadingSurplus() int
}

