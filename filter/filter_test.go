package filter

import (
	"bytes"
	"errors"
	"testing"
)

type upperFilter struct{ closed bool }

func (f *upperFilter) BeforeWrite(record []byte, _ Info) ([]byte, error) {
	out := make([]byte, len(record))
	for i, b := range record {
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		out[i] = b
	}
	return out, nil
}

func (f *upperFilter) AfterRead(record []byte, _ Info) ([]byte, error) {
	out := make([]byte, len(record))
	for i, b := range record {
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		out[i] = b
	}
	return out, nil
}

func (f *upperFilter) Close() error { f.closed = true; return nil }

type prefixFilter struct {
	prefix []byte
	closed bool
}

func (f *prefixFilter) BeforeWrite(record []byte, _ Info) ([]byte, error) {
	return append(append([]byte(nil), f.prefix...), record...), nil
}

func (f *prefixFilter) AfterRead(record []byte, _ Info) ([]byte, error) {
	if !bytes.HasPrefix(record, f.prefix) {
		return nil, errors.New("missing prefix")
	}
	return record[len(f.prefix):], nil
}

func (f *prefixFilter) Close() error { f.closed = true; return nil }

func TestChainForwardOnWriteReverseOnRead(t *testing.T) {
	c := NewChain()
	c.Append(&upperFilter{})
	c.Append(&prefixFilter{prefix: []byte(">>")})

	written, err := c.BeforeWrite([]byte("hello"), Info{})
	if err != nil {
		t.Fatalf("BeforeWrite: %v", err)
	}
	if string(written) != ">>HELLO" {
		t.Fatalf("expected >>HELLO, got %q", written)
	}

	read, err := c.AfterRead(written, Info{})
	if err != nil {
		t.Fatalf("AfterRead: %v", err)
	}
	if string(read) != "hello" {
		t.Fatalf("expected round trip to hello, got %q", read)
	}
}

func TestChainEmptyIsIdentity(t *testing.T) {
	c := NewChain()
	out, err := c.BeforeWrite([]byte("x"), Info{})
	if err != nil || string(out) != "x" {
		t.Fatalf("expected identity, got %q err %v", out, err)
	}
}

func TestChainCloseClosesAll(t *testing.T) {
	c := NewChain()
	a := &upperFilter{}
	b := &prefixFilter{prefix: []byte("!")}
	c.Append(a)
	c.Append(b)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatalf("expected both filters closed, got %v %v", a.closed, b.closed)
	}
}

func TestSnappyFilterRoundTrip(t *testing.T) {
	f := NewSnappyFilter()
	orig := []byte("the quick brown fox jumps over the lazy dog, repeated: the quick brown fox jumps over the lazy dog")

	compressed, err := f.BeforeWrite(orig, Info{})
	if err != nil {
		t.Fatalf("BeforeWrite: %v", err)
	}
	if len(compressed) >= len(orig) {
		t.Fatalf("expected repetitive input to compress, got %d >= %d", len(compressed), len(orig))
	}

	restored, err := f.AfterRead(compressed, Info{})
	if err != nil {
		t.Fatalf("AfterRead: %v", err)
	}
	if !bytes.Equal(restored, orig) {
		t.Fatalf("round trip mismatch: got %q want %q", restored, orig)
	}
}

func TestSnappyFilterInChain(t *testing.T) {
	c := NewChain()
	c.Append(NewSnappyFilter())
	c.Append(&prefixFilter{prefix: []byte("rec:")})

	orig := []byte("payload payload payload payload payload")
	written, err := c.BeforeWrite(orig, Info{})
	if err != nil {
		t.Fatalf("BeforeWrite: %v", err)
	}
	read, err := c.AfterRead(written, Info{})
	if err != nil {
		t.Fatalf("AfterRead: %v", err)
	}
	if !bytes.Equal(read, orig) {
		t.Fatalf("round trip mismatch: got %q want %q", read, orig)
	}
}
