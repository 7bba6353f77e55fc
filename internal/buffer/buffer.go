// Package buffer implements the bounded, insertion-ordered capture buffer.
//
// The buffer owns every record appended to it. Appending moves the record in
// (the source is emptied, no deep copy on the hot path). Reads hand out
// borrowed references that are only valid until the next mutation; stale
// references are detected through a generation counter rather than trusted.
package buffer

import (
	"github.com/halcyonrf/txgate/pkg/schema"
)

// NearCapacityThreshold is the fill ratio at which the engine leaves
// Listening before the buffer can overflow.
const NearCapacityThreshold = 0.9

// Buffer is a bounded, insertion-ordered container of captured signals.
// Not safe for concurrent use; the engine core is single-threaded.
type Buffer struct {
	items []schema.CapturedSignal
	cap   int
	gen   uint64
}

// New returns an empty buffer with no reserved capacity. Reserve must be
// called before Append.
func New() *Buffer {
	return &Buffer{}
}

// Reserve pre-allocates capacity for the run. Existing contents are dropped.
func (b *Buffer) Reserve(capacity int) error {
	if capacity <= 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "buffer capacity must be positive, got %d", capacity)
	}
	b.items = make([]schema.CapturedSignal, 0, capacity)
	b.cap = capacity
	b.gen++
	return nil
}

// Append moves a record into the buffer. On success the source record is
// emptied and must not be dereferenced for its old contents. A full buffer
// is a BUFFER_OVERFLOW error and leaves the source untouched.
func (b *Buffer) Append(s *schema.CapturedSignal) error {
	if b.cap == 0 {
		return schema.NewError(schema.ErrCodeBufferOverflow, "buffer has no reserved capacity")
	}
	if len(b.items) >= b.cap {
		return schema.NewErrorf(schema.ErrCodeBufferOverflow, "buffer full: %d/%d", len(b.items), b.cap).
			WithDetails(map[string]any{"len": len(b.items), "cap": b.cap})
	}
	b.items = append(b.items, s.Take())
	b.gen++
	return nil
}

// Len returns the number of stored records.
func (b *Buffer) Len() int { return len(b.items) }

// Cap returns the reserved capacity.
func (b *Buffer) Cap() int { return b.cap }

// Usage returns the fill ratio in [0,1].
func (b *Buffer) Usage() float64 {
	if b.cap == 0 {
		return 0
	}
	return float64(len(b.items)) / float64(b.cap)
}

// NearCapacity reports whether the buffer has reached the 90% threshold.
func (b *Buffer) NearCapacity() bool {
	return b.Usage() >= NearCapacityThreshold
}

// Get returns a borrowed reference to the record at index i. The reference
// is valid only until the buffer is next mutated or cleared; callers that
// hold it longer must use Ref and re-validate.
func (b *Buffer) Get(i int) (*schema.CapturedSignal, bool) {
	if i < 0 || i >= len(b.items) {
		return nil, false
	}
	return &b.items[i], true
}

// Clear drops all records and invalidates outstanding references.
func (b *Buffer) Clear() {
	b.items = b.items[:0]
	b.gen++
}

// Generation returns the current mutation counter.
func (b *Buffer) Generation() uint64 { return b.gen }

// Ref is a re-validating handle to a buffered record. Deref fails once the
// buffer has been mutated after the Ref was taken, so a stale handle can
// never observe moved or cleared data.
type Ref struct {
	buf *Buffer
	idx int
	gen uint64
}

// Ref returns a handle to the record at index i.
func (b *Buffer) Ref(i int) Ref {
	return Ref{buf: b, idx: i, gen: b.gen}
}

// Deref returns the referenced record, or false if the handle is stale or
// out of range.
func (r Ref) Deref() (*schema.CapturedSignal, bool) {
	if r.buf == nil || r.gen != r.buf.gen {
		return nil, false
	}
	return r.buf.Get(r.idx)
}
