package expr

import (
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// BufferView is storage bound to a name in an Environment. It is either a
// *BorrowedView over caller-owned memory with a fixed capacity, or an
// *OwnedBuffer that the engine may reset and grow.
type BufferView interface {
	// Bytes returns the current contents of the view.
	Bytes() []byte

	isBufferView()
}

// BorrowedView wraps a caller-owned byte slice. The caller keeps ownership;
// writes never reallocate and fail when the slice is too small.
type BorrowedView struct {
	buf     []byte
	written int
}

// NewBorrowedView creates a view over buf. Its capacity is len(buf).
func NewBorrowedView(buf []byte) *BorrowedView {
	return &BorrowedView{buf: buf}
}

func (*BorrowedView) isBufferView() {}

// Bytes returns the whole borrowed region.
func (v *BorrowedView) Bytes() []byte { return v.buf }

// Capacity returns the size of the borrowed region in bytes.
func (v *BorrowedView) Capacity() int { return len(v.buf) }

// Written returns the number of bytes stored by the last successful
// evaluation that used this view as output.
func (v *BorrowedView) Written() int { return v.written }

// Result returns the bytes stored by the last successful evaluation.
func (v *BorrowedView) Result() []byte { return v.buf[:v.written] }

// OwnedBuffer is engine-owned storage backed by an arrow allocator. Call
// Release once the contents are no longer needed.
type OwnedBuffer struct {
	buf      *memory.Buffer
	released bool
}

// NewOwnedBuffer creates an empty growable buffer. A nil allocator selects
// memory.DefaultAllocator.
func NewOwnedBuffer(mem memory.Allocator) *OwnedBuffer {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &OwnedBuffer{buf: memory.NewResizableBuffer(mem)}
}

func (*OwnedBuffer) isBufferView() {}

// Bytes returns the current contents.
func (b *OwnedBuffer) Bytes() []byte { return b.buf.Bytes() }

// Len returns the length of the current contents in bytes.
func (b *OwnedBuffer) Len() int { return b.buf.Len() }

// reset drops the contents and returns the memory to the allocator.
func (b *OwnedBuffer) reset() { b.buf.Resize(0) }

// grow sizes the buffer to exactly n bytes.
func (b *OwnedBuffer) grow(n int) { b.buf.Resize(n) }

// Release frees the underlying memory. It is safe to call more than once.
func (b *OwnedBuffer) Release() {
	if b.released {
		return
	}
	b.released = true
	b.buf.Release()
}
