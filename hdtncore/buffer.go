package hdtncore

// PaddingElementsBefore is the headroom NewBuffer reserves at the front
// of a Buffer. The ingress dispatcher's BPv7 rewrite does not use it:
// it re-renders the whole bundle (bundleView.render) rather than
// prepending into this headroom.
const PaddingElementsBefore = 16

// Buffer is a move-only owning byte buffer. It replaces the source's
// ZMQ-message-plus-raw-pointer aliasing: Go has no linear types, so
// ownership transfer is a convention enforced by callers, not the type
// system. A sender that hands a Buffer to another component should not
// retain or mutate it afterward; Release makes that convention explicit
// at the few points (e.g. reliable-outduct ack) where it matters.
type Buffer struct {
	// data is the full backing array, including the reserved prefix.
	data []byte
	// off is the offset of the logical start of the bundle within data.
	off int
}

// NewBuffer allocates a Buffer with PaddingElementsBefore bytes of
// reserved headroom before payload, sized to hold n bytes of payload.
func NewBuffer(n int) *Buffer {
	data := make([]byte, PaddingElementsBefore+n)
	return &Buffer{data: data, off: PaddingElementsBefore}
}

// WrapBuffer constructs a Buffer directly over an existing byte slice
// with no reserved prefix (used when headroom is not required, e.g. a
// one-shot parse of a freshly received datagram).
func WrapBuffer(b []byte) *Buffer {
	return &Buffer{data: b, off: 0}
}

// Bytes returns the logical bundle bytes (excluding any unused prefix).
func (b *Buffer) Bytes() []byte { return b.data[b.off:] }

// Headroom returns the number of unused bytes available before the
// logical start of the buffer, usable by PrependInPlace.
func (b *Buffer) Headroom() int { return b.off }

// PrependInPlace moves the logical start back by len(prefix) bytes and
// copies prefix into the freed region, provided enough headroom exists.
// It reports false (performing no mutation) if headroom is insufficient,
// letting the caller fall back to a full re-render.
func (b *Buffer) PrependInPlace(prefix []byte) bool {
	if len(prefix) > b.off {
		return false
	}
	b.off -= len(prefix)
	copy(b.data[b.off:], prefix)
	return true
}

// Release clears the Buffer's reference to its backing array. Call this
// once a reliable outduct's ack for this payload has arrived and the
// buffer is being returned to the pool/GC, per the "move-only buffers"
// ownership rule.
func (b *Buffer) Release() {
	b.data = nil
	b.off = 0
}
