package protocol

import (
	"bytes"

	"github.com/smallnest/ringbuffer"
)

// DefaultFrameCapacity bounds the reassembly buffer when no capacity is given.
const DefaultFrameCapacity = 2048

// FrameBuffer reassembles notification fragments into records. It never
// reports an error: overflow, stale ping replies and lost synchronisation
// all resolve to discarding buffered bytes and waiting for the next frame.
//
// FrameBuffer is not safe for concurrent use.
type FrameBuffer struct {
	ring *ringbuffer.RingBuffer

	// view holds a linear copy of the ring, refreshed by Ready.
	view    []byte
	scratch []byte
	ready   bool

	// pending holds a possible keep-alive prefix ending the last fragment.
	pending []byte
}

// NewFrameBuffer returns a buffer holding at most capacity bytes. Capacity is
// raised to twice MaxRecordLen so a record split across two fragments always
// fits.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity < 2*MaxRecordLen {
		capacity = 2 * MaxRecordLen
	}
	return &FrameBuffer{
		ring:    ringbuffer.New(capacity),
		view:    make([]byte, 0, capacity),
		scratch: make([]byte, capacity),
		pending: make([]byte, 0, 2*len(KeepAlive)),
	}
}

// Len returns the number of buffered bytes.
func (b *FrameBuffer) Len() int {
	return b.ring.Length()
}

// Cap returns the buffer capacity.
func (b *FrameBuffer) Cap() int {
	return b.ring.Capacity()
}

// Reset discards everything buffered.
func (b *FrameBuffer) Reset() {
	b.ring.Reset()
	b.view = b.view[:0]
	b.pending = b.pending[:0]
	b.ready = false
}

// Append adds a notification fragment. If the fragment would overflow the
// buffer, the buffered bytes are dropped first. Keep-alive tokens are
// skipped, including one split across fragments: trailing bytes that could
// start a token are held back until the next fragment settles them.
func (b *FrameBuffer) Append(fragment []byte) {
	b.ready = false
	data := fragment
	if len(b.pending) > 0 {
		data = append(append(make([]byte, 0, len(b.pending)+len(fragment)), b.pending...), fragment...)
		b.pending = b.pending[:0]
	}
	if b.ring.Length()+len(data) > b.ring.Capacity() {
		b.ring.Reset()
	}

	for i := 0; i < len(data); i++ {
		if bytes.HasPrefix(data[i:], KeepAlive) {
			i += len(KeepAlive) - 1
			continue
		}
		if tail := data[i:]; len(tail) < len(KeepAlive) && bytes.HasPrefix(KeepAlive, tail) {
			b.pending = append(b.pending, tail...)
			return
		}
		if err := b.ring.WriteByte(data[i]); err != nil {
			// Only a single fragment larger than the whole buffer gets here.
			return
		}
	}
}

// Ready reports whether a complete record is buffered. As a side effect it
// drops stale data: a buffer containing a ping response is emptied, a buffer
// without a start-of-record marker is emptied, and bytes ahead of the first
// marker are discarded.
//
// A record is complete once MaxRecordLen bytes follow the marker; the
// protocol carries no length field.
func (b *FrameBuffer) Ready() bool {
	b.ready = false
	if b.ring.Length() < len(StartOfRecord) {
		return false
	}

	b.view = b.ring.Bytes(b.view[:0])
	if bytes.Contains(b.view, PingResponse) {
		b.Reset()
		return false
	}

	start := bytes.Index(b.view, StartOfRecord)
	if start < 0 {
		b.Reset()
		return false
	}
	if start > 0 {
		b.discard(start)
	}

	b.ready = len(b.view) >= MaxRecordLen
	return b.ready
}

// Frame returns the buffered record that Ready reported complete. The slice
// is only valid until the next call to Append, Consume or Reset.
func (b *FrameBuffer) Frame() []byte {
	if !b.ready {
		return nil
	}
	return b.view
}

// Type returns the record type of the ready frame.
func (b *FrameBuffer) Type() RecordType {
	if !b.ready {
		return 0
	}
	return RecordType(b.view[4])
}

// Consume releases the ready frame. The buffer advances to the next
// start-of-record marker after the current one, or is emptied when there is
// none, so back-to-back records delivered in one fragment are both seen.
func (b *FrameBuffer) Consume() {
	if !b.ready {
		return
	}
	b.ready = false

	next := bytes.Index(b.view[1:], StartOfRecord)
	if next < 0 {
		b.Reset()
		return
	}
	b.discard(next + 1)
}

// discard drops n bytes from the front of the buffer.
func (b *FrameBuffer) discard(n int) {
	for left := n; left > 0; {
		m, err := b.ring.Read(b.scratch[:min(left, len(b.scratch))])
		if err != nil || m == 0 {
			b.Reset()
			return
		}
		left -= m
	}
	b.view = b.view[:copy(b.view, b.view[n:])]
}
