package audio

// Ring is a fixed-capacity byte buffer with oldest-wins overwrite. It backs
// the provider adapter's pending-input buffer: appends past the capacity
// silently discard the oldest bytes, bounding memory no matter how long a
// client streams without committing.
//
// Ring is not safe for concurrent use; callers serialize access.
type Ring struct {
	buf   []byte
	start int
	size  int
}

// NewRing creates a ring holding at most capacity bytes. Capacity must be
// positive.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic("audio: ring capacity must be positive")
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Write appends p, overwriting the oldest bytes once the ring is full. If p
// is larger than the capacity only its trailing bytes are kept.
func (r *Ring) Write(p []byte) {
	capacity := len(r.buf)
	if len(p) >= capacity {
		copy(r.buf, p[len(p)-capacity:])
		r.start = 0
		r.size = capacity
		return
	}

	end := (r.start + r.size) % capacity
	n := copy(r.buf[end:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}

	overflow := r.size + len(p) - capacity
	if overflow > 0 {
		r.start = (r.start + overflow) % capacity
		r.size = capacity
	} else {
		r.size += len(p)
	}
}

// Len reports the number of buffered bytes.
func (r *Ring) Len() int { return r.size }

// Bytes returns a copy of the buffered bytes in append order.
func (r *Ring) Bytes() []byte {
	out := make([]byte, r.size)
	n := copy(out, r.buf[r.start:min(r.start+r.size, len(r.buf))])
	if n < r.size {
		copy(out[n:], r.buf[:r.size-n])
	}
	return out
}

// Reset discards all buffered bytes.
func (r *Ring) Reset() {
	r.start = 0
	r.size = 0
}
