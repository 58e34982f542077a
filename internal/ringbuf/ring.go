package ringbuf

// Ring is a fixed-capacity FIFO of bytes.
// It is not goroutine-safe; callers serialize access.
type Ring struct {
	buf   []byte
	head  int
	tail  int
	count int
}

func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]byte, capacity)}
}

func (r *Ring) Cap() int  { return len(r.buf) }
func (r *Ring) Len() int  { return r.count }
func (r *Ring) Free() int { return len(r.buf) - r.count }

// Put appends one byte. It reports false when the ring is full and the byte was dropped.
func (r *Ring) Put(b byte) bool {
	if r.count == len(r.buf) {
		return false
	}
	r.buf[r.tail] = b
	r.tail = (r.tail + 1) % len(r.buf)
	r.count++
	return true
}

// Write copies as much of p as fits and returns the number of bytes stored.
func (r *Ring) Write(p []byte) int {
	n := 0
	for n < len(p) && r.Put(p[n]) {
		n++
	}
	return n
}

// Read moves up to len(p) bytes out of the ring.
func (r *Ring) Read(p []byte) int {
	n := len(p)
	if n > r.count {
		n = r.count
	}
	for i := 0; i < n; i++ {
		p[i] = r.buf[r.head]
		r.head = (r.head + 1) % len(r.buf)
	}
	r.count -= n
	return n
}

// Clear drops all buffered bytes without releasing storage.
func (r *Ring) Clear() {
	r.head, r.tail, r.count = 0, 0, 0
}
