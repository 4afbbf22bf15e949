package segment

// ring is a fixed-capacity sample ring buffer that keeps the most recent
// samples written to it.
type ring struct {
	buf  []float32
	head int // index of the oldest sample
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float32, max(capacity, 0))}
}

// Write appends samples, overwriting the oldest ones once full.
func (r *ring) Write(samples []float32) {
	c := len(r.buf)
	if c == 0 {
		return
	}
	if len(samples) >= c {
		copy(r.buf, samples[len(samples)-c:])
		r.head, r.n = 0, c
		return
	}
	for _, s := range samples {
		idx := (r.head + r.n) % c
		r.buf[idx] = s
		if r.n < c {
			r.n++
		} else {
			r.head = (r.head + 1) % c
		}
	}
}

// Len returns the number of buffered samples.
func (r *ring) Len() int { return r.n }

// Tail returns a copy of the newest k samples in chronological order.
func (r *ring) Tail(k int) []float32 {
	k = min(max(k, 0), r.n)
	out := make([]float32, k)
	c := len(r.buf)
	first := r.head + r.n - k
	for i := range k {
		out[i] = r.buf[(first+i)%c]
	}
	return out
}

// Reset empties the buffer without releasing its storage.
func (r *ring) Reset() {
	r.head, r.n = 0, 0
}
