package connstate

// ring is a fixed-capacity buffer that evicts the oldest entry when full.
type ring struct {
	buf   []Transition
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Transition, capacity)}
}

func (r *ring) push(t Transition) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = t
		r.n++
		return
	}
	r.buf[r.start] = t
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.n }

func (r *ring) items() []Transition {
	out := make([]Transition, r.n)
	for i := range r.n {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
