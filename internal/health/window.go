package health

// window is a fixed-capacity FIFO; pushing past capacity evicts the oldest value.
type window[T any] struct {
	buf   []T
	start int
	size  int
}

func newWindow[T any](capacity int) *window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &window[T]{buf: make([]T, capacity)}
}

func (w *window[T]) push(v T) {
	idx := (w.start + w.size) % len(w.buf)
	w.buf[idx] = v
	if w.size < len(w.buf) {
		w.size++
		return
	}
	w.start = (w.start + 1) % len(w.buf)
}

func (w *window[T]) len() int { return w.size }

// values returns the contents oldest-first as a fresh slice.
func (w *window[T]) values() []T {
	out := make([]T, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}
