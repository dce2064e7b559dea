package tasks

// DefaultHistorySize is the number of terminal tasks kept for listing.
const DefaultHistorySize = 100

// history is a fixed-capacity FIFO of terminal tasks. Not safe for
// concurrent use; the registry guards it.
type history struct {
	buf  []*entry
	head int
	size int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &history{buf: make([]*entry, capacity)}
}

// push appends e and returns the evicted oldest entry, if any.
func (h *history) push(e *entry) *entry {
	idx := (h.head + h.size) % len(h.buf)
	if h.size < len(h.buf) {
		h.buf[idx] = e
		h.size++
		return nil
	}
	evicted := h.buf[h.head]
	h.buf[h.head] = e
	h.head = (h.head + 1) % len(h.buf)
	return evicted
}

func (h *history) list() []Task {
	out := make([]Task, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(h.head+i)%len(h.buf)].task.clone())
	}
	return out
}

func (h *history) find(id string) *entry {
	for i := 0; i < h.size; i++ {
		if e := h.buf[(h.head+i)%len(h.buf)]; e.task.ID == id {
			return e
		}
	}
	return nil
}

func (h *history) len() int { return h.size }
