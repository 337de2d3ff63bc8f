package event

import "sync"

// DefaultHistoryLimit is the default bound on retained events.
const DefaultHistoryLimit = 1000

// History is a bounded ring of recent events with FIFO eviction. Append and
// snapshot are atomic with respect to each other.
type History struct {
	mu    sync.RWMutex
	buf   []Event
	start int // Index of the oldest event
	count int
}

// NewHistory creates a history retaining at most limit events.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{buf: make([]Event, limit)}
}

// Append records an event, evicting the oldest once the bound is reached.
func (h *History) Append(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count < len(h.buf) {
		h.buf[(h.start+h.count)%len(h.buf)] = e
		h.count++
		return
	}
	// Full: overwrite the oldest slot and advance.
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of retained events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Cap returns the retention bound.
func (h *History) Cap() int {
	return len(h.buf)
}

// Recent returns up to limit retained events matching the type filter,
// oldest first (most recent last). TypeAll or empty matches everything;
// limit <= 0 means no limit.
func (h *History) Recent(t Type, limit int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	matched := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		e := h.buf[(h.start+i)%len(h.buf)]
		if t == "" || t == TypeAll || e.Type == t {
			matched = append(matched, e)
		}
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}
