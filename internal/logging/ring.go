package logging

import "time"

// Entry is one captured log line, kept in memory for the admin log stream.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// ringBuffer keeps the most recent entries and fans new ones out to
// subscribers. Slow subscribers lose entries rather than block logging.
type ringBuffer struct {
	entries []Entry
	idx     int
	full    bool
	subs    map[chan Entry]struct{}
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{
		entries: make([]Entry, size),
		subs:    make(map[chan Entry]struct{}),
	}
}

// append is called with the package mutex held.
func (r *ringBuffer) append(e Entry) {
	r.entries[r.idx] = e
	r.idx = (r.idx + 1) % len(r.entries)
	if r.idx == 0 {
		r.full = true
	}
	for ch := range r.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// snapshot is called with the package mutex held.
func (r *ringBuffer) snapshot() []Entry {
	var out []Entry
	if r.full {
		out = append(out, r.entries[r.idx:]...)
	}
	out = append(out, r.entries[:r.idx]...)
	return out
}

// Recent returns the buffered log entries, oldest first.
func Recent() []Entry {
	mu.Lock()
	defer mu.Unlock()
	return ring.snapshot()
}

// Subscribe registers a channel that receives every new log entry until
// Unsubscribe is called. Entries are dropped if the channel is full.
func Subscribe(buf int) chan Entry {
	ch := make(chan Entry, buf)
	mu.Lock()
	defer mu.Unlock()
	ring.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a channel registered with Subscribe.
func Unsubscribe(ch chan Entry) {
	mu.Lock()
	defer mu.Unlock()
	delete(ring.subs, ch)
}
