package gateway

import (
	json "github.com/goccy/go-json"
)

// ReplayEntry is one buffered dispatch: the assigned sequence number, the event type, and the raw payload.
type ReplayEntry struct {
	Seq  int64
	Type EventType
	Data json.RawMessage
}

// ReplayBuffer is a bounded ring of the most recent sequenced dispatches for one session. Sequence numbers are
// assigned on append, start at 1, and are contiguous; the oldest entry is evicted when the ring is full.
//
// The buffer is not safe for concurrent use on its own: the owning Session serialises the single writer and all
// readers under its mutex. Since returns copies so callers can use the result after the mutex is released.
type ReplayBuffer struct {
	entries []ReplayEntry
	head    int // index of the oldest entry
	size    int
	lastSeq int64
}

// NewReplayBuffer creates a replay buffer retaining at most capacity dispatches. Capacity must be at least 1.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ReplayBuffer{entries: make([]ReplayEntry, capacity)}
}

// Append assigns the next sequence number to the event, stores it, and returns the assigned number. The oldest entry
// is evicted when the buffer is at capacity.
func (b *ReplayBuffer) Append(eventType EventType, data json.RawMessage) int64 {
	b.lastSeq++
	entry := ReplayEntry{Seq: b.lastSeq, Type: eventType, Data: data}

	if b.size == len(b.entries) {
		b.entries[b.head] = entry
		b.head = (b.head + 1) % len(b.entries)
	} else {
		b.entries[(b.head+b.size)%len(b.entries)] = entry
		b.size++
	}
	return b.lastSeq
}

// Since returns a snapshot of all entries with sequence numbers strictly greater than clientSeq, in order. It returns
// ErrMissingRange when the range is no longer fully buffered (clientSeq+1 is older than the oldest retained entry) or
// when clientSeq is ahead of the last assigned sequence. clientSeq equal to the last assigned sequence yields an
// empty, successful result.
func (b *ReplayBuffer) Since(clientSeq int64) ([]ReplayEntry, error) {
	if clientSeq > b.lastSeq {
		return nil, ErrMissingRange
	}
	if clientSeq == b.lastSeq {
		return nil, nil
	}
	// clientSeq < lastSeq: the events (clientSeq, lastSeq] must all still be retained.
	if clientSeq+1 < b.oldestSeq() {
		return nil, ErrMissingRange
	}

	out := make([]ReplayEntry, 0, b.lastSeq-clientSeq)
	for i := 0; i < b.size; i++ {
		entry := b.entries[(b.head+i)%len(b.entries)]
		if entry.Seq > clientSeq {
			out = append(out, entry)
		}
	}
	return out, nil
}

// LastSeq returns the most recently assigned sequence number, or 0 if nothing was ever appended.
func (b *ReplayBuffer) LastSeq() int64 {
	return b.lastSeq
}

// Len returns the number of retained entries.
func (b *ReplayBuffer) Len() int {
	return b.size
}

func (b *ReplayBuffer) oldestSeq() int64 {
	if b.size == 0 {
		// Empty buffer: the only replayable position is lastSeq itself, handled by the caller.
		return b.lastSeq + 1
	}
	return b.entries[b.head].Seq
}
