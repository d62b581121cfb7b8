package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/novelfetch/internal/progress"
)

const defaultFeedCapacity = 1024

// Record is an event stamped with its position in the feed.
type Record struct {
	Seq uint64 `json:"seq"`
	progress.Event
}

// Feed keeps the most recent events in a bounded ring and fans them out to
// live subscribers. Slow subscribers miss events rather than stall the hub;
// they can catch up through Since.
type Feed struct {
	mu       sync.Mutex
	capacity int
	records  []Record
	next     uint64
	subs     map[int]chan Record
	nextSub  int
	closed   bool
}

// NewFeed returns a Feed retaining up to capacity events.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = defaultFeedCapacity
	}
	return &Feed{
		capacity: capacity,
		next:     1,
		subs:     make(map[int]chan Record),
	}
}

// Consume appends the batch in order and notifies subscribers.
func (f *Feed) Consume(_ context.Context, batch []progress.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	for _, evt := range batch {
		rec := Record{Seq: f.next, Event: evt}
		f.next++
		f.records = append(f.records, rec)
		if over := len(f.records) - f.capacity; over > 0 {
			f.records = append(f.records[:0], f.records[over:]...)
		}
		for _, ch := range f.subs {
			select {
			case ch <- rec:
			default:
			}
		}
	}
	return nil
}

// Since returns retained records with Seq greater than after.
func (f *Feed) Since(after uint64) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, 0, len(f.records))
	for _, rec := range f.records {
		if rec.Seq > after {
			out = append(out, rec)
		}
	}
	return out
}

// Last returns the sequence number of the newest record, or zero.
func (f *Feed) Last() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next - 1
}

// Subscribe registers a live listener. The returned cancel func unregisters
// it and closes the channel.
func (f *Feed) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Record, buffer)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

// Close releases all subscribers.
func (f *Feed) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
	return nil
}
