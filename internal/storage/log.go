package storage

import (
	"cmp"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// Entry is one multicast message retained for catch-up replay.
type Entry struct {
	Payload   string // Message text as sent by the participant
	Seq       uint64 // Position in the log, starting at 1
	Timestamp int64  // Coordinator stamp in unix nanoseconds, strictly increasing
}

// Age returns how long ago the entry was stamped relative to now.
func (e Entry) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixNano() - e.Timestamp)
}

// Log defines the message log shared by every worker.
// All implementations must be safe for concurrent use.
type Log interface {
	// Append stamps payload and adds it at the tail.
	Append(payload string) Entry

	// Stamp returns a timestamp ordered strictly after every entry appended so
	// far and strictly before every entry appended afterwards.
	Stamp() int64

	// Evict removes entries older than the retention window from the front
	// and returns how many were removed.
	Evict() int

	// Since evicts stale entries, then returns the retained entries stamped
	// strictly after the given timestamp, oldest first.
	Since(after int64) []Entry

	// Retained reports whether e is still inside the retention window. It
	// applies the same rule as Evict.
	Retained(e Entry) bool

	// Len returns the number of retained entries.
	Len() int

	// Stats returns log statistics.
	Stats() LogStats
}

// LogStats contains statistics about the log.
type LogStats struct {
	Entries   int           `json:"entries"`    // Retained entries
	Bytes     int           `json:"bytes"`      // Payload bytes retained
	Appended  uint64        `json:"appended"`   // Entries ever appended
	Evicted   uint64        `json:"evicted"`    // Entries ever evicted
	Oldest    int64         `json:"oldest"`     // Stamp of the front entry, 0 when empty
	Newest    int64         `json:"newest"`     // Stamp of the tail entry, 0 when empty
	Retention time.Duration `json:"retention"`  // Configured retention window
}

// Option configures a MemoryLog.
type Option func(*MemoryLog)

// WithClock replaces time.Now as the log's time source.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLog) {
		l.now = now
	}
}

// MemoryLog implements Log as an in-memory slice with a moving head.
// A single mutex serializes appends, stamps and evictions, which is what keeps
// the timestamps sorted front to back.
type MemoryLog struct {
	now         func() time.Time
	entries     []Entry
	subscribers []func(Entry)
	retention   time.Duration
	head        int    // index of the front entry in entries
	last        int64  // highest stamp handed out
	seq         uint64 // last sequence number
	bytes       int
	evicted     uint64
	mu          sync.Mutex
}

// compactThreshold is the number of evicted slots tolerated before the
// backing slice is compacted.
const compactThreshold = 1024

// NewMemoryLog creates an empty log that retains entries for retention.
func NewMemoryLog(retention time.Duration, opts ...Option) *MemoryLog {
	l := &MemoryLog{
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe registers fn to be called for every appended entry.
// fn runs while the append lock is held, so subscribers observe entries in
// log order; it must not block and must not call back into the log.
func (l *MemoryLog) Subscribe(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// Append stamps payload and adds it at the tail.
func (l *MemoryLog) Append(payload string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e := Entry{
		Payload:   payload,
		Seq:       l.seq,
		Timestamp: l.stampLocked(),
	}
	l.entries = append(l.entries, e)
	l.bytes += len(payload)

	for _, fn := range l.subscribers {
		fn(e)
	}
	return e
}

// Stamp returns a timestamp strictly between every earlier and later append.
func (l *MemoryLog) Stamp() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stampLocked()
}

func (l *MemoryLog) stampLocked() int64 {
	ts := l.now().UnixNano()
	if ts <= l.last {
		ts = l.last + 1
	}
	l.last = ts
	return ts
}

// Evict removes stale entries from the front.
func (l *MemoryLog) Evict() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictLocked()
}

func (l *MemoryLog) evictLocked() int {
	now := l.now().UnixNano()
	removed := 0
	for l.head < len(l.entries) && l.expired(l.entries[l.head], now) {
		l.bytes -= len(l.entries[l.head].Payload)
		l.entries[l.head] = Entry{}
		l.head++
		removed++
	}
	l.evicted += uint64(removed)

	if l.head == len(l.entries) {
		l.entries = l.entries[:0]
		l.head = 0
	} else if l.head >= compactThreshold && l.head*2 >= len(l.entries) {
		n := copy(l.entries, l.entries[l.head:])
		clear(l.entries[n:])
		l.entries = l.entries[:n]
		l.head = 0
	}
	return removed
}

// Retained reports whether e is inside the retention window at the log's
// current time.
func (l *MemoryLog) Retained(e Entry) bool {
	return !l.expired(e, l.now().UnixNano())
}

func (l *MemoryLog) expired(e Entry, now int64) bool {
	return now-e.Timestamp > int64(l.retention)
}

// Since returns a copy of the retained entries stamped after the given timestamp.
func (l *MemoryLog) Since(after int64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictLocked()
	live := l.entries[l.head:]
	idx, found := slices.BinarySearchFunc(live, after, func(e Entry, ts int64) int {
		return cmp.Compare(e.Timestamp, ts)
	})
	if found {
		idx++
	}
	if idx >= len(live) {
		return nil
	}
	out := make([]Entry, len(live)-idx)
	copy(out, live[idx:])
	return out
}

// Len returns the number of retained entries.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries) - l.head
}

// Stats returns log statistics.
func (l *MemoryLog) Stats() LogStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := LogStats{
		Entries:   len(l.entries) - l.head,
		Bytes:     l.bytes,
		Appended:  l.seq,
		Evicted:   l.evicted,
		Retention: l.retention,
	}
	if stats.Entries > 0 {
		stats.Oldest = l.entries[l.head].Timestamp
		stats.Newest = l.entries[len(l.entries)-1].Timestamp
	}
	return stats
}
