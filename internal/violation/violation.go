// Package violation keeps the most recent quota rejections in a fixed-size
// ring buffer for operators. It is an observability aid only.
package violation

import (
	"sync"
	"time"
)

const DefaultCapacity = 1000

type Record struct {
	Key        string    `json:"key"`
	Scope      string    `json:"scope"`
	Identity   string    `json:"identity"`
	IP         string    `json:"ip,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	ExceededBy int64     `json:"exceededBy"`
}

// Log is a bounded, append-only buffer; the oldest record is evicted first.
type Log struct {
	mu   sync.Mutex
	buf  []Record
	next int
	n    int
}

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]Record, capacity)}
}

func (l *Log) Append(r Record) {
	l.mu.Lock()
	l.buf[l.next] = r
	l.next = (l.next + 1) % len(l.buf)
	if l.n < len(l.buf) {
		l.n++
	}
	l.mu.Unlock()
}

// Recent returns up to limit records, most recent first. limit <= 0 returns
// everything held.
func (l *Log) Recent(limit int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > l.n {
		limit = l.n
	}
	out := make([]Record, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

func (l *Log) Clear() {
	l.mu.Lock()
	clear(l.buf)
	l.next, l.n = 0, 0
	l.mu.Unlock()
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

func (l *Log) Cap() int { return len(l.buf) }
