package gitops

import (
	"sync"
	"time"
)

const defaultOpLogSize = 500

// OpEntry is one recorded git operation.
type OpEntry struct {
	Time   time.Time `json:"time"`
	Op     string    `json:"op"`
	Target string    `json:"target"`
	Detail string    `json:"detail,omitempty"`
}

// OperationLog is a bounded, thread-safe ring of recent git operations. Every
// mutating action the client performs (clone, reset, clean, fetch, pull) is
// appended here so destructive steps stay observable.
type OperationLog struct {
	mu      sync.Mutex
	entries []OpEntry
	size    int
}

// NewOperationLog returns a log bounded to size entries.
func NewOperationLog(size int) *OperationLog {
	if size <= 0 {
		size = defaultOpLogSize
	}
	return &OperationLog{size: size}
}

// Append records an operation, evicting the oldest entry when full.
func (l *OperationLog) Append(op, target, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := OpEntry{Time: time.Now().UTC(), Op: op, Target: target, Detail: detail}
	if len(l.entries) >= l.size {
		l.entries = append(l.entries[1:], entry)
		return
	}
	l.entries = append(l.entries, entry)
}

// Recent returns up to n entries, newest last.
func (l *OperationLog) Recent(n int) []OpEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n >= len(l.entries) {
		return append([]OpEntry(nil), l.entries...)
	}
	return append([]OpEntry(nil), l.entries[len(l.entries)-n:]...)
}
