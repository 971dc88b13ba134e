package rateLimit

import (
	"sync"
	"time"
)

type Violation struct {
	Policy   string    `json:"policy"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Count    int       `json:"count"`
	Metadata Metadata  `json:"metadata"`
}

// violationLog is a bounded, append-only log ordered by time.
type violationLog struct {
	mu      sync.Mutex
	max     int
	entries []Violation
}

func newViolationLog(max int) *violationLog {
	return &violationLog{max: max}
}

func (v *violationLog) add(entry Violation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = append(v.entries, entry)
	if over := len(v.entries) - v.max; over > 0 {
		v.entries = append(v.entries[:0:0], v.entries[over:]...)
	}
}

func (v *violationLog) recent(limit int) []Violation {
	v.mu.Lock()
	defer v.mu.Unlock()
	if limit <= 0 || limit > len(v.entries) {
		limit = len(v.entries)
	}
	out := make([]Violation, 0, limit)
	for i := len(v.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, v.entries[i])
	}
	return out
}

func (v *violationLog) countSince(since time.Time) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for i := len(v.entries) - 1; i >= 0; i-- {
		if v.entries[i].At.Before(since) {
			break
		}
		n++
	}
	return n
}

func (v *violationLog) prune(before time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := 0
	for i < len(v.entries) && v.entries[i].At.Before(before) {
		i++
	}
	if i > 0 {
		v.entries = append(v.entries[:0:0], v.entries[i:]...)
	}
}

func (v *violationLog) len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

func (v *violationLog) clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = nil
}
