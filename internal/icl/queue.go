// Package icl holds the dispatch queue: the set of component names still
// waiting for a successful configurator run.
//
// Membership only grows during a cycle. It is emptied at (re)initialisation and
// after a successful dispatch, and rolled back with Restore when a dispatch
// fails, since the same differences are derived again from the unchanged
// reference profile on the next cycle.
package icl

import "sort"

// Queue is the mutable component set. It is owned by the dispatch loop and is
// not safe for concurrent use.
type Queue struct {
	names map[string]struct{}
}

// Snapshot is an immutable copy of a Queue's contents.
type Snapshot struct {
	names []string
}

// Names returns the snapshot contents in sorted order.
func (s Snapshot) Names() []string { return append([]string(nil), s.names...) }

// Len returns the number of names in the snapshot.
func (s Snapshot) Len() int { return len(s.names) }

// New returns an empty queue.
func New() *Queue {
	return &Queue{names: make(map[string]struct{})}
}

// Reset empties the queue.
func (q *Queue) Reset() {
	clear(q.names)
}

// AddAll merges names into the queue and returns how many were new.
func (q *Queue) AddAll(names ...string) int {
	added := 0
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := q.names[n]; !ok {
			q.names[n] = struct{}{}
			added++
		}
	}
	return added
}

// Contains reports whether name is queued.
func (q *Queue) Contains(name string) bool {
	_, ok := q.names[name]
	return ok
}

// Len returns the number of queued names.
func (q *Queue) Len() int { return len(q.names) }

// Names returns the queued names in sorted order.
func (q *Queue) Names() []string {
	out := make([]string, 0, len(q.names))
	for n := range q.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies the current contents.
func (q *Queue) Snapshot() Snapshot {
	return Snapshot{names: q.Names()}
}

// Restore replaces the queue contents with s.
func (q *Queue) Restore(s Snapshot) {
	clear(q.names)
	for _, n := range s.names {
		q.names[n] = struct{}{}
	}
}
