package pollmux

import (
	"sync"

	"github.com/eapache/queue"
)

// ChangeSource is the contract between the backend and the collaborator that
// accumulates pending interest changes. The backend drains the source exactly
// once per dispatch iteration, in recording order, and never retains the
// drained records past the flush.
//
// Implementations must be safe for Push from other goroutines while the
// dispatching goroutine is blocked in the kernel wait.
type ChangeSource interface {
	// Push records a pending change.
	Push(ch Change)
	// Drain invokes fn for every pending change in recording order, then
	// discards all of them. Drain must empty the source even if fn is
	// unable to apply some changes.
	Drain(fn func(ch Change))
	// Len reports the number of pending changes.
	Len() int
}

// Changelist is the default ChangeSource: an ordered FIFO of pending changes
// that coalesces repeat mutations of the same descriptor within one batch
// into a single record, so each descriptor costs at most one control syscall
// per flush.
type Changelist struct {
	mu   sync.Mutex
	q    *queue.Queue
	byFD map[int]*Change
}

// NewChangelist creates an empty Changelist.
func NewChangelist() *Changelist {
	return &Changelist{
		q:    queue.New(),
		byFD: make(map[int]*Change),
	}
}

// Push records a pending change. If a change for the same descriptor is
// already pending, the new per-field mutations overwrite the pending ones
// (last write wins, field by field) and the original Old mask is kept, since
// it still describes what the kernel last saw.
func (c *Changelist) Push(ch Change) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.byFD[ch.FD]; ok {
		if ch.Read != 0 {
			prev.Read = ch.Read
		}
		if ch.Write != 0 {
			prev.Write = ch.Write
		}
		if ch.Close != 0 {
			prev.Close = ch.Close
		}
		return
	}

	p := new(Change)
	*p = ch
	c.q.Add(p)
	c.byFD[ch.FD] = p
}

// Drain invokes fn for every pending change in recording order and empties
// the list. The list is emptied regardless of what fn does with each record.
func (c *Changelist) Drain(fn func(ch Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.q.Length() > 0 {
		p := c.q.Remove().(*Change)
		delete(c.byFD, p.FD)
		fn(*p)
	}
}

// Len reports the number of pending changes.
func (c *Changelist) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q.Length()
}
