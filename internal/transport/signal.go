package transport

import (
	"sync"
	"time"
)

// Flag is an in-process Signal. Updates may carry a revision; a revisioned
// update older than the last applied one is ignored.
type Flag struct {
	mu      sync.Mutex
	up      bool
	rev     uint64
	changed chan struct{}
}

var _ Signal = (*Flag)(nil)

func NewFlag(up bool) *Flag {
	return &Flag{up: up, changed: make(chan struct{})}
}

func (f *Flag) Raise() { f.set(true, 0) }

func (f *Flag) Lower() { f.set(false, 0) }

func (f *Flag) Up() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.up
}

func (f *Flag) Changed() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.changed
}

func (f *Flag) WaitUp(timeout time.Duration) bool { return f.wait(true, timeout) }

func (f *Flag) WaitDown(timeout time.Duration) bool { return !f.wait(false, timeout) }

// wait returns the state observed when it stops waiting.
func (f *Flag) wait(want bool, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		f.mu.Lock()
		up, ch := f.up, f.changed
		f.mu.Unlock()
		if up == want {
			return up
		}

		select {
		case <-ch:
		case <-t.C:
			return f.Up()
		}
	}
}

func (f *Flag) set(up bool, rev uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rev != 0 {
		if rev <= f.rev {
			return
		}
		f.rev = rev
	}
	if f.up == up {
		return
	}
	f.up = up
	close(f.changed)
	f.changed = make(chan struct{})
}
