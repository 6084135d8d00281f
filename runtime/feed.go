package runtime

import (
	"sync"

	dr "github.com/xmidt-org/talaria/devicerelay"
)

// feed is the channel-backed ChangeFeed shared by the push and poll shapes.
// Exactly one producer calls deliver; end may race with it from any goroutine.
type feed struct {
	ch   chan dr.Change
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	err    error

	endOnce sync.Once
	onEnd   func()
}

func newFeed(buffer int, onEnd func()) *feed {
	if buffer < 0 {
		buffer = 0
	}
	return &feed{
		ch:    make(chan dr.Change, buffer),
		done:  make(chan struct{}),
		onEnd: onEnd,
	}
}

func (f *feed) C() <-chan dr.Change { return f.ch }

func (f *feed) Err() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.err
}

func (f *feed) Close() error {
	f.end(nil)
	return nil
}

// end terminates the feed with reason err. A blocked deliver is released
// through done before the channel is closed.
func (f *feed) end(err error) {
	f.endOnce.Do(func() {
		close(f.done)
		f.mu.Lock()
		f.err = err
		f.closed = true
		close(f.ch)
		f.mu.Unlock()
		if f.onEnd != nil {
			f.onEnd()
		}
	})
}

// deliver blocks until the change is queued or the feed ends.
func (f *feed) deliver(c dr.Change) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}
	select {
	case f.ch <- c:
		return true
	case <-f.done:
		return false
	}
}

// offer queues c without blocking. When the buffer is full the oldest queued
// change is dropped to make room, since only the latest value matters.
// It reports whether a change was dropped.
func (f *feed) offer(c dr.Change) (queued, dropped bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false, false
	}
	for {
		select {
		case f.ch <- c:
			return true, dropped
		default:
		}
		select {
		case <-f.ch:
			dropped = true
		default:
			// unbuffered and nobody receiving
			if cap(f.ch) == 0 {
				return false, true
			}
		}
	}
}
