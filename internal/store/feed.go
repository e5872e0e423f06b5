package store

import "sync"

// feed fans change signals out to subscribers
type feed struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan struct{}
	closed bool
}

func newFeed() *feed {
	return &feed{subs: make(map[int]chan struct{})}
}

func (f *feed) subscribe() (<-chan struct{}, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan struct{}, 1)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// publish never blocks; a pending signal already covers this change
func (f *feed) publish() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (f *feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}
