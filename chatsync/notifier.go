package chatsync

import "sync"

// notifier delivers user callbacks in order on its own goroutine, so a
// callback can call back into the session without deadlocking the loop.
type notifier struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newNotifier() *notifier {
	n := &notifier{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) push(fn func()) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.pending = append(n.pending, fn)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		select {
		case <-n.quit:
			return
		case <-n.wake:
		}
		for {
			n.mu.Lock()
			if len(n.pending) == 0 {
				n.mu.Unlock()
				break
			}
			fn := n.pending[0]
			n.pending[0] = nil
			n.pending = n.pending[1:]
			n.mu.Unlock()
			fn()
		}
	}
}

// stop discards undelivered callbacks.
func (n *notifier) stop() {
	n.once.Do(func() { close(n.quit) })
	<-n.done
}
