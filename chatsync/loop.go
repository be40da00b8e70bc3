package chatsync

import "sync"

// loop runs every state mutation on one goroutine, one handler at a time.
type loop struct {
	queue chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newLoop(size int) *loop {
	l := &loop{
		queue: make(chan func(), size),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.queue:
			fn()
		case <-l.quit:
			return
		}
	}
}

// post enqueues fn. It reports false once the loop is stopped.
// Must not be called from the loop goroutine itself.
func (l *loop) post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
func (l *loop) call(fn func()) bool {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		// stopped before fn ran
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

func (l *loop) stop() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}
