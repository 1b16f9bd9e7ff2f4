package chatlog

import (
	"sync"
)

// broadcaster fans snapshots out to in-process subscribers.
// Each subscriber runs on its own goroutine and only ever sees the latest
// snapshot, so a slow listener skips intermediate states but always converges
// on the final one.
type broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	fn      SubscribeFunc
	mu      sync.Mutex
	pending []*Message
	has     bool
	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[string]map[*subscriber]struct{})}
}

// add registers fn for sessionID and primes it with initial. The returned
// func waits for a delivery in progress, so it must not be called from fn.
func (b *broadcaster) add(sessionID string, fn SubscribeFunc, initial []*Message) func() {
	s := &subscriber{
		fn:     fn,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.run()
	s.offer(initial)

	b.mu.Lock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[sessionID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[sessionID], s)
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
		b.mu.Unlock()
		s.stop()
		<-s.exited
	}
}

// hasSubscribers lets backends skip building a snapshot nobody will read.
func (b *broadcaster) hasSubscribers(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID]) > 0
}

func (b *broadcaster) publish(sessionID string, snapshot []*Message) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs[sessionID]))
	for s := range b.subs[sessionID] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.offer(cloneAll(snapshot))
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string]map[*subscriber]struct{})
	b.mu.Unlock()

	for _, set := range all {
		for s := range set {
			s.stop()
		}
	}
}

func (s *subscriber) offer(snapshot []*Message) {
	s.mu.Lock()
	s.pending = snapshot
	s.has = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		snap, ok := s.pending, s.has
		s.pending, s.has = nil, false
		s.mu.Unlock()

		if ok {
			s.fn(snap)
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}
