package catalog

import (
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

type OpType int

const (
	OpInsert OpType = iota + 1
	OpReplace
	OpDelete
)

func (op OpType) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Change describes one committed write
type Change struct {
	Collection string
	Op         OpType
	ID         bson.RawValue

	// Doc is the document after the write, nil for deletes
	Doc bson.Raw

	TxnNumber int64
}

type subscription struct {
	fn func(Change)

	mu      sync.Mutex
	queue   []Change
	stopped bool

	signal chan struct{}
	stop   chan struct{}
}

// Subscribe calls fn for every change committed to coll after Subscribe returns. Calls
// happen on a dedicated goroutine, one at a time and in commit order, so fn is free to
// use the store. The returned function cancels the subscription.
func (s *Store) Subscribe(coll string, fn func(Change)) (cancel func()) {
	sub := &subscription{
		fn:     fn,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}

	s.pubMu.Lock()
	s.subs[coll] = append(s.subs[coll], sub)
	s.pubMu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.pubMu.Lock()
			list := s.subs[coll]
			for i, v := range list {
				if v == sub {
					s.subs[coll] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			s.pubMu.Unlock()

			sub.mu.Lock()
			sub.stopped = true
			sub.mu.Unlock()
			close(sub.stop)
		})
	}
}

func (s *Store) publishLocked(changes []Change) {
	for _, ch := range changes {
		for _, sub := range s.subs[ch.Collection] {
			sub.enqueue(ch)
		}
	}
}

func (sub *subscription) enqueue(ch Change) {
	sub.mu.Lock()
	if sub.stopped {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, ch)
	sub.mu.Unlock()

	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *subscription) run() {
	for {
		select {
		case <-sub.stop:
			return
		case <-sub.signal:
		}

		for {
			sub.mu.Lock()
			if sub.stopped || len(sub.queue) == 0 {
				sub.mu.Unlock()
				break
			}
			batch := sub.queue
			sub.queue = nil
			sub.mu.Unlock()

			for _, ch := range batch {
				sub.fn(ch)
			}
		}
	}
}
