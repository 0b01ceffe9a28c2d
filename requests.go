package dreshard

import (
	"context"
	"sync"
)

var ErrConnClosed = NewError(CodeHostUnreachable, "connection closed before a response was received")

// RequestTracker pairs requests sent over a Conn with the responses coming back on it
type RequestTracker struct {
	mu      sync.Mutex
	lastID  uint64
	pending map[uint64]chan interface{}
}

// Do allocates a request id, hands it to send and waits for the response resolved with that id
func (rt *RequestTracker) Do(ctx context.Context, send func(id uint64) error) (interface{}, error) {
	rt.mu.Lock()
	if rt.pending == nil {
		rt.pending = make(map[uint64]chan interface{})
	}
	rt.lastID++
	id := rt.lastID
	ch := make(chan interface{}, 1)
	rt.pending[id] = ch
	rt.mu.Unlock()

	defer rt.forget(id)

	if err := send(id); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers a response, it returns false if nobody is waiting for it anymore
func (rt *RequestTracker) Resolve(id uint64, resp interface{}) bool {
	rt.mu.Lock()
	ch, ok := rt.pending[id]
	if ok {
		delete(rt.pending, id)
	}
	rt.mu.Unlock()

	if !ok {
		return false
	}

	ch <- resp
	return true
}

// FailAll fails every pending request with ErrConnClosed
func (rt *RequestTracker) FailAll() {
	rt.mu.Lock()
	pending := rt.pending
	rt.pending = nil
	rt.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (rt *RequestTracker) forget(id uint64) {
	rt.mu.Lock()
	delete(rt.pending, id)
	rt.mu.Unlock()
}
