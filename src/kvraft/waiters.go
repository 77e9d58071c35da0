package kvraft

import "sync"

// CommandResponse is what a waiter slot delivers once its index commits.
type CommandResponse struct {
	RequestID [16]byte
	Value     string
	Index     int
}

// waiterRegistry maps an expected log index to a one-shot notification
// slot for the RPC handler that proposed it. At most one waiter exists
// per index at a time; registering over an existing slot overwrites it,
// and the overwritten waiter is left to time out -- that timeout is what
// guarantees it eventually unblocks.
type waiterRegistry struct {
	mu   sync.Mutex
	subs map[int]chan CommandResponse
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{subs: make(map[int]chan CommandResponse)}
}

// register inserts a fresh one-shot channel at index, replacing any
// previous one (whose holder will simply time out).
func (w *waiterRegistry) register(index int) chan CommandResponse {
	ch := make(chan CommandResponse, 1)
	w.mu.Lock()
	w.subs[index] = ch
	w.mu.Unlock()
	return ch
}

// fulfill delivers resp to the waiter at index and removes the slot. A
// missing entry (never registered, or dropped by clear) is a no-op. A
// handler that timed out does not remove its slot, so resp still lands in
// that slot's buffer, where nobody reads it.
func (w *waiterRegistry) fulfill(index int, resp CommandResponse) {
	w.mu.Lock()
	ch, ok := w.subs[index]
	if ok {
		delete(w.subs, index)
	}
	w.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// clear drops every pending slot, closing each channel so blocked
// handlers observe closure rather than hanging forever.
func (w *waiterRegistry) clear() {
	w.mu.Lock()
	subs := w.subs
	w.subs = make(map[int]chan CommandResponse)
	w.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}
