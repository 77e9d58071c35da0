package kvraft

import (
	"sort"
	"sync"
	"sync/atomic"
)

// stateMachine holds the two pieces of durable application state:
// the kv map and the per-client last-request table. Each is guarded by
// its own mutex (lock order, when both are needed: lastReq before kv) so
// a read-mostly Get reply build never blocks a concurrent dedupe check.
// lastApplied is atomic: read lock-free by anyone, written only by the
// owning ApplyLoop goroutine.
type stateMachine struct {
	kvMu sync.RWMutex
	kv   map[string]string

	reqMu       sync.Mutex
	lastRequest map[string][16]byte

	lastApplied atomic.Uint64
}

func newStateMachine() *stateMachine {
	return &stateMachine{
		kv:          make(map[string]string),
		lastRequest: make(map[string][16]byte),
	}
}

func (sm *stateMachine) get(key string) string {
	sm.kvMu.RLock()
	defer sm.kvMu.RUnlock()
	return sm.kv[key]
}

// alreadyApplied reports whether id is the most recent request recorded
// for client -- the dedupe check both the fast path and the apply path
// use.
func (sm *stateMachine) alreadyApplied(client string, id [16]byte) bool {
	sm.reqMu.Lock()
	defer sm.reqMu.Unlock()
	last, ok := sm.lastRequest[client]
	return ok && last == id
}

// applyMutation performs op under the dedupe rule, recording id as the
// client's latest request. Returns true if the mutation was actually
// applied (false if it was skipped as a dup).
func (sm *stateMachine) applyMutation(client string, id [16]byte, key, value string, op Op) bool {
	sm.reqMu.Lock()
	if last, ok := sm.lastRequest[client]; ok && last == id {
		sm.reqMu.Unlock()
		return false
	}
	sm.lastRequest[client] = id
	sm.reqMu.Unlock()

	sm.kvMu.Lock()
	switch op {
	case OpPut:
		sm.kv[key] = value
	case OpAppend:
		sm.kv[key] = sm.kv[key] + value
	}
	sm.kvMu.Unlock()
	return true
}

func (sm *stateMachine) setLastApplied(index int) {
	sm.lastApplied.Store(uint64(index))
}

func (sm *stateMachine) LastAppliedIndex() int {
	return int(sm.lastApplied.Load())
}

// snapshotKV returns a deterministic key order for encoding: Go has no
// ordered map, so determinism is pushed to the codec instead of the
// storage structure.
func (sm *stateMachine) snapshotKV() ([]string, map[string]string, int) {
	sm.kvMu.RLock()
	kv := make(map[string]string, len(sm.kv))
	keys := make([]string, 0, len(sm.kv))
	for k, v := range sm.kv {
		kv[k] = v
		keys = append(keys, k)
	}
	sm.kvMu.RUnlock()
	sort.Strings(keys)
	return keys, kv, sm.LastAppliedIndex()
}

// snapshotLastRequest returns the LastRequest table as a deterministically
// ordered (clients, ids) pair, sorted by client id -- the same
// sort-at-encode-time treatment snapshotKV gives the KV map, so both
// blobs of the snapshot file are reproducible byte-for-byte.
func (sm *stateMachine) snapshotLastRequest() ([]string, [][16]byte) {
	sm.reqMu.Lock()
	clients := make([]string, 0, len(sm.lastRequest))
	for c := range sm.lastRequest {
		clients = append(clients, c)
	}
	sort.Strings(clients)
	ids := make([][16]byte, len(clients))
	for i, c := range clients {
		ids[i] = sm.lastRequest[c]
	}
	sm.reqMu.Unlock()
	return clients, ids
}

// restoreLastRequest merges a decoded LastRequest blob. It overwrites
// rather than unions, matching a full snapshot install.
func (sm *stateMachine) restoreLastRequest(m map[string][16]byte) {
	sm.reqMu.Lock()
	sm.lastRequest = m
	sm.reqMu.Unlock()
}

// restoreKV merges a decoded KV blob and sets LastAppliedIndex last, per
// the snapshot restore order (LastRequest then KV).
func (sm *stateMachine) restoreKV(kv map[string]string, lastApplied int) {
	sm.kvMu.Lock()
	sm.kv = kv
	sm.kvMu.Unlock()
	sm.setLastApplied(lastApplied)
}
