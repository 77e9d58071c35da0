package kvraft

import (
	"context"
	"sync"
	"time"

	"github.com/dist-kv/raftkv/src/labrpc"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Clerk is a synchronous client handle: it is driven from a single
// caller at a time, picks and sticks to a suspected leader, fails over
// on timeout or wrong-leader, and runs parallel probes when no leader is
// known. It retries forever until a success reply returns.
type Clerk struct {
	servers []*labrpc.ClientEnd
	name    string

	mu           sync.Mutex
	cachedLeader *int

	sem     *semaphore.Weighted
	logger  *zap.SugaredLogger
	metrics *clerkMetrics
}

// MakeClerk constructs a clerk over the given replica set. A nil logger
// logs nowhere; a nil registry means clerk metrics are created but never
// scraped.
func MakeClerk(servers []*labrpc.ClientEnd, logger *zap.SugaredLogger, registry *prometheus.Registry) *Clerk {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	name := uuid.NewString()
	return &Clerk{
		servers: servers,
		name:    name,
		sem:     semaphore.NewWeighted(int64(2 * len(servers))),
		logger:  logger,
		metrics: newClerkMetrics(registry, name),
	}
}

func (ck *Clerk) getCachedLeader() (int, bool) {
	ck.mu.Lock()
	defer ck.mu.Unlock()
	if ck.cachedLeader == nil {
		return 0, false
	}
	return *ck.cachedLeader, true
}

func (ck *Clerk) clearCachedLeader() {
	ck.mu.Lock()
	ck.cachedLeader = nil
	ck.mu.Unlock()
}

func (ck *Clerk) setCachedLeader(i int) {
	ck.mu.Lock()
	ck.cachedLeader = &i
	ck.mu.Unlock()
}

// Get retrieves key's current value, or "" if absent. It retries
// indefinitely until a clean reply arrives.
func (ck *Clerk) Get(key string) string {
	args := GetArgs{ID: newRequestID(), Key: key, Client: ck.name}
	reply := request[GetReply](ck, "KVServer.Get", &args)
	return reply.Value
}

func (ck *Clerk) Put(key, value string) {
	ck.putAppend(key, value, OpPut)
}

func (ck *Clerk) Append(key, value string) {
	ck.putAppend(key, value, OpAppend)
}

func (ck *Clerk) putAppend(key, value string, op Op) {
	args := PutAppendArgs{ID: newRequestID(), Key: key, Value: value, Op: op, Client: ck.name}
	request[PutAppendReply](ck, "KVServer.PutAppend", &args)
}

func newRequestID() [16]byte {
	id, err := uuid.NewRandom()
	if err != nil {
		panic("missing entropy for request id: " + err.Error())
	}
	return id
}

// request drives the retry loop shared by Get and PutAppend. R is
// whichever reply type svcMeth produces; Go generics let this one
// function serve both without an interface{} reply or duplicated logic.
// Methods cannot themselves take type parameters, so this -- and the two
// helpers below it -- are free functions over *Clerk rather than methods.
func request[R rpcReply](ck *Clerk, svcMeth string, args interface{}) R {
	for {
		if leader, ok := ck.getCachedLeader(); ok {
			reply, completed := callWithTimeout[R](ck, leader, svcMeth, args)
			switch {
			case !completed:
				ck.logger.Debugw("cached leader unreachable, clearing", "clerk", ck.name, "server", leader)
				ck.clearCachedLeader()
				ck.metrics.leaderSwitches.Inc()
			case reply.isWrongLeader():
				ck.logger.Debugw("cached leader stale, clearing", "clerk", ck.name, "server", leader)
				ck.clearCachedLeader()
				ck.metrics.leaderSwitches.Inc()
			case reply.errString() == "":
				return reply
			default:
				time.Sleep(errRetryDelay)
				continue
			}
		}

		if reply, ok := discover[R](ck, svcMeth, args); ok {
			if reply.errString() == "" {
				return reply
			}
			time.Sleep(errRetryDelay)
			continue
		}
		ck.metrics.timeouts.Inc()
		time.Sleep(discoveryDelay)
	}
}

// callWithTimeout issues one RPC against server and races it against the
// per-round timeout; completed is false on either a transport failure or
// the timer firing first.
func callWithTimeout[R rpcReply](ck *Clerk, server int, svcMeth string, args interface{}) (R, bool) {
	var reply R
	done := make(chan bool, 1)
	go func() {
		done <- ck.servers[server].Call(svcMeth, args, &reply)
	}()
	select {
	case ok := <-done:
		return reply, ok
	case <-time.After(rpcTimeout):
		var zero R
		return zero, false
	}
}

// discover dispatches svcMeth to every replica concurrently, bounded by
// the clerk's worker pool, and returns the first wrong_leader=false reply
// to arrive within the discovery window -- adopting its replica as the
// new cached leader.
func discover[R rpcReply](ck *Clerk, svcMeth string, args interface{}) (R, bool) {
	type tagged struct {
		idx   int
		reply R
		ok    bool
	}
	results := make(chan tagged, len(ck.servers))

	ctx := context.Background()
	for i := range ck.servers {
		i := i
		if err := ck.sem.Acquire(ctx, 1); err != nil {
			continue
		}
		go func() {
			defer ck.sem.Release(1)
			var reply R
			ok := ck.servers[i].Call(svcMeth, args, &reply)
			select {
			case results <- tagged{idx: i, reply: reply, ok: ok}:
			default:
			}
		}()
	}

	deadline := time.After(discoveryDelay)
	for {
		select {
		case t := <-results:
			if !t.ok || t.reply.isWrongLeader() {
				continue
			}
			ck.setCachedLeader(t.idx)
			return t.reply, true
		case <-deadline:
			var zero R
			return zero, false
		}
	}
}
