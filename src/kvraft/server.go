package kvraft

import (
	"time"

	"github.com/dist-kv/raftkv/src/labrpc"
	"github.com/dist-kv/raftkv/src/raft"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// KVServer is one replica's RPC facade: it proposes commands to Raft,
// attaches a waiter, races the waiter against a timeout, and builds the
// reply. All state mutation happens on applyLoop's goroutine; this type
// only reads.
type KVServer struct {
	me           int
	rf           *raft.Raft
	applyCh      chan raft.ApplyMsg
	shutdownCh   chan struct{}
	maxRaftState int

	sm      *stateMachine
	waiters *waiterRegistry
	metrics *serverMetrics
	logger  *zap.SugaredLogger
}

// StartKVServer starts a replica backed by the given Raft peer set.
// maxRaftState <= 0 disables size-triggered snapshots; Kill still takes a
// final one. A nil logger logs nowhere; a
// nil registry means metrics are created but never scraped.
func StartKVServer(servers []*labrpc.ClientEnd, me int, persister *raft.Persister, maxRaftState int,
	logger *zap.SugaredLogger, registry *prometheus.Registry) *KVServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	kv := &KVServer{
		me:           me,
		applyCh:      make(chan raft.ApplyMsg),
		shutdownCh:   make(chan struct{}),
		maxRaftState: maxRaftState,
		sm:           newStateMachine(),
		waiters:      newWaiterRegistry(),
		metrics:      newServerMetrics(registry, me),
		logger:       logger,
	}

	if snap := persister.ReadSnapshot(); len(snap) > 0 {
		if err := kv.installSnapshot(snap); err != nil {
			kv.logger.Panicw("failed to restore snapshot at startup", "error", err)
		}
	}

	kv.rf = raft.Make(servers, me, persister, kv.applyCh, logger.Named("raft"))
	go kv.applyLoop()
	return kv
}

// Get proposes a read to Raft, races its waiter against the rpc timeout,
// and replies with the value current as of the moment the waiter fired.
func (kv *KVServer) Get(args *GetArgs, reply *GetReply) {
	kv.propose(encodeGet(*args), args.ID, reply)
}

// PutAppend first tries the fast-path dedupe (spec §4.2): a retry whose
// (client, id) was already applied succeeds immediately with no new
// proposal. Otherwise it proposes exactly like Get.
func (kv *KVServer) PutAppend(args *PutAppendArgs, reply *PutAppendReply) {
	if kv.sm.alreadyApplied(args.Client, args.ID) {
		kv.metrics.dedupSkipsFast.Inc()
		reply.WrongLeader = false
		reply.Err = ""
		reply.ErrCode = ErrCodeOK
		return
	}
	kv.propose(encodePutAppend(*args), args.ID, reply)
}

// wireReply is implemented by *GetReply and *PutAppendReply so propose
// can be shared between both RPC handlers.
type wireReply interface {
	setWrongLeader()
	setOK(value string)
	setErrCode(code ErrCode, msg string)
}

func (r *GetReply) setWrongLeader() {
	r.WrongLeader = true
	r.Err = errNotLeader
	r.ErrCode = ErrCodeNotLeader
}
func (r *GetReply) setOK(value string) {
	r.WrongLeader = false
	r.Err = ""
	r.ErrCode = ErrCodeOK
	r.Value = value
}
func (r *GetReply) setErrCode(code ErrCode, msg string) {
	r.WrongLeader = false
	r.Err = msg
	r.ErrCode = code
}

func (r *PutAppendReply) setWrongLeader() {
	r.WrongLeader = true
	r.Err = errNotLeader
	r.ErrCode = ErrCodeNotLeader
}
func (r *PutAppendReply) setOK(string) {
	r.WrongLeader = false
	r.Err = ""
	r.ErrCode = ErrCodeOK
}
func (r *PutAppendReply) setErrCode(code ErrCode, msg string) {
	r.WrongLeader = false
	r.Err = msg
	r.ErrCode = code
}

// propose is do_get/do_put_append from spec §4.2, shared across both RPC
// shapes: propose to Raft, register a waiter, race it against a 300ms
// timer, and translate the outcome into the caller's reply.
func (kv *KVServer) propose(cmd []byte, requestID [16]byte, reply wireReply) {
	index, _, isLeader := kv.rf.Start(cmd)
	if !isLeader {
		reply.setWrongLeader()
		return
	}

	ch := kv.waiters.register(index)
	timer := time.NewTimer(rpcTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			reply.setErrCode(ErrCodeClosed, errClosed)
			return
		}
		if resp.RequestID != requestID {
			reply.setErrCode(ErrCodeFailToCommit, errFailToCommit)
			return
		}
		reply.setOK(resp.Value)
	case <-timer.C:
		reply.setErrCode(ErrCodeTimeout, errTimeout)
	}
}

// Kill stops accepting new work: it clears pending waiters (so in-flight
// handlers observe closure), takes a best-effort final snapshot, and
// stops the underlying Raft peer. A failure to snapshot here never
// blocks shutdown -- it's a local encode with nothing to retry.
func (kv *KVServer) Kill() {
	close(kv.shutdownCh)
	kv.waiters.clear()
	func() {
		defer func() { recover() }()
		kv.rf.TakeSnapshot(kv.makeSnapshot(), kv.sm.LastAppliedIndex())
	}()
	kv.rf.Kill()
}
