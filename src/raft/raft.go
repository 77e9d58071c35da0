// Package raft is the consensus collaborator the kvraft layer rides on
// top of. Its correctness as a Raft implementation is outside the core
// budget this repository spends on the replicated key-value store itself
// (the spec calls it an "external collaborator, interface only"); it is
// kept here, adapted from the course-lab shape it was grounded on, so the
// store is something that actually runs end to end rather than being
// coded against an interface with no body.
package raft

import (
	"bytes"
	"math/rand"
	"sync"
	"time"

	"github.com/dist-kv/raftkv/src/labgob"
	"github.com/dist-kv/raftkv/src/labrpc"
	"go.uber.org/zap"
)

const (
	heartbeatInterval  = 90 * time.Millisecond
	leaderPeerTick     = 5 * time.Millisecond
	electionTimeoutMin = 500 * time.Millisecond
	electionTimeoutJit = 300 * time.Millisecond
)

// ApplyMsg is the one message shape the apply stream ever carries: either
// a committed log entry (CommandValid true, Command holding the bytes the
// service originally proposed), or a full snapshot install (CommandValid
// false, Command holding the opaque, already-merged snapshot payload).
type ApplyMsg struct {
	CommandValid bool
	Command      []byte
	CommandIndex int
}

type serverState int

const (
	follower serverState = iota
	candidate
	leader
)

type logEntry struct {
	Cmd   []byte
	Term  int
	Index int
}

// Raft is a single peer's view of the replicated log.
type Raft struct {
	mu        sync.Mutex
	peers     []*labrpc.ClientEnd
	persister *Persister
	me        int
	logger    *zap.SugaredLogger

	term     int
	votedFor int
	state    serverState

	leaderID      int
	lastHeartbeat time.Time
	timeout       time.Duration

	commitIndex int
	lastApplied int

	log        []logEntry
	nextIndex  []int
	matchIndex []int

	lastSnapshotIndex int
	lastSnapshotTerm  int

	dead          bool
	shutdown      chan struct{}
	notifyApplyCh chan struct{}
	applyCh       chan ApplyMsg
}

func Make(peers []*labrpc.ClientEnd, me int, persister *Persister, applyCh chan ApplyMsg, logger *zap.SugaredLogger) *Raft {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	rf := &Raft{
		peers:         peers,
		persister:     persister,
		me:            me,
		logger:        logger,
		state:         follower,
		votedFor:      -1,
		notifyApplyCh: make(chan struct{}, 10000),
		shutdown:      make(chan struct{}),
		applyCh:       applyCh,
	}
	rf.readPersist(persister.ReadRaftState())
	go rf.runElectionTimer()
	go rf.runLocalApply()
	return rf
}

func (rf *Raft) lock()   { rf.mu.Lock() }
func (rf *Raft) unlock() { rf.mu.Unlock() }

func (rf *Raft) isLeader() bool { return rf.state == leader }

func (rf *Raft) turnToFollower() {
	rf.state = follower
	rf.votedFor = -1
	rf.persist()
}

// GetState reports the peer's current term and whether it believes it is
// the leader.
func (rf *Raft) GetState() (int, bool) {
	rf.lock()
	defer rf.unlock()
	return rf.term, rf.isLeader()
}

// CommitIndex is the highest index this peer knows to be committed
// cluster-wide. kvraft's ApplyLoop uses this for the catch-up optimization
// in SPEC_FULL.md §4.3: after applying an entry it checks whether commit
// has raced ahead and, if so, pulls the intervening entries directly
// instead of waiting for them to arrive one at a time on the apply
// channel.
func (rf *Raft) CommitIndex() int {
	rf.lock()
	defer rf.unlock()
	return rf.commitIndex
}

// LogSize is the byte size of this peer's persisted Raft state, the
// quantity the snapshot trigger in SPEC_FULL.md §4.3 compares against
// maxRaftState.
func (rf *Raft) LogSize() int {
	return rf.persister.RaftStateSize()
}

// TryGetLogBetween returns the locally-held log entries with index in
// (lo-1, hi], already committed, as ApplyMsgs -- used only for the
// catch-up replay, never for entries still uncommitted.
func (rf *Raft) TryGetLogBetween(lo, hi int) []ApplyMsg {
	rf.lock()
	defer rf.unlock()
	var out []ApplyMsg
	for _, e := range rf.log {
		if e.Index >= lo && e.Index <= hi && e.Index <= rf.commitIndex {
			out = append(out, ApplyMsg{CommandValid: true, Command: e.Cmd, CommandIndex: e.Index})
		}
	}
	return out
}

// TakeSnapshot installs a service-level snapshot covering everything up
// to and including upToIndex, discarding the log entries before
// upToIndex; the entry at upToIndex itself stays as the log's first entry.
func (rf *Raft) TakeSnapshot(data []byte, upToIndex int) {
	rf.lock()
	defer rf.unlock()
	if upToIndex <= rf.lastSnapshotIndex {
		return
	}
	idx, ok := rf.findLogIndex(upToIndex)
	if !ok {
		return
	}
	entry := rf.log[idx]
	rf.lastSnapshotIndex = entry.Index
	rf.lastSnapshotTerm = entry.Term
	rf.log = rf.log[idx:]
	rf.persister.SaveStateAndSnapshot(rf.encodeState(), data)
}

func (rf *Raft) encodeState() []byte {
	buf := new(bytes.Buffer)
	e := labgob.NewEncoder(buf)
	e.Encode(rf.term)
	e.Encode(rf.votedFor)
	e.Encode(rf.log)
	e.Encode(rf.lastSnapshotIndex)
	e.Encode(rf.lastSnapshotTerm)
	return buf.Bytes()
}

func (rf *Raft) persist() {
	rf.persister.SaveRaftState(rf.encodeState())
}

func (rf *Raft) readPersist(data []byte) {
	if len(data) < 1 {
		return
	}
	d := labgob.NewDecoder(bytes.NewReader(data))
	var term, votedFor, lastSnapshotIndex, lastSnapshotTerm int
	var log []logEntry
	if d.Decode(&term) != nil || d.Decode(&votedFor) != nil || d.Decode(&log) != nil ||
		d.Decode(&lastSnapshotIndex) != nil || d.Decode(&lastSnapshotTerm) != nil {
		rf.logger.Errorw("failed to decode persisted raft state")
		return
	}
	rf.term = term
	rf.votedFor = votedFor
	rf.log = log
	rf.lastSnapshotIndex = lastSnapshotIndex
	rf.lastSnapshotTerm = lastSnapshotTerm
}

type RequestVoteArgs struct {
	Term         int
	CandidateID  int
	LastLogIndex int
	LastLogTerm  int
}

type RequestVoteReply struct {
	Term        int
	VoteGranted bool
}

func (rf *Raft) logUpToDate(lastLogIndex, lastLogTerm int) bool {
	idx, term := rf.lastLogEntry()
	if term == lastLogTerm {
		return idx <= lastLogIndex
	}
	return term < lastLogTerm
}

func (rf *Raft) RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) {
	rf.lock()
	defer rf.unlock()

	reply.Term = rf.term
	upToDate := rf.logUpToDate(args.LastLogIndex, args.LastLogTerm)

	if args.Term > rf.term {
		rf.turnToFollower()
		rf.term = args.Term
	}
	if args.Term < rf.term {
		reply.VoteGranted = false
	} else if (rf.votedFor == -1 || rf.votedFor == args.CandidateID) && upToDate {
		rf.votedFor = args.CandidateID
		reply.VoteGranted = true
		rf.lastHeartbeat = time.Now()
	}
	rf.persist()
}

type AppendEntriesArgs struct {
	Term         int
	LeaderID     int
	PrevLogIndex int
	PrevLogTerm  int
	Entries      []logEntry
	LeaderCommit int
}

type AppendEntriesReply struct {
	Term                int
	Success             bool
	ConflictLogTerm     int
	ConflictLogIndex    int
}

func (rf *Raft) AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) {
	rf.lock()
	defer rf.unlock()

	reply.Term = rf.term
	if args.Term < rf.term {
		reply.Success = false
		return
	}
	if args.Term >= rf.term {
		rf.turnToFollower()
		rf.term = args.Term
		rf.leaderID = args.LeaderID
		rf.votedFor = args.LeaderID
	}
	if rf.leaderID == args.LeaderID {
		rf.lastHeartbeat = time.Now()
	}

	if args.PrevLogIndex < rf.lastSnapshotIndex {
		reply.Success = false
		reply.ConflictLogIndex = rf.lastSnapshotIndex + 1
		return
	}

	prevPos := -1
	for i, e := range rf.log {
		if e.Index == args.PrevLogIndex {
			if e.Term == args.PrevLogTerm {
				prevPos = i
			} else {
				reply.ConflictLogTerm = e.Term
			}
			break
		}
	}
	prevIsSnapshotBoundary := args.PrevLogIndex == rf.lastSnapshotIndex && args.PrevLogTerm == rf.lastSnapshotTerm
	prevIsLogStart := args.PrevLogIndex == 0 && args.PrevLogTerm == 0

	if prevPos >= 0 || prevIsLogStart || prevIsSnapshotBoundary {
		next := 0
		for i := prevPos + 1; i < len(rf.log); i++ {
			consistent := next < len(args.Entries) &&
				rf.log[i].Term == args.Entries[next].Term &&
				rf.log[i].Index == args.Entries[next].Index
			if !consistent {
				rf.log = rf.log[:i]
				break
			}
			next++
		}
		if next < len(args.Entries) {
			rf.log = append(rf.log, args.Entries[next:]...)
		}

		old := rf.commitIndex
		if args.LeaderCommit > rf.commitIndex {
			last := rf.lastSnapshotIndex
			if len(rf.log) > 0 {
				last = rf.log[len(rf.log)-1].Index
			}
			rf.commitIndex = min(args.LeaderCommit, last)
		}
		if rf.commitIndex > old {
			rf.notifyApplyCh <- struct{}{}
		}
		reply.Success = true
	} else {
		if reply.ConflictLogTerm == 0 && len(rf.log) > 0 {
			reply.ConflictLogTerm = rf.log[len(rf.log)-1].Term
		}
		for _, e := range rf.log {
			if e.Term == reply.ConflictLogTerm {
				reply.ConflictLogIndex = e.Index
				break
			}
		}
		reply.Success = false
	}
	rf.persist()
}

type InstallSnapshotArgs struct {
	Term              int
	LeaderID          int
	LastIncludedIndex int
	LastIncludedTerm  int
	Data              []byte
}

type InstallSnapshotReply struct {
	Term int
}

func (rf *Raft) InstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) {
	rf.lock()
	defer rf.unlock()
	if rf.dead {
		return
	}
	reply.Term = rf.term
	if args.Term < rf.term {
		return
	}
	rf.term = args.Term
	rf.turnToFollower()
	rf.leaderID = args.LeaderID
	rf.votedFor = args.LeaderID
	rf.lastHeartbeat = time.Now()
	rf.persist()

	if args.LastIncludedIndex <= rf.lastSnapshotIndex {
		return
	}
	offset := args.LastIncludedIndex - rf.lastSnapshotIndex
	rf.lastSnapshotIndex = args.LastIncludedIndex
	rf.lastSnapshotTerm = args.LastIncludedTerm
	old := rf.commitIndex
	rf.commitIndex = max(rf.commitIndex, rf.lastSnapshotIndex)
	if offset < len(rf.log) {
		rf.log = append([]logEntry{}, rf.log[offset:]...)
	} else {
		rf.log = nil
	}
	rf.persister.SaveStateAndSnapshot(rf.encodeState(), args.Data)
	if rf.commitIndex > old {
		rf.lastApplied = 0
		rf.notifyApplyCh <- struct{}{}
	}
}

func (rf *Raft) sendRequestVote(server int, args *RequestVoteArgs, reply *RequestVoteReply) bool {
	return rf.peers[server].Call("Raft.RequestVote", args, reply)
}

func (rf *Raft) sendAppendEntries(server int, args *AppendEntriesArgs, reply *AppendEntriesReply) bool {
	return rf.peers[server].Call("Raft.AppendEntries", args, reply)
}

func (rf *Raft) sendInstallSnapshot(server int, args *InstallSnapshotArgs, reply *InstallSnapshotReply) bool {
	return rf.peers[server].Call("Raft.InstallSnapshot", args, reply)
}

func (rf *Raft) lastLogEntry() (int, int) {
	if len(rf.log) > 0 {
		e := rf.log[len(rf.log)-1]
		return e.Index, e.Term
	}
	return rf.lastSnapshotIndex, rf.lastSnapshotTerm
}

func (rf *Raft) findLogIndex(index int) (int, bool) {
	for i, e := range rf.log {
		if e.Index == index {
			return i, true
		}
	}
	return -1, false
}

// Start proposes command for replication. It returns immediately; there
// is no guarantee the entry at the returned index ever commits, or that
// it is still this command if this peer loses leadership first.
func (rf *Raft) Start(command []byte) (int, int, bool) {
	rf.lock()
	defer rf.unlock()
	if !rf.isLeader() {
		return -1, -1, false
	}
	next := 1
	if len(rf.log) > 0 {
		next = rf.log[len(rf.log)-1].Index + 1
	} else if rf.lastSnapshotIndex > 0 {
		next = rf.lastSnapshotIndex + 1
	}
	entry := logEntry{Cmd: command, Term: rf.term, Index: next}
	rf.log = append(rf.log, entry)
	rf.persist()
	return entry.Index, rf.term, true
}

func (rf *Raft) Kill() {
	rf.lock()
	defer rf.unlock()
	if rf.dead {
		return
	}
	rf.dead = true
	close(rf.shutdown)
}

func (rf *Raft) updateCommitIndex() {
	for i := len(rf.log); i > 0; i-- {
		e := rf.log[i-1]
		if e.Term != rf.term || e.Index <= rf.commitIndex {
			continue
		}
		count := 1
		for p, matched := range rf.matchIndex {
			if p != rf.me && matched >= e.Index {
				count++
			}
		}
		if count > len(rf.peers)/2 {
			rf.commitIndex = e.Index
			rf.notifyApplyCh <- struct{}{}
			break
		}
	}
}

func (rf *Raft) replicateTo(server int, kick chan struct{}) {
	rf.lock()
	if !rf.isLeader() || rf.dead {
		rf.unlock()
		return
	}
	if rf.nextIndex[server] <= rf.lastSnapshotIndex {
		args := &InstallSnapshotArgs{
			Term:              rf.term,
			LeaderID:          rf.me,
			LastIncludedIndex: rf.lastSnapshotIndex,
			LastIncludedTerm:  rf.lastSnapshotTerm,
			Data:              rf.persister.ReadSnapshot(),
		}
		rf.unlock()
		reply := &InstallSnapshotReply{}
		if rf.sendInstallSnapshot(server, args, reply) {
			rf.lock()
			if reply.Term > rf.term {
				rf.term = reply.Term
				rf.turnToFollower()
			} else if rf.isLeader() && args.Term == rf.term {
				rf.nextIndex[server] = args.LastIncludedIndex + 1
				select {
				case kick <- struct{}{}:
				default:
				}
			}
			rf.unlock()
		}
		return
	}

	var entries []logEntry
	prevIndex, prevTerm := 0, 0
	for i, e := range rf.log {
		if e.Index == rf.nextIndex[server] {
			if i > 0 {
				prevIndex, prevTerm = rf.log[i-1].Index, rf.log[i-1].Term
			} else {
				prevIndex, prevTerm = rf.lastSnapshotIndex, rf.lastSnapshotTerm
			}
			entries = append([]logEntry{}, rf.log[i:]...)
			break
		}
	}
	if entries == nil {
		prevIndex, prevTerm = rf.lastLogEntry()
	}
	args := &AppendEntriesArgs{
		Term:         rf.term,
		LeaderID:     rf.me,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: rf.commitIndex,
	}
	rf.unlock()

	reply := &AppendEntriesReply{}
	if !rf.sendAppendEntries(server, args, reply) {
		return
	}

	rf.lock()
	defer rf.unlock()
	if !rf.isLeader() || rf.dead || args.Term != rf.term {
		return
	}
	if reply.Term > rf.term {
		rf.term = reply.Term
		rf.turnToFollower()
		return
	}
	if reply.Success {
		if len(entries) > 0 {
			rf.matchIndex[server] = prevIndex + len(entries)
			rf.nextIndex[server] = rf.matchIndex[server] + 1
			rf.updateCommitIndex()
		}
		return
	}
	last := rf.lastLogIndex()
	rf.nextIndex[server] = max(1, min(reply.ConflictLogIndex, last))
	select {
	case kick <- struct{}{}:
	default:
	}
}

func (rf *Raft) lastLogIndex() int {
	if len(rf.log) == 0 {
		return rf.lastSnapshotIndex
	}
	return rf.log[len(rf.log)-1].Index
}

func (rf *Raft) replicationLoop(server int, kick chan struct{}) {
	ticker := time.NewTicker(leaderPeerTick)
	defer ticker.Stop()
	go rf.replicateTo(server, kick)
	last := time.Now()
	for {
		rf.lock()
		done := !rf.isLeader() || rf.dead
		rf.unlock()
		if done {
			return
		}
		select {
		case <-kick:
			last = time.Now()
			go rf.replicateTo(server, kick)
		case now := <-ticker.C:
			if now.Sub(last) >= heartbeatInterval {
				last = time.Now()
				go rf.replicateTo(server, kick)
			}
		case <-rf.shutdown:
			return
		}
	}
}

func (rf *Raft) becomeLeader() {
	rf.lock()
	if rf.state != candidate {
		rf.unlock()
		return
	}
	rf.state = leader
	rf.leaderID = rf.me
	rf.nextIndex = make([]int, len(rf.peers))
	rf.matchIndex = make([]int, len(rf.peers))
	last := rf.lastLogIndex()
	kicks := make([]chan struct{}, len(rf.peers))
	for p := range rf.peers {
		rf.nextIndex[p] = last + 1
		kicks[p] = make(chan struct{}, 1)
	}
	rf.unlock()

	for p := range rf.peers {
		if p == rf.me {
			continue
		}
		go rf.replicationLoop(p, kicks[p])
	}
}

func (rf *Raft) beginElection() {
	rf.lock()
	rf.state = candidate
	rf.term++
	rf.votedFor = rf.me
	term := rf.term
	lastIdx, lastTerm := rf.lastLogEntry()
	rf.persist()
	rf.unlock()

	args := &RequestVoteArgs{Term: term, CandidateID: rf.me, LastLogIndex: lastIdx, LastLogTerm: lastTerm}
	votes := 1
	var voteMu sync.Mutex

	for s := range rf.peers {
		if s == rf.me {
			continue
		}
		go func(server int) {
			reply := &RequestVoteReply{}
			if !rf.sendRequestVote(server, args, reply) {
				return
			}
			rf.lock()
			curTerm, curState := rf.term, rf.state
			rf.unlock()
			if reply.Term > curTerm {
				rf.lock()
				rf.term = reply.Term
				rf.turnToFollower()
				rf.unlock()
				return
			}
			if curTerm != term || curState != candidate || !reply.VoteGranted {
				return
			}
			voteMu.Lock()
			votes++
			n := votes
			voteMu.Unlock()
			if n > len(rf.peers)/2 {
				rf.becomeLeader()
			}
		}(s)
	}
}

func (rf *Raft) runElectionTimer() {
	for {
		timeout := electionTimeoutMin + time.Duration(rand.Intn(int(electionTimeoutJit)))
		rf.lock()
		rf.timeout = timeout
		rf.unlock()
		fired := <-time.After(timeout)

		rf.lock()
		if rf.dead {
			rf.unlock()
			return
		}
		shouldElect := rf.state != leader && fired.Sub(rf.lastHeartbeat) >= rf.timeout
		rf.unlock()
		if shouldElect {
			go rf.beginElection()
		}
	}
}

func (rf *Raft) runLocalApply() {
	for {
		select {
		case <-rf.notifyApplyCh:
			rf.lock()
			commit, applied, snapIdx := rf.commitIndex, rf.lastApplied, rf.lastSnapshotIndex
			rf.unlock()

			if applied < snapIdx {
				rf.applyCh <- ApplyMsg{CommandValid: false, Command: rf.persister.ReadSnapshot()}
				rf.lock()
				rf.lastApplied = snapIdx
				rf.unlock()
				continue
			}
			if commit <= applied {
				continue
			}
			rf.lock()
			start, _ := rf.findLogIndex(rf.lastApplied + 1)
			start = max(start, 0)
			end := -1
			for i := start; i < len(rf.log); i++ {
				if rf.log[i].Index <= rf.commitIndex {
					end = i
				}
			}
			var entries []logEntry
			if end >= 0 {
				entries = append([]logEntry{}, rf.log[start:end+1]...)
			}
			rf.unlock()

			for _, e := range entries {
				rf.applyCh <- ApplyMsg{CommandValid: true, Command: e.Cmd, CommandIndex: e.Index}
			}
			if len(entries) > 0 {
				rf.lock()
				rf.lastApplied += len(entries)
				rf.unlock()
			}
		case <-rf.shutdown:
			return
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
