package kvraft

import (
	"fmt"
	"testing"
	"time"

	"github.com/dist-kv/raftkv/src/labrpc"
	"github.com/dist-kv/raftkv/src/raft"
	"github.com/stretchr/testify/require"
)

// testCluster wires n replicas together over an in-process labrpc
// network, the same shape every 6.5840-style kvraft test harness uses.
type testCluster struct {
	t          *testing.T
	net        *labrpc.Network
	servers    []*KVServer
	persisters []*raft.Persister
	n          int
}

func newTestCluster(t *testing.T, n int, maxRaftState int) *testCluster {
	net := labrpc.MakeNetwork()
	c := &testCluster{t: t, net: net, n: n}
	c.servers = make([]*KVServer, n)
	c.persisters = make([]*raft.Persister, n)

	for i := 0; i < n; i++ {
		c.persisters[i] = raft.MakePersister()
	}
	for i := 0; i < n; i++ {
		ends := make([]*labrpc.ClientEnd, n)
		for j := 0; j < n; j++ {
			endName := fmt.Sprintf("%d->%d", i, j)
			ends[j] = net.MakeEnd(endName)
			net.Connect(endName, serverName(j))
		}
		c.servers[i] = StartKVServer(ends, i, c.persisters[i], maxRaftState, nil, nil)

		server := labrpc.MakeServer()
		server.AddService(labrpc.MakeService(c.servers[i]))
		net.AddServer(serverName(i), server)
	}
	return c
}

func serverName(i int) string { return fmt.Sprintf("server-%d", i) }

func (c *testCluster) clerk() *Clerk {
	ends := make([]*labrpc.ClientEnd, c.n)
	for j := 0; j < c.n; j++ {
		endName := fmt.Sprintf("clerk->%d-%d", len(c.servers), j)
		ends[j] = c.net.MakeEnd(endName)
		c.net.Connect(endName, serverName(j))
	}
	return MakeClerk(ends, nil, nil)
}

func (c *testCluster) shutdown() {
	for _, s := range c.servers {
		s.Kill()
	}
	c.net.Cleanup()
}

func TestBasicPutGet(t *testing.T) {
	c := newTestCluster(t, 3, -1)
	defer c.shutdown()

	ck := c.clerk()
	ck.Put("x", "1")
	require.Equal(t, "1", ck.Get("x"))
}

func TestAppendSemantics(t *testing.T) {
	c := newTestCluster(t, 3, -1)
	defer c.shutdown()

	ck := c.clerk()
	ck.Append("k", "a")
	ck.Append("k", "b")
	require.Equal(t, "ab", ck.Get("k"))

	ck.Append("m", "z")
	require.Equal(t, "z", ck.Get("m"))
}

func TestGetMissingKeyIsEmpty(t *testing.T) {
	c := newTestCluster(t, 3, -1)
	defer c.shutdown()

	ck := c.clerk()
	require.Equal(t, "", ck.Get("never-written"))
}

// TestRetryDedupe mirrors scenario 3: a retried PutAppend with the same
// request id must apply its effect at most once.
func TestRetryDedupe(t *testing.T) {
	c := newTestCluster(t, 3, -1)
	defer c.shutdown()

	leader := c.waitForLeader()
	args := PutAppendArgs{ID: newRequestID(), Key: "k", Value: "x", Op: OpAppend, Client: "fixed-client"}

	var first, second PutAppendReply
	c.servers[leader].PutAppend(&args, &first)
	require.False(t, first.WrongLeader)
	require.Empty(t, first.Err)

	// Give the apply loop a moment to catch up, then resend the exact
	// same request id -- the fast-path dedupe should short-circuit it.
	time.Sleep(50 * time.Millisecond)
	c.servers[leader].PutAppend(&args, &second)
	require.False(t, second.WrongLeader)
	require.Empty(t, second.Err)

	ck := c.clerk()
	require.Equal(t, "x", ck.Get("k"))
}

// TestWrongLeaderFailover mirrors scenario 4: a follower replies
// wrong_leader=true and the clerk's discovery round finds the leader.
func TestWrongLeaderFailover(t *testing.T) {
	c := newTestCluster(t, 3, -1)
	defer c.shutdown()

	var follower int = -1
	for i, s := range c.servers {
		if _, isLeader := s.rf.GetState(); !isLeader {
			follower = i
			break
		}
	}
	require.NotEqual(t, -1, follower)

	args := GetArgs{ID: newRequestID(), Key: "a", Client: "c"}
	var reply GetReply
	c.servers[follower].Get(&args, &reply)
	require.True(t, reply.WrongLeader)

	ck := c.clerk()
	ck.Put("a", "1")
	require.Equal(t, "1", ck.Get("a"))
}

// TestSnapshotAndRestore mirrors scenario 6: after enough mutations to
// cross the snapshot threshold, a fresh replica started from the same
// persister observes the snapshot state.
func TestSnapshotAndRestore(t *testing.T) {
	c := newTestCluster(t, 3, 1000)
	defer c.shutdown()

	ck := c.clerk()
	for i := 0; i < 200; i++ {
		ck.Put(fmt.Sprintf("key-%d", i), "value")
	}
	require.Equal(t, "value", ck.Get("key-199"))

	var snapshotted bool
	for _, p := range c.persisters {
		if p.SnapshotSize() > 0 {
			snapshotted = true
		}
	}
	require.True(t, snapshotted, "expected at least one replica to have taken a snapshot")

	restored := StartKVServer(nil, 0, c.persisters[0], 1000, nil, nil)
	defer restored.Kill()
	require.Greater(t, restored.sm.LastAppliedIndex(), 0)
	require.Equal(t, "value", restored.sm.get("key-0"))
}

func (c *testCluster) waitForLeader() int {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for i, s := range c.servers {
			if _, isLeader := s.rf.GetState(); isLeader {
				return i
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.t.Fatal("no leader elected in time")
	return -1
}
