package raft

import (
	"fmt"
	"testing"
	"time"

	"github.com/dist-kv/raftkv/src/labrpc"
	"github.com/stretchr/testify/require"
)

type raftCluster struct {
	net     *labrpc.Network
	peers   []*Raft
	applyCh []chan ApplyMsg
}

func makeRaftCluster(n int) *raftCluster {
	net := labrpc.MakeNetwork()
	c := &raftCluster{net: net, peers: make([]*Raft, n), applyCh: make([]chan ApplyMsg, n)}

	for i := 0; i < n; i++ {
		ends := make([]*labrpc.ClientEnd, n)
		for j := 0; j < n; j++ {
			name := fmt.Sprintf("%d->%d", i, j)
			ends[j] = net.MakeEnd(name)
			net.Connect(name, fmt.Sprintf("peer-%d", j))
		}
		c.applyCh[i] = make(chan ApplyMsg, 100)
		c.peers[i] = Make(ends, i, MakePersister(), c.applyCh[i], nil)

		server := labrpc.MakeServer()
		server.AddService(labrpc.MakeService(c.peers[i]))
		net.AddServer(fmt.Sprintf("peer-%d", i), server)
	}
	return c
}

func (c *raftCluster) cleanup() {
	for _, rf := range c.peers {
		rf.Kill()
	}
	c.net.Cleanup()
}

func (c *raftCluster) waitForLeader(t *testing.T) int {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for i, rf := range c.peers {
			if _, isLeader := rf.GetState(); isLeader {
				return i
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("no leader elected")
	return -1
}

func TestElectsExactlyOneLeader(t *testing.T) {
	c := makeRaftCluster(3)
	defer c.cleanup()

	leader := c.waitForLeader(t)

	count := 0
	for i, rf := range c.peers {
		if i == leader {
			continue
		}
		if _, isLeader := rf.GetState(); isLeader {
			count++
		}
	}
	require.Zero(t, count, "more than one leader observed")
}

func TestReplicatesCommittedEntry(t *testing.T) {
	c := makeRaftCluster(3)
	defer c.cleanup()

	leader := c.waitForLeader(t)
	index, _, isLeader := c.peers[leader].Start([]byte("hello"))
	require.True(t, isLeader)

	deadline := time.Now().Add(2 * time.Second)
	committed := 0
	for time.Now().Before(deadline) && committed < 2 {
		select {
		case msg := <-c.applyCh[leader]:
			if msg.CommandValid && msg.CommandIndex == index {
				require.Equal(t, []byte("hello"), msg.Command)
				committed++
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	require.GreaterOrEqual(t, committed, 1)
}
