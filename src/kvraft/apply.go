package kvraft

// applyLoop is the single dedicated consumer of the Raft apply stream.
// It is the only goroutine that ever mutates kv.sm, which is what lets
// stateMachine use independent fine-grained locks instead of one coarse
// one: every writer is serialized here already.
func (kv *KVServer) applyLoop() {
	for {
		select {
		case msg, ok := <-kv.applyCh:
			if !ok {
				return
			}
			if msg.CommandValid {
				kv.handleMessage(msg.Command, msg.CommandIndex)
			} else {
				kv.handleVirtualCommand(msg.Command)
			}
		case <-kv.shutdownCh:
			return
		}
	}
}

// handleMessage applies one committed entry and then opportunistically
// catches up on anything Raft has already committed beyond it, per the
// catch-up optimization in §4.3.
func (kv *KVServer) handleMessage(raw []byte, index int) {
	kv.applyOne(raw, index)

	commit := kv.rf.CommitIndex()
	if commit <= index {
		return
	}
	for _, msg := range kv.rf.TryGetLogBetween(index+1, commit) {
		if msg.CommandValid {
			kv.applyOne(msg.Command, msg.CommandIndex)
		} else {
			kv.handleVirtualCommand(msg.Command)
		}
	}
}

// applyOne decodes, notifies, mutates, and records one log entry. The
// caller guarantees single-threaded execution.
func (kv *KVServer) applyOne(raw []byte, index int) {
	if index <= kv.sm.LastAppliedIndex() {
		return
	}

	cmd, err := decodeCommand(raw)
	if err != nil {
		kv.logger.Panicw("undecodable committed command", "index", index, "error", err)
	}

	var value string
	if cmd.isGet {
		value = kv.sm.get(cmd.get.Key)
	}
	kv.waiters.fulfill(index, CommandResponse{RequestID: cmd.requestID(), Value: value, Index: index})

	if !cmd.isGet {
		if kv.sm.applyMutation(cmd.client(), cmd.put.ID, cmd.put.Key, cmd.put.Value, cmd.put.Op) {
			kv.metrics.mutationsApplied.Inc()
		} else {
			kv.metrics.dedupSkipsApply.Inc()
		}
	}

	kv.sm.setLastApplied(index)

	kv.maybeSnapshot()
}

// handleVirtualCommand installs a full snapshot delivered through the
// apply stream in place of a normal entry.
func (kv *KVServer) handleVirtualCommand(raw []byte) {
	if err := kv.installSnapshot(raw); err != nil {
		kv.logger.Panicw("undecodable snapshot payload", "error", err)
	}
	kv.metrics.snapshotsInstalled.Inc()
}

// maybeSnapshot takes a snapshot once Raft's persisted state grows past
// 90% of the configured budget. maxRaftState <= 0 disables the check.
func (kv *KVServer) maybeSnapshot() {
	if kv.maxRaftState <= 0 {
		return
	}
	if float64(kv.rf.LogSize()) <= 0.9*float64(kv.maxRaftState) {
		return
	}
	kv.rf.TakeSnapshot(kv.makeSnapshot(), kv.sm.LastAppliedIndex())
	kv.metrics.snapshotsTaken.Inc()
}
