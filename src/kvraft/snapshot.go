package kvraft

import (
	"github.com/dist-kv/raftkv/src/labgob"
	"github.com/pkg/errors"
)

// SnapshotFile is the opaque payload handed to the Raft collaborator's
// TakeSnapshot and delivered back through a non-CommandValid ApplyMsg.
// It carries exactly two blobs: the LastRequest table, then the KV map
// plus last-applied-index, always decoded in that order so
// LastAppliedIndex is set last.
type SnapshotFile struct {
	Blobs [][]byte
}

// lastRequestBlob carries the LastRequest table as the sequence of
// (client-id, uuid) pairs spec §4.5 describes, parallel-sliced and sorted
// by client id at encode time rather than stored as a map, so the blob's
// encoded bytes are deterministic.
type lastRequestBlob struct {
	Clients []string
	IDs     [][16]byte
}

type kvBlob struct {
	Keys        []string
	Values      []string
	LastApplied int
}

// makeSnapshot builds the two-blob snapshot file from the current state
// machine contents.
func (kv *KVServer) makeSnapshot() []byte {
	keys, table, lastApplied := kv.sm.snapshotKV()
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = table[k]
	}
	clients, ids := kv.sm.snapshotLastRequest()
	reqBlob := labgob.Encode(lastRequestBlob{Clients: clients, IDs: ids})
	stateBlob := labgob.Encode(kvBlob{Keys: keys, Values: values, LastApplied: lastApplied})
	return labgob.Encode(SnapshotFile{Blobs: [][]byte{reqBlob, stateBlob}})
}

// installSnapshot decodes and applies a full snapshot file, restoring
// LastRequest before KV+LastAppliedIndex as required by §4.5.
func (kv *KVServer) installSnapshot(raw []byte) error {
	var file SnapshotFile
	if err := labgob.Decode(raw, &file); err != nil {
		return errors.Wrap(err, "decode snapshot file")
	}
	if len(file.Blobs) != 2 {
		return errors.Errorf("snapshot file has %d blobs, want 2", len(file.Blobs))
	}
	var req lastRequestBlob
	if err := labgob.Decode(file.Blobs[0], &req); err != nil {
		return errors.Wrap(err, "decode last-request blob")
	}
	var state kvBlob
	if err := labgob.Decode(file.Blobs[1], &state); err != nil {
		return errors.Wrap(err, "decode kv blob")
	}

	lastRequest := make(map[string][16]byte, len(req.Clients))
	for i, c := range req.Clients {
		lastRequest[c] = req.IDs[i]
	}
	kv.sm.restoreLastRequest(lastRequest)
	kvMap := make(map[string]string, len(state.Keys))
	for i, k := range state.Keys {
		kvMap[k] = state.Values[i]
	}
	kv.sm.restoreKV(kvMap, state.LastApplied)
	return nil
}

func init() {
	labgob.Register(SnapshotFile{})
	labgob.Register(lastRequestBlob{})
	labgob.Register(kvBlob{})
}
