package kvraft

import (
	"github.com/dist-kv/raftkv/src/labgob"
	"github.com/pkg/errors"
)

// decodedCommand is whichever of GetArgs/PutAppendArgs was actually
// proposed, recovered from the raw bytes Raft committed.
type decodedCommand struct {
	isGet bool
	get   GetArgs
	put   PutAppendArgs
}

func (c decodedCommand) requestID() [16]byte {
	if c.isGet {
		return c.get.ID
	}
	return c.put.ID
}

func (c decodedCommand) client() string {
	if c.isGet {
		return c.get.Client
	}
	return c.put.Client
}

// encodeGet and encodePutAppend serialize a clerk's request into the
// bytes the server's Get and PutAppend handlers propose to Raft.
func encodeGet(a GetArgs) []byte             { return labgob.Encode(a) }
func encodePutAppend(a PutAppendArgs) []byte { return labgob.Encode(a) }

// decodeCommand recovers which of the two request shapes was proposed.
//
// A naive "decode as PutAppendArgs, on error fall back to GetArgs" never
// falls through under encoding/gob: GetArgs{ID,Key,Client} is a strict
// field subset of PutAppendArgs{ID,Key,Value,Op,Client}, and gob happily
// decodes a shorter source stream into a wider destination struct,
// leaving Op at its zero value instead of returning an error. So the
// fallback is driven by a post-decode validity check on Op rather than
// by the decode error.
func decodeCommand(raw []byte) (decodedCommand, error) {
	var pa PutAppendArgs
	if err := labgob.Decode(raw, &pa); err == nil && (pa.Op == OpPut || pa.Op == OpAppend) {
		return decodedCommand{put: pa}, nil
	}
	var ga GetArgs
	if err := labgob.Decode(raw, &ga); err != nil {
		return decodedCommand{}, errors.Wrap(err, "decode committed command")
	}
	return decodedCommand{isGet: true, get: ga}, nil
}

func init() {
	labgob.Register(GetArgs{})
	labgob.Register(PutAppendArgs{})
}
