package replication

import (
	"bytes"
	"encoding/gob"

	"github.com/dirkpetersen/claudefs/pkg/types"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// batchWire is ReplicationBatch's over-the-wire shape. Timestamps cross
// the wire as timestamppb.Timestamp (the same well-known type the
// gRPC-facing API layer this was learned from uses for every
// wall-clock field) even though the in-memory JournalEntry keeps a
// plain time.Time; opData carries a gob-encoded types.OpGroup, since
// MetaOp's tagged union is a closed, internal set of variants with no
// need for protobuf's cross-language schema evolution.
type batchWire struct {
	Shard          uint32
	FirstSequence  uint64
	LastSequence   uint64
	CompactedCount uint32
	Entries        []entryWire
}

type entryWire struct {
	Sequence  uint64
	LogIndex  uint64
	Shard     uint32
	OpData    []byte
	Timestamp *timestamppb.Timestamp
}

func toWire(shard types.ShardId, batch types.ReplicationBatch) (batchWire, error) {
	w := batchWire{
		Shard:          uint32(shard),
		FirstSequence:  uint64(batch.FirstSequence),
		LastSequence:   uint64(batch.LastSequence),
		CompactedCount: batch.CompactedCount,
	}
	for _, e := range batch.Entries {
		data, err := gobEncode(e.Group)
		if err != nil {
			return batchWire{}, err
		}
		w.Entries = append(w.Entries, entryWire{
			Sequence:  uint64(e.Sequence),
			LogIndex:  uint64(e.LogIndex),
			Shard:     uint32(e.Shard),
			OpData:    data,
			Timestamp: timestamppb.New(e.Timestamp),
		})
	}
	return w, nil
}

func fromWire(w batchWire) (types.ReplicationBatch, error) {
	batch := types.ReplicationBatch{
		FirstSequence:  types.Sequence(w.FirstSequence),
		LastSequence:   types.Sequence(w.LastSequence),
		CompactedCount: w.CompactedCount,
	}
	for _, e := range w.Entries {
		var group types.OpGroup
		if err := gobDecode(e.OpData, &group); err != nil {
			return types.ReplicationBatch{}, err
		}
		batch.Entries = append(batch.Entries, types.JournalEntry{
			Sequence:  types.Sequence(e.Sequence),
			LogIndex:  types.LogIndex(e.LogIndex),
			Shard:     types.ShardId(e.Shard),
			Group:     group,
			Timestamp: e.Timestamp.AsTime(),
		})
	}
	return batch, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
