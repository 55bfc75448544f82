package raft

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// gobCodecName is registered independently of pkg/replication's codec of
// the same name: grpc-go's codec registry keys purely on name and the
// last registration for a given name wins, so two packages registering
// an identical gob-based "gob" codec is harmless, and it keeps this
// package free of a dependency on pkg/replication.
const gobCodecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return gobCodecName }
