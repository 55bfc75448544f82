package types

import (
	"encoding/json"
	"fmt"
)

// wireVersion is bumped whenever a MetaOp variant's wire shape changes.
const wireVersion = 1

// wireMetaOp is the stable, versioned wire encoding for a MetaOp. Field order mirrors MetaOp's
// declaration order; fields unused by a given Kind are omitted.
type wireMetaOp struct {
	Version  int        `json:"v"`
	Kind     MetaOpKind `json:"kind"`
	Attr     *InodeAttr `json:"attr,omitempty"`
	Ino      InodeId    `json:"ino,omitempty"`
	Parent   InodeId    `json:"parent,omitempty"`
	Name     string     `json:"name,omitempty"`
	EntryIno InodeId    `json:"entry_ino,omitempty"`
	FileType FileType   `json:"file_type,omitempty"`
	NewAttr  *InodeAttr `json:"new_attr,omitempty"`
	Target   string     `json:"target,omitempty"`
}

// MarshalBinary encodes a MetaOp in the stable, versioned wire format
// shared by the journal, Raft log, and replication batches.
func (op MetaOp) MarshalBinary() ([]byte, error) {
	w := wireMetaOp{
		Version:  wireVersion,
		Kind:     op.Kind,
		Attr:     op.Attr,
		Ino:      op.Ino,
		Parent:   op.Parent,
		Name:     op.Name,
		EntryIno: op.EntryIno,
		FileType: op.FileType,
		NewAttr:  op.NewAttr,
		Target:   op.Target,
	}
	return json.Marshal(w)
}

// UnmarshalBinary decodes a MetaOp from the wire format produced by
// MarshalBinary.
func (op *MetaOp) UnmarshalBinary(data []byte) error {
	var w wireMetaOp
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode MetaOp: %w", err)
	}
	if w.Version != wireVersion {
		return fmt.Errorf("decode MetaOp: unsupported wire version %d", w.Version)
	}
	op.Kind = w.Kind
	op.Attr = w.Attr
	op.Ino = w.Ino
	op.Parent = w.Parent
	op.Name = w.Name
	op.EntryIno = w.EntryIno
	op.FileType = w.FileType
	op.NewAttr = w.NewAttr
	op.Target = w.Target
	return nil
}

// MarshalBinary encodes an OpGroup as the concatenation of its MetaOps'
// wire encodings, framed as a JSON array so a single Raft log entry can
// carry an atomic multi-op group.
func (g OpGroup) MarshalBinary() ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(g.Ops))
	for _, op := range g.Ops {
		b, err := op.MarshalBinary()
		if err != nil {
			return nil, err
		}
		raws = append(raws, b)
	}
	return json.Marshal(raws)
}

// UnmarshalBinary decodes an OpGroup from MarshalBinary's output.
func (g *OpGroup) UnmarshalBinary(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("decode OpGroup: %w", err)
	}
	ops := make([]MetaOp, len(raws))
	for i, raw := range raws {
		if err := ops[i].UnmarshalBinary(raw); err != nil {
			return err
		}
	}
	g.Ops = ops
	return nil
}
