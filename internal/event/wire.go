package event

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// wireEvent mirrors the C struct emitted by the probe programs.
// Layout (little-endian, fixed widths): timestamp(8) pid(4) tid(4) layer(1)
// reserved(3) event_kind(4) system_type(4) size(8) offset(8) latency_ns(8)
// dev_major(4) dev_minor(4) retval(4) inode(8) request_id(8)
// parent_request_id(8) branch_id(4) branch_count(4) comm(16) filename(256)
// aligned_size(8) replication_count(4) block_count(4) flags(8).
type wireEvent struct {
	Timestamp       uint64
	PID             uint32
	TID             uint32
	Layer           uint8
	_               [3]byte
	Kind            uint32
	System          uint32
	Size            uint64
	Offset          uint64
	Latency         uint64
	DevMajor        uint32
	DevMinor        uint32
	Retval          int32
	Inode           uint64
	RequestID       uint64
	ParentRequestID uint64
	BranchID        uint32
	BranchCount     uint32
	Comm            [16]byte
	Filename        [256]byte
	AlignedSize     uint64
	Replication     uint32
	BlockCount      uint32

	IsMetadata          uint8
	IsJournal           uint8
	CacheHit            uint8
	IsErasure           uint8
	ErasureDataBlocks   uint8
	ErasureParityBlocks uint8
	IsSidecar           uint8
	_                   uint8
}

// WireSize is the exact size in bytes of one probe record.
const WireSize = 392

// RecordSizeError reports a raw record whose size does not match the schema.
// It is fatal: the probe object and the consumer disagree on the layout.
type RecordSizeError struct {
	Got int
}

func (e *RecordSizeError) Error() string {
	return fmt.Sprintf("probe record is %d bytes, schema expects %d", e.Got, WireSize)
}

// UnknownEventError reports a record whose layer/kind pair is not part of
// the schema. Such records are counted and dropped, not propagated.
type UnknownEventError struct {
	Layer Layer
	Kind  Kind
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event %s on layer %s", e.Kind, e.Layer)
}

// Decode parses one raw record. A size mismatch returns *RecordSizeError;
// an unrecognized layer/kind returns *UnknownEventError.
func Decode(raw []byte) (*LayerEvent, error) {
	if len(raw) != WireSize {
		return nil, &RecordSizeError{Got: len(raw)}
	}

	var w wireEvent
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &w); err != nil {
		return nil, &RecordSizeError{Got: len(raw)}
	}

	layer := Layer(w.Layer)
	kind := Kind(w.Kind)
	if !Known(layer, kind) {
		return nil, &UnknownEventError{Layer: layer, Kind: kind}
	}

	return &LayerEvent{
		Timestamp:           w.Timestamp,
		PID:                 w.PID,
		TID:                 w.TID,
		Layer:               layer,
		Kind:                kind,
		System:              System(w.System),
		Size:                w.Size,
		AlignedSize:         w.AlignedSize,
		Offset:              w.Offset,
		Latency:             w.Latency,
		DevMajor:            w.DevMajor,
		DevMinor:            w.DevMinor,
		Retval:              w.Retval,
		Inode:               w.Inode,
		RequestID:           w.RequestID,
		ParentRequestID:     w.ParentRequestID,
		BranchID:            w.BranchID,
		BranchCount:         w.BranchCount,
		Comm:                cString(w.Comm[:]),
		Filename:            cString(w.Filename[:]),
		ReplicationCount:    w.Replication,
		BlockCount:          w.BlockCount,
		Metadata:            w.IsMetadata != 0,
		Journal:             w.IsJournal != 0,
		CacheHit:            w.CacheHit != 0,
		Erasure:             w.IsErasure != 0,
		Sidecar:             w.IsSidecar != 0,
		ErasureDataBlocks:   w.ErasureDataBlocks,
		ErasureParityBlocks: w.ErasureParityBlocks,
	}, nil
}

// Encode serializes an event back to the wire layout. Used by the round-trip
// and replay tests to build records.
func Encode(e *LayerEvent) []byte {
	w := wireEvent{
		Timestamp:           e.Timestamp,
		PID:                 e.PID,
		TID:                 e.TID,
		Layer:               uint8(e.Layer),
		Kind:                uint32(e.Kind),
		System:              uint32(e.System),
		Size:                e.Size,
		Offset:              e.Offset,
		Latency:             e.Latency,
		DevMajor:            e.DevMajor,
		DevMinor:            e.DevMinor,
		Retval:              e.Retval,
		Inode:               e.Inode,
		RequestID:           e.RequestID,
		ParentRequestID:     e.ParentRequestID,
		BranchID:            e.BranchID,
		BranchCount:         e.BranchCount,
		AlignedSize:         e.AlignedSize,
		Replication:         e.ReplicationCount,
		BlockCount:          e.BlockCount,
		ErasureDataBlocks:   e.ErasureDataBlocks,
		ErasureParityBlocks: e.ErasureParityBlocks,
	}
	copy(w.Comm[:], e.Comm)
	copy(w.Filename[:], e.Filename)
	w.IsMetadata = b2u(e.Metadata)
	w.IsJournal = b2u(e.Journal)
	w.CacheHit = b2u(e.CacheHit)
	w.IsErasure = b2u(e.Erasure)
	w.IsSidecar = b2u(e.Sidecar)

	var buf bytes.Buffer
	buf.Grow(WireSize)
	// Writing a fixed-layout struct cannot fail on a bytes.Buffer.
	_ = binary.Write(&buf, binary.LittleEndian, &w)
	return buf.Bytes()
}

func cString(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

func b2u(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}
