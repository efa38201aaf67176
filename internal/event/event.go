// Package event defines the layer/event taxonomy of the storage stack
// tracer and the fixed binary record format shared with the kernel probes.
package event

import "fmt"

// Layer identifies one of the five strata a probe event can originate from.
type Layer uint8

const (
	LayerUnknown Layer = iota
	LayerApplication
	LayerStorageService
	LayerOS
	LayerFilesystem
	LayerDevice

	layerMax
)

// Layers lists the five real layers in stack order, application first.
var Layers = [...]Layer{
	LayerApplication,
	LayerStorageService,
	LayerOS,
	LayerFilesystem,
	LayerDevice,
}

var layerNames = [...]string{
	"UNKNOWN", "APPLICATION", "STORAGE_SVC", "OS", "FILESYSTEM", "DEVICE",
}

func (l Layer) String() string {
	if l >= layerMax {
		return fmt.Sprintf("LAYER(%d)", uint8(l))
	}
	return layerNames[l]
}

// Valid reports whether l is one of the five known layers.
func (l Layer) Valid() bool {
	return l >= LayerApplication && l < layerMax
}

// Kind is the event type within a layer. The numeric values are part of the
// wire format and must match the probe programs.
type Kind uint32

const (
	// Application layer
	KindAppRead   Kind = 101
	KindAppWrite  Kind = 102
	KindObjectPut Kind = 110
	KindObjectGet Kind = 111

	// Storage service layer
	KindReplication  Kind = 201
	KindErasureWrite Kind = 202
	KindXlMeta       Kind = 203
	KindMultipart    Kind = 204

	// OS layer
	KindVfsRead       Kind = 303
	KindVfsWrite      Kind = 304
	KindPageCacheHit  Kind = 305
	KindPageCacheMiss Kind = 306

	// Filesystem layer
	KindJournalWrite   Kind = 401
	KindMetadataUpdate Kind = 402
	KindInodeUpdate    Kind = 404
	KindSync           Kind = 405

	// Device layer
	KindBioSubmit   Kind = 501
	KindBioComplete Kind = 502
	KindDiscard     Kind = 506
)

var kindNames = map[Kind]string{
	KindAppRead:        "APP_READ",
	KindAppWrite:       "APP_WRITE",
	KindObjectPut:      "OBJECT_PUT",
	KindObjectGet:      "OBJECT_GET",
	KindReplication:    "SVC_REPLICATION",
	KindErasureWrite:   "SVC_ERASURE_WRITE",
	KindXlMeta:         "SVC_XL_META",
	KindMultipart:      "SVC_MULTIPART",
	KindVfsRead:        "OS_VFS_READ",
	KindVfsWrite:       "OS_VFS_WRITE",
	KindPageCacheHit:   "OS_PAGE_CACHE_HIT",
	KindPageCacheMiss:  "OS_PAGE_CACHE_MISS",
	KindJournalWrite:   "FS_JOURNAL_WRITE",
	KindMetadataUpdate: "FS_METADATA_UPDATE",
	KindInodeUpdate:    "FS_INODE_UPDATE",
	KindSync:           "FS_SYNC",
	KindBioSubmit:      "DEV_BIO_SUBMIT",
	KindBioComplete:    "DEV_BIO_COMPLETE",
	KindDiscard:        "DEV_DISCARD",
}

// kindLayers pins every kind to the single layer it may appear on.
var kindLayers = map[Kind]Layer{
	KindAppRead:        LayerApplication,
	KindAppWrite:       LayerApplication,
	KindObjectPut:      LayerApplication,
	KindObjectGet:      LayerApplication,
	KindReplication:    LayerStorageService,
	KindErasureWrite:   LayerStorageService,
	KindXlMeta:         LayerStorageService,
	KindMultipart:      LayerStorageService,
	KindVfsRead:        LayerOS,
	KindVfsWrite:       LayerOS,
	KindPageCacheHit:   LayerOS,
	KindPageCacheMiss:  LayerOS,
	KindJournalWrite:   LayerFilesystem,
	KindMetadataUpdate: LayerFilesystem,
	KindInodeUpdate:    LayerFilesystem,
	KindSync:           LayerFilesystem,
	KindBioSubmit:      LayerDevice,
	KindBioComplete:    LayerDevice,
	KindDiscard:        LayerDevice,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EVENT(%d)", uint32(k))
}

// Layer returns the layer a kind belongs to, or LayerUnknown.
func (k Kind) Layer() Layer {
	return kindLayers[k]
}

// Known reports whether the (layer, kind) pair is part of the schema.
func Known(l Layer, k Kind) bool {
	return l.Valid() && kindLayers[k] == l
}

// System tags the storage system a process was recognized as.
type System uint32

const (
	SystemUnknown System = iota
	SystemMinIO
	SystemCeph
	SystemEtcd
	SystemPostgres
	SystemGluster
	SystemApplication
)

var systemNames = [...]string{
	"Unknown", "MinIO", "Ceph", "etcd", "PostgreSQL", "GlusterFS", "Application",
}

func (s System) String() string {
	if int(s) >= len(systemNames) {
		return systemNames[SystemUnknown]
	}
	return systemNames[s]
}

// ParseSystem maps a CLI filter name to a System tag.
func ParseSystem(name string) (System, error) {
	switch name {
	case "minio":
		return SystemMinIO, nil
	case "ceph":
		return SystemCeph, nil
	case "etcd":
		return SystemEtcd, nil
	case "postgres":
		return SystemPostgres, nil
	case "gluster":
		return SystemGluster, nil
	case "":
		return SystemUnknown, nil
	}
	return SystemUnknown, fmt.Errorf("unknown storage system %q", name)
}

// LayerEvent is one decoded probe record. The producer populates what it
// knows; absent fields are zero. Correlation and classification fields
// (RequestID, flags, Workload) may be filled in downstream.
type LayerEvent struct {
	Timestamp uint64 // monotonic ns
	PID       uint32
	TID       uint32
	Layer     Layer
	Kind      Kind
	System    System

	Size        uint64 // logical bytes at this layer
	AlignedSize uint64 // after layer rounding; 0 when not applicable
	Offset      uint64
	Latency     uint64 // ns, completion-style events only

	DevMajor uint32
	DevMinor uint32
	Retval   int32
	Inode    uint64

	RequestID       uint64
	ParentRequestID uint64
	BranchID        uint32
	BranchCount     uint32

	Comm     string
	Filename string

	ReplicationCount uint32
	BlockCount       uint32

	// Classification flags.
	Metadata bool
	Journal  bool
	CacheHit bool
	Erasure  bool
	Sidecar  bool

	ErasureDataBlocks   uint8
	ErasureParityBlocks uint8

	// Workload marks object-storage traffic (ObjectPut/ObjectGet and their
	// descendants). Derived, never on the wire.
	Workload bool

	// MatchedSubmit marks a BioComplete whose submit was observed. Derived,
	// never on the wire.
	MatchedSubmit bool
}

// EffectiveAligned returns the aligned size, falling back to the raw size
// when the producer supplied none or supplied one smaller than the raw
// size (alignment never shrinks a request). This is the accumulator rule
// for the aligned byte counters.
func (e *LayerEvent) EffectiveAligned() uint64 {
	if e.AlignedSize > e.Size {
		return e.AlignedSize
	}
	return e.Size
}

// CountsBytes reports whether the event contributes to byte accumulators.
// Device bytes are charged at submit; a completion whose submit was observed
// only refines latency. Completions without a submit (tracer attached
// mid-flight) still carry the bytes.
func (e *LayerEvent) CountsBytes() bool {
	return !(e.Kind == KindBioComplete && e.MatchedSubmit)
}

// Completion reports whether this is a completion-style event
// (carries a latency). At the application layer a completion marks the
// syscall exit of the thread's current request.
func (e *LayerEvent) Completion() bool {
	return e.Latency != 0
}
