// Package correlate threads a logical request identity through layer events
// observed on the same kernel thread, tracks request branching, and builds
// per-request rollups for the amplification report.
package correlate

import (
	"container/list"
	"time"

	"github.com/shuwens/reverb/internal/event"
)

// Config holds the correlation knobs. Written once at startup.
type Config struct {
	// FanoutWindow bounds how long after a request's origin a same-thread
	// syscall is treated as a child branch instead of a new request.
	FanoutWindow time.Duration

	// IdleTimeout retires a context that has seen no events.
	IdleTimeout time.Duration

	// GraceWindow lets stragglers attach after the syscall exit.
	GraceWindow time.Duration

	MaxContexts int
	MaxRequests int
	MaxBranches int
}

// DefaultConfig returns the correlation defaults.
func DefaultConfig() Config {
	return Config{
		FanoutWindow: 50 * time.Millisecond,
		IdleTimeout:  5 * time.Second,
		GraceWindow:  10 * time.Millisecond,
		MaxContexts:  10240,
		MaxRequests:  10000,
		MaxBranches:  40960,
	}
}

type contextState int

const (
	stateLive contextState = iota
	stateRetiring
	stateRetired
)

// Context is the live per-thread identity record. A thread has at most one.
type Context struct {
	RequestID       uint64
	ParentRequestID uint64
	TID             uint32
	OriginTS        uint64
	OriginSize      uint64
	OpKind          event.Kind
	BranchCount     uint32
	ObjectName      string

	lastTouch uint64
	retireTS  uint64
	state     contextState
	lruEl     *list.Element
}

func (c *Context) workload() bool {
	return c.OpKind == event.KindObjectPut || c.OpKind == event.KindObjectGet
}

// Branch links a child sub-operation back to its parent request.
type Branch struct {
	ParentRequestID uint64
	BranchID        uint32
	Timestamp       uint64
}

// Rollup is the incrementally built per-request summary.
type Rollup struct {
	RequestID       uint64
	ParentRequestID uint64
	OpKind          event.Kind
	ObjectName      string

	PerLayerBytes   [6]uint64
	PerLayerAligned [6]uint64

	VfsReads          uint32
	VfsWrites         uint32
	BioSubmits        uint32
	CompletedBranches uint32
	JournalOps        uint32
	MetadataOps       uint32
	ErasureBranches   uint32
	BranchCount       uint32
	ReplicationFactor uint32

	StartTS uint64
	EndTS   uint64

	lruEl *list.Element
}

// AppBytes is the request's application-layer byte total.
func (r *Rollup) AppBytes() uint64 {
	return r.PerLayerBytes[event.LayerApplication]
}

// FinalBytes is the deepest non-zero byte total: device, else filesystem
// aligned, else OS aligned.
func (r *Rollup) FinalBytes() uint64 {
	if b := r.PerLayerBytes[event.LayerDevice]; b != 0 {
		return b
	}
	if b := r.PerLayerAligned[event.LayerFilesystem]; b != 0 {
		return b
	}
	return r.PerLayerAligned[event.LayerOS]
}

// Amplification returns final/app. ok is false when app bytes are zero.
func (r *Rollup) Amplification() (float64, bool) {
	app := r.AppBytes()
	if app == 0 {
		return 0, false
	}
	return float64(r.FinalBytes()) / float64(app), true
}

// Workload reports whether the request originated from an object operation.
func (r *Rollup) Workload() bool {
	return r.OpKind == event.KindObjectPut || r.OpKind == event.KindObjectGet
}

// Counters accumulates correlation anomalies for the summary.
type Counters struct {
	RequestsSeen    uint64
	Unattributed    uint64
	Late            uint64
	EvictedContexts uint64
	EvictedRequests uint64
	DroppedBranches uint64
}

type bioKey struct {
	devMajor uint32
	devMinor uint32
	offset   uint64
}

// Correlator owns all correlation state. Single-owner: it is mutated only
// from the poll loop and needs no locking.
type Correlator struct {
	cfg Config

	contexts map[uint32]*Context
	ctxLRU   *list.List // front = least recently touched

	rollups map[uint64]*Rollup
	reqLRU  *list.List

	branches []Branch

	bioStart map[bioKey]uint64

	counters  Counters
	latestTS  uint64
	lastSweep uint64
}

// New creates a Correlator with the given config.
func New(cfg Config) *Correlator {
	return &Correlator{
		cfg:      cfg,
		contexts: make(map[uint32]*Context),
		ctxLRU:   list.New(),
		rollups:  make(map[uint64]*Rollup),
		reqLRU:   list.New(),
		bioStart: make(map[bioKey]uint64),
	}
}

// requestID derives the canonical 64-bit id: (thread << 32) | low timestamp
// bits. Unique per thread within ~4 seconds.
func requestID(tid uint32, ts uint64) uint64 {
	return uint64(tid)<<32 | (ts & 0xFFFFFFFF)
}

// Observe attributes one event. It mutates the event's correlation fields
// (RequestID, ParentRequestID, BranchID, BranchCount, Workload) and updates
// contexts and rollups. All time arithmetic uses event timestamps, so a
// replayed stream correlates exactly like a live one.
func (c *Correlator) Observe(ev *event.LayerEvent) {
	if ev.Timestamp > c.latestTS {
		c.latestTS = ev.Timestamp
	}
	c.sweepIdle()

	if ev.Layer == event.LayerDevice {
		c.trackBio(ev)
	}

	if ev.Layer == event.LayerApplication {
		c.observeApplication(ev)
		return
	}
	c.observeDeeper(ev)
}

func (c *Correlator) observeApplication(ev *event.LayerEvent) {
	ctx := c.contexts[ev.TID]

	if ctx != nil && ctx.state != stateRetired {
		// Syscall exit of the current request: attribute, then start the
		// retirement grace window.
		if ev.Completion() {
			c.attach(ctx, ev)
			ctx.state = stateRetiring
			ctx.retireTS = ev.Timestamp
			return
		}

		// Re-entry within the fan-out window is a child branch: tight
		// syscall loops on one thread are one logical request with N
		// children, which is how object daemons emit parallel shard writes.
		if ctx.state == stateLive && ev.Timestamp-ctx.OriginTS <= uint64(c.cfg.FanoutWindow.Nanoseconds()) {
			c.branch(ctx, ev)
			c.attach(ctx, ev)
			return
		}

		// Otherwise the previous request is done; retire it implicitly.
		c.retire(ctx)
	}

	c.startContext(ev)
}

func (c *Correlator) startContext(ev *event.LayerEvent) {
	id := ev.RequestID
	if id == 0 {
		id = requestID(ev.TID, ev.Timestamp)
	}

	ctx := &Context{
		RequestID:       id,
		ParentRequestID: ev.ParentRequestID,
		TID:             ev.TID,
		OriginTS:        ev.Timestamp,
		OriginSize:      ev.Size,
		OpKind:          ev.Kind,
		ObjectName:      ev.Filename,
		lastTouch:       ev.Timestamp,
		state:           stateLive,
	}

	if len(c.contexts) >= c.cfg.MaxContexts {
		c.evictOldestContext()
	}
	c.contexts[ev.TID] = ctx
	ctx.lruEl = c.ctxLRU.PushBack(ctx)

	c.counters.RequestsSeen++
	c.attach(ctx, ev)
}

func (c *Correlator) observeDeeper(ev *event.LayerEvent) {
	ctx := c.contexts[ev.TID]
	if ctx == nil || ctx.state == stateRetired {
		ev.RequestID = 0
		ev.ParentRequestID = 0
		c.counters.Unattributed++
		return
	}

	if ctx.state == stateRetiring && ev.Timestamp-ctx.retireTS > uint64(c.cfg.GraceWindow.Nanoseconds()) {
		// Straggler past the grace window: keep it in the aggregates but
		// out of the rollup.
		c.retire(ctx)
		ev.RequestID = 0
		ev.ParentRequestID = 0
		c.counters.Late++
		return
	}

	// Shard fan-out shows up at the VFS (or erasure-write) level for object
	// operations; each such write within the window is a branch.
	if ctx.workload() && ctx.state == stateLive && c.isFanoutKind(ev.Kind) &&
		ev.Timestamp-ctx.OriginTS <= uint64(c.cfg.FanoutWindow.Nanoseconds()) {
		c.branch(ctx, ev)
		ev.Erasure = true
	}

	c.attach(ctx, ev)
}

func (c *Correlator) isFanoutKind(k event.Kind) bool {
	return k == event.KindVfsWrite || k == event.KindVfsRead || k == event.KindErasureWrite
}

// branch registers a new child of ctx and stamps the event with its id.
func (c *Correlator) branch(ctx *Context, ev *event.LayerEvent) {
	id := ctx.BranchCount
	ctx.BranchCount++

	if len(c.branches) >= c.cfg.MaxBranches {
		copy(c.branches, c.branches[1:])
		c.branches = c.branches[:len(c.branches)-1]
		c.counters.DroppedBranches++
	}
	c.branches = append(c.branches, Branch{
		ParentRequestID: ctx.RequestID,
		BranchID:        id,
		Timestamp:       ev.Timestamp,
	})

	ev.BranchID = id
	if r := c.rollup(ctx); r != nil && ctx.workload() {
		r.ErasureBranches++
	}
}

// attach stamps the event with the context identity and folds it into the
// request rollup.
func (c *Correlator) attach(ctx *Context, ev *event.LayerEvent) {
	ev.RequestID = ctx.RequestID
	ev.ParentRequestID = ctx.ParentRequestID
	ev.BranchCount = ctx.BranchCount
	if ctx.workload() {
		ev.Workload = true
	}

	ctx.lastTouch = ev.Timestamp
	if ctx.lruEl != nil {
		c.ctxLRU.MoveToBack(ctx.lruEl)
	}

	r := c.rollup(ctx)
	if r == nil {
		return
	}
	c.fold(r, ev)
}

// rollup finds or creates the rollup for ctx, applying the LRU bound.
func (c *Correlator) rollup(ctx *Context) *Rollup {
	if r, ok := c.rollups[ctx.RequestID]; ok {
		c.reqLRU.MoveToBack(r.lruEl)
		return r
	}

	if len(c.rollups) >= c.cfg.MaxRequests {
		c.evictOldestRollup()
	}

	r := &Rollup{
		RequestID:       ctx.RequestID,
		ParentRequestID: ctx.ParentRequestID,
		OpKind:          ctx.OpKind,
		ObjectName:      ctx.ObjectName,
		StartTS:         ctx.OriginTS,
		EndTS:           ctx.OriginTS,
	}
	c.rollups[ctx.RequestID] = r
	r.lruEl = c.reqLRU.PushBack(r)
	return r
}

func (c *Correlator) fold(r *Rollup, ev *event.LayerEvent) {
	if ev.Timestamp < r.StartTS {
		r.StartTS = ev.Timestamp
	}
	if ev.Timestamp > r.EndTS {
		r.EndTS = ev.Timestamp
	}
	if ev.BranchCount > r.BranchCount {
		r.BranchCount = ev.BranchCount
	}
	if r.ObjectName == "" && ev.Filename != "" {
		r.ObjectName = ev.Filename
	}

	if ev.CountsBytes() {
		r.PerLayerBytes[ev.Layer] += ev.Size
		r.PerLayerAligned[ev.Layer] += ev.EffectiveAligned()
	}

	if ev.Metadata {
		r.MetadataOps++
	}
	if ev.Journal {
		r.JournalOps++
	}
	if ev.ReplicationCount > r.ReplicationFactor {
		r.ReplicationFactor = ev.ReplicationCount
	}

	switch ev.Layer {
	case event.LayerOS:
		switch ev.Kind {
		case event.KindVfsRead:
			r.VfsReads++
		case event.KindVfsWrite:
			r.VfsWrites++
		}
	case event.LayerDevice:
		switch ev.Kind {
		case event.KindBioSubmit:
			r.BioSubmits++
		case event.KindBioComplete:
			r.CompletedBranches++
		}
	}
}

// trackBio times device I/O: BioSubmit arms a timer keyed by the bio
// identity, BioComplete resolves it into the event latency. Completions
// without a matching submit are accepted (submit may precede tracer start).
func (c *Correlator) trackBio(ev *event.LayerEvent) {
	key := bioKey{devMajor: ev.DevMajor, devMinor: ev.DevMinor, offset: ev.Offset}
	switch ev.Kind {
	case event.KindBioSubmit:
		c.bioStart[key] = ev.Timestamp
	case event.KindBioComplete:
		if start, ok := c.bioStart[key]; ok {
			if ev.Latency == 0 && ev.Timestamp > start {
				ev.Latency = ev.Timestamp - start
			}
			ev.MatchedSubmit = true
			delete(c.bioStart, key)
		}
	}
}

// ObserveBio runs only the device completion timing, for runs with request
// correlation disabled.
func (c *Correlator) ObserveBio(ev *event.LayerEvent) {
	if ev.Layer == event.LayerDevice {
		c.trackBio(ev)
	}
}

func (c *Correlator) retire(ctx *Context) {
	ctx.state = stateRetired
	if ctx.lruEl != nil {
		c.ctxLRU.Remove(ctx.lruEl)
		ctx.lruEl = nil
	}
	if c.contexts[ctx.TID] == ctx {
		delete(c.contexts, ctx.TID)
	}
}

func (c *Correlator) evictOldestContext() {
	front := c.ctxLRU.Front()
	if front == nil {
		return
	}
	c.retire(front.Value.(*Context))
	c.counters.EvictedContexts++
}

func (c *Correlator) evictOldestRollup() {
	front := c.reqLRU.Front()
	if front == nil {
		return
	}
	r := front.Value.(*Rollup)
	c.reqLRU.Remove(front)
	delete(c.rollups, r.RequestID)
	c.counters.EvictedRequests++
}

// sweepIdle retires contexts whose last touch is older than the idle
// timeout. Runs at most once per half timeout of event time.
func (c *Correlator) sweepIdle() {
	idle := uint64(c.cfg.IdleTimeout.Nanoseconds())
	if idle == 0 || c.latestTS-c.lastSweep < idle/2 {
		return
	}
	c.lastSweep = c.latestTS

	for el := c.ctxLRU.Front(); el != nil; {
		next := el.Next()
		ctx := el.Value.(*Context)
		if c.latestTS-ctx.lastTouch > idle {
			c.retire(ctx)
		}
		el = next
	}
}

// Drain retires every remaining context. Called at shutdown before the
// summary is built.
func (c *Correlator) Drain() {
	for el := c.ctxLRU.Front(); el != nil; {
		next := el.Next()
		c.retire(el.Value.(*Context))
		el = next
	}
}

// Counters returns the accumulated anomaly counters.
func (c *Correlator) Counters() Counters {
	return c.counters
}

// Branches returns the recorded child→parent journal.
func (c *Correlator) Branches() []Branch {
	return c.branches
}

// Live returns the number of live (or retiring) contexts.
func (c *Correlator) Live() int {
	return len(c.contexts)
}

// Tracked returns the number of retained rollups.
func (c *Correlator) Tracked() int {
	return len(c.rollups)
}
