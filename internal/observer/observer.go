// Package observer mitigates the tracer's own footprint: it identifies the
// tracer's events so they can be excluded from the statistics (the probes
// see every process, including us writing the report), and measures the
// tracer's own resource cost over a run.
package observer

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Overhead is the tracer's own resource consumption during a run.
type Overhead struct {
	CPUUserMs      int64 `json:"cpu_user_ms"`
	CPUSystemMs    int64 `json:"cpu_system_ms"`
	MemoryRSSBytes int64 `json:"memory_rss_bytes"`
	DiskReadBytes  int64 `json:"disk_read_bytes"`
	DiskWriteBytes int64 `json:"disk_write_bytes"`
}

func (o Overhead) String() string {
	return fmt.Sprintf("cpu %dms user / %dms sys, rss %d KB, disk %d B read / %d B written",
		o.CPUUserMs, o.CPUSystemMs, o.MemoryRSSBytes/1024, o.DiskReadBytes, o.DiskWriteBytes)
}

// procSnapshot holds raw values from /proc/self/stat and /proc/self/io.
type procSnapshot struct {
	utime      uint64 // clock ticks
	stime      uint64
	rss        int64 // pages
	readBytes  int64
	writeBytes int64
}

// Tracker watches the tracer's own process.
type Tracker struct {
	selfPID int
	before  procSnapshot
}

// New creates a Tracker for the current process.
func New() *Tracker {
	return &Tracker{selfPID: os.Getpid()}
}

// SelfPID returns the tracer's own PID.
func (t *Tracker) SelfPID() int {
	return t.selfPID
}

// OwnEvent reports whether a probe event came from the tracer itself.
// Feeding our own report writes back into the statistics would inflate the
// measured amplification.
func (t *Tracker) OwnEvent(pid uint32) bool {
	return int(pid) == t.selfPID
}

// Start records the baseline resource usage. Call before the poll loop.
func (t *Tracker) Start() {
	t.before = readSelfSnapshot(t.selfPID)
}

// Overhead computes the delta since Start.
func (t *Tracker) Overhead() Overhead {
	after := readSelfSnapshot(t.selfPID)
	return Overhead{
		CPUUserMs:      ticksToMs(after.utime - t.before.utime),
		CPUSystemMs:    ticksToMs(after.stime - t.before.stime),
		MemoryRSSBytes: after.rss * int64(os.Getpagesize()),
		DiskReadBytes:  after.readBytes - t.before.readBytes,
		DiskWriteBytes: after.writeBytes - t.before.writeBytes,
	}
}

// ticksToMs converts clock ticks (typically 100 Hz) to milliseconds.
func ticksToMs(ticks uint64) int64 {
	// SC_CLK_TCK is 100 on virtually all Linux systems
	return int64(ticks) * 10
}

// readSelfSnapshot reads /proc/[pid]/stat and /proc/[pid]/io. Returns zero
// values for anything it cannot read.
func readSelfSnapshot(pid int) procSnapshot {
	var snap procSnapshot

	statData, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return snap
	}
	snap = parseProcStat(string(statData))

	// /proc/[pid]/io may require same-user or root; stat data is still useful.
	ioData, err := os.ReadFile(fmt.Sprintf("/proc/%d/io", pid))
	if err != nil {
		return snap
	}
	snap.readBytes, snap.writeBytes = parseProcIO(string(ioData))
	return snap
}

// parseProcStat extracts utime, stime, rss from /proc/[pid]/stat content.
func parseProcStat(content string) procSnapshot {
	var snap procSnapshot

	// Find end of comm field: last ")" in the line
	commEnd := strings.LastIndex(content, ")")
	if commEnd < 0 || commEnd+2 >= len(content) {
		return snap
	}

	fields := strings.Fields(content[commEnd+2:])
	// fields[0]=state, fields[11]=utime, fields[12]=stime, fields[21]=rss
	if len(fields) > 12 {
		snap.utime, _ = strconv.ParseUint(fields[11], 10, 64)
		snap.stime, _ = strconv.ParseUint(fields[12], 10, 64)
	}
	if len(fields) > 21 {
		snap.rss, _ = strconv.ParseInt(fields[21], 10, 64)
	}

	return snap
}

// parseProcIO extracts read_bytes and write_bytes from /proc/[pid]/io.
func parseProcIO(content string) (readBytes, writeBytes int64) {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.SplitN(line, ": ", 2)
		if len(fields) != 2 {
			continue
		}
		val, _ := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		switch fields[0] {
		case "read_bytes":
			readBytes = val
		case "write_bytes":
			writeBytes = val
		}
	}
	return
}
