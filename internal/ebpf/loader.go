// Package ebpf loads the multi-layer probe object, attaches its hook
// points, and detects BTF/CO-RE support for graceful degradation.
package ebpf

import (
	"fmt"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
)

// EventsMapName is the ring buffer map the probe object must export.
const EventsMapName = "events"

// DropsMapName is the optional overflow counter map.
const DropsMapName = "dropped_events"

// LoadedProbe is the running probe set: one collection, many attach points.
type LoadedProbe struct {
	Collection *ebpf.Collection
	links      []link.Link
}

// Events returns the ring buffer map.
func (p *LoadedProbe) Events() *ebpf.Map {
	return p.Collection.Maps[EventsMapName]
}

// Drops returns the overflow counter map, or nil when the object has none.
func (p *LoadedProbe) Drops() *ebpf.Map {
	return p.Collection.Maps[DropsMapName]
}

// Close detaches every hook and releases the collection.
func (p *LoadedProbe) Close() error {
	for _, l := range p.links {
		l.Close()
	}
	if p.Collection != nil {
		p.Collection.Close()
	}
	return nil
}

// LoadError represents a probe load or attach failure.
type LoadError struct {
	Stage string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loader handles loading the compiled probe object.
type Loader struct {
	btfInfo *BTFInfo
	verbose bool
}

// NewLoader creates a probe loader.
func NewLoader(verbose bool) *Loader {
	return &Loader{
		btfInfo: DetectBTF(),
		verbose: verbose,
	}
}

// CanLoad returns whether the system supports CO-RE probe loading.
func (l *Loader) CanLoad() bool {
	return l.btfInfo.Available && l.btfInfo.CORESupport
}

// BTF returns the detected BTF state.
func (l *Loader) BTF() *BTFInfo {
	return l.btfInfo
}

// Load reads the compiled probe object at path, loads it into the kernel,
// and attaches every program by its section name. Supported section forms:
// kprobe/<sym>, kretprobe/<sym>, tracepoint/<category>/<name>.
func (l *Loader) Load(path string) (*LoadedProbe, error) {
	if !l.CanLoad() {
		return nil, &LoadError{
			Stage: "precheck",
			Err:   fmt.Errorf("BTF/CO-RE not available (kernel %s)", l.btfInfo.KernelVersion),
		}
	}

	// The ring buffer and hash maps need locked memory on older kernels.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, &LoadError{Stage: "memlock", Err: err}
	}

	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, &LoadError{Stage: "load spec", Err: err}
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, &LoadError{Stage: "load collection", Err: err}
	}

	probe := &LoadedProbe{Collection: coll}
	if probe.Events() == nil {
		probe.Close()
		return nil, &LoadError{Stage: "maps", Err: fmt.Errorf("map %q not found in %s", EventsMapName, path)}
	}

	for name, progSpec := range spec.Programs {
		prog := coll.Programs[name]
		if prog == nil {
			continue
		}
		lnk, err := attach(progSpec.SectionName, prog)
		if err != nil {
			probe.Close()
			return nil, &LoadError{Stage: "attach " + progSpec.SectionName, Err: err}
		}
		if lnk != nil {
			probe.links = append(probe.links, lnk)
		}
	}

	if len(probe.links) == 0 {
		probe.Close()
		return nil, &LoadError{Stage: "attach", Err: fmt.Errorf("no attachable programs in %s", path)}
	}
	return probe, nil
}

func attach(section string, prog *ebpf.Program) (link.Link, error) {
	switch {
	case strings.HasPrefix(section, "kprobe/"):
		return link.Kprobe(strings.TrimPrefix(section, "kprobe/"), prog, nil)
	case strings.HasPrefix(section, "kretprobe/"):
		return link.Kretprobe(strings.TrimPrefix(section, "kretprobe/"), prog, nil)
	case strings.HasPrefix(section, "tracepoint/"):
		parts := strings.SplitN(strings.TrimPrefix(section, "tracepoint/"), "/", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed tracepoint section %q", section)
		}
		return link.Tracepoint(parts[0], parts[1], prog, nil)
	}
	// Unknown section types are loaded but not attached.
	return nil, nil
}
