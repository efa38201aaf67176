package ebpf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// BTFInfo describes the BTF availability on the system.
type BTFInfo struct {
	Available     bool   `json:"available"`
	VmlinuxPath   string `json:"vmlinux_path,omitempty"`
	KernelVersion string `json:"kernel_version"`
	MajorVersion  int    `json:"major_version"`
	MinorVersion  int    `json:"minor_version"`
	CORESupport   bool   `json:"core_support"` // true if kernel >= 5.8
}

// DetectBTF checks for BTF availability.
func DetectBTF() *BTFInfo {
	info := &BTFInfo{}
	info.KernelVersion = readKernelVersion()
	info.MajorVersion, info.MinorVersion = parseKernelVersion(info.KernelVersion)

	btfPath := "/sys/kernel/btf/vmlinux"
	if _, err := os.Stat(btfPath); err == nil {
		info.Available = true
		info.VmlinuxPath = btfPath
	}

	// CO-RE requires kernel >= 5.8; the ring buffer map type does too.
	if info.MajorVersion > 5 || (info.MajorVersion == 5 && info.MinorVersion >= 8) {
		info.CORESupport = true
	}

	return info
}

// DetectCapabilities checks the kernel features the tracer needs: the BPF
// syscall, BTF, ring buffers, and the kprobe/tracepoint hook machinery.
func DetectCapabilities() map[string]bool {
	caps := make(map[string]bool)

	caps["bpf_syscall"] = fileExists("/proc/sys/kernel/unprivileged_bpf_disabled")
	caps["btf_vmlinux"] = fileExists("/sys/kernel/btf/vmlinux")
	caps["bpffs"] = fileExists("/sys/fs/bpf")

	kconfig := readKConfig()
	for _, opt := range []string{
		"CONFIG_BPF",
		"CONFIG_BPF_SYSCALL",
		"CONFIG_BPF_JIT",
		"CONFIG_BPF_EVENTS",
		"CONFIG_KPROBE_EVENTS",
		"CONFIG_TRACING",
		"CONFIG_DEBUG_INFO_BTF",
	} {
		caps[strings.ToLower(opt)] = kconfig[opt]
	}

	caps["kprobes"] = fileExists("/sys/kernel/debug/kprobes/list") ||
		fileExists("/sys/kernel/tracing/kprobe_events")
	caps["tracepoints"] = fileExists("/sys/kernel/debug/tracing/events") ||
		fileExists("/sys/kernel/tracing/events")

	info := DetectBTF()
	caps["ringbuf"] = info.CORESupport

	return caps
}

// CanTrace reports whether the full five-layer probe set can run.
func CanTrace(caps map[string]bool) bool {
	return caps["btf_vmlinux"] && caps["ringbuf"] && caps["kprobes"]
}

// FormatCapabilities returns a human-readable capabilities summary.
func FormatCapabilities(caps map[string]bool) string {
	var sb strings.Builder

	if CanTrace(caps) {
		sb.WriteString("Probe support: full five-layer tracing available\n\n")
	} else {
		sb.WriteString("Probe support: unavailable (see below)\n\n")
	}

	groups := []struct {
		title string
		keys  []string
	}{
		{"Core BPF", []string{"bpf_syscall", "bpffs", "config_bpf", "config_bpf_syscall", "config_bpf_jit"}},
		{"Hooks", []string{"config_bpf_events", "config_kprobe_events", "config_tracing", "kprobes", "tracepoints"}},
		{"BTF/CO-RE", []string{"btf_vmlinux", "config_debug_info_btf", "ringbuf"}},
	}

	for _, g := range groups {
		sb.WriteString(fmt.Sprintf("%s:\n", g.title))
		for _, key := range g.keys {
			status := "✗"
			if caps[key] {
				status = "✓"
			}
			sb.WriteString(fmt.Sprintf("  %s %s\n", status, key))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func readKernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(data))
	if len(fields) >= 3 {
		return fields[2]
	}
	return ""
}

func parseKernelVersion(version string) (int, int) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0
	}
	major, _ := strconv.Atoi(parts[0])
	// Minor might contain a dash (e.g., "8-generic")
	minorStr := parts[1]
	if idx := strings.IndexAny(minorStr, "-+~"); idx >= 0 {
		minorStr = minorStr[:idx]
	}
	minor, _ := strconv.Atoi(minorStr)
	return major, minor
}

func readKConfig() map[string]bool {
	configs := make(map[string]bool)

	paths := []string{
		fmt.Sprintf("/boot/config-%s", readKernelRelease()),
		"/proc/config.gz",
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "#") || line == "" {
				continue
			}
			if idx := strings.Index(line, "="); idx >= 0 {
				key := line[:idx]
				val := line[idx+1:]
				configs[key] = val == "y" || val == "m"
			}
		}
		break
	}
	return configs
}

func readKernelRelease() string {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
