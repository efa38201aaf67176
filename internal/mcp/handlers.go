package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/shuwens/reverb/internal/ebpf"
	"github.com/shuwens/reverb/internal/event"
	"github.com/shuwens/reverb/internal/report"
	"github.com/shuwens/reverb/internal/source"
	"github.com/shuwens/reverb/internal/tracer"
)

// maxTraceDuration caps tool-initiated runs.
const maxTraceDuration = 120 * time.Second

// defaultProbeObject is the compiled probe looked up when the tool caller
// does not name one.
const defaultProbeObject = "reverb_tracer.bpf.o"

// handleTraceAmplification runs a bounded trace and returns the analysis.
func handleTraceAmplification(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)

	duration := time.Duration(numberArg(args, "duration_seconds", 10)) * time.Second
	if duration <= 0 {
		duration = 10 * time.Second
	}
	if duration > maxTraceDuration {
		duration = maxTraceDuration
	}

	system, err := event.ParseSystem(stringArg(args, "system", ""))
	if err != nil {
		return errResult(err.Error()), nil
	}

	cfg := tracer.DefaultConfig()
	cfg.Duration = duration
	cfg.System = system
	cfg.WorkloadOnly = boolArg(args, "workload_only", false)
	cfg.Realtime = false // stdio carries the protocol; only the analysis goes back

	loader := ebpf.NewLoader(false)
	probe, err := loader.Load(stringArg(args, "bpf_object", defaultProbeObject))
	if err != nil {
		return errResult(fmt.Sprintf("probe load failed: %v", err)), nil
	}
	defer probe.Close()

	src, err := source.NewRingbufSource(probe.Events(), probe.Drops())
	if err != nil {
		return errResult(fmt.Sprintf("ring buffer attach failed: %v", err)), nil
	}
	defer src.Close()

	sink := report.NewWriterSink(io.Discard, report.FormatJSON, false)
	t := tracer.New(cfg, src, sink, report.NewProgress(false), nil)

	ctx, cancel := context.WithTimeout(ctx, duration+10*time.Second)
	defer cancel()
	if err := t.Run(ctx); err != nil {
		return errResult(fmt.Sprintf("trace failed: %v", err)), nil
	}

	jsonData, err := json.Marshal(t.Analysis())
	if err != nil {
		return errResult(fmt.Sprintf("json marshal failed: %v", err)), nil
	}
	return newTextResult(string(jsonData)), nil
}

// handleGetCapabilities reports probe support on this kernel.
func handleGetCapabilities(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caps := ebpf.DetectCapabilities()
	btf := ebpf.DetectBTF()

	result := map[string]interface{}{
		"can_trace":      ebpf.CanTrace(caps),
		"capabilities":   caps,
		"kernel_version": btf.KernelVersion,
		"btf_available":  btf.Available,
		"core_support":   btf.CORESupport,
	}
	jsonData, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errResult(fmt.Sprintf("json marshal failed: %v", err)), nil
	}
	return newTextResult(string(jsonData)), nil
}

// getArgs safely extracts the arguments map from a CallToolRequest.
// Returns an empty map if Arguments is nil or not a map.
func getArgs(request mcp.CallToolRequest) map[string]interface{} {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return args
}

// stringArg extracts a string argument with a default value.
func stringArg(args map[string]interface{}, key, defaultVal string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return defaultVal
	}
	s, ok := val.(string)
	if !ok || s == "" {
		return defaultVal
	}
	return s
}

// numberArg extracts a numeric argument with a default value.
func numberArg(args map[string]interface{}, key string, defaultVal float64) float64 {
	val, ok := args[key]
	if !ok || val == nil {
		return defaultVal
	}
	f, ok := val.(float64)
	if !ok {
		return defaultVal
	}
	return f
}

// boolArg extracts a boolean argument with a default value.
func boolArg(args map[string]interface{}, key string, defaultVal bool) bool {
	val, ok := args[key]
	if !ok || val == nil {
		return defaultVal
	}
	b, ok := val.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

// newTextResult creates a successful MCP tool result with text content.
func newTextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

// errResult creates an MCP tool error result (IsError=true).
func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
	}
}
