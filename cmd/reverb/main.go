// reverb — multi-layer I/O amplification tracer.
//
// Consumes kernel probe events across five storage-stack layers, correlates
// them into per-request flows, and reports how many bytes actually hit the
// device for every byte the application asked to write.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	diffpkg "github.com/shuwens/reverb/internal/diff"
	"github.com/shuwens/reverb/internal/ebpf"
	"github.com/shuwens/reverb/internal/event"
	"github.com/shuwens/reverb/internal/live"
	mcpserver "github.com/shuwens/reverb/internal/mcp"
	"github.com/shuwens/reverb/internal/report"
	"github.com/shuwens/reverb/internal/source"
	"github.com/shuwens/reverb/internal/tracer"
)

var version = "0.1.0"

// traceFlags is the flag set shared by trace and replay.
type traceFlags struct {
	duration     int
	output       string
	format       string
	system       string
	workloadOnly bool
	noCorrelate  bool
	verbose      bool
	quiet        bool
	listen       string
	fanoutWindow time.Duration
	bpfObject    string
}

func (f *traceFlags) register(cmd *cobra.Command, withProbe bool) {
	cmd.Flags().IntVarP(&f.duration, "duration", "d", 0, "Trace for the given number of seconds (0 = until interrupted)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "-", "Output destination (- for stdout)")
	cmd.Flags().StringVar(&f.format, "format", "text", "Record format: text or json")
	cmd.Flags().StringVarP(&f.system, "system", "s", "", "Trace one storage system: minio, ceph, etcd, postgres, gluster")
	cmd.Flags().BoolVar(&f.workloadOnly, "workload-only", false, "Limit real-time records to object-storage workload events")
	cmd.Flags().BoolVar(&f.noCorrelate, "no-correlate", false, "Disable request correlation and roll-ups")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Include filenames in real-time output")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Disable real-time output, only show the summary")
	cmd.Flags().StringVar(&f.listen, "listen", "", "Serve live metrics and a record stream on this address (e.g. :9090)")
	cmd.Flags().DurationVar(&f.fanoutWindow, "fanout-window", 50*time.Millisecond, "Window for treating same-thread syscalls as one request's branches")
	if withProbe {
		cmd.Flags().StringVar(&f.bpfObject, "bpf-obj", "reverb_tracer.bpf.o", "Path to the compiled probe object")
	}
}

// build translates flags into a tracer config, sink, and optional live hub.
func (f *traceFlags) build() (tracer.Config, *report.Sink, *report.Progress, *live.Hub, error) {
	cfg := tracer.DefaultConfig()
	cfg.Duration = time.Duration(f.duration) * time.Second
	cfg.WorkloadOnly = f.workloadOnly
	cfg.Correlate = !f.noCorrelate
	cfg.Verbose = f.verbose
	cfg.Realtime = !f.quiet
	cfg.Correlation.FanoutWindow = f.fanoutWindow

	format, err := report.ParseFormat(f.format)
	if err != nil {
		return cfg, nil, nil, nil, &tracer.ConfigError{Detail: err.Error()}
	}
	cfg.Format = format

	system, err := event.ParseSystem(f.system)
	if err != nil {
		return cfg, nil, nil, nil, &tracer.ConfigError{Detail: err.Error()}
	}
	cfg.System = system

	sink, err := report.NewSink(f.output, format, f.verbose)
	if err != nil {
		return cfg, nil, nil, nil, err
	}

	progress := report.NewProgress(!f.quiet)

	var hub *live.Hub
	if f.listen != "" {
		hub = live.NewHub()
		addr := f.listen
		go func() {
			if err := hub.Serve(addr); err != nil {
				progress.Log("live endpoint failed: %v", err)
			}
		}()
	}
	return cfg, sink, progress, hub, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "reverb",
		Short: "Multi-layer I/O write amplification tracer",
		Long: `reverb — measure I/O write amplification across the storage stack.

Ingests kernel probe events from five layers (application syscalls,
storage-service daemons, VFS/page cache, filesystem journal, block I/O),
threads a request identity through them per kernel thread, and reports
per-request and aggregate amplification factors. A workload specialization
targets object-storage daemons whose PUTs fan out into erasure-coded
shards plus metadata sidecars.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// --- trace command ---
	var traceOpts traceFlags
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Attach the probes and trace live I/O",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sink, progress, hub, err := traceOpts.build()
			if err != nil {
				return err
			}
			defer sink.Close()

			loader := ebpf.NewLoader(traceOpts.verbose)
			probe, err := loader.Load(traceOpts.bpfObject)
			if err != nil {
				return err
			}
			defer probe.Close()

			src, err := source.NewRingbufSource(probe.Events(), probe.Drops())
			if err != nil {
				return err
			}
			defer src.Close()

			progress.Log("probes attached (object %s)", traceOpts.bpfObject)
			t := tracer.New(cfg, src, sink, progress, hub)
			return t.Run(cmd.Context())
		},
	}
	traceOpts.register(traceCmd, true)

	// --- replay command ---
	var replayOpts traceFlags
	replayCmd := &cobra.Command{
		Use:   "replay <capture-file>",
		Short: "Run a captured record stream through the analysis pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sink, progress, hub, err := replayOpts.build()
			if err != nil {
				return err
			}
			defer sink.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return &source.ProducerError{Op: "open capture", Err: err}
			}
			src := source.NewReplaySource(f)
			defer src.Close()

			t := tracer.New(cfg, src, sink, progress, hub)
			return t.Run(cmd.Context())
		},
	}
	replayOpts.register(replayCmd, false)

	// --- capabilities command ---
	capabilitiesCmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Show kernel probe support (BPF, BTF/CO-RE, ring buffers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			caps := ebpf.DetectCapabilities()
			fmt.Print(ebpf.FormatCapabilities(caps))

			btfInfo := ebpf.DetectBTF()
			fmt.Printf("Kernel: %s\n", btfInfo.KernelVersion)
			fmt.Printf("BTF: %v\n", btfInfo.Available)
			fmt.Printf("CO-RE: %v\n", btfInfo.CORESupport)
			return nil
		},
	}

	// --- diff command ---
	var diffOutput string
	diffCmd := &cobra.Command{
		Use:   "diff <baseline.json> <current.json>",
		Short: "Compare two JSON analyses and highlight amplification changes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseline, err := diffpkg.LoadAnalysis(args[0])
			if err != nil {
				return &tracer.ConfigError{Detail: err.Error()}
			}
			current, err := diffpkg.LoadAnalysis(args[1])
			if err != nil {
				return &tracer.ConfigError{Detail: err.Error()}
			}

			result := diffpkg.Compare(args[0], args[1], baseline, current)
			if diffOutput == "-" || diffOutput == "" {
				fmt.Print(diffpkg.FormatDiff(result))
				return nil
			}
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			return os.WriteFile(diffOutput, data, 0644)
		},
	}
	diffCmd.Flags().StringVarP(&diffOutput, "output", "o", "-", "Output diff file path (- for human-readable stdout)")

	// --- mcp command ---
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tracer over the Model Context Protocol (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := mcpserver.NewServer(version)
			return srv.Start(context.Background())
		},
	}

	rootCmd.AddCommand(traceCmd, replayCmd, capabilitiesCmd, diffCmd, mcpCmd)

	if err := rootCmd.Execute(); err != nil {
		var interrupted *tracer.InterruptedError
		if !errors.As(err, &interrupted) {
			fmt.Fprintln(os.Stderr, tracer.Fatalf(err))
		}
		os.Exit(tracer.ExitCode(err))
	}
}
