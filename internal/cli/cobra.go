package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"dngpipe/internal/config"
	"dngpipe/internal/dng"
	"dngpipe/internal/pipeline"
	"dngpipe/internal/storage"
	"dngpipe/internal/tasks"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	var (
		threads     int
		tileSize    int
		memoryLimit byteSize
		forPreview  bool
	)

	rootCmd := &cobra.Command{
		Use:   "dngpipe",
		Short: "dngpipe applies DNG opcode lists and repairs bad pixels",
		Long: `dngpipe reads DNG files, applies their opcode lists stage by stage,
repairs bad pixels and exports developed images.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("threads") {
				root.cfg.Processing.ThreadsPerJob = threads
			}
			if flags.Changed("tile-size") {
				root.cfg.Processing.TileSize = tileSize
			}
			if memoryLimit.set {
				root.cfg.Processing.MemoryLimit = memoryLimit.text
			}
			if flags.Changed("preview") {
				root.cfg.Host.ForPreview = forPreview
			}
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.IntVar(&threads, "threads", 0, "worker goroutines per job (default from config)")
	pf.IntVar(&tileSize, "tile-size", 0, "processing tile edge in pixels (default from config)")
	pf.Var(&memoryLimit, "memory-limit", "pixel buffer budget per job, e.g. 512MiB or auto")
	pf.BoolVar(&forPreview, "preview", false, "build for preview: skip opcodes flagged skip-if-preview")

	rootCmd.AddCommand(newRepairCmd(root))
	rootCmd.AddCommand(newDevelopCmd(root))
	rootCmd.AddCommand(newInspectCmd(root))
	rootCmd.AddCommand(newMarkCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRepairCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "repair <input>...",
		Short: "Apply opcode list 1 and write repaired DNGs",
		Long: `Apply each file's stage 1 opcode list (bad pixel repair, gain maps,
bounds trimming) to the raw data and write <name>-repaired.dng with an empty
list 1. Directories are expanded to the DNG files they contain.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := expandInputs(args)
			if err != nil {
				return err
			}
			if output != "" && len(inputs) > 1 {
				return fmt.Errorf("--output needs a single input file, got %d", len(inputs))
			}
			jobs := make([]pipeline.Job, len(inputs))
			for i, in := range inputs {
				jobs[i] = pipeline.Job{
					ID:        newID("repair"),
					Type:      pipeline.JobRepair,
					InputPath: in,
					Output:    output,
					Options:   map[string]any{"source": "cli"},
				}
			}
			results, err := root.enqueueAllAndWait(cmd.Context(), jobs)
			w := cmd.OutOrStdout()
			for _, res := range results {
				if res.Meta == nil || res.Error != nil {
					continue
				}
				fmt.Fprintf(w, "%s: %v opcodes applied, %v pixels repaired, %v unrepaired -> %v\n",
					filepath.Base(res.Job.InputPath), res.Meta["opcodesApplied"],
					res.Meta["pixelsRepaired"], res.Meta["pixelsFailed"], res.Meta["output"])
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (single input only; default <input>-repaired.dng)")
	return cmd
}

func newDevelopCmd(root *Root) *cobra.Command {
	var (
		outputDir   string
		tiff        bool
		jpeg        bool
		gamma       bool
		quality     int
		previewSize int
	)

	cmd := &cobra.Command{
		Use:   "develop <input>...",
		Short: "Build stage 3 images and export TIFF and/or JPEG",
		Long: `Run each DNG through all three opcode stages and export the stage 3
image as a 16-bit TIFF and/or a JPEG preview. Unset flags fall back to the
export section of the config.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := expandInputs(args)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			opts := map[string]any{"source": "cli"}
			if flags.Changed("tiff") {
				opts["tiff"] = tiff
			}
			if flags.Changed("jpeg") {
				opts["jpeg"] = jpeg
			}
			if flags.Changed("gamma") {
				opts["gamma"] = gamma
			}
			if flags.Changed("quality") {
				if quality < 1 || quality > 100 {
					return fmt.Errorf("--quality must be 1-100, got %d", quality)
				}
				opts["quality"] = quality
			}
			if flags.Changed("preview-size") {
				opts["previewSize"] = previewSize
			}

			jobs := make([]pipeline.Job, len(inputs))
			for i, in := range inputs {
				jobs[i] = pipeline.Job{
					ID:        newID("develop"),
					Type:      pipeline.JobDevelop,
					InputPath: in,
					Output:    outputDir,
					Options:   opts,
				}
			}
			results, err := root.enqueueAllAndWait(cmd.Context(), jobs)
			w := cmd.OutOrStdout()
			for _, res := range results {
				if res.Error != nil || res.Meta == nil {
					continue
				}
				outs, _ := res.Meta["outputs"].([]string)
				fmt.Fprintf(w, "%s: %vx%v -> %s\n", filepath.Base(res.Job.InputPath),
					res.Meta["width"], res.Meta["height"], strings.Join(outs, ", "))
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&outputDir, "output-dir", "o", "", "directory for exported files (default: next to the input)")
	f.BoolVar(&tiff, "tiff", false, "write a 16-bit TIFF")
	f.BoolVar(&jpeg, "jpeg", false, "write a JPEG preview")
	f.BoolVar(&gamma, "gamma", false, "apply sRGB gamma to exports")
	f.IntVarP(&quality, "quality", "q", 0, "JPEG quality 1-100")
	f.IntVar(&previewSize, "preview-size", 0, "longest JPEG edge in pixels, 0 keeps full size")
	return cmd
}

func newInspectCmd(root *Root) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect <file>...",
		Short: "Show raw image metadata and decoded opcode lists",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs := make([]pipeline.Job, len(args))
			for i, in := range args {
				jobs[i] = pipeline.Job{
					ID:        newID("inspect"),
					Type:      pipeline.JobInspect,
					InputPath: in,
					Options:   map[string]any{"source": "cli"},
				}
			}
			results, err := root.enqueueAllAndWait(cmd.Context(), jobs)
			w := cmd.OutOrStdout()
			for _, res := range results {
				if res.Error != nil || res.Meta == nil {
					continue
				}
				if asJSON {
					enc := json.NewEncoder(w)
					enc.SetIndent("", "  ")
					if err := enc.Encode(map[string]any{"path": res.Job.InputPath, "info": res.Meta}); err != nil {
						return err
					}
					continue
				}
				printInspect(w, res)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printInspect(w io.Writer, res pipeline.Result) {
	m := res.Meta
	fmt.Fprintf(w, "%s\n", res.Job.InputPath)
	if model, _ := m["model"].(string); model != "" {
		fmt.Fprintf(w, "  model:       %s\n", model)
	}
	fmt.Fprintf(w, "  size:        %vx%v, %v plane(s)\n", m["width"], m["height"], m["planes"])
	if v, _ := m["dngVersion"].(string); v != "" {
		fmt.Fprintf(w, "  dng version: %s\n", v)
	}
	fmt.Fprintf(w, "  readable:    %v\n", m["readable"])
	lists, _ := m["lists"].([3][]tasks.OpcodeInfo)
	for i, list := range lists {
		if len(list) == 0 {
			continue
		}
		fmt.Fprintf(w, "  opcode list %d:\n", i+1)
		for _, op := range list {
			flags := ""
			if op.Optional {
				flags += " optional"
			}
			if op.SkipIfPreview {
				flags += " skip-if-preview"
			}
			fmt.Fprintf(w, "    %d. %s (v%s, %s)%s", op.Index, op.Name, op.MinVersion, humanize.IBytes(uint64(op.PayloadBytes)), flags)
			if op.Detail != "" {
				fmt.Fprintf(w, " %s", op.Detail)
			}
			fmt.Fprintln(w)
		}
	}
}

func newMarkCmd(root *Root) *cobra.Command {
	var (
		output   string
		points   pointList
		rects    rectList
		sentinel uint32
		constant bool
	)

	cmd := &cobra.Command{
		Use:   "mark <input>",
		Short: "Add bad pixel opcodes to a DNG's opcode list 1",
		Long: `Write a copy of a Bayer DNG whose opcode list 1 carries a
FixBadPixelsList built from --point and --rect, and optionally pixels equal
to --sentinel. With --constant the sentinel becomes a FixBadPixelsConstant
opcode instead.`,
		Example: `  dngpipe mark shot.dng --point 120,431 --rect 0,512,4,520
  dngpipe mark shot.dng --sentinel 0 --constant`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hasSentinel := cmd.Flags().Changed("sentinel")
			if len(points) == 0 && len(rects) == 0 && !hasSentinel {
				return fmt.Errorf("nothing to mark: use --point, --rect or --sentinel")
			}
			if constant && !hasSentinel {
				return fmt.Errorf("--constant needs --sentinel")
			}
			opts := map[string]any{
				"source":   "cli",
				"points":   []dng.Point(points),
				"rects":    []dng.Rect(rects),
				"constant": constant,
			}
			if hasSentinel {
				opts["sentinel"] = sentinel
			}
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("mark"),
				Type:      pipeline.JobMark,
				InputPath: args[0],
				Output:    output,
				Options:   opts,
			})
			if err != nil {
				return err
			}
			m := res.Meta
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v point(s), %v rect(s), %v detected, constant=%v -> %v\n",
				filepath.Base(args[0]), m["points"], m["rects"], m["detected"], m["constant"], m["output"])
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "", "output path (default <input>-marked.dng)")
	f.Var(&points, "point", "bad pixel as row,col (repeatable)")
	f.Var(&rects, "rect", "bad rectangle as top,left,bottom,right, exclusive (repeatable)")
	f.Uint32Var(&sentinel, "sentinel", 0, "mark every active-area pixel holding this raw value")
	f.BoolVar(&constant, "constant", false, "encode --sentinel as FixBadPixelsConstant")
	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [directory]",
		Short: "Summarise the opcode lists of every DNG under a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Paths.DefaultInput
			if len(args) > 0 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("no directory given and paths.default_input is unset")
			}
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("scan"),
				Type:      pipeline.JobScan,
				InputPath: dir,
				Options:   map[string]any{"source": "cli"},
			})
			if err != nil {
				return err
			}
			m := res.Meta
			w := cmd.OutOrStdout()
			var total uint64
			if n, ok := m["totalBytes"].(int64); ok && n > 0 {
				total = uint64(n)
			}
			fmt.Fprintf(w, "%s: %v file(s), %s, %v failed, %v unreadable\n",
				dir, m["files"], humanize.IBytes(total), m["failed"], m["unreadable"])
			counts, _ := m["opcodes"].(map[string]int)
			for _, name := range (tasks.ScanResult{Opcodes: counts}).OpcodeNames() {
				fmt.Fprintf(w, "  %-28s %d\n", name, counts[name])
			}
			return nil
		},
	}
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [directory]",
		Short: "Repair DNG files as they arrive in an inbox directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Paths.Inbox
			if len(args) > 0 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("no directory given and paths.inbox is unset")
			}
			return root.watchFn(cmd.Context(), dir)
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var opt serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, websocket progress feed and gRPC health service",
		Long: `Start an HTTP server for submitting and monitoring jobs, a websocket
feed of results and tile progress at /ws, and the standard gRPC health
service. With --watch, DNGs dropped into the directory are repaired.

Examples:
  dngpipe serve
  dngpipe serve --addr :8080 --grpc-addr :9090 --watch ~/inbox`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				opt.HTTPAddr = root.cfg.Server.HTTPAddr
			}
			if !cmd.Flags().Changed("grpc-addr") {
				opt.GRPCAddr = root.cfg.Server.GRPCAddr
			}
			root.log.Info("starting server",
				"addr", opt.HTTPAddr,
				"grpc_addr", opt.GRPCAddr,
				"inbox", opt.Inbox,
			)
			return root.serveFn(cmd.Context(), opt, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&opt.HTTPAddr, "addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&opt.GRPCAddr, "grpc-addr", "", "gRPC listen address, empty disables (default from config)")
	cmd.Flags().StringVar(&opt.Inbox, "watch", "", "inbox directory to repair new DNGs from")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout())
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.cmdVersion(cmd.OutOrStdout())
		},
	}
}
