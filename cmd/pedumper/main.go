package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mjwhitta/cli"
	"golang.org/x/term"

	"github.com/ineffectivecoder/pedumper/pkg/debug"
	"github.com/ineffectivecoder/pedumper/pkg/dump"
	"github.com/ineffectivecoder/pedumper/pkg/minidump"
)

// Version info
const (
	Version = "0.1.0"
)

// ASCII banner
const peBanner = `
  ____  _____ ____
 |  _ \| ____|  _ \ _   _ _ __ ___  _ __   ___ _ __
 | |_) |  _| | | | | | | | '_ ` + "`" + ` _ \| '_ \ / _ \ '__|
 |  __/| |___| |_| | |_| | | | | | | |_) |  __/ |
 |_|   |_____|____/ \__,_|_| |_| |_| .__/ \___|_|
                                   |_|  v%s
        PE reconstruction from memory captures
`

// Colors for output
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// Global state
var (
	verbose  bool
	useColor = term.IsTerminal(int(os.Stdout.Fd()))
)

func main() {
	var (
		files   string
		baseStr string
		pidsStr string
		kernel  bool
		outDir  string
		live    bool
		inspect bool
	)

	// Configure CLI
	cli.Align = true
	cli.Banner = "pedumper [OPTIONS]"
	cli.Info("Reconstruct PE files from process or kernel memory")
	cli.Authors = []string{"SMBGooser Team"}

	// Define flags
	cli.Flag(&files, "f", "file", "", "Minidump capture file(s), comma separated")
	cli.Flag(&baseStr, "b", "base", "", "Base address of the PE image (hex or decimal)")
	cli.Flag(&pidsStr, "p", "pid", "", "Process IDs to include, comma separated")
	cli.Flag(&kernel, "k", "kernel-module", false, "Extract from kernel session space")
	cli.Flag(&outDir, "o", "out", ".", "Output directory for reconstructed files")
	cli.Flag(&live, "L", "live", false, "Read live processes instead of capture files (Windows only)")
	cli.Flag(&inspect, "i", "inspect", false, "Print capture file streams and modules, then exit")
	cli.Flag(&verbose, "v", "verbose", false, "Verbose output")

	cli.Parse()

	printBanner()
	debug.Verbose = verbose

	capturePaths := splitList(files)

	if inspect {
		if len(capturePaths) == 0 {
			error_("Missing capture file (-f)")
			cli.Usage(1)
		}
		inspectCaptures(capturePaths)
		return
	}

	if baseStr == "" {
		error_("Missing base address (-b)")
		cli.Usage(1)
	}
	base, err := strconv.ParseUint(baseStr, 0, 64)
	if err != nil {
		// Accept bare hex without the 0x prefix
		base, err = strconv.ParseUint(baseStr, 16, 64)
	}
	if err != nil {
		error_("Invalid base address: %s", baseStr)
		cli.Usage(1)
	}

	pids, err := parsePids(pidsStr)
	if err != nil {
		error_("%v", err)
		cli.Usage(1)
	}

	opts := dump.Options{Base: base, PIDs: pids, KernelModule: kernel}
	if err := opts.Validate(); err != nil {
		error_("Only --kernel-module or --pid should be set, and one must be")
		cli.Usage(1)
	}

	procs, sessions, err := buildProviders(capturePaths, live, kernel)
	if err != nil {
		error_("%v", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		error_("Cannot create output directory: %v", err)
		os.Exit(1)
	}

	orch := &dump.Orchestrator{Sink: dump.FileSink{Dir: outDir}}
	stream, err := orch.Run(opts, procs, sessions)
	if errors.Is(err, dump.ErrNoSessionSpace) {
		warn_("Unable to find a session space with the provided base address mapped")
		return
	}
	if err != nil {
		error_("%v", err)
		os.Exit(1)
	}

	printResults(stream)
}

// buildProviders picks the process and session sources: live Windows
// enumeration or a set of capture files.
func buildProviders(paths []string, live, kernel bool) (dump.ProcessLister, dump.SessionLister, error) {
	if live {
		if kernel {
			return nil, nil, fmt.Errorf("kernel-module mode requires capture files; live kernel memory is not readable from user mode")
		}
		procs, err := liveProcesses()
		if err != nil {
			return nil, nil, err
		}
		return procs, nil, nil
	}

	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("no capture files given (-f) and live mode not selected")
	}
	set, err := minidump.OpenAll(paths)
	if err != nil {
		return nil, nil, err
	}
	return set, set, nil
}

// printResults renders the dump rows as an aligned table, draining
// the stream as it goes.
func printResults(stream *dump.ResultStream) {
	fmt.Printf("%s%-8s %-24s %s%s\n", colorize(colorBold), "PID", "Process", "File output", colorize(colorReset))

	count := 0
	for {
		result, ok := stream.Next()
		if !ok {
			break
		}
		count++
		fmt.Printf("%-8d %-24s %s\n", result.ID, result.Label, result.Output)
	}

	fmt.Println()
	if count == 0 {
		warn_("No PE images were reconstructed (run with -v for details)")
	} else {
		success_("Reconstructed %d PE image(s)", count)
	}
}

// inspectCaptures prints each capture's identity, modules, and memory
// layout summary.
func inspectCaptures(paths []string) {
	for _, path := range paths {
		capture, err := minidump.Open(path)
		if err != nil {
			error_("%v", err)
			continue
		}
		d := capture.Dump

		info_("%s", path)
		fmt.Printf("  Windows build:  %s\n", d.GetBuildVersion())
		fmt.Printf("  Process:        %s (pid %d)\n", capture.Name(), d.ProcessId)
		fmt.Printf("  Memory ranges:  %d\n", len(d.MemoryRanges))
		fmt.Printf("  Modules:        %d\n", len(d.Modules))
		for _, mod := range d.Modules {
			fmt.Printf("    %#014x  %8d  %s\n", mod.BaseOfImage, mod.SizeOfImage, mod.ModuleName)
		}
		fmt.Println()
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePids(s string) ([]int, error) {
	var pids []int
	for _, part := range splitList(s) {
		pid, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid pid: %s", part)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func printBanner() {
	fmt.Printf(colorize(colorCyan)+peBanner+colorize(colorReset), Version)
	fmt.Println()
}

func colorize(code string) string {
	if !useColor {
		return ""
	}
	return code
}

func info_(format string, args ...interface{}) {
	fmt.Printf(colorize(colorCyan)+"[*]"+colorize(colorReset)+" "+format+"\n", args...)
}

func success_(format string, args ...interface{}) {
	fmt.Printf(colorize(colorGreen)+"[+]"+colorize(colorReset)+" "+format+"\n", args...)
}

func error_(format string, args ...interface{}) {
	fmt.Printf(colorize(colorRed)+"[!]"+colorize(colorReset)+" "+format+"\n", args...)
}

func warn_(format string, args ...interface{}) {
	fmt.Printf(colorize(colorYellow)+"[-]"+colorize(colorReset)+" "+format+"\n", args...)
}
