// Command bloaty scans one or more binaries and reports what's taking up
// space in them, broken down by whichever data sources (-d) were
// requested and sorted/truncated the way -n and -s say.
package main

import (
	"fmt"
	"os"

	"github.com/xyproto/bloaty/internal/config"
	"github.com/xyproto/bloaty/internal/report"
	"github.com/xyproto/bloaty/internal/rollup"
	"github.com/xyproto/bloaty/internal/scan"
)

const versionString = "bloaty 1.0.0"

func main() {
	opts, err := config.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bloaty: %v\n", err)
		os.Exit(1)
	}

	if opts.Version {
		fmt.Println(versionString)
		return
	}

	if opts.Help {
		config.Usage(os.Stdout)
		return
	}

	if opts.ListSources {
		for _, name := range config.ListSourceNames() {
			fmt.Println(name)
		}
		return
	}

	if len(opts.Filenames) == 0 {
		fmt.Fprintln(os.Stderr, "bloaty: no input files")
		config.Usage(os.Stderr)
		os.Exit(1)
	}

	sources, inputFiles, err := opts.ResolveSources()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bloaty: %v\n", err)
		os.Exit(1)
	}

	scanOpts, err := opts.ScanOptions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bloaty: %v\n", err)
		os.Exit(1)
	}

	current, err := scan.Run(opts.Filenames, sources, inputFiles, scanOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bloaty: %v\n", err)
		os.Exit(1)
	}

	var out *rollup.Output
	if len(opts.BaseFilenames) > 0 {
		base, err := scan.Run(opts.BaseFilenames, sources, inputFiles, scanOpts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bloaty: %v\n", err)
			os.Exit(1)
		}
		out = rollup.Diff(current, base, opts.RollupOptions())
	} else {
		out = current.CreateOutput(opts.RollupOptions())
	}

	if err := report.Write(os.Stdout, out, opts.Format); err != nil {
		fmt.Fprintf(os.Stderr, "bloaty: %v\n", err)
		os.Exit(1)
	}
}
