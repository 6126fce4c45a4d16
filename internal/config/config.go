// Package config turns a CLI argument list (and an optional -c config
// file) into the fully-resolved options internal/scan and internal/report
// need, the same way main.go's flag block resolves its own aliased
// short/long flags before anything downstream sees them: declare every
// flag with flag.*, call Parse, then flag.Visit to tell "the user typed
// this" apart from "this happens to equal the default".
package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	env "github.com/xyproto/env/v2"

	"github.com/xyproto/bloaty/internal/bloatyerr"
	"github.com/xyproto/bloaty/internal/demangle"
	"github.com/xyproto/bloaty/internal/report"
	"github.com/xyproto/bloaty/internal/rollup"
	"github.com/xyproto/bloaty/internal/scan"
	"github.com/xyproto/bloaty/internal/sink"
)

// Rewrite is one custom-source regex rule as it appears in a
// --custom-data-source definition or its config-file equivalent.
type Rewrite struct {
	Pattern     string
	Replacement string
}

// CustomSource names a new data source built by rewriting an existing
// one's labels before they reach the rollup.
type CustomSource struct {
	Name           string
	BaseDataSource string
	Rewrites       []Rewrite
}

// Options is the fully-resolved option set a run needs, regardless of
// whether each value came from a flag, a config file, or a built-in
// default. A config file is applied after the flags, so its values replace
// flag values for the same option; flags do not take precedence over it.
type Options struct {
	Filenames     []string
	BaseFilenames []string

	DataSourceNames []string
	CustomSources   []CustomSource

	SortBy          rollup.SortBy
	MaxRowsPerLevel int
	Demangle        demangle.Mode
	Format          report.Format
	SourceFilter    string
	DebugFile       string
	ConfigFile      string
	Debug           int
	ListSources     bool
	Help            bool
	Version         bool
}

// Default returns the option set a run starts from before any flag or
// config-file value is applied, matching real bloaty's own defaults.
func Default() Options {
	return Options{
		DataSourceNames: []string{"sections", "compileunits"},
		SortBy:          rollup.SortByBoth,
		MaxRowsPerLevel: 20,
		Demangle:        demangle.Short,
	}
}

// multiFlag accumulates repeated or comma-separated -d values in
// declaration order, e.g. "-d segments -d symbols" and "-d segments,symbols"
// both produce ["segments","symbols"].
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*m = append(*m, part)
		}
	}
	return nil
}

// ParseArgs parses a CLI argument list (conventionally os.Args[1:]) into
// Options. A bare "--" separator marks the end of current filenames and
// the start of diff-baseline filenames, matching real bloaty's two-list
// convention.
func ParseArgs(args []string) (Options, error) {
	opts := Default()

	fs := flag.NewFlagSet("bloaty", flag.ContinueOnError)

	var dFlag multiFlag
	fs.Var(&dFlag, "d", "data source(s) to scan, comma-separated or repeated")
	domainFlag := fs.String("domain", "", "alias for -d")

	n := fs.Int("n", opts.MaxRowsPerLevel, "max rows per level before collapsing into [N Others]")
	sFlag := fs.String("s", "both", "sort by: vm, file, both")
	sortByLong := fs.String("sort", "", "alias for -s")

	csvFlag := fs.Bool("csv", false, "output in CSV format")
	tsvFlag := fs.Bool("tsv", false, "output in TSV format")

	demangleFlag := fs.String("demangle", "short", "demangle mode: none, short, full")
	cShort := fs.String("C", "", "alias for --demangle")

	cFlag := fs.String("c", "", "read options from this config file")
	cLongFlag := fs.String("config", "", "alias for -c")

	sourceFilter := fs.String("source-filter", "", "only report symbols/sections matching this regex")
	debugFile := fs.String("debug-file", "", "supply a stripped binary's symbols/debug info from this companion file")

	listSources := fs.Bool("list-sources", false, "list built-in data sources and exit")
	help := fs.Bool("h", false, "print usage and exit")
	helpLong := fs.Bool("help", false, "print usage and exit")
	version := fs.Bool("version", false, "print version information and exit")

	v := fs.Bool("v", false, "verbose (repeat -v for more detail)")
	vv := fs.Bool("vv", false, "more verbose than -v")
	vvv := fs.Bool("vvv", false, "most verbose")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts.Help = *help || *helpLong
	opts.Version = *version
	opts.ListSources = *listSources

	if len(dFlag) > 0 {
		opts.DataSourceNames = []string(dFlag)
	}
	if *domainFlag != "" {
		opts.DataSourceNames = strings.Split(*domainFlag, ",")
	}

	opts.MaxRowsPerLevel = *n

	sortValue := *sFlag
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "sort" {
			sortValue = *sortByLong
		}
	})
	sortBy, err := parseSortBy(sortValue)
	if err != nil {
		return opts, err
	}
	opts.SortBy = sortBy

	format, err := report.ParseFormat(*csvFlag, *tsvFlag)
	if err != nil {
		return opts, bloatyerr.Wrap(bloatyerr.Configuration, "", 0, err)
	}
	opts.Format = format

	demangleValue := *demangleFlag
	if *cShort != "" {
		demangleValue = *cShort
	}
	mode, ok := demangle.ParseMode(demangleValue)
	if !ok {
		return opts, bloatyerr.New(bloatyerr.Configuration, "unknown --demangle mode %q", demangleValue)
	}
	opts.Demangle = mode

	opts.ConfigFile = firstNonEmpty(*cFlag, *cLongFlag, env.Str("BLOATY_CONFIG", ""))
	opts.SourceFilter = *sourceFilter
	opts.DebugFile = firstNonEmpty(*debugFile, env.Str("BLOATY_DEBUG_FILE", ""))
	opts.Debug = verbosity(*v, *vv, *vvv)

	rest := fs.Args()
	opts.Filenames, opts.BaseFilenames = splitBaseline(rest)

	if opts.ConfigFile != "" {
		if err := applyConfigFile(&opts, opts.ConfigFile); err != nil {
			return opts, err
		}
	}

	return opts, nil
}

func verbosity(v, vv, vvv bool) int {
	switch {
	case vvv:
		return 3
	case vv:
		return 2
	case v:
		return 1
	default:
		return 0
	}
}

func parseSortBy(s string) (rollup.SortBy, error) {
	switch s {
	case "vm":
		return rollup.SortByVM, nil
	case "file":
		return rollup.SortByFile, nil
	case "both", "":
		return rollup.SortByBoth, nil
	default:
		return rollup.SortByBoth, bloatyerr.New(bloatyerr.Configuration, "unknown -s value %q (want vm, file, or both)", s)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// splitBaseline pulls a trailing "--" out of args, treating everything
// after it as baseline files for diff mode.
func splitBaseline(args []string) (current, baseline []string) {
	for i, a := range args {
		if a == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

// expandEnv resolves $VAR and ${VAR} references inside a config-file
// value, the same way a shell would before handing bloaty its argv --
// env.Str supplies the lookup so an unset variable expands to "" rather
// than os.Expand's own literal-dollar-sign fallback.
func expandEnv(value string) string {
	return os.Expand(value, func(name string) string { return env.Str(name, "") })
}

// applyConfigFile loads key=value pairs from path into opts, after the
// flags have been parsed. Each key overwrites the option's current value,
// whether that came from a flag or the default; filename, base-filename
// and data_source values are appended to the existing lists instead. One
// assignment per line; blank lines and lines starting with "#" are
// ignored. Recognized keys: filename, base-filename, data_source, sort,
// max-rows-per-level, demangle, source-filter, debug-file, format. Values may reference $VAR/${VAR} environment
// variables, expanded via expandEnv before the key is interpreted.
func applyConfigFile(opts *Options, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return bloatyerr.Wrap(bloatyerr.Configuration, path, 0, err)
	}
	defer f.Close()

	lineNo := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return bloatyerr.At(bloatyerr.Configuration, path, int64(lineNo), "expected key=value, got %q", line)
		}
		key, value = strings.TrimSpace(key), expandEnv(strings.TrimSpace(value))

		switch key {
		case "filename":
			opts.Filenames = append(opts.Filenames, value)
		case "base-filename", "base_filename":
			opts.BaseFilenames = append(opts.BaseFilenames, value)
		case "data_source", "data-source":
			opts.DataSourceNames = append(opts.DataSourceNames, strings.Split(value, ",")...)
		case "sort":
			sortBy, err := parseSortBy(value)
			if err != nil {
				return bloatyerr.At(bloatyerr.Configuration, path, int64(lineNo), "%v", err)
			}
			opts.SortBy = sortBy
		case "max-rows-per-level", "max_rows_per_level":
			n, err := strconv.Atoi(value)
			if err != nil {
				return bloatyerr.At(bloatyerr.Configuration, path, int64(lineNo), "invalid integer %q", value)
			}
			opts.MaxRowsPerLevel = n
		case "demangle":
			mode, ok := demangle.ParseMode(value)
			if !ok {
				return bloatyerr.At(bloatyerr.Configuration, path, int64(lineNo), "unknown demangle mode %q", value)
			}
			opts.Demangle = mode
		case "source-filter", "source_filter":
			opts.SourceFilter = value
		case "debug-file", "debug_file":
			opts.DebugFile = value
		case "format":
			switch value {
			case "csv":
				opts.Format = report.CSV
			case "tsv":
				opts.Format = report.TSV
			case "pretty":
				opts.Format = report.Pretty
			default:
				return bloatyerr.At(bloatyerr.Configuration, path, int64(lineNo), "unknown format %q", value)
			}
		default:
			return bloatyerr.At(bloatyerr.Configuration, path, int64(lineNo), "unknown config key %q", key)
		}
	}
	if err := sc.Err(); err != nil {
		return bloatyerr.Wrap(bloatyerr.Resource, path, 0, err)
	}
	return nil
}

// ResolveSources turns opts.DataSourceNames into the []scan.Source the
// driver needs and reports whether "inputfiles" was among them (handled
// by the driver itself rather than as a sink.DataSource).
func (o Options) ResolveSources() (sources []scan.Source, inputFiles bool, err error) {
	customByName := make(map[string]CustomSource, len(o.CustomSources))
	for _, c := range o.CustomSources {
		customByName[c.Name] = c
	}

	for _, name := range o.DataSourceNames {
		if name == "inputfiles" {
			inputFiles = true
			continue
		}
		if ds, ok := sink.ParseDataSource(name); ok {
			sources = append(sources, scan.Source{Base: ds})
			continue
		}
		custom, ok := customByName[name]
		if !ok {
			return nil, false, bloatyerr.New(bloatyerr.SemanticMismatch, "unknown data source %q", name)
		}
		base, ok := sink.ParseDataSource(custom.BaseDataSource)
		if !ok {
			return nil, false, bloatyerr.New(bloatyerr.SemanticMismatch, "custom source %q: unknown base data source %q", custom.Name, custom.BaseDataSource)
		}
		rewrites := make([]sink.Rewrite, 0, len(custom.Rewrites))
		for _, rw := range custom.Rewrites {
			re, err := regexp.Compile(rw.Pattern)
			if err != nil {
				return nil, false, bloatyerr.Wrap(bloatyerr.Resource, "", 0, err)
			}
			rewrites = append(rewrites, sink.Rewrite{Pattern: re, Replacement: rw.Replacement})
		}
		sources = append(sources, scan.Source{Base: base, Munger: sink.NewNameMunger(rewrites)})
	}
	return sources, inputFiles, nil
}

// FilterRegex compiles SourceFilter, or returns nil if it's unset.
func (o Options) FilterRegex() (*regexp.Regexp, error) {
	if o.SourceFilter == "" {
		return nil, nil
	}
	re, err := regexp.Compile(o.SourceFilter)
	if err != nil {
		return nil, bloatyerr.Wrap(bloatyerr.Resource, "", 0, err)
	}
	return re, nil
}

// ScanOptions builds the scan.Options a Run call needs from the resolved
// --source-filter and --debug-file values.
func (o Options) ScanOptions() (scan.Options, error) {
	re, err := o.FilterRegex()
	if err != nil {
		return scan.Options{}, err
	}
	return scan.Options{FilterRegex: re, DebugFile: o.DebugFile, Demangle: o.Demangle}, nil
}

// RollupOptions builds the rollup.Options the report layer sorts and
// truncates rows with.
func (o Options) RollupOptions() rollup.Options {
	return rollup.Options{SortBy: o.SortBy, MaxRowsPerLevel: o.MaxRowsPerLevel}
}

// ListSourceNames returns the built-in data source names, in the fixed
// order --list-sources should print them.
func ListSourceNames() []string {
	return []string{
		"segments", "sections", "symbols", "rawsymbols", "shortsymbols",
		"fullsymbols", "armembers", "compileunits", "inlines", "inputfiles",
	}
}

// Usage writes the flag summary to w, following fs's own -h/--help text.
func Usage(w *os.File) {
	fmt.Fprintln(w, "usage: bloaty [options] file... [-- base_file...]")
	fs := flag.NewFlagSet("bloaty", flag.ContinueOnError)
	fs.SetOutput(w)
	// Re-declare only to drive fs.PrintDefaults; ParseArgs owns the real set.
	var dFlag multiFlag
	fs.Var(&dFlag, "d", "data source(s) to scan, comma-separated or repeated")
	fs.String("domain", "", "alias for -d")
	fs.Int("n", 20, "max rows per level before collapsing into [N Others]")
	fs.String("s", "both", "sort by: vm, file, both")
	fs.Bool("csv", false, "output in CSV format")
	fs.Bool("tsv", false, "output in TSV format")
	fs.String("demangle", "short", "demangle mode: none, short, full")
	fs.String("C", "", "alias for --demangle")
	fs.String("c", "", "read options from this config file")
	fs.String("source-filter", "", "only report symbols/sections matching this regex")
	fs.String("debug-file", "", "supply a stripped binary's symbols/debug info from this companion file")
	fs.Bool("list-sources", false, "list built-in data sources and exit")
	fs.Bool("v", false, "verbose (repeat -v for more detail)")
	fs.Bool("version", false, "print version information and exit")
	fs.PrintDefaults()
}
