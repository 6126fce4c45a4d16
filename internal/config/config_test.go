package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xyproto/bloaty/internal/demangle"
	"github.com/xyproto/bloaty/internal/report"
	"github.com/xyproto/bloaty/internal/rollup"
	"github.com/xyproto/bloaty/internal/sink"
)

func TestParseArgsDefaults(t *testing.T) {
	opts, err := ParseArgs([]string{"a.out"})
	if err != nil {
		t.Fatal(err)
	}
	if len(opts.DataSourceNames) != 2 || opts.DataSourceNames[0] != "sections" {
		t.Fatalf("got %v", opts.DataSourceNames)
	}
	if opts.SortBy != rollup.SortByBoth {
		t.Fatalf("got %v", opts.SortBy)
	}
	if opts.MaxRowsPerLevel != 20 {
		t.Fatalf("got %d", opts.MaxRowsPerLevel)
	}
	if opts.Demangle != demangle.Short {
		t.Fatalf("got %v", opts.Demangle)
	}
	if len(opts.Filenames) != 1 || opts.Filenames[0] != "a.out" {
		t.Fatalf("got %v", opts.Filenames)
	}
}

func TestParseArgsDataSourceFlag(t *testing.T) {
	opts, err := ParseArgs([]string{"-d", "segments,symbols", "a.out"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"segments", "symbols"}
	if len(opts.DataSourceNames) != len(want) {
		t.Fatalf("got %v", opts.DataSourceNames)
	}
	for i, w := range want {
		if opts.DataSourceNames[i] != w {
			t.Fatalf("got %v, want %v", opts.DataSourceNames, want)
		}
	}
}

func TestParseArgsRepeatedDFlag(t *testing.T) {
	opts, err := ParseArgs([]string{"-d", "segments", "-d", "symbols", "a.out"})
	if err != nil {
		t.Fatal(err)
	}
	if len(opts.DataSourceNames) != 2 {
		t.Fatalf("got %v", opts.DataSourceNames)
	}
}

func TestParseArgsBaselineSeparator(t *testing.T) {
	opts, err := ParseArgs([]string{"current.out", "--", "base1.out", "base2.out"})
	if err != nil {
		t.Fatal(err)
	}
	if len(opts.Filenames) != 1 || opts.Filenames[0] != "current.out" {
		t.Fatalf("got %v", opts.Filenames)
	}
	if len(opts.BaseFilenames) != 2 {
		t.Fatalf("got %v", opts.BaseFilenames)
	}
}

func TestParseArgsCSVAndTSVConflict(t *testing.T) {
	if _, err := ParseArgs([]string{"--csv", "--tsv", "a.out"}); err == nil {
		t.Fatal("expected an error when both --csv and --tsv are set")
	}
}

func TestParseArgsFormat(t *testing.T) {
	opts, err := ParseArgs([]string{"--csv", "a.out"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.Format != report.CSV {
		t.Fatalf("got %v", opts.Format)
	}
}

func TestParseArgsSortAlias(t *testing.T) {
	opts, err := ParseArgs([]string{"--sort", "file", "a.out"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.SortBy != rollup.SortByFile {
		t.Fatalf("got %v", opts.SortBy)
	}
}

func TestParseArgsUnknownSortRejected(t *testing.T) {
	if _, err := ParseArgs([]string{"-s", "bogus", "a.out"}); err == nil {
		t.Fatal("expected an error for an unrecognized -s value")
	}
}

func TestParseArgsDemangleShorthand(t *testing.T) {
	opts, err := ParseArgs([]string{"-C", "full", "a.out"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.Demangle != demangle.Full {
		t.Fatalf("got %v", opts.Demangle)
	}
}

func TestParseArgsDebugFile(t *testing.T) {
	opts, err := ParseArgs([]string{"--debug-file", "stripped.debug", "a.out"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.DebugFile != "stripped.debug" {
		t.Fatalf("got %q", opts.DebugFile)
	}
	scanOpts, err := opts.ScanOptions()
	if err != nil {
		t.Fatal(err)
	}
	if scanOpts.DebugFile != "stripped.debug" {
		t.Fatalf("got %q", scanOpts.DebugFile)
	}
}

func TestParseArgsVerbosityLevels(t *testing.T) {
	cases := []struct {
		flag string
		want int
	}{
		{"-v", 1},
		{"-vv", 2},
		{"-vvv", 3},
	}
	for _, c := range cases {
		opts, err := ParseArgs([]string{c.flag, "a.out"})
		if err != nil {
			t.Fatal(err)
		}
		if opts.Debug != c.want {
			t.Fatalf("%s: got %d, want %d", c.flag, opts.Debug, c.want)
		}
	}
}

func TestApplyConfigFileFillsUnsetOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloaty.cfg")
	content := "# comment\ndata_source=symbols\nmax-rows-per-level=5\nformat=tsv\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	opts, err := ParseArgs([]string{"-c", path, "a.out"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.MaxRowsPerLevel != 5 {
		t.Fatalf("got %d", opts.MaxRowsPerLevel)
	}
	if opts.Format != report.TSV {
		t.Fatalf("got %v", opts.Format)
	}
	found := false
	for _, n := range opts.DataSourceNames {
		if n == "symbols" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected config-file data_source to append, got %v", opts.DataSourceNames)
	}
}

func TestApplyConfigFileExpandsEnvVars(t *testing.T) {
	t.Setenv("BLOATY_TEST_SOURCE_FILTER", "^main")

	path := filepath.Join(t.TempDir(), "bloaty.cfg")
	content := "source-filter=${BLOATY_TEST_SOURCE_FILTER}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	opts, err := ParseArgs([]string{"-c", path, "a.out"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.SourceFilter != "^main" {
		t.Fatalf("got %q", opts.SourceFilter)
	}
}

func TestApplyConfigFileRejectsUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloaty.cfg")
	if err := os.WriteFile(path, []byte("bogus=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseArgs([]string{"-c", path, "a.out"}); err == nil {
		t.Fatal("expected an error for an unknown config key")
	}
}

func TestResolveSourcesBuiltins(t *testing.T) {
	opts := Default()
	opts.DataSourceNames = []string{"sections", "symbols"}
	sources, inputFiles, err := opts.ResolveSources()
	if err != nil {
		t.Fatal(err)
	}
	if inputFiles {
		t.Fatal("did not request inputfiles")
	}
	if len(sources) != 2 || sources[0].Base != sink.Sections || sources[1].Base != sink.Symbols {
		t.Fatalf("got %+v", sources)
	}
}

func TestResolveSourcesInputFiles(t *testing.T) {
	opts := Default()
	opts.DataSourceNames = []string{"sections", "inputfiles"}
	sources, inputFiles, err := opts.ResolveSources()
	if err != nil {
		t.Fatal(err)
	}
	if !inputFiles {
		t.Fatal("expected inputfiles to be detected")
	}
	if len(sources) != 1 {
		t.Fatalf("inputfiles should not become a scan.Source, got %+v", sources)
	}
}

func TestResolveSourcesCustom(t *testing.T) {
	opts := Default()
	opts.DataSourceNames = []string{"shortnames"}
	opts.CustomSources = []CustomSource{{
		Name:           "shortnames",
		BaseDataSource: "symbols",
		Rewrites:       []Rewrite{{Pattern: `^(\w+)\(.*\)$`, Replacement: "$1"}},
	}}
	sources, _, err := opts.ResolveSources()
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 || sources[0].Base != sink.Symbols || sources[0].Munger == nil {
		t.Fatalf("got %+v", sources)
	}
	if got := sources[0].Munger.Munge("foo(int)"); got != "foo" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveSourcesUnknownNameRejected(t *testing.T) {
	opts := Default()
	opts.DataSourceNames = []string{"nonexistent"}
	if _, _, err := opts.ResolveSources(); err == nil {
		t.Fatal("expected an error for an unknown data source name")
	}
}

func TestFilterRegexEmptyIsNil(t *testing.T) {
	re, err := Default().FilterRegex()
	if err != nil || re != nil {
		t.Fatalf("got %v, %v", re, err)
	}
}

func TestFilterRegexCompilesPattern(t *testing.T) {
	opts := Default()
	opts.SourceFilter = "^main"
	re, err := opts.FilterRegex()
	if err != nil {
		t.Fatal(err)
	}
	if !re.MatchString("main.run") {
		t.Fatal("expected the compiled regex to match")
	}
}
