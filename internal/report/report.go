// Package report renders a rollup.Output into the three output formats
// the CLI exposes: an indented pretty-printed table (stdlib
// text/tabwriter, the same column-alignment idiom grailbio-bio and
// gtrevg-Gopher2600 use elsewhere in the retrieved pack), and flat CSV/TSV
// (stdlib encoding/csv; no third-party CSV or table-formatting library
// appears anywhere in the retrieved pack, so there is nothing to wire in
// its place -- see DESIGN.md).
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"

	"github.com/xyproto/bloaty/internal/rollup"
)

// Format selects the renderer Write uses.
type Format int

const (
	Pretty Format = iota
	CSV
	TSV
)

// ParseFormat resolves the --csv/--tsv flags (or their absence) to a
// Format; the config layer calls this once option parsing settles.
func ParseFormat(csvFlag, tsvFlag bool) (Format, error) {
	switch {
	case csvFlag && tsvFlag:
		return Pretty, fmt.Errorf("report: --csv and --tsv are mutually exclusive")
	case csvFlag:
		return CSV, nil
	case tsvFlag:
		return TSV, nil
	default:
		return Pretty, nil
	}
}

// Write renders out to w in the given format.
func Write(w io.Writer, out *rollup.Output, format Format) error {
	switch format {
	case CSV:
		return writeDelimited(w, out, ',')
	case TSV:
		return writeDelimited(w, out, '\t')
	default:
		return writePretty(w, out)
	}
}

func formatPercent(p float64) string {
	switch {
	case math.IsNaN(p):
		return "[ = ]"
	case math.IsInf(p, 1):
		return "[NEW]"
	case math.IsInf(p, -1):
		return "[DEL]"
	default:
		return fmt.Sprintf("%+.1f%%", p)
	}
}

func writePretty(w io.Writer, out *rollup.Output) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "VM SIZE\t \tFILE SIZE\t \tNAME")
	var walk func(row *rollup.Row, depth int)
	walk = func(row *rollup.Row, depth int) {
		name := strings.Repeat("  ", depth) + row.Name
		vmPct, filePct := formatPercent(row.VMPercent), formatPercent(row.FilePercent)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", humanSize(row.VMSize), vmPct, humanSize(row.FileSize), filePct, name)
		for _, c := range row.Children {
			walk(c, depth+1)
		}
	}
	walk(out.Root, 0)
	if out.FilteredVMTotal != 0 || out.FilteredFileTotal != 0 {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			humanSize(out.FilteredVMTotal), "", humanSize(out.FilteredFileTotal), "", "[Filtered]")
	}
	return tw.Flush()
}

func humanSize(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	const unit = 1024
	if n < unit {
		if neg {
			return fmt.Sprintf("-%d", n)
		}
		return fmt.Sprintf("%d", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	suffixes := "KiB MiB GiB TiB PiB"
	suffix := strings.Fields(suffixes)[exp]
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%.1f%s", sign, float64(n)/float64(div), suffix)
}

// writeDelimited flattens the tree into one row per node, the node's full
// "/"-joined ancestor chain standing in for the multiple name columns a
// true per-level CSV would need; this keeps a single stable column count
// regardless of how many -d levels were requested.
func writeDelimited(w io.Writer, out *rollup.Output, comma rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = comma
	if err := cw.Write([]string{"name", "vmsize", "vm%", "filesize", "file%"}); err != nil {
		return err
	}
	var walk func(row *rollup.Row, path string) error
	walk = func(row *rollup.Row, path string) error {
		full := row.Name
		if path != "" {
			full = path + "/" + row.Name
		}
		record := []string{
			full,
			fmt.Sprintf("%d", row.VMSize),
			percentField(row.VMPercent),
			fmt.Sprintf("%d", row.FileSize),
			percentField(row.FilePercent),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
		for _, c := range row.Children {
			if err := walk(c, full); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(out.Root, ""); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func percentField(p float64) string {
	switch {
	case math.IsNaN(p):
		return ""
	case math.IsInf(p, 1):
		return "inf"
	case math.IsInf(p, -1):
		return "-inf"
	default:
		return fmt.Sprintf("%.4f", p)
	}
}
