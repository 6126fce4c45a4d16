// Package sink implements the write-side facade binary front-ends push
// labeled ranges into: RangeSink translates vm-only or file-only input into
// a DualMap's pair of RangeMaps using a base map as the vm<->file
// translator, and applies a per-output NameMunger before insertion.
package sink

// DataSource names one level of the rollup hierarchy a user can request.
type DataSource int

const (
	Segments DataSource = iota
	Sections
	Symbols
	RawSymbols
	ShortSymbols
	FullSymbols
	ArMembers
	CompileUnits
	Inlines
	InputFiles
)

var dataSourceNames = map[DataSource]string{
	Segments:     "segments",
	Sections:     "sections",
	Symbols:      "symbols",
	RawSymbols:   "rawsymbols",
	ShortSymbols: "shortsymbols",
	FullSymbols:  "fullsymbols",
	ArMembers:    "armembers",
	CompileUnits: "compileunits",
	Inlines:      "inlines",
	InputFiles:   "inputfiles",
}

func (d DataSource) String() string {
	if name, ok := dataSourceNames[d]; ok {
		return name
	}
	return "unknown"
}

// ParseDataSource resolves a data source by its CLI/config name, including
// the built-ins and nothing else -- custom sources are resolved by the
// config layer (internal/config), which wraps a built-in source with a
// NameMunger and a different display name.
func ParseDataSource(name string) (DataSource, bool) {
	for ds, n := range dataSourceNames {
		if n == name {
			return ds, true
		}
	}
	return 0, false
}

// RequiresDWARF reports whether a data source needs the DWARF reader run
// against the file (as opposed to only the binary front-end).
func (d DataSource) RequiresDWARF() bool {
	return d == CompileUnits || d == Inlines
}

// RequiresSymbolTable reports whether a data source needs symbol-table
// entries rather than section/segment structure alone.
func (d DataSource) RequiresSymbolTable() bool {
	switch d {
	case Symbols, RawSymbols, ShortSymbols, FullSymbols:
		return true
	default:
		return false
	}
}
