// Package demangle applies the --demangle mode to a symbol name before it
// reaches a data source's sink: none (leave mangled names alone), short
// (strip parameter and template-argument lists), or full.
//
// google-pprof (in the retrieved pack) demangles C++ symbols with
// github.com/ianlancetaylor/demangle rather than shelling out to c++filt
// or hand-rolling an Itanium ABI parser; this module does the same.
package demangle

import "github.com/ianlancetaylor/demangle"

// Mode selects how much of a demangled name's detail survives.
type Mode int

const (
	None Mode = iota
	Short
	Full
)

// ParseMode resolves the --demangle flag's string value.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "none":
		return None, true
	case "short":
		return Short, true
	case "full":
		return Full, true
	default:
		return None, false
	}
}

// Apply demangles name per mode. A name demangle.Filter doesn't recognize
// as mangled (e.g. a plain C symbol, or already-demangled input) is
// returned unchanged, exactly as Filter already guarantees.
func Apply(name string, mode Mode) string {
	switch mode {
	case None:
		return name
	case Short:
		return demangle.Filter(name, demangle.NoClones, demangle.NoParams, demangle.NoTemplateParams)
	case Full:
		return demangle.Filter(name, demangle.NoClones)
	default:
		return name
	}
}
