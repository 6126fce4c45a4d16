// Package rollup implements the hierarchical size tally that every data
// source's output is folded into: a tree of named nodes keyed by label
// chain, each carrying a VM-size and file-size total, that can be rendered
// into sorted/truncated rows or diffed against a baseline tree.
package rollup

import (
	"math"
	"regexp"
)

// SortBy selects which size dimension (or their max) controls ordering and
// the "[K Others]" truncation point at each level.
type SortBy int

const (
	SortByVM SortBy = iota
	SortByFile
	SortByBoth
)

// Options controls row sorting and truncation; it is supplied by the config
// layer and threaded down through every level of the tree unchanged.
type Options struct {
	SortBy          SortBy
	MaxRowsPerLevel int
}

// Rollup is one node of the hierarchical size tally: its own VM/file totals,
// plus a child Rollup per label one level down. The root's SetFilterRegex,
// if set, diverts any range whose full label chain matches nothing into
// the filtered totals instead of the tree.
type Rollup struct {
	vmTotal, fileTotal               int64
	filteredVMTotal, filteredFileTotal int64
	filterRegex                      *regexp.Regexp
	children                         map[string]*Rollup
}

// New returns an empty Rollup node.
func New() *Rollup {
	return &Rollup{children: make(map[string]*Rollup)}
}

// SetFilterRegex installs the --source-filter regex on the root rollup.
// Only the root should carry one; children never do, since AddSizes only
// consults filterRegex at the point of insertion, not during descent.
func (r *Rollup) SetFilterRegex(re *regexp.Regexp) {
	r.filterRegex = re
}

// FilteredVMTotal returns the VM bytes diverted by the filter regex.
func (r *Rollup) FilteredVMTotal() int64 { return r.filteredVMTotal }

// FilteredFileTotal returns the file bytes diverted by the filter regex.
func (r *Rollup) FilteredFileTotal() int64 { return r.filteredFileTotal }

// AddSizes adds size bytes under the label chain names. names[0] is the
// rollup's own base-map label (e.g. a segment name) and is folded into this
// node's total but never used as a child key; names[1:] become nested child
// keys one level at a time, mirroring the scan driver's rollup event labels
// where index 0 is always the base map.
func (r *Rollup) AddSizes(names []string, size int64, isVMSize bool) {
	r.addInternal(names, 1, size, isVMSize)
}

func (r *Rollup) addInternal(names []string, i int, size int64, isVMSize bool) {
	if r.filterRegex != nil {
		matched := false
		for _, name := range names {
			if r.filterRegex.MatchString(name) {
				matched = true
				break
			}
		}
		if !matched {
			if isVMSize {
				r.filteredVMTotal += size
			} else {
				r.filteredFileTotal += size
			}
			return
		}
	}

	if isVMSize {
		r.vmTotal += size
	} else {
		r.fileTotal += size
	}

	if i < len(names) {
		child := r.children[names[i]]
		if child == nil {
			child = New()
			r.children[names[i]] = child
		}
		child.addInternal(names, i+1, size, isVMSize)
	}
}

// Subtract subtracts other's totals and children from r, recursively,
// growing r's child set to cover every label other has. Used to build a
// diff rollup's per-label delta (current values already in r, baseline
// subtracted away).
func (r *Rollup) Subtract(other *Rollup) {
	r.vmTotal -= other.vmTotal
	r.fileTotal -= other.fileTotal
	for name, otherChild := range other.children {
		child := r.children[name]
		if child == nil {
			child = New()
			r.children[name] = child
		}
		child.Subtract(otherChild)
	}
}

// Add adds other's totals and children into r, recursively.
func (r *Rollup) Add(other *Rollup) {
	r.vmTotal += other.vmTotal
	r.fileTotal += other.fileTotal
	r.filteredVMTotal += other.filteredVMTotal
	r.filteredFileTotal += other.filteredFileTotal
	for name, otherChild := range other.children {
		child := r.children[name]
		if child == nil {
			child = New()
			r.children[name] = child
		}
		child.Add(otherChild)
	}
}

// AddChild grafts child under name as a new top-level label, adding its
// totals into r's own. Used by the scan driver to nest each input file's
// own rollup one level under its filename when the inputfiles data source
// is requested alongside others.
func (r *Rollup) AddChild(name string, child *Rollup) {
	r.vmTotal += child.vmTotal
	r.fileTotal += child.fileTotal
	r.filteredVMTotal += child.filteredVMTotal
	r.filteredFileTotal += child.filteredFileTotal
	existing := r.children[name]
	if existing == nil {
		r.children[name] = child.Clone()
		return
	}
	existing.Add(child)
}

// CreateOutput renders r into a sorted, truncated Row tree for display.
func (r *Rollup) CreateOutput(opts Options) *Output {
	return r.CreateDiffOutput(nil, opts)
}

// CreateDiffOutput renders r into a Row tree, computing each row's percent
// against the corresponding node of base (or against its own parent's
// total, when base is nil).
//
// r is expected to already hold current-minus-base deltas (see Diff) and
// base the original, unsubtracted baseline -- percent is then
// delta/baseline*100, i.e. growth relative to the baseline, matching the
// "+50%"/"[NEW]"/"[DEL]" display convention. Calling this directly on an
// undiffed rollup computes a percentage with no useful meaning; use Diff
// unless building the tree by hand.
func (r *Rollup) CreateDiffOutput(base *Rollup, opts Options) *Output {
	root := &Row{
		Name:        "TOTAL",
		VMSize:      r.vmTotal,
		FileSize:    r.fileTotal,
		VMPercent:   100,
		FilePercent: 100,
	}
	r.createRows(root, base, opts, true)
	return &Output{
		DiffMode:          base != nil,
		Root:              root,
		FilteredVMTotal:   r.filteredVMTotal,
		FilteredFileTotal: r.filteredFileTotal,
	}
}

// Diff computes current minus base (without mutating either input) and
// renders the result with growth percentages relative to base, mirroring
// the scan driver's diff-mode sequence of Subtract then
// CreateDiffModeRollupOutput.
func Diff(current, base *Rollup, opts Options) *Output {
	delta := current.Clone()
	delta.Subtract(base)
	return delta.CreateDiffOutput(base, opts)
}

// Clone returns a deep copy of r.
func (r *Rollup) Clone() *Rollup {
	clone := &Rollup{
		vmTotal:           r.vmTotal,
		fileTotal:         r.fileTotal,
		filteredVMTotal:   r.filteredVMTotal,
		filteredFileTotal: r.filteredFileTotal,
		filterRegex:       r.filterRegex,
		children:          make(map[string]*Rollup, len(r.children)),
	}
	for name, child := range r.children {
		clone.children[name] = child.Clone()
	}
	return clone
}

func percent(part, whole int64) float64 {
	if whole == 0 {
		switch {
		case part == 0:
			return math.NaN()
		case part > 0:
			return math.Inf(1)
		default:
			return math.Inf(-1)
		}
	}
	return float64(part) / float64(whole) * 100
}
