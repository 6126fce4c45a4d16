package rollup

import "sort"

// Row is one line of rendered rollup output: a label, its VM/file sizes (or
// their signed delta, in diff mode), a percentage, and its own children.
// OtherCount is nonzero only for the synthetic "[K Others]" row a level's
// truncation produces.
type Row struct {
	Name        string
	VMSize      int64
	FileSize    int64
	VMPercent   float64
	FilePercent float64
	OtherCount  int
	Children    []*Row

	sortKey int64
}

// Output is a fully sorted, truncated Row tree ready for a renderer.
type Output struct {
	DiffMode          bool
	Root              *Row
	FilteredVMTotal   int64
	FilteredFileTotal int64
}

const othersLabel = "Others"

func (r *Rollup) createRows(row *Row, base *Rollup, opts Options, isTopLevel bool) {
	if base != nil {
		row.VMPercent = percent(r.vmTotal, base.vmTotal)
		row.FilePercent = percent(r.fileTotal, base.fileTotal)
	}

	names := make([]string, 0, len(r.children))
	for name := range r.children {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		child := r.children[name]
		if child.vmTotal != 0 || child.fileTotal != 0 {
			row.Children = append(row.Children, &Row{Name: name, VMSize: child.vmTotal, FileSize: child.fileTotal})
		}
	}

	r.sortAndAggregateRows(row, base, opts, isTopLevel)
}

func (r *Rollup) sortAndAggregateRows(row *Row, base *Rollup, opts Options, isTopLevel bool) {
	children := row.Children

	// A lone "[None]"/"[Unmapped]" row is noise below the top level.
	if !isTopLevel && len(children) == 1 &&
		(children[0].Name == "[None]" || children[0].Name == "[Unmapped]") {
		children = nil
	}

	// A lone child with the same label as its parent adds nothing.
	if len(children) == 1 && children[0].Name == row.Name {
		children = nil
	}

	if len(children) == 0 {
		row.Children = nil
		return
	}

	assignSortKeys(children, opts.SortBy, true)
	sortByKeyDesc(children)

	othersCount := len(children) - opts.MaxRowsPerLevel
	var others *Row
	othersRollup := New()
	othersBase := New()

	if othersCount > 0 {
		others = &Row{OtherCount: othersCount}
		for _, collapsed := range children[opts.MaxRowsPerLevel:] {
			others.VMSize += collapsed.VMSize
			others.FileSize += collapsed.FileSize
			if base != nil {
				if baseChild, ok := base.children[collapsed.Name]; ok {
					othersBase.vmTotal += baseChild.vmTotal
					othersBase.fileTotal += baseChild.fileTotal
				}
			}
		}
		children = children[:opts.MaxRowsPerLevel]
		if abs64(others.VMSize) > 0 || abs64(others.FileSize) > 0 {
			others.Name = othersRowName(othersCount)
			children = append(children, others)
			othersRollup.vmTotal += others.VMSize
			othersRollup.fileTotal += others.FileSize
		} else {
			others = nil
		}
	}

	assignSortKeys(children, opts.SortBy, false)
	sortByKeyDesc(children)

	if base == nil {
		for _, child := range children {
			child.VMPercent = percent(child.VMSize, row.VMSize)
			child.FilePercent = percent(child.FileSize, row.FileSize)
		}
	}

	for _, child := range children {
		var childRollup, childBase *Rollup
		if child.OtherCount > 0 {
			childRollup = othersRollup
			if base != nil {
				childBase = othersBase
			}
		} else {
			childRollup = r.children[child.Name]
			if base != nil {
				if bc, ok := base.children[child.Name]; ok {
					childBase = bc
				} else {
					childBase = New()
				}
			}
		}
		childRollup.createRows(child, childBase, opts, false)
	}

	row.Children = children
}

func othersRowName(count int) string {
	if count == 1 {
		return "[1 " + othersLabel + "]"
	}
	return "[" + itoa(count) + " " + othersLabel + "]"
}

// itoa avoids pulling in strconv for a single call site; kept tiny and
// local since this is the only integer-to-string conversion in the package.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func assignSortKeys(rows []*Row, sortBy SortBy, magnitude bool) {
	for _, row := range rows {
		switch sortBy {
		case SortByVM:
			row.sortKey = row.VMSize
		case SortByFile:
			row.sortKey = row.FileSize
		default: // SortByBoth
			if abs64(row.VMSize) > abs64(row.FileSize) {
				row.sortKey = row.VMSize
			} else {
				row.sortKey = row.FileSize
			}
		}
		if magnitude {
			row.sortKey = abs64(row.sortKey)
		}
	}
}

// sortByKeyDesc sorts by sortKey descending (largest magnitude/value
// first), breaking ties by name so output is reproducible across runs --
// unlike the map-iteration-order-dependent tie-breaking an unordered
// container would give.
func sortByKeyDesc(rows []*Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].sortKey != rows[j].sortKey {
			return rows[i].sortKey > rows[j].sortKey
		}
		return rows[i].Name < rows[j].Name
	})
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
