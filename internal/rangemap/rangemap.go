// Package rangemap implements the dual-domain range attribution engine at
// the heart of bloaty: an ordered, non-overlapping map from integer
// intervals to string labels, optionally carrying a translation into a
// parallel domain (file offset <-> VM address).
//
// The insertion algorithm, the first-writer-wins overlap policy, and the
// Compress/ComputeRollup semantics follow the reference C++ implementation's
// src/range_map.{h,cc} line for line; see DESIGN.md for the mapping.
package rangemap

import (
	"fmt"
	"sort"

	"github.com/xyproto/bloaty/internal/addr"
)

// entry is one stored mapping, keyed externally by its start address.
type entry struct {
	start      addr.Addr
	size       addr.Addr // addr.Unknown if not yet known
	otherStart addr.Addr // addr.NoTranslation if untranslated
	label      string
}

func (e *entry) hasTranslation() bool { return e.otherStart != addr.NoTranslation }

// RangeMap is an ordered, non-overlapping map of [start, start+size) -> label.
//
// The zero value is an empty, ready-to-use map.
type RangeMap struct {
	// starts and entries are kept in lockstep, sorted ascending by start.
	// A slice-based sorted map is used instead of a Go map because the
	// algorithms below need ordered neighbor access (insertion, rollup
	// lockstep walk) far more often than they need random lookup.
	starts  []addr.Addr
	entries []entry
}

// New returns an empty RangeMap.
func New() *RangeMap { return &RangeMap{} }

// Len returns the number of stored entries.
func (m *RangeMap) Len() int { return len(m.starts) }

// upperBound returns the index of the first entry with start > a.
func (m *RangeMap) upperBound(a addr.Addr) int {
	return sort.Search(len(m.starts), func(i int) bool { return m.starts[i] > a })
}

// findContaining returns the index of the entry containing a, or -1.
func (m *RangeMap) findContaining(a addr.Addr) int {
	i := m.upperBound(a)
	if i == 0 {
		return -1
	}
	i--
	if m.entryContains(i, a) {
		return i
	}
	return -1
}

// findContainingOrAfter returns the index of the entry containing a, or
// (if none contains it) the index of the next entry after a (== Len() if
// there is none).
func (m *RangeMap) findContainingOrAfter(a addr.Addr) int {
	after := m.upperBound(a)
	if after > 0 && m.entryContains(after-1, a) {
		return after - 1
	}
	return after
}

func (m *RangeMap) entryContains(i int, a addr.Addr) bool {
	return a >= m.starts[i] && a < m.rangeEnd(i)
}

// entryContainsStrict treats an UNKNOWN-size entry as containing only its
// exact start address (used to decide whether a fresh insertion at the same
// start should refine an existing unknown-size entry).
func (m *RangeMap) entryContainsStrict(i int, a addr.Addr) bool {
	if m.entries[i].size == addr.Unknown {
		return m.starts[i] == a
	}
	return m.entryContains(i, a)
}

// rangeEnd returns the end of entry i, treating an unknown size as extending
// to the start of the next entry, or to Unknown if there is no next entry.
func (m *RangeMap) rangeEnd(i int) addr.Addr {
	return m.rangeEndUnknownLimit(i, addr.Unknown)
}

// rangeEndUnknownLimit is rangeEnd, but returns `unknownLimit` for an
// unknown-size entry with no successor (or a successor past unknownLimit).
func (m *RangeMap) rangeEndUnknownLimit(i int, unknownLimit addr.Addr) addr.Addr {
	if m.entries[i].size == addr.Unknown {
		if i+1 >= len(m.starts) || m.starts[i+1] > unknownLimit {
			return unknownLimit
		}
		return m.starts[i+1]
	}
	return m.starts[i] + m.entries[i].size
}

func (m *RangeMap) insertAt(i int, e entry) {
	m.starts = append(m.starts, 0)
	copy(m.starts[i+1:], m.starts[i:])
	m.starts[i] = e.start

	m.entries = append(m.entries, entry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
}

// AddRange adds [start, start+size) with no translation. A zero size is a
// no-op. An overlapping insert onto an already-claimed region is silently
// ignored: first writer wins.
func (m *RangeMap) AddRange(start, size addr.Addr, label string) error {
	return m.AddDualRange(start, size, addr.NoTranslation, label)
}

// AddDualRange adds [start, start+size) with a translation to otherStart in
// a parallel domain (addr.NoTranslation for none).
func (m *RangeMap) AddDualRange(start, size, otherStart addr.Addr, label string) error {
	if size == 0 {
		return nil
	}
	if size != addr.Unknown && start+size < start {
		return fmt.Errorf("rangemap: range [%#x, +%#x) overflows address space", start, size)
	}

	i := m.findContainingOrAfter(start)

	if size == addr.Unknown {
		if otherStart != addr.NoTranslation {
			return fmt.Errorf("rangemap: unknown-size range cannot carry a translation")
		}
		if i < len(m.starts) && m.entryContainsStrict(i, start) {
			m.maybeSetLabel(i, label, start, addr.Unknown)
		} else {
			m.insertAt(i, entry{start: start, size: addr.Unknown, otherStart: addr.NoTranslation, label: label})
		}
		return nil
	}

	base := start
	end := start + size

	for {
		for start < end && i < len(m.starts) && m.entryContains(i, start) {
			m.maybeSetLabel(i, label, start, end-start)
			start = m.rangeEndUnknownLimit(i, start)
			i++
		}

		if start >= end {
			return nil
		}

		thisEnd := end
		if i < len(m.starts) && end > m.starts[i] {
			thisEnd = m.starts[i]
		}

		other := addr.NoTranslation
		if otherStart != addr.NoTranslation {
			other = start - base + otherStart
		}

		m.insertAt(i, entry{start: start, size: thisEnd - start, otherStart: other, label: label})
		start = thisEnd
		i++
	}
}

// maybeSetLabel implements first-writer-wins: the only mutation it ever
// performs is shrinking a still-UNKNOWN entry's size once a concrete size
// becomes available for the same start address. Everything else about an
// existing entry, including its label, is left untouched.
func (m *RangeMap) maybeSetLabel(i int, label string, start, size addr.Addr) {
	e := &m.entries[i]
	if e.size != addr.Unknown || size == addr.Unknown {
		return
	}
	if start != e.start {
		return
	}
	end := start + size
	if i+1 < len(m.starts) && m.starts[i+1] < end {
		end = m.starts[i+1]
	}
	e.size = end - e.start
}

// AddRangeWithTranslation inserts [start, start+size) into m, and for every
// sub-interval covered by a translated entry in translator, also inserts the
// translated sub-interval into other. Returns true iff the union of covered
// sub-intervals equals size exactly (full coverage by translator).
func (m *RangeMap) AddRangeWithTranslation(start, size addr.Addr, label string, translator *RangeMap, other *RangeMap) (bool, error) {
	i := translator.findContaining(start)
	var end addr.Addr
	if size == addr.Unknown {
		end = start + 1
	} else {
		end = start + size
		if end < start {
			return false, fmt.Errorf("rangemap: range [%#x, +%#x) overflows address space", start, size)
		}
	}

	var total addr.Addr
	for i != -1 && i < len(translator.starts) && translator.starts[i] < end {
		trimmedAddr, translatedAddr, trimmedSize, hasTrans := translator.translateAndTrim(i, start, size)
		if hasTrans {
			if err := other.AddRange(translatedAddr, trimmedSize, label); err != nil {
				return false, err
			}
		}
		if err := m.AddRange(trimmedAddr, trimmedSize, label); err != nil {
			return false, err
		}
		total += trimmedSize
		i++
	}

	return total == size, nil
}

func (m *RangeMap) translateAndTrim(i int, start, size addr.Addr) (trimmedAddr, translatedAddr, trimmedSize addr.Addr, hasTranslation bool) {
	if start < m.starts[i] {
		start = m.starts[i]
	}
	trimmedAddr = start

	if size == addr.Unknown {
		trimmedSize = addr.Unknown
	} else {
		end := m.starts[i] + m.entries[i].size
		reqEnd := start + size
		if reqEnd < end {
			end = reqEnd
		}
		if start >= end {
			return trimmedAddr, 0, 0, false
		}
		trimmedSize = end - start
	}

	if !m.entries[i].hasTranslation() {
		return trimmedAddr, 0, trimmedSize, false
	}
	translatedAddr = start - m.starts[i] + m.entries[i].otherStart
	return trimmedAddr, translatedAddr, trimmedSize, true
}

// Translate returns the address in the parallel domain corresponding to a,
// if a lies within a translated entry.
func (m *RangeMap) Translate(a addr.Addr) (addr.Addr, bool) {
	i := m.findContaining(a)
	if i == -1 || !m.entries[i].hasTranslation() {
		return 0, false
	}
	return a - m.starts[i] + m.entries[i].otherStart, true
}

// TryGetLabel returns the label of the entry containing a, if any.
func (m *RangeMap) TryGetLabel(a addr.Addr) (string, bool) {
	i := m.findContaining(a)
	if i == -1 {
		return "", false
	}
	return m.entries[i].label, true
}

// TryGetLabelForRange returns the label shared by every entry covering
// [a, a+size), or false if the range isn't fully covered or the label isn't
// uniform across it.
func (m *RangeMap) TryGetLabelForRange(a, size addr.Addr) (string, bool) {
	end := a + size
	if end < a {
		return "", false
	}
	i := m.findContaining(a)
	if i == -1 {
		return "", false
	}
	label := m.entries[i].label
	for i < len(m.starts) && m.starts[i]+m.entries[i].size < end {
		if m.entries[i].label != label {
			return "", false
		}
		if i+1 < len(m.starts) && m.starts[i+1] != m.rangeEnd(i) {
			return "", false
		}
		i++
	}
	if i >= len(m.starts) || m.entries[i].label != label {
		return "", false
	}
	return label, true
}

// TryGetSize returns the size of the entry starting exactly at a.
func (m *RangeMap) TryGetSize(a addr.Addr) (addr.Addr, bool) {
	i := sort.Search(len(m.starts), func(i int) bool { return m.starts[i] >= a })
	if i < len(m.starts) && m.starts[i] == a {
		return m.entries[i].size, true
	}
	return 0, false
}

// CoversRange reports whether every byte of [a, a+size) is inside some entry.
func (m *RangeMap) CoversRange(a, size addr.Addr) bool {
	i := m.findContaining(a)
	end := a + size
	for {
		if a >= end {
			return true
		}
		if i == -1 || i >= len(m.starts) || !m.entryContains(i, a) {
			return false
		}
		a = m.rangeEnd(i)
		i++
	}
}

// GetMaxAddress returns the end of the last entry, or 0 if the map is empty.
func (m *RangeMap) GetMaxAddress() addr.Addr {
	if len(m.starts) == 0 {
		return 0
	}
	last := len(m.starts) - 1
	if m.entries[last].size == addr.Unknown {
		return m.starts[last]
	}
	return m.starts[last] + m.entries[last].size
}

// Compress merges consecutive entries that either share a label, or where
// the earlier entry has a non-fallback label and the later one is a short
// fallback (absorbed as probable padding).
func (m *RangeMap) Compress() {
	if len(m.starts) == 0 {
		return
	}
	out := 0
	for i := 1; i < len(m.starts); i++ {
		prevEnd := m.starts[out] + m.entries[out].size
		canMerge := m.entries[out].size != addr.Unknown &&
			prevEnd == m.starts[i] &&
			(m.entries[out].label == m.entries[i].label ||
				(!addr.IsFallbackLabel(m.entries[out].label) && addr.IsShortFallback(m.entries[i].label, m.entries[i].size)))
		if canMerge {
			m.entries[out].size += m.entries[i].size
			continue
		}
		out++
		m.starts[out] = m.starts[i]
		m.entries[out] = m.entries[i]
	}
	m.starts = m.starts[:out+1]
	m.entries = m.entries[:out+1]
}

// RangeFunc is called once per stored entry in ascending start order. size
// is addr.Unknown if the entry's size was never resolved.
type RangeFunc func(start, size addr.Addr, label string)

// ForEachRange iterates every entry in order.
func (m *RangeMap) ForEachRange(f RangeFunc) {
	for i := range m.starts {
		f(m.starts[i], m.entries[i].size, m.entries[i].label)
	}
}

// ForEachRangeWithStartFunc is called for each entry at or after the
// requested start; returning false stops iteration early.
type ForEachRangeWithStartFunc func(label string, start, size addr.Addr) bool

// ForEachRangeWithStart iterates entries at or after start, in order,
// stopping early if f returns false.
func (m *RangeMap) ForEachRangeWithStart(start addr.Addr, f ForEachRangeWithStartFunc) {
	i := m.findContainingOrAfter(start)
	for ; i < len(m.starts); i++ {
		if !f(m.entries[i].label, m.starts[i], m.entries[i].size) {
			return
		}
	}
}
