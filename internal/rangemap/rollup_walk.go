package rangemap

import (
	"fmt"

	"github.com/xyproto/bloaty/internal/addr"
)

// RollupEventFunc receives one contiguous, uniformly-labeled slice of the
// address axis. labels[0] is the base map's (maps[0]) label for that slice;
// labels[i] for i>=1 is whatever label map[i] has at [start, end), or "" if
// map[i] has a gap there, hasn't started yet, or has already ended.
type RollupEventFunc func(labels []string, start, end addr.Addr)

// ComputeRollup walks N RangeMaps in lockstep over the address axis and
// emits a sequence of events describing, for each contiguous region of the
// base map (maps[0]), what every other map's label is at that region.
//
// maps[0] (the base map) must be contiguous: any byte it doesn't cover is a
// hard error, and a secondary map can never extend beyond it. Secondary
// maps (maps[1:]) may have gaps, may start after the base map's start, may
// start partway through a base range, and may end before the base map
// does -- the three relaxations the caller (usually a Rollup tree builder
// walking a data source's RangeMap against the base DualMap) relies on.
func ComputeRollup(maps []*RangeMap, f RollupEventFunc) error {
	if len(maps) == 0 {
		return fmt.Errorf("rangemap: ComputeRollup requires at least one map")
	}

	if len(maps[0].starts) == 0 {
		for i := 1; i < len(maps); i++ {
			if len(maps[i].starts) != 0 {
				return fmt.Errorf("rangemap: range exists at index %d but base map is empty", i)
			}
		}
		return nil
	}

	iters := make([]int, len(maps))
	keys := make([]string, len(maps))
	current := maps[0].starts[0]

	for i := 1; i < len(maps); i++ {
		if len(maps[i].starts) > 0 && maps[i].starts[0] < current {
			return fmt.Errorf("rangemap: range at index %d starts before base map", i)
		}
	}

	// active reports whether iters[i] names an entry that has already
	// started as of `current`, versus one it hasn't reached yet (a gap).
	active := func(i int) bool {
		return iters[i] < len(maps[i].starts) && maps[i].starts[iters[i]] <= current
	}

	for {
		if iters[0] >= len(maps[0].starts) {
			for i := 1; i < len(maps); i++ {
				if iters[i] < len(maps[i].starts) {
					return fmt.Errorf("rangemap: range extends beyond base map")
				}
			}
			return nil
		}
		if !active(0) {
			return fmt.Errorf("rangemap: base map is not contiguous at %d", current)
		}

		ends := make([]addr.Addr, len(maps))
		for i, mi := range maps {
			switch {
			case active(i):
				keys[i] = mi.entries[iters[i]].label
				ends[i] = mi.rangeEnd(iters[i])
			case iters[i] < len(mi.starts):
				keys[i] = ""
				ends[i] = mi.starts[iters[i]]
			default:
				if i == 0 {
					return fmt.Errorf("rangemap: base map ended unexpectedly")
				}
				keys[i] = ""
				ends[i] = addr.Unknown
			}
		}

		nextBreak := ends[0]
		for _, e := range ends[1:] {
			if e < nextBreak {
				nextBreak = e
			}
		}

		f(append([]string(nil), keys...), current, nextBreak)

		for i := range maps {
			if ends[i] == nextBreak && active(i) {
				iters[i]++
			}
		}
		current = nextBreak
	}
}
