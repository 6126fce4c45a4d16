package sink

import (
	"sort"

	"github.com/xyproto/bloaty/internal/addr"
	"github.com/xyproto/bloaty/internal/bloatyerr"
	"github.com/xyproto/bloaty/internal/rangemap"
)

// FillUnmappedBase sweeps the base sink's own VM and file domains up to
// vmSize/fileSize for any byte not yet claimed by a real segment/section
// and labels it label (conventionally "[Unmapped]"). Every front-end's
// ProcessBaseMap calls this last so the base map always fully covers the
// file, per the front-end contract.
func (s *RangeSink) FillUnmappedBase(vmSize, fileSize addr.Addr, label string) error {
	if s.translator != nil {
		return bloatyerr.New(bloatyerr.SemanticMismatch, "FillUnmappedBase is only valid on the base sink")
	}
	for _, out := range s.outputs {
		if err := fillGaps(out.Map.VM, vmSize, label); err != nil {
			return err
		}
		if err := fillGaps(out.Map.File, fileSize, label); err != nil {
			return err
		}
	}
	return nil
}

func fillGaps(m *rangemap.RangeMap, total addr.Addr, label string) error {
	type interval struct{ start, size addr.Addr }
	var existing []interval
	m.ForEachRange(func(start, size addr.Addr, _ string) {
		existing = append(existing, interval{start, size})
	})
	sort.Slice(existing, func(i, j int) bool { return existing[i].start < existing[j].start })

	var next addr.Addr
	for _, iv := range existing {
		if iv.start > next {
			if err := m.AddRange(next, iv.start-next, label); err != nil {
				return err
			}
		}
		if end := iv.start + iv.size; end > next {
			next = end
		}
	}
	if next < total {
		return m.AddRange(next, total-next, label)
	}
	return nil
}
