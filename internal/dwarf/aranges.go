package dwarf

import (
	"github.com/xyproto/bloaty/internal/addr"
	"github.com/xyproto/bloaty/internal/bloatyerr"
	"github.com/xyproto/bloaty/internal/sink"
)

// processAddressRanges implements the compileunits data source's
// authoritative path: .debug_aranges gives a direct VM-range -> CU-offset
// table, used in preference to the heuristic .debug_info DIE walk whenever
// the producer emitted one (some compilers emit incomplete tables, which is
// exactly why ProcessCompileUnits still runs the DIE walk afterward --
// first-writer-wins in the underlying RangeMap keeps these ranges dominant).
func (r *Reader) processAddressRanges(s *sink.RangeSink, nameByOffset map[uint64]string) error {
	data := r.sections.Aranges
	pos := uint64(0)
	for pos < uint64(len(data)) {
		c := newCursor(data[pos:])
		length, is64, err := readInitialLength(c)
		if err != nil {
			return err
		}
		headerLen := uint64(c.pos)
		unitEnd := pos + headerLen + length

		version, err := c.u16()
		if err != nil {
			return err
		}
		if version > 2 {
			return bloatyerr.New(bloatyerr.MalformedInput, "DWARF .debug_aranges version %d is not understood", version)
		}

		sizes := unitSizes{is64: is64}
		cuOffset, err := sizes.readOffset(c)
		if err != nil {
			return err
		}
		addrSize, err := c.u8()
		if err != nil {
			return err
		}
		segSize, err := c.u8()
		if err != nil {
			return err
		}
		if segSize != 0 {
			return bloatyerr.New(bloatyerr.MalformedInput, "segmented .debug_aranges addresses are not supported")
		}
		if addrSize != 4 && addrSize != 8 {
			return bloatyerr.New(bloatyerr.MalformedInput, "unsupported .debug_aranges address size %d", addrSize)
		}

		// The tuple list is aligned to 2*address_size from the start of the
		// whole section, not from the start of this unit.
		alignTo := uint64(addrSize) * 2
		absOfs := pos + uint64(c.pos)
		if aligned := ((absOfs + alignTo - 1) / alignTo) * alignTo; aligned > absOfs {
			if err := c.skip(int(aligned - absOfs)); err != nil {
				return err
			}
		}

		name, ok := nameByOffset[cuOffset]
		if !ok {
			name = "[??]"
		}

		for pos+uint64(c.pos) < unitEnd {
			a, err := readUnitAddr(c, addrSize)
			if err != nil {
				return err
			}
			length, err := readUnitAddr(c, addrSize)
			if err != nil {
				return err
			}
			if a == 0 && length == 0 {
				break
			}
			if length == 0 {
				continue
			}
			if err := s.AddVMRangeIgnoreDuplicate(addr.Addr(a), addr.Addr(length), name); err != nil {
				return err
			}
		}

		pos = unitEnd
	}
	return nil
}

func readUnitAddr(c *cursor, addrSize uint8) (uint64, error) {
	if addrSize == 8 {
		return c.u64()
	}
	v, err := c.u32()
	return uint64(v), err
}
