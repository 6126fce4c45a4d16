// Package dwarf implements a DWARF 2-5 debug-info reader supporting the
// compileunits and inlines data sources: abbreviation tables, compile-unit
// headers, the DW_FORM_* attribute dispatch (including deferred
// strx/addrx resolution), .debug_aranges, a .debug_info DIE walk, and the
// .debug_line state machine.
package dwarf

import (
	"fmt"

	"github.com/xyproto/bloaty/internal/addr"
	"github.com/xyproto/bloaty/internal/bloatyerr"
	"github.com/xyproto/bloaty/internal/sink"
)

// Sections is the raw bytes of every DWARF section a binary front-end's
// DWARFSection/Sections lookup can supply. A nil slice simply means that
// section wasn't present in the file; readers degrade gracefully (e.g. no
// .debug_aranges falls back to the .debug_info DIE walk).
type Sections struct {
	Info          []byte
	Abbrev        []byte
	Aranges       []byte
	Str           []byte
	LineStr       []byte
	StrOffsets    []byte
	Addr          []byte
	Line          []byte
}

// Reader is a DWARF reader bound to one file's set of debug sections.
type Reader struct {
	sections    Sections
	abbrevCache map[uint64]*abbrevTable
}

// New returns a Reader over sections.
func New(sections Sections) *Reader {
	return &Reader{sections: sections}
}

// SymbolLookup resolves a linkage name to its VM address and size, for
// DIEs that carry only DW_AT_linkage_name (no low_pc of their own) --
// backed by whatever the binary front-end's symbol table data source
// already found.
type SymbolLookup func(linkageName string) (vmaddr, size addr.Addr, ok bool)

func (r *Reader) resolveString(cu *CU, v attrValue) (string, error) {
	switch v.kind {
	case kindString:
		return v.sval, nil
	case kindUint:
		switch v.form {
		case formStrp:
			return cstringAt(r.sections.Str, v.uval)
		case formLineStrp:
			return cstringAt(r.sections.LineStr, v.uval)
		}
		return "", bloatyerr.New(bloatyerr.SemanticMismatch, "form %#x is not a string form", uint16(v.form))
	case kindUnresolvedString:
		return r.resolveIndirectString(cu, v.uval)
	default:
		return "", bloatyerr.New(bloatyerr.SemanticMismatch, "attribute has no string representation")
	}
}

// resolveIndirectString resolves a DW_FORM_strx* index: look up the
// index'th entry of .debug_str_offsets (based at cu.strOffsetsBase), which
// itself is an offset into .debug_str.
func (r *Reader) resolveIndirectString(cu *CU, index uint64) (string, error) {
	offsetSize := uint64(cu.sizes.offsetSize())
	pos := cu.strOffsetsBase + index*offsetSize
	c := newCursor(r.sections.StrOffsets)
	c.pos = int(pos)
	var ofs uint64
	var err error
	if cu.sizes.is64 {
		ofs, err = c.u64()
	} else {
		var v uint32
		v, err = c.u32()
		ofs = uint64(v)
	}
	if err != nil {
		return "", fmt.Errorf("dwarf: resolving strx index %d: %w", index, err)
	}
	return cstringAt(r.sections.Str, ofs)
}

func (r *Reader) resolveUint(cu *CU, v attrValue) (uint64, error) {
	switch v.kind {
	case kindUint:
		return v.uval, nil
	case kindUnresolvedUint:
		return r.resolveIndirectAddr(cu, v.uval)
	default:
		return 0, bloatyerr.New(bloatyerr.SemanticMismatch, "attribute has no integer representation")
	}
}

// resolveIndirectAddr resolves a DW_FORM_addrx* index via .debug_addr.
func (r *Reader) resolveIndirectAddr(cu *CU, index uint64) (uint64, error) {
	pos := cu.addrBase + index*uint64(cu.sizes.addrSize)
	c := newCursor(r.sections.Addr)
	c.pos = int(pos)
	switch cu.sizes.addrSize {
	case 4:
		v, err := c.u32()
		return uint64(v), err
	case 8:
		return c.u64()
	default:
		return 0, bloatyerr.New(bloatyerr.MalformedInput, "unsupported DWARF address size %d", cu.sizes.addrSize)
	}
}

// forEachCU walks every compile unit in .debug_info, invoking f with each
// parsed CU header and its DIE-stream reader positioned at the root DIE.
func (r *Reader) forEachCU(f func(cu *CU, dr *dieReader) error) error {
	info := r.sections.Info
	offset := uint64(0)
	for offset < uint64(len(info)) {
		c := newCursor(info[offset:])
		length, is64, err := readInitialLength(c)
		if err != nil {
			return err
		}
		headerLen := c.pos
		unitBytes := info[offset+uint64(headerLen) : offset+uint64(headerLen)+length]

		cu, dieData, err := r.readCU(offset, is64, unitBytes)
		if err != nil {
			return err
		}
		if err := f(cu, newDIEReader(dieData)); err != nil {
			return err
		}

		offset += uint64(headerLen) + length
	}
	return nil
}

// ProcessCompileUnits implements the compileunits data source: one VM
// range per compile unit (from its low_pc/high_pc when present), plus one
// range per DW_TAG_subprogram DIE directly nested under it (whether found
// via its own low_pc/high_pc, or by resolving a linkage name through
// lookup), all labeled with the compile unit's own name.
func (r *Reader) ProcessCompileUnits(s *sink.RangeSink, lookup SymbolLookup) error {
	if len(r.sections.Aranges) > 0 {
		nameByOffset := make(map[uint64]string)
		if err := r.forEachCU(func(cu *CU, dr *dieReader) error {
			nameByOffset[cu.unitOffset] = cu.name
			return nil
		}); err != nil {
			return err
		}
		if err := r.processAddressRanges(s, nameByOffset); err != nil {
			return err
		}
	}

	return r.forEachCU(func(cu *CU, dr *dieReader) error {
		label := cu.name
		if label == "" {
			label = "[??]"
		}

		// Root DIE was already consumed by readTopLevelDIE; re-walk from
		// the start so we see it (and its children) again, this time
		// emitting ranges instead of just harvesting bases.
		dr2 := newDIEReader(cu.dieData)
		rootAb, err := dr2.readCode(cu)
		if err != nil {
			return err
		}
		if rootAb == nil {
			return nil
		}
		if err := dr2.readAttributes(cu, rootAb, nil); err != nil {
			return err
		}
		if cu.hasPC && cu.highPC > cu.lowPC {
			if err := s.AddVMRangeIgnoreDuplicate(addr.Addr(cu.lowPC), addr.Addr(cu.highPC-cu.lowPC), label); err != nil {
				return err
			}
		}

		return r.walkChildrenForRanges(s, cu, dr2, rootAb, label, lookup)
	})
}

// walkChildrenForRanges walks every descendant of the DIE whose abbrev is
// parentAb (already consumed from dr), emitting one VM range per
// DW_TAG_subprogram found, labeled with label (the enclosing CU's name).
// A subprogram with no PC range of its own but a resolvable linkage name
// is skipped: the symbol table's own entry for that name, already present
// in the base map, covers its bytes under the compileunits tree once the
// scan driver folds compile-unit and symbol ranges together.
func (r *Reader) walkChildrenForRanges(s *sink.RangeSink, cu *CU, dr *dieReader, parentAb *abbrev, label string, lookup SymbolLookup) error {
	if !parentAb.hasChild {
		return nil
	}
	targetDepth := dr.depth - 1
	dr.skipNullEntries()
	for dr.depth > targetDepth {
		ab, err := dr.readCode(cu)
		if err != nil {
			return err
		}
		if ab == nil {
			return nil
		}

		var lowPC, highPC uint64
		var hasPC bool
		var linkageName string
		err = dr.readAttributes(cu, ab, func(a at, v attrValue) error {
			switch a {
			case atLowPC:
				u, err := r.resolveUint(cu, v)
				if err != nil {
					return err
				}
				lowPC = u
				hasPC = true
			case atHighPC:
				u, err := r.resolveUint(cu, v)
				if err != nil {
					return err
				}
				if v.form == formAddr || v.form == formRefAddr {
					highPC = u
				} else {
					highPC = lowPC + u
				}
			case atLinkageName, atMIPSLinkageName:
				if v.isString() {
					name, err := r.resolveString(cu, v)
					if err != nil {
						return err
					}
					linkageName = name
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if ab.tag == tagSubprogram && hasPC && highPC > lowPC {
			if err := s.AddVMRangeIgnoreDuplicate(addr.Addr(lowPC), addr.Addr(highPC-lowPC), label); err != nil {
				return err
			}
		} else if ab.tag == tagSubprogram && linkageName != "" && lookup != nil {
			if vmaddr, size, ok := lookup(linkageName); ok && size > 0 {
				if err := s.AddVMRangeIgnoreDuplicate(vmaddr, size, label); err != nil {
					return err
				}
			}
		}

		if err := r.walkChildrenForRanges(s, cu, dr, ab, label, lookup); err != nil {
			return err
		}
		dr.skipNullEntries()
	}
	return nil
}
