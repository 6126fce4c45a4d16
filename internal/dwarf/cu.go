package dwarf

import "github.com/xyproto/bloaty/internal/bloatyerr"

// unitSizes holds the per-compile-unit encoding parameters every
// fixed-width offset/address field depends on.
type unitSizes struct {
	version  uint16
	is64     bool
	addrSize uint8
}

func (u unitSizes) offsetSize() int {
	if u.is64 {
		return 8
	}
	return 4
}

// readInitialLength reads a DWARF "initial length" field (the
// 0xffffffff-escaped 32/64-bit unit-length prefix every top-level
// .debug_info/.debug_aranges/.debug_line unit starts with) and returns the
// unit's own length plus whether it turned out to be the 64-bit variant.
func readInitialLength(c *cursor) (length uint64, is64 bool, err error) {
	v, err := c.u32()
	if err != nil {
		return 0, false, err
	}
	if v == 0xffffffff {
		length, err = c.u64()
		return length, true, err
	}
	return uint64(v), false, nil
}

func (u *unitSizes) readOffset(c *cursor) (uint64, error) {
	if u.is64 {
		return c.u64()
	}
	v, err := c.u32()
	return uint64(v), err
}

// CU is one parsed compile unit: its header fields, resolved indirection
// bases, and the raw DIE stream ready for walking.
type CU struct {
	sizes  unitSizes
	abbrev *abbrevTable

	unitOffset uint64 // absolute offset of this CU within .debug_info
	unitType   uint8

	addrBase       uint64
	strOffsetsBase uint64
	rngListsBase   uint64

	name    string
	compDir string
	lowPC   uint64
	highPC  uint64
	hasPC   bool

	stmtList    uint64
	hasStmtList bool

	dieData []byte // the DIE stream, starting at the root DIE's abbrev code
}

// readCU parses one compile unit's header starting at data (already
// positioned past the initial-length field) and returns the CU plus its
// DIE stream (the bytes from the root DIE's abbrev code on). The
// abbreviation table its debug_abbrev_offset selects is fetched and
// cached in r if not already cached.
func (r *Reader) readCU(unitOffset uint64, is64 bool, data []byte) (*CU, []byte, error) {
	c := newCursor(data)
	version, err := c.u16()
	if err != nil {
		return nil, nil, err
	}
	if version > 5 {
		return nil, nil, bloatyerr.New(bloatyerr.MalformedInput, "DWARF version %d is not understood", version)
	}

	cu := &CU{sizes: unitSizes{version: version, is64: is64}, unitOffset: unitOffset}

	var abbrevOffset uint64
	if version == 5 {
		unitType, err := c.u8()
		if err != nil {
			return nil, nil, err
		}
		cu.unitType = unitType
		addrSize, err := c.u8()
		if err != nil {
			return nil, nil, err
		}
		cu.sizes.addrSize = addrSize
		abbrevOffset, err = cu.sizes.readOffset(c)
		if err != nil {
			return nil, nil, err
		}
		switch unitType {
		case utSkeleton, utSplitCompile:
			if err := c.skip(8); err != nil { // dwo_id
				return nil, nil, err
			}
		case utType, utSplitType:
			if err := c.skip(8); err != nil { // type signature
				return nil, nil, err
			}
			if _, err := cu.sizes.readOffset(c); err != nil {
				return nil, nil, err
			}
		}
	} else {
		abbrevOffset, err = cu.sizes.readOffset(c)
		if err != nil {
			return nil, nil, err
		}
		addrSize, err := c.u8()
		if err != nil {
			return nil, nil, err
		}
		cu.sizes.addrSize = addrSize
	}

	abbrevTbl, err := r.abbrevTableAt(abbrevOffset)
	if err != nil {
		return nil, nil, err
	}
	cu.abbrev = abbrevTbl
	cu.dieData = data[c.pos:]

	if err := r.readTopLevelDIE(cu); err != nil {
		return nil, nil, err
	}

	return cu, cu.dieData, nil
}

func (r *Reader) abbrevTableAt(offset uint64) (*abbrevTable, error) {
	if t, ok := r.abbrevCache[offset]; ok {
		return t, nil
	}
	if offset > uint64(len(r.sections.Abbrev)) {
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "debug_abbrev_offset %#x past end of section", offset)
	}
	t, err := readAbbrevTable(r.sections.Abbrev[offset:])
	if err != nil {
		return nil, err
	}
	if r.abbrevCache == nil {
		r.abbrevCache = make(map[uint64]*abbrevTable)
	}
	r.abbrevCache[offset] = t
	return t, nil
}

// readTopLevelDIE reads just the CU's root DIE, populating the bases and
// name other attribute resolution (strx/addrx) depends on -- mirroring the
// original reader's CU::ReadTopLevelDIE, run once up front before any
// other DIE in the unit is interpreted.
func (r *Reader) readTopLevelDIE(cu *CU) error {
	dr := newDIEReader(cu.dieData)
	ab, err := dr.readCode(cu)
	if err != nil {
		return err
	}
	if ab == nil {
		return nil
	}
	return dr.readAttributes(cu, ab, func(a at, v attrValue) error {
		switch a {
		case atName:
			if v.isString() {
				s, err := r.resolveString(cu, v)
				if err != nil {
					return err
				}
				cu.name = s
			}
		case atCompDir:
			if v.isString() {
				s, err := r.resolveString(cu, v)
				if err != nil {
					return err
				}
				cu.compDir = s
			}
		case atLowPC:
			u, err := r.resolveUint(cu, v)
			if err != nil {
				return err
			}
			cu.lowPC = u
			cu.hasPC = true
		case atHighPC:
			u, err := r.resolveUint(cu, v)
			if err != nil {
				return err
			}
			if v.form == formAddr || v.form == formRefAddr {
				cu.highPC = u
			} else {
				// DWARF4+ commonly encodes high_pc as an offset from low_pc.
				cu.highPC = cu.lowPC + u
			}
		case atAddrBase:
			if v.form == formSecOffset {
				cu.addrBase = v.uval
			}
		case atStrOffsetsBase:
			if v.form == formSecOffset {
				cu.strOffsetsBase = v.uval
			}
		case atRnglistsBase:
			if v.form == formSecOffset {
				cu.rngListsBase = v.uval
			}
		case atStmtList:
			u, err := r.resolveUint(cu, v)
			if err != nil {
				return err
			}
			cu.stmtList = u
			cu.hasStmtList = true
		}
		return nil
	})
}
