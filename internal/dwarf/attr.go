package dwarf

import "github.com/xyproto/bloaty/internal/bloatyerr"

type valueKind int

const (
	kindUint valueKind = iota
	kindString
	kindBlock
	kindUnresolvedString // strx*: uint_ holds the string-offsets-table index
	kindUnresolvedUint   // addrx*: uint_ holds the .debug_addr table index
)

// attrValue is one decoded DIE attribute. strx/addrx forms are stored
// unresolved (as a table index) until a CU's addr_base/str_offsets_base
// are known, exactly as the original reader defers them -- those bases are
// themselves attributes of the CU's own root DIE, read before any other
// attribute can be safely resolved.
type attrValue struct {
	form form
	kind valueKind
	uval uint64
	sval string
	bval []byte
}

func (v attrValue) isString() bool {
	return v.kind == kindString || v.kind == kindUnresolvedString
}

func (v attrValue) isUint() bool {
	return v.kind == kindUint || v.kind == kindUnresolvedUint
}

// parseAttr decodes one attribute's value out of c, per spec's dispatch on
// DW_FORM_*. implicitConst supplies DW_FORM_implicit_const's value, which
// lives in the abbreviation declaration rather than in c.
func parseAttr(sizes unitSizes, f form, implicitConst int64, c *cursor) (attrValue, error) {
	switch f {
	case formIndirect:
		indirect, err := c.uleb()
		if err != nil {
			return attrValue{}, err
		}
		if form(indirect) == formIndirect {
			return attrValue{}, bloatyerr.New(bloatyerr.MalformedInput, "indirect attribute has indirect form type")
		}
		return parseAttr(sizes, form(indirect), 0, c)

	case formRef1, formData1, formFlag:
		v, err := c.u8()
		return attrValue{form: f, kind: kindUint, uval: uint64(v)}, err
	case formRef2, formData2:
		v, err := c.u16()
		return attrValue{form: f, kind: kindUint, uval: uint64(v)}, err
	case formRef4, formData4:
		v, err := c.u32()
		return attrValue{form: f, kind: kindUint, uval: uint64(v)}, err
	case formRefSig8, formRef8, formData8:
		v, err := c.u64()
		return attrValue{form: f, kind: kindUint, uval: v}, err
	case formData16:
		b, err := c.bytes(16)
		return attrValue{form: f, kind: kindBlock, bval: b}, err

	case formStrx1:
		v, err := c.u8()
		return attrValue{form: f, kind: kindUnresolvedString, uval: uint64(v)}, err
	case formStrx2:
		v, err := c.u16()
		return attrValue{form: f, kind: kindUnresolvedString, uval: uint64(v)}, err
	case formStrx3:
		v, err := c.u24()
		return attrValue{form: f, kind: kindUnresolvedString, uval: uint64(v)}, err
	case formStrx4:
		v, err := c.u32()
		return attrValue{form: f, kind: kindUnresolvedString, uval: uint64(v)}, err
	case formStrx:
		v, err := c.uleb()
		return attrValue{form: f, kind: kindUnresolvedString, uval: v}, err

	case formAddrx1:
		v, err := c.u8()
		return attrValue{form: f, kind: kindUnresolvedUint, uval: uint64(v)}, err
	case formAddrx2:
		v, err := c.u16()
		return attrValue{form: f, kind: kindUnresolvedUint, uval: uint64(v)}, err
	case formAddrx3:
		v, err := c.u24()
		return attrValue{form: f, kind: kindUnresolvedUint, uval: uint64(v)}, err
	case formAddrx4:
		v, err := c.u32()
		return attrValue{form: f, kind: kindUnresolvedUint, uval: uint64(v)}, err
	case formAddrx:
		v, err := c.uleb()
		return attrValue{form: f, kind: kindUnresolvedUint, uval: v}, err

	case formAddr:
		return readAddrSized(sizes, f, c)

	case formRefAddr:
		if sizes.version <= 2 {
			return readAddrSized(sizes, f, c)
		}
		fallthrough
	case formSecOffset:
		if sizes.is64 {
			v, err := c.u64()
			return attrValue{form: f, kind: kindUint, uval: v}, err
		}
		v, err := c.u32()
		return attrValue{form: f, kind: kindUint, uval: uint64(v)}, err

	case formUdata, formRefUdata, formLoclistx, formRnglistx:
		v, err := c.uleb()
		return attrValue{form: f, kind: kindUint, uval: v}, err
	case formSdata:
		v, err := c.sleb()
		return attrValue{form: f, kind: kindUint, uval: uint64(v)}, err

	case formBlock1:
		n, err := c.u8()
		if err != nil {
			return attrValue{}, err
		}
		b, err := c.bytes(int(n))
		return attrValue{form: f, kind: kindBlock, bval: b}, err
	case formBlock2:
		n, err := c.u16()
		if err != nil {
			return attrValue{}, err
		}
		b, err := c.bytes(int(n))
		return attrValue{form: f, kind: kindBlock, bval: b}, err
	case formBlock4:
		n, err := c.u32()
		if err != nil {
			return attrValue{}, err
		}
		b, err := c.bytes(int(n))
		return attrValue{form: f, kind: kindBlock, bval: b}, err
	case formBlock, formExprloc:
		n, err := c.uleb()
		if err != nil {
			return attrValue{}, err
		}
		b, err := c.bytes(int(n))
		return attrValue{form: f, kind: kindBlock, bval: b}, err

	case formString:
		s, err := c.cstring()
		return attrValue{form: f, kind: kindString, sval: s}, err

	case formStrp, formLineStrp:
		var offset uint64
		var err error
		if sizes.is64 {
			offset, err = c.u64()
		} else {
			var v uint32
			v, err = c.u32()
			offset = uint64(v)
		}
		if err != nil {
			return attrValue{}, err
		}
		return attrValue{form: f, kind: kindUint, uval: offset}, nil

	case formFlagPresent:
		return attrValue{form: f, kind: kindUint, uval: 1}, nil

	case formImplicitConst:
		return attrValue{form: f, kind: kindUint, uval: uint64(implicitConst)}, nil

	default:
		return attrValue{}, bloatyerr.New(bloatyerr.MalformedInput, "don't know how to parse DWARF form %#x", uint16(f))
	}
}

func readAddrSized(sizes unitSizes, f form, c *cursor) (attrValue, error) {
	switch sizes.addrSize {
	case 4:
		v, err := c.u32()
		return attrValue{form: f, kind: kindUint, uval: uint64(v)}, err
	case 8:
		v, err := c.u64()
		return attrValue{form: f, kind: kindUint, uval: v}, err
	default:
		return attrValue{}, bloatyerr.New(bloatyerr.MalformedInput, "unsupported DWARF address size %d", sizes.addrSize)
	}
}
