package dwarf

import "github.com/xyproto/bloaty/internal/bloatyerr"

// attrSpec is one (name, form) pair inside an abbreviation declaration.
// implicitConst carries DW_FORM_implicit_const's value, which lives in the
// abbreviation itself rather than in each DIE's attribute stream.
type attrSpec struct {
	name          at
	form          form
	implicitConst int64
}

// abbrev is one parsed entry from .debug_abbrev: a DIE tag, whether it has
// children, and the ordered list of attributes every DIE using this code
// carries.
type abbrev struct {
	code     uint64
	tag      Tag
	hasChild bool
	attrs    []attrSpec
}

// abbrevTable is every abbreviation declared at one .debug_abbrev offset,
// keyed by code. Cached per debug_abbrev_offset the same way the original
// reader caches it, since many CUs in one file usually share one table.
type abbrevTable struct {
	byCode map[uint64]*abbrev
}

func readAbbrevTable(data []byte) (*abbrevTable, error) {
	t := &abbrevTable{byCode: make(map[uint64]*abbrev)}
	c := newCursor(data)
	for {
		code, err := c.uleb()
		if err != nil {
			return nil, err
		}
		if code == 0 {
			return t, nil
		}
		if _, dup := t.byCode[code]; dup {
			return nil, bloatyerr.New(bloatyerr.MalformedInput, "duplicate DWARF abbrev code %d", code)
		}

		tagVal, err := c.uleb()
		if err != nil {
			return nil, err
		}
		childFlag, err := c.u8()
		if err != nil {
			return nil, err
		}
		if childFlag != childrenYes && childFlag != childrenNo {
			return nil, bloatyerr.New(bloatyerr.MalformedInput, "DWARF abbrev has_child is neither true nor false: %d", childFlag)
		}

		a := &abbrev{code: code, tag: Tag(tagVal), hasChild: childFlag == childrenYes}
		for {
			nameVal, err := c.uleb()
			if err != nil {
				return nil, err
			}
			formVal, err := c.uleb()
			if err != nil {
				return nil, err
			}
			if nameVal == 0 && formVal == 0 {
				break
			}
			spec := attrSpec{name: at(nameVal), form: form(formVal)}
			if spec.form == formImplicitConst {
				v, err := c.sleb()
				if err != nil {
					return nil, err
				}
				spec.implicitConst = v
			}
			a.attrs = append(a.attrs, spec)
		}
		t.byCode[code] = a
	}
}

func (t *abbrevTable) get(code uint64) (*abbrev, bool) {
	a, ok := t.byCode[code]
	return a, ok
}
