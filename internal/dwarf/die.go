package dwarf

import "github.com/xyproto/bloaty/internal/bloatyerr"

// dieReader walks one CU's DIE stream, tracking nesting depth through
// null-entry sibling terminators the way the abbreviation's has_child flag
// requires.
type dieReader struct {
	remaining []byte
	pos       int
	depth     int
}

func newDIEReader(data []byte) *dieReader {
	return &dieReader{remaining: data}
}

func (d *dieReader) offset() int { return d.pos }

func (d *dieReader) skipNullEntries() {
	for d.pos < len(d.remaining) && d.remaining[d.pos] == 0 {
		d.pos++
		d.depth--
	}
}

// readCode reads the next DIE's abbreviation code and returns its
// abbreviation, or nil at end of stream.
func (d *dieReader) readCode(cu *CU) (*abbrev, error) {
	d.skipNullEntries()
	if d.pos >= len(d.remaining) {
		return nil, nil
	}
	c := &cursor{data: d.remaining, pos: d.pos}
	code, err := c.uleb()
	if err != nil {
		return nil, err
	}
	d.pos = c.pos
	ab, ok := cu.abbrev.get(code)
	if !ok {
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "couldn't find DWARF abbreviation for code %d", code)
	}
	if ab.hasChild {
		d.depth++
	}
	return ab, nil
}

type attrCallback func(a at, v attrValue) error

// readAttributes decodes every attribute ab declares, in order, invoking cb
// for each. It always consumes exactly the bytes the form dictates, so
// skipping an uninteresting DIE's attributes is just "call with a no-op
// callback" -- the same trick the original reader uses for SkipChildren.
func (d *dieReader) readAttributes(cu *CU, ab *abbrev, cb attrCallback) error {
	c := &cursor{data: d.remaining, pos: d.pos}
	for _, spec := range ab.attrs {
		v, err := parseAttr(cu.sizes, spec.form, spec.implicitConst, c)
		if err != nil {
			return err
		}
		if cb != nil {
			if err := cb(spec.name, v); err != nil {
				return err
			}
		}
	}
	d.pos = c.pos
	return nil
}

// skipChildren advances past every descendant of the DIE whose abbrev
// (already read) is ab, leaving the reader positioned at its next sibling.
func (d *dieReader) skipChildren(cu *CU, ab *abbrev) error {
	if !ab.hasChild {
		return nil
	}
	target := d.depth - 1
	d.skipNullEntries()
	for d.depth > target {
		child, err := d.readCode(cu)
		if err != nil {
			return err
		}
		if child == nil {
			return nil
		}
		if err := d.readAttributes(cu, child, nil); err != nil {
			return err
		}
		d.skipNullEntries()
	}
	return nil
}
