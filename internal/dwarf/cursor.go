package dwarf

import "github.com/xyproto/bloaty/internal/bloatyerr"

// cursor is a forward-only byte reader over one DWARF section's bytes, used
// by every fixed-width/LEB128/string reader in this package. Mirrors the
// original reader's "absl::string_view, advance as you read" style without
// needing a slicing library.
type cursor struct {
	data []byte
	pos  int
}

func newCursor(data []byte) *cursor { return &cursor{data: data} }

func (c *cursor) remaining() int { return len(c.data) - c.pos }

func (c *cursor) need(n int) error {
	if n < 0 || c.remaining() < n {
		return bloatyerr.New(bloatyerr.MalformedInput, "truncated DWARF data, need %d bytes, have %d", n, c.remaining())
	}
	return nil
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) u8() (uint8, error) {
	b, err := c.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) i8() (int8, error) {
	v, err := c.u8()
	return int8(v), err
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.bytes(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

func (c *cursor) u24() (uint32, error) {
	b, err := c.bytes(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16, nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.bytes(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.bytes(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func (c *cursor) uleb() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := c.u8()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, bloatyerr.New(bloatyerr.MalformedInput, "LEB128 value too large")
		}
	}
}

func (c *cursor) sleb() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = c.u8()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && (b&0x40) != 0 {
		result |= -1 << shift
	}
	return result, nil
}

func (c *cursor) cstring() (string, error) {
	start := c.pos
	for {
		if c.pos >= len(c.data) {
			return "", bloatyerr.New(bloatyerr.MalformedInput, "unterminated DWARF string")
		}
		if c.data[c.pos] == 0 {
			s := string(c.data[start:c.pos])
			c.pos++
			return s, nil
		}
		c.pos++
	}
}

func (c *cursor) skip(n int) error {
	if err := c.need(n); err != nil {
		return err
	}
	c.pos += n
	return nil
}

// cstringAt reads a null-terminated string out of data starting at offset,
// used for .debug_str/.debug_line_str entries addressed by absolute offset
// rather than the current cursor position.
func cstringAt(data []byte, offset uint64) (string, error) {
	if offset > uint64(len(data)) {
		return "", bloatyerr.New(bloatyerr.MalformedInput, "string offset %#x past end of section", offset)
	}
	c := &cursor{data: data, pos: int(offset)}
	return c.cstring()
}
