package dwarf

import (
	"testing"

	"github.com/xyproto/bloaty/internal/addr"
	"github.com/xyproto/bloaty/internal/sink"
)

func u8(v uint8) []byte { return []byte{v} }

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func cstr(s string) []byte { return append([]byte(s), 0) }

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func u32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// buildSimpleCU constructs a minimal DWARF4 .debug_abbrev + .debug_info pair
// for a single compile unit named "main.c" covering [0x1000, 0x1010), with no
// children, enough to drive forEachCU/ProcessCompileUnits end to end.
func buildSimpleCU(t *testing.T) Sections {
	t.Helper()

	// Abbrev code 1: DW_TAG_compile_unit, no children, DW_AT_name (string),
	// DW_AT_low_pc (addr), DW_AT_high_pc (data8, offset form).
	abbrev := concat(
		uleb(1), uleb(uint64(tagCompileUnit)), u8(childrenNo),
		uleb(uint64(atName)), uleb(uint64(formString)),
		uleb(uint64(atLowPC)), uleb(uint64(formAddr)),
		uleb(uint64(atHighPC)), uleb(uint64(formData8)),
		uleb(0), uleb(0), // end attr list
		uleb(0), // end table
	)

	die := concat(
		uleb(1), // abbrev code
		cstr("main.c"),
		[]byte{0x00, 0x10, 0, 0, 0, 0, 0, 0}, // low_pc = 0x1000
		[]byte{0x10, 0, 0, 0, 0, 0, 0, 0},    // high_pc = 0x10 (offset form)
	)

	cuHeader := concat(
		u32le(0), // version+abbrev_offset+addr_size placeholder, replaced below
	)
	_ = cuHeader

	// version(2) + debug_abbrev_offset(4) + address_size(1), then DIE data.
	body := concat(
		[]byte{4, 0}, // version 4
		u32le(0),     // abbrev offset
		u8(8),        // address size
		die,
	)
	unitLength := u32le(uint32(len(body)))
	info := concat(unitLength, body)

	return Sections{Info: info, Abbrev: abbrev}
}

func TestProcessCompileUnitsEmitsNamedRange(t *testing.T) {
	sections := buildSimpleCU(t)
	r := New(sections)

	ds := sink.NewOutput(nil)
	translator := ds.Map // reuse same map as translator; base-populate it directly
	if err := translator.AddRange("seg", 0x1000, 0x10, 0, 0x10); err != nil {
		t.Fatalf("seeding translator: %v", err)
	}
	out := sink.NewOutput(nil)
	s := sink.New(nil, sink.CompileUnits, translator, out)

	if err := r.ProcessCompileUnits(s, nil); err != nil {
		t.Fatalf("ProcessCompileUnits: %v", err)
	}

	label, ok := out.Map.VM.TryGetLabel(0x1000)
	if !ok || label != "main.c" {
		t.Fatalf("expected label main.c at 0x1000, got %q (ok=%v)", label, ok)
	}
}

func TestAddrSizeDispatch(t *testing.T) {
	c := newCursor([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	v, err := readUnitAddr(c, 4)
	if err != nil {
		t.Fatal(err)
	}
	if v != uint64(0x04030201) {
		t.Fatalf("got %#x", v)
	}
	c2 := newCursor([]byte{1, 0, 0, 0, 0, 0, 0, 0})
	v2, err := readUnitAddr(c2, 8)
	if err != nil {
		t.Fatal(err)
	}
	if v2 != 1 {
		t.Fatalf("got %d", v2)
	}
}

func TestLineRunBasicSequence(t *testing.T) {
	// A minimal DWARF4 .debug_line program: one sequence with
	// DW_LNE_set_address(0x1000), DW_LNS_copy, DW_LNS_advance_pc(4),
	// DW_LNE_end_sequence.
	opcodeBase := uint8(13)
	program := concat(
		[]byte{0, 9, 2}, uint64le(0x1000, 8), // extended op: set_address (len=9 incl subop)
		u8(lnsCopy),
		u8(lnsAdvancePC), uleb(4),
		[]byte{0, 1, uint8(lneEndSequence)},
	)

	lp := &lineProgram{
		sizes: unitSizes{version: 4, addrSize: 8},
		params: lineProgramParams{
			minInstrLen: 1, maxOpsPerInstr: 1, defaultIsStmt: true,
			lineBase: -5, lineRange: 14, opcodeBase: opcodeBase,
			stdOpcodeLens: make([]uint8, opcodeBase),
		},
		includeDirs: []string{""},
		fileNames:   []fileNameEntry{{}, {name: "main.c"}},
		program:     program,
	}

	lr := newLineRun(lp)
	addr1, file1, line1, end1, ok1, err := lr.next()
	if err != nil {
		t.Fatal(err)
	}
	if !ok1 || end1 || addr1 != 0x1000 || file1 != 1 || line1 != 1 {
		t.Fatalf("unexpected first row: addr=%#x file=%d line=%d end=%v ok=%v", addr1, file1, line1, end1, ok1)
	}

	addr2, _, _, end2, ok2, err := lr.next()
	if err != nil {
		t.Fatal(err)
	}
	if !ok2 || !end2 || addr2 != 0x1004 {
		t.Fatalf("unexpected end_sequence row: addr=%#x end=%v ok=%v", addr2, end2, ok2)
	}

	_, _, _, _, ok3, err := lr.next()
	if err != nil {
		t.Fatal(err)
	}
	if ok3 {
		t.Fatalf("expected end of program")
	}
}

func uint64le(v uint64, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

func TestProcessInlinesComposesFileColonLine(t *testing.T) {
	opcodeBase := uint8(13)
	linesProgram := concat(
		[]byte{0, 9, 2}, uint64le(0x2000, 8),
		u8(lnsCopy),
		u8(lnsAdvancePC), uleb(8),
		u8(lnsAdvanceLine), sleb(1),
		u8(lnsCopy),
		u8(lnsAdvancePC), uleb(8),
		[]byte{0, 1, uint8(lneEndSequence)},
	)

	lineHeader := concat(
		[]byte{4, 0}, // version 4
		u32le(0),     // header_length placeholder, fixed below
		u8(1),        // minimum_instruction_length
		u8(1),        // maximum_operations_per_instruction
		u8(1),        // default_is_stmt
		[]byte{0xfb}, // line_base = -5
		u8(14),       // line_range
		u8(opcodeBase),
	)
	lineHeader = append(lineHeader, make([]byte, opcodeBase-1)...) // std opcode lengths, all zero (unused ops)
	lineHeader = concat(lineHeader, cstr(""))                      // end of include_directories
	lineHeader = concat(lineHeader, cstr("main.c"), uleb(0), uleb(0), uleb(0), cstr(""))

	headerLenField := len(lineHeader) - 2 /*version*/ - 4 /*header_length field*/
	hl := u32le(uint32(headerLenField))
	copy(lineHeader[2:6], hl)

	full := concat(lineHeader, linesProgram)
	unitLen := u32le(uint32(len(full)))
	lineSection := concat(unitLen, full)

	abbrev := concat(
		uleb(1), uleb(uint64(tagCompileUnit)), u8(childrenNo),
		uleb(uint64(atName)), uleb(uint64(formString)),
		uleb(uint64(atStmtList)), uleb(uint64(formSecOffset)),
		uleb(0), uleb(0),
		uleb(0),
	)
	die := concat(uleb(1), cstr("main.c"), u32le(0))
	infoBody := concat([]byte{4, 0}, u32le(0), u8(8), die)
	info := concat(u32le(uint32(len(infoBody))), infoBody)

	sections := Sections{Info: info, Abbrev: abbrev, Line: lineSection}
	r := New(sections)

	translator := sink.NewOutput(nil).Map
	if err := translator.AddRange("seg", 0x2000, 0x20, 0, 0x20); err != nil {
		t.Fatal(err)
	}
	out := sink.NewOutput(nil)
	s := sink.New(nil, sink.Inlines, translator, out)

	if err := r.ProcessInlines(s, true); err != nil {
		t.Fatalf("ProcessInlines: %v", err)
	}

	label, ok := out.Map.VM.TryGetLabel(0x2000)
	if !ok || label != "main.c:1" {
		t.Fatalf("expected main.c:1 at 0x2000, got %q (ok=%v)", label, ok)
	}
	label2, ok2 := out.Map.VM.TryGetLabel(0x2008)
	if !ok2 || label2 != "main.c:2" {
		t.Fatalf("expected main.c:2 at 0x2008, got %q (ok=%v)", label2, ok2)
	}
}

func sleb(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

var _ = addr.Addr(0)
