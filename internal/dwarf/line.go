package dwarf

import (
	"fmt"

	"github.com/xyproto/bloaty/internal/addr"
	"github.com/xyproto/bloaty/internal/bloatyerr"
	"github.com/xyproto/bloaty/internal/sink"
)

// fileNameEntry is one entry of a .debug_line file-name table.
type fileNameEntry struct {
	name     string
	dirIndex uint64
}

// lineProgramParams are the fixed header fields the opcode state machine
// needs, mirroring the original reader's LineInfoReader::Params.
type lineProgramParams struct {
	minInstrLen    uint8
	maxOpsPerInstr uint8
	defaultIsStmt  bool
	lineBase       int8
	lineRange      uint8
	opcodeBase     uint8
	stdOpcodeLens  []uint8
}

// lineProgram is one compile unit's fully-parsed .debug_line header, ready
// to drive the opcode state machine over its bytecode program.
type lineProgram struct {
	sizes       unitSizes
	params      lineProgramParams
	includeDirs []string
	fileNames   []fileNameEntry
	program     []byte
}

// sourceFilename composes "<include_dir>/<filename>" for file table index,
// DWARF2-4's 1-based scheme and DWARF5's 0-based scheme both fall out of
// however fileNames was populated in parseLineProgram.
func (lp *lineProgram) sourceFilename(index uint64) string {
	if index >= uint64(len(lp.fileNames)) {
		return "[unknown]"
	}
	fn := lp.fileNames[index]
	dir := ""
	if fn.dirIndex < uint64(len(lp.includeDirs)) {
		dir = lp.includeDirs[fn.dirIndex]
	}
	if dir == "" {
		return fn.name
	}
	return dir + "/" + fn.name
}

// cuStmtList returns the CU root DIE's DW_AT_stmt_list value: the byte
// offset of its .debug_line program.
func (r *Reader) cuStmtList(cu *CU) (uint64, bool) {
	return cu.stmtList, cu.hasStmtList
}

// parseLineProgram parses the .debug_line unit at byte offset, resolving
// DWARF5's form-based directory/file tables (strx forms included) against
// cu's own str_offsets_base.
func (r *Reader) parseLineProgram(cu *CU, offset uint64) (*lineProgram, error) {
	data := r.sections.Line
	if offset > uint64(len(data)) {
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "debug_line offset %#x past end of section", offset)
	}
	c := newCursor(data[offset:])
	unitLength, is64, err := readInitialLength(c)
	if err != nil {
		return nil, err
	}
	unitStart := c.pos
	unitEnd := unitStart + int(unitLength)
	if unitEnd > len(c.data) {
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "debug_line unit runs past end of section")
	}

	version, err := c.u16()
	if err != nil {
		return nil, err
	}
	if version < 2 || version > 5 {
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "DWARF line program version %d is not understood", version)
	}

	sizes := unitSizes{version: version, is64: is64, addrSize: cu.sizes.addrSize}
	if version == 5 {
		as, err := c.u8()
		if err != nil {
			return nil, err
		}
		sizes.addrSize = as
		if _, err := c.u8(); err != nil { // segment_selector_size
			return nil, err
		}
	}

	headerLength, err := sizes.readOffset(c)
	if err != nil {
		return nil, err
	}
	programStart := c.pos + int(headerLength)
	if programStart > unitEnd || programStart > len(c.data) {
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "debug_line header_length runs past end of unit")
	}

	var params lineProgramParams
	b, err := c.u8()
	if err != nil {
		return nil, err
	}
	params.minInstrLen = b
	if version >= 4 {
		b, err = c.u8()
		if err != nil {
			return nil, err
		}
		params.maxOpsPerInstr = b
	} else {
		params.maxOpsPerInstr = 1
	}
	if params.maxOpsPerInstr == 0 {
		params.maxOpsPerInstr = 1
	}
	b, err = c.u8()
	if err != nil {
		return nil, err
	}
	params.defaultIsStmt = b != 0
	sb, err := c.i8()
	if err != nil {
		return nil, err
	}
	params.lineBase = sb
	b, err = c.u8()
	if err != nil {
		return nil, err
	}
	params.lineRange = b
	if params.lineRange == 0 {
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "debug_line header has zero line_range")
	}
	b, err = c.u8()
	if err != nil {
		return nil, err
	}
	params.opcodeBase = b
	params.stdOpcodeLens = make([]uint8, params.opcodeBase)
	for i := 1; i < int(params.opcodeBase); i++ {
		b, err = c.u8()
		if err != nil {
			return nil, err
		}
		params.stdOpcodeLens[i] = b
	}

	lp := &lineProgram{sizes: sizes, params: params}

	if version < 5 {
		lp.includeDirs = []string{""}
		for {
			s, err := c.cstring()
			if err != nil {
				return nil, err
			}
			if s == "" {
				break
			}
			lp.includeDirs = append(lp.includeDirs, s)
		}
		lp.fileNames = []fileNameEntry{{}}
		for {
			name, err := c.cstring()
			if err != nil {
				return nil, err
			}
			if name == "" {
				break
			}
			dirIdx, err := c.uleb()
			if err != nil {
				return nil, err
			}
			if _, err := c.uleb(); err != nil { // modified time
				return nil, err
			}
			if _, err := c.uleb(); err != nil { // file size
				return nil, err
			}
			lp.fileNames = append(lp.fileNames, fileNameEntry{name: name, dirIndex: dirIdx})
		}
	} else {
		dirs, err := r.readV5NameTable(c, cu)
		if err != nil {
			return nil, err
		}
		lp.includeDirs = dirs
		files, err := r.readV5FileTable(c, cu)
		if err != nil {
			return nil, err
		}
		lp.fileNames = files
	}

	lp.program = data[offset+uint64(programStart) : offset+uint64(unitEnd)]
	return lp, nil
}

type lineEntryFormat struct {
	contentType uint64
	form        form
}

func readLineEntryFormats(c *cursor) ([]lineEntryFormat, error) {
	count, err := c.u8()
	if err != nil {
		return nil, err
	}
	out := make([]lineEntryFormat, count)
	for i := range out {
		ct, err := c.uleb()
		if err != nil {
			return nil, err
		}
		fm, err := c.uleb()
		if err != nil {
			return nil, err
		}
		out[i] = lineEntryFormat{contentType: ct, form: form(fm)}
	}
	return out, nil
}

// readV5NameTable reads a DWARF5 directories (or, when called generically,
// any) entry-format table, returning each entry's DW_LNCT_path value.
func (r *Reader) readV5NameTable(c *cursor, cu *CU) ([]string, error) {
	formats, err := readLineEntryFormats(c)
	if err != nil {
		return nil, err
	}
	count, err := c.uleb()
	if err != nil {
		return nil, err
	}
	out := make([]string, count)
	for i := uint64(0); i < count; i++ {
		var path string
		for _, f := range formats {
			_, s, err := r.readLNCTForm(c, cu, f.form)
			if err != nil {
				return nil, err
			}
			if f.contentType == lnctPath {
				path = s
			}
		}
		out[i] = path
	}
	return out, nil
}

// readV5FileTable reads a DWARF5 file_names entry-format table, capturing
// DW_LNCT_path and DW_LNCT_directory_index per entry.
func (r *Reader) readV5FileTable(c *cursor, cu *CU) ([]fileNameEntry, error) {
	formats, err := readLineEntryFormats(c)
	if err != nil {
		return nil, err
	}
	count, err := c.uleb()
	if err != nil {
		return nil, err
	}
	out := make([]fileNameEntry, count)
	for i := uint64(0); i < count; i++ {
		var entry fileNameEntry
		for _, f := range formats {
			v, s, err := r.readLNCTForm(c, cu, f.form)
			if err != nil {
				return nil, err
			}
			switch f.contentType {
			case lnctPath:
				entry.name = s
			case lnctDirectoryIndex:
				entry.dirIndex = v
			}
		}
		out[i] = entry
	}
	return out, nil
}

// readLNCTForm reads one DW_LNCT_* value per spec's form dispatch, returning
// its integer value (directory index et al) and/or its string value (path).
func (r *Reader) readLNCTForm(c *cursor, cu *CU, f form) (uint64, string, error) {
	switch f {
	case formString:
		s, err := c.cstring()
		return 0, s, err
	case formStrp:
		off, err := cu.sizes.readOffset(c)
		if err != nil {
			return 0, "", err
		}
		s, err := cstringAt(r.sections.Str, off)
		return 0, s, err
	case formLineStrp:
		off, err := cu.sizes.readOffset(c)
		if err != nil {
			return 0, "", err
		}
		s, err := cstringAt(r.sections.LineStr, off)
		return 0, s, err
	case formStrx:
		idx, err := c.uleb()
		if err != nil {
			return 0, "", err
		}
		s, err := r.resolveIndirectString(cu, idx)
		return idx, s, err
	case formStrx1:
		v, err := c.u8()
		if err != nil {
			return 0, "", err
		}
		s, err := r.resolveIndirectString(cu, uint64(v))
		return uint64(v), s, err
	case formStrx2:
		v, err := c.u16()
		if err != nil {
			return 0, "", err
		}
		s, err := r.resolveIndirectString(cu, uint64(v))
		return uint64(v), s, err
	case formStrx3:
		v, err := c.u24()
		if err != nil {
			return 0, "", err
		}
		s, err := r.resolveIndirectString(cu, uint64(v))
		return uint64(v), s, err
	case formStrx4:
		v, err := c.u32()
		if err != nil {
			return 0, "", err
		}
		s, err := r.resolveIndirectString(cu, uint64(v))
		return uint64(v), s, err
	case formUdata:
		v, err := c.uleb()
		return v, "", err
	case formData1:
		v, err := c.u8()
		return uint64(v), "", err
	case formData2:
		v, err := c.u16()
		return uint64(v), "", err
	case formData4:
		v, err := c.u32()
		return uint64(v), "", err
	case formData8:
		v, err := c.u64()
		return v, "", err
	case formData16:
		err := c.skip(16) // MD5 checksum; unused for range attribution
		return 0, "", err
	case formBlock:
		n, err := c.uleb()
		if err != nil {
			return 0, "", err
		}
		err = c.skip(int(n))
		return 0, "", err
	default:
		return 0, "", bloatyerr.New(bloatyerr.MalformedInput, "unsupported DW_FORM %#x in .debug_line entry format", uint16(f))
	}
}

// lineRowState is the DWARF line-number state machine's mutable registers
// (DWARF5 6.2.2), reduced to the fields ProcessInlines actually consumes.
type lineRowState struct {
	address       uint64
	opIndex       uint8
	file          uint64
	line          int64
	isStmt        bool
	discriminator uint32
}

// lineRun drives one compile unit's line-number program, yielding rows in
// source order and silently discarding rows in "shadow" regions: bytecode
// left behind for code that got stripped, recognizable by a
// DW_LNE_set_address operand of exactly zero (the relocation for that
// operand was never applied).
type lineRun struct {
	lp     *lineProgram
	c      *cursor
	state  lineRowState
	shadow bool
}

func newLineRun(lp *lineProgram) *lineRun {
	lr := &lineRun{lp: lp, c: newCursor(lp.program)}
	lr.resetRow()
	return lr
}

func (lr *lineRun) resetRow() {
	lr.state = lineRowState{file: 1, line: 1, isStmt: lr.lp.params.defaultIsStmt}
}

func (lr *lineRun) advance(opAdvance uint64) {
	p := lr.lp.params
	if p.maxOpsPerInstr <= 1 {
		lr.state.address += uint64(p.minInstrLen) * opAdvance
		return
	}
	total := uint64(lr.state.opIndex) + opAdvance
	lr.state.address += uint64(p.minInstrLen) * (total / uint64(p.maxOpsPerInstr))
	lr.state.opIndex = uint8(total % uint64(p.maxOpsPerInstr))
}

func (lr *lineRun) specialOpAdvance(op uint8) uint64 {
	return uint64(op-lr.lp.params.opcodeBase) / uint64(lr.lp.params.lineRange)
}

// next decodes opcodes until a row is emitted (special opcode, DW_LNS_copy,
// or DW_LNE_end_sequence) or the program is exhausted. Returns ok=false only
// at end of program; mid-program errors are returned via err.
func (lr *lineRun) next() (addrVal, file uint64, line int64, endSeq, ok bool, err error) {
	lr.state.discriminator = 0
	for lr.c.remaining() > 0 {
		op, err := lr.c.u8()
		if err != nil {
			return 0, 0, 0, false, false, err
		}

		if op >= lr.lp.params.opcodeBase {
			lr.advance(lr.specialOpAdvance(op))
			lr.state.line += int64(lr.lp.params.lineBase) + int64((op-lr.lp.params.opcodeBase)%lr.lp.params.lineRange)
			if !lr.shadow {
				return lr.state.address, lr.state.file, lr.state.line, false, true, nil
			}
			continue
		}

		switch op {
		case lnsExtendedOp:
			length, err := lr.c.uleb()
			if err != nil {
				return 0, 0, 0, false, false, err
			}
			if err := lr.c.need(int(length)); err != nil {
				return 0, 0, 0, false, false, err
			}
			subData := lr.c.data[lr.c.pos : lr.c.pos+int(length)]
			lr.c.pos += int(length)
			sc := newCursor(subData)
			extOp, err := sc.u8()
			if err != nil {
				return 0, 0, 0, false, false, err
			}
			switch extOp {
			case lneEndSequence:
				endAddr := lr.state.address
				wasShadow := lr.shadow
				lr.resetRow()
				lr.shadow = false
				if !wasShadow {
					return endAddr, 0, 0, true, true, nil
				}
			case lneSetAddress:
				a, err := readUnitAddr(sc, lr.lp.sizes.addrSize)
				if err != nil {
					return 0, 0, 0, false, false, err
				}
				lr.state.address = a
				lr.state.opIndex = 0
				lr.shadow = a == 0
			case lneDefineFile:
				name, err := sc.cstring()
				if err != nil {
					return 0, 0, 0, false, false, err
				}
				dirIdx, err := sc.uleb()
				if err != nil {
					return 0, 0, 0, false, false, err
				}
				if _, err := sc.uleb(); err != nil { // modified time
					return 0, 0, 0, false, false, err
				}
				if _, err := sc.uleb(); err != nil { // file size
					return 0, 0, 0, false, false, err
				}
				lr.lp.fileNames = append(lr.lp.fileNames, fileNameEntry{name: name, dirIndex: dirIdx})
			case lneSetDiscriminator:
				v, err := sc.uleb()
				if err != nil {
					return 0, 0, 0, false, false, err
				}
				lr.state.discriminator = uint32(v)
			default:
				// Unknown extended opcode: already skipped via its length.
			}
		case lnsCopy:
			if !lr.shadow {
				addrC, fileC, lineC := lr.state.address, lr.state.file, lr.state.line
				lr.state.discriminator = 0
				return addrC, fileC, lineC, false, true, nil
			}
		case lnsAdvancePC:
			v, err := lr.c.uleb()
			if err != nil {
				return 0, 0, 0, false, false, err
			}
			lr.advance(v)
		case lnsAdvanceLine:
			v, err := lr.c.sleb()
			if err != nil {
				return 0, 0, 0, false, false, err
			}
			lr.state.line += v
		case lnsSetFile:
			v, err := lr.c.uleb()
			if err != nil {
				return 0, 0, 0, false, false, err
			}
			lr.state.file = v
		case lnsSetColumn:
			if _, err := lr.c.uleb(); err != nil {
				return 0, 0, 0, false, false, err
			}
		case lnsNegateStmt:
			lr.state.isStmt = !lr.state.isStmt
		case lnsSetBasicBlock:
			// Not tracked: range attribution doesn't need the basic-block flag.
		case lnsConstAddPC:
			lr.advance(lr.specialOpAdvance(255))
		case lnsFixedAdvancePC:
			v, err := lr.c.u16()
			if err != nil {
				return 0, 0, 0, false, false, err
			}
			lr.state.address += uint64(v)
			lr.state.opIndex = 0
		case lnsSetPrologueEnd, lnsSetEpilogueBegin:
			// Not tracked: range attribution doesn't need these flags.
		case lnsSetISA:
			if _, err := lr.c.uleb(); err != nil {
				return 0, 0, 0, false, false, err
			}
		default:
			if int(op) < len(lr.lp.params.stdOpcodeLens) {
				n := lr.lp.params.stdOpcodeLens[op]
				for i := uint8(0); i < n; i++ {
					if _, err := lr.c.uleb(); err != nil {
						return 0, 0, 0, false, false, err
					}
				}
			}
		}
	}
	return 0, 0, 0, false, false, nil
}

func lineKey(file string, line int64, includeLine bool) string {
	if includeLine {
		return fmt.Sprintf("%s:%d", file, line)
	}
	return file
}

// ProcessInlines implements the inlines data source: one VM range per
// contiguous run of identical "<file>[:<line>]" keys in each compile unit's
// line-number program. DW_LNE_end_sequence rows close the current span but
// are attributed to it, not to whatever comes after (there is no "after" --
// the sequence has ended).
func (r *Reader) ProcessInlines(s *sink.RangeSink, includeLine bool) error {
	if len(r.sections.Line) == 0 {
		return bloatyerr.New(bloatyerr.SemanticMismatch, "can't use data source on object files: missing .debug_line")
	}
	if len(r.sections.Info) == 0 {
		return bloatyerr.New(bloatyerr.SemanticMismatch, "can't use data source on object files: missing .debug_info")
	}

	return r.forEachCU(func(cu *CU, dr *dieReader) error {
		stmtOff, ok := r.cuStmtList(cu)
		if !ok {
			return nil
		}
		lp, err := r.parseLineProgram(cu, stmtOff)
		if err != nil {
			return err
		}
		lr := newLineRun(lp)

		var spanStart uint64
		var spanOpen bool
		var lastKey string
		for {
			addrVal, file, line, endSeq, ok, err := lr.next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}

			var key string
			if endSeq {
				key = lastKey
			} else {
				key = lineKey(lp.sourceFilename(file), line, includeLine)
			}

			switch {
			case !spanOpen:
				spanStart = addrVal
				spanOpen = true
			case endSeq || (lastKey != "" && key != lastKey):
				if addrVal > spanStart {
					if err := s.AddVMRange(addr.Addr(spanStart), addr.Addr(addrVal-spanStart), lastKey); err != nil {
						return err
					}
				}
				if endSeq {
					spanOpen = false
				} else {
					spanStart = addrVal
				}
			}
			lastKey = key
		}
		return nil
	})
}
