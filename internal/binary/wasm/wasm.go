// Package wasm implements the WebAssembly front-end: the module
// magic/version, LEB128-delimited top-level sections, the Code section's
// one-range-per-function-body breakdown, and the custom "name" section's
// function-name subsection.
//
// WebAssembly has no virtual-memory image of its own -- every byte lives
// only in the file domain. This front-end represents that by using each
// range's file offset as its VM address too, so the shared base-map
// machinery (which always carries both domains) degenerates to an
// identity mapping instead of needing a special VM-less code path.
package wasm

import (
	"fmt"

	"github.com/xyproto/bloaty/internal/addr"
	"github.com/xyproto/bloaty/internal/bloatyerr"
	"github.com/xyproto/bloaty/internal/sink"
)

const wasmMagic = 0x6d736100

var sectionNames = map[uint8]string{
	1:  "Type",
	2:  "Import",
	3:  "Function",
	4:  "Table",
	5:  "Memory",
	6:  "Global",
	7:  "Export",
	8:  "Start",
	9:  "Element",
	10: "Code",
	11: "Data",
	12: "DataCount",
	13: "Event",
}

const (
	sectionCustom = 0
	sectionImport = 2
	sectionCode   = 10
)

type wasmSection struct {
	id       uint8
	name     string
	fileOff  addr.Addr
	fileSize addr.Addr
	contents []byte // the section's own payload, magic/id/size header stripped
}

// Frontend is the WebAssembly binary front-end.
type Frontend struct {
	file     []byte
	sections []wasmSection
}

// New validates the module magic/version and splits file into its
// top-level sections.
func New(file []byte) (*Frontend, error) {
	if len(file) < 8 {
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "file too short for a wasm module header")
	}
	magic := uint32(file[0]) | uint32(file[1])<<8 | uint32(file[2])<<16 | uint32(file[3])<<24
	if magic != wasmMagic {
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "bad wasm magic %#08x", magic)
	}
	// file[4:8] is the version, currently unchecked (matches upstream's
	// own "do we need to fail if this is >1?" non-enforcement).

	f := &Frontend{file: file}
	off := 8
	for off < len(file) {
		sec, next, err := readSection(file, off)
		if err != nil {
			return nil, err
		}
		f.sections = append(f.sections, sec)
		off = next
	}
	return f, nil
}

type leb struct {
	file []byte
	pos  int
}

func (l *leb) uvarint() (uint64, error) {
	var result uint64
	var shift uint
	for {
		if l.pos >= len(l.file) {
			return 0, bloatyerr.New(bloatyerr.MalformedInput, "corrupt wasm data, unterminated LEB128")
		}
		b := l.file[l.pos]
		l.pos++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 70 {
			return 0, bloatyerr.New(bloatyerr.MalformedInput, "corrupt wasm data, unterminated LEB128")
		}
	}
}

func readSection(file []byte, off int) (wasmSection, int, error) {
	start := off
	l := &leb{file: file, pos: off}
	idVal, err := l.uvarint()
	if err != nil {
		return wasmSection{}, 0, err
	}
	size, err := l.uvarint()
	if err != nil {
		return wasmSection{}, 0, err
	}
	contentsStart := l.pos
	contentsEnd := contentsStart + int(size)
	if contentsEnd > len(file) {
		return wasmSection{}, 0, bloatyerr.At(bloatyerr.MalformedInput, "", int64(contentsStart), "section extends past end of file")
	}

	id := uint8(idVal)
	sec := wasmSection{
		id:       id,
		fileOff:  addr.Addr(start),
		fileSize: addr.Addr(contentsEnd - start),
		contents: file[contentsStart:contentsEnd],
	}
	if id == sectionCustom {
		nl := &leb{file: sec.contents, pos: 0}
		nameLen, err := nl.uvarint()
		if err != nil {
			return wasmSection{}, 0, err
		}
		if int(nameLen) > len(sec.contents)-nl.pos {
			return wasmSection{}, 0, bloatyerr.New(bloatyerr.MalformedInput, "custom section name extends past section end")
		}
		sec.name = string(sec.contents[nl.pos : nl.pos+int(nameLen)])
		sec.contents = sec.contents[nl.pos+int(nameLen):]
	} else if name, ok := sectionNames[id]; ok {
		sec.name = name
	} else {
		return wasmSection{}, 0, bloatyerr.New(bloatyerr.MalformedInput, "unknown wasm section id %d", id)
	}

	return sec, contentsEnd, nil
}

// ProcessBaseMap implements binary.Frontend.
func (f *Frontend) ProcessBaseMap(s *sink.RangeSink) error {
	if err := s.AddRange("[WASM Header]", 0, 8, 0, 8); err != nil {
		return err
	}
	for _, sec := range f.sections {
		if err := s.AddRange(sec.name, sec.fileOff, sec.fileSize, sec.fileOff, sec.fileSize); err != nil {
			return fmt.Errorf("wasm: section %q: %w", sec.name, err)
		}
	}
	return s.FillUnmappedBase(addr.Addr(len(f.file)), addr.Addr(len(f.file)), "[Unmapped]")
}

// ProcessFile implements binary.Frontend.
func (f *Frontend) ProcessFile(sinks []*sink.RangeSink) error {
	for _, s := range sinks {
		switch s.DataSource() {
		case sink.Segments, sink.Sections:
			if err := f.processSections(s); err != nil {
				return err
			}
		case sink.Symbols, sink.RawSymbols, sink.ShortSymbols, sink.FullSymbols:
			if err := f.processSymbols(s); err != nil {
				return err
			}
		default:
			return bloatyerr.New(bloatyerr.SemanticMismatch, "WebAssembly doesn't support data source %q", s.DataSource())
		}
	}
	return nil
}

func (f *Frontend) processSections(s *sink.RangeSink) error {
	for _, sec := range f.sections {
		if err := s.AddVMRangeIgnoreDuplicate(sec.fileOff, sec.fileSize, sec.name); err != nil {
			return fmt.Errorf("wasm: section %q: %w", sec.name, err)
		}
	}
	return nil
}

func (f *Frontend) processSymbols(s *sink.RangeSink) error {
	names := map[uint32]string{}
	for _, sec := range f.sections {
		if sec.id == sectionCustom && sec.name == "name" {
			if err := readFunctionNames(sec.contents, names); err != nil {
				return err
			}
		}
	}

	var numImports uint32
	for _, sec := range f.sections {
		switch {
		case sec.id == sectionImport:
			n, err := countFunctionImports(sec.contents)
			if err != nil {
				return err
			}
			numImports = n
		case sec.id == sectionCode:
			if err := f.processCodeSection(s, sec, names, numImports); err != nil {
				return err
			}
		}
	}
	return nil
}

func readFunctionNames(contents []byte, out map[uint32]string) error {
	l := &leb{file: contents}
	for l.pos < len(contents) {
		typ, err := l.uvarint()
		if err != nil {
			return err
		}
		size, err := l.uvarint()
		if err != nil {
			return err
		}
		if l.pos+int(size) > len(contents) {
			return bloatyerr.New(bloatyerr.MalformedInput, "wasm name subsection extends past section end")
		}
		sub := contents[l.pos : l.pos+int(size)]
		l.pos += int(size)

		const nameTypeFunction = 1
		if typ != nameTypeFunction {
			continue
		}
		sl := &leb{file: sub}
		count, err := sl.uvarint()
		if err != nil {
			return err
		}
		for i := uint64(0); i < count; i++ {
			idx, err := sl.uvarint()
			if err != nil {
				return err
			}
			nameLen, err := sl.uvarint()
			if err != nil {
				return err
			}
			if sl.pos+int(nameLen) > len(sub) {
				return bloatyerr.New(bloatyerr.MalformedInput, "wasm function name extends past subsection end")
			}
			out[uint32(idx)] = string(sub[sl.pos : sl.pos+int(nameLen)])
			sl.pos += int(nameLen)
		}
	}
	return nil
}

// countFunctionImports walks the Import section and returns how many
// imported entries are functions -- needed because the Code section's
// entries are numbered starting after all function imports.
func countFunctionImports(contents []byte) (uint32, error) {
	l := &leb{file: contents}
	count, err := l.uvarint()
	if err != nil {
		return 0, err
	}
	var funcCount uint32
	for i := uint64(0); i < count; i++ {
		if err := skipLenPrefixed(l); err != nil { // module name
			return 0, err
		}
		if err := skipLenPrefixed(l); err != nil { // field name
			return 0, err
		}
		if l.pos >= len(contents) {
			return 0, bloatyerr.New(bloatyerr.MalformedInput, "truncated wasm import entry")
		}
		kind := contents[l.pos]
		l.pos++
		switch kind {
		case 0: // function
			funcCount++
			if _, err := l.uvarint(); err != nil { // type index
				return 0, err
			}
		case 1: // table
			if _, err := l.uvarint(); err != nil { // elem type
				return 0, err
			}
			if err := skipResizableLimits(l); err != nil {
				return 0, err
			}
		case 2: // memory
			if err := skipResizableLimits(l); err != nil {
				return 0, err
			}
		case 3: // global
			if _, err := l.uvarint(); err != nil { // value type
				return 0, err
			}
			if _, err := l.uvarint(); err != nil { // mutability
				return 0, err
			}
		default:
			return 0, bloatyerr.New(bloatyerr.MalformedInput, "unrecognized wasm import kind %d", kind)
		}
	}
	return funcCount, nil
}

func skipLenPrefixed(l *leb) error {
	n, err := l.uvarint()
	if err != nil {
		return err
	}
	if l.pos+int(n) > len(l.file) {
		return bloatyerr.New(bloatyerr.MalformedInput, "truncated wasm length-prefixed field")
	}
	l.pos += int(n)
	return nil
}

func skipResizableLimits(l *leb) error {
	flags, err := l.uvarint()
	if err != nil {
		return err
	}
	if _, err := l.uvarint(); err != nil { // initial
		return err
	}
	if flags != 0 {
		if _, err := l.uvarint(); err != nil { // maximum
			return err
		}
	}
	return nil
}

func (f *Frontend) processCodeSection(s *sink.RangeSink, sec wasmSection, names map[uint32]string, numImports uint32) error {
	l := &leb{file: sec.contents}
	count, err := l.uvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		funcStart := l.pos
		size, err := l.uvarint()
		if err != nil {
			return err
		}
		bodyStart := l.pos
		totalSize := int(size) + (bodyStart - funcStart)
		if funcStart+totalSize > len(sec.contents) {
			return bloatyerr.New(bloatyerr.MalformedInput, "wasm function body extends past Code section end")
		}

		name, ok := names[numImports+uint32(i)]
		if !ok {
			name = fmt.Sprintf("func[%d]", i)
		}

		fileOff := sec.fileOff + addr.Addr(sec.fileSize) - addr.Addr(len(sec.contents)) + addr.Addr(funcStart)
		if err := s.AddVMRangeAllowAlias(fileOff, addr.Addr(totalSize), name); err != nil {
			return fmt.Errorf("wasm: function %q: %w", name, err)
		}

		l.pos = funcStart + totalSize
	}
	return nil
}
