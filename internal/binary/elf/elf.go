// Package elf implements the ELF front-end: program headers (segments),
// section headers, and the symbol table, in 32/64-bit and either
// endianness, plus object-file addressing and recursive AR archive members.
//
// No ELF reader exists anywhere in the retrieved pack (the teacher only
// ever writes ELF, as a compiler backend) -- this package is built from the
// ELF specification itself plus the field layouts the teacher's own writer
// (elf.go, elf_sections.go) already encodes, read in reverse.
package elf

import (
	"encoding/binary"
	"fmt"

	"github.com/xyproto/bloaty/internal/addr"
	"github.com/xyproto/bloaty/internal/bloatyerr"
	"github.com/xyproto/bloaty/internal/demangle"
	"github.com/xyproto/bloaty/internal/dwarf"
	"github.com/xyproto/bloaty/internal/sink"
)

const (
	classNone = 0
	class32   = 1
	class64   = 2

	dataNone = 0
	dataLSB  = 1
	dataMSB  = 2

	etRel = 1 // ET_REL: relocatable object file

	ptLoad = 1 // PT_LOAD

	pfX = 1
	pfW = 2
	pfR = 4

	shtNobits = 8
	shtSymtab = 2
	shtDynsym = 11

	shnUndef = 0
	shnAbs   = 0xfff1

	sttNotype  = 0
	sttSection = 3
	sttFile    = 4
	sttTLS     = 6

	stInfoTypeMask = 0xf
)

// ident is the 16-byte e_ident prefix common to every ELF file regardless
// of class or endianness.
type ident struct {
	Magic   [4]byte
	Class   byte
	Data    byte
	Version byte
	ABI     byte
	ABIVer  byte
	_       [7]byte
}

// header holds the fields of the ELF file header normalized to 64-bit,
// regardless of whether the file itself is 32- or 64-bit.
type header struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrNdx  uint16
}

// segment is one normalized program header entry.
type segment struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	FileSz uint64
	MemSz  uint64
}

// section is one normalized section header entry.
type section struct {
	NameOff uint32
	Type    uint32
	Flags   uint64
	Addr    uint64
	Offset  uint64
	Size    uint64
	Link    uint32
	Info    uint32
	Name    string
}

// symbol is one normalized symbol table entry.
type symbol struct {
	Name  string
	Info  byte
	Shndx uint16
	Value uint64
	Size  uint64
}

// Frontend is the ELF binary front-end. objBase offsets every VM
// address reported by an object-file-mode sink so that symbols from
// different archive members never collide in the shared address space
// (see addr.PackObjectAddr).
type Frontend struct {
	file     []byte
	order    binary.ByteOrder
	is64     bool
	hdr      header
	segs     []segment
	secs     []section
	syms     []symbol
	isObj    bool
	objBase  uint32
	fileBase addr.Addr
	demangle demangle.Mode
}

// SetDemangle sets the --demangle mode applied to symbol names as they're
// reported to the symbols data sources.
func (f *Frontend) SetDemangle(mode demangle.Mode) { f.demangle = mode }

// New parses file's ELF header, program headers, section headers, and
// symbol table.
func New(file []byte) (*Frontend, error) {
	return newFrontend(file, 0, 0)
}

// newWithObjectBase is used by the AR reader to give each archive member a
// distinct section-index base (so object-file VM addresses from different
// members don't collide) and a distinct file-offset base (the member's
// real byte offset inside the archive).
func newWithObjectBase(file []byte, objBase uint32, fileBase addr.Addr) (*Frontend, error) {
	return newFrontend(file, objBase, fileBase)
}

func newFrontend(file []byte, objBase uint32, fileBase addr.Addr) (*Frontend, error) {
	if len(file) < 16 {
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "file too short for an ELF ident")
	}
	var id ident
	copy(id.Magic[:], file[0:4])
	if id.Magic != [4]byte{0x7f, 'E', 'L', 'F'} {
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "bad ELF magic")
	}
	id.Class = file[4]
	id.Data = file[5]

	f := &Frontend{file: file, objBase: objBase, fileBase: fileBase}
	switch id.Class {
	case class32:
		f.is64 = false
	case class64:
		f.is64 = true
	default:
		return nil, bloatyerr.At(bloatyerr.MalformedInput, "", 4, "unknown ELF class %d", id.Class)
	}
	switch id.Data {
	case dataLSB:
		f.order = binary.LittleEndian
	case dataMSB:
		f.order = binary.BigEndian
	default:
		return nil, bloatyerr.At(bloatyerr.MalformedInput, "", 5, "unknown ELF data encoding %d", id.Data)
	}

	if err := f.parseHeader(); err != nil {
		return nil, err
	}
	f.isObj = f.hdr.Type == etRel
	if err := f.parseSegments(); err != nil {
		return nil, err
	}
	if err := f.parseSections(); err != nil {
		return nil, err
	}
	if err := f.parseSymbols(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Frontend) u16(off int) (uint16, error) {
	if off+2 > len(f.file) {
		return 0, bloatyerr.At(bloatyerr.MalformedInput, "", int64(off), "read past end of file")
	}
	return f.order.Uint16(f.file[off:]), nil
}

func (f *Frontend) u32(off int) (uint32, error) {
	if off+4 > len(f.file) {
		return 0, bloatyerr.At(bloatyerr.MalformedInput, "", int64(off), "read past end of file")
	}
	return f.order.Uint32(f.file[off:]), nil
}

func (f *Frontend) u64(off int) (uint64, error) {
	if off+8 > len(f.file) {
		return 0, bloatyerr.At(bloatyerr.MalformedInput, "", int64(off), "read past end of file")
	}
	return f.order.Uint64(f.file[off:]), nil
}

// wordOrDword reads a 4-byte field on 32-bit ELF or an 8-byte field on
// 64-bit ELF, widening the 32-bit case -- the pattern used throughout the
// header/segment/section/symbol layouts, which differ only in how wide
// their address-shaped fields are.
func (f *Frontend) wordOrDword(off32, off64 int) (uint64, int, error) {
	if f.is64 {
		v, err := f.u64(off64)
		return v, off64 + 8, err
	}
	v, err := f.u32(off32)
	return uint64(v), off32 + 4, err
}

func (f *Frontend) parseHeader() error {
	var err error
	if f.hdr.Type, err = f.u16(16); err != nil {
		return err
	}
	if f.hdr.Machine, err = f.u16(18); err != nil {
		return err
	}
	if f.hdr.Version, err = f.u32(20); err != nil {
		return err
	}
	if f.is64 {
		if f.hdr.Entry, err = f.u64(24); err != nil {
			return err
		}
		if f.hdr.PhOff, err = f.u64(32); err != nil {
			return err
		}
		if f.hdr.ShOff, err = f.u64(40); err != nil {
			return err
		}
		if f.hdr.Flags, err = f.u32(48); err != nil {
			return err
		}
		if f.hdr.EhSize, err = f.u16(52); err != nil {
			return err
		}
		if f.hdr.PhEntSize, err = f.u16(54); err != nil {
			return err
		}
		if f.hdr.PhNum, err = f.u16(56); err != nil {
			return err
		}
		if f.hdr.ShEntSize, err = f.u16(58); err != nil {
			return err
		}
		if f.hdr.ShNum, err = f.u16(60); err != nil {
			return err
		}
		if f.hdr.ShStrNdx, err = f.u16(62); err != nil {
			return err
		}
	} else {
		var v32 uint32
		if v32, err = f.u32(24); err != nil {
			return err
		}
		f.hdr.Entry = uint64(v32)
		if v32, err = f.u32(28); err != nil {
			return err
		}
		f.hdr.PhOff = uint64(v32)
		if v32, err = f.u32(32); err != nil {
			return err
		}
		f.hdr.ShOff = uint64(v32)
		if f.hdr.Flags, err = f.u32(36); err != nil {
			return err
		}
		if f.hdr.EhSize, err = f.u16(40); err != nil {
			return err
		}
		if f.hdr.PhEntSize, err = f.u16(42); err != nil {
			return err
		}
		if f.hdr.PhNum, err = f.u16(44); err != nil {
			return err
		}
		if f.hdr.ShEntSize, err = f.u16(46); err != nil {
			return err
		}
		if f.hdr.ShNum, err = f.u16(48); err != nil {
			return err
		}
		if f.hdr.ShStrNdx, err = f.u16(50); err != nil {
			return err
		}
	}
	return nil
}

func (f *Frontend) parseSegments() error {
	for i := 0; i < int(f.hdr.PhNum); i++ {
		base := int(f.hdr.PhOff) + i*int(f.hdr.PhEntSize)
		var seg segment
		var err error
		if f.is64 {
			if seg.Type, err = f.u32(base); err != nil {
				return err
			}
			if seg.Flags, err = f.u32(base + 4); err != nil {
				return err
			}
			if seg.Offset, err = f.u64(base + 8); err != nil {
				return err
			}
			if seg.VAddr, err = f.u64(base + 16); err != nil {
				return err
			}
			if seg.FileSz, err = f.u64(base + 32); err != nil {
				return err
			}
			if seg.MemSz, err = f.u64(base + 40); err != nil {
				return err
			}
		} else {
			if seg.Type, err = f.u32(base); err != nil {
				return err
			}
			var v32 uint32
			if v32, err = f.u32(base + 4); err != nil {
				return err
			}
			seg.Offset = uint64(v32)
			if v32, err = f.u32(base + 8); err != nil {
				return err
			}
			seg.VAddr = uint64(v32)
			if v32, err = f.u32(base + 16); err != nil {
				return err
			}
			seg.FileSz = uint64(v32)
			if v32, err = f.u32(base + 20); err != nil {
				return err
			}
			seg.MemSz = uint64(v32)
			if seg.Flags, err = f.u32(base + 24); err != nil {
				return err
			}
		}
		f.segs = append(f.segs, seg)
	}
	return nil
}

func (f *Frontend) parseSections() error {
	entSize := 64
	if !f.is64 {
		entSize = 40
	}
	for i := 0; i < int(f.hdr.ShNum); i++ {
		base := int(f.hdr.ShOff) + i*entSize
		var sec section
		var err error
		if sec.NameOff, err = f.u32(base); err != nil {
			return err
		}
		if sec.Type, err = f.u32(base + 4); err != nil {
			return err
		}
		if f.is64 {
			if sec.Flags, err = f.u64(base + 8); err != nil {
				return err
			}
			if sec.Addr, err = f.u64(base + 16); err != nil {
				return err
			}
			if sec.Offset, err = f.u64(base + 24); err != nil {
				return err
			}
			if sec.Size, err = f.u64(base + 32); err != nil {
				return err
			}
			if sec.Link, err = f.u32(base + 40); err != nil {
				return err
			}
			if sec.Info, err = f.u32(base + 44); err != nil {
				return err
			}
		} else {
			var v32 uint32
			if v32, err = f.u32(base + 8); err != nil {
				return err
			}
			sec.Flags = uint64(v32)
			if v32, err = f.u32(base + 12); err != nil {
				return err
			}
			sec.Addr = uint64(v32)
			if v32, err = f.u32(base + 16); err != nil {
				return err
			}
			sec.Offset = uint64(v32)
			if v32, err = f.u32(base + 20); err != nil {
				return err
			}
			sec.Size = uint64(v32)
			if sec.Link, err = f.u32(base + 24); err != nil {
				return err
			}
			if sec.Info, err = f.u32(base + 28); err != nil {
				return err
			}
		}
		f.secs = append(f.secs, sec)
	}

	if int(f.hdr.ShStrNdx) < len(f.secs) {
		strTab := f.secs[f.hdr.ShStrNdx]
		for i := range f.secs {
			f.secs[i].Name = f.cstrAt(strTab.Offset + uint64(f.secs[i].NameOff))
		}
	}
	return nil
}

func (f *Frontend) cstrAt(off uint64) string {
	if off >= uint64(len(f.file)) {
		return ""
	}
	end := off
	for end < uint64(len(f.file)) && f.file[end] != 0 {
		end++
	}
	return string(f.file[off:end])
}

func (f *Frontend) parseSymbols() error {
	for _, sec := range f.secs {
		if sec.Type != shtSymtab && sec.Type != shtDynsym {
			continue
		}
		if int(sec.Link) >= len(f.secs) {
			continue
		}
		strTab := f.secs[sec.Link]

		entSize := uint64(24)
		if !f.is64 {
			entSize = 16
		}
		if sec.Size == 0 || entSize == 0 {
			continue
		}
		count := int(sec.Size / entSize)
		for i := 0; i < count; i++ {
			base := int(sec.Offset) + i*int(entSize)
			sym, err := f.readSymbol(base, strTab.Offset)
			if err != nil {
				return err
			}
			f.syms = append(f.syms, sym)
		}
	}
	return nil
}

func (f *Frontend) readSymbol(base int, strOff uint64) (symbol, error) {
	var sym symbol
	if f.is64 {
		nameOff, err := f.u32(base)
		if err != nil {
			return sym, err
		}
		sym.Name = f.cstrAt(strOff + uint64(nameOff))
		if sym.Info, err = f.byteAt(base + 4); err != nil {
			return sym, err
		}
		shndx, err := f.u16(base + 6)
		if err != nil {
			return sym, err
		}
		sym.Shndx = shndx
		if sym.Value, err = f.u64(base + 8); err != nil {
			return sym, err
		}
		if sym.Size, err = f.u64(base + 16); err != nil {
			return sym, err
		}
	} else {
		nameOff, err := f.u32(base)
		if err != nil {
			return sym, err
		}
		sym.Name = f.cstrAt(strOff + uint64(nameOff))
		var v32 uint32
		if v32, err = f.u32(base + 4); err != nil {
			return sym, err
		}
		sym.Value = uint64(v32)
		if v32, err = f.u32(base + 8); err != nil {
			return sym, err
		}
		sym.Size = uint64(v32)
		if sym.Info, err = f.byteAt(base + 12); err != nil {
			return sym, err
		}
		shndx, err := f.u16(base + 14)
		if err != nil {
			return sym, err
		}
		sym.Shndx = shndx
	}
	return sym, nil
}

func (f *Frontend) byteAt(off int) (byte, error) {
	if off >= len(f.file) {
		return 0, bloatyerr.At(bloatyerr.MalformedInput, "", int64(off), "read past end of file")
	}
	return f.file[off], nil
}

func segmentFlagsLabel(flags uint32) string {
	letters := ""
	if flags&pfR != 0 {
		letters += "R"
	}
	if flags&pfW != 0 {
		letters += "W"
	}
	if flags&pfX != 0 {
		letters += "X"
	}
	return fmt.Sprintf("LOAD [%s]", letters)
}

// vmAddrFor returns the address a section/symbol should be reported at in
// the VM domain: the section's own sh_addr for a normal executable, or a
// packed (section-index, offset) object address for a relocatable object
// file, offset by this front-end's objBase so distinct archive members
// never collide.
func (f *Frontend) vmAddrFor(sectionIdx int, offsetWithinSection uint64) addr.Addr {
	if !f.isObj {
		return addr.Addr(f.secs[sectionIdx].Addr) + offsetWithinSection
	}
	return addr.PackObjectAddr(f.objBase+uint32(sectionIdx), offsetWithinSection)
}

// ProcessBaseMap implements binary.Frontend.
func (f *Frontend) ProcessBaseMap(s *sink.RangeSink) error {
	if err := f.processBaseMapRanges(s); err != nil {
		return err
	}
	vmMax, fileMax := f.maxAddrs()
	return s.FillUnmappedBase(vmMax, fileMax, "[Unmapped]")
}

// processBaseMapRanges emits every base-map range without the trailing
// [Unmapped] gap sweep, so an archive of several members can defer that
// sweep until every member has been processed against the whole file.
func (f *Frontend) processBaseMapRanges(s *sink.RangeSink) error {
	// The header bytes have no VM mapping of their own -- they're either
	// part of whichever LOAD segment happens to start at file offset 0,
	// or not mapped into memory at all. Passing vmsize 0 makes AddRange
	// record this as a file-only range; any resulting VM gap is picked up
	// by the later [Unmapped] sweep instead of a fabricated VM address.
	if err := s.AddRange("[ELF Headers]", 0, 0, f.fileBase, addr.Addr(f.hdr.EhSize)); err != nil {
		return err
	}

	if f.isObj {
		// Object files have no program headers; synthesize one flag-based
		// segment per allocated section instead, at its packed object
		// address, exactly as spec's "synthesizes flag-based segments"
		// calls for.
		for i, sec := range f.secs {
			if sec.Flags&0x2 == 0 { // SHF_ALLOC
				continue
			}
			flags := uint32(pfR)
			if sec.Flags&0x1 != 0 { // SHF_WRITE
				flags |= pfW
			}
			if sec.Flags&0x4 != 0 { // SHF_EXECINSTR
				flags |= pfX
			}
			filesize := sec.Size
			if sec.Type == shtNobits {
				filesize = 0
			}
			vmaddr := f.vmAddrFor(i, 0)
			if err := s.AddRange(segmentFlagsLabel(flags), vmaddr, sec.Size, addr.Addr(sec.Offset)+f.fileBase, filesize); err != nil {
				return fmt.Errorf("elf: object section %q: %w", sec.Name, err)
			}
		}
	} else {
		for _, seg := range f.segs {
			if seg.Type != ptLoad {
				continue
			}
			if err := s.AddRange(segmentFlagsLabel(seg.Flags), addr.Addr(seg.VAddr), addr.Addr(seg.MemSz), addr.Addr(seg.Offset)+f.fileBase, addr.Addr(seg.FileSz)); err != nil {
				return fmt.Errorf("elf: segment: %w", err)
			}
		}
	}
	return nil
}

func (f *Frontend) maxAddrs() (vmMax, fileMax addr.Addr) {
	fileMax = f.fileBase + addr.Addr(len(f.file))
	for i, sec := range f.secs {
		end := f.vmAddrFor(i, sec.Size)
		if sec.Flags&0x2 == 0 && !f.isObj { // unallocated, non-object: no VM presence
			continue
		}
		if end > vmMax {
			vmMax = end
		}
	}
	for _, seg := range f.segs {
		if end := addr.Addr(seg.VAddr + seg.MemSz); end > vmMax {
			vmMax = end
		}
	}
	return vmMax, fileMax
}

// ProcessFile implements binary.Frontend: sections and symbols are reported
// to whichever sinks requested them.
func (f *Frontend) ProcessFile(sinks []*sink.RangeSink) error {
	var dwr *dwarf.Reader
	for _, s := range sinks {
		switch s.DataSource() {
		case sink.Sections:
			if err := f.processSections(s); err != nil {
				return err
			}
		case sink.Symbols, sink.RawSymbols, sink.ShortSymbols, sink.FullSymbols:
			if err := f.processSymbols(s); err != nil {
				return err
			}
		case sink.CompileUnits:
			if dwr == nil {
				dwr = dwarf.New(f.DWARFSections())
			}
			if err := dwr.ProcessCompileUnits(s, f.SymbolLookup()); err != nil {
				return fmt.Errorf("elf: %w", err)
			}
		case sink.Inlines:
			if dwr == nil {
				dwr = dwarf.New(f.DWARFSections())
			}
			if err := dwr.ProcessInlines(s, true); err != nil {
				return fmt.Errorf("elf: %w", err)
			}
		}
	}
	return nil
}

func (f *Frontend) processSections(s *sink.RangeSink) error {
	for i, sec := range f.secs {
		if sec.Name == "" {
			continue
		}
		filesize := sec.Size
		if sec.Type == shtNobits {
			filesize = 0
		}
		vmaddr := f.vmAddrFor(i, 0)
		size := addr.Addr(sec.Size)
		if size == 0 {
			size = addr.Unknown
		}
		if sec.Flags&0x2 == 0 && !f.isObj { // not allocated: file-only
			if err := s.AddFileRange(sec.Name, addr.Addr(sec.Offset)+f.fileBase, addr.Addr(filesize)); err != nil {
				return fmt.Errorf("elf: section %q: %w", sec.Name, err)
			}
			continue
		}
		if err := s.AddRange(sec.Name, vmaddr, size, addr.Addr(sec.Offset)+f.fileBase, addr.Addr(filesize)); err != nil {
			return fmt.Errorf("elf: section %q: %w", sec.Name, err)
		}
	}
	return nil
}

func (f *Frontend) processSymbols(s *sink.RangeSink) error {
	for _, sym := range f.syms {
		if sym.Name == "" || sym.Shndx == shnUndef || sym.Shndx == shnAbs {
			continue
		}
		typ := sym.Info & stInfoTypeMask
		if typ == sttFile || typ == sttSection || typ == sttNotype || typ == sttTLS {
			continue
		}
		secIdx := int(sym.Shndx)
		if secIdx >= len(f.secs) {
			continue
		}
		var vmaddr addr.Addr
		if f.isObj {
			vmaddr = addr.PackObjectAddr(f.objBase+uint32(secIdx), sym.Value)
		} else {
			vmaddr = addr.Addr(sym.Value)
		}
		size := addr.Addr(sym.Size)
		if size == 0 {
			size = addr.Unknown
		}
		name := demangle.Apply(sym.Name, f.demangle)
		if err := s.AddVMRangeAllowAlias(vmaddr, size, name); err != nil {
			return fmt.Errorf("elf: symbol %q: %w", name, err)
		}
	}
	return nil
}

// NamedSection is one section's name and file extent, exposed so
// internal/dwarf can locate .debug_* sections by name without re-parsing
// the file.
type NamedSection struct {
	Name          string
	Offset, Size  uint64
}

// Sections returns the parsed section table's names and file extents.
func (f *Frontend) Sections() []NamedSection {
	out := make([]NamedSection, len(f.secs))
	for i, sec := range f.secs {
		out[i] = NamedSection{sec.Name, sec.Offset, sec.Size}
	}
	return out
}

// DWARFSection returns the raw bytes of the named section (e.g.
// ".debug_info"), or false if this file has no section by that name.
func (f *Frontend) DWARFSection(name string) ([]byte, bool) {
	for _, sec := range f.secs {
		if sec.Name != name {
			continue
		}
		start := int(sec.Offset)
		end := start + int(sec.Size)
		if start < 0 || end > len(f.file) {
			return nil, false
		}
		return f.file[start:end], true
	}
	return nil, false
}

// DWARFSections assembles every .debug_* section this file carries into a
// dwarf.Sections, for internal/dwarf's compileunits/inlines readers.
func (f *Frontend) DWARFSections() dwarf.Sections {
	get := func(name string) []byte {
		b, _ := f.DWARFSection(name)
		return b
	}
	return dwarf.Sections{
		Info:       get(".debug_info"),
		Abbrev:     get(".debug_abbrev"),
		Aranges:    get(".debug_aranges"),
		Str:        get(".debug_str"),
		LineStr:    get(".debug_line_str"),
		StrOffsets: get(".debug_str_offsets"),
		Addr:       get(".debug_addr"),
		Line:       get(".debug_line"),
	}
}

// SymbolLookup returns a dwarf.SymbolLookup backed by this file's own
// symbol table, resolving a DW_AT_linkage_name to the address and size of
// the matching ELF symbol.
func (f *Frontend) SymbolLookup() dwarf.SymbolLookup {
	byName := make(map[string]symbol, len(f.syms))
	for _, sym := range f.syms {
		if sym.Name != "" {
			byName[sym.Name] = sym
		}
	}
	return func(name string) (addr.Addr, addr.Addr, bool) {
		sym, ok := byName[name]
		if !ok {
			return 0, 0, false
		}
		return addr.Addr(sym.Value), addr.Addr(sym.Size), true
	}
}

// HasSymbols reports whether this file carries a non-empty symbol table.
// A stripped executable has none.
func (f *Frontend) HasSymbols() bool { return len(f.syms) > 0 }

// UseSymbolsFrom adopts dbg's symbol table as f's own, for --debug-file:
// a stripped executable's own symtab is empty, but a companion build with
// full debug info produced by the same link carries symbol values that
// still line up with the stripped binary's addresses. Object files are
// never merged this way, since their addresses are packed relative to
// each file's own section table and two separately-compiled objects
// can't be assumed to share one.
func (f *Frontend) UseSymbolsFrom(dbg *Frontend) {
	if f.isObj || dbg.isObj {
		return
	}
	f.syms = dbg.syms
}
