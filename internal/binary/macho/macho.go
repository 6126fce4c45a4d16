// Package macho implements the Mach-O front-end: load commands
// (LC_SEGMENT[_64] and their sections, LC_SYMTAB), fat/universal binaries,
// and zlib-compressed __zdebug_* DWARF sections.
//
// No Mach-O reader exists anywhere in the teacher repo -- like
// internal/binary/elf, this is built from the file format's own layout
// (here, original_source/src/macho.cc) rather than adapted from a teacher
// reader, following the decoding idiom (encoding/binary over raw bytes)
// established in internal/binary/pe.
package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/xyproto/bloaty/internal/addr"
	"github.com/xyproto/bloaty/internal/binary/ar"
	"github.com/xyproto/bloaty/internal/bloatyerr"
	"github.com/xyproto/bloaty/internal/demangle"
	"github.com/xyproto/bloaty/internal/dwarf"
	"github.com/xyproto/bloaty/internal/sink"
)

const (
	magic32    = 0xfeedface
	magic64    = 0xfeedfacf
	cigam32    = 0xcefaedfe
	cigam64    = 0xcffaedfe
	fatMagic   = 0xcafebabe
	fatCigam   = 0xbebafeca

	lcSegment       = 0x1
	lcSymtab        = 0x2
	lcSegment64     = 0x19
	lcSegMaskReq    = 0x80000000 // LC_REQ_DYLD

	vmProtNone = 0
)

type segment struct {
	Name     string
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  int32
	Sections []section
}

type section struct {
	Name     string
	SegName  string
	Addr     uint64
	Size     uint64
	Offset   uint32
}

type symtabCmd struct {
	SymOff  uint32
	NSyms   uint32
	StrOff  uint32
	StrSize uint32
}

type symbol struct {
	Name  string
	Value uint64
	Type  uint8
	Sect  uint8
}

// Frontend is one architecture slice of a Mach-O file (the whole file, for
// a non-fat binary).
type Frontend struct {
	file     []byte
	order    binary.ByteOrder
	is64     bool
	cpuType  int32
	segs     []segment
	syms     []symbol
	fileBase addr.Addr
	label    string // "[<cputype>]" prefix for fat-binary architecture slices, else ""
	demangle demangle.Mode
}

// SetDemangle sets the --demangle mode applied to symbol names as they're
// reported to the symbols data sources.
func (f *Frontend) SetDemangle(mode demangle.Mode) { f.demangle = mode }

// New parses a single (non-fat) Mach-O image.
func New(file []byte) (*Frontend, error) {
	return newThin(file, 0, "")
}

// FatFrontend wraps one Frontend per architecture slice of a
// fat/universal binary.
type FatFrontend struct {
	slices []*Frontend
}

// NewFat parses a fat/universal Mach-O binary into one Frontend per
// architecture, each VM-addressed under a "[<cputype>]" label prefix so
// architectures never collide.

// IsFat reports whether file's leading magic is a fat/universal Mach-O
// binary rather than a thin (single-architecture) one, so the scan driver
// can choose between New and NewFat without duplicating magic constants.
func IsFat(file []byte) bool {
	if len(file) < 4 {
		return false
	}
	magic := binary.BigEndian.Uint32(file[0:4])
	return magic == fatMagic || magic == fatCigam
}

func NewFat(file []byte) (*FatFrontend, error) {
	if len(file) < 8 {
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "file too short for a fat Mach-O header")
	}
	magic := binary.BigEndian.Uint32(file[0:4])
	var order binary.ByteOrder = binary.BigEndian
	switch magic {
	case fatMagic:
	case fatCigam:
		order = binary.LittleEndian
	default:
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "bad fat Mach-O magic %#08x", magic)
	}
	nArch := order.Uint32(file[4:8])

	ff := &FatFrontend{}
	off := 8
	const fatArchSize = 20
	for i := uint32(0); i < nArch; i++ {
		if off+fatArchSize > len(file) {
			return nil, bloatyerr.At(bloatyerr.MalformedInput, "", int64(off), "fat arch table extends past end of file")
		}
		cpuType := int32(order.Uint32(file[off:]))
		archOffset := order.Uint32(file[off+8:])
		archSize := order.Uint32(file[off+12:])
		off += fatArchSize

		if int(archOffset+archSize) > len(file) {
			return nil, bloatyerr.At(bloatyerr.MalformedInput, "", int64(archOffset), "fat arch slice extends past end of file")
		}
		slice, err := newThin(file[archOffset:archOffset+archSize], addr.Addr(archOffset), cpuTypeLabel(cpuType))
		if err != nil {
			return nil, fmt.Errorf("macho: fat arch %d: %w", i, err)
		}
		slice.cpuType = cpuType
		ff.slices = append(ff.slices, slice)
	}
	return ff, nil
}

func cpuTypeLabel(cpuType int32) string {
	return fmt.Sprintf("[%s]", cpuTypeName(cpuType))
}

func cpuTypeName(cpuType int32) string {
	switch cpuType {
	case 7:
		return "x86"
	case 0x01000007:
		return "x86_64"
	case 12:
		return "arm"
	case 0x0100000c:
		return "arm64"
	default:
		return fmt.Sprintf("cputype_%d", cpuType)
	}
}

func newThin(file []byte, fileBase addr.Addr, label string) (*Frontend, error) {
	if len(file) < 4 {
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "file too short for a Mach-O magic")
	}
	magic := binary.BigEndian.Uint32(file[0:4])
	f := &Frontend{file: file, fileBase: fileBase, label: label}
	switch magic {
	case magic64:
		f.order, f.is64 = binary.BigEndian, true
	case cigam64:
		f.order, f.is64 = binary.LittleEndian, true
	case magic32:
		f.order, f.is64 = binary.BigEndian, false
	case cigam32:
		f.order, f.is64 = binary.LittleEndian, false
	default:
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "bad Mach-O magic %#08x", magic)
	}

	if err := f.parse(); err != nil {
		return nil, err
	}
	return f, nil
}

type header struct {
	CPUType    int32
	CPUSubtype int32
	FileType   uint32
	NCmds      uint32
	SizeOfCmds uint32
	Flags      uint32
}

func (f *Frontend) parse() error {
	headerSize := 24 // mach_header: magic already consumed, then 6 uint32 fields
	if f.is64 {
		headerSize += 4 // mach_header_64 adds a reserved uint32
	}
	if len(f.file) < 4+headerSize {
		return bloatyerr.New(bloatyerr.MalformedInput, "file too short for a Mach-O header")
	}

	var hdr header
	hdr.CPUType = int32(f.order.Uint32(f.file[4:8]))
	hdr.CPUSubtype = int32(f.order.Uint32(f.file[8:12]))
	hdr.FileType = f.order.Uint32(f.file[12:16])
	hdr.NCmds = f.order.Uint32(f.file[16:20])
	hdr.SizeOfCmds = f.order.Uint32(f.file[20:24])
	hdr.Flags = f.order.Uint32(f.file[24:28])
	f.cpuType = hdr.CPUType

	off := 4 + headerSize
	for i := uint32(0); i < hdr.NCmds; i++ {
		if off+8 > len(f.file) {
			return bloatyerr.At(bloatyerr.MalformedInput, "", int64(off), "load command table extends past end of file")
		}
		cmd := f.order.Uint32(f.file[off:])
		cmdsize := f.order.Uint32(f.file[off+4:])
		if cmdsize < 8 || off+int(cmdsize) > len(f.file) {
			return bloatyerr.At(bloatyerr.MalformedInput, "", int64(off), "bad load command size")
		}

		switch cmd &^ lcSegMaskReq {
		case lcSegment:
			if err := f.parseSegment32(f.file[off : off+int(cmdsize)]); err != nil {
				return err
			}
		case lcSegment64:
			if err := f.parseSegment64(f.file[off : off+int(cmdsize)]); err != nil {
				return err
			}
		case lcSymtab:
			if err := f.parseSymtab(f.file[off : off+int(cmdsize)]); err != nil {
				return err
			}
		}
		off += int(cmdsize)
	}
	return nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i != -1 {
		b = b[:i]
	}
	return string(b)
}

// parseSegment64 decodes an LC_SEGMENT_64 command and its embedded
// section_64 entries.
func (f *Frontend) parseSegment64(cmd []byte) error {
	if len(cmd) < 72 {
		return bloatyerr.New(bloatyerr.MalformedInput, "LC_SEGMENT_64 command too short")
	}
	seg := segment{
		Name:     cstr(cmd[8:24]),
		VMAddr:   f.order.Uint64(cmd[24:32]),
		VMSize:   f.order.Uint64(cmd[32:40]),
		FileOff:  f.order.Uint64(cmd[40:48]),
		FileSize: f.order.Uint64(cmd[48:56]),
		MaxProt:  int32(f.order.Uint32(cmd[56:60])),
	}
	nsects := f.order.Uint32(cmd[64:68])
	const secSize = 80
	off := 72
	for i := uint32(0); i < nsects; i++ {
		if off+secSize > len(cmd) {
			return bloatyerr.New(bloatyerr.MalformedInput, "section_64 table extends past LC_SEGMENT_64 command")
		}
		s := cmd[off : off+secSize]
		seg.Sections = append(seg.Sections, section{
			Name:    cstr(s[0:16]),
			SegName: cstr(s[16:32]),
			Addr:    f.order.Uint64(s[32:40]),
			Size:    f.order.Uint64(s[40:48]),
			Offset:  f.order.Uint32(s[48:52]),
		})
		off += secSize
	}
	f.segs = append(f.segs, seg)
	return nil
}

// parseSegment32 decodes an LC_SEGMENT command and its embedded section
// entries, for 32-bit Mach-O images.
func (f *Frontend) parseSegment32(cmd []byte) error {
	if len(cmd) < 56 {
		return bloatyerr.New(bloatyerr.MalformedInput, "LC_SEGMENT command too short")
	}
	seg := segment{
		Name:     cstr(cmd[8:24]),
		VMAddr:   uint64(f.order.Uint32(cmd[24:28])),
		VMSize:   uint64(f.order.Uint32(cmd[28:32])),
		FileOff:  uint64(f.order.Uint32(cmd[32:36])),
		FileSize: uint64(f.order.Uint32(cmd[36:40])),
		MaxProt:  int32(f.order.Uint32(cmd[40:44])),
	}
	nsects := f.order.Uint32(cmd[48:52])
	const secSize = 68
	off := 56
	for i := uint32(0); i < nsects; i++ {
		if off+secSize > len(cmd) {
			return bloatyerr.New(bloatyerr.MalformedInput, "section table extends past LC_SEGMENT command")
		}
		s := cmd[off : off+secSize]
		seg.Sections = append(seg.Sections, section{
			Name:    cstr(s[0:16]),
			SegName: cstr(s[16:32]),
			Addr:    uint64(f.order.Uint32(s[32:36])),
			Size:    uint64(f.order.Uint32(s[36:40])),
			Offset:  f.order.Uint32(s[40:44]),
		})
		off += secSize
	}
	f.segs = append(f.segs, seg)
	return nil
}

func (f *Frontend) parseSymtab(cmd []byte) error {
	if len(cmd) < 24 {
		return bloatyerr.New(bloatyerr.MalformedInput, "LC_SYMTAB command too short")
	}
	st := symtabCmd{
		SymOff:  f.order.Uint32(cmd[8:12]),
		NSyms:   f.order.Uint32(cmd[12:16]),
		StrOff:  f.order.Uint32(cmd[16:20]),
		StrSize: f.order.Uint32(cmd[20:24]),
	}
	entSize := 16
	if f.is64 {
		entSize = 16 // nlist_64: n_strx(4) n_type(1) n_sect(1) n_desc(2) n_value(8) = 16
	} else {
		entSize = 12 // nlist: n_strx(4) n_type(1) n_sect(1) n_desc(2) n_value(4) = 12
	}
	for i := uint32(0); i < st.NSyms; i++ {
		base := int(st.SymOff) + int(i)*entSize
		if base+entSize > len(f.file) {
			return bloatyerr.At(bloatyerr.MalformedInput, "", int64(base), "symbol table extends past end of file")
		}
		strx := f.order.Uint32(f.file[base:])
		typ := f.file[base+4]
		sect := f.file[base+5]
		var value uint64
		if f.is64 {
			value = f.order.Uint64(f.file[base+8:])
		} else {
			value = uint64(f.order.Uint32(f.file[base+8:]))
		}
		nameOff := int(st.StrOff) + int(strx)
		if nameOff >= len(f.file) {
			continue
		}
		f.syms = append(f.syms, symbol{Name: cstr(f.file[nameOff:]), Value: value, Type: typ, Sect: sect})
	}
	return nil
}

const (
	nTypeStab = 0xe0
	nTypeType = 0x0e
	nTypeSect = 0x0e & 0x08 // N_SECT bits within n_type
)

func (f *Frontend) label2(name string) string {
	if f.label == "" {
		return name
	}
	return f.label + " " + name
}

// ProcessBaseMap implements binary.Frontend.
func (f *Frontend) ProcessBaseMap(s *sink.RangeSink) error {
	if err := f.processBaseMapRanges(s); err != nil {
		return err
	}
	vmMax, fileMax := f.maxAddrs()
	return s.FillUnmappedBase(vmMax, fileMax, f.label2("[Unmapped]"))
}

func (f *Frontend) processBaseMapRanges(s *sink.RangeSink) error {
	for _, seg := range f.segs {
		name := f.label2(fmt.Sprintf("LOAD [%s]", maxProtString(seg.MaxProt)))
		vmsize := addr.Addr(seg.VMSize)
		if seg.MaxProt == vmProtNone {
			// File-only: no VM mapping (e.g. __PAGEZERO), per spec's
			// "maxprot == VM_PROT_NONE is treated as file-only" rule.
			vmsize = 0
		}
		if err := s.AddRange(name, addr.Addr(seg.VMAddr), vmsize, addr.Addr(seg.FileOff)+f.fileBase, addr.Addr(seg.FileSize)); err != nil {
			return fmt.Errorf("macho: segment %q: %w", seg.Name, err)
		}
	}
	return nil
}

func maxProtString(maxProt int32) string {
	letters := ""
	if maxProt&0x1 != 0 {
		letters += "R"
	}
	if maxProt&0x2 != 0 {
		letters += "W"
	}
	if maxProt&0x4 != 0 {
		letters += "X"
	}
	return letters
}

func (f *Frontend) maxAddrs() (vmMax, fileMax addr.Addr) {
	fileMax = f.fileBase + addr.Addr(len(f.file))
	for _, seg := range f.segs {
		if seg.MaxProt == vmProtNone {
			continue
		}
		if end := addr.Addr(seg.VMAddr + seg.VMSize); end > vmMax {
			vmMax = end
		}
	}
	return vmMax, fileMax
}

// ProcessFile implements binary.Frontend.
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
			r, err := f.dwarfReader(dwr)
			if err != nil {
				return err
			}
			dwr = r
			// Mach-O nlist symbols carry no size field, so a linkage-name
			// lookup can never resolve a usable range; subprograms without
			// their own low_pc/high_pc simply fall back to the symbol
			// table's own "symbols" tree entry for those bytes.
			if err := dwr.ProcessCompileUnits(s, nil); err != nil {
				return fmt.Errorf("macho: %w", err)
			}
		case sink.Inlines:
			r, err := f.dwarfReader(dwr)
			if err != nil {
				return err
			}
			dwr = r
			if err := dwr.ProcessInlines(s, true); err != nil {
				return fmt.Errorf("macho: %w", err)
			}
		}
	}
	return nil
}

func (f *Frontend) dwarfReader(existing *dwarf.Reader) (*dwarf.Reader, error) {
	if existing != nil {
		return existing, nil
	}
	get := func(name string) []byte {
		b, _, _ := f.DWARFSection(name)
		return b
	}
	return dwarf.New(dwarf.Sections{
		Info:       get("__debug_info"),
		Abbrev:     get("__debug_abbrev"),
		Aranges:    get("__debug_aranges"),
		Str:        get("__debug_str"),
		LineStr:    get("__debug_line_str"),
		StrOffsets: get("__debug_str_offsets"),
		Addr:       get("__debug_addr"),
		Line:       get("__debug_line"),
	}), nil
}

func (f *Frontend) processSections(s *sink.RangeSink) error {
	for _, seg := range f.segs {
		for _, sec := range seg.Sections {
			if sec.Name == "" {
				continue
			}
			name := f.label2(fmt.Sprintf("%s,%s", sec.SegName, sec.Name))
			size := addr.Addr(sec.Size)
			if size == 0 {
				size = addr.Unknown
			}
			if err := s.AddRange(name, addr.Addr(sec.Addr), size, addr.Addr(sec.Offset)+f.fileBase, addr.Addr(sec.Size)); err != nil {
				return fmt.Errorf("macho: section %q: %w", name, err)
			}
		}
	}
	return nil
}

func (f *Frontend) processSymbols(s *sink.RangeSink) error {
	for _, sym := range f.syms {
		if sym.Name == "" || sym.Type&nTypeStab != 0 {
			continue
		}
		name := f.label2(demangle.Apply(sym.Name, f.demangle))
		if err := s.AddVMRangeAllowAlias(addr.Addr(sym.Value), addr.Unknown, name); err != nil {
			return fmt.Errorf("macho: symbol %q: %w", name, err)
		}
	}
	return nil
}

// dwarfSegmentName is the __DWARF segment's conventional name; sections
// inside it may be plain (__debug_info) or zlib-compressed (__zdebug_info).
const dwarfSegmentName = "__DWARF"

// DWARFSection returns the (possibly zlib-decompressed) bytes of the named
// __DWARF section (e.g. "__debug_info"), for internal/dwarf to consume.
// Compressed sections (__zdebug_*) are transparently inflated: their
// content is the 4-byte magic "ZLIB", an 8-byte big-endian uncompressed
// size, then a standard zlib stream.
func (f *Frontend) DWARFSection(name string) ([]byte, bool, error) {
	for _, seg := range f.segs {
		if seg.Name != dwarfSegmentName {
			continue
		}
		for _, sec := range seg.Sections {
			if sec.Name == name {
				return f.sectionBytes(sec)
			}
			if sec.Name == "__z"+name[2:] { // "__debug_x" -> "__zdebug_x"
				data, err := f.sectionBytes(sec)
				if err != nil {
					return nil, false, err
				}
				return decompressZdebug(data)
			}
		}
	}
	return nil, false, nil
}

func (f *Frontend) sectionBytes(sec section) ([]byte, bool, error) {
	start := int(sec.Offset)
	end := start + int(sec.Size)
	if end > len(f.file) {
		return nil, false, bloatyerr.At(bloatyerr.MalformedInput, "", int64(start), "section %q extends past end of file", sec.Name)
	}
	return f.file[start:end], true, nil
}

func decompressZdebug(data []byte) ([]byte, bool, error) {
	if len(data) < 12 || string(data[0:4]) != "ZLIB" {
		return data, true, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(data[12:]))
	if err != nil {
		return nil, false, bloatyerr.Wrap(bloatyerr.MalformedInput, "", 0, err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, false, bloatyerr.Wrap(bloatyerr.MalformedInput, "", 0, err)
	}
	return out, true, nil
}

// ProcessBaseMap implements binary.Frontend for a fat binary: each
// architecture slice contributes its own ranges under its own
// "[<cputype>]"-prefixed labels, so architectures never collide.
func (ff *FatFrontend) ProcessBaseMap(s *sink.RangeSink) error {
	for _, slice := range ff.slices {
		if err := slice.ProcessBaseMap(s); err != nil {
			return err
		}
	}
	return nil
}

// ProcessFile implements binary.Frontend.
func (ff *FatFrontend) ProcessFile(sinks []*sink.RangeSink) error {
	for _, slice := range ff.slices {
		if err := slice.ProcessFile(sinks); err != nil {
			return err
		}
	}
	return nil
}

// SetDemangle sets the --demangle mode on every architecture slice's own
// Frontend.
func (ff *FatFrontend) SetDemangle(mode demangle.Mode) {
	for _, slice := range ff.slices {
		slice.SetDemangle(mode)
	}
}

// NewArchive parses file as a Darwin-flavor ar archive (members may
// themselves be fat) and prepares every member for processing.
func NewArchive(file []byte) (*ArchiveFrontend, error) {
	rawMembers, err := ar.Parse(file)
	if err != nil {
		return nil, err
	}
	af := &ArchiveFrontend{file: file}
	for _, m := range rawMembers {
		member, err := newArchiveMember(m)
		if err != nil {
			return nil, fmt.Errorf("ar member %q: %w", m.Name, err)
		}
		af.members = append(af.members, member)
	}
	return af, nil
}

type archiveMember struct {
	name         string
	thin         *Frontend
	fat          *FatFrontend
	offset, size int
}

func newArchiveMember(m ar.Member) (archiveMember, error) {
	if len(m.Data) >= 4 {
		magic := binary.BigEndian.Uint32(m.Data[0:4])
		if magic == fatMagic || magic == fatCigam {
			fat, err := NewFat(m.Data)
			if err != nil {
				return archiveMember{}, err
			}
			for _, s := range fat.slices {
				s.fileBase += addr.Addr(m.Offset)
			}
			return archiveMember{name: m.Name, fat: fat, offset: m.Offset, size: len(m.Data)}, nil
		}
	}
	thin, err := newThin(m.Data, addr.Addr(m.Offset), "")
	if err != nil {
		return archiveMember{}, err
	}
	return archiveMember{name: m.Name, thin: thin, offset: m.Offset, size: len(m.Data)}, nil
}

// ArchiveFrontend processes a Darwin-flavor static library as a sequence
// of Mach-O object files (members may themselves be fat).
type ArchiveFrontend struct {
	file    []byte
	members []archiveMember
}

// SetDemangle sets the --demangle mode on every member's own Frontend(s).
func (af *ArchiveFrontend) SetDemangle(mode demangle.Mode) {
	for _, m := range af.members {
		switch {
		case m.fat != nil:
			m.fat.SetDemangle(mode)
		default:
			m.thin.SetDemangle(mode)
		}
	}
}

// ProcessBaseMap implements binary.Frontend.
func (af *ArchiveFrontend) ProcessBaseMap(s *sink.RangeSink) error {
	for _, m := range af.members {
		var err error
		switch {
		case m.fat != nil:
			err = m.fat.ProcessBaseMap(s)
		default:
			err = m.thin.ProcessBaseMap(s)
		}
		if err != nil {
			return fmt.Errorf("ar member %q: %w", m.name, err)
		}
	}
	return nil
}

// ProcessFile implements binary.Frontend. ArMembers is handled directly
// here, same as internal/binary/elf's ArchiveFrontend: one file-domain
// range per member spanning its bytes within the archive.
func (af *ArchiveFrontend) ProcessFile(sinks []*sink.RangeSink) error {
	var memberSinks, rest []*sink.RangeSink
	for _, s := range sinks {
		if s.DataSource() == sink.ArMembers {
			memberSinks = append(memberSinks, s)
		} else {
			rest = append(rest, s)
		}
	}
	for _, m := range af.members {
		if len(rest) > 0 {
			var err error
			switch {
			case m.fat != nil:
				err = m.fat.ProcessFile(rest)
			default:
				err = m.thin.ProcessFile(rest)
			}
			if err != nil {
				return fmt.Errorf("ar member %q: %w", m.name, err)
			}
		}
		for _, s := range memberSinks {
			if err := s.AddFileRange(m.name, addr.Addr(m.offset), addr.Addr(m.size)); err != nil {
				return fmt.Errorf("ar member %q: %w", m.name, err)
			}
		}
	}
	return nil
}
