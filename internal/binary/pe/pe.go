// Package pe implements the Windows PE/COFF front-end: DOS stub validation,
// the COFF and PE32+ optional headers, and the section table, emitting
// sections with both VM and file extents.
//
// Adapted from the teacher's PEReader (pe_reader.go), which parsed the same
// header chain to read a DLL's export table; this front-end reads the same
// structures but reports section ranges to a RangeSink instead of walking
// the export directory.
package pe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/xyproto/bloaty/internal/addr"
	"github.com/xyproto/bloaty/internal/bloatyerr"
	"github.com/xyproto/bloaty/internal/sink"
)

const (
	dosMagic = 0x5a4d   // "MZ"
	peSigVal = 0x00004550 // "PE\0\0"
	pe32Plus = 0x020b
	pe32     = 0x010b
)

type coffHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type optionalHeader64 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	ImageBase               uint64
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint64
	SizeOfStackCommit       uint64
	SizeOfHeapReserve       uint64
	SizeOfHeapCommit        uint64
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
}

type sectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

func (s sectionHeader) name() string {
	n := string(s.Name[:])
	if i := strings.IndexByte(n, 0); i != -1 {
		n = n[:i]
	}
	return strings.TrimSpace(n)
}

// Frontend is the PE binary front-end.
type Frontend struct {
	file     []byte
	peOffset int64
	coff     coffHeader
	opt      optionalHeader64
	sections []sectionHeader
}

// New parses file's DOS/COFF/optional headers and section table.
func New(file []byte) (*Frontend, error) {
	f := &Frontend{file: file}
	r := bytes.NewReader(file)

	var magic uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, bloatyerr.Wrap(bloatyerr.MalformedInput, "", 0, err)
	}
	if magic != dosMagic {
		return nil, bloatyerr.At(bloatyerr.MalformedInput, "", 0, "bad DOS magic %#04x", magic)
	}

	if _, err := r.Seek(0x3c, io.SeekStart); err != nil {
		return nil, bloatyerr.Wrap(bloatyerr.MalformedInput, "", 0x3c, err)
	}
	var peOffset uint32
	if err := binary.Read(r, binary.LittleEndian, &peOffset); err != nil {
		return nil, bloatyerr.Wrap(bloatyerr.MalformedInput, "", 0x3c, err)
	}
	f.peOffset = int64(peOffset)

	if _, err := r.Seek(f.peOffset, io.SeekStart); err != nil {
		return nil, bloatyerr.At(bloatyerr.MalformedInput, "", f.peOffset, "PE header offset out of range")
	}
	var sig uint32
	if err := binary.Read(r, binary.LittleEndian, &sig); err != nil {
		return nil, bloatyerr.Wrap(bloatyerr.MalformedInput, "", f.peOffset, err)
	}
	if sig != peSigVal {
		return nil, bloatyerr.At(bloatyerr.MalformedInput, "", f.peOffset, "bad PE signature %#08x", sig)
	}

	if err := binary.Read(r, binary.LittleEndian, &f.coff); err != nil {
		return nil, bloatyerr.Wrap(bloatyerr.MalformedInput, "", f.peOffset+4, err)
	}

	if f.coff.SizeOfOptionalHeader > 0 {
		var optMagic uint16
		if err := binary.Read(r, binary.LittleEndian, &optMagic); err != nil {
			return nil, bloatyerr.Wrap(bloatyerr.MalformedInput, "", 0, err)
		}
		if _, err := r.Seek(-2, io.SeekCurrent); err != nil {
			return nil, bloatyerr.Wrap(bloatyerr.MalformedInput, "", 0, err)
		}
		switch optMagic {
		case pe32Plus:
			if err := binary.Read(r, binary.LittleEndian, &f.opt); err != nil {
				return nil, bloatyerr.Wrap(bloatyerr.MalformedInput, "", 0, err)
			}
		case pe32:
			return nil, bloatyerr.New(bloatyerr.MalformedInput, "PE32 (32-bit) images are not supported, only PE32+")
		default:
			return nil, bloatyerr.At(bloatyerr.MalformedInput, "", 0, "unknown optional header magic %#04x", optMagic)
		}
	}

	sectionOff := f.peOffset + 4 + int64(binary.Size(f.coff)) + int64(f.coff.SizeOfOptionalHeader)
	if _, err := r.Seek(sectionOff, io.SeekStart); err != nil {
		return nil, bloatyerr.At(bloatyerr.MalformedInput, "", sectionOff, "section table offset out of range")
	}
	f.sections = make([]sectionHeader, f.coff.NumberOfSections)
	for i := range f.sections {
		if err := binary.Read(r, binary.LittleEndian, &f.sections[i]); err != nil {
			return nil, bloatyerr.Wrap(bloatyerr.MalformedInput, "", sectionOff, fmt.Errorf("section %d: %w", i, err))
		}
	}

	return f, nil
}

// ProcessBaseMap implements binary.Frontend.
func (f *Frontend) ProcessBaseMap(s *sink.RangeSink) error {
	if f.opt.SizeOfHeaders > 0 {
		if err := s.AddRange("[PE Headers]", addr.Addr(f.opt.ImageBase), addr.Addr(f.opt.SizeOfHeaders), 0, addr.Addr(f.opt.SizeOfHeaders)); err != nil {
			return err
		}
	}

	for _, sec := range f.sections {
		name := sec.name()
		if name == "" {
			name = "[section without name]"
		}
		vmaddr := addr.Addr(f.opt.ImageBase) + addr.Addr(sec.VirtualAddress)
		vmsize := addr.Addr(sec.VirtualSize)
		if vmsize == 0 {
			vmsize = addr.Addr(sec.SizeOfRawData)
		}
		if err := s.AddRange(name, vmaddr, vmsize, addr.Addr(sec.PointerToRawData), addr.Addr(sec.SizeOfRawData)); err != nil {
			return fmt.Errorf("pe: section %q: %w", name, err)
		}
	}

	vmTotal := addr.Addr(f.opt.SizeOfImage)
	if vmTotal == 0 {
		vmTotal = addr.Addr(f.opt.ImageBase) + addr.Addr(len(f.file))
	} else {
		vmTotal += addr.Addr(f.opt.ImageBase)
	}
	return s.FillUnmappedBase(vmTotal, addr.Addr(len(f.file)), "[Unmapped]")
}

// ProcessFile implements binary.Frontend. Whatever each sink's data source,
// it walks the section table and adds every named section's VM extent
// (ImageBase+VirtualAddress, VirtualSize or, when that is zero,
// SizeOfRawData) under the section's name; the sink's translator supplies
// the matching file range. Sections with an empty name are skipped.
func (f *Frontend) ProcessFile(sinks []*sink.RangeSink) error {
	for _, sk := range sinks {
		for _, sec := range f.sections {
			name := sec.name()
			if name == "" {
				continue
			}
			vmaddr := addr.Addr(f.opt.ImageBase) + addr.Addr(sec.VirtualAddress)
			vmsize := addr.Addr(sec.VirtualSize)
			if vmsize == 0 {
				vmsize = addr.Addr(sec.SizeOfRawData)
			}
			if err := sk.AddVMRangeIgnoreDuplicate(vmaddr, vmsize, name); err != nil {
				return fmt.Errorf("pe: %w", err)
			}
		}
	}
	return nil
}
