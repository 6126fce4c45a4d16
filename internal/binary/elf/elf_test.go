package elf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/xyproto/bloaty/internal/sink"
)

type elfHeaderBytes struct {
	Ident     [16]byte
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

type progHeaderBytes struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	PAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

type sectionHeaderBytes struct {
	NameOff   uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

// buildMinimalELF builds a tiny ELF64 little-endian executable: one
// PT_LOAD segment covering a ".text" section, plus a ".shstrtab".
func buildMinimalELF(t *testing.T) []byte {
	t.Helper()
	const (
		textOffset = 0x400
		textAddr   = 0x1000
		textSize   = 0x10
		shstrOff   = 0x420
	)
	shstrtab := "\x00.text\x00.shstrtab\x00"

	hdr := elfHeaderBytes{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0},
		Type:      2, // ET_EXEC
		Machine:   0x3e,
		Version:   1,
		Entry:     textAddr,
		PhOff:     64,
		ShOff:     64 + 56,
		EhSize:    64,
		PhEntSize: 56,
		PhNum:     1,
		ShEntSize: 64,
		ShNum:     3,
		ShStrNdx:  2,
	}
	ph := progHeaderBytes{
		Type:   1, // PT_LOAD
		Flags:  5, // R+X
		Offset: textOffset,
		VAddr:  textAddr,
		FileSz: textSize,
		MemSz:  textSize,
	}
	nullSec := sectionHeaderBytes{}
	textSec := sectionHeaderBytes{
		NameOff: 1,
		Type:    1, // SHT_PROGBITS
		Flags:   0x6, // SHF_ALLOC|SHF_EXECINSTR
		Addr:    textAddr,
		Offset:  textOffset,
		Size:    textSize,
	}
	shstrSec := sectionHeaderBytes{
		NameOff: 7,
		Type:    3, // SHT_STRTAB
		Offset:  shstrOff,
		Size:    uint64(len(shstrtab)),
	}

	var buf bytes.Buffer
	for _, v := range []any{hdr, ph, nullSec, textSec, shstrSec} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}
	for buf.Len() < textOffset {
		buf.WriteByte(0)
	}
	buf.Write(make([]byte, textSize))
	buf.WriteString(shstrtab)
	for buf.Len() < shstrOff+len(shstrtab) {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func TestNewParsesMinimalELF(t *testing.T) {
	f, err := New(buildMinimalELF(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(f.segs) != 1 || f.segs[0].Type != ptLoad {
		t.Fatalf("got segs %+v", f.segs)
	}
	if len(f.secs) != 3 || f.secs[1].Name != ".text" {
		t.Fatalf("got secs %+v", f.secs)
	}
}

func TestNewRejectsBadMagic(t *testing.T) {
	data := buildMinimalELF(t)
	data[0] = 0
	if _, err := New(data); err == nil {
		t.Fatal("expected error for bad ELF magic")
	}
}

func TestProcessBaseMapCoversSegmentAndGap(t *testing.T) {
	f, err := New(buildMinimalELF(t))
	if err != nil {
		t.Fatal(err)
	}
	base := sink.NewOutput(nil)
	s := sink.New(nil, sink.Segments, nil, base)
	if err := f.ProcessBaseMap(s); err != nil {
		t.Fatal(err)
	}

	if label, ok := base.Map.VM.TryGetLabel(0x1005); !ok || label != "LOAD [RX]" {
		t.Fatalf("got %q, %v", label, ok)
	}
	if label, ok := base.Map.VM.TryGetLabel(0); !ok || label != "[Unmapped]" {
		t.Fatalf("got %q, %v", label, ok)
	}
	if label, ok := base.Map.File.TryGetLabel(0); !ok || label != "[ELF Headers]" {
		t.Fatalf("got %q, %v", label, ok)
	}
}

func TestProcessFileReportsSections(t *testing.T) {
	f, err := New(buildMinimalELF(t))
	if err != nil {
		t.Fatal(err)
	}
	base := sink.NewOutput(nil)
	baseSink := sink.New(nil, sink.Segments, nil, base)
	if err := f.ProcessBaseMap(baseSink); err != nil {
		t.Fatal(err)
	}

	secOut := sink.NewOutput(nil)
	secSink := sink.New(nil, sink.Sections, base.Map, secOut)
	if err := f.ProcessFile([]*sink.RangeSink{secSink}); err != nil {
		t.Fatal(err)
	}
	if label, ok := secOut.Map.VM.TryGetLabel(0x1008); !ok || label != ".text" {
		t.Fatalf("got %q, %v", label, ok)
	}
}
