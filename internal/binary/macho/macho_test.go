package macho

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/xyproto/bloaty/internal/sink"
)

func pad16(s string) [16]byte {
	var b [16]byte
	copy(b[:], s)
	return b
}

// buildMinimalMachO64 builds a tiny 64-bit little-endian Mach-O image with
// one LC_SEGMENT_64 (one section) and one LC_SYMTAB.
func buildMinimalMachO64(t *testing.T) []byte {
	t.Helper()
	const (
		textAddr   = 0x1000
		textOff    = 0x1000
		textSize   = 0x20
		symOff     = 0x2000
		strOff     = 0x2100
	)

	var segCmd bytes.Buffer
	binary.Write(&segCmd, binary.LittleEndian, uint32(lcSegment64))
	segCmdSizePos := segCmd.Len()
	binary.Write(&segCmd, binary.LittleEndian, uint32(0)) // cmdsize, patched below
	segCmd.Write(pad16("__TEXT")[:])
	binary.Write(&segCmd, binary.LittleEndian, uint64(textAddr))  // vmaddr
	binary.Write(&segCmd, binary.LittleEndian, uint64(textSize))  // vmsize
	binary.Write(&segCmd, binary.LittleEndian, uint64(textOff))   // fileoff
	binary.Write(&segCmd, binary.LittleEndian, uint64(textSize))  // filesize
	binary.Write(&segCmd, binary.LittleEndian, int32(7))          // maxprot R+W+X... use 7
	binary.Write(&segCmd, binary.LittleEndian, int32(5))          // initprot
	binary.Write(&segCmd, binary.LittleEndian, uint32(1))         // nsects
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))         // flags
	// one section_64
	segCmd.Write(pad16("__text")[:])
	segCmd.Write(pad16("__TEXT")[:])
	binary.Write(&segCmd, binary.LittleEndian, uint64(textAddr))
	binary.Write(&segCmd, binary.LittleEndian, uint64(textSize))
	binary.Write(&segCmd, binary.LittleEndian, uint32(textOff))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0)) // align
	binary.Write(&segCmd, binary.LittleEndian, uint32(0)) // reloff
	binary.Write(&segCmd, binary.LittleEndian, uint32(0)) // nreloc
	binary.Write(&segCmd, binary.LittleEndian, uint32(0)) // flags
	binary.Write(&segCmd, binary.LittleEndian, uint32(0)) // reserved1
	binary.Write(&segCmd, binary.LittleEndian, uint32(0)) // reserved2
	binary.Write(&segCmd, binary.LittleEndian, uint32(0)) // reserved3
	segBytes := segCmd.Bytes()
	binary.LittleEndian.PutUint32(segBytes[segCmdSizePos:], uint32(len(segBytes)))

	var symCmd bytes.Buffer
	binary.Write(&symCmd, binary.LittleEndian, uint32(lcSymtab))
	binary.Write(&symCmd, binary.LittleEndian, uint32(24))
	binary.Write(&symCmd, binary.LittleEndian, uint32(symOff))
	binary.Write(&symCmd, binary.LittleEndian, uint32(1))
	binary.Write(&symCmd, binary.LittleEndian, uint32(strOff))
	binary.Write(&symCmd, binary.LittleEndian, uint32(8))

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(magic64))
	binary.Write(&buf, binary.LittleEndian, int32(0x01000007)) // cputype x86_64
	binary.Write(&buf, binary.LittleEndian, int32(0))          // cpusubtype
	binary.Write(&buf, binary.LittleEndian, uint32(2))         // filetype MH_EXECUTE
	binary.Write(&buf, binary.LittleEndian, uint32(2))         // ncmds
	binary.Write(&buf, binary.LittleEndian, uint32(len(segBytes)+symCmd.Len()))
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // flags
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // reserved
	buf.Write(segBytes)
	buf.Write(symCmd.Bytes())

	for buf.Len() < symOff {
		buf.WriteByte(0)
	}
	// one nlist_64: n_strx, n_type, n_sect, n_desc, n_value
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // n_strx (offset 1 into strtab)
	buf.WriteByte(0x0f)                                // n_type: N_SECT
	buf.WriteByte(1)                                   // n_sect
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // n_desc
	binary.Write(&buf, binary.LittleEndian, uint64(textAddr))

	for buf.Len() < strOff {
		buf.WriteByte(0)
	}
	buf.WriteByte(0)
	buf.WriteString("my_func")
	buf.WriteByte(0)

	return buf.Bytes()
}

func TestNewParsesMinimalMachO(t *testing.T) {
	f, err := New(buildMinimalMachO64(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(f.segs) != 1 || f.segs[0].Name != "__TEXT" {
		t.Fatalf("got segs %+v", f.segs)
	}
	if len(f.segs[0].Sections) != 1 || f.segs[0].Sections[0].Name != "__text" {
		t.Fatalf("got sections %+v", f.segs[0].Sections)
	}
	if len(f.syms) != 1 || f.syms[0].Name != "my_func" {
		t.Fatalf("got syms %+v", f.syms)
	}
}

func TestProcessBaseMapAndSymbols(t *testing.T) {
	f, err := New(buildMinimalMachO64(t))
	if err != nil {
		t.Fatal(err)
	}
	base := sink.NewOutput(nil)
	s := sink.New(nil, sink.Segments, nil, base)
	if err := f.ProcessBaseMap(s); err != nil {
		t.Fatal(err)
	}
	if label, ok := base.Map.VM.TryGetLabel(0x1005); !ok || label != "LOAD [RWX]" {
		t.Fatalf("got %q, %v", label, ok)
	}

	symOut := sink.NewOutput(nil)
	symSink := sink.New(nil, sink.Symbols, base.Map, symOut)
	if err := f.ProcessFile([]*sink.RangeSink{symSink}); err != nil {
		t.Fatal(err)
	}
	if label, ok := symOut.Map.VM.TryGetLabel(0x1000); !ok || label != "my_func" {
		t.Fatalf("got %q, %v", label, ok)
	}
}
