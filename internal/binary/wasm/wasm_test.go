package wasm

import (
	"bytes"
	"testing"

	"github.com/xyproto/bloaty/internal/addr"
	"github.com/xyproto/bloaty/internal/sink"
)

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
			break
		}
	}
	return out
}

func strBytes(s string) []byte {
	return append(uleb(uint64(len(s))), []byte(s)...)
}

func section(id byte, contents []byte) []byte {
	return append([]byte{id}, append(uleb(uint64(len(contents))), contents...)...)
}

// buildMinimalModule builds a wasm module with one imported function, one
// defined function with a two-byte body, and a custom name section naming
// the defined function "add".
func buildMinimalModule() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x61, 0x73, 0x6d}) // magic
	buf.Write([]byte{0x01, 0x00, 0x00, 0x00}) // version 1

	// Import section: one function import "env"."imported_fn" of type 0.
	var imp bytes.Buffer
	imp.Write(uleb(1)) // count
	imp.Write(strBytes("env"))
	imp.Write(strBytes("imported_fn"))
	imp.WriteByte(0) // kind: function
	imp.Write(uleb(0))
	buf.Write(section(2, imp.Bytes()))

	// Code section: one function body, 2 bytes (e.g. "unreachable, end").
	var code bytes.Buffer
	code.Write(uleb(1)) // count
	body := []byte{0x00, 0x0b}
	code.Write(uleb(uint64(len(body))))
	code.Write(body)
	buf.Write(section(10, code.Bytes()))

	// Custom "name" section with a function-names subsection naming
	// function index 1 (the first defined function, after the one import).
	var names bytes.Buffer
	names.WriteByte(1) // subsection type: function names
	var sub bytes.Buffer
	sub.Write(uleb(1)) // count
	sub.Write(uleb(1)) // index 1
	sub.Write(strBytes("add"))
	names.Write(uleb(uint64(sub.Len())))
	names.Write(sub.Bytes())
	var custom bytes.Buffer
	custom.Write(strBytes("name"))
	custom.Write(names.Bytes())
	buf.Write(section(0, custom.Bytes()))

	return buf.Bytes()
}

func TestNewParsesMinimalModule(t *testing.T) {
	f, err := New(buildMinimalModule())
	if err != nil {
		t.Fatal(err)
	}
	if len(f.sections) != 3 {
		t.Fatalf("got %d sections, want 3", len(f.sections))
	}
	if f.sections[0].name != "Import" || f.sections[1].name != "Code" || f.sections[2].name != "name" {
		t.Fatalf("got sections %+v", f.sections)
	}
}

func TestNewRejectsBadMagic(t *testing.T) {
	if _, err := New([]byte("not a wasm file!")); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestProcessBaseMapCoversWholeFile(t *testing.T) {
	file := buildMinimalModule()
	f, err := New(file)
	if err != nil {
		t.Fatal(err)
	}
	base := sink.NewOutput(nil)
	s := sink.New(nil, sink.Segments, nil, base)
	if err := f.ProcessBaseMap(s); err != nil {
		t.Fatal(err)
	}
	if label, ok := base.Map.File.TryGetLabel(0); !ok || label != "[WASM Header]" {
		t.Fatalf("got %q, %v", label, ok)
	}
	if _, ok := base.Map.File.TryGetLabel(addr.Addr(len(file) - 1)); !ok {
		t.Fatal("expected the last byte of the file to be covered")
	}
}

func TestProcessFileReportsFunctionNames(t *testing.T) {
	file := buildMinimalModule()
	f, err := New(file)
	if err != nil {
		t.Fatal(err)
	}
	base := sink.NewOutput(nil)
	baseSink := sink.New(nil, sink.Segments, nil, base)
	if err := f.ProcessBaseMap(baseSink); err != nil {
		t.Fatal(err)
	}

	symOut := sink.NewOutput(nil)
	symSink := sink.New(nil, sink.Symbols, base.Map, symOut)
	if err := f.ProcessFile([]*sink.RangeSink{symSink}); err != nil {
		t.Fatal(err)
	}

	codeSec := f.sections[1]
	// The function body starts after the LEB128 count byte and its own
	// size prefix, at codeSec.fileOff + (fileSize - len(contents)) + 1 (count) + 1 (size byte).
	bodyOff := codeSec.fileOff + addr.Addr(int(codeSec.fileSize)-len(codeSec.contents)) + 2
	if label, ok := symOut.Map.VM.TryGetLabel(bodyOff); !ok || label != "add" {
		t.Fatalf("got %q, %v", label, ok)
	}
}
