package sink

import (
	"regexp"
	"testing"

	"github.com/xyproto/bloaty/internal/rangemap"
)

func TestNameMungerFirstMatchWins(t *testing.T) {
	m := NewNameMunger([]Rewrite{
		{Pattern: regexp.MustCompile(`^\.text\..+`), Replacement: ".text.*"},
		{Pattern: regexp.MustCompile(`^\.data\..+`), Replacement: ".data.*"},
	})
	if got := m.Munge(".text.foo"); got != ".text.*" {
		t.Fatalf("got %q", got)
	}
	if got := m.Munge("unrelated"); got != "unrelated" {
		t.Fatalf("got %q", got)
	}
}

func TestNilMungerPassesThrough(t *testing.T) {
	var m *NameMunger
	if got := m.Munge("x"); got != "x" {
		t.Fatalf("got %q", got)
	}
}

func TestBaseSinkAddRange(t *testing.T) {
	base := NewOutput(nil)
	s := New(nil, Segments, nil, base)
	if err := s.AddRange("LOAD [R]", 0x1000, 0x100, 0x0, 0x100); err != nil {
		t.Fatal(err)
	}
	label, ok := base.Map.VM.TryGetLabel(0x1050)
	if !ok || label != "LOAD [R]" {
		t.Fatalf("got %q, %v", label, ok)
	}
}

func TestVMRangeTranslatesToFile(t *testing.T) {
	baseMap := rangemap.NewDualMap()
	if err := baseMap.AddRange("LOAD", 0x1000, 0x100, 0, 0x100); err != nil {
		t.Fatal(err)
	}

	symOut := NewOutput(nil)
	symSink := New(nil, Symbols, baseMap, symOut)
	if err := symSink.AddVMRange(0x1010, 0x10, "my_func"); err != nil {
		t.Fatal(err)
	}

	label, ok := symOut.Map.File.TryGetLabel(0x10)
	if !ok || label != "my_func" {
		t.Fatalf("got %q, %v", label, ok)
	}
}

func TestAddVMRangeRequiresTranslator(t *testing.T) {
	out := NewOutput(nil)
	s := New(nil, Symbols, nil, out)
	if err := s.AddVMRange(0, 10, "x"); err == nil {
		t.Fatal("expected error: AddVMRange needs a translator")
	}
}

func TestAllowAliasRecordsSecondName(t *testing.T) {
	baseMap := rangemap.NewDualMap()
	_ = baseMap.AddRange("LOAD", 0, 0x100, 0, 0x100)

	out := NewOutput(nil)
	s := New(nil, Symbols, baseMap, out)
	if err := s.AddVMRangeAllowAlias(0x10, 0x10, "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddVMRangeAllowAlias(0x10, 0x10, "second"); err != nil {
		t.Fatal(err)
	}
	aliases := s.Aliases(0x10)
	if len(aliases) != 1 || aliases[0] != "second" {
		t.Fatalf("got %v", aliases)
	}
}

func TestAddFileRangeForVMAddr(t *testing.T) {
	// The label is inherited from the translator's own VM map entry at
	// vmaddr, not from whatever this sink's output already contains.
	baseMap := rangemap.NewDualMap()
	_ = baseMap.AddRange("LOAD", 0x1000, 0x100, 0, 0x100)

	out := NewOutput(nil)
	s := New(nil, CompileUnits, baseMap, out)
	if err := s.AddFileRangeForVMAddr(0x1000, 0x50, 0x10); err != nil {
		t.Fatal(err)
	}
	label, ok := out.Map.File.TryGetLabel(0x55)
	if !ok || label != "LOAD" {
		t.Fatalf("got %q, %v", label, ok)
	}
}

func TestFillUnmappedBaseCoversGapsOnly(t *testing.T) {
	base := NewOutput(nil)
	s := New(nil, Segments, nil, base)
	if err := s.AddRange("LOAD", 0x1000, 0x10, 0x0, 0x10); err != nil {
		t.Fatal(err)
	}

	if err := s.FillUnmappedBase(0x1020, 0x20, "[Unmapped]"); err != nil {
		t.Fatal(err)
	}

	if label, ok := base.Map.VM.TryGetLabel(0); !ok || label != "[Unmapped]" {
		t.Fatalf("got %q, %v", label, ok)
	}
	if label, ok := base.Map.VM.TryGetLabel(0x1000); !ok || label != "LOAD" {
		t.Fatalf("existing range must survive the sweep, got %q, %v", label, ok)
	}
	if label, ok := base.Map.VM.TryGetLabel(0x1015); !ok || label != "[Unmapped]" {
		t.Fatalf("trailing gap after the last range should be filled, got %q, %v", label, ok)
	}
	if label, ok := base.Map.File.TryGetLabel(0x15); !ok || label != "[Unmapped]" {
		t.Fatalf("file-domain trailing gap should be filled independently, got %q, %v", label, ok)
	}
}

func TestFillUnmappedBaseRejectsNonBaseSink(t *testing.T) {
	baseMap := rangemap.NewDualMap()
	out := NewOutput(nil)
	s := New(nil, Symbols, baseMap, out)
	if err := s.FillUnmappedBase(0x100, 0x100, "[Unmapped]"); err == nil {
		t.Fatal("expected error: only the base sink may fill unmapped gaps")
	}
}
