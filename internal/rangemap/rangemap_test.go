package rangemap

import (
	"testing"

	"github.com/xyproto/bloaty/internal/addr"
)

func TestAddRangeBasic(t *testing.T) {
	m := New()
	if err := m.AddRange(0, 10, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRange(10, 10, "b"); err != nil {
		t.Fatal(err)
	}
	if label, ok := m.TryGetLabel(5); !ok || label != "a" {
		t.Fatalf("got %q, %v", label, ok)
	}
	if label, ok := m.TryGetLabel(15); !ok || label != "b" {
		t.Fatalf("got %q, %v", label, ok)
	}
	if _, ok := m.TryGetLabel(20); ok {
		t.Fatal("expected no label past end")
	}
}

func TestAddRangeZeroSizeNoop(t *testing.T) {
	m := New()
	if err := m.AddRange(5, 0, "x"); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty map, got %d entries", m.Len())
	}
}

func TestFirstWriterWins(t *testing.T) {
	m := New()
	if err := m.AddRange(0, 10, "real"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRange(0, 10, "fallback"); err != nil {
		t.Fatal(err)
	}
	if label, _ := m.TryGetLabel(0); label != "real" {
		t.Fatalf("expected first writer to win, got %q", label)
	}
}

func TestUnknownSizeRefinement(t *testing.T) {
	m := New()
	if err := m.AddRange(0, addr.Unknown, "sym"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRange(20, 10, "next"); err != nil {
		t.Fatal(err)
	}
	// Now refine: a later insert at the same start with a known size should
	// shrink the unknown-size entry to min(new size, distance to next entry).
	if err := m.AddRange(0, 5, "sym"); err != nil {
		t.Fatal(err)
	}
	size, ok := m.TryGetSize(0)
	if !ok || size != 5 {
		t.Fatalf("expected size 5, got %v ok=%v", size, ok)
	}
}

func TestUnknownSizeShrinksToNextEntry(t *testing.T) {
	m := New()
	if err := m.AddRange(0, addr.Unknown, "sym"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRange(8, 4, "next"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRange(0, 100, "sym"); err != nil {
		t.Fatal(err)
	}
	size, ok := m.TryGetSize(0)
	if !ok || size != 8 {
		t.Fatalf("expected size clipped to 8, got %v", size)
	}
}

func TestOverflowRejected(t *testing.T) {
	m := New()
	if err := m.AddRange(^addr.Addr(0)-2, 10, "x"); err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestDualRangeTranslate(t *testing.T) {
	m := New()
	if err := m.AddDualRange(0x1000, 0x10, 0x2000, "seg"); err != nil {
		t.Fatal(err)
	}
	got, ok := m.Translate(0x1005)
	if !ok || got != 0x2005 {
		t.Fatalf("got %#x, %v", got, ok)
	}
}

func TestAddRangeWithTranslationFullCoverage(t *testing.T) {
	translator := New()
	_ = translator.AddDualRange(0, 0x100, 0x1000, "seg")

	m := New()
	other := New()
	full, err := m.AddRangeWithTranslation(0x10, 0x20, "sym", translator, other)
	if err != nil {
		t.Fatal(err)
	}
	if !full {
		t.Fatal("expected full coverage")
	}
	if label, ok := other.TryGetLabel(0x1010 + 5); !ok || label != "sym" {
		t.Fatalf("got %q, %v", label, ok)
	}
}

func TestAddRangeWithTranslationPartialCoverage(t *testing.T) {
	translator := New()
	_ = translator.AddDualRange(0, 0x10, 0x1000, "seg")

	m := New()
	other := New()
	full, err := m.AddRangeWithTranslation(0, 0x20, "sym", translator, other)
	if err != nil {
		t.Fatal(err)
	}
	if full {
		t.Fatal("expected partial coverage to report false")
	}
}

func TestCompressMergesSameLabel(t *testing.T) {
	m := New()
	_ = m.AddRange(0, 10, "x")
	_ = m.AddRange(10, 10, "x")
	m.Compress()
	if m.Len() != 1 {
		t.Fatalf("expected 1 merged entry, got %d", m.Len())
	}
	size, _ := m.TryGetSize(0)
	if size != 20 {
		t.Fatalf("expected merged size 20, got %d", size)
	}
}

func TestCompressAbsorbsShortFallback(t *testing.T) {
	m := New()
	_ = m.AddRange(0, 10, "real")
	_ = m.AddRange(10, 4, "[Unmapped]")
	m.Compress()
	if m.Len() != 1 {
		t.Fatalf("expected absorption into 1 entry, got %d", m.Len())
	}
}

func TestCompressKeepsLongFallbackSeparate(t *testing.T) {
	m := New()
	_ = m.AddRange(0, 10, "real")
	_ = m.AddRange(10, 100, "[Unmapped]")
	m.Compress()
	if m.Len() != 2 {
		t.Fatalf("expected 2 entries (long fallback not absorbed), got %d", m.Len())
	}
}

func TestCoversRange(t *testing.T) {
	m := New()
	_ = m.AddRange(0, 10, "a")
	_ = m.AddRange(10, 10, "b")
	if !m.CoversRange(0, 20) {
		t.Fatal("expected full coverage")
	}
	if m.CoversRange(0, 21) {
		t.Fatal("expected no coverage past end")
	}
}

func TestGetMaxAddress(t *testing.T) {
	m := New()
	if m.GetMaxAddress() != 0 {
		t.Fatal("expected 0 for empty map")
	}
	_ = m.AddRange(10, 5, "a")
	if m.GetMaxAddress() != 15 {
		t.Fatalf("got %d", m.GetMaxAddress())
	}
}

func TestForEachRangeOrder(t *testing.T) {
	m := New()
	_ = m.AddRange(20, 10, "c")
	_ = m.AddRange(0, 10, "a")
	_ = m.AddRange(10, 10, "b")

	var labels []string
	m.ForEachRange(func(start, size addr.Addr, label string) {
		labels = append(labels, label)
	})
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if labels[i] != w {
			t.Fatalf("labels = %v, want %v", labels, want)
		}
	}
}

func TestTryGetLabelForRange(t *testing.T) {
	m := New()
	_ = m.AddRange(0, 10, "a")
	_ = m.AddRange(10, 10, "a")
	if label, ok := m.TryGetLabelForRange(0, 20); !ok || label != "a" {
		t.Fatalf("got %q, %v", label, ok)
	}
	_ = m.AddRange(20, 10, "b")
	if _, ok := m.TryGetLabelForRange(0, 30); ok {
		t.Fatal("expected mismatch across differing labels")
	}
}
