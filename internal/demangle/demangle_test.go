package demangle

import "testing"

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"none": None, "short": Short, "full": Full}
	for s, want := range cases {
		got, ok := ParseMode(s)
		if !ok || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v; want %v, true", s, got, ok, want)
		}
	}
	if _, ok := ParseMode("bogus"); ok {
		t.Fatal("expected ParseMode to reject an unknown mode")
	}
}

func TestApplyNoneLeavesNameUnchanged(t *testing.T) {
	const mangled = "_ZN3Foo3barEv"
	if got := Apply(mangled, None); got != mangled {
		t.Fatalf("got %q", got)
	}
}

func TestApplyFullDemanglesItaniumName(t *testing.T) {
	got := Apply("_ZN3Foo3barEv", Full)
	if got == "_ZN3Foo3barEv" {
		t.Fatalf("expected a demangled name, got the mangled name back unchanged")
	}
	if got != "Foo::bar()" {
		t.Fatalf("got %q, want %q", got, "Foo::bar()")
	}
}

func TestApplyShortStripsParams(t *testing.T) {
	got := Apply("_ZN3Foo3barEi", Short)
	if got != "Foo::bar" {
		t.Fatalf("got %q, want %q", got, "Foo::bar")
	}
}

func TestApplyPassesThroughUnmangledNames(t *testing.T) {
	if got := Apply("plain_c_symbol", Full); got != "plain_c_symbol" {
		t.Fatalf("got %q", got)
	}
}
