package bloatyerr

import (
	"errors"
	"testing"
)

func TestErrorMessageWithLocation(t *testing.T) {
	err := At(MalformedInput, "a.o", 0x40, "bad magic")
	want := "malformed input: bad magic (a.o: offset 0x40)"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestErrorMessageWithoutLocation(t *testing.T) {
	err := New(Configuration, "missing build-id")
	want := "configuration: missing build-id"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("short read")
	err := Wrap(Resource, "f.so", 0, cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to see through to the wrapped cause")
	}
}

func TestIsFatalToBatch(t *testing.T) {
	if !IsFatalToBatch(errors.New("plain")) {
		t.Fatal("a non-Error should always be treated as fatal")
	}
	if IsFatalToBatch(New(MalformedInput, "x")) {
		t.Fatal("malformed input should be recoverable per-file")
	}
	if !IsFatalToBatch(New(SemanticMismatch, "x")) {
		t.Fatal("semantic mismatches should be batch-fatal")
	}
}
