// Package binary defines the common front-end contract every file format
// reader implements, plus the magic-byte probe that picks one for a given
// input.
package binary

import (
	"github.com/xyproto/bloaty/internal/bloatyerr"
	"github.com/xyproto/bloaty/internal/sink"
)

// Format names a binary container format this module understands.
type Format int

const (
	Unknown Format = iota
	ELF
	MachO
	Wasm
	PE
)

func (f Format) String() string {
	switch f {
	case ELF:
		return "ELF"
	case MachO:
		return "Mach-O"
	case Wasm:
		return "WebAssembly"
	case PE:
		return "PE"
	default:
		return "unknown"
	}
}

// Frontend is the capability set every file-format reader exposes: build
// the base (segment/section-shaped) map the whole scan hinges on, then
// fill in whatever data sources were requested against it.
type Frontend interface {
	// ProcessBaseMap populates sink's base DualMap with the format's
	// natural top-level partition of the file (ELF segments, Mach-O
	// segments, PE/Wasm sections) plus `[<Format> Headers]`/`[Unmapped]`
	// sweeps so every byte of the file is claimed.
	ProcessBaseMap(s *sink.RangeSink) error

	// ProcessFile runs every requested non-base data source (sections,
	// symbols, compile units, ...) against the given sinks, each already
	// bound to the base map as its translator.
	ProcessFile(sinks []*sink.RangeSink) error
}

// Probe identifies file's format by its leading magic bytes, in the fixed
// order the scan driver must try them: ELF, Mach-O, WebAssembly, PE.
func Probe(file []byte) Format {
	switch {
	case isELF(file):
		return ELF
	case isMachO(file):
		return MachO
	case isWasm(file):
		return Wasm
	case isPE(file):
		return PE
	default:
		return Unknown
	}
}

func isELF(file []byte) bool {
	return len(file) >= 4 && file[0] == 0x7f && file[1] == 'E' && file[2] == 'L' && file[3] == 'F'
}

func isWasm(file []byte) bool {
	return len(file) >= 8 &&
		file[0] == 0x00 && file[1] == 'a' && file[2] == 's' && file[3] == 'm'
}

// Mach-O and fat/universal binary magics, both endiannesses.
const (
	machoMagic32    = 0xfeedface
	machoMagic64    = 0xfeedfacf
	machoCigam32    = 0xcefaedfe
	machoCigam64    = 0xcffaedfe
	fatMagic        = 0xcafebabe
	fatCigam        = 0xbebafeca
)

func isMachO(file []byte) bool {
	if len(file) < 4 {
		return false
	}
	be := uint32(file[0])<<24 | uint32(file[1])<<16 | uint32(file[2])<<8 | uint32(file[3])
	switch be {
	case machoMagic32, machoMagic64, machoCigam32, machoCigam64, fatMagic, fatCigam:
		return true
	default:
		return false
	}
}

func isPE(file []byte) bool {
	// "MZ" DOS stub; the PE signature itself lives deeper at e_lfanew and
	// is checked by the PE front-end once it commits to parsing.
	return len(file) >= 2 && file[0] == 'M' && file[1] == 'Z'
}

// UnrecognizedFormatError returns the MalformedInput bloatyerr.Error that
// callers report when a file of size bytes matches no probe.
func UnrecognizedFormatError(size int) error {
	return bloatyerr.New(bloatyerr.MalformedInput, "unrecognized file format (%d bytes, no known magic matched)", size)
}
