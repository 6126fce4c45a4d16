// Package ar parses the Unix archive ("ar") container format used for
// static libraries: the common System-V/GNU header layout, GNU's long
// filename table (member "//") and its "/N" back-references, and Darwin's
// "#1/N" embedded long filenames. BSD's variant archive format is
// structurally different and is reported as an error rather than guessed
// at.
package ar

import (
	"strconv"
	"strings"

	"github.com/xyproto/bloaty/internal/bloatyerr"
)

const (
	globalMagic  = "!<arch>\n"
	headerSize   = 60
	headerMagic  = "`\n"
	gnuSymtab    = "/"
	gnuLongNames = "//"
	darwinSymtab = "__.SYMDEF"
)

// Member is one file stored inside an archive.
type Member struct {
	Name string
	Data []byte
	// Offset is this member's data's absolute byte offset within the
	// archive file, for callers that need to report file-domain ranges
	// against the archive itself rather than against the member in
	// isolation.
	Offset int
}

// Parse splits file into its member files, resolving GNU long filenames
// and Darwin "#1/N" embedded filenames, and dropping the GNU/Darwin symbol
// table pseudo-members (this module doesn't need the archive's own symbol
// index; every member is walked regardless).
func Parse(file []byte) ([]Member, error) {
	if len(file) < len(globalMagic) || string(file[:len(globalMagic)]) != globalMagic {
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "not an ar archive (missing \"!<arch>\\n\" magic)")
	}

	var longNames string
	var members []Member
	off := len(globalMagic)

	for off+headerSize <= len(file) {
		hdr := file[off : off+headerSize]
		if string(hdr[58:60]) != headerMagic {
			return nil, bloatyerr.At(bloatyerr.MalformedInput, "", int64(off), "bad ar member header magic")
		}

		rawName := strings.TrimRight(string(hdr[0:16]), " ")
		sizeStr := strings.TrimSpace(string(hdr[48:58]))
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return nil, bloatyerr.At(bloatyerr.MalformedInput, "", int64(off), "bad ar member size %q", sizeStr)
		}

		dataOff := off + headerSize
		if dataOff+int(size) > len(file) {
			return nil, bloatyerr.At(bloatyerr.MalformedInput, "", int64(dataOff), "ar member extends past end of file")
		}
		data := file[dataOff : dataOff+int(size)]

		name, isDarwinLongName, err := resolveName(rawName, longNames)
		if err != nil {
			return nil, err
		}

		switch {
		case name == gnuSymtab:
			// GNU symbol table index; skip, see doc comment.
		case name == gnuLongNames:
			longNames = string(data)
		case strings.HasPrefix(name, darwinSymtab):
			// Darwin/BSD symbol table ("__.SYMDEF" or "__.SYMDEF SORTED").
		case isDarwinLongName:
			memberName, embeddedData := splitDarwinLongName(rawName, data)
			members = append(members, Member{Name: memberName, Data: embeddedData, Offset: dataOff + (len(data) - len(embeddedData))})
		default:
			members = append(members, Member{Name: name, Data: data, Offset: dataOff})
		}

		// Member data is padded to an even offset.
		next := dataOff + int(size)
		if size%2 != 0 {
			next++
		}
		off = next
	}

	return members, nil
}

// resolveName interprets rawName as a plain GNU short name ("foo.o/"), a
// GNU long-filename back-reference ("/123"), or a Darwin embedded-length
// marker ("#1/20"), returning the resolved name (for the first two cases)
// and whether it's the Darwin form (whose name lives in the member's own
// data and is resolved by the caller once that data is sliced out).
func resolveName(rawName, longNames string) (name string, isDarwinLongName bool, err error) {
	switch {
	case strings.HasPrefix(rawName, "#1/"):
		return rawName, true, nil
	case rawName == gnuLongNames || rawName == gnuSymtab:
		return rawName, false, nil
	case strings.HasPrefix(rawName, "/"):
		idxStr := rawName[1:]
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return "", false, bloatyerr.New(bloatyerr.MalformedInput, "bad ar long-name reference %q", rawName)
		}
		if idx >= len(longNames) {
			return "", false, bloatyerr.New(bloatyerr.MalformedInput, "ar long-name reference %q out of range", rawName)
		}
		end := strings.IndexAny(longNames[idx:], "/\n")
		if end == -1 {
			return longNames[idx:], false, nil
		}
		return longNames[idx : idx+end], false, nil
	default:
		slash := strings.IndexByte(rawName, '/')
		if slash == -1 {
			return "", false, bloatyerr.New(bloatyerr.MalformedInput, "BSD-style AR not yet implemented")
		}
		return rawName[:slash], false, nil
	}
}

// splitDarwinLongName splits a "#1/N"-prefixed member's data into its
// embedded filename (the first N bytes) and the actual file content.
func splitDarwinLongName(rawName string, data []byte) (name string, rest []byte) {
	n, err := strconv.Atoi(strings.TrimPrefix(rawName, "#1/"))
	if err != nil || n > len(data) {
		return rawName, data
	}
	name = strings.TrimRight(string(data[:n]), "\x00")
	return name, data[n:]
}
