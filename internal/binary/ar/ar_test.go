package ar

import (
	"bytes"
	"fmt"
	"testing"
)

func writeMember(buf *bytes.Buffer, name string, data []byte) {
	hdr := fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10d", name, "0", "0", "0", "644", len(data))
	buf.WriteString(hdr)
	buf.WriteString("`\n")
	buf.Write(data)
	if len(data)%2 != 0 {
		buf.WriteByte('\n')
	}
}

func buildArchive(members map[string][]byte, order []string) []byte {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	for _, name := range order {
		writeMember(&buf, name, members[name])
	}
	return buf.Bytes()
}

func TestParseShortNames(t *testing.T) {
	data := buildArchive(map[string][]byte{
		"a.o/": []byte("AAAA"),
		"b.o/": []byte("BB"),
	}, []string{"a.o/", "b.o/"})

	members, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0].Name != "a.o" || members[1].Name != "b.o" {
		t.Fatalf("got %+v", members)
	}
	if string(members[0].Data) != "AAAA" {
		t.Fatalf("got %q", members[0].Data)
	}
}

func TestParseGnuLongNames(t *testing.T) {
	longNames := "a_very_long_object_file_name.o/\n"
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	writeMember(&buf, "//", []byte(longNames))
	writeMember(&buf, "/0", []byte("DATA"))

	members, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].Name != "a_very_long_object_file_name.o" {
		t.Fatalf("got %+v", members)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	if _, err := Parse([]byte("not an archive")); err == nil {
		t.Fatal("expected error for missing ar magic")
	}
}

func TestParseRejectsBSDStyleNames(t *testing.T) {
	data := buildArchive(map[string][]byte{
		"a.o": []byte("AAAA"),
	}, []string{"a.o"})

	if _, err := Parse(data); err == nil {
		t.Fatal("expected an error for a BSD-style (slash-less) member name")
	}
}

func TestMemberOffsetsAreAbsolute(t *testing.T) {
	data := buildArchive(map[string][]byte{
		"a.o/": []byte("AAAA"),
	}, []string{"a.o/"})

	members, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	want := len("!<arch>\n") + headerSize
	if members[0].Offset != want {
		t.Fatalf("got offset %d, want %d", members[0].Offset, want)
	}
}
