package elf

import (
	"fmt"

	"github.com/xyproto/bloaty/internal/addr"
	"github.com/xyproto/bloaty/internal/binary/ar"
	"github.com/xyproto/bloaty/internal/demangle"
	"github.com/xyproto/bloaty/internal/sink"
)

// ArchiveFrontend processes a static library (.a) as a sequence of ELF
// object files, each recursively parsed with a monotonically increasing
// section-index base (so object VM addresses from different members never
// collide) and its own real byte offset within the archive (so file-domain
// ranges stay addressed against the archive as a whole).
type ArchiveFrontend struct {
	file    []byte
	members []archiveMember
}

type archiveMember struct {
	name         string
	elf          *Frontend
	offset, size int
}

// NewArchive parses file as a System-V/GNU or Darwin ar archive and
// prepares every member for processing as an ELF object file.
func NewArchive(file []byte) (*ArchiveFrontend, error) {
	rawMembers, err := ar.Parse(file)
	if err != nil {
		return nil, err
	}

	af := &ArchiveFrontend{file: file}
	var sectionBase uint32
	for _, m := range rawMembers {
		memberELF, err := newWithObjectBase(m.Data, sectionBase, addr.Addr(m.Offset))
		if err != nil {
			return nil, fmt.Errorf("ar member %q: %w", m.Name, err)
		}
		af.members = append(af.members, archiveMember{name: m.Name, elf: memberELF, offset: m.Offset, size: len(m.Data)})
		sectionBase += uint32(len(memberELF.secs))
	}
	return af, nil
}

// SetDemangle sets the --demangle mode on every member's own Frontend.
func (af *ArchiveFrontend) SetDemangle(mode demangle.Mode) {
	for _, m := range af.members {
		m.elf.SetDemangle(mode)
	}
}

// ProcessBaseMap implements binary.Frontend by concatenating every
// member's base map contributions (distinct object-address bases keep
// them from overlapping each other), then sweeping the whole archive once
// for bytes no member claimed -- the archive's own headers and padding.
func (af *ArchiveFrontend) ProcessBaseMap(s *sink.RangeSink) error {
	var vmMax, fileMax addr.Addr
	for _, m := range af.members {
		if err := m.elf.processBaseMapRanges(s); err != nil {
			return fmt.Errorf("ar member %q: %w", m.name, err)
		}
		memberVMMax, memberFileMax := m.elf.maxAddrs()
		if memberVMMax > vmMax {
			vmMax = memberVMMax
		}
		if memberFileMax > fileMax {
			fileMax = memberFileMax
		}
	}
	if archiveEnd := addr.Addr(len(af.file)); archiveEnd > fileMax {
		fileMax = archiveEnd
	}
	return s.FillUnmappedBase(vmMax, fileMax, "[Unmapped]")
}

// ProcessFile implements binary.Frontend. ArMembers is handled directly
// here (rather than delegated to each member's own Frontend, which has no
// notion of the archive it's embedded in): one file-domain range per
// member, spanning every byte the member occupies in the archive.
func (af *ArchiveFrontend) ProcessFile(sinks []*sink.RangeSink) error {
	var memberSinks, rest []*sink.RangeSink
	for _, s := range sinks {
		if s.DataSource() == sink.ArMembers {
			memberSinks = append(memberSinks, s)
		} else {
			rest = append(rest, s)
		}
	}
	for _, m := range af.members {
		if len(rest) > 0 {
			if err := m.elf.ProcessFile(rest); err != nil {
				return fmt.Errorf("ar member %q: %w", m.name, err)
			}
		}
		for _, s := range memberSinks {
			if err := s.AddFileRange(m.name, addr.Addr(m.offset), addr.Addr(m.size)); err != nil {
				return fmt.Errorf("ar member %q: %w", m.name, err)
			}
		}
	}
	return nil
}
