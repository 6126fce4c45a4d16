package sink

import (
	"fmt"

	"github.com/xyproto/bloaty/internal/addr"
	"github.com/xyproto/bloaty/internal/bloatyerr"
	"github.com/xyproto/bloaty/internal/rangemap"
)

// Output is one destination a RangeSink writes labeled ranges into: its
// own DualMap, with an optional NameMunger applied to every incoming
// label before insertion (used by custom data sources that rewrite a
// built-in source's names).
type Output struct {
	Map    *rangemap.DualMap
	Munger *NameMunger
}

// NewOutput creates an Output over a fresh, empty DualMap.
func NewOutput(munger *NameMunger) *Output {
	return &Output{Map: rangemap.NewDualMap(), Munger: munger}
}

// RangeSink is the write-side facade binary front-ends and the DWARF
// reader push labeled ranges into. It owns the raw input file bytes, the
// data source it's collecting, an optional translator DualMap (the base
// map, used to fill in whichever domain -- file or VM -- a caller didn't
// supply directly), and one or more Outputs.
//
// The base sink (the one that populates the base DualMap itself) has a
// nil translator and must only be driven through AddRange (plus
// FillUnmappedBase, which is valid on the base sink alone); every other
// sink is bound to the base map as its translator and may additionally
// use the VM-only and file-only helpers.
type RangeSink struct {
	file       []byte
	dataSource DataSource
	translator *rangemap.DualMap
	outputs    []*Output

	// aliases records extra labels claimed for an address already owned
	// by another label, keyed by exact VM start address. This is the
	// adaptation of AddVMRangeAllowAlias's "becomes an alias of the
	// previous name": RangeMap entries carry one label each, so
	// secondary names claiming the same address are tracked here instead
	// of inside the map.
	aliases map[addr.Addr][]string
}

// New creates a RangeSink over file's raw bytes for the given data
// source. translator may be nil only for the sink that populates the
// base map itself.
func New(file []byte, ds DataSource, translator *rangemap.DualMap, outputs ...*Output) *RangeSink {
	return &RangeSink{
		file:       file,
		dataSource: ds,
		translator: translator,
		outputs:    outputs,
		aliases:    make(map[addr.Addr][]string),
	}
}

// DataSource returns the data source this sink is collecting.
func (s *RangeSink) DataSource() DataSource { return s.dataSource }

// InputFile returns the raw bytes of the file being scanned.
func (s *RangeSink) InputFile() []byte { return s.file }

// AddRange adds a segment-shaped range spanning vmsize bytes at vmaddr and
// filesize bytes at fileoff, splitting it into dual, VM-only, and
// file-only parts exactly like DualMap.AddRange. Apart from
// FillUnmappedBase, this is the only method valid on the base sink;
// non-base sinks may also use it to add another
// translation-defining range (rare, but some data sources like sections
// report full VM+file extents directly without needing the translator).
func (s *RangeSink) AddRange(name string, vmaddr, vmsize, fileoff, filesize addr.Addr) error {
	for _, out := range s.outputs {
		label := out.Munger.Munge(name)
		if err := out.Map.AddRange(label, vmaddr, vmsize, fileoff, filesize); err != nil {
			return fmt.Errorf("sink: AddRange %q: %w", name, err)
		}
	}
	return nil
}

func (s *RangeSink) requireTranslator(method string) error {
	if s.translator == nil {
		return bloatyerr.New(bloatyerr.SemanticMismatch, "%s requires a translator; the base sink must use AddRange", method)
	}
	return nil
}

// AddVMRange adds a VM-only range, translating it into each output's file
// map via the translator's VM map.
func (s *RangeSink) AddVMRange(vmaddr, vmsize addr.Addr, name string) error {
	if err := s.requireTranslator("AddVMRange"); err != nil {
		return err
	}
	for _, out := range s.outputs {
		label := out.Munger.Munge(name)
		if _, err := out.Map.VM.AddRangeWithTranslation(vmaddr, vmsize, label, s.translator.VM, out.Map.File); err != nil {
			return fmt.Errorf("sink: AddVMRange %q: %w", name, err)
		}
	}
	return nil
}

// AddVMRangeIgnoreDuplicate is AddVMRange, relying on first-writer-wins
// semantics in the underlying RangeMap to silently keep whichever label
// already claimed the address -- exactly the documented behavior ("this
// add is simply ignored").
func (s *RangeSink) AddVMRangeIgnoreDuplicate(vmaddr, vmsize addr.Addr, name string) error {
	return s.AddVMRange(vmaddr, vmsize, name)
}

// AddVMRangeAllowAlias is AddVMRange, but additionally records name as an
// alias of whatever label already owns vmaddr, if any.
func (s *RangeSink) AddVMRangeAllowAlias(vmaddr, vmsize addr.Addr, name string) error {
	for _, out := range s.outputs {
		if existing, ok := out.Map.VM.TryGetLabel(vmaddr); ok && existing != name {
			s.aliases[vmaddr] = append(s.aliases[vmaddr], name)
		}
	}
	return s.AddVMRange(vmaddr, vmsize, name)
}

// Aliases returns the extra names recorded for vmaddr by
// AddVMRangeAllowAlias, beyond whichever name won the map entry itself.
func (s *RangeSink) Aliases(vmaddr addr.Addr) []string {
	return s.aliases[vmaddr]
}

// AddFileRange adds a file-only range, translating it into each output's
// VM map via the translator's file map.
func (s *RangeSink) AddFileRange(name string, fileoff, filesize addr.Addr) error {
	if err := s.requireTranslator("AddFileRange"); err != nil {
		return err
	}
	for _, out := range s.outputs {
		label := out.Munger.Munge(name)
		if _, err := out.Map.File.AddRangeWithTranslation(fileoff, filesize, label, s.translator.File, out.Map.VM); err != nil {
			return fmt.Errorf("sink: AddFileRange %q: %w", name, err)
		}
	}
	return nil
}

// AddFileRangeForVMAddr adds [fileoff, fileoff+filesize) to the file map
// (and its VM translation) under whatever label the translator's VM map
// has at vmaddr.
func (s *RangeSink) AddFileRangeForVMAddr(vmaddr, fileoff, filesize addr.Addr) error {
	if err := s.requireTranslator("AddFileRangeForVMAddr"); err != nil {
		return err
	}
	label, ok := s.translator.VM.TryGetLabel(vmaddr)
	if !ok {
		return bloatyerr.New(bloatyerr.SemanticMismatch, "no label in translator's VM map at %#x", vmaddr)
	}
	return s.AddFileRange(label, fileoff, filesize)
}

// AddFileRangeForFileRange adds [fileoff, fileoff+filesize) under whatever
// label the translator's file map has at fromFileOff.
func (s *RangeSink) AddFileRangeForFileRange(fromFileOff, fileoff, filesize addr.Addr) error {
	if err := s.requireTranslator("AddFileRangeForFileRange"); err != nil {
		return err
	}
	label, ok := s.translator.File.TryGetLabel(fromFileOff)
	if !ok {
		return bloatyerr.New(bloatyerr.SemanticMismatch, "no label in translator's file map at offset %#x", fromFileOff)
	}
	return s.AddFileRange(label, fileoff, filesize)
}

// AddVMRangeForVMAddr adds [vmaddr2, vmaddr2+size) under whatever label
// the translator's VM map has at fromVMAddr.
func (s *RangeSink) AddVMRangeForVMAddr(fromVMAddr, vmaddr2, size addr.Addr) error {
	if err := s.requireTranslator("AddVMRangeForVMAddr"); err != nil {
		return err
	}
	label, ok := s.translator.VM.TryGetLabel(fromVMAddr)
	if !ok {
		return bloatyerr.New(bloatyerr.SemanticMismatch, "no label in translator's VM map at %#x", fromVMAddr)
	}
	return s.AddVMRange(vmaddr2, size, label)
}
