// Package scan implements the driver that turns a list of input files plus
// a list of requested data sources into one combined Rollup: per file, it
// opens the right binary front-end, builds the base DualMap, runs every
// requested source's sink against it, then lockstep-walks every source's
// map alongside the base map to build that file's own N-level Rollup.
// Files are scanned in parallel, one worker per file up to
// runtime.NumCPU(), and every file's rollup is folded into one grand
// total -- mirroring the teacher's own worker-pool idiom (a shared atomic
// "next index" plus a mutex-guarded first-error slot) generalized from
// whatever single-purpose build/run step it protected there to this
// module's per-file scan step.
package scan

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/xyproto/bloaty/internal/addr"
	"github.com/xyproto/bloaty/internal/binary"
	"github.com/xyproto/bloaty/internal/binary/ar"
	"github.com/xyproto/bloaty/internal/binary/elf"
	"github.com/xyproto/bloaty/internal/binary/macho"
	"github.com/xyproto/bloaty/internal/binary/pe"
	"github.com/xyproto/bloaty/internal/binary/wasm"
	"github.com/xyproto/bloaty/internal/bloatyerr"
	"github.com/xyproto/bloaty/internal/demangle"
	"github.com/xyproto/bloaty/internal/mmap"
	"github.com/xyproto/bloaty/internal/rangemap"
	"github.com/xyproto/bloaty/internal/rollup"
	"github.com/xyproto/bloaty/internal/sink"
)

// Source is one requested level of the rollup hierarchy: a built-in data
// source plus, for a custom source (see internal/config), the NameMunger
// that rewrites its labels before they reach the tree.
type Source struct {
	Base   sink.DataSource
	Munger *sink.NameMunger
}

// Options carries the per-run knobs that apply across every file in a
// batch, as opposed to Source which names one requested data source.
type Options struct {
	// FilterRegex, if non-nil, is installed on each file's rollup before
	// scanning so --source-filter diverts non-matching ranges into the
	// filtered totals rather than the tree.
	FilterRegex *regexp.Regexp
	// DebugFile names a companion build carrying full debug info and
	// symbols, for --debug-file: when set and a scanned ELF executable's
	// own symbol table is empty (stripped), its symbol data source is
	// served from this file's symbol table instead.
	DebugFile string
	// Demangle selects how much of a mangled symbol name's detail
	// survives before it reaches the symbols data sources.
	Demangle demangle.Mode
}

// demangler is implemented by every front-end that reports symbols, so
// scanOneFile can set the --demangle mode without a type switch over each
// concrete front-end (including their fat/archive wrappers).
type demangler interface {
	SetDemangle(demangle.Mode)
}

// Run scans every file in filenames against sources and returns the
// combined Rollup. If inputFiles is true, each file's own rollup is
// nested one level under its filename first (the "inputfiles" data
// source, handled here rather than by any front-end since it names the
// input file itself, not anything found inside it).
func Run(filenames []string, sources []Source, inputFiles bool, opts Options) (*rollup.Rollup, error) {
	results := make([]*rollup.Rollup, len(filenames))
	errs := make([]error, len(filenames))

	workers := runtime.NumCPU()
	if workers > len(filenames) {
		workers = len(filenames)
	}
	if workers < 1 {
		workers = 1
	}

	var next int64 = -1
	var mu sync.Mutex
	var fatal error

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				aborted := fatal != nil
				mu.Unlock()
				if aborted {
					return
				}

				i := int(atomic.AddInt64(&next, 1))
				if i >= len(filenames) {
					return
				}

				r, err := scanOneFile(filenames[i], sources, opts)
				if err != nil && bloatyerr.IsFatalToBatch(err) {
					mu.Lock()
					if fatal == nil {
						fatal = fmt.Errorf("%s: %w", filenames[i], err)
					}
					mu.Unlock()
					return
				}
				results[i] = r
				errs[i] = err
			}
		}()
	}
	wg.Wait()

	if fatal != nil {
		return nil, fatal
	}

	total := rollup.New()
	for i, path := range filenames {
		if errs[i] != nil {
			// Per bloatyerr.IsFatalToBatch, a malformed-input error is this
			// file's own problem, not the batch's: skip it and keep going.
			fmt.Fprintf(os.Stderr, "bloaty: skipping %s: %v\n", path, errs[i])
			continue
		}
		if inputFiles {
			total.AddChild(path, results[i])
		} else {
			total.Add(results[i])
		}
	}
	return total, nil
}

// scanOneFile opens path, builds its base map, runs every requested
// source against it, and returns that file's own Rollup.
func scanOneFile(path string, sources []Source, opts Options) (*rollup.Rollup, error) {
	f, err := mmap.Open(path)
	if err != nil {
		return nil, bloatyerr.Wrap(bloatyerr.Resource, path, 0, err)
	}
	defer f.Close()
	data := f.Bytes()

	fe, err := openFrontend(data)
	if err != nil {
		return nil, err
	}
	if dm, ok := fe.(demangler); ok {
		dm.SetDemangle(opts.Demangle)
	}

	if opts.DebugFile != "" {
		if elfFe, ok := fe.(*elf.Frontend); ok && !elfFe.HasSymbols() {
			dbg, err := mmap.Open(opts.DebugFile)
			if err != nil {
				return nil, bloatyerr.Wrap(bloatyerr.Resource, opts.DebugFile, 0, err)
			}
			defer dbg.Close()
			if dbgFe, err := elf.New(dbg.Bytes()); err == nil {
				elfFe.UseSymbolsFrom(dbgFe)
			}
		}
	}

	baseOut := sink.NewOutput(nil)
	baseSink := sink.New(data, sink.Segments, nil, baseOut)
	if err := fe.ProcessBaseMap(baseSink); err != nil {
		return nil, err
	}
	baseOut.Map.Compress()

	sinks := make([]*sink.RangeSink, 0, len(sources))
	outputs := make([]*sink.Output, 0, len(sources))
	for _, src := range sources {
		out := sink.NewOutput(src.Munger)
		outputs = append(outputs, out)
		sinks = append(sinks, sink.New(data, src.Base, baseOut.Map, out))
	}

	if len(sinks) > 0 {
		if err := fe.ProcessFile(sinks); err != nil {
			return nil, err
		}
	}

	vmMaps := make([]*rangemap.RangeMap, 0, len(outputs)+1)
	fileMaps := make([]*rangemap.RangeMap, 0, len(outputs)+1)
	vmMaps = append(vmMaps, baseOut.Map.VM)
	fileMaps = append(fileMaps, baseOut.Map.File)
	for _, out := range outputs {
		out.Map.Compress()
		vmMaps = append(vmMaps, out.Map.VM)
		fileMaps = append(fileMaps, out.Map.File)
	}

	r := rollup.New()
	r.SetFilterRegex(opts.FilterRegex)
	if err := rangemap.ComputeRollup(vmMaps, func(labels []string, start, end addr.Addr) {
		r.AddSizes(labels, int64(end-start), true)
	}); err != nil {
		return nil, fmt.Errorf("vm rollup: %w", err)
	}
	if err := rangemap.ComputeRollup(fileMaps, func(labels []string, start, end addr.Addr) {
		r.AddSizes(labels, int64(end-start), false)
	}); err != nil {
		return nil, fmt.Errorf("file rollup: %w", err)
	}
	return r, nil
}

const arMagic = "!<arch>\n"

// openFrontend probes data's format and constructs the matching
// binary.Frontend, dispatching ar archives to whichever member format
// (ELF or Mach-O) their first member carries.
func openFrontend(data []byte) (binary.Frontend, error) {
	if len(data) >= len(arMagic) && string(data[:len(arMagic)]) == arMagic {
		return openArchive(data)
	}

	switch binary.Probe(data) {
	case binary.ELF:
		return elf.New(data)
	case binary.MachO:
		if macho.IsFat(data) {
			return macho.NewFat(data)
		}
		return macho.New(data)
	case binary.Wasm:
		return wasm.New(data)
	case binary.PE:
		return pe.New(data)
	default:
		return nil, binary.UnrecognizedFormatError(len(data))
	}
}

func openArchive(data []byte) (binary.Frontend, error) {
	members, err := ar.Parse(data)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return elf.NewArchive(data)
	}
	switch binary.Probe(members[0].Data) {
	case binary.MachO:
		return macho.NewArchive(data)
	case binary.ELF:
		return elf.NewArchive(data)
	default:
		return nil, bloatyerr.New(bloatyerr.MalformedInput, "archive member %q is not ELF or Mach-O", members[0].Name)
	}
}
