package rangemap

import "github.com/xyproto/bloaty/internal/addr"

// DualMap pairs a VM-address RangeMap with a file-offset RangeMap. The base
// DualMap of an input file defines the canonical file<->VM correspondence
// that every other data source's DualMap translates against.
type DualMap struct {
	VM   *RangeMap
	File *RangeMap
}

// NewDualMap returns an empty DualMap.
func NewDualMap() *DualMap {
	return &DualMap{VM: New(), File: New()}
}

// AddRange records a single named extent of an input file, splitting it into
// up to three pieces: the common dual-mapped prefix (min(vmsize, filesize)
// bytes, present in both domains and translated between them), any
// VM-only tail (BSS-like, vmsize > filesize), and any file-only tail
// (debug-only data, filesize > vmsize).
func (d *DualMap) AddRange(name string, vmaddr, vmsize, fileoff, filesize addr.Addr) error {
	dualSize := vmsize
	if filesize != addr.Unknown && (vmsize == addr.Unknown || filesize < vmsize) {
		dualSize = filesize
	}
	if vmsize == addr.Unknown || filesize == addr.Unknown {
		dualSize = addr.Unknown
	}

	if dualSize != 0 {
		if err := d.VM.AddDualRange(vmaddr, dualSize, fileoff, name); err != nil {
			return err
		}
		if err := d.File.AddDualRange(fileoff, dualSize, vmaddr, name); err != nil {
			return err
		}
	}

	if vmsize != addr.Unknown && dualSize != addr.Unknown && vmsize > dualSize {
		if err := d.VM.AddRange(vmaddr+dualSize, vmsize-dualSize, name); err != nil {
			return err
		}
	}
	if filesize != addr.Unknown && dualSize != addr.Unknown && filesize > dualSize {
		if err := d.File.AddRange(fileoff+dualSize, filesize-dualSize, name); err != nil {
			return err
		}
	}

	return nil
}

// Compress compresses both underlying maps.
func (d *DualMap) Compress() {
	d.VM.Compress()
	d.File.Compress()
}
