// Package addrspace implements the hierarchical guest address space: a tree
// of regions that are either containers (hold sub-regions at offsets) or IO
// regions (hold a read/write dispatcher). It backs both sys_io (the 16-bit
// port space) and sys_mem (the 64-bit memory space).
package addrspace

import (
	"fmt"
	"sort"
	"sync"
)

// ErrUnmapped is returned when an access does not land on any registered
// region. Guests see this as "dispatcher absent": reads return all-ones at
// the call site, writes are dropped.
var ErrUnmapped = fmt.Errorf("addrspace: unmapped access")

// ErrOverlap is returned when AddSubregion would overlap an existing
// sibling range.
var ErrOverlap = fmt.Errorf("addrspace: overlapping subregion")

// Handler dispatches reads and writes local to one IO region. The width of
// data is preserved by the caller; alignment is the handler's concern.
type Handler interface {
	Read(offset uint64, data []byte) error
	Write(offset uint64, data []byte) error
}

// HandlerFuncs adapts two plain functions to the Handler interface.
type HandlerFuncs struct {
	ReadFunc  func(offset uint64, data []byte) error
	WriteFunc func(offset uint64, data []byte) error
}

func (h HandlerFuncs) Read(offset uint64, data []byte) error {
	if h.ReadFunc == nil {
		return nil
	}

	return h.ReadFunc(offset, data)
}

func (h HandlerFuncs) Write(offset uint64, data []byte) error {
	if h.WriteFunc == nil {
		return nil
	}

	return h.WriteFunc(offset, data)
}

type subregion struct {
	offset uint64
	region *Region
}

// Region is either a container (Handler == nil, holds subregions) or a leaf
// IO region (Handler != nil).
type Region struct {
	Name    string
	Size    uint64
	Handler Handler

	mu   sync.RWMutex
	subs []subregion
}

// NewContainer creates a region that only holds subregions.
func NewContainer(name string, size uint64) *Region {
	return &Region{Name: name, Size: size}
}

// NewIOHandler creates a leaf region dispatching to h.
func NewIOHandler(name string, size uint64, h Handler) *Region {
	return &Region{Name: name, Size: size, Handler: h}
}

// AddSubregion attaches sub at offset within r. r must be a container
// (Handler == nil). The new range must fit within r and not overlap any
// existing sibling.
func (r *Region) AddSubregion(sub *Region, offset uint64) error {
	if r.Handler != nil {
		return fmt.Errorf("addrspace: %q is a leaf region, cannot hold subregions", r.Name)
	}

	if offset+sub.Size > r.Size {
		return fmt.Errorf("addrspace: subregion %q [%#x,%#x) does not fit in %q (size %#x)",
			sub.Name, offset, offset+sub.Size, r.Name, r.Size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.subs {
		if rangesOverlap(offset, sub.Size, s.offset, s.region.Size) {
			return fmt.Errorf("%w: %q [%#x,%#x) overlaps %q [%#x,%#x)",
				ErrOverlap, sub.Name, offset, offset+sub.Size,
				s.region.Name, s.offset, s.offset+s.region.Size)
		}
	}

	r.subs = append(r.subs, subregion{offset: offset, region: sub})
	sort.Slice(r.subs, func(i, j int) bool { return r.subs[i].offset < r.subs[j].offset })

	return nil
}

func rangesOverlap(aOff, aSize, bOff, bSize uint64) bool {
	return aOff < bOff+bSize && bOff < aOff+aSize
}

// Read reads len(data) bytes starting at addr, relative to r.
func (r *Region) Read(addr uint64, data []byte) error {
	return r.access(addr, data, false)
}

// Write writes data starting at addr, relative to r.
func (r *Region) Write(addr uint64, data []byte) error {
	return r.access(addr, data, true)
}

func (r *Region) access(addr uint64, data []byte, write bool) error {
	if r.Handler != nil {
		if write {
			return r.Handler.Write(addr, data)
		}

		return r.Handler.Read(addr, data)
	}

	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()

	for _, s := range subs {
		if addr >= s.offset && addr+uint64(len(data)) <= s.offset+s.region.Size {
			return s.region.access(addr-s.offset, data, write)
		}
	}

	return fmt.Errorf("%w: addr %#x len %d in %q", ErrUnmapped, addr, len(data), r.Name)
}

// AddressSpace is a named top-level region tree, e.g. sys_io or sys_mem.
type AddressSpace struct {
	Root *Region
}

// NewSysIO creates the 16-bit port-space container (sys_io).
func NewSysIO() *AddressSpace {
	return &AddressSpace{Root: NewContainer("sys_io", 1<<16)}
}

// NewSysMem creates the 64-bit memory-space container (sys_mem).
func NewSysMem() *AddressSpace {
	return &AddressSpace{Root: NewContainer("sys_mem", 0)} // size 0 == unbounded container
}

// AddSubregion mounts sub at offset in the address space's root container.
// sys_mem's root has Size 0 so the fit check in Region.AddSubregion is
// bypassed for it; sys_io's root is capped at 65536, the full 16-bit port
// space.
func (a *AddressSpace) AddSubregion(sub *Region, offset uint64) error {
	if a.Root.Size == 0 {
		// unbounded container (sys_mem): skip the fits-within-parent check
		// but still dedupe overlaps.
		a.Root.mu.Lock()
		for _, s := range a.Root.subs {
			if rangesOverlap(offset, sub.Size, s.offset, s.region.Size) {
				a.Root.mu.Unlock()

				return fmt.Errorf("%w: %q [%#x,%#x) overlaps %q [%#x,%#x)",
					ErrOverlap, sub.Name, offset, offset+sub.Size,
					s.region.Name, s.offset, s.offset+s.region.Size)
			}
		}
		a.Root.subs = append(a.Root.subs, subregion{offset: offset, region: sub})
		sort.Slice(a.Root.subs, func(i, j int) bool { return a.Root.subs[i].offset < a.Root.subs[j].offset })
		a.Root.mu.Unlock()

		return nil
	}

	return a.Root.AddSubregion(sub, offset)
}

// Read dispatches a read at addr against the whole address space.
func (a *AddressSpace) Read(addr uint64, data []byte) error {
	return a.Root.Read(addr, data)
}

// Write dispatches a write at addr against the whole address space.
func (a *AddressSpace) Write(addr uint64, data []byte) error {
	return a.Root.Write(addr, data)
}
