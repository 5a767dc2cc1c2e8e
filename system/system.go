// Package system wires a complete memory system together: simulated
// physical storage, the two-stage frame allocator, the translation core with
// its kernel address space, segment windows, and the allocation API.
package system

import (
	"errors"

	"github.com/sarchlab/vmkit/mem"
	"github.com/sarchlab/vmkit/mem/memapi"
	"github.com/sarchlab/vmkit/mem/paging"
	"github.com/sarchlab/vmkit/mem/pmm"
	"github.com/sarchlab/vmkit/mem/storage"
	"github.com/sarchlab/vmkit/mem/vmm"
	"github.com/sarchlab/vmkit/memtrace"
	"github.com/sarchlab/vmkit/monitoring"
)

// ErrProcessBusy is returned when a process is destroyed while it still has
// live allocations.
var ErrProcessBusy = errors.New("process still has live allocations")

// A System is one fully wired memory system. The kernel address space is
// active after Build.
type System struct {
	memoryMap pmm.MemoryMap
	store     *storage.Storage
	frames    *pmm.MultiStageAllocator
	core      *paging.Core

	kernelSpace  *paging.AddressSpace
	kernelWindow *vmm.Manager
	kernelAPI    *memapi.API

	userWindowStart mem.VAddr
	userWindowSize  uint64
	teardownGuard   func() bool

	tracer  *memtrace.Tracer
	monitor *monitoring.Monitor
}

// Storage returns the simulated physical memory.
func (s *System) Storage() *storage.Storage {
	return s.store
}

// FrameAllocator returns the system-wide frame allocator.
func (s *System) FrameAllocator() *pmm.MultiStageAllocator {
	return s.frames
}

// Core returns the translation core.
func (s *System) Core() *paging.Core {
	return s.core
}

// KernelSpace returns the kernel address space.
func (s *System) KernelSpace() *paging.AddressSpace {
	return s.kernelSpace
}

// KernelWindow returns the kernel segment manager.
func (s *System) KernelWindow() *vmm.Manager {
	return s.kernelWindow
}

// API returns the kernel allocation API.
func (s *System) API() *memapi.API {
	return s.kernelAPI
}

// Tracer returns the event tracer, or nil if tracing is off.
func (s *System) Tracer() *memtrace.Tracer {
	return s.tracer
}

// Monitor returns the monitoring server, or nil if monitoring is off.
func (s *System) Monitor() *monitoring.Monitor {
	return s.monitor
}

// A Process owns one process address space, its private user segment
// window, and the allocation API mapping into it.
type Process struct {
	system *System
	space  *paging.AddressSpace
	window *vmm.Manager
	api    *memapi.API
}

// CreateProcess creates a process address space mirroring the kernel's
// higher half, with a fresh user segment window. The new space is not
// activated; call Switch before allocating into it.
func (s *System) CreateProcess() (*Process, error) {
	space, err := paging.NewProcessAddressSpace(
		s.core, s.store, s.frames, s.kernelSpace)
	if err != nil {
		return nil, err
	}

	window := vmm.NewManager(s.userWindowStart, s.userWindowSize)

	builder := memapi.MakeBuilder().
		WithAddressSpace(space).
		WithSegmentManager(window).
		WithFrameAllocator(s.frames).
		WithStorage(s.store)
	if s.teardownGuard != nil {
		builder = builder.WithTeardownGuard(s.teardownGuard)
	}
	if s.tracer != nil {
		builder = builder.WithTracer(s.tracer)
	}

	return &Process{
		system: s,
		space:  space,
		window: window,
		api:    builder.Build(),
	}, nil
}

// Switch makes the process address space the active one.
func (p *Process) Switch() {
	p.system.core.Switch(p.space)
}

// Space returns the process address space.
func (p *Process) Space() *paging.AddressSpace {
	return p.space
}

// Window returns the process segment manager.
func (p *Process) Window() *vmm.Manager {
	return p.window
}

// API returns the process allocation API.
func (p *Process) API() *memapi.API {
	return p.api
}

// Destroy releases the process's page tables. All allocations must have
// been freed first. The kernel address space becomes active.
func (p *Process) Destroy() error {
	if len(p.api.Allocations()) > 0 {
		return ErrProcessBusy
	}

	p.system.core.Switch(p.system.kernelSpace)
	p.space.Destroy()

	return nil
}
