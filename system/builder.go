package system

import (
	"fmt"

	"github.com/sarchlab/vmkit/mem"
	"github.com/sarchlab/vmkit/mem/memapi"
	"github.com/sarchlab/vmkit/mem/paging"
	"github.com/sarchlab/vmkit/mem/pmm"
	"github.com/sarchlab/vmkit/mem/storage"
	"github.com/sarchlab/vmkit/mem/vmm"
	"github.com/sarchlab/vmkit/memtrace"
	"github.com/sarchlab/vmkit/monitoring"
)

// DefaultMemoryMap returns a 64MiB map with the first MiB reserved for the
// firmware and the kernel image.
func DefaultMemoryMap() pmm.MemoryMap {
	return pmm.MemoryMap{
		{Base: 0x0, Length: 0x10_0000, Usable: false},
		{Base: 0x10_0000, Length: 0x3f0_0000, Usable: true},
	}
}

// A Builder can build memory systems.
type Builder struct {
	memoryMap   pmm.MemoryMap
	tlbCapacity int

	kernelWindowStart mem.VAddr
	kernelWindowSize  uint64
	userWindowStart   mem.VAddr
	userWindowSize    uint64

	tracePath   string
	withTracing bool

	monitorPort    int
	withMonitoring bool
	openBrowser    bool

	teardownGuard func() bool
}

// MakeBuilder returns a builder with the default configuration: the default
// memory map, a 64-entry TLB, a 1GiB kernel window in the higher half, and
// a 1GiB user window starting at 4MiB.
func MakeBuilder() Builder {
	return Builder{
		tlbCapacity:       64,
		kernelWindowStart: 0xffff_8000_0000_0000,
		kernelWindowSize:  1 << 30,
		userWindowStart:   0x40_0000,
		userWindowSize:    1 << 30,
	}
}

// WithMemoryMap sets the firmware memory map the system boots from.
func (b Builder) WithMemoryMap(m pmm.MemoryMap) Builder {
	b.memoryMap = m
	return b
}

// WithTLBCapacity sets the number of translations the core's TLB caches.
func (b Builder) WithTLBCapacity(capacity int) Builder {
	b.tlbCapacity = capacity
	return b
}

// WithKernelWindow sets the kernel segment window.
func (b Builder) WithKernelWindow(start mem.VAddr, size uint64) Builder {
	b.kernelWindowStart = start
	b.kernelWindowSize = size
	return b
}

// WithUserWindow sets the segment window given to each process.
func (b Builder) WithUserWindow(start mem.VAddr, size uint64) Builder {
	b.userWindowStart = start
	b.userWindowSize = size
	return b
}

// WithTracing records allocation events into a trace database at path. An
// empty path picks a generated name.
func (b Builder) WithTracing(path string) Builder {
	b.withTracing = true
	b.tracePath = path
	return b
}

// WithMonitoring creates a monitoring server on the given port. Port zero
// picks a random port.
func (b Builder) WithMonitoring(port int) Builder {
	b.withMonitoring = true
	b.monitorPort = port
	return b
}

// WithBrowserLaunch makes the monitoring server open a browser when started.
func (b Builder) WithBrowserLaunch() Builder {
	b.openBrowser = true
	return b
}

// WithTeardownGuard sets the predicate allocation teardown checks.
func (b Builder) WithTeardownGuard(guard func() bool) Builder {
	b.teardownGuard = guard
	return b
}

// Build boots the memory system: the kernel address space is created while
// the frame allocator is still in its bootstrap stage, then the allocator is
// switched to its table stage, mirroring the boot protocol of a real kernel.
func (b Builder) Build() (*System, error) {
	memoryMap := b.memoryMap
	if memoryMap == nil {
		memoryMap = DefaultMemoryMap()
	}

	store := storage.NewStorage(uint64(memoryMap.HighestUsableAddress()))
	frames := pmm.NewMultiStageAllocator(memoryMap)
	core := paging.NewCore(b.tlbCapacity)

	kernelSpace, err := paging.NewAddressSpace(core, store, frames)
	if err != nil {
		return nil, fmt.Errorf("creating the kernel address space: %w", err)
	}
	core.Switch(kernelSpace)

	err = kernelSpace.PrepopulateRoot(b.kernelWindowStart, b.kernelWindowSize)
	if err != nil {
		return nil, fmt.Errorf("preparing the kernel window: %w", err)
	}

	frames.SwitchToTableAllocator()

	s := &System{
		memoryMap:       memoryMap,
		store:           store,
		frames:          frames,
		core:            core,
		kernelSpace:     kernelSpace,
		kernelWindow:    vmm.NewManager(b.kernelWindowStart, b.kernelWindowSize),
		userWindowStart: b.userWindowStart,
		userWindowSize:  b.userWindowSize,
		teardownGuard:   b.teardownGuard,
	}

	if b.withTracing {
		s.tracer = memtrace.NewTracer(memtrace.NewRecorder(b.tracePath))
	}

	apiBuilder := memapi.MakeBuilder().
		WithAddressSpace(kernelSpace).
		WithSegmentManager(s.kernelWindow).
		WithFrameAllocator(frames).
		WithStorage(store)
	if b.teardownGuard != nil {
		apiBuilder = apiBuilder.WithTeardownGuard(b.teardownGuard)
	}
	if s.tracer != nil {
		apiBuilder = apiBuilder.WithTracer(s.tracer)
	}
	s.kernelAPI = apiBuilder.Build()

	if b.withMonitoring {
		monitor := monitoring.NewMonitor()
		if b.monitorPort != 0 {
			monitor = monitor.WithPortNumber(b.monitorPort)
		}
		if b.openBrowser {
			monitor = monitor.WithBrowserLaunch()
		}

		monitor.RegisterFrameSource(frames.Table())
		monitor.RegisterSegmentWindow("kernel", s.kernelWindow)
		monitor.RegisterAPI(s.kernelAPI)
		monitor.RegisterCore(core)

		s.monitor = monitor
	}

	return s, nil
}
