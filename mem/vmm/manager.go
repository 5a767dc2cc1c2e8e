package vmm

import (
	"errors"
	"sort"
	"sync"

	"github.com/sarchlab/vmkit/mem"
)

// ErrOutOfVirtualMemory is returned when no run of the requested size fits
// inside the managed window.
var ErrOutOfVirtualMemory = errors.New("out of virtual memory")

// ErrAlreadyReserved is returned when a caller-specified segment overlaps a
// live reservation. It usually indicates two components claiming the same
// fixed address, so callers should treat it close to a programming error.
var ErrAlreadyReserved = errors.New("segment already reserved")

// A Manager tracks the reserved segments of one virtual address window. One
// manager exists per address space, plus one for the kernel region.
//
// Invariant: no two live segments overlap.
type Manager struct {
	mu          sync.RWMutex
	windowStart mem.VAddr
	windowSize  uint64
	segments    []Segment // ordered by start address
}

// NewManager creates a manager for the window
// [windowStart, windowStart+windowSize).
func NewManager(windowStart mem.VAddr, windowSize uint64) *Manager {
	if !windowStart.IsAligned(mem.PageBytes) {
		panic("window start is not page aligned")
	}

	return &Manager{
		windowStart: windowStart,
		windowSize:  windowSize,
	}
}

// WindowStart returns the lowest address of the managed window.
func (m *Manager) WindowStart() mem.VAddr {
	return m.windowStart
}

// WindowSize returns the size of the managed window in bytes.
func (m *Manager) WindowSize() uint64 {
	return m.windowSize
}

// Reserve finds the lowest free run of size bytes and reserves it. The size
// is rounded up to a multiple of the page size. Reserve fails with
// ErrOutOfVirtualMemory when the run would exceed the window bound.
func (m *Manager) Reserve(size uint64) (Segment, error) {
	size = mem.AlignSizeUp(size)

	m.mu.Lock()
	defer m.mu.Unlock()

	candidate := Segment{Start: m.windowStart, Size: size}
	for _, existing := range m.segments {
		if !candidate.Overlaps(existing) {
			if candidate.End() <= existing.Start {
				break
			}
			continue
		}
		candidate.Start = existing.End()
	}

	if uint64(candidate.End()) > uint64(m.windowStart)+m.windowSize {
		return Segment{}, ErrOutOfVirtualMemory
	}

	m.insert(candidate)

	return candidate, nil
}

// MarkAsReserved registers a caller-specified segment, failing with
// ErrAlreadyReserved and without mutating state if it overlaps a live
// segment.
func (m *Manager) MarkAsReserved(segment Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findOverlapping(segment) >= 0 {
		return ErrAlreadyReserved
	}

	m.insert(segment)

	return nil
}

// Release removes a previously reserved segment. It returns whether the
// segment was actually present, so a double release is detectable without
// being fatal.
func (m *Manager) Release(segment Segment) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.segments {
		if existing == segment {
			m.segments = append(m.segments[:i], m.segments[i+1:]...)
			return true
		}
	}

	return false
}

// Segments returns a snapshot of the live segments in address order.
func (m *Manager) Segments() []Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make([]Segment, len(m.segments))
	copy(snapshot, m.segments)

	return snapshot
}

// Overlapping returns the live segment overlapping the given one, if any.
func (m *Manager) Overlapping(segment Segment) (Segment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if i := m.findOverlapping(segment); i >= 0 {
		return m.segments[i], true
	}

	return Segment{}, false
}

func (m *Manager) findOverlapping(segment Segment) int {
	for i, existing := range m.segments {
		if segment.Overlaps(existing) {
			return i
		}
	}

	return -1
}

func (m *Manager) insert(segment Segment) {
	index := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].Start > segment.Start
	})

	m.segments = append(m.segments, Segment{})
	copy(m.segments[index+1:], m.segments[index:])
	m.segments[index] = segment
}
