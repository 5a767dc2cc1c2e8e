package pmm

import "github.com/sarchlab/vmkit/mem"

// A Region is one entry of the firmware-provided memory map.
type Region struct {
	Base   mem.PAddr
	Length uint64
	Usable bool
}

// A MemoryMap is the ordered list of physical memory regions reported by the
// firmware or bootloader. It is the input to the bootstrap stage of the
// frame allocator.
type MemoryMap []Region

// HighestUsableAddress returns the end address of the last usable region.
func (m MemoryMap) HighestUsableAddress() mem.PAddr {
	var highest mem.PAddr
	for _, r := range m {
		if r.Usable {
			highest = r.Base + mem.PAddr(r.Length)
		}
	}

	return highest
}

// visitUsableFrames calls visit for every fully usable frame, in ascending
// address order. Region bounds that are not frame aligned are rounded
// inward, so partial frames at region edges are skipped.
func (m MemoryMap) visitUsableFrames(visit func(Frame) bool) {
	for _, r := range m {
		if !r.Usable {
			continue
		}

		start := FrameContaining(mem.PAddr(uint64(r.Base) + mem.PageBytes - 1).AlignDown(mem.PageBytes))
		end := FrameContaining((r.Base + mem.PAddr(r.Length)).AlignDown(mem.PageBytes))
		for f := start; f < end; f++ {
			if !visit(f) {
				return
			}
		}
	}
}

// FrameStates expands the memory map into one state per frame, covering
// frames [0, HighestUsableAddress/4096). Frames outside usable regions are
// marked unusable; the first allocatedPrefix usable frames are marked
// allocated (they were handed out by the bootstrap allocator).
func (m MemoryMap) FrameStates(allocatedPrefix uint64) []FrameState {
	count := uint64(m.HighestUsableAddress()) >> mem.PageShift
	states := make([]FrameState, count)

	handedOut := uint64(0)
	m.visitUsableFrames(func(f Frame) bool {
		if uint64(f) >= count {
			return false
		}
		if handedOut < allocatedPrefix {
			states[f] = FrameAllocated
		} else {
			states[f] = FrameFree
		}
		handedOut++
		return true
	})

	return states
}
