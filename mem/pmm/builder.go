package pmm

// A Builder can build frame allocators.
type Builder struct {
	memoryMap MemoryMap
	twoStage  bool
}

// MakeBuilder creates a builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{}
}

// WithMemoryMap sets the firmware memory map the allocator is built from.
func (b Builder) WithMemoryMap(m MemoryMap) Builder {
	b.memoryMap = m
	return b
}

// WithBootstrapStage makes Build return a two-stage allocator that starts
// in its bootstrap stage. Hosted users that do not need the bootstrap
// protocol get a table allocator directly.
func (b Builder) WithBootstrapStage() Builder {
	b.twoStage = true
	return b
}

// Build returns a newly created allocator.
func (b Builder) Build() Allocator {
	if b.memoryMap == nil {
		panic("a frame allocator requires a memory map")
	}

	if b.twoStage {
		return NewMultiStageAllocator(b.memoryMap)
	}

	return NewTableAllocator(b.memoryMap.FrameStates(0))
}
