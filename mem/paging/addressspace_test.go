package paging

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmkit/mem"
	"github.com/sarchlab/vmkit/mem/pmm"
	"github.com/sarchlab/vmkit/mem/storage"
)

func freeStates(n int) []pmm.FrameState {
	states := make([]pmm.FrameState, n)
	for i := range states {
		states[i] = pmm.FrameFree
	}

	return states
}

var _ = Describe("AddressSpace", func() {
	const (
		numFrames = 256
		lowPage   = mem.VAddr(0x40_0000)
		highPage  = mem.VAddr(0xffff_8000_0000_0000)
	)

	var (
		store *storage.Storage
		alloc *pmm.TableAllocator
		core  *Core
		space *AddressSpace
	)

	BeforeEach(func() {
		store = storage.NewStorage(numFrames * mem.PageBytes)
		alloc = pmm.NewTableAllocator(freeStates(numFrames))
		core = NewCore(16)

		var err error
		space, err = NewAddressSpace(core, store, alloc)
		Expect(err).ToNot(HaveOccurred())

		core.Switch(space)
	})

	mustAllocate := func() pmm.Frame {
		frame, err := alloc.AllocateFrame()
		Expect(err).ToNot(HaveOccurred())
		return frame
	}

	It("should not translate an unmapped address", func() {
		_, ok := space.Translate(lowPage)

		Expect(ok).To(BeFalse())
	})

	It("should translate a mapped page, honoring the offset", func() {
		frame := mustAllocate()

		err := space.Map(lowPage, frame, FlagWritable)
		Expect(err).ToNot(HaveOccurred())

		paddr, ok := space.Translate(lowPage + 0x123)
		Expect(ok).To(BeTrue())
		Expect(paddr).To(Equal(frame.Address() + 0x123))

		flags, ok := space.FlagsOf(lowPage)
		Expect(ok).To(BeTrue())
		Expect(flags.Has(FlagPresent)).To(BeTrue())
		Expect(flags.Has(FlagWritable)).To(BeTrue())
	})

	It("should allocate intermediate tables on demand", func() {
		before := alloc.FreeFrameCount()

		err := space.Map(lowPage, mustAllocate(), FlagWritable)
		Expect(err).ToNot(HaveOccurred())

		// Three table levels below the root plus the mapped frame.
		Expect(alloc.FreeFrameCount()).To(Equal(before - 4))
	})

	It("should refuse to map over an existing translation", func() {
		err := space.Map(lowPage, mustAllocate(), FlagWritable)
		Expect(err).ToNot(HaveOccurred())

		err = space.Map(lowPage, mustAllocate(), FlagWritable)
		Expect(err).To(MatchError(ErrAlreadyMapped))
	})

	It("should surface allocator exhaustion from the table walk", func() {
		tinyAlloc := pmm.NewTableAllocator(freeStates(1))
		tinyCore := NewCore(16)
		tinySpace, err := NewAddressSpace(tinyCore, store, tinyAlloc)
		Expect(err).ToNot(HaveOccurred())
		tinyCore.Switch(tinySpace)

		err = tinySpace.Map(lowPage, pmm.Frame(8), FlagWritable)

		Expect(errors.Is(err, pmm.ErrOutOfMemory)).To(BeTrue())
	})

	It("should unmap and hand the frame back to the caller", func() {
		frame := mustAllocate()
		Expect(space.Map(lowPage, frame, FlagWritable)).To(Succeed())

		recovered, ok := space.Unmap(lowPage)

		Expect(ok).To(BeTrue())
		Expect(recovered).To(Equal(frame))

		_, ok = space.Translate(lowPage)
		Expect(ok).To(BeFalse())
	})

	It("should report unmapping an absent page", func() {
		_, ok := space.Unmap(lowPage)

		Expect(ok).To(BeFalse())
	})

	It("should map and unmap ranges", func() {
		frames := []pmm.Frame{mustAllocate(), mustAllocate(), mustAllocate()}

		err := space.MapRange(lowPage, frames, FlagWritable)
		Expect(err).ToNot(HaveOccurred())

		for i, frame := range frames {
			paddr, ok := space.Translate(lowPage + mem.VAddr(uint64(i)*mem.PageBytes))
			Expect(ok).To(BeTrue())
			Expect(paddr).To(Equal(frame.Address()))
		}

		var recovered []pmm.Frame
		space.UnmapRange(lowPage, 3, func(f pmm.Frame) {
			recovered = append(recovered, f)
		})

		Expect(recovered).To(Equal(frames))
	})

	It("should skip holes when unmapping a range", func() {
		Expect(space.Map(lowPage+mem.VAddr(2*mem.PageBytes), mustAllocate(), FlagWritable)).
			To(Succeed())

		count := 0
		space.UnmapRange(lowPage, 4, func(pmm.Frame) { count++ })

		Expect(count).To(Equal(1))
	})

	It("should rewrite flags in place on remap", func() {
		frame := mustAllocate()
		Expect(space.Map(lowPage, frame, FlagWritable)).To(Succeed())

		err := space.Remap(lowPage, func(f Flags) Flags {
			return f.Clear(FlagWritable)
		})
		Expect(err).ToNot(HaveOccurred())

		flags, ok := space.FlagsOf(lowPage)
		Expect(ok).To(BeTrue())
		Expect(flags.Has(FlagWritable)).To(BeFalse())

		paddr, ok := space.Translate(lowPage)
		Expect(ok).To(BeTrue())
		Expect(paddr).To(Equal(frame.Address()))
	})

	It("should fail to remap an absent page", func() {
		err := space.Remap(lowPage, func(f Flags) Flags { return f })

		Expect(err).To(MatchError(ErrNotMapped))
	})

	It("should panic when mutating an inactive address space", func() {
		other, err := NewAddressSpace(core, store, alloc)
		Expect(err).ToNot(HaveOccurred())

		Expect(func() {
			_ = other.Map(lowPage, pmm.Frame(8), FlagWritable)
		}).To(Panic())
	})

	It("should never serve a stale translation through the core", func() {
		frameA := mustAllocate()
		frameB := mustAllocate()

		Expect(space.Map(lowPage, frameA, FlagWritable)).To(Succeed())
		paddr, ok := core.Translate(lowPage)
		Expect(ok).To(BeTrue())
		Expect(paddr).To(Equal(frameA.Address()))

		_, ok = space.Unmap(lowPage)
		Expect(ok).To(BeTrue())
		_, ok = core.Translate(lowPage)
		Expect(ok).To(BeFalse())

		Expect(space.Map(lowPage, frameB, FlagWritable)).To(Succeed())
		paddr, ok = core.Translate(lowPage)
		Expect(ok).To(BeTrue())
		Expect(paddr).To(Equal(frameB.Address()))
	})

	It("should flush the TLB on an address space switch", func() {
		Expect(space.Map(lowPage, mustAllocate(), FlagWritable)).To(Succeed())
		_, ok := core.Translate(lowPage)
		Expect(ok).To(BeTrue())
		Expect(core.TLB().Len()).To(Equal(1))

		core.Switch(space)

		Expect(core.TLB().Len()).To(Equal(0))
	})

	Context("with a process address space", func() {
		var proc *AddressSpace

		BeforeEach(func() {
			Expect(space.Map(highPage, mustAllocate(), FlagWritable)).
				To(Succeed())

			var err error
			proc, err = NewProcessAddressSpace(core, store, alloc, space)
			Expect(err).ToNot(HaveOccurred())
		})

		It("should mirror the kernel's higher half", func() {
			kernelPAddr, ok := space.Translate(highPage)
			Expect(ok).To(BeTrue())

			procPAddr, ok := proc.Translate(highPage)
			Expect(ok).To(BeTrue())
			Expect(procPAddr).To(Equal(kernelPAddr))
		})

		It("should keep lower halves private", func() {
			core.Switch(proc)
			Expect(proc.Map(lowPage, mustAllocate(), FlagUser)).To(Succeed())

			_, ok := space.Translate(lowPage)
			Expect(ok).To(BeFalse())
		})

		It("should see kernel mappings installed after its creation", func() {
			Expect(space.PrepopulateRoot(highPage, 1<<30)).To(Succeed())

			shared, err := NewProcessAddressSpace(core, store, alloc, space)
			Expect(err).ToNot(HaveOccurred())

			later := highPage + mem.VAddr(mem.PageBytes)
			Expect(space.Map(later, mustAllocate(), FlagWritable)).To(Succeed())

			_, ok := shared.Translate(later)
			Expect(ok).To(BeTrue())
		})

		It("should release its own tables on destroy, sparing the kernel's", func() {
			before := alloc.FreeFrameCount()

			core.Switch(proc)
			frame := mustAllocate()
			Expect(proc.Map(lowPage, frame, FlagUser)).To(Succeed())

			recovered, ok := proc.Unmap(lowPage)
			Expect(ok).To(BeTrue())
			alloc.DeallocateFrame(recovered)

			core.Switch(space)
			proc.Destroy()

			// The root and the three lower-half tables come back.
			Expect(alloc.FreeFrameCount()).To(Equal(before + 1))

			_, ok = space.Translate(highPage)
			Expect(ok).To(BeTrue())
		})
	})
})
