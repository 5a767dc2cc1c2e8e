package memapi

import (
	"bytes"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/vmkit/mem"
	"github.com/sarchlab/vmkit/mem/paging"
	"github.com/sarchlab/vmkit/mem/pmm"
	"github.com/sarchlab/vmkit/mem/storage"
	"github.com/sarchlab/vmkit/mem/vmm"
)

type recordingTracer struct {
	allocations int
	transitions int
	faults      int
	frees       int
}

func (t *recordingTracer) RecordAllocation(mem.VAddr, uint64, string) { t.allocations++ }
func (t *recordingTracer) RecordTransition(mem.VAddr, string)         { t.transitions++ }
func (t *recordingTracer) RecordFault(mem.VAddr)                      { t.faults++ }
func (t *recordingTracer) RecordFree(mem.VAddr)                       { t.frees++ }

var _ = Describe("API", func() {
	const (
		numFrames   = 512
		windowStart = mem.VAddr(0x40_0000)
		windowSize  = uint64(0x10_0000)
	)

	var (
		store  *storage.Storage
		alloc  *pmm.TableAllocator
		core   *paging.Core
		space  *paging.AddressSpace
		window *vmm.Manager
		tracer *recordingTracer
		api    *API
	)

	BeforeEach(func() {
		states := make([]pmm.FrameState, numFrames)
		for i := range states {
			states[i] = pmm.FrameFree
		}

		store = storage.NewStorage(numFrames * mem.PageBytes)
		alloc = pmm.NewTableAllocator(states)
		core = paging.NewCore(16)
		window = vmm.NewManager(windowStart, windowSize)
		tracer = &recordingTracer{}

		var err error
		space, err = paging.NewAddressSpace(core, store, alloc)
		Expect(err).ToNot(HaveOccurred())
		core.Switch(space)

		api = MakeBuilder().
			WithAddressSpace(space).
			WithSegmentManager(window).
			WithFrameAllocator(alloc).
			WithStorage(store).
			WithTracer(tracer).
			Build()
	})

	Context("with the eager strategy", func() {
		It("should back and map every page before returning", func() {
			w, err := api.Allocate(Request{
				Layout:   Layout{Size: 3 * mem.PageBytes},
				Strategy: AllocateNow,
			})
			Expect(err).ToNot(HaveOccurred())

			Expect(w.Allocation().NumPages()).To(Equal(uint64(3)))
			Expect(w.Allocation().ResidentPages()).To(Equal(uint64(3)))

			for i := uint64(0); i < 3; i++ {
				_, ok := space.Translate(w.Allocation().Start() + mem.VAddr(i*mem.PageBytes))
				Expect(ok).To(BeTrue())
			}

			Expect(tracer.allocations).To(Equal(1))
		})

		It("should round the size up to whole pages", func() {
			w, err := api.Allocate(Request{
				Layout:   Layout{Size: mem.PageBytes + 1},
				Strategy: AllocateNow,
			})
			Expect(err).ToNot(HaveOccurred())

			Expect(w.Allocation().NumPages()).To(Equal(uint64(2)))
		})

		It("should restore allocator and window state on free", func() {
			// Warm up so the page table scaffolding for the window exists.
			warm, err := api.Allocate(Request{
				Layout:   Layout{Size: 3 * mem.PageBytes},
				Strategy: AllocateNow,
			})
			Expect(err).ToNot(HaveOccurred())
			warm.Free()

			framesBefore := alloc.FreeFrameCount()
			segmentsBefore := window.Segments()

			w, err := api.Allocate(Request{
				Layout:   Layout{Size: 3 * mem.PageBytes},
				Strategy: AllocateNow,
			})
			Expect(err).ToNot(HaveOccurred())
			start := w.Allocation().Start()

			w.Free()

			Expect(alloc.FreeFrameCount()).To(Equal(framesBefore))
			Expect(window.Segments()).To(Equal(segmentsBefore))

			_, ok := space.Translate(start)
			Expect(ok).To(BeFalse())
			Expect(tracer.frees).To(Equal(2))
		})

		It("should reject zero-sized and over-aligned requests", func() {
			_, err := api.Allocate(Request{Layout: Layout{Size: 0}})
			Expect(errors.Is(err, ErrBadLayout)).To(BeTrue())

			_, err = api.Allocate(Request{
				Layout: Layout{Size: mem.PageBytes, Align: 2 * mem.PageBytes},
			})
			Expect(errors.Is(err, ErrBadLayout)).To(BeTrue())
		})
	})

	Context("with simulated accesses", func() {
		It("should round-trip data across a page boundary", func() {
			w, err := api.Allocate(Request{
				Layout:   Layout{Size: 2 * mem.PageBytes},
				Strategy: AllocateNow,
			})
			Expect(err).ToNot(HaveOccurred())

			addr := w.Allocation().Start() + mem.VAddr(mem.PageBytes-3)
			payload := []byte("across the boundary")

			Expect(api.Write(addr, payload)).To(Succeed())

			got, err := api.Read(addr, uint64(len(payload)))
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal(payload))
		})

		It("should read freshly backed pages as zero", func() {
			w, err := api.Allocate(Request{
				Layout:   Layout{Size: mem.PageBytes},
				Strategy: AllocateNow,
			})
			Expect(err).ToNot(HaveOccurred())

			got, err := api.Read(w.Allocation().Start(), 16)
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal(make([]byte, 16)))
		})
	})

	Context("with the on-access strategy", func() {
		var w *WritableAllocation

		BeforeEach(func() {
			var err error
			w, err = api.Allocate(Request{
				Layout:   Layout{Size: 3 * mem.PageBytes},
				Strategy: AllocateOnAccess,
			})
			Expect(err).ToNot(HaveOccurred())
		})

		It("should not back any page up front", func() {
			Expect(w.Allocation().ResidentPages()).To(Equal(uint64(0)))

			_, ok := space.Translate(w.Allocation().Start())
			Expect(ok).To(BeFalse())
		})

		It("should back exactly one page per fault", func() {
			faultAddr := w.Allocation().Start() + mem.VAddr(mem.PageBytes+42)

			Expect(api.HandleFault(faultAddr)).To(Succeed())

			Expect(w.Allocation().ResidentPages()).To(Equal(uint64(1)))
			_, ok := space.Translate(faultAddr)
			Expect(ok).To(BeTrue())
			_, ok = space.Translate(w.Allocation().Start())
			Expect(ok).To(BeFalse())
			Expect(tracer.faults).To(Equal(1))
		})

		It("should reject faults outside every allocation", func() {
			err := api.HandleFault(windowStart + mem.VAddr(windowSize) - 1)

			Expect(errors.Is(err, ErrNotAllocated)).To(BeTrue())
		})

		It("should treat a fault on a backed page as a protection violation", func() {
			Expect(api.HandleFault(w.Allocation().Start())).To(Succeed())

			err := api.HandleFault(w.Allocation().Start() + 1)

			Expect(errors.Is(err, ErrPermissionDenied)).To(BeTrue())
		})

		It("should fault pages in transparently on simulated writes", func() {
			addr := w.Allocation().Start() + 100

			Expect(api.Write(addr, []byte{1, 2, 3})).To(Succeed())

			Expect(w.Allocation().ResidentPages()).To(Equal(uint64(1)))
			got, err := api.Read(addr, 3)
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal([]byte{1, 2, 3}))
		})

		It("should free only the pages that were faulted in", func() {
			Expect(api.HandleFault(w.Allocation().Start())).To(Succeed())
			before := alloc.FreeFrameCount()

			w.Free()

			Expect(alloc.FreeFrameCount()).To(Equal(before + 1))
		})
	})

	Context("with guard pages", func() {
		It("should leave one unmapped page on each side", func() {
			w, err := api.Allocate(Request{
				Layout:   Layout{Size: 2 * mem.PageBytes},
				Strategy: AllocateNow,
				Guarded:  true,
			})
			Expect(err).ToNot(HaveOccurred())

			segments := window.Segments()
			Expect(segments).To(HaveLen(1))
			Expect(segments[0].Size).To(Equal(uint64(4 * mem.PageBytes)))
			Expect(w.Allocation().Start()).
				To(Equal(segments[0].Start + mem.VAddr(mem.PageBytes)))

			err = api.HandleFault(w.Allocation().Start() - 1)
			Expect(errors.Is(err, ErrNotAllocated)).To(BeTrue())

			err = api.HandleFault(w.Allocation().Start() + mem.VAddr(2*mem.PageBytes))
			Expect(errors.Is(err, ErrNotAllocated)).To(BeTrue())
		})
	})

	Context("with a fixed location", func() {
		It("should align the requested range outward", func() {
			w, err := api.Allocate(Request{
				Location: Fixed(windowStart + 0x2123),
				Layout:   Layout{Size: 0x2000},
				Strategy: AllocateNow,
			})
			Expect(err).ToNot(HaveOccurred())

			Expect(w.Allocation().Start()).To(Equal(windowStart + 0x2000))
			Expect(w.Allocation().NumPages()).To(Equal(uint64(3)))
		})

		It("should refuse a range overlapping a live allocation", func() {
			_, err := api.Allocate(Request{
				Location: Fixed(windowStart),
				Layout:   Layout{Size: mem.PageBytes},
				Strategy: AllocateNow,
			})
			Expect(err).ToNot(HaveOccurred())

			_, err = api.Allocate(Request{
				Location: Fixed(windowStart + 0x800),
				Layout:   Layout{Size: mem.PageBytes},
				Strategy: AllocateNow,
			})

			Expect(errors.Is(err, vmm.ErrAlreadyReserved)).To(BeTrue())
			Expect(window.Segments()).To(HaveLen(1))
		})
	})

	Context("with a backing source", func() {
		It("should fill faulted pages from the source and zero the rest", func() {
			content := bytes.Repeat([]byte{0xab}, int(mem.PageBytes)+900)

			w, err := api.Allocate(Request{
				Layout:   Layout{Size: 2 * mem.PageBytes},
				Strategy: AllocateOnAccess,
				Source: &Source{
					Reader: bytes.NewReader(content),
					Length: uint64(len(content)),
				},
			})
			Expect(err).ToNot(HaveOccurred())

			got, err := api.Read(w.Allocation().Start(), uint64(len(content))+4)
			Expect(err).ToNot(HaveOccurred())
			Expect(got[:len(content)]).To(Equal(content))
			Expect(got[len(content):]).To(Equal([]byte{0, 0, 0, 0}))
		})

		It("should honor the source offset", func() {
			content := []byte("....payload")

			w, err := api.Allocate(Request{
				Layout:   Layout{Size: mem.PageBytes},
				Strategy: AllocateNow,
				Source: &Source{
					Reader: bytes.NewReader(content),
					Offset: 4,
					Length: 7,
				},
			})
			Expect(err).ToNot(HaveOccurred())

			got, err := api.Read(w.Allocation().Start(), 7)
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal([]byte("payload")))
		})
	})

	Context("when the frame allocator is exhausted mid-allocation", func() {
		var (
			mockCtrl   *gomock.Controller
			mockFrames *MockAllocator
			mockAPI    *API
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			mockFrames = NewMockAllocator(mockCtrl)

			mockAPI = MakeBuilder().
				WithAddressSpace(space).
				WithSegmentManager(window).
				WithFrameAllocator(mockFrames).
				WithStorage(store).
				Build()
		})

		It("should unwind the partial mapping and release the segment", func() {
			gomock.InOrder(
				mockFrames.EXPECT().AllocateFrame().Return(pmm.Frame(100), nil),
				mockFrames.EXPECT().AllocateFrame().Return(pmm.Frame(101), nil),
				mockFrames.EXPECT().AllocateFrame().
					Return(pmm.Frame(0), pmm.ErrOutOfMemory),
			)
			mockFrames.EXPECT().DeallocateFrame(pmm.Frame(100))
			mockFrames.EXPECT().DeallocateFrame(pmm.Frame(101))

			_, err := mockAPI.Allocate(Request{
				Layout:   Layout{Size: 3 * mem.PageBytes},
				Strategy: AllocateNow,
			})

			Expect(errors.Is(err, pmm.ErrOutOfMemory)).To(BeTrue())
			Expect(window.Segments()).To(BeEmpty())
		})
	})

	Context("with teardown preconditions", func() {
		It("should panic when the guard forbids freeing", func() {
			guarded := MakeBuilder().
				WithAddressSpace(space).
				WithSegmentManager(window).
				WithFrameAllocator(alloc).
				WithStorage(store).
				WithTeardownGuard(func() bool { return false }).
				Build()

			w, err := guarded.Allocate(Request{
				Layout:   Layout{Size: mem.PageBytes},
				Strategy: AllocateNow,
			})
			Expect(err).ToNot(HaveOccurred())

			Expect(func() { w.Free() }).To(Panic())
		})

		It("should panic on a double free", func() {
			w, err := api.Allocate(Request{
				Layout:   Layout{Size: mem.PageBytes},
				Strategy: AllocateNow,
			})
			Expect(err).ToNot(HaveOccurred())

			w.Free()

			Expect(func() { w.Free() }).To(Panic())
		})
	})
})
