package pmm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Builder", func() {
	It("should build a table allocator by default", func() {
		a := MakeBuilder().
			WithMemoryMap(testMap).
			Build()

		table, ok := a.(*TableAllocator)
		Expect(ok).To(BeTrue())
		Expect(table.FrameState(Frame(4))).To(Equal(FrameUnusable))

		frame, err := a.AllocateFrame()
		Expect(err).ToNot(HaveOccurred())
		a.DeallocateFrame(frame)
	})

	It("should build a bootstrap-stage allocator when asked", func() {
		a := MakeBuilder().
			WithMemoryMap(testMap).
			WithBootstrapStage().
			Build()

		multi, ok := a.(*MultiStageAllocator)
		Expect(ok).To(BeTrue())
		Expect(multi.Table()).To(BeNil())

		Expect(func() { a.DeallocateFrame(Frame(0)) }).To(Panic())
	})

	It("should require a memory map", func() {
		Expect(func() { MakeBuilder().Build() }).To(Panic())
	})
})
