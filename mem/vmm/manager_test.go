package vmm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmkit/mem"
)

func segmentsOverlap(segments []Segment) bool {
	for i, a := range segments {
		for j, b := range segments {
			if i != j && a.Overlaps(b) {
				return true
			}
		}
	}
	return false
}

var _ = Describe("Manager", func() {
	var m *Manager

	BeforeEach(func() {
		m = NewManager(0x4000_0000, 0x10000)
	})

	It("should reserve from the bottom of the window", func() {
		seg, err := m.Reserve(0x2000)
		Expect(err).ToNot(HaveOccurred())
		Expect(seg.Start).To(Equal(mem.VAddr(0x4000_0000)))
		Expect(seg.Size).To(Equal(uint64(0x2000)))

		next, err := m.Reserve(0x1000)
		Expect(err).ToNot(HaveOccurred())
		Expect(next.Start).To(Equal(mem.VAddr(0x4000_2000)))
	})

	It("should round sizes up to whole pages", func() {
		seg, err := m.Reserve(1)
		Expect(err).ToNot(HaveOccurred())
		Expect(seg.Size).To(Equal(mem.PageBytes))
	})

	It("should fail at window exhaustion and recover after release", func() {
		seg, err := m.Reserve(0xf000)
		Expect(err).ToNot(HaveOccurred())

		_, err = m.Reserve(0x2000)
		Expect(err).To(MatchError(ErrOutOfVirtualMemory))

		// A failed reserve must not leak state.
		small, err := m.Reserve(0x1000)
		Expect(err).ToNot(HaveOccurred())
		Expect(small.Start).To(Equal(mem.VAddr(0x4000_f000)))

		Expect(m.Release(seg)).To(BeTrue())
		again, err := m.Reserve(0xf000)
		Expect(err).ToNot(HaveOccurred())
		Expect(again).To(Equal(seg))
	})

	It("should fill gaps with the lowest fitting address", func() {
		low, err := m.Reserve(0x1000)
		Expect(err).ToNot(HaveOccurred())
		_, err = m.Reserve(0x1000)
		Expect(err).ToNot(HaveOccurred())

		Expect(m.Release(low)).To(BeTrue())

		refill, err := m.Reserve(0x1000)
		Expect(err).ToNot(HaveOccurred())
		Expect(refill).To(Equal(low))
	})

	It("should never produce overlapping segments", func() {
		for i := 0; i < 8; i++ {
			_, err := m.Reserve(0x1000 * uint64(i+1))
			Expect(err).ToNot(HaveOccurred())
		}

		Expect(segmentsOverlap(m.Segments())).To(BeFalse())
	})

	It("should detect double release", func() {
		seg, err := m.Reserve(0x1000)
		Expect(err).ToNot(HaveOccurred())

		Expect(m.Release(seg)).To(BeTrue())
		Expect(m.Release(seg)).To(BeFalse())
	})

	Describe("MarkAsReserved", func() {
		It("should reject overlapping segments without mutating state", func() {
			seg := NewSegment(0x4000_0000, 0x3000)
			Expect(m.MarkAsReserved(seg)).To(Succeed())

			before := m.Segments()
			overlapping := NewSegment(0x4000_2000, 0x2000)
			Expect(m.MarkAsReserved(overlapping)).To(MatchError(ErrAlreadyReserved))
			Expect(m.Segments()).To(Equal(before))

			Expect(m.Release(seg)).To(BeTrue())
			Expect(m.MarkAsReserved(overlapping)).To(Succeed())
		})

		It("should steer later reservations around fixed segments", func() {
			fixed := NewSegment(0x4000_1000, 0x1000)
			Expect(m.MarkAsReserved(fixed)).To(Succeed())

			seg, err := m.Reserve(0x2000)
			Expect(err).ToNot(HaveOccurred())
			Expect(seg.Start).To(Equal(mem.VAddr(0x4000_2000)))

			small, err := m.Reserve(0x1000)
			Expect(err).ToNot(HaveOccurred())
			Expect(small.Start).To(Equal(mem.VAddr(0x4000_0000)))
		})
	})

	Describe("NewSegment", func() {
		It("should panic on misaligned bounds", func() {
			Expect(func() { NewSegment(0x4000_0001, 0x1000) }).To(Panic())
			Expect(func() { NewSegment(0x4000_0000, 0x800) }).To(Panic())
		})
	})
})
