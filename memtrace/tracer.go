package memtrace

import (
	"sync/atomic"
	"time"

	"github.com/sarchlab/vmkit/mem"
)

// AllocationEvent is one row of the allocation_events table. Op is one of
// "allocate", "transition", "free"; Detail carries the strategy or the new
// permission state.
type AllocationEvent struct {
	Seq    int64
	Time   int64
	Op     string
	Start  uint64
	Size   uint64
	Detail string
}

// FaultEvent is one row of the fault_events table.
type FaultEvent struct {
	Seq  int64
	Time int64
	Addr uint64
}

// A Tracer turns allocation lifecycle callbacks into trace database rows.
// It satisfies the memapi Tracer interface.
type Tracer struct {
	rec Recorder
	seq atomic.Int64
}

// NewTracer creates a tracer writing through the recorder, creating the
// event tables.
func NewTracer(rec Recorder) *Tracer {
	rec.CreateTable("allocation_events", AllocationEvent{})
	rec.CreateTable("fault_events", FaultEvent{})

	return &Tracer{rec: rec}
}

// RecordAllocation records a successful allocation.
func (t *Tracer) RecordAllocation(start mem.VAddr, size uint64, strategy string) {
	t.insertAllocation("allocate", start, size, strategy)
}

// RecordTransition records a permission-state change.
func (t *Tracer) RecordTransition(start mem.VAddr, state string) {
	t.insertAllocation("transition", start, 0, state)
}

// RecordFree records an allocation teardown.
func (t *Tracer) RecordFree(start mem.VAddr) {
	t.insertAllocation("free", start, 0, "")
}

// RecordFault records one page fault handled by the on-access path.
func (t *Tracer) RecordFault(addr mem.VAddr) {
	t.rec.InsertData("fault_events", FaultEvent{
		Seq:  t.seq.Add(1),
		Time: time.Now().UnixNano(),
		Addr: uint64(addr),
	})
}

// Flush writes all buffered events into the database.
func (t *Tracer) Flush() {
	t.rec.Flush()
}

func (t *Tracer) insertAllocation(
	op string,
	start mem.VAddr,
	size uint64,
	detail string,
) {
	t.rec.InsertData("allocation_events", AllocationEvent{
		Seq:    t.seq.Add(1),
		Time:   time.Now().UnixNano(),
		Op:     op,
		Start:  uint64(start),
		Size:   size,
		Detail: detail,
	})
}
