package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/sarchlab/vmkit/mem"
	"github.com/sarchlab/vmkit/mem/memapi"
	"github.com/sarchlab/vmkit/system"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot a memory system and run an allocation scenario against it",
	Long: `Run boots a memory system, then walks it through an allocation ` +
		`scenario: an eager kernel allocation that is written, read back, ` +
		`and cycled through the executable and read-only states, a lazy ` +
		`guarded allocation that is faulted in page by page, and a process ` +
		`with a private allocation that is torn down at the end. With ` +
		`--trace, every allocation event and page fault is recorded into a ` +
		`trace database that "vmkit trace" can query later.`,
	Run: func(cmd *cobra.Command, _ []string) {
		tracePath, err := cmd.Flags().GetString("trace")
		if err != nil {
			log.Fatalf("failed to get trace flag: %v", err)
		}
		if tracePath == "" {
			tracePath = envOr("VMKIT_TRACE", "")
		}

		pages, err := cmd.Flags().GetUint64("pages")
		if err != nil {
			log.Fatalf("failed to get pages flag: %v", err)
		}
		if pages == 0 {
			log.Fatalf("pages must be positive")
		}

		builder := system.MakeBuilder()
		if tracePath != "" || mustGetBool(cmd, "trace-auto") {
			builder = builder.WithTracing(tracePath)
		}

		sys, err := builder.Build()
		if err != nil {
			log.Fatalf("failed to boot the memory system: %v", err)
		}

		if err := runScenario(sys, pages); err != nil {
			log.Fatalf("scenario failed: %v", err)
		}

		if sys.Tracer() != nil {
			sys.Tracer().Flush()
		}

		table := sys.FrameAllocator().Table()
		fmt.Printf("Scenario complete: %d of %d frames free.\n",
			table.FreeFrameCount(), table.TotalFrameCount())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("trace", "",
		"path of the trace database to record, without the .sqlite3 suffix "+
			"(default $VMKIT_TRACE)")
	runCmd.Flags().Bool("trace-auto", false,
		"record a trace database with a generated name")
	runCmd.Flags().Uint64("pages", 8,
		"number of pages each scenario allocation covers")
}

func mustGetBool(cmd *cobra.Command, name string) bool {
	v, err := cmd.Flags().GetBool(name)
	if err != nil {
		log.Fatalf("failed to get %s flag: %v", name, err)
	}

	return v
}

func runScenario(sys *system.System, pages uint64) error {
	if err := kernelScenario(sys, pages); err != nil {
		return err
	}
	if err := lazyScenario(sys, pages); err != nil {
		return err
	}

	return processScenario(sys, pages)
}

// kernelScenario allocates eagerly in the kernel window, exercises the
// writable, executable, and read-only states, and frees.
func kernelScenario(sys *system.System, pages uint64) error {
	w, err := sys.API().Allocate(memapi.Request{
		Layout:   memapi.Layout{Size: pages * mem.PageBytes},
		Strategy: memapi.AllocateNow,
	})
	if err != nil {
		return fmt.Errorf("eager kernel allocation: %w", err)
	}

	start := w.Allocation().Start()
	payload := []byte("vmkit scenario payload")
	if err := sys.API().Write(start, payload); err != nil {
		return fmt.Errorf("writing the kernel allocation: %w", err)
	}

	x, err := w.MakeExecutable()
	if err != nil {
		return fmt.Errorf("making the kernel allocation executable: %w", err)
	}
	got, err := sys.API().Read(start, uint64(len(payload)))
	if err != nil {
		return fmt.Errorf("reading the executable allocation: %w", err)
	}
	if string(got) != string(payload) {
		return fmt.Errorf("read back %q, wrote %q", got, payload)
	}

	w, err = x.MakeWritable()
	if err != nil {
		return fmt.Errorf("making the kernel allocation writable: %w", err)
	}
	r, err := w.MakeReadonly()
	if err != nil {
		return fmt.Errorf("making the kernel allocation read-only: %w", err)
	}

	fmt.Printf("Kernel allocation at %#x: %d pages, state cycled "+
		"writable, executable, read-only.\n", start, pages)

	r.Free()

	return nil
}

// lazyScenario allocates on access with guard pages and faults in the first
// and last pages by touching them.
func lazyScenario(sys *system.System, pages uint64) error {
	w, err := sys.API().Allocate(memapi.Request{
		Layout:   memapi.Layout{Size: pages * mem.PageBytes},
		Strategy: memapi.AllocateOnAccess,
		Guarded:  true,
	})
	if err != nil {
		return fmt.Errorf("lazy kernel allocation: %w", err)
	}

	alloc := w.Allocation()
	first := alloc.Start()
	last := first + mem.VAddr((pages-1)*mem.PageBytes)
	if err := sys.API().Write(first, []byte{1}); err != nil {
		return fmt.Errorf("touching the first lazy page: %w", err)
	}
	if err := sys.API().Write(last, []byte{2}); err != nil {
		return fmt.Errorf("touching the last lazy page: %w", err)
	}

	fmt.Printf("Lazy allocation at %#x: %d of %d pages resident after "+
		"two faults.\n", first, alloc.ResidentPages(), alloc.NumPages())

	w.Free()

	return nil
}

// processScenario allocates user memory in a private process address space
// and tears the process down.
func processScenario(sys *system.System, pages uint64) error {
	p, err := sys.CreateProcess()
	if err != nil {
		return fmt.Errorf("creating a process: %w", err)
	}

	p.Switch()
	w, err := p.API().Allocate(memapi.Request{
		Layout:         memapi.Layout{Size: pages * mem.PageBytes},
		Strategy:       memapi.AllocateNow,
		UserAccessible: true,
	})
	if err != nil {
		return fmt.Errorf("allocating user memory: %w", err)
	}

	fmt.Printf("Process allocation at %#x: %d user pages in a private "+
		"address space.\n", w.Allocation().Start(), pages)

	w.Free()
	if err := p.Destroy(); err != nil {
		return fmt.Errorf("destroying the process: %w", err)
	}

	return nil
}
