// Package paging implements address spaces as simulated 4-level page tables
// held in physical frames, together with the mapper that installs, removes
// and rewrites translations.
package paging

import "strings"

// Flags is the protection flag set of one translation.
type Flags uint64

// The supported page table entry flags. The bit positions match the entry
// encoding, so flags can be merged into an entry word directly.
const (
	FlagPresent   Flags = 1 << 0
	FlagWritable  Flags = 1 << 1
	FlagUser      Flags = 1 << 2
	FlagNoExecute Flags = 1 << 63

	flagMask = FlagPresent | FlagWritable | FlagUser | FlagNoExecute
)

// Has reports whether all bits of other are set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// Set returns the flags with the bits of other added.
func (f Flags) Set(other Flags) Flags {
	return f | other
}

// Clear returns the flags with the bits of other removed.
func (f Flags) Clear(other Flags) Flags {
	return f &^ other
}

func (f Flags) String() string {
	var parts []string
	if f.Has(FlagPresent) {
		parts = append(parts, "present")
	}
	if f.Has(FlagWritable) {
		parts = append(parts, "writable")
	}
	if f.Has(FlagUser) {
		parts = append(parts, "user")
	}
	if f.Has(FlagNoExecute) {
		parts = append(parts, "no-execute")
	}
	if len(parts) == 0 {
		return "none"
	}

	return strings.Join(parts, "|")
}
