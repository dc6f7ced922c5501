package machine

// Registers is the x86-64 register file exposed to the host while the
// vCPU is halted. The sandbox ABI passes syscall arguments in
// RDI, RSI, RDX, RCX, R8, R9 and results in RAX.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP                uint64
}

// Remapping is a fixed guest address region established at boot.
type Remapping struct {
	Virt       uint64
	Size       uint64
	Writable   bool
	Executable bool
	Blackout   bool
}

// Options configures a machine booted from a program image.
type Options struct {
	MaxMem             uint64
	MaxCowMem          uint64
	DylinkAddressHint  uint64
	HeapAddressHint    uint64
	VMemBaseAddress    uint64
	Remappings         []Remapping
	Hugepages          bool
	TransparentHP      bool
	SplitHugepages     bool
	HugepagesArenaSize uint64
	ExecutableHeap     bool
	// MmapBackedFiles memory-maps the binary instead of copying it.
	MmapBackedFiles bool
	// SnapshotFile enables cold-start state save/load.
	SnapshotFile  string
	WorkingDir    string
	VerboseLoader bool
}

// ForkOptions configures a copy-on-write fork of a prepared machine.
type ForkOptions struct {
	MaxMem             uint64
	MaxCowMem          uint64
	ResetFreeWorkMem   uint64
	SplitHugepages     bool
	HugepagesArenaSize uint64
}

// ResetOptions configures ResetTo.
type ResetOptions struct {
	MaxMem           uint64
	MaxCowMem        uint64
	ResetFreeWorkMem uint64
	// CopyAllRegisters restores the full register file from the source.
	CopyAllRegisters bool
	// KeepAllWorkMemory retains the fork's accumulated page delta,
	// skipping the page-table wipe when the driver can.
	KeepAllWorkMemory bool
}
