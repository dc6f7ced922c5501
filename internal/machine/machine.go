// Package machine declares the virtual machine capability the sandbox
// engine runs on. The engine only ever sees these interfaces; concrete
// KVM drivers live in their own modules and register a Factory via
// Register, the same way database/sql drivers do.
package machine

import "time"

// RemoteReturnAddress is the pseudo entry point that drives a
// remote-connected VM through its return path back into the caller.
// Calling it lets the remote callee unwind and disconnect.
const RemoteReturnAddress uint64 = 0xFFFF_FFFF_FFFF_F000

// SyscallHandler is invoked when the guest executes a trap-out
// instruction with an unhandled scalar syscall number.
type SyscallHandler func(m Machine, nr uint32)

// GuestHooks is implemented by the host to mediate guest access to the
// outside world. The driver consults it for every path-valued syscall
// and socket operation, and routes guest console output to Print.
type GuestHooks interface {
	// OpenReadable rewrites a guest path to a host path for reading.
	// Returns false to deny.
	OpenReadable(path string) (string, bool)

	// OpenWritable rewrites a guest path to a host path for writing.
	// Returns false to deny.
	OpenWritable(path string) (string, bool)

	// ResolveSymlink rewrites a guest symlink path to its target.
	// Returns false to deny.
	ResolveSymlink(path string) (string, bool)

	ConnectSocket() bool
	BindSocket() bool
	ListenSocket() bool

	// Print receives guest console output.
	Print(data []byte)
}

// Machine is one KVM guest. All methods that run guest code are bounded
// by an explicit deadline and must be called from the goroutine that
// owns the vCPU (vCPU file descriptors are thread-affine).
type Machine interface {
	// SetupLinux builds the stack, auxiliary vector, environment and
	// program arguments for a Linux userspace entry.
	SetupLinux(argv, envp []string) error

	// Run resumes the vCPU until it halts or the deadline expires.
	Run(timeout time.Duration) error

	// TimedVMCall performs a function call into the guest at addr with
	// up to six integer arguments, bounded by the deadline.
	TimedVMCall(addr uint64, timeout time.Duration, args ...uint64) error

	// TimedVMCallStack is TimedVMCall with an explicit stack pointer.
	TimedVMCallStack(addr, stack uint64, timeout time.Duration, args ...uint64) error

	// VMResume continues execution from the current register state.
	VMResume(timeout time.Duration) error

	// Stop halts the vCPU run loop. Only meaningful from within a
	// syscall handler.
	Stop()

	// ResetTo restores this machine from the given source. Reports
	// whether a full page-table-wiping reset was performed.
	ResetTo(source Machine, opts ResetOptions) (bool, error)

	// PrepareCopyOnWrite switches the machine into a forkable mode with
	// the given working-memory limit and shared-memory boundary.
	PrepareCopyOnWrite(maxWorkMem, sharedMemBoundary uint64) error

	Registers() Registers
	SetRegisters(Registers)

	CopyToGuest(addr uint64, data []byte) error
	CopyFromGuest(buf []byte, addr uint64) error

	// BufferToString reads a guest buffer of the given length, bounded
	// by max (0 = no bound).
	BufferToString(addr, length, max uint64) (string, error)

	MmapAllocate(size uint64) (uint64, error)
	MmapUnmap(addr, size uint64) error
	// MmapRelax shrinks a previous over-allocation down to newSize.
	MmapRelax(addr, size, newSize uint64) error

	StackAddress() uint64
	SetStackAddress(addr uint64)
	StartAddress() uint64

	// StackPush copies data onto the guest stack at *sp, 8-byte aligned
	// and descending, updates *sp and returns the guest address.
	StackPush(sp *uint64, data []byte) (uint64, error)

	// Remote connections let this machine's vCPU execute code in a peer
	// machine's address space.
	RemoteConnect(peer Machine) error
	PermanentRemoteConnect(peer Machine) error
	IsRemoteConnected() bool
	HasRemote() bool
	Remote() Machine

	// SetRemoteSerializer installs the mutex held while this machine is
	// remotely executed into, serializing direct remote calls with the
	// storage task queue.
	SetRemoteSerializer(mu Locker)

	// CopyFromMachine copies length bytes from src's guest memory at
	// srcAddr into this machine's guest memory at dstAddr.
	CopyFromMachine(dstAddr uint64, src Machine, srcAddr, length uint64) error

	// Snapshot state for cold-start files. The user area is a small
	// writable region persisted next to the machine state.
	SaveSnapshotState(accessedPages []uint64) error
	HasSnapshotState() bool
	SnapshotUserArea() []byte
	AccessedPages() []uint64

	SetSyscallHandler(h SyscallHandler)
	SetHooks(h GuestHooks)

	// SetVCPUTable writes a value into the per-vCPU table slot.
	SetVCPUTable(index int, value uint64)

	Close() error
}

// Locker matches sync.Mutex; declared here so drivers need not import
// anything beyond this package.
type Locker interface {
	Lock()
	Unlock()
}

// Factory creates machines. NewMachine boots a fresh guest from a
// program image; Fork creates a copy-on-write child of a prepared
// source machine.
type Factory interface {
	NewMachine(binary []byte, opts Options) (Machine, error)
	Fork(source Machine, opts ForkOptions) (Machine, error)
}
