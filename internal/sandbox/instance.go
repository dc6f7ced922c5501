package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kvmbox/kvmbox/internal/machine"
	"github.com/kvmbox/kvmbox/internal/tenant"
	"github.com/kvmbox/kvmbox/pkg/xorshift"
)

// guestStateFile aliases the virtual filename guests use for their
// writable state file.
const guestStateFile = tenant.GuestStateFile

// DynamicLinkerPath is the host dynamic linker booted in place of
// interpreted program images.
const DynamicLinkerPath = "/lib64/ld-linux-x86-64.so.2"

var (
	ldLinuxOnce sync.Once
	ldLinux     *BinaryStorage
	ldLinuxErr  error
)

// dynamicLinker loads the host dynamic linker once per process.
func dynamicLinker() (*BinaryStorage, error) {
	ldLinuxOnce.Do(func() {
		data, err := os.ReadFile(DynamicLinkerPath)
		if err != nil {
			ldLinuxErr = fmt.Errorf("load dynamic linker: %w", err)
			return
		}
		ldLinux = NewBinary(data)
	})
	return ldLinux, ldLinuxErr
}

// MachineInstance is the per-VM state: one guest machine plus the
// request-scoped bookkeeping around it. It also implements
// machine.GuestHooks, mediating the guest's view of the filesystem.
type MachineInstance struct {
	machine machine.Machine
	tenant  *TenantInstance
	prog    *ProgramInstance
	binary  *BinaryStorage

	requestID uint16
	isDebug   bool
	isStorage bool

	isEphemeral        bool
	waitingForRequests bool
	isWarmingUp        bool
	resetNeeded        bool
	storeStateOnReset  bool
	cacheable          bool

	// responseCalled gates response validity: 0 none, 1 backend
	// response, 2 storage return (resumable), 3 storage no-return.
	responseCalledVal uint8

	binaryType BinaryType
	sighandler uint64

	postData         uint64
	postSize         uint64
	inputsAllocation uint64

	prng  xorshift.PRNG
	stats MachineStats

	lastNewline bool
	logger      *slog.Logger
}

// newMainMachineInstance boots a main VM (request or storage) from a
// program image.
func newMainMachineInstance(binary *BinaryStorage, ten *TenantInstance, prog *ProgramInstance, isStorage, isDebug bool) (*MachineInstance, error) {
	cfg := ten.Config
	g := &cfg.Group

	btype, err := binary.Type()
	if err != nil {
		return nil, err
	}

	mainBinary := binary
	if btype == BinaryDynamic {
		mainBinary, err = dynamicLinker()
		if err != nil {
			return nil, err
		}
	}

	dylinkHint := g.DylinkAddressHint
	if isStorage {
		dylinkHint = g.StorageDylinkAddressHint
	}
	base, err := detectGigapage(binary, dylinkHint)
	if err != nil {
		return nil, err
	}

	maxMem := g.MaxAddressSpace
	heapHint := g.HeapAddressHint
	remappings := g.VMemRemappings
	if isStorage {
		maxMem = g.MaxStorageMemory
		heapHint = 0
		remappings = g.StorageRemappings
	}

	opts := machine.Options{
		MaxMem:             maxMem,
		DylinkAddressHint:  dylinkHint,
		HeapAddressHint:    heapHint,
		VMemBaseAddress:    base,
		Remappings:         toMachineRemappings(remappings),
		Hugepages:          g.Hugepages,
		TransparentHP:      g.TransparentHugepages,
		HugepagesArenaSize: g.HugepageArenaSize,
		ExecutableHeap:     g.ExecutableHeap || btype == BinaryDynamic,
		MmapBackedFiles:    isStorage || g.ColdStartFile == "",
		WorkingDir:         g.WorkingDirectory,
		VerboseLoader:      g.Verbose,
	}
	if !isStorage {
		opts.SnapshotFile = g.ColdStartFile
	}

	m, err := ten.runtime.Factory.NewMachine(mainBinary.Bytes(), opts)
	if err != nil {
		return nil, fmt.Errorf("create machine: %w", err)
	}

	prng, err := xorshift.New()
	if err != nil {
		m.Close()
		return nil, err
	}

	mi := &MachineInstance{
		machine:     m,
		tenant:      ten,
		prog:        prog,
		binary:      binary,
		isDebug:     isDebug,
		isStorage:   isStorage,
		isEphemeral: g.Ephemeral,
		binaryType:  btype,
		prng:        prng,
		lastNewline: true,
		logger:      ten.logger,
	}
	m.SetHooks(mi)
	m.SetSyscallHandler(mi.handleSyscall)
	return mi, nil
}

// forkMachineInstance creates a request VM (or a 1:1 storage VM) as a
// copy-on-write child of a prepared main VM.
func forkMachineInstance(reqid uint16, source *MachineInstance, ten *TenantInstance, prog *ProgramInstance) (*MachineInstance, error) {
	g := &ten.Config.Group

	m, err := ten.runtime.Factory.Fork(source.machine, machine.ForkOptions{
		MaxMem:             g.MaxMainMemory,
		MaxCowMem:          g.MaxRequestMemory,
		ResetFreeWorkMem:   g.LimitReqMemAfterReset,
		SplitHugepages:     g.SplitHugepages,
		HugepagesArenaSize: g.HugepageReqArenaSize,
	})
	if err != nil {
		return nil, fmt.Errorf("fork vm %d: %w", reqid, err)
	}

	mi := &MachineInstance{
		machine:   m,
		tenant:    ten,
		prog:      prog,
		binary:    source.binary,
		requestID: reqid,
		isDebug:   source.isDebug,
		isStorage: source.isStorage,
		// If we got this far, the source was waiting for requests.
		isEphemeral:        source.isEphemeral,
		waitingForRequests: true,
		binaryType:         source.binaryType,
		sighandler:         source.sighandler,
		prng:               source.prng,
		lastNewline:        true,
		logger:             ten.logger,
	}
	m.SetHooks(mi)
	m.SetSyscallHandler(mi.handleSyscall)

	if !mi.isStorage && g.HasStorage && g.Storage1To1 {
		// Connect to the storage VM matching this request VM id.
		peer := prog.storage.vmAt(int(reqid))
		if peer == nil {
			m.Close()
			return nil, fmt.Errorf("fork vm %d: %w", reqid, ErrNoStorage)
		}
		if g.StoragePermRemote {
			err = m.PermanentRemoteConnect(peer.machine)
		} else {
			err = m.RemoteConnect(peer.machine)
		}
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("fork vm %d: remote connect: %w", reqid, err)
		}
	}
	m.SetVCPUTable(1, uint64(reqid))
	return mi, nil
}

func toMachineRemappings(in []tenant.Remapping) []machine.Remapping {
	out := make([]machine.Remapping, 0, len(in))
	for _, r := range in {
		out = append(out, machine.Remapping{
			Virt:       r.Virt,
			Size:       r.Size,
			Writable:   r.Writable,
			Executable: r.Executable,
			Blackout:   r.Blackout,
		})
	}
	return out
}

// initialize runs the guest through main() until it announces itself
// ready, then prepares it for forking. Returns the warmup time spent.
func (mi *MachineInstance) initialize() (time.Duration, error) {
	cfg := mi.tenant.Config
	g := &cfg.Group

	if g.SharedMemory > 0 && len(g.VMemRemappings) > 0 {
		return 0, fmt.Errorf("%w: shared memory is incompatible with vmem remappings", ErrInvalidProgram)
	}

	// Fast cold start: resume from the snapshot instead of booting.
	if !mi.isStorage && mi.machine.HasSnapshotState() {
		mi.logger.Info("loaded cold start state", "tenant", cfg.Name, "file", g.ColdStartFile)
		if err := mi.prog.loadState(mi.machine.SnapshotUserArea()); err != nil {
			return 0, err
		}
		mi.waitingForRequests = true
		return 0, nil
	}

	boundary := mi.sharedMemoryBoundary()
	maxMainMem := g.MaxMainMemory
	if mi.isStorage {
		maxMainMem = g.MaxStorageMemory
	}
	if err := mi.machine.PrepareCopyOnWrite(maxMainMem, boundary); err != nil {
		return 0, fmt.Errorf("prepare copy-on-write: %w", err)
	}

	var args []string
	if mi.binaryType == BinaryDynamic {
		args = append(args, DynamicLinkerPath, cfg.Filename)
	} else {
		args = append(args, mi.Name())
	}
	if mi.isStorage && len(g.StorageArguments) > 0 {
		args = append(args, g.StorageArguments...)
	} else {
		args = append(args, g.MainArguments...)
	}

	vmType := "request"
	if mi.isStorage {
		vmType = "storage"
	}
	envp := append([]string{}, g.Environment...)
	envp = append(envp,
		"KVM_NAME="+mi.Name(),
		"KVM_GROUP="+g.Name,
		"KVM_TYPE="+vmType,
		"KVM_STATE="+guestStateFile,
		fmt.Sprintf("KVM_DEBUG=%d", boolToInt(mi.isDebug)),
	)

	if err := mi.machine.SetupLinux(args, envp); err != nil {
		return 0, fmt.Errorf("setup linux: %w", err)
	}

	// Run through main() until the wait-for-requests trap.
	if err := mi.machine.Run(cfg.MaxBootTime()); err != nil {
		mi.logBootFailure(err)
		return 0, fmt.Errorf("boot: %w", err)
	}
	if !mi.waitingForRequests {
		mi.logBootFailure(ErrNotWaiting)
		return 0, ErrNotWaiting
	}

	// Skip over the trap instruction, so resumes continue after it.
	// This also makes faulting VMs reset back into a good state.
	regs := mi.machine.Registers()
	regs.RIP += 2
	mi.machine.SetRegisters(regs)

	var warmupTime time.Duration
	if !mi.isStorage {
		if g.Warmup != nil {
			t0 := time.Now()
			mi.warmup()
			warmupTime = time.Since(t0)
		}
		if mi.machine.HasRemote() && mi.machine.IsRemoteConnected() {
			return 0, fmt.Errorf("%w: remote connection was open after warmup", ErrInvalidProgram)
		}
		// Make forkable, with no working memory: forks pay only the
		// fault-in cost.
		if err := mi.machine.PrepareCopyOnWrite(0, boundary); err != nil {
			return 0, fmt.Errorf("prepare copy-on-write: %w", err)
		}
	}

	// New vmcall stack base below the current RSP, clearing the red
	// zone in case main is a leaf frame.
	rsp := mi.machine.Registers().RSP
	rsp = (rsp - 128) &^ 0xF
	mi.machine.SetStackAddress(rsp)

	if !mi.isStorage && g.ColdStartFile != "" {
		if err := mi.machine.SaveSnapshotState(nil); err != nil {
			mi.logger.Warn("cold start state save failed", "tenant", cfg.Name, "error", err)
		} else {
			mi.prog.saveState(mi.machine.SnapshotUserArea())
			mi.logger.Info("saved cold start state", "tenant", cfg.Name, "file", g.ColdStartFile)
			mi.storeStateOnReset = true
		}
	}

	return warmupTime, nil
}

func (mi *MachineInstance) logBootFailure(err error) {
	mi.logger.Error("machine not initialized properly",
		"tenant", mi.Name(), "error", err)
	mi.printBacktrace()
}

// printBacktrace logs the single-frame guest backtrace line.
func (mi *MachineInstance) printBacktrace() {
	regs := mi.machine.Registers()
	mi.logger.Error(fmt.Sprintf("[0] 0x%8X", regs.RIP), "tenant", mi.Name())
}

// tailReset releases request-scoped host resources. Guest memory is
// handled by resetTo.
func (mi *MachineInstance) tailReset() {}

func (mi *MachineInstance) isResetNeeded() bool {
	return mi.resetNeeded || mi.isEphemeral
}

// resetTo restores this VM from its main VM, per the reset policy: a
// crashed or ephemeral VM is reset, optionally keeping working memory;
// everything else is re-enqueued as-is.
func (mi *MachineInstance) resetTo(source *MachineInstance) error {
	if !mi.isResetNeeded() {
		return nil
	}
	g := &mi.tenant.Config.Group
	t0 := time.Now()

	if source.storeStateOnReset {
		source.storeStateOnReset = false
		// First reset after a fresh boot: snapshot with the pages this
		// request actually touched, so the next cold start prefaults.
		pages := mi.machine.AccessedPages()
		if err := source.machine.SaveSnapshotState(pages); err != nil {
			mi.logger.Warn("snapshot on reset failed", "tenant", mi.Name(), "error", err)
		} else {
			mi.prog.saveState(source.machine.SnapshotUserArea())
			mi.logger.Info("saved state on reset",
				"tenant", mi.Name(), "accessed_pages", len(pages))
		}
	}

	full, err := mi.machine.ResetTo(source.machine, machine.ResetOptions{
		MaxMem:           g.MaxMainMemory,
		MaxCowMem:        g.MaxRequestMemory,
		ResetFreeWorkMem: g.LimitReqMemAfterReset,
		CopyAllRegisters: true,
		// A flagged reset always wipes, regardless of the keep hint.
		KeepAllWorkMemory: !mi.resetNeeded && g.EphemeralKeepWorkingMemory,
	})
	if err != nil {
		return fmt.Errorf("reset vm %d: %w", mi.requestID, err)
	}
	mi.stats.Resets++
	if full {
		mi.stats.FullResets++
	}

	mi.waitingForRequests = source.waitingForRequests
	// The POST area and the persistent inputs stack are gone.
	mi.postData = 0
	mi.postSize = 0
	mi.inputsAllocation = 0
	mi.sighandler = source.sighandler
	mi.resetNeeded = false

	mi.stats.VMResetTime += time.Since(t0).Seconds()
	return nil
}

// allocatePostData returns a guest region of at least size bytes for
// the current POST body. Grow-only: a smaller body reuses the region.
func (mi *MachineInstance) allocatePostData(size uint64) (uint64, error) {
	if mi.postSize < size {
		if mi.postSize > 0 {
			if err := mi.machine.MmapUnmap(mi.postData, mi.postSize); err != nil {
				return 0, err
			}
		}
		addr, err := mi.machine.MmapAllocate(size)
		if err != nil {
			return 0, err
		}
		mi.postData = addr
		mi.postSize = size
	}
	return mi.postData, nil
}

func (mi *MachineInstance) beginCall()         { mi.responseCalledVal = 0 }
func (mi *MachineInstance) finishCall(n uint8) { mi.responseCalledVal = n }
func (mi *MachineInstance) responseCalled(n uint8) bool {
	return mi.responseCalledVal == n
}
func (mi *MachineInstance) resetNeededNow() { mi.resetNeeded = true }

func (mi *MachineInstance) sharedMemoryBoundary() uint64 {
	g := &mi.tenant.Config.Group
	if g.SharedMemory > 0 {
		// For VMs < 4GB this works well enough.
		return g.MaxAddressSpace - g.SharedMemory
	}
	return ^uint64(0)
}

// Name is the tenant name this VM serves.
func (mi *MachineInstance) Name() string { return mi.tenant.Config.Name }

// Stats exposes the per-VM counters for aggregation.
func (mi *MachineInstance) Stats() *MachineStats { return &mi.stats }

// Machine exposes the underlying guest, for the stats endpoint and
// tests.
func (mi *MachineInstance) Machine() machine.Machine { return mi.machine }

// randDraw returns the two PRNG words delivered with each request.
func (mi *MachineInstance) randDraw() (uint64, uint64) {
	return mi.prng.Uint64(), mi.prng.Uint64()
}

// --- machine.GuestHooks ---

// OpenReadable rewrites a guest path against the allow-list: exact
// entries map virtual to real, prefix entries rewrite the head.
func (mi *MachineInstance) OpenReadable(path string) (string, bool) {
	for _, p := range mi.tenant.Config.Group.AllowedPaths {
		if !p.Prefix && p.Virtual == path {
			return p.Real, true
		}
		if p.Prefix && strings.HasPrefix(path, p.Virtual) {
			return p.Real + path[len(p.Virtual):], true
		}
	}
	if path == "./libdrogon.so" {
		return mi.tenant.runtime.Settings.LibraryPath, true
	}
	if path == guestStateFile {
		return mi.tenant.Config.AllowedFile(), true
	}
	return "", false
}

// OpenWritable is OpenReadable restricted to writable entries.
func (mi *MachineInstance) OpenWritable(path string) (string, bool) {
	for _, p := range mi.tenant.Config.Group.AllowedPaths {
		if !p.Writable {
			continue
		}
		if !p.Prefix && p.Virtual == path {
			return p.Real, true
		}
		if p.Prefix && strings.HasPrefix(path, p.Virtual) {
			return p.Real + path[len(p.Virtual):], true
		}
	}
	if path == guestStateFile {
		return mi.tenant.Config.AllowedFile(), true
	}
	return "", false
}

// ResolveSymlink rewrites symlink reads; /proc/self/exe resolves to
// the program file when one is configured.
func (mi *MachineInstance) ResolveSymlink(path string) (string, bool) {
	for _, p := range mi.tenant.Config.Group.AllowedPaths {
		if p.Symlink && p.Virtual == path {
			return p.Real, true
		}
	}
	if path == "/proc/self/exe" && mi.tenant.Config.RequestProgramFilename() != "" {
		return mi.tenant.Config.RequestProgramFilename(), true
	}
	return "", false
}

func (mi *MachineInstance) ConnectSocket() bool { return true }
func (mi *MachineInstance) BindSocket() bool    { return false }
func (mi *MachineInstance) ListenSocket() bool  { return false }

// Print receives guest console output and forwards it to the tenant
// log, prefixed per line.
func (mi *MachineInstance) Print(data []byte) {
	if len(data) == 0 || len(data) > 1<<20 {
		return
	}
	// Simultaneous logging from SMP vCPUs would interleave; the guest
	// ABI only prints from the boot vCPU.
	text := strings.TrimRight(string(data), "\n")
	for _, line := range strings.Split(text, "\n") {
		mi.logger.Info(fmt.Sprintf("%s says: %s", mi.Name(), line))
	}
	if mi.tenant.Config.Group.PrintStdout {
		fmt.Printf(">>> [%s] %s\n", mi.Name(), text)
	}
}

// Close tears down the guest.
func (mi *MachineInstance) Close() error {
	mi.tailReset()
	return mi.machine.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
