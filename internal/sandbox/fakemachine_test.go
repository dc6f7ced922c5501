package sandbox

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/kvmbox/kvmbox/internal/machine"
)

// The tests drive the engine against a scriptable in-memory machine:
// guest behavior is a set of callbacks keyed by a marker byte embedded
// in the synthetic ELF image.

// elfMarkerOffset is where makeStaticELF stores the behavior key.
const elfMarkerOffset = 192

// makeStaticELF builds a minimal but valid static ELF64 image with the
// given entry point and behavior marker.
func makeStaticELF(entry uint64, marker byte) []byte {
	buf := make([]byte, 256)
	copy(buf, []byte{0x7F, 'E', 'L', 'F', 2, 1, 1, 0})
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)  // ET_EXEC
	le.PutUint16(buf[18:], 62) // EM_X86_64
	le.PutUint32(buf[20:], 1)  // EV_CURRENT
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[32:], 64) // phoff
	le.PutUint16(buf[52:], 64) // ehsize
	le.PutUint16(buf[54:], 56) // phentsize
	le.PutUint16(buf[56:], 1)  // phnum
	// One PT_LOAD segment.
	le.PutUint32(buf[64:], 1) // PT_LOAD
	le.PutUint32(buf[68:], 5) // R+X
	le.PutUint64(buf[72:], 0) // offset
	le.PutUint64(buf[80:], entry&^0xFFF)
	le.PutUint64(buf[88:], entry&^0xFFF)
	le.PutUint64(buf[96:], 0x200)  // filesz
	le.PutUint64(buf[104:], 0x200) // memsz
	le.PutUint64(buf[112:], 0x1000)
	buf[elfMarkerOffset] = marker
	return buf
}

// guestProgram scripts a fake guest. A nil onBoot or onRun falls back
// to a plain wait-for-requests trap; a nil onResume or onVMCall does
// nothing.
type guestProgram struct {
	// onBoot runs once at the first Run (the guest's main()).
	onBoot func(fm *fakeMachine)
	// onRun handles subsequent plain Run calls (loop catch-up).
	onRun func(fm *fakeMachine)
	// onResume handles VMResume: one event-driven request.
	onResume func(fm *fakeMachine)
	// onVMCall handles function calls into the guest.
	onVMCall func(fm *fakeMachine, addr uint64, args []uint64)
}

// fakeFactory hands out fake machines whose behavior is selected by
// the image's marker byte.
type fakeFactory struct {
	mu        sync.Mutex
	behaviors map[byte]*guestProgram
	machines  []*fakeMachine
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{behaviors: make(map[byte]*guestProgram)}
}

func (f *fakeFactory) register(marker byte, prog *guestProgram) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[marker] = prog
}

func (f *fakeFactory) NewMachine(bin []byte, opts machine.Options) (machine.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prog := f.behaviors[bin[elfMarkerOffset]]
	if prog == nil {
		prog = &guestProgram{}
	}
	fm := &fakeMachine{
		prog:      prog,
		mem:       make(map[uint64]byte),
		stackAddr: 0x7FFF0000,
		startAddr: 0x400000,
		mmapBase:  0x70000000,
		userArea:  make([]byte, 64),
	}
	fm.regs.RSP = fm.stackAddr
	f.machines = append(f.machines, fm)
	return fm, nil
}

func (f *fakeFactory) Fork(source machine.Machine, opts machine.ForkOptions) (machine.Machine, error) {
	src := source.(*fakeMachine)
	f.mu.Lock()
	defer f.mu.Unlock()
	fm := &fakeMachine{
		prog:      src.prog,
		mem:       copyMem(src.mem),
		regs:      src.regs,
		stackAddr: src.stackAddr,
		startAddr: src.startAddr,
		mmapBase:  src.mmapBase,
		booted:    src.booted,
		userArea:  append([]byte(nil), src.userArea...),
		forkOf:    src,
	}
	f.machines = append(f.machines, fm)
	return fm, nil
}

func copyMem(m map[uint64]byte) map[uint64]byte {
	out := make(map[uint64]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// fakeMachine is an in-memory machine.Machine with byte-granular
// sparse guest memory.
type fakeMachine struct {
	prog *guestProgram

	mu        sync.Mutex
	mem       map[uint64]byte
	regs      machine.Registers
	stackAddr uint64
	startAddr uint64
	mmapBase  uint64

	booted  bool
	stopped bool

	// consume simulates guest CPU time: set by a behavior, checked
	// against the deadline of the bounding run.
	consume time.Duration

	handler machine.SyscallHandler
	hooks   machine.GuestHooks

	remote       machine.Machine
	hasRemote    bool
	remoteLinked bool

	hasSnapshot   bool
	snapshotSaves int
	userArea      []byte

	resets     int
	fullResets int
	closed     bool
	forkOf     *fakeMachine
}

func (fm *fakeMachine) SetupLinux(argv, envp []string) error {
	fm.regs.RSP = fm.stackAddr
	return nil
}

func (fm *fakeMachine) checkDeadline(timeout time.Duration) error {
	if fm.consume > timeout {
		fm.consume = 0
		return &machine.TimeoutError{Timeout: timeout}
	}
	fm.consume = 0
	return nil
}

func (fm *fakeMachine) Run(timeout time.Duration) error {
	if !fm.booted {
		fm.booted = true
		if fm.prog.onBoot != nil {
			fm.prog.onBoot(fm)
		} else {
			fm.guestSyscall(sysWaitForRequests, nil)
		}
		return fm.checkDeadline(timeout)
	}
	if fm.prog.onRun != nil {
		fm.prog.onRun(fm)
	} else {
		fm.guestSyscall(sysWaitForRequests, nil)
	}
	return fm.checkDeadline(timeout)
}

func (fm *fakeMachine) TimedVMCall(addr uint64, timeout time.Duration, args ...uint64) error {
	if addr == machine.RemoteReturnAddress {
		fm.remoteLinked = false
		return fm.checkDeadline(timeout)
	}
	return fm.TimedVMCallStack(addr, fm.stackAddr, timeout, args...)
}

func (fm *fakeMachine) TimedVMCallStack(addr, stack uint64, timeout time.Duration, args ...uint64) error {
	regs := fm.regs
	regs.RSP = stack
	regs.RIP = addr
	argregs := []*uint64{&regs.RDI, &regs.RSI, &regs.RDX, &regs.RCX, &regs.R8, &regs.R9}
	for i, a := range args {
		if i < len(argregs) {
			*argregs[i] = a
		}
	}
	fm.regs = regs
	if fm.prog.onVMCall != nil {
		fm.prog.onVMCall(fm, addr, args)
	}
	return fm.checkDeadline(timeout)
}

func (fm *fakeMachine) VMResume(timeout time.Duration) error {
	if fm.prog.onResume != nil {
		fm.prog.onResume(fm)
	}
	return fm.checkDeadline(timeout)
}

func (fm *fakeMachine) Stop() { fm.stopped = true }

func (fm *fakeMachine) ResetTo(source machine.Machine, opts machine.ResetOptions) (bool, error) {
	src := source.(*fakeMachine)
	full := !opts.KeepAllWorkMemory
	if full {
		fm.mem = copyMem(src.mem)
		fm.fullResets++
	}
	if opts.CopyAllRegisters {
		fm.regs = src.regs
	}
	fm.resets++
	fm.consume = 0
	return full, nil
}

func (fm *fakeMachine) PrepareCopyOnWrite(maxWorkMem, boundary uint64) error { return nil }

func (fm *fakeMachine) Registers() machine.Registers     { return fm.regs }
func (fm *fakeMachine) SetRegisters(r machine.Registers) { fm.regs = r }

func (fm *fakeMachine) CopyToGuest(addr uint64, data []byte) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for i, b := range data {
		fm.mem[addr+uint64(i)] = b
	}
	return nil
}

func (fm *fakeMachine) CopyFromGuest(buf []byte, addr uint64) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for i := range buf {
		buf[i] = fm.mem[addr+uint64(i)]
	}
	return nil
}

func (fm *fakeMachine) BufferToString(addr, length, max uint64) (string, error) {
	if max > 0 && length > max {
		length = max
	}
	buf := make([]byte, length)
	if err := fm.CopyFromGuest(buf, addr); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (fm *fakeMachine) MmapAllocate(size uint64) (uint64, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	addr := fm.mmapBase
	fm.mmapBase += (size + 0xFFF) &^ 0xFFF
	return addr, nil
}

func (fm *fakeMachine) MmapUnmap(addr, size uint64) error     { return nil }
func (fm *fakeMachine) MmapRelax(addr, size, ns uint64) error { return nil }
func (fm *fakeMachine) StackAddress() uint64                  { return fm.stackAddr }
func (fm *fakeMachine) SetStackAddress(addr uint64)           { fm.stackAddr = addr }
func (fm *fakeMachine) StartAddress() uint64                  { return fm.startAddr }

func (fm *fakeMachine) StackPush(sp *uint64, data []byte) (uint64, error) {
	*sp -= uint64(len(data))
	*sp &^= 0x7
	if err := fm.CopyToGuest(*sp, data); err != nil {
		return 0, err
	}
	return *sp, nil
}

func (fm *fakeMachine) RemoteConnect(peer machine.Machine) error {
	fm.remote = peer
	fm.hasRemote = true
	return nil
}

func (fm *fakeMachine) PermanentRemoteConnect(peer machine.Machine) error {
	return fm.RemoteConnect(peer)
}

func (fm *fakeMachine) IsRemoteConnected() bool            { return fm.remoteLinked }
func (fm *fakeMachine) HasRemote() bool                    { return fm.hasRemote }
func (fm *fakeMachine) Remote() machine.Machine            { return fm.remote }
func (fm *fakeMachine) SetRemoteSerializer(machine.Locker) {}

func (fm *fakeMachine) CopyFromMachine(dstAddr uint64, src machine.Machine, srcAddr, length uint64) error {
	buf := make([]byte, length)
	if err := src.(*fakeMachine).CopyFromGuest(buf, srcAddr); err != nil {
		return err
	}
	return fm.CopyToGuest(dstAddr, buf)
}

func (fm *fakeMachine) SaveSnapshotState(pages []uint64) error {
	fm.hasSnapshot = true
	fm.snapshotSaves++
	return nil
}

func (fm *fakeMachine) HasSnapshotState() bool   { return false }
func (fm *fakeMachine) SnapshotUserArea() []byte { return fm.userArea }
func (fm *fakeMachine) AccessedPages() []uint64  { return []uint64{0x400000} }

func (fm *fakeMachine) SetSyscallHandler(h machine.SyscallHandler) { fm.handler = h }
func (fm *fakeMachine) SetHooks(h machine.GuestHooks)              { fm.hooks = h }
func (fm *fakeMachine) SetVCPUTable(index int, value uint64)       {}

func (fm *fakeMachine) Close() error {
	fm.closed = true
	return nil
}

// guestSyscall performs a trap-out from guest code: optionally adjust
// registers, then invoke the host handler.
func (fm *fakeMachine) guestSyscall(nr uint32, setup func(r *machine.Registers)) {
	if setup != nil {
		regs := fm.regs
		setup(&regs)
		fm.regs = regs
	}
	if fm.handler == nil {
		panic(fmt.Sprintf("no syscall handler installed for %#x", nr))
	}
	fm.handler(fm, nr)
}

// poke writes guest memory directly, as guest code would.
func (fm *fakeMachine) poke(addr uint64, data []byte) {
	_ = fm.CopyToGuest(addr, data)
}

// peek reads guest memory directly.
func (fm *fakeMachine) peek(addr uint64, length int) []byte {
	buf := make([]byte, length)
	_ = fm.CopyFromGuest(buf, addr)
	return buf
}
