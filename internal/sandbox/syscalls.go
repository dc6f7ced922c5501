package sandbox

import (
	"encoding/binary"

	"github.com/kvmbox/kvmbox/internal/machine"
)

// Guest syscall numbers. Stable, part of the guest ABI. The Linux
// range (open/read/write/stat/...) is delegated to the driver, which
// consults the GuestHooks for path and socket mediation; only the
// sandbox-specific numbers arrive here.
const (
	sysRegisterFunc     = 0x10000
	sysWaitForRequests  = 0x10001
	sysPauseForRequests = 0x10002
	sysSetCacheable     = 0x10005
	sysBackendResponse  = 0x10010
	sysStorageReturn    = 0x10011
	sysStorageNoReturn  = 0x10013

	sysMakeEphemeral   = 0x10703
	sysIsStorage       = 0x10706
	sysStorageAllow    = 0x10707
	sysStorageCallV    = 0x10708
	sysStorageTask     = 0x10709
	sysStopStorageTask = 0x1070A
	sysGetMemInfo      = 0x10A00

	sysFetch   = 0x20000
	sysLog     = 0x7F000
	sysIsDebug = 0x7FDEB
)

// enosys is -ENOSYS in two's complement, the return for unknown
// numbers.
const enosys = ^uint64(38) + 1

// maxLogLength bounds a single guest LOG payload.
const maxLogLength = 1 << 16

// handleSyscall is installed on every machine owned by this instance.
// It runs on the VM's worker thread while the vCPU is trapped out.
func (mi *MachineInstance) handleSyscall(m machine.Machine, nr uint32) {
	regs := m.Registers()

	switch nr {
	case sysRegisterFunc:
		// rdi: guest address of a table of entryTotal u64 handler
		// addresses, indexed by the Entry* constants.
		table := make([]byte, entryTotal*8)
		if err := m.CopyFromGuest(table, regs.RDI); err != nil {
			regs.RAX = enosys
			break
		}
		for i := 1; i < entryTotal; i++ {
			mi.prog.setEntry(i, binary.LittleEndian.Uint64(table[i*8:]))
		}
		regs.RAX = 0

	case sysWaitForRequests:
		mi.waitingForRequests = true
		m.Stop()

	case sysPauseForRequests:
		// Socket pause semantics collapse to waiting in this build.
		mi.waitingForRequests = true
		m.Stop()

	case sysSetCacheable:
		mi.cacheable = regs.RDI != 0
		regs.RAX = 0

	case sysBackendResponse:
		// Registers carry (status, ctype, ctype_len, data, data_len);
		// the dispatcher harvests them after the halt.
		mi.finishCall(1)
		m.Stop()

	case sysStorageReturn:
		mi.finishCall(2)
		m.Stop()

	case sysStorageNoReturn:
		mi.finishCall(3)
		m.Stop()

	case sysMakeEphemeral:
		if mi.tenant.Config.Group.ControlEphemeral {
			mi.isEphemeral = regs.RDI != 0
			regs.RAX = 0
		} else {
			regs.RAX = enosys
		}

	case sysIsStorage:
		regs.RAX = uint64(boolToInt(mi.isStorage))

	case sysStorageAllow:
		if mi.prog.storage != nil {
			mi.prog.storage.allowFunction(regs.RDI)
			regs.RAX = 0
		} else {
			regs.RAX = enosys
		}

	case sysStorageCallV:
		regs.RAX = mi.syscallStorageCallV(m, regs)

	case sysStorageTask:
		regs.RAX = mi.syscallStorageTask(m, regs)

	case sysStopStorageTask:
		mi.prog.stopStorageTasks()
		regs.RAX = 0

	case sysGetMemInfo:
		regs.RAX = mi.syscallMemInfo(m, regs)

	case sysFetch:
		regs.RAX = mi.syscallFetch(m, regs)

	case sysLog:
		length := regs.RSI & 0xFFFF
		if length > 0 && length < maxLogLength {
			buf := make([]byte, length)
			if err := m.CopyFromGuest(buf, regs.RDI); err == nil {
				mi.Print(buf)
			}
		}
		regs.RAX = 0

	case sysIsDebug:
		regs.RAX = uint64(boolToInt(mi.isDebug))

	default:
		mi.logger.Warn("unhandled system call",
			"tenant", mi.Name(), "number", nr)
		regs.RAX = enosys
	}

	m.SetRegisters(regs)
}

// syscallStorageCallV performs the vectored storage call:
// rdi=function, rsi=count, rdx=VirtBuffer array, rcx=result address,
// r8=result size.
func (mi *MachineInstance) syscallStorageCallV(m machine.Machine, regs machine.Registers) uint64 {
	n := regs.RSI
	if n > 64 {
		return ^uint64(0) // -1
	}
	raw := make([]byte, n*16)
	if err := m.CopyFromGuest(raw, regs.RDX); err != nil {
		return ^uint64(0)
	}
	buffers := make([]VirtBuffer, n)
	for i := range buffers {
		buffers[i].Addr = binary.LittleEndian.Uint64(raw[i*16:])
		buffers[i].Len = binary.LittleEndian.Uint64(raw[i*16+8:])
	}
	ret, err := mi.prog.storageCall(mi, regs.RDI, buffers, regs.RCX, regs.R8)
	if err != nil {
		mi.logger.Warn("storage call failed",
			"tenant", mi.Name(), "error", err)
		return ^uint64(0)
	}
	return uint64(ret)
}

// syscallStorageTask queues an async storage task:
// rdi=function, rsi=argument address, rdx=argument length.
func (mi *MachineInstance) syscallStorageTask(m machine.Machine, regs machine.Registers) uint64 {
	length := regs.RDX
	if length > 1<<20 {
		return ^uint64(0)
	}
	arg := make([]byte, length)
	if length > 0 {
		if err := m.CopyFromGuest(arg, regs.RSI); err != nil {
			return ^uint64(0)
		}
	}
	ret, err := mi.prog.storageTask(regs.RDI, arg)
	if err != nil {
		mi.logger.Warn("storage task rejected",
			"tenant", mi.Name(), "error", err)
		return ^uint64(0)
	}
	return uint64(ret)
}

// syscallMemInfo writes {max_mem, main_mem, req_mem} to rdi.
func (mi *MachineInstance) syscallMemInfo(m machine.Machine, regs machine.Registers) uint64 {
	g := &mi.tenant.Config.Group
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:], g.MaxAddressSpace)
	binary.LittleEndian.PutUint64(buf[8:], g.MaxMainMemory)
	binary.LittleEndian.PutUint64(buf[16:], g.MaxRequestMemory)
	if err := m.CopyToGuest(regs.RDI, buf); err != nil {
		return enosys
	}
	return 0
}
