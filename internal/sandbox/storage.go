package sandbox

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Storage call protocol constants.
const (
	// storageCleanupTimeout bounds the post-return resume that lets
	// destructors in the storage callee run.
	storageCleanupTimeout = 1 * time.Second
	// asyncStorageTimeout bounds a queued storage task.
	asyncStorageTimeout = 10 * time.Second
	// storageDeserializeTimeout bounds the live-update restore run.
	storageDeserializeTimeout = 5 * time.Second
)

// VirtBuffer names one input buffer of a vectored storage call, in the
// calling VM's address space.
type VirtBuffer struct {
	Addr uint64
	Len  uint64
}

// Storage is the per-program storage surface: the storage VM(s), the
// allow-list of callable entry points, and the async task queue. All
// storage execution is serialized through the program's single-thread
// storage executor.
type Storage struct {
	binary *BinaryStorage

	// vms[0] is the front (main) storage VM; 1:1 mode appends one fork
	// per request VM.
	vms []*MachineInstance

	allowMu sync.Mutex
	allow   map[uint64]struct{}

	// asyncMu guards the task list; serializer is additionally taken by
	// direct remote execution when storage_serialized is on.
	asyncMu    sync.Mutex
	asyncTasks []<-chan error
	serializer sync.Mutex
}

func newStorage(binary *BinaryStorage) *Storage {
	return &Storage{binary: binary, allow: make(map[uint64]struct{})}
}

func (s *Storage) frontStorage() *MachineInstance { return s.vms[0] }

// vmAt returns the storage VM paired with a request VM id in 1:1 mode.
func (s *Storage) vmAt(reqid int) *MachineInstance {
	idx := reqid + 1
	if idx < 1 || idx >= len(s.vms) {
		return nil
	}
	return s.vms[idx]
}

func (s *Storage) allowFunction(addr uint64) {
	s.allowMu.Lock()
	defer s.allowMu.Unlock()
	s.allow[addr] = struct{}{}
}

func (s *Storage) isAllowed(addr uint64) bool {
	s.allowMu.Lock()
	defer s.allowMu.Unlock()
	_, ok := s.allow[addr]
	return ok
}

// storageCall executes a vectored call into the storage VM on behalf of
// a request VM: every input buffer is copied into the storage stack,
// the descriptor array rebuilt there, and the result copied back to the
// caller. Returns the logical result length (or storage's raw RSI when
// the caller passed no result buffer).
func (p *ProgramInstance) storageCall(src *MachineInstance, funcAddr uint64, buffers []VirtBuffer, resAddr, resSize uint64) (int64, error) {
	if p.storage == nil {
		return -1, ErrNoStorage
	}
	// Detect wrap-around.
	if resAddr+resSize < resAddr {
		return -1, fmt.Errorf("%w: result buffer wraps", ErrStorageProtocol)
	}
	if !p.storage.isAllowed(funcAddr) {
		return -1, ErrStorageDenied
	}

	var ret int64
	err := p.storageWorker.call(func() error {
		storageVM := p.storage.frontStorage()
		stm := storageVM.machine

		t0 := threadCPUTime()
		defer func() {
			storageVM.stats.RequestCPUTime += (threadCPUTime() - t0).Seconds()
		}()

		vaddr := stm.StackAddress()
		var totalInput uint64
		for i := range buffers {
			totalInput += buffers[i].Len
			vaddr -= buffers[i].Len
			vaddr &^= 0x7
			if err := stm.CopyFromMachine(vaddr, src.machine, buffers[i].Addr, buffers[i].Len); err != nil {
				return err
			}
			buffers[i].Addr = vaddr
		}

		// Descriptor array naming the copied buffers, below them.
		descSize := uint64(len(buffers)) * 16
		vaddr -= descSize
		bufAddr := vaddr
		desc := make([]byte, descSize)
		for i, b := range buffers {
			binary.LittleEndian.PutUint64(desc[i*16:], b.Addr)
			binary.LittleEndian.PutUint64(desc[i*16+8:], b.Len)
		}
		if err := stm.CopyToGuest(bufAddr, desc); err != nil {
			return err
		}
		newStack := vaddr &^ 0xF
		storageVM.stats.InputBytes += totalInput

		storageVM.beginCall()
		storageVM.stats.Invocations++

		timeout := storageVM.tenant.Config.MaxStorageTime()
		if err := stm.TimedVMCallStack(funcAddr, newStack, timeout,
			uint64(len(buffers)), bufAddr, resSize); err != nil {
			storageVM.stats.Exceptions++
			return err
		}

		resume := storageVM.responseCalled(2)
		noReturn := storageVM.responseCalled(3)
		if !resume && !noReturn {
			storageVM.stats.Exceptions++
			return ErrStorageProtocol
		}

		// Result buffer and length, capped to the caller's window.
		regs := stm.Registers()
		stResBuffer := regs.RDI
		stResSize := regs.RSI
		if stResSize > resSize {
			stResSize = resSize
		}
		if resAddr != 0 && stResBuffer != 0 {
			if err := src.machine.CopyFromMachine(resAddr, stm, stResBuffer, stResSize); err != nil {
				storageVM.stats.Exceptions++
				return err
			}
			storageVM.stats.OutputBytes += stResSize
		}

		// With no result buffer, RSI passes through verbatim: length
		// signaling without a copy.
		if resAddr != 0 {
			ret = int64(stResSize)
		} else {
			ret = int64(regs.RSI)
		}

		if resume {
			// Run the callee to completion so its cleanup runs.
			if err := stm.Run(storageCleanupTimeout); err != nil {
				storageVM.stats.Exceptions++
				return err
			}
		}
		return nil
	})
	if err != nil {
		return -1, err
	}
	return ret, nil
}

// storageTask queues an asynchronous storage invocation and returns
// immediately. At most one finished task is retained; older ones are
// reaped and their errors surfaced in the log.
func (p *ProgramInstance) storageTask(funcAddr uint64, argument []byte) (int64, error) {
	if p.storage == nil {
		return -1, ErrNoStorage
	}
	if !p.storage.isAllowed(funcAddr) {
		return -1, ErrStorageDenied
	}

	s := p.storage
	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()

	// Reap completed tasks, keeping at most the newest in flight.
	for len(s.asyncTasks) > 1 {
		if err := <-s.asyncTasks[0]; err != nil {
			p.tenant.logger.Warn("async storage task failed",
				"tenant", p.tenant.Config.Name, "error", err)
		}
		s.asyncTasks = s.asyncTasks[1:]
	}

	s.asyncTasks = append(s.asyncTasks, p.storageWorker.submit(func() error {
		// Storage tasks may arrive during boot; wait it out.
		<-p.initDone

		storageVM := s.frontStorage()
		stm := storageVM.machine

		storageVM.stats.Invocations++
		storageVM.stats.InputBytes += uint64(len(argument))
		t0 := threadCPUTime()
		defer func() {
			storageVM.stats.RequestCPUTime += (threadCPUTime() - t0).Seconds()
		}()

		rsp := stm.StackAddress()
		dataAddr, err := stm.StackPush(&rsp, argument)
		if err != nil {
			storageVM.stats.Exceptions++
			return err
		}
		if err := stm.TimedVMCallStack(funcAddr, rsp, asyncStorageTimeout,
			dataAddr, uint64(len(argument))); err != nil {
			storageVM.stats.Exceptions++
			return err
		}
		return nil
	}))
	return 0, nil
}

// stopStorageTasks drains the async queue.
func (p *ProgramInstance) stopStorageTasks() {
	if p.storage == nil {
		return
	}
	s := p.storage
	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()
	for len(s.asyncTasks) > 0 {
		if err := <-s.asyncTasks[0]; err != nil {
			p.tenant.logger.Warn("async storage task failed",
				"tenant", p.tenant.Config.Name, "error", err)
		}
		s.asyncTasks = s.asyncTasks[1:]
	}
}

// pendingStorageTasks reports the racy async queue depth for stats.
func (p *ProgramInstance) pendingStorageTasks() int {
	if p.storage == nil {
		return 0
	}
	return len(p.storage.asyncTasks)
}

// liveUpdateCall transfers serialized storage state from this program
// into a newly initialized one. Returns the number of bytes moved.
func (p *ProgramInstance) liveUpdateCall(serializeFunc uint64, newProg *ProgramInstance, deserializeFunc uint64) (int64, error) {
	timeout := p.tenant.Config.MaxStorageTime()

	var dataAddr, dataLen uint64
	err := p.storageWorker.call(func() error {
		old := p.storage.frontStorage().machine
		if err := old.TimedVMCall(serializeFunc, timeout); err != nil {
			return err
		}
		regs := old.Registers()
		dataAddr, dataLen = regs.RDI, regs.RSI
		if dataAddr+dataLen < dataAddr {
			return fmt.Errorf("%w: serialized state wraps", ErrStorageProtocol)
		}
		return nil
	})
	if err != nil {
		return -1, err
	}
	if dataAddr == 0 {
		return -1, fmt.Errorf("%w: nothing serialized", ErrStorageProtocol)
	}

	var transferred int64
	err = newProg.storageWorker.call(func() error {
		oldM := p.storage.frontStorage().machine
		newM := newProg.storage.frontStorage().machine

		if err := newM.TimedVMCall(deserializeFunc, timeout, dataLen); err != nil {
			return err
		}
		regs := newM.Registers()
		resData := regs.RDI
		resSize := regs.RSI
		if resSize > dataLen {
			resSize = dataLen
		}
		if resData == 0 {
			transferred = 0
			return nil
		}
		if err := newM.CopyFromMachine(resData, oldM, dataAddr, resSize); err != nil {
			return err
		}
		// Resume the new machine so it can unpack the bytes.
		if err := newM.Run(storageDeserializeTimeout); err != nil {
			return err
		}
		transferred = int64(resSize)
		return nil
	})
	if err != nil {
		return -1, err
	}
	return transferred, nil
}
