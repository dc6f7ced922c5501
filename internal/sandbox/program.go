package sandbox

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kvmbox/kvmbox/internal/machine"
	"github.com/kvmbox/kvmbox/pkg/numa"
)

// Program entry indices registered by the guest via REGISTER_FUNC.
// The numbering is part of the guest ABI.
const (
	entryUnused = iota
	EntryOnGet
	EntryOnPost
	EntryOnMethod
	EntryOnStreamPost
	EntryOnError
	EntryLiveUpdateSerialize
	EntryLiveUpdateDeserialize

	EntrySocketPauseResumeAPI = 12
	entryTotal                = 13
)

// ProgramInstance is one loaded tenant program: a main VM, the request
// VMs forked from it, optional storage, and the per-NUMA-node idle
// queues. It is immutable once initialized; live updates build a new
// instance and swap the tenant's pointer.
type ProgramInstance struct {
	requestBinary *BinaryStorage

	mainVM  *MachineInstance
	vms     []*VMPoolItem
	storage *Storage

	queues []chan *VMPoolItem

	// storageWorker is the single-thread storage executor: program
	// initialization, storage calls and async tasks all run on it, in
	// FIFO order.
	storageWorker *worker

	// entries are the guest handler addresses. Written during boot,
	// read after initDone; no lock needed.
	entries [entryTotal]uint64

	stats  ProgramStats
	tenant *TenantInstance

	// inflight counts reservations; a retired program closes when the
	// last one returns its slot.
	inflight atomic.Int64
	retired  atomic.Bool

	initDone chan struct{}
	initErr  error

	closeOnce sync.Once
}

// NewProgramInstance starts loading a program from in-memory images.
// Initialization runs on the storage executor; callers gate on
// WaitForInitialization.
func NewProgramInstance(requestBin, storageBin *BinaryStorage, ten *TenantInstance, debug bool) *ProgramInstance {
	p := &ProgramInstance{
		requestBinary: requestBin,
		storageWorker: newWorker(-1),
		tenant:        ten,
		initDone:      make(chan struct{}),
	}
	nodes := numa.NodeCount()
	maxVMs := ten.Config.Group.MaxConcurrency
	if maxVMs < 1 {
		maxVMs = 1
	}
	p.queues = make([]chan *VMPoolItem, nodes)
	for i := range p.queues {
		p.queues[i] = make(chan *VMPoolItem, maxVMs)
	}
	if ten.Config.Group.HasStorage {
		if storageBin == nil || storageBin.Empty() {
			storageBin = requestBin
		}
		p.storage = newStorage(storageBin)
	}
	go func() {
		_ = p.storageWorker.call(func() error {
			p.beginInitialization(ten, debug)
			return nil
		})
	}()
	return p
}

// beginInitialization boots storage, boots and prepares the main VM,
// then forks the request concurrency. The first forked VM unblocks
// request serving; the rest fill in concurrently.
func (p *ProgramInstance) beginInitialization(ten *TenantInstance, debug bool) {
	err := p.doInitialization(ten, debug)
	if err != nil {
		ten.logger.Error("program failed initialization",
			"tenant", ten.Config.Name, "error", err)
		p.initErr = err
		p.mainVM = nil
		p.storage = nil
	}
	close(p.initDone)

	if err == nil {
		p.finishForking(ten)
	}
}

func (p *ProgramInstance) doInitialization(ten *TenantInstance, debug bool) error {
	cfg := ten.Config
	g := &cfg.Group
	maxVMs := g.MaxConcurrency
	if maxVMs < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1", ErrInvalidProgram)
	}
	t0 := time.Now()

	// Storage boots first: the request program may call into it
	// already during its own initialization.
	if p.storage != nil {
		sm, err := newMainMachineInstance(p.storage.binary, ten, p, true, debug)
		if err != nil {
			return fmt.Errorf("storage vm: %w", err)
		}
		p.storage.vms = append(p.storage.vms, sm)
		if _, err := sm.initialize(); err != nil {
			return fmt.Errorf("storage vm: %w", err)
		}
	}

	mainVM, err := newMainMachineInstance(p.requestBinary, ten, p, false, debug)
	if err != nil {
		return err
	}
	p.mainVM = mainVM

	if p.storage != nil {
		front := p.storage.frontStorage()
		// A non-zero storage gigapage means the two address spaces can
		// coexist, enabling the cross-VM remote connection.
		if front.machine.StartAddress()>>30 > 0 {
			if g.StoragePermRemote {
				err = mainVM.machine.PermanentRemoteConnect(front.machine)
			} else {
				err = mainVM.machine.RemoteConnect(front.machine)
			}
			if err != nil {
				return fmt.Errorf("storage remote connect: %w", err)
			}
			if g.StorageSerialized {
				front.machine.SetRemoteSerializer(&p.storage.serializer)
			}
		}
	}

	warmupTime, err := mainVM.initialize()
	if err != nil {
		return err
	}

	if g.Storage1To1 && p.storage != nil {
		front := p.storage.frontStorage()
		// Storage VMs in 1:1 mode also need to be forkable.
		if err := front.machine.PrepareCopyOnWrite(0, front.sharedMemoryBoundary()); err != nil {
			return fmt.Errorf("storage fork prepare: %w", err)
		}
		for i := 0; i < maxVMs; i++ {
			sv, err := forkMachineInstance(uint16(i), front, ten, p)
			if err != nil {
				return fmt.Errorf("storage fork %d: %w", i, err)
			}
			p.storage.vms = append(p.storage.vms, sv)
		}
	}

	// First forked VM, blocking: requests can be served the moment it
	// lands in the queue.
	first := newVMPoolItem(0, mainVM, ten, p)
	if err := <-first.taskErr; err != nil {
		return fmt.Errorf("fork vm 0: %w", err)
	}
	p.vms = append(p.vms, first)
	p.queues[0] <- first

	for i := 1; i < maxVMs; i++ {
		p.vms = append(p.vms, newVMPoolItem(i, mainVM, ten, p))
	}

	storageInfo := "no"
	if p.storage != nil {
		switch {
		case g.Storage1To1:
			storageInfo = fmt.Sprintf("%d", len(p.storage.vms)-1)
		case g.StorageSerialized:
			storageInfo = "serialized"
		default:
			storageInfo = "direct-remote"
		}
	}
	ten.logger.Info("program loaded",
		"tenant", cfg.Name,
		"binary_type", mainVM.binaryType.String(),
		"vms", maxVMs,
		"nodes", len(p.queues),
		"storage", storageInfo,
		"ephemeral", g.Ephemeral,
		"ready_ms", time.Since(t0).Milliseconds(),
		"warmup_ms", warmupTime.Milliseconds(),
	)
	return nil
}

// finishForking waits for the remaining request VMs and enqueues them
// as they come up. Failures are logged, not fatal: the program serves
// with whatever concurrency it reached.
func (p *ProgramInstance) finishForking(ten *TenantInstance) {
	var g errgroup.Group
	for _, slot := range p.vms[1:] {
		slot := slot
		g.Go(func() error {
			if err := <-slot.taskErr; err != nil {
				ten.logger.Error("failed to create request machine",
					"tenant", ten.Config.Name, "error", err)
				return nil
			}
			p.enqueue(slot)
			return nil
		})
	}
	_ = g.Wait()
}

// WaitForInitialization blocks until the program is ready (or failed).
func (p *ProgramInstance) WaitForInitialization() error {
	<-p.initDone
	if p.initErr != nil {
		return fmt.Errorf("%w: %v", ErrNotInitialized, p.initErr)
	}
	if p.mainVM == nil {
		return ErrNotInitialized
	}
	if !p.mainVM.waitingForRequests {
		return ErrNotWaiting
	}
	return nil
}

// entryAt returns a registered guest handler address, 0 if absent.
func (p *ProgramInstance) entryAt(idx int) uint64 {
	if idx < 0 || idx >= entryTotal {
		return 0
	}
	return p.entries[idx]
}

func (p *ProgramInstance) setEntry(idx int, addr uint64) {
	if idx >= 0 && idx < entryTotal {
		p.entries[idx] = addr
	}
}

// saveState serializes the entry table into a snapshot user area. The
// on-disk format keeps entries in 32 bits.
func (p *ProgramInstance) saveState(area []byte) {
	if len(area) < entryTotal*4 {
		slog.Warn("snapshot user area too small", "len", len(area))
		return
	}
	for i, addr := range p.entries {
		binary.LittleEndian.PutUint32(area[i*4:], uint32(addr))
	}
}

// loadState restores the entry table from a snapshot user area.
func (p *ProgramInstance) loadState(area []byte) error {
	if len(area) < entryTotal*4 {
		return fmt.Errorf("%w: snapshot state area too small", ErrInvalidProgram)
	}
	for i := range p.entries {
		p.entries[i] = uint64(binary.LittleEndian.Uint32(area[i*4:]))
	}
	return nil
}

// HasStorage reports whether a storage VM is configured.
func (p *ProgramInstance) HasStorage() bool { return p.storage != nil }

// Stats exposes the program counters.
func (p *ProgramInstance) Stats() *ProgramStats { return &p.stats }

// instanceForMachine resolves a machine back to its owning instance.
// Used at harvest time when a request VM emitted its response through
// a remote-connected storage VM.
func (p *ProgramInstance) instanceForMachine(m machine.Machine) *MachineInstance {
	if m == nil {
		return nil
	}
	if p.mainVM != nil && p.mainVM.machine == m {
		return p.mainVM
	}
	if p.storage != nil {
		for _, sv := range p.storage.vms {
			if sv.machine == m {
				return sv
			}
		}
	}
	for _, slot := range p.vms {
		if slot.mi != nil && slot.mi.machine == m {
			return slot.mi
		}
	}
	return nil
}

// retire marks the program as replaced. It closes immediately when no
// reservation is outstanding, otherwise the last returning slot does.
func (p *ProgramInstance) retire() {
	p.retired.Store(true)
	if p.inflight.Load() == 0 {
		go func() { _ = p.Close() }()
	}
}

// Close tears down every VM of the program. Requests already holding a
// reservation finish first because the queue drain happens on the same
// workers that run resets.
func (p *ProgramInstance) Close() error {
	var err error
	p.closeOnce.Do(func() {
		<-p.initDone
		for _, slot := range p.vms {
			// Waits for any in-flight fork or deferred reset.
			slot.tp.close()
			if slot.mi != nil {
				err = firstErr(err, slot.mi.Close())
			}
		}
		if p.storage != nil {
			for _, sv := range p.storage.vms {
				err = firstErr(err, sv.Close())
			}
		}
		if p.mainVM != nil {
			err = firstErr(err, p.mainVM.Close())
		}
		p.storageWorker.close()
	})
	return err
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
