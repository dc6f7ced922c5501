package sandbox

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/kvmbox/kvmbox/pkg/numa"
)

// VMPoolItem is one slot of the request-VM pool: a forked machine plus
// the single-thread worker it is bound to. A slot is owned by exactly
// one party at a time: the idle queue, a dispatcher, or its worker
// while resetting.
type VMPoolItem struct {
	mi *MachineInstance
	tp *worker

	// progRef pins the program alive while the slot is reserved. It is
	// moved back before the slot is re-enqueued, so a swapped-out
	// program is collectable as soon as its last request completes.
	progRef *ProgramInstance

	// taskErr is the future of the fork (or deferred reset) running on
	// the worker.
	taskErr <-chan error
}

// newVMPoolItem spawns the slot's worker pinned to one core and forks
// the request VM on it, without waiting for the fork to finish.
func newVMPoolItem(reqid int, mainVM *MachineInstance, ten *TenantInstance, prog *ProgramInstance) *VMPoolItem {
	slot := &VMPoolItem{tp: newWorker(reqid % runtime.NumCPU())}
	slot.taskErr = slot.tp.submit(func() error {
		mi, err := forkMachineInstance(uint16(reqid), mainVM, ten, prog)
		if err != nil {
			return err
		}
		slot.mi = mi
		return nil
	})
	return slot
}

// reset restores the VM for the next request and returns the slot to
// the idle queue. Runs on the slot's worker.
func (s *VMPoolItem) reset() error {
	mi := s.mi
	mi.tailReset()

	if err := mi.resetTo(mi.prog.mainVM); err != nil {
		// Leave resetNeeded set so the next cycle retries a full reset.
		mi.resetNeededNow()
		slog.Error("vm reset failed", "tenant", mi.Name(), "vm", mi.requestID, "error", err)
	}

	// Drop the program reference before re-enqueueing; waiters keep the
	// program referenced through the queue themselves.
	ref := s.progRef
	s.progRef = nil
	ref.enqueue(s)
	if ref.inflight.Add(-1) == 0 && ref.retired.Load() {
		go func() { _ = ref.Close() }()
	}
	return nil
}

// Reservation is the guard returned by reserveVM. Releasing it resets
// the VM and re-enqueues the slot, exactly once.
type Reservation struct {
	slot     *VMPoolItem
	deferred bool
	released bool
}

// Machine returns the reserved machine instance.
func (r *Reservation) Machine() *MachineInstance { return r.slot.mi }

// Release frees the slot: deferred mode queues the reset on the slot's
// worker and returns immediately, otherwise it waits for it.
func (r *Reservation) Release() {
	if r.released {
		return
	}
	r.released = true
	if r.deferred {
		r.slot.taskErr = r.slot.tp.submit(r.slot.reset)
	} else {
		_ = r.slot.tp.call(r.slot.reset)
	}
}

// reserveVM dequeues an idle slot from the current NUMA node's queue,
// bounded by the tenant's queue timeout.
func (p *ProgramInstance) reserveVM(ten *TenantInstance) (*Reservation, error) {
	// Count ourselves in before touching the queue, so a concurrent
	// retire either sees us or we see it.
	p.inflight.Add(1)
	if p.retired.Load() {
		if p.inflight.Add(-1) == 0 {
			go func() { _ = p.Close() }()
		}
		return nil, dispatchErr(KindInit, ten.Config.Name, ErrNoProgram)
	}

	tmo := ten.Config.MaxQueueTime()
	node := numa.CurrentNode() % len(p.queues)

	var slot *VMPoolItem
	t0 := time.Now()
	select {
	case slot = <-p.queues[node]:
	default:
		timer := time.NewTimer(tmo)
		defer timer.Stop()
		select {
		case slot = <-p.queues[node]:
		case <-timer.C:
			p.stats.ReservationTimeouts++ // racy, but uncontended
			if p.inflight.Add(-1) == 0 && p.retired.Load() {
				go func() { _ = p.Close() }()
			}
			return nil, dispatchErr(KindReservationTimeout, ten.Config.Name, ErrQueueTimeout)
		}
	}
	slot.mi.stats.ReservationTime += time.Since(t0).Seconds()

	// Self-reference that keeps the program alive for the duration.
	slot.progRef = p

	return &Reservation{slot: slot, deferred: ten.Config.Group.DoubleBuffered}, nil
}

// enqueue returns a slot to the idle queue of the current node.
func (p *ProgramInstance) enqueue(slot *VMPoolItem) {
	node := numa.CurrentNode() % len(p.queues)
	select {
	case p.queues[node] <- slot:
	default:
		// Queues are sized for every VM of the program; overflow means
		// the node changed under us. Fall back to node 0, blocking.
		p.queues[0] <- slot
	}
}
