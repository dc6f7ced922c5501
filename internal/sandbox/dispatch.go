package sandbox

import (
	"errors"
	"time"

	"github.com/kvmbox/kvmbox/internal/machine"
)

// Request is the HTTP input handed to the dispatcher by the front end.
type Request struct {
	Method      string
	Path        string
	Query       string
	ContentType string
	Headers     map[string]string
	Body        []byte
}

// Response is what the guest produced.
type Response struct {
	Status      uint16
	ContentType string
	Body        []byte
}

const (
	// eventLoopCatchupTimeout bounds the run that brings a non-waiting
	// event-driven VM back to its request loop.
	eventLoopCatchupTimeout = 1 * time.Second
	// remoteDriveTimeout bounds the remote-return drive before a stuck
	// connection escalates to a full reset.
	remoteDriveTimeout = 5 * time.Second
	// maxResponseContentType caps the harvested content-type string.
	maxResponseContentType = 64 << 10
)

// Dispatch serves one request on the given tenant: reserve a VM,
// marshal the inputs, resume, harvest the response, release. All
// failures come back as *DispatchError and the VM-pool invariants are
// restored before returning.
func Dispatch(ten *TenantInstance, req *Request) (*Response, error) {
	prog, derr := ten.ref(false)
	if derr != nil {
		return nil, derr
	}

	resv, err := prog.reserveVM(ten)
	if err != nil {
		var de *DispatchError
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, dispatchErr(KindInternal, ten.Config.Name, err)
	}
	defer resv.Release()

	return dispatchReserved(ten, prog, resv, req)
}

// PinnedSlot keeps a reservation alive across requests for a front-end
// worker that owns its VM ("no reservations" mode). A request for a
// different tenant releases the pin and acquires a fresh one.
type PinnedSlot struct {
	resv *Reservation
	ten  *TenantInstance
}

// DispatchPinned is Dispatch with a caller-owned slot. The pin is only
// released on tenant mismatch or dispatch failure.
func DispatchPinned(ten *TenantInstance, req *Request, pin *PinnedSlot) (*Response, error) {
	if pin.resv != nil && pin.ten != ten {
		pin.resv.Release()
		pin.resv = nil
	}
	if pin.resv == nil {
		prog, derr := ten.ref(false)
		if derr != nil {
			return nil, derr
		}
		resv, err := prog.reserveVM(ten)
		if err != nil {
			return nil, err
		}
		pin.resv = resv
		pin.ten = ten
	}

	slot := pin.resv.slot
	resp, err := dispatchReserved(ten, slot.progRef, pin.resv, req)
	if err != nil {
		// The release in the failure path already happened.
		pin.resv = nil
		return nil, err
	}
	// The slot stays pinned: reset in place instead of re-enqueueing.
	_ = slot.tp.call(func() error {
		slot.mi.tailReset()
		return slot.mi.resetTo(slot.mi.prog.mainVM)
	})
	return resp, nil
}

// Release frees a pinned slot.
func (p *PinnedSlot) Release() {
	if p.resv != nil {
		p.resv.Release()
		p.resv = nil
	}
}

func dispatchReserved(ten *TenantInstance, prog *ProgramInstance, resv *Reservation, req *Request) (*Response, error) {
	inst := resv.Machine()
	name := ten.Config.Name

	fail := func(kind ErrorKind, err error) (*Response, error) {
		inst.stats.Exceptions++
		if machine.IsTimeout(err) {
			kind = KindTimeout
			inst.stats.Timeouts++
		} else if machine.IsFault(err) {
			kind = KindGuestFault
			inst.printBacktrace()
		}
		ten.logger.Error("vm exception",
			"tenant", name, "vm", inst.requestID, "kind", kind.String(), "error", err)
		// Back to a known good state on the next reset.
		inst.resetNeededNow()
		resv.Release()
		return nil, dispatchErr(kind, name, err)
	}

	// The guest handler runs on the slot's bound worker.
	err := resv.slot.tp.call(func() error {
		return handleRequest(inst, req, ten.Config.Group.Ephemeral, false)
	})
	if err != nil {
		return fail(KindInternal, err)
	}

	// Harvest. A remote-connected VM that resumed its storage VM
	// emitted the response over there; use its registers and memory.
	respInst := inst
	if inst.machine.IsRemoteConnected() {
		if ri := prog.instanceForMachine(inst.machine.Remote()); ri != nil {
			respInst = ri
			prog.stats.VMRemoteCalls++
		}
	}

	if !respInst.responseCalled(1) {
		return fail(KindContractViolation, ErrResponseNotSet)
	}

	regs := respInst.machine.Registers()
	status := uint16(regs.RDI)
	ctype, err := respInst.machine.BufferToString(regs.RSI, regs.RDX&0xFFFF, maxResponseContentType)
	if err != nil {
		return fail(KindGuestFault, err)
	}
	body := make([]byte, regs.R8)
	if regs.R8 > 0 {
		if err := respInst.machine.CopyFromGuest(body, regs.RCX); err != nil {
			return fail(KindGuestFault, err)
		}
	}
	inst.stats.countStatus(status)
	inst.stats.OutputBytes += uint64(len(body))

	// Drive a still-connected remote through its return path before
	// the slot resets; a stuck connection forces the full reset.
	if inst.machine.IsRemoteConnected() {
		_ = resv.slot.tp.call(func() error {
			return inst.machine.TimedVMCall(machine.RemoteReturnAddress, remoteDriveTimeout)
		})
		if inst.machine.IsRemoteConnected() {
			ten.logger.Warn("remote connection stuck, forcing reset",
				"tenant", name, "vm", inst.requestID)
			inst.resetNeededNow()
		}
	}

	return &Response{Status: status, ContentType: ctype, Body: body}, nil
}

// handleRequest invokes the guest: registered GET/POST handlers are
// called directly, everything else goes through the event-driven
// BackendInputs path. Runs on the slot's worker thread.
func handleRequest(inst *MachineInstance, req *Request, ephemeral, warmup bool) error {
	m := inst.machine
	t0 := threadCPUTime()
	defer func() {
		inst.stats.RequestCPUTime += (threadCPUTime() - t0).Seconds()
	}()

	inst.stats.Invocations++
	inst.beginCall()

	timeout := inst.tenant.Config.MaxReqTime(inst.isDebug)

	switch {
	case req.Method == "GET" && inst.prog.entryAt(EntryOnGet) != 0:
		sp := m.StackAddress()
		urlAddr, err := m.StackPush(&sp, append([]byte(req.Path), 0))
		if err != nil {
			return err
		}
		argAddr, err := m.StackPush(&sp, []byte{0})
		if err != nil {
			return err
		}
		return m.TimedVMCallStack(inst.prog.entryAt(EntryOnGet), sp, timeout, urlAddr, argAddr)

	case req.Method == "POST" && inst.prog.entryAt(EntryOnPost) != 0:
		gaddr, err := inst.allocatePostData(uint64(len(req.Body)))
		if err != nil {
			return err
		}
		if err := m.CopyToGuest(gaddr, req.Body); err != nil {
			return err
		}
		inst.stats.InputBytes += uint64(len(req.Body))

		sp := m.StackAddress()
		urlAddr, err := m.StackPush(&sp, append([]byte(req.Path), 0))
		if err != nil {
			return err
		}
		argAddr, err := m.StackPush(&sp, []byte{0})
		if err != nil {
			return err
		}
		ctAddr, err := m.StackPush(&sp, append([]byte(req.ContentType), 0))
		if err != nil {
			return err
		}
		return m.TimedVMCallStack(inst.prog.entryAt(EntryOnPost), sp, timeout,
			urlAddr, argAddr, ctAddr, gaddr, uint64(len(req.Body)))

	default:
		// Event-driven program: feed a BackendInputs struct and resume
		// the VM at its request loop.
		if !ephemeral && !inst.waitingForRequests {
			// Run until it halts again; it must be back at the loop.
			if err := m.Run(eventLoopCatchupTimeout); err != nil {
				return err
			}
			if !inst.waitingForRequests {
				return ErrNotWaiting
			}
		}

		if inst.inputsAllocation == 0 {
			base, err := m.MmapAllocate(backendInputsArena)
			if err != nil {
				return err
			}
			inst.inputsAllocation = base + backendInputsArena
		}
		sp := inst.inputsAllocation

		var in backendInputs
		if err := fillBackendInputs(inst, &sp, req, &in); err != nil {
			return err
		}
		if err := fillBackendHeaders(inst, &sp, req, &in); err != nil {
			return err
		}
		if warmup {
			in.infoFlags = 1
		} else {
			in.infoFlags = 0
		}
		in.prng[0], in.prng[1] = inst.randDraw()

		// The guest parked with the inputs address in the request ABI
		// argument register.
		regs := m.Registers()
		if err := m.CopyToGuest(regs.RDI, in.marshal()); err != nil {
			return err
		}

		if err := m.VMResume(timeout); err != nil {
			return err
		}
		if !ephemeral {
			// Skip the trap instruction again so the VM can be resumed
			// for the next request.
			regs = m.Registers()
			regs.RIP += 2
			m.SetRegisters(regs)
			inst.waitingForRequests = false
		}
		return nil
	}
}
