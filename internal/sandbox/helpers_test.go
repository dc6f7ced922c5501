package sandbox

import (
	"log/slog"
	"testing"
	"time"

	"github.com/kvmbox/kvmbox/internal/machine"
	"github.com/kvmbox/kvmbox/internal/tenant"
)

// Guest-side addresses the scripted programs use.
const (
	guestInputsDst   = 0x50000000
	guestCtypeAddr   = 0x60000
	guestBodyAddr    = 0x61000
	guestScratchAddr = 0x62000
	guestDescAddr    = 0x63000
	guestResultAddr  = 0x64000
	guestTableAddr   = 0x9000

	onGetAddr       = 0x401000
	onPostAddr      = 0x401100
	serializeAddr   = 0x402000
	deserializeAddr = 0x402100
	storageFuncAddr = 0x500000
)

func testRuntime(f *fakeFactory) *Runtime {
	return &Runtime{
		Factory: f,
		Settings: Settings{
			Ephemeral:         true,
			LibraryPath:       "/tmp/libdrogon.so",
			SelfRequestPrefix: "http://127.0.0.1:8080",
		},
		Logger: slog.Default(),
	}
}

func testConfig(name string, mutate func(*tenant.Config)) *tenant.Config {
	g := tenant.NewGroup("compute")
	g.MaxConcurrency = 2
	g.MaxQueueTime = 0.5
	g.MaxReqTime = 2.0
	g.MaxBootTime = 2.0
	g.Ephemeral = true
	cfg := &tenant.Config{Name: name, Group: g}
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

// newTestProgram wires a tenant with a loaded, initialized program
// built from synthetic images.
func newTestProgram(t *testing.T, f *fakeFactory, reqMarker byte, storMarker byte, mutate func(*tenant.Config)) (*TenantInstance, *ProgramInstance) {
	t.Helper()
	cfg := testConfig("test.com", mutate)
	ti := NewTenantInstance(cfg, testRuntime(f))
	ti.startedInit = true

	reqBin := NewBinary(makeStaticELF(0x400000, reqMarker))
	var storBin *BinaryStorage
	if cfg.Group.HasStorage && storMarker != 0 {
		storBin = NewBinary(makeStaticELF(0x400000, storMarker))
	}
	prog := NewProgramInstance(reqBin, storBin, ti, false)
	ti.program.Store(prog)
	if err := prog.WaitForInitialization(); err != nil {
		t.Fatalf("program init: %v", err)
	}
	// Wait for the background forks: every slot ends up enqueued, and
	// the enqueue publishes the forked machine.
	deadline := time.Now().Add(2 * time.Second)
	for {
		queued := 0
		for _, q := range prog.queues {
			queued += len(q)
		}
		if queued == len(prog.vms) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request VM forks did not finish")
		}
		time.Sleep(time.Millisecond)
	}
	t.Cleanup(func() { _ = prog.Close() })
	return ti, prog
}

// helloGuest is an event-driven program answering every request with a
// fixed body. It captures the raw inputs struct of the last request.
type helloGuest struct {
	body       string
	lastInputs []byte
}

func (h *helloGuest) program() *guestProgram {
	return &guestProgram{
		onBoot: func(fm *fakeMachine) {
			// Park with the inputs destination in the argument register.
			fm.guestSyscall(sysWaitForRequests, func(r *machine.Registers) {
				r.RDI = guestInputsDst
			})
		},
		onResume: func(fm *fakeMachine) {
			h.lastInputs = fm.peek(fm.regs.RDI, backendInputsSize)
			ct := "text/plain"
			fm.poke(guestCtypeAddr, []byte(ct))
			fm.poke(guestBodyAddr, []byte(h.body))
			fm.guestSyscall(sysBackendResponse, func(r *machine.Registers) {
				r.RDI = 200
				r.RSI = guestCtypeAddr
				r.RDX = uint64(len(ct))
				r.RCX = guestBodyAddr
				r.R8 = uint64(len(h.body))
			})
		},
	}
}

// registerEntries builds the REGISTER_FUNC table in guest memory and
// issues the syscall.
func registerEntries(fm *fakeMachine, entries map[int]uint64) {
	table := make([]byte, entryTotal*8)
	for idx, addr := range entries {
		putUint64(table[idx*8:], addr)
	}
	fm.poke(guestTableAddr, table)
	fm.guestSyscall(sysRegisterFunc, func(r *machine.Registers) {
		r.RDI = guestTableAddr
	})
}

func putUint64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func getUint64(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}

func getUint16(buf []byte) uint16 {
	return uint16(buf[0]) | uint16(buf[1])<<8
}
