package sandbox

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvmbox/kvmbox/internal/machine"
	"github.com/kvmbox/kvmbox/internal/tenant"
)

// TestWarmupMarksRequests verifies that every warmup iteration carries
// info_flags bit 0 and that real traffic afterwards does not.
func TestWarmupMarksRequests(t *testing.T) {
	f := newFakeFactory()
	var mu sync.Mutex
	var flags []uint16
	prog := &guestProgram{
		onBoot: func(fm *fakeMachine) {
			fm.guestSyscall(sysWaitForRequests, func(r *machine.Registers) {
				r.RDI = guestInputsDst
			})
		},
		onResume: func(fm *fakeMachine) {
			in := fm.peek(fm.regs.RDI, backendInputsSize)
			mu.Lock()
			flags = append(flags, getUint16(in[66:]))
			mu.Unlock()
			ct := "text/plain"
			fm.poke(guestCtypeAddr, []byte(ct))
			fm.guestSyscall(sysBackendResponse, func(r *machine.Registers) {
				r.RDI = 204
				r.RSI = guestCtypeAddr
				r.RDX = uint64(len(ct))
				r.RCX = 0
				r.R8 = 0
			})
		},
	}
	f.register('w', prog)

	ti, _ := newTestProgram(t, f, 'w', 0, func(cfg *tenant.Config) {
		cfg.Group.MaxConcurrency = 1
		cfg.Group.Warmup = &tenant.Warmup{
			URL:         "/warm",
			Method:      "GET",
			NumRequests: 3,
		}
	})

	mu.Lock()
	warmupCount := len(flags)
	for i, fl := range flags {
		assert.Equal(t, uint16(1), fl, "warmup request %d must be flagged", i)
	}
	mu.Unlock()
	require.GreaterOrEqual(t, warmupCount, 3, "warmup must have replayed")

	_, err := Dispatch(ti, &Request{Method: "GET", Path: "/real"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Greater(t, len(flags), warmupCount)
	assert.Equal(t, uint16(0), flags[len(flags)-1], "real traffic must not carry the warmup bit")
}

// TestColdStartSnapshot verifies the snapshot-on-first-reset flow.
func TestColdStartSnapshot(t *testing.T) {
	f := newFakeFactory()
	guest := &helloGuest{body: "snap"}
	f.register('h', guest.program())

	ti, prog := newTestProgram(t, f, 'h', 0, func(cfg *tenant.Config) {
		cfg.Group.MaxConcurrency = 1
		cfg.Group.ColdStartFile = t.TempDir() + "/cold.state"
	})

	mainFM := prog.mainVM.machine.(*fakeMachine)
	require.Equal(t, 1, mainFM.snapshotSaves, "post-init snapshot taken")
	require.True(t, prog.mainVM.storeStateOnReset)

	_, err := Dispatch(ti, &Request{Method: "GET", Path: "/"})
	require.NoError(t, err)

	assert.Equal(t, 2, mainFM.snapshotSaves, "first reset re-snapshots with accessed pages")
	assert.False(t, prog.mainVM.storeStateOnReset, "snapshot-on-reset fires once")

	_, err = Dispatch(ti, &Request{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, 2, mainFM.snapshotSaves)
}

// TestProgramStateRoundTrip checks the snapshot user area encoding of
// the entry table.
func TestProgramStateRoundTrip(t *testing.T) {
	f := newFakeFactory()
	guest := &helloGuest{body: "x"}
	f.register('h', guest.program())
	_, prog := newTestProgram(t, f, 'h', 0, nil)

	prog.setEntry(EntryOnGet, onGetAddr)
	prog.setEntry(EntryOnPost, onPostAddr)
	prog.setEntry(EntrySocketPauseResumeAPI, 0xBEEF)

	area := make([]byte, 64)
	prog.saveState(area)

	restored := &ProgramInstance{}
	require.NoError(t, restored.loadState(area))
	assert.Equal(t, uint64(onGetAddr), restored.entryAt(EntryOnGet))
	assert.Equal(t, uint64(onPostAddr), restored.entryAt(EntryOnPost))
	assert.Equal(t, uint64(0xBEEF), restored.entryAt(EntrySocketPauseResumeAPI))
	assert.Zero(t, restored.entryAt(EntryOnError))
}
