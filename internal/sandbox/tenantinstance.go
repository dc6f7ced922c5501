package sandbox

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/kvmbox/kvmbox/internal/fetch"
	"github.com/kvmbox/kvmbox/internal/machine"
	"github.com/kvmbox/kvmbox/internal/tenant"
)

// Settings are the host-process options handed down from main. No
// process-wide mutable state: every component receives them explicitly.
type Settings struct {
	Reservations   bool
	Ephemeral      bool
	DoubleBuffered bool
	Profiling      bool
	Verbose        bool
	DebugBoot      bool
	DebugPrefork   bool

	// LibraryPath backs the guest's "./libdrogon.so" open.
	LibraryPath string
	// SelfRequestPrefix turns guest fetches of absolute paths into
	// requests against our own front end.
	SelfRequestPrefix string
}

// Runtime bundles the capabilities a tenant needs to build programs.
type Runtime struct {
	Factory  machine.Factory
	Settings Settings
	Logger   *slog.Logger

	// Artifacts records loaded program images; optional.
	Artifacts ArtifactRecorder
}

// ArtifactRecorder is implemented by the artifact index. Recording is
// best effort everywhere it is called.
type ArtifactRecorder interface {
	RecordArtifact(tenantName, digest, source string, size int64) error
}

// TenantInstance is the hot-swappable pointer to the current program
// of one tenant. Swapping the pointer is the live-update primitive;
// in-flight requests keep the old program alive through their slot
// references.
type TenantInstance struct {
	Config  *tenant.Config
	runtime *Runtime
	logger  *slog.Logger

	program      atomic.Pointer[ProgramInstance]
	debugProgram atomic.Pointer[ProgramInstance]

	startedInit bool
	initMu      sync.Mutex
}

// NewTenantInstance creates the tenant shell; the program loads on
// first use or eagerly via BeginInitialize.
func NewTenantInstance(cfg *tenant.Config, rt *Runtime) *TenantInstance {
	logger := rt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantInstance{
		Config:  cfg,
		runtime: rt,
		logger:  logger.With("tenant", cfg.Name),
	}
}

// Program returns the current program, possibly nil.
func (t *TenantInstance) Program() *ProgramInstance { return t.program.Load() }

// BeginInitialize starts loading the tenant's program from its
// configured source. Repeated calls warn and do nothing.
func (t *TenantInstance) BeginInitialize() {
	if t.startedInit {
		t.logger.Warn("program has already been initialized")
		return
	}
	t.startedInit = true

	cfg := t.Config

	// Remote program: conditional fetch against the cached file.
	if cfg.URI != "" {
		res, err := fetch.Program(cfg.URI, cfg.RequestProgramFilename())
		if err != nil {
			t.handleInitError(err)
			return
		}
		reqBin := NewBinary(res.Body)
		var storageBin *BinaryStorage
		if cfg.Group.HasStorage {
			storageBin = t.loadStorageBinary(reqBin)
		}
		t.recordArtifact(reqBin, cfg.URI)
		t.program.Store(NewProgramInstance(reqBin, storageBin, t, false))
		return
	}

	if cfg.Filename == "" {
		t.logger.Warn("no filename specified, send new program")
		return
	}
	if _, err := os.Stat(cfg.Filename); err != nil {
		t.logger.Warn("missing program or invalid path, send new program",
			"filename", cfg.Filename)
		return
	}

	reqBin, err := MapBinary(cfg.RequestProgramFilename())
	if err != nil {
		t.handleInitError(err)
		return
	}
	var storageBin *BinaryStorage
	if cfg.Group.HasStorage {
		storageBin = t.loadStorageBinary(reqBin)
	}
	t.recordArtifact(reqBin, cfg.Filename)
	t.program.Store(NewProgramInstance(reqBin, storageBin, t, false))
}

// loadStorageBinary prefers a dedicated storage program file and falls
// back to the request image.
func (t *TenantInstance) loadStorageBinary(reqBin *BinaryStorage) *BinaryStorage {
	path := t.Config.StorageProgramFilename()
	if path == "" {
		return reqBin
	}
	if _, err := os.Stat(path); err != nil {
		return reqBin
	}
	bin, err := MapBinary(path)
	if err != nil {
		t.logger.Warn("storage program unreadable, using request program",
			"filename", path, "error", err)
		return reqBin
	}
	return bin
}

func (t *TenantInstance) recordArtifact(bin *BinaryStorage, source string) {
	if t.runtime.Artifacts == nil {
		return
	}
	err := t.runtime.Artifacts.RecordArtifact(
		t.Config.Name, bin.Digest().String(), source, int64(bin.Len()))
	if err != nil {
		t.logger.Warn("artifact record failed", "error", err)
	}
}

func (t *TenantInstance) handleInitError(err error) {
	t.logger.Error("exception when creating machine", "error", err)
	t.program.Store(nil)
}

// WaitForInitialization blocks until the current program is usable.
func (t *TenantInstance) WaitForInitialization() (*ProgramInstance, error) {
	prog := t.program.Load()
	if prog == nil {
		return nil, ErrNoProgram
	}
	if err := prog.WaitForInitialization(); err != nil {
		return nil, err
	}
	return prog, nil
}

// ref snapshots the current program, lazily initializing it on first
// use. Failures map onto the init error kind.
func (t *TenantInstance) ref(debug bool) (*ProgramInstance, *DispatchError) {
	var prog *ProgramInstance
	if debug {
		prog = t.debugProgram.Load()
	} else {
		prog = t.program.Load()
	}
	if prog == nil {
		if debug {
			return nil, dispatchErr(KindInit, t.Config.Name, ErrNoProgram)
		}
		t.initMu.Lock()
		if !t.startedInit {
			t.BeginInitialize()
		}
		prog = t.program.Load()
		t.initMu.Unlock()
		if prog == nil {
			return nil, dispatchErr(KindInit, t.Config.Name, ErrNoProgram)
		}
	}
	if err := prog.WaitForInitialization(); err != nil {
		return nil, dispatchErr(KindInit, t.Config.Name, err)
	}
	return prog, nil
}

// ReloadProgramLive unloads the current program; the next request
// reinitializes it. Storage state is carried over when possible.
func (t *TenantInstance) ReloadProgramLive(debug bool) {
	var old *ProgramInstance
	if debug {
		old = t.debugProgram.Swap(nil)
	} else {
		old = t.program.Swap(nil)
	}
	t.initMu.Lock()
	t.startedInit = false
	t.initMu.Unlock()

	if old == nil || !old.HasStorage() {
		return
	}
	if newProg, derr := t.ref(debug); derr == nil {
		t.serializeStorageState(old, newProg)
	}
}

// serializeStorageState transfers live storage state from an old
// program to its replacement, when both sides registered the transfer
// entry points.
func (t *TenantInstance) serializeStorageState(old, next *ProgramInstance) {
	serialize := old.entryAt(EntryLiveUpdateSerialize)
	if serialize == 0 {
		t.logger.Info("live-update skipped (old program lacks serializer)")
		return
	}
	deserialize := next.entryAt(EntryLiveUpdateDeserialize)
	if deserialize == 0 {
		t.logger.Info("live-update deserialization skipped (new program lacks restorer)")
		return
	}
	t.logger.Info("live-update serialization will be performed")
	n, err := old.liveUpdateCall(serialize, next, deserialize)
	if err != nil {
		t.logger.Warn("live-update transfer failed", "error", err)
		return
	}
	t.logger.Info("live-update transferred", "bytes", n)
	next.stats.LiveUpdateTransferBytes = uint64(n)
}

// commitProgramLive swaps in a freshly initialized program, carrying
// storage state and the live-update counter across.
func (t *TenantInstance) commitProgramLive(next *ProgramInstance, debug bool) {
	var current *ProgramInstance
	if debug {
		current = t.debugProgram.Load()
	} else {
		current = t.program.Load()
	}
	if current != nil {
		if current.HasStorage() && next.HasStorage() {
			t.serializeStorageState(current, next)
		}
		next.stats.LiveUpdates = current.stats.LiveUpdates + 1
	} else {
		next.stats.LiveUpdates = 1
	}
	if debug {
		t.debugProgram.Store(next)
	} else {
		t.program.Store(next)
	}
}

// Close releases the tenant's programs.
func (t *TenantInstance) Close() error {
	var err error
	if p := t.program.Swap(nil); p != nil {
		err = p.Close()
	}
	if p := t.debugProgram.Swap(nil); p != nil {
		err = firstErr(err, p.Close())
	}
	return err
}
