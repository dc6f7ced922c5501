package sandbox

import (
	"fmt"
	"strings"

	"github.com/kvmbox/kvmbox/pkg/fsutil"
)

// LiveUpdateParams carry a new program image pushed by the tenant.
type LiveUpdateParams struct {
	Binary  []byte
	IsDebug bool
}

// LiveUpdateResult reports the outcome back to the uploader.
type LiveUpdateResult struct {
	Message string
	Success bool
}

// LiveUpdate replaces the tenant's program with a freshly uploaded
// image: initialize the new program, transfer storage state, swap the
// pointer, persist to disk. In-flight requests finish on the old
// program.
func (t *TenantInstance) LiveUpdate(params *LiveUpdateParams) LiveUpdateResult {
	if len(params.Binary) == 0 {
		return LiveUpdateResult{Message: "Empty file received", Success: false}
	}

	bin := NewBinary(params.Binary)
	next := NewProgramInstance(bin, bin, t, params.IsDebug)
	if err := next.WaitForInitialization(); err != nil {
		next.Close()
		return LiveUpdateResult{Message: err.Error(), Success: false}
	}

	old := t.program.Load()
	if params.IsDebug {
		old = t.debugProgram.Load()
	}
	t.commitProgramLive(next, params.IsDebug)
	if old != nil {
		// In-flight requests hold slot references into the old program;
		// its VMs die when the last one returns.
		old.retire()
	}

	t.recordArtifact(bin, "live-update")

	// Debug binaries and unset filenames are never persisted.
	filename := t.Config.RequestProgramFilename()
	if params.IsDebug || filename == "" {
		return LiveUpdateResult{Message: "Update successful (not stored)\n", Success: true}
	}
	if !strings.HasPrefix(filename, "/") || strings.Contains(filename, "://") {
		// Relative path or URI: a success, but nothing to store to.
		return LiveUpdateResult{Message: "Update successful (not stored)\n", Success: true}
	}
	if err := fsutil.WriteFileAtomic(filename, params.Binary, 0o644); err != nil {
		return LiveUpdateResult{
			Message: fmt.Sprintf("Update successful, but could not persist to '%s'", filename),
			Success: true,
		}
	}
	return LiveUpdateResult{Message: "Update successful (stored)\n", Success: true}
}
