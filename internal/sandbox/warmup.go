package sandbox

import (
	"strings"
	"time"
)

// warmupHardCapFactor bounds the total warmup iterations to this
// multiple of num_requests, regardless of measured improvement.
const warmupHardCapFactor = 10

// warmup replays the configured synthetic request against the main VM
// before it is forked, faulting in hot pages and JIT state. Best
// effort: failures are logged, never fatal. The guest contract marks
// these requests (info_flags bit 0) so they stay externally invisible.
func (mi *MachineInstance) warmup() {
	w := mi.tenant.Config.Group.Warmup
	if w == nil || w.Method == "" || w.NumRequests <= 0 {
		return
	}

	req := &Request{
		Method:  "GET",
		Path:    w.URL,
		Headers: map[string]string{"User-Agent": "kvmbox/1.0"},
	}
	for _, header := range w.Headers {
		name, value, ok := strings.Cut(header, ":")
		if !ok || strings.TrimSpace(value) == "" {
			mi.logger.Warn("invalid warmup header", "tenant", mi.Name(), "header", header)
			return
		}
		req.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	mi.isWarmingUp = true
	defer func() { mi.isWarmingUp = false }()

	// Keep the fastest observed CPU time; stop once a full window of
	// iterations brought no improvement.
	best := time.Duration(1<<63 - 1)
	noImprove := 0
	for i := 0; i < w.NumRequests*warmupHardCapFactor; i++ {
		t0 := threadCPUTime()
		err := handleRequest(mi, req, false, true)
		elapsed := threadCPUTime() - t0
		if err != nil {
			mi.logger.Warn("warmup failed", "tenant", mi.Name(), "error", err)
			return
		}
		if elapsed < best {
			best = elapsed
			noImprove = 0
		} else {
			noImprove++
		}
		if noImprove >= w.NumRequests {
			break
		}
	}

	// Run the VM until it halts again; it must be back at its loop.
	if !mi.waitingForRequests {
		if err := mi.machine.Run(eventLoopCatchupTimeout); err != nil {
			mi.logger.Warn("warmup settle failed", "tenant", mi.Name(), "error", err)
			return
		}
		if !mi.waitingForRequests {
			mi.logger.Warn("vm did not wait for requests after warmup", "tenant", mi.Name())
			return
		}
		regs := mi.machine.Registers()
		regs.RIP += 2
		mi.machine.SetRegisters(regs)
	}
}
