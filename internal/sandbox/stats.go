package sandbox

// MachineStats are the per-VM counters. They are written without locks
// from the VM's own worker and read racily by the stats endpoint;
// aggregation is a best-effort snapshot.
type MachineStats struct {
	Invocations uint64 `json:"invocations"`
	Resets      uint64 `json:"resets"`
	FullResets  uint64 `json:"full_resets"`
	Exceptions  uint64 `json:"exceptions"`
	Timeouts    uint64 `json:"timeouts"`

	ReservationTime float64 `json:"reservation_time"`
	VMResetTime     float64 `json:"reset_time"`
	RequestCPUTime  float64 `json:"request_cpu_time"`
	ErrorCPUTime    float64 `json:"exception_cpu_time"`

	InputBytes  uint64 `json:"input_bytes"`
	OutputBytes uint64 `json:"output_bytes"`

	Status2xx     uint64 `json:"status_2xx"`
	Status3xx     uint64 `json:"status_3xx"`
	Status4xx     uint64 `json:"status_4xx"`
	Status5xx     uint64 `json:"status_5xx"`
	StatusUnknown uint64 `json:"status_unknown"`
}

func (s *MachineStats) add(o *MachineStats) {
	s.Invocations += o.Invocations
	s.Resets += o.Resets
	s.FullResets += o.FullResets
	s.Exceptions += o.Exceptions
	s.Timeouts += o.Timeouts
	s.ReservationTime += o.ReservationTime
	s.VMResetTime += o.VMResetTime
	s.RequestCPUTime += o.RequestCPUTime
	s.ErrorCPUTime += o.ErrorCPUTime
	s.InputBytes += o.InputBytes
	s.OutputBytes += o.OutputBytes
	s.Status2xx += o.Status2xx
	s.Status3xx += o.Status3xx
	s.Status4xx += o.Status4xx
	s.Status5xx += o.Status5xx
	s.StatusUnknown += o.StatusUnknown
}

// countStatus buckets a response status code.
func (s *MachineStats) countStatus(status uint16) {
	switch {
	case status >= 200 && status < 300:
		s.Status2xx++
	case status < 200:
		s.StatusUnknown++
	case status < 400:
		s.Status3xx++
	case status < 500:
		s.Status4xx++
	case status < 600:
		s.Status5xx++
	default:
		s.StatusUnknown++
	}
}

// ProgramStats are the per-program counters.
type ProgramStats struct {
	LiveUpdates             uint64 `json:"live_updates"`
	LiveUpdateTransferBytes uint64 `json:"live_update_transfer_bytes"`
	ReservationTimeouts     uint64 `json:"reservation_timeouts"`
	VMRemoteCalls           uint64 `json:"vm_remote_calls"`
}
