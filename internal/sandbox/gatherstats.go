package sandbox

import "encoding/json"

// GatherStats snapshots every tenant's counters into the stats JSON
// document. Counters are written without locks; the snapshot is best
// effort by design.
func (ts *Tenants) GatherStats() ([]byte, error) {
	root := make(map[string]any)
	ts.Foreach(func(ti *TenantInstance) {
		if obj := ti.gatherStats(); obj != nil {
			root[ti.Config.Name] = obj
		}
	})
	return json.Marshal(root)
}

func (t *TenantInstance) gatherStats() map[string]any {
	prog := t.program.Load()
	if prog == nil {
		return nil
	}
	if err := prog.WaitForInitialization(); err != nil {
		return nil
	}

	obj := make(map[string]any)

	if prog.storage != nil {
		storageMachines := make([]map[string]any, 0, len(prog.storage.vms))
		var storageTotals MachineStats
		for _, sv := range prog.storage.vms {
			storageMachines = append(storageMachines, machineStats(sv))
			snapshot := sv.stats
			storageTotals.add(&snapshot)
		}
		obj["storage"] = map[string]any{
			"machines":         storageMachines,
			"totals":           storageTotals,
			"tasks_inschedule": prog.pendingStorageTasks(),
		}
	}

	machines := make([]map[string]any, 0, len(prog.vms))
	var totals MachineStats
	for _, slot := range prog.vms {
		if slot.mi == nil {
			continue
		}
		machines = append(machines, machineStats(slot.mi))
		snapshot := slot.mi.stats
		totals.add(&snapshot)
	}
	obj["request"] = map[string]any{
		"machines": machines,
		"totals": map[string]any{
			"invocations":        totals.Invocations,
			"resets":             totals.Resets,
			"full_resets":        totals.FullResets,
			"exceptions":         totals.Exceptions,
			"timeouts":           totals.Timeouts,
			"reservation_time":   totals.ReservationTime,
			"reset_time":         totals.VMResetTime,
			"request_cpu_time":   totals.RequestCPUTime,
			"exception_cpu_time": totals.ErrorCPUTime,
			"input_bytes":        totals.InputBytes,
			"output_bytes":       totals.OutputBytes,
			"status_2xx":         totals.Status2xx,
			"status_3xx":         totals.Status3xx,
			"status_4xx":         totals.Status4xx,
			"status_5xx":         totals.Status5xx,
			"status_unknown":     totals.StatusUnknown,
			"vm_remote_calls":    prog.stats.VMRemoteCalls,
			"num_machines":       len(machines),
		},
	}

	obj["program"] = map[string]any{
		"binary_type": prog.mainVM.binaryType.String(),
		"binary_size": prog.requestBinary.Len(),
		"entry_points": map[string]any{
			"on_get":                  prog.entryAt(EntryOnGet),
			"on_post":                 prog.entryAt(EntryOnPost),
			"on_method":               prog.entryAt(EntryOnMethod),
			"on_stream":               prog.entryAt(EntryOnStreamPost),
			"on_error":                prog.entryAt(EntryOnError),
			"live_update_serialize":   prog.entryAt(EntryLiveUpdateSerialize),
			"live_update_deserialize": prog.entryAt(EntryLiveUpdateDeserialize),
			"socket_pause_resume_api": prog.entryAt(EntrySocketPauseResumeAPI),
		},
		"live_updates":               prog.stats.LiveUpdates,
		"live_update_transfer_bytes": prog.stats.LiveUpdateTransferBytes,
		"reservation_time":           totals.ReservationTime,
		"reservation_timeouts":       prog.stats.ReservationTimeouts,
	}
	return obj
}

func machineStats(mi *MachineInstance) map[string]any {
	g := &mi.tenant.Config.Group
	snapshot := mi.stats
	data, _ := json.Marshal(snapshot)
	obj := make(map[string]any)
	_ = json.Unmarshal(data, &obj)
	obj["vm_address_space"] = g.MaxAddressSpace
	obj["vm_main_memory"] = g.MaxMainMemory
	return obj
}
