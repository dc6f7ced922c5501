package tenant

import (
	"encoding/json"
	"strconv"
)

// Export renders a tenant back into its configuration-file form. The
// fields it writes parse back to equal values (modulo runtime
// overrides). Remappings, executable_heap, remote_debug_on_exception,
// the verbose flags and profiling are not exported.
func Export(c *Config) map[string]any {
	g := &c.Group
	// The object is self-contained: every exported group value is
	// inlined, so it parses without the group it came from.
	obj := map[string]any{
		"max_boot_time":    g.MaxBootTime,
		"max_request_time": g.MaxReqTime,
		"max_storage_time": g.MaxStorageTime,
		"max_queue_time":   g.MaxQueueTime,

		"max_memory":         g.MaxMainMemory / MiB,
		"max_storage_memory": g.MaxStorageMemory / MiB,
		"address_space":      g.MaxAddressSpace / MiB,
		"max_request_memory": g.MaxRequestMemory / MiB,
		"shared_memory":      g.SharedMemory / MiB,

		"concurrency": g.MaxConcurrency,

		"ephemeral": g.Ephemeral,
		"storage":   g.HasStorage,

		"hugepages":             g.Hugepages,
		"transparent_hugepages": g.TransparentHugepages,
		"split_hugepages":       g.SplitHugepages,
	}
	if g.LimitReqMemAfterReset != 0 {
		obj["req_mem_limit_after_reset"] = g.LimitReqMemAfterReset / MiB
	}
	if g.EphemeralKeepWorkingMemory {
		obj["ephemeral_keep_working_memory"] = true
	}
	if g.ControlEphemeral {
		obj["control_ephemeral"] = true
	}
	if g.Storage1To1 {
		if g.StoragePermRemote {
			obj["storage_1_to_1"] = "permanent"
		} else {
			obj["storage_1_to_1"] = true
		}
	}
	if g.StorageSerialized {
		obj["storage_serialized"] = true
	}
	if g.HugepageArenaSize != 0 {
		obj["hugepage_arena_size"] = g.HugepageArenaSize / MiB
	}
	if g.HugepageReqArenaSize != 0 {
		obj["request_hugepages"] = g.HugepageReqArenaSize / MiB
	}
	if g.ColdStartFile != "" {
		obj["cold_start_file"] = g.ColdStartFile
	}
	if g.DylinkAddressHint != 0 {
		obj["dylink_address_hint"] = hexAddr(g.DylinkAddressHint)
	}
	if g.StorageDylinkAddressHint != 0 {
		obj["storage_dylink_address_hint"] = hexAddr(g.StorageDylinkAddressHint)
	}
	if g.HeapAddressHint != 0 {
		obj["heap_address_hint"] = g.HeapAddressHint / MiB
	}
	if g.MaxSMP != 0 {
		obj["smp"] = g.MaxSMP
	}
	if g.DoubleBuffered {
		obj["double_buffered"] = true
	}
	if len(g.MainArguments) > 0 {
		obj["main_arguments"] = g.MainArguments
	}
	if len(g.StorageArguments) > 0 {
		obj["storage_arguments"] = g.StorageArguments
	}
	if len(g.Environment) > 0 {
		obj["environment"] = g.Environment
	}
	if len(g.AllowedPaths) > 0 {
		obj["allowed_paths"] = g.AllowedPaths
	}
	if g.WorkingDirectory != "" {
		obj["current_working_directory"] = g.WorkingDirectory
	}
	if g.Warmup != nil {
		obj["warmup"] = g.Warmup
	}
	if g.AllowDebug {
		obj["allow_debug"] = true
	}
	if g.PrintStdout {
		obj["stdout"] = true
	}
	if c.Filename != "" {
		obj["filename"] = c.Filename
	}
	if c.StorageFilename != "" {
		obj["storage_filename"] = c.StorageFilename
	}
	if c.Key != "" {
		obj["key"] = c.Key
	}
	if c.URI != "" {
		obj["uri"] = c.URI
	}
	if c.Start != nil {
		obj["start"] = *c.Start
	}
	return obj
}

// ExportJSON is Export marshaled into a configuration document with a
// single tenant entry.
func ExportJSON(c *Config) ([]byte, error) {
	return json.MarshalIndent(map[string]any{c.Name: Export(c)}, "", "  ")
}

func hexAddr(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
