package tenant

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// Runtime carries the host-process overrides applied on top of the
// configuration file (CLI flags, mostly).
type Runtime struct {
	Ephemeral      bool
	Concurrency    int
	DoubleBuffered bool
	Profiling      bool
	Verbose        bool
	DefaultTenant  string
}

// ParseResult is the outcome of loading a configuration file.
type ParseResult struct {
	Tenants       []*Config
	DefaultTenant string
}

// ParseFile loads a JSON-with-comments configuration file.
func ParseFile(path string, rt Runtime) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	res, err := Parse(data, rt)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return res, nil
}

// Parse loads tenants from configuration bytes. Top-level keys are
// either groups (shared defaults) or tenants; an entry is a tenant when
// it has at least one of "group", "filename", "uri". Tenant-level keys
// override the keys of the group it names.
func Parse(data []byte, rt Runtime) (*ParseResult, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &root); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// The 'compute' group always exists.
	groups := map[string]Group{"compute": NewGroup("compute")}

	// First pass: groups.
	for name, raw := range root {
		obj, err := rawObject(raw)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", name, err)
		}
		if isTenant(obj) {
			continue
		}
		group, ok := groups[name]
		if !ok {
			group = NewGroup(name)
		}
		if err := applyKeys(&group, obj); err != nil {
			return nil, fmt.Errorf("group %q: %w", name, err)
		}
		groups[name] = group
	}

	res := &ParseResult{DefaultTenant: rt.DefaultTenant}

	// Second pass: tenants.
	for name, raw := range root {
		obj, err := rawObject(raw)
		if err != nil {
			return nil, err
		}
		if !isTenant(obj) {
			continue
		}
		groupName := "compute"
		if g, ok := obj["group"]; ok {
			if err := json.Unmarshal(g, &groupName); err != nil {
				return nil, fmt.Errorf("tenant %q: group: %w", name, err)
			}
		}
		group, ok := groups[groupName]
		if !ok {
			return nil, fmt.Errorf("tenant %q: %w: %q", name, ErrUnknownGroup, groupName)
		}
		// The tenant gets its own copy of the group, then overrides.
		if err := applyKeys(&group, obj); err != nil {
			return nil, fmt.Errorf("tenant %q: %w", name, err)
		}
		applyRuntime(&group, rt)

		cfg := &Config{Name: name, Group: group}
		if err := decodeOptional(obj, "filename", &cfg.Filename); err != nil {
			return nil, fmt.Errorf("tenant %q: %w", name, err)
		}
		cfg.Filename = expandVars(cfg.Filename)
		if err := decodeOptional(obj, "storage_filename", &cfg.StorageFilename); err != nil {
			return nil, fmt.Errorf("tenant %q: %w", name, err)
		}
		cfg.StorageFilename = expandVars(cfg.StorageFilename)
		if err := decodeOptional(obj, "key", &cfg.Key); err != nil {
			return nil, fmt.Errorf("tenant %q: %w", name, err)
		}
		if err := decodeOptional(obj, "uri", &cfg.URI); err != nil {
			return nil, fmt.Errorf("tenant %q: %w", name, err)
		}
		if cfg.Filename == "" && cfg.URI == "" {
			return nil, fmt.Errorf("tenant %q: %w", name, ErrUnreachableProgram)
		}
		if raw, ok := obj["default"]; ok {
			var def bool
			if err := json.Unmarshal(raw, &def); err == nil && def {
				res.DefaultTenant = name
			}
		}
		if raw, ok := obj["start"]; ok {
			var start bool
			if err := json.Unmarshal(raw, &start); err == nil {
				cfg.Start = &start
			}
		}
		res.Tenants = append(res.Tenants, cfg)
	}
	return res, nil
}

func isTenant(obj map[string]json.RawMessage) bool {
	for _, k := range []string{"group", "filename", "uri"} {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

func rawObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAnObject, err)
	}
	return obj, nil
}

func decodeOptional(obj map[string]json.RawMessage, key string, dst any) error {
	raw, ok := obj[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func applyRuntime(g *Group, rt Runtime) {
	if rt.Concurrency > 0 {
		g.MaxConcurrency = rt.Concurrency
	}
	if g.MaxConcurrency <= 0 {
		g.MaxConcurrency = runtime.NumCPU()
	}
	if rt.DoubleBuffered {
		g.DoubleBuffered = true
	}
	if g.DoubleBuffered {
		g.MaxConcurrency *= 2
	}
	if !rt.Ephemeral {
		g.Ephemeral = false
	}
	if rt.Verbose {
		g.Verbose = true
		g.VerboseSyscalls = true
	}
	if rt.Profiling && g.ProfilingInterval == 0 {
		g.ProfilingInterval = 1000
	}
}

// expandVars substitutes $HOME and $PWD in path-valued strings.
func expandVars(s string) string {
	if i := strings.Index(s, "$HOME"); i >= 0 {
		if home, err := os.UserHomeDir(); err == nil {
			s = s[:i] + home + s[i+5:]
		}
	}
	if i := strings.Index(s, "$PWD"); i >= 0 {
		if pwd, err := os.Getwd(); err == nil {
			s = s[:i] + pwd + s[i+4:]
		}
	}
	return s
}

// applyKeys folds one configuration object into a group. Every key is
// optional and may appear at either group or tenant level.
func applyKeys(g *Group, obj map[string]json.RawMessage) error {
	// Keys are applied in sorted order so that dependent keys settle
	// deterministically (ephemeral before ephemeral_keep_working_memory,
	// max_memory before shared_memory).
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		raw := obj[key]
		if err := applyKey(g, key, raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func applyKey(g *Group, key string, raw json.RawMessage) error {
	switch key {
	case "max_boot_time":
		return json.Unmarshal(raw, &g.MaxBootTime)
	case "max_request_time":
		return json.Unmarshal(raw, &g.MaxReqTime)
	case "max_storage_time":
		return json.Unmarshal(raw, &g.MaxStorageTime)
	case "max_queue_time":
		return json.Unmarshal(raw, &g.MaxQueueTime)
	case "max_memory":
		return mebibytes(raw, &g.MaxMainMemory)
	case "max_storage_memory", "storage_memory":
		return mebibytes(raw, &g.MaxStorageMemory)
	case "address_space":
		return mebibytes(raw, &g.MaxAddressSpace)
	case "max_request_memory":
		return mebibytes(raw, &g.MaxRequestMemory)
	case "req_mem_limit_after_reset":
		return mebibytes(raw, &g.LimitReqMemAfterReset)
	case "shared_memory":
		if err := mebibytes(raw, &g.SharedMemory); err != nil {
			return err
		}
		if g.SharedMemory > g.MaxMainMemory/2 {
			return fmt.Errorf("%w: shared memory larger than half of main memory", ErrInvalidValue)
		}
		return nil
	case "cold_start_file":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		g.ColdStartFile = expandVars(s)
		return nil
	case "dylink_address_hint":
		return addressHint(raw, &g.DylinkAddressHint)
	case "storage_dylink_address_hint":
		return addressHint(raw, &g.StorageDylinkAddressHint)
	case "heap_address_hint":
		return mebibytes(raw, &g.HeapAddressHint)
	case "concurrency":
		return json.Unmarshal(raw, &g.MaxConcurrency)
	case "double_buffered":
		return json.Unmarshal(raw, &g.DoubleBuffered)
	case "storage":
		return json.Unmarshal(raw, &g.HasStorage)
	case "storage_1_to_1":
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "permanent" {
				return fmt.Errorf("%w: storage_1_to_1 must be a boolean or \"permanent\"", ErrInvalidValue)
			}
			g.Storage1To1 = true
			g.StoragePermRemote = true
			return nil
		}
		return json.Unmarshal(raw, &g.Storage1To1)
	case "storage_serialized":
		return json.Unmarshal(raw, &g.StorageSerialized)
	case "hugepages":
		return json.Unmarshal(raw, &g.Hugepages)
	case "hugepage_arena_size":
		if err := mebibytes(raw, &g.HugepageArenaSize); err != nil {
			return err
		}
		if err := checkArena(g.HugepageArenaSize); err != nil {
			return err
		}
		g.Hugepages = g.HugepageArenaSize != 0
		return nil
	case "request_hugepages", "request_hugepage_arena_size":
		if err := mebibytes(raw, &g.HugepageReqArenaSize); err != nil {
			return err
		}
		return checkArena(g.HugepageReqArenaSize)
	case "split_hugepages":
		return json.Unmarshal(raw, &g.SplitHugepages)
	case "transparent_hugepages":
		return json.Unmarshal(raw, &g.TransparentHugepages)
	case "stdout":
		return json.Unmarshal(raw, &g.PrintStdout)
	case "smp":
		if err := json.Unmarshal(raw, &g.MaxSMP); err != nil {
			return err
		}
		if g.MaxSMP > 16 {
			g.MaxSMP = 16
		}
		return nil
	case "allow_debug":
		return json.Unmarshal(raw, &g.AllowDebug)
	case "remote_debug_on_exception":
		return json.Unmarshal(raw, &g.RemoteDebugOnException)
	case "control_ephemeral":
		return json.Unmarshal(raw, &g.ControlEphemeral)
	case "ephemeral":
		return json.Unmarshal(raw, &g.Ephemeral)
	case "ephemeral_keep_working_memory":
		var keep bool
		if err := json.Unmarshal(raw, &keep); err != nil {
			return err
		}
		g.Ephemeral = g.Ephemeral || keep
		g.EphemeralKeepWorkingMemory = keep
		return nil
	case "main_arguments":
		return stringList(raw, &g.MainArguments)
	case "storage_arguments":
		return stringList(raw, &g.StorageArguments)
	case "environment":
		var env []string
		if err := stringList(raw, &env); err != nil {
			return err
		}
		g.Environment = append(g.Environment, env...)
		return nil
	case "remapping", "executable_remapping", "blackout_area":
		return applyRemappings(g, key, raw)
	case "executable_heap":
		return json.Unmarshal(raw, &g.ExecutableHeap)
	case "allowed_paths":
		return applyAllowedPaths(g, raw)
	case "current_working_directory":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		g.WorkingDirectory = expandVars(s)
		return nil
	case "verbose":
		return json.Unmarshal(raw, &g.Verbose)
	case "verbose_syscalls":
		return json.Unmarshal(raw, &g.VerboseSyscalls)
	case "verbose_pagetables":
		return json.Unmarshal(raw, &g.VerbosePagetables)
	case "profiling":
		var enabled bool
		if err := json.Unmarshal(raw, &enabled); err == nil {
			if enabled {
				g.ProfilingInterval = 1000
			} else {
				g.ProfilingInterval = 0
			}
			return nil
		}
		return json.Unmarshal(raw, &g.ProfilingInterval)
	case "warmup":
		w := &Warmup{NumRequests: 20}
		if err := json.Unmarshal(raw, w); err != nil {
			return err
		}
		if w.NumRequests <= 0 {
			w.NumRequests = 20
		}
		g.Warmup = w
		return nil
	case "server", "websocket_server":
		// Guest network daemons are outside this build.
		return nil
	case "group", "key", "uri", "filename", "storage_filename", "default", "start":
		// Tenant-level identity keys, handled by the caller.
		return nil
	default:
		slog.Warn("unknown configuration key", "group", g.Name, "key", key)
		return nil
	}
}

func checkArena(size uint64) error {
	if size == 0 {
		return nil
	}
	if size < 2*MiB {
		return fmt.Errorf("%w: hugepage arena must be at least 2MB", ErrInvalidValue)
	}
	if size > 512*1024*MiB {
		return fmt.Errorf("%w: hugepage arena must be less than 512GB", ErrInvalidValue)
	}
	if size%(2*MiB) != 0 {
		return fmt.Errorf("%w: hugepage arena must be a multiple of 2MB", ErrInvalidValue)
	}
	return nil
}

// mebibytes decodes a number-of-MiB value into bytes.
func mebibytes(raw json.RawMessage, dst *uint64) error {
	var mib uint64
	if err := json.Unmarshal(raw, &mib); err != nil {
		return err
	}
	*dst = mib * MiB
	return nil
}

// addressHint decodes either a hex string address or a number of MiB.
func addressHint(raw json.RawMessage, dst *uint64) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimPrefix(s, "0x")
		v, err := strconv.ParseUint(s, 16, 64)
		if err != nil {
			return fmt.Errorf("%w: address hint %q", ErrInvalidValue, s)
		}
		*dst = v
		return nil
	}
	return mebibytes(raw, dst)
}

func stringList(raw json.RawMessage, dst *[]string) error {
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return err
	}
	for i := range list {
		list[i] = expandVars(list[i])
	}
	*dst = list
	return nil
}

// applyRemappings accepts either one [address, size] pair or an object
// of named pairs. The address is a hex string; the size is either MiB
// as a number or an end address as a hex string.
func applyRemappings(g *Group, key string, raw json.RawMessage) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err == nil {
		return addRemapping(g, key, pair)
	}
	var many map[string][]json.RawMessage
	if err := json.Unmarshal(raw, &many); err != nil {
		return fmt.Errorf("%w: remapping must be a [address, size] pair or an object of pairs", ErrInvalidValue)
	}
	for _, pair := range many {
		if err := addRemapping(g, key, pair); err != nil {
			return err
		}
	}
	return nil
}

func addRemapping(g *Group, key string, pair []json.RawMessage) error {
	if len(pair) < 2 {
		return fmt.Errorf("%w: remapping needs an address and a size", ErrInvalidValue)
	}
	var addrStr string
	if err := json.Unmarshal(pair[0], &addrStr); err != nil {
		return err
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(addrStr, "0x"), 16, 64)
	if err != nil || addr < 0x20000 {
		return fmt.Errorf("%w: remapping address %q", ErrInvalidValue, addrStr)
	}
	var size uint64
	var endStr string
	if err := json.Unmarshal(pair[1], &endStr); err == nil {
		end, err := strconv.ParseUint(strings.TrimPrefix(endStr, "0x"), 16, 64)
		if err != nil || end < addr {
			return fmt.Errorf("%w: remapping end %q", ErrInvalidValue, endStr)
		}
		size = end - addr
	} else {
		var mib uint64
		if err := json.Unmarshal(pair[1], &mib); err != nil {
			return err
		}
		size = mib * MiB
	}
	isStorage := false
	if len(pair) > 2 {
		var kind string
		if err := json.Unmarshal(pair[2], &kind); err == nil && kind == "storage" {
			isStorage = true
		}
	}
	rm := Remapping{
		Virt:       addr,
		Size:       size,
		Writable:   true,
		Executable: key == "executable_remapping",
		Blackout:   key == "blackout_area",
	}
	if isStorage {
		g.StorageRemappings = append(g.StorageRemappings, rm)
	} else {
		g.VMemRemappings = append(g.VMemRemappings, rm)
	}
	return nil
}

// applyAllowedPaths accepts strings (1:1 mapping) or objects with
// real/virtual/writable/symlink/prefix keys.
func applyAllowedPaths(g *Group, raw json.RawMessage) error {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("%w: allowed_paths must be an array", ErrInvalidValue)
	}
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			s = expandVars(s)
			g.AllowedPaths = append(g.AllowedPaths, AllowedPath{Real: s, Virtual: s})
			continue
		}
		var p AllowedPath
		if err := json.Unmarshal(item, &p); err != nil {
			return fmt.Errorf("allowed path: %w", err)
		}
		if p.Real == "" {
			return fmt.Errorf("%w: allowed path needs a real path", ErrInvalidValue)
		}
		p.Real = expandVars(p.Real)
		if p.Virtual == "" {
			p.Virtual = p.Real
		}
		if p.Symlink && p.Real == p.Virtual {
			return fmt.Errorf("%w: symlink must have different real and virtual paths", ErrInvalidValue)
		}
		g.AllowedPaths = append(g.AllowedPaths, p)
	}
	return nil
}
