// Package tenant holds tenant and group configuration: the settings a
// deployment file assigns to each named program. The sandbox engine
// consumes a fully-populated Config; parsing lives here so the engine
// never touches raw JSON.
package tenant

import (
	"runtime"
	"time"
)

const MiB = 1 << 20

// GuestStateFile is the virtual filename guests open to reach their
// per-tenant writable state file.
const GuestStateFile = "state"

// AllowedPath maps a guest-visible path to a host path.
type AllowedPath struct {
	Real     string `json:"real"`
	Virtual  string `json:"virtual"`
	Writable bool   `json:"writable"`
	Symlink  bool   `json:"symlink"`
	Prefix   bool   `json:"prefix"`
}

// Remapping is a fixed guest address region requested by configuration.
type Remapping struct {
	Virt       uint64 `json:"virt"`
	Size       uint64 `json:"size"`
	Writable   bool   `json:"writable"`
	Executable bool   `json:"executable"`
	Blackout   bool   `json:"blackout"`
}

// Warmup describes the synthetic request replayed during program
// initialization.
type Warmup struct {
	URL         string   `json:"url"`
	Method      string   `json:"method"`
	Headers     []string `json:"headers"`
	NumRequests int      `json:"num_requests"`
}

// Group is a set of tunables shared by many tenants. A tenant carries
// its own copy, so tenant-level keys can override group-level ones
// without affecting siblings.
type Group struct {
	Name string

	// Deadlines, in seconds.
	MaxBootTime    float64
	MaxReqTime     float64
	MaxStorageTime float64
	MaxQueueTime   float64

	// Guest memory limits, in bytes.
	MaxMainMemory    uint64
	MaxRequestMemory uint64
	MaxAddressSpace  uint64
	MaxStorageMemory uint64
	SharedMemory     uint64
	// LimitReqMemAfterReset caps how much request working memory a VM
	// keeps after a completed request.
	LimitReqMemAfterReset uint64

	MaxConcurrency int
	DoubleBuffered bool
	MaxSMP         int

	// Reset policy.
	Ephemeral                  bool
	EphemeralKeepWorkingMemory bool
	ControlEphemeral           bool

	// Storage VM topology.
	HasStorage        bool
	Storage1To1       bool
	StoragePermRemote bool
	StorageSerialized bool

	// Page policy.
	Hugepages            bool
	TransparentHugepages bool
	SplitHugepages       bool
	HugepageArenaSize    uint64
	HugepageReqArenaSize uint64

	// Address layout hints.
	DylinkAddressHint        uint64
	StorageDylinkAddressHint uint64
	HeapAddressHint          uint64

	ColdStartFile string

	AllowedPaths      []AllowedPath
	Environment       []string
	MainArguments     []string
	StorageArguments  []string
	VMemRemappings    []Remapping
	StorageRemappings []Remapping
	ExecutableHeap    bool

	WorkingDirectory string

	Warmup *Warmup

	AllowDebug             bool
	RemoteDebugOnException bool
	PrintStdout            bool
	Verbose                bool
	VerboseSyscalls        bool
	VerbosePagetables      bool
	ProfilingInterval      int
}

// NewGroup returns a group with the stock defaults.
func NewGroup(name string) Group {
	return Group{
		Name:             name,
		MaxBootTime:      16.0,
		MaxReqTime:       8.0,
		MaxStorageTime:   3.0,
		MaxQueueTime:     1.0,
		MaxMainMemory:    1024 * MiB,
		MaxRequestMemory: 128 * MiB,
		MaxAddressSpace:  4096 * MiB,
		MaxStorageMemory: 1024 * MiB,
		MaxConcurrency:   runtime.NumCPU(),
		Ephemeral:        true,
	}
}

// Config is one tenant: a named program deployment.
type Config struct {
	Name            string
	Filename        string
	StorageFilename string
	// Key authenticates live updates. Empty key disables them.
	Key string
	// URI fetches the program remotely at startup.
	URI string
	// Start forces initialization at load time.
	Start *bool

	Group Group
}

// AllowedFile is the host path backing the guest's "state" file.
func (c *Config) AllowedFile() string {
	return c.Filename + ".state"
}

// RequestProgramFilename is the on-disk location of the request
// program, used for caching remote fetches and dynamic-link rewrites.
func (c *Config) RequestProgramFilename() string { return c.Filename }

// StorageProgramFilename is the on-disk location of the storage
// program, when one is configured separately.
func (c *Config) StorageProgramFilename() string { return c.StorageFilename }

// MaxBootTime et al return deadlines as durations. Debug sessions get
// an effectively unbounded request deadline.
func (c *Config) MaxBootTime() time.Duration { return secs(c.Group.MaxBootTime) }

func (c *Config) MaxReqTime(debug bool) time.Duration {
	if debug {
		return time.Hour
	}
	return secs(c.Group.MaxReqTime)
}

func (c *Config) MaxStorageTime() time.Duration { return secs(c.Group.MaxStorageTime) }
func (c *Config) MaxQueueTime() time.Duration   { return secs(c.Group.MaxQueueTime) }

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
