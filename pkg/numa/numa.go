// Package numa resolves the calling thread's NUMA node and pins worker
// threads to cores. The idle VM queues are partitioned per node to keep
// request memory traffic on-socket.
package numa

import (
	"os"
	"runtime"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MaxNodes bounds how many per-node queues a program keeps. Matches the
// queue array in the pool; nodes above it fold back with modulo.
const MaxNodes = 4

// CurrentNode returns the NUMA node of the calling thread, or 0 when
// the kernel cannot tell us.
func CurrentNode() int {
	var cpu, node uint32
	_, _, errno := unix.Syscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cpu)), uintptr(unsafe.Pointer(&node)), 0)
	if errno != 0 {
		return 0
	}
	return int(node) % MaxNodes
}

// NodeCount returns the number of online NUMA nodes, at least 1 and at
// most MaxNodes.
func NodeCount() int {
	// "0-1" or "0" on most systems; absent on non-NUMA kernels.
	data, err := os.ReadFile("/sys/devices/system/node/online")
	if err != nil {
		return 1
	}
	s := strings.TrimSpace(string(data))
	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		s = s[i+1:]
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 1
		}
		n = n*10 + int(c-'0')
	}
	if n+1 > MaxNodes {
		return MaxNodes
	}
	if n < 0 {
		return 1
	}
	return n + 1
}

// PinThread locks the calling goroutine to its OS thread and restricts
// that thread to the given CPU. Best effort: pinning failures are not
// fatal, the thread lock alone keeps the vCPU fd usable.
func PinThread(cpu int) {
	runtime.LockOSThread()
	if cpu < 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu % runtime.NumCPU())
	_ = unix.SchedSetaffinity(0, &set)
}
