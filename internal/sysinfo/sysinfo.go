// Package sysinfo produces the best-effort host snapshot reported to
// clients at connect time and printed in the serve banner.
package sysinfo

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/ppiankov/fsh/internal/protocol"
)

// Snapshot probes the host. Probe failures degrade to zero values; this
// never returns an error.
func Snapshot() protocol.HostInfo {
	info := protocol.HostInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
		CPUs: runtime.NumCPU(),
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryMB = vm.Total / (1 << 20)
	}
	if avg, err := load.Avg(); err == nil {
		info.Load1 = avg.Load1
	}
	return info
}
