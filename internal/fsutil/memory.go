package fsutil

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

// AvailableMemory returns the memory available to new allocations in bytes.
func AvailableMemory() (int64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if !strings.HasPrefix(line, "MemAvailable:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return kb * 1024, nil
				}
			}
		}
	}

	// Free memory is a conservative stand-in when meminfo is unavailable.
	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	return int64(sysinfo.Freeram) * int64(sysinfo.Unit), nil
}
