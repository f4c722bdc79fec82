package sampler

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// processNetBytes sums received+transmitted bytes across every
// interface visible to pid, read from /proc/<pid>/net/dev. For
// container-kind units (their own network namespace) this is a true
// per-unit figure; for plain process-kind units sharing the host's
// network namespace it coincides with the system-wide total, since
// Linux has no per-process network accounting outside of namespace
// isolation or cgroup net_cls/eBPF instrumentation. Returns an error
// if pid's proc entry is unreadable (already exited, no permission).
func processNetBytes(pid int) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/net/dev", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total uint64
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= 2 {
			continue // header lines
		}
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		fields := strings.Fields(parts[1])
		if len(fields) < 9 {
			continue
		}
		rxBytes, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		txBytes, err := strconv.ParseUint(fields[8], 10, 64)
		if err != nil {
			continue
		}
		total += rxBytes + txBytes
	}
	return total, scanner.Err()
}
