//go:build !windows

package preflight

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// minFileDescriptors covers pipes of one task, log files, the metrics
// server and the history database.
const minFileDescriptors = 64

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors() Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	actual := int(limit.Cur)
	if limit.Cur > 1<<30 {
		actual = 1 << 30
	}
	return Check{
		Name:     "file_descriptors",
		Required: minFileDescriptors,
		Actual:   actual,
		Passed:   actual >= minFileDescriptors,
		Message:  fmt.Sprintf("ulimit -n %d", actual),
	}
}
