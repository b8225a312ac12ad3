package process

import (
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
	"strings"

	"github.com/randomizedcoder/go-autorun/internal/decode"
)

// TasklistProbe queries the Windows process list with tasklist.exe.
type TasklistProbe struct {
	binary string
}

// NewTasklistProbe returns a probe backed by tasklist.
func NewTasklistProbe() *TasklistProbe {
	return &TasklistProbe{binary: "tasklist"}
}

// Backend returns "tasklist".
func (p *TasklistProbe) Backend() string { return "tasklist" }

// Running runs `tasklist /FI "IMAGENAME eq name" /FO CSV /NH`.
func (p *TasklistProbe) Running(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	cmd := exec.CommandContext(ctx, p.binary, "/FI", "IMAGENAME eq "+name, "/FO", "CSV", "/NH")
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("tasklist %q: %w", name, err)
	}
	// tasklist writes in the console code page.
	return parseTasklist(decode.Decode(out), name), nil
}

// parseTasklist reports whether CSV output from tasklist lists name.
// The "no tasks" notice is not CSV and never matches.
func parseTasklist(output, name string) bool {
	r := csv.NewReader(strings.NewReader(output))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	for {
		record, err := r.Read()
		if err != nil {
			return false
		}
		if len(record) < 2 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(record[0]), name) {
			return true
		}
	}
}

var _ Probe = (*TasklistProbe)(nil)
