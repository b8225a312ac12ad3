package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/randomizedcoder/go-autorun/internal/task"
)

// Catalogue is a loaded task catalogue. It is read-only once parsed.
type Catalogue struct {
	// Path is the file the catalogue was loaded from, if any.
	Path string

	AutoRun     bool
	Schedule    string
	MaxLogFiles int
	LogLevel    string

	order []string
	specs map[string]task.Spec
}

// Task returns the spec for key, enabled or not.
func (c *Catalogue) Task(key string) (task.Spec, bool) {
	s, ok := c.specs[key]
	return s, ok
}

// Enabled returns the enabled specs in catalogue order.
func (c *Catalogue) Enabled() []task.Spec {
	out := make([]task.Spec, 0, len(c.order))
	for _, key := range c.order {
		if s := c.specs[key]; s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Keys returns every task key in catalogue order.
func (c *Catalogue) Keys() []string {
	return append([]string(nil), c.order...)
}

// Len returns the number of tasks.
func (c *Catalogue) Len() int { return len(c.order) }

// LoadCatalogue reads a catalogue file. The format follows the extension:
// ".toml" is TOML, anything else JSON.
func LoadCatalogue(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalogue %s: %w", path, err)
	}
	format := "json"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	c, err := ParseCatalogue(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Path = path
	return c, nil
}

// rawEntry is one task table before coercion.
type rawEntry struct {
	key    string
	fields map[string]any
}

// ParseCatalogue parses catalogue data in the given format ("json" or
// "toml"). Tasks live under "tasks" or, in older files, "games". An
// "order" list puts the named keys first; the rest follow in file order
// for JSON and key order for TOML.
func ParseCatalogue(data []byte, format string) (*Catalogue, error) {
	var (
		top     map[string]any
		entries []rawEntry
		err     error
	)
	switch strings.ToLower(format) {
	case "json", "":
		top, entries, err = parseJSON(data)
	case "toml":
		top, entries, err = parseTOML(data)
	default:
		return nil, fmt.Errorf("unknown catalogue format %q", format)
	}
	if err != nil {
		return nil, err
	}

	c := &Catalogue{
		AutoRun:     cast.ToBool(top["autoRun"]),
		Schedule:    cast.ToString(top["schedule"]),
		MaxLogFiles: cast.ToInt(top["maxLogFiles"]),
		LogLevel:    cast.ToString(top["logLevel"]),
		specs:       make(map[string]task.Spec, len(entries)),
	}

	var errs []error
	fileOrder := make([]string, 0, len(entries))
	for _, e := range entries {
		spec, err := buildSpec(e.key, e.fields)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.specs[e.key] = spec
		fileOrder = append(fileOrder, e.key)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	var explicit []string
	if v, ok := field(top, "order"); ok {
		if explicit, err = cast.ToStringSliceE(v); err != nil {
			return nil, ValidationError{Field: "order", Message: "must be a list of task keys"}
		}
	}
	seen := make(map[string]bool, len(fileOrder))
	for _, key := range explicit {
		if _, ok := c.specs[key]; !ok {
			return nil, ValidationError{Field: "order", Message: fmt.Sprintf("unknown task %q", key)}
		}
		if !seen[key] {
			c.order = append(c.order, key)
			seen[key] = true
		}
	}
	for _, key := range fileOrder {
		if !seen[key] {
			c.order = append(c.order, key)
		}
	}
	return c, nil
}

// parseJSON walks the document with gjson so task order follows the file.
func parseJSON(data []byte) (map[string]any, []rawEntry, error) {
	if !gjson.ValidBytes(data) {
		return nil, nil, errors.New("invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, nil, errors.New("catalogue must be a JSON object")
	}
	top, _ := root.Value().(map[string]any)

	tasks := root.Get("tasks")
	if !tasks.Exists() {
		tasks = root.Get("games")
	}
	if tasks.Exists() && !tasks.IsObject() {
		return nil, nil, ValidationError{Field: "tasks", Message: "must be an object keyed by task"}
	}

	var entries []rawEntry
	var err error
	tasks.ForEach(func(key, value gjson.Result) bool {
		fields, ok := value.Value().(map[string]any)
		if !ok {
			err = ValidationError{Field: "tasks." + key.String(), Message: "must be an object"}
			return false
		}
		entries = append(entries, rawEntry{key: key.String(), fields: fields})
		return true
	})
	return top, entries, err
}

func parseTOML(data []byte) (map[string]any, []rawEntry, error) {
	var top map[string]any
	if err := toml.Unmarshal(data, &top); err != nil {
		return nil, nil, fmt.Errorf("invalid TOML: %w", err)
	}

	raw, ok := top["tasks"]
	if !ok {
		raw = top["games"]
	}
	if raw == nil {
		return top, nil, nil
	}
	tasks, ok := raw.(map[string]any)
	if !ok {
		return nil, nil, ValidationError{Field: "tasks", Message: "must be a table keyed by task"}
	}

	keys := make([]string, 0, len(tasks))
	for k := range tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]rawEntry, 0, len(keys))
	for _, k := range keys {
		fields, ok := tasks[k].(map[string]any)
		if !ok {
			return nil, nil, ValidationError{Field: "tasks." + k, Message: "must be a table"}
		}
		entries = append(entries, rawEntry{key: k, fields: fields})
	}
	return top, entries, nil
}

// field returns the first present value among the given names.
func field(fields map[string]any, names ...string) (any, bool) {
	for _, n := range names {
		if v, ok := fields[n]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// buildSpec coerces one task table into a spec. Loosely typed values
// ("true", "60000", a single argument string) are accepted.
func buildSpec(key string, f map[string]any) (task.Spec, error) {
	fieldErr := func(name, msg string) error {
		return ValidationError{Field: "tasks." + key + "." + name, Message: msg}
	}

	spec := task.Spec{Key: key, Enabled: true}

	if v, ok := field(f, "enabled"); ok {
		b, err := cast.ToBoolE(v)
		if err != nil {
			return spec, fieldErr("enabled", "must be a boolean")
		}
		spec.Enabled = b
	}
	spec.Name = cast.ToString(f["name"])
	spec.Path = strings.TrimSpace(cast.ToString(f["path"]))
	if v, ok := field(f, "workingDir", "working_dir"); ok {
		spec.WorkingDir = strings.TrimSpace(cast.ToString(v))
	}

	if v, ok := field(f, "arguments", "args"); ok {
		args, err := toArgs(v)
		if err != nil {
			return spec, fieldErr("arguments", err.Error())
		}
		spec.Args = args
	}
	if v, ok := field(f, "env"); ok {
		env, err := cast.ToStringMapStringE(v)
		if err != nil {
			return spec, fieldErr("env", "must be a table of strings")
		}
		spec.Env = env
	}

	if v, ok := field(f, "waitTime", "wait_time"); ok {
		d, err := toWaitTime(v)
		if err != nil {
			return spec, fieldErr("waitTime", err.Error())
		}
		spec.WaitTime = d
	}
	if v, ok := field(f, "priority"); ok {
		p, err := cast.ToIntE(v)
		if err != nil {
			return spec, fieldErr("priority", "must be an integer")
		}
		spec.Priority = p
	}

	if v, ok := field(f, "monitoring"); ok {
		m, err := cast.ToStringMapE(v)
		if err != nil {
			return spec, fieldErr("monitoring", "must be a table")
		}
		name := strings.TrimSpace(cast.ToString(m["customProcessName"]))
		if name == "" {
			name = strings.TrimSpace(cast.ToString(m["processName"]))
		}
		spec.Monitoring = &task.MonitoringSpec{
			Enabled:     cast.ToBool(m["enabled"]),
			ProcessName: name,
		}
	}

	runAsScript := false
	if v, ok := field(f, "run_as_script", "runAsScript"); ok {
		runAsScript = cast.ToBool(v)
	}
	spec.Interpreter = task.KindFromPath(spec.Path)
	if v, ok := field(f, "interpreter"); ok {
		kind, err := task.ParseInterpreterKind(cast.ToString(v))
		if err != nil {
			return spec, fieldErr("interpreter", err.Error())
		}
		spec.Interpreter = kind
	}

	spec.Policy = task.DefaultPolicy(spec.Interpreter, runAsScript, spec.Monitoring)
	if v, ok := field(f, "completionPolicy", "completion_policy"); ok {
		p, err := task.ParseCompletionPolicy(cast.ToString(v))
		if err != nil {
			return spec, fieldErr("completionPolicy", err.Error())
		}
		spec.Policy = p
	}

	return spec, nil
}

// toArgs accepts a list, or a single string split on whitespace.
func toArgs(v any) ([]string, error) {
	if s, ok := v.(string); ok {
		return strings.Fields(s), nil
	}
	args, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil, errors.New("must be a list of strings")
	}
	return args, nil
}

// toWaitTime reads milliseconds from a number or numeric string, or a Go
// duration string such as "11m".
func toWaitTime(v any) (time.Duration, error) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			d, err := time.ParseDuration(s)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			return d, nil
		}
	}
	ms, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, errors.New("must be milliseconds or a duration string")
	}
	if ms < 0 {
		return 0, errors.New("must not be negative")
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// CatalogueReport lists problems found in the enabled tasks.
type CatalogueReport struct {
	Enabled  int
	Errors   []string
	Warnings []string
}

// OK returns true when there are no errors.
func (r CatalogueReport) OK() bool { return len(r.Errors) == 0 }

// Check inspects every enabled task: a missing path or executable is an
// error, a missing working directory or monitored task without a process
// name a warning.
func (c *Catalogue) Check() CatalogueReport {
	var r CatalogueReport
	for _, spec := range c.Enabled() {
		r.Enabled++
		name := spec.DisplayName()
		switch {
		case spec.Path == "":
			r.Errors = append(r.Errors, fmt.Sprintf("%s: executable path not set", name))
		case !pathExists(spec.Path):
			r.Errors = append(r.Errors, fmt.Sprintf("%s: executable not found: %s", name, spec.Path))
		}
		if spec.WorkingDir != "" && !pathExists(spec.WorkingDir) {
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s: working directory not found: %s", name, spec.WorkingDir))
		}
		if spec.Policy == task.PolicyMonitored {
			if _, ok := spec.MonitoredProcess(); !ok {
				r.Warnings = append(r.Warnings, fmt.Sprintf("%s: monitored completion without a process name", name))
			}
		}
	}
	if r.Enabled == 0 {
		r.Warnings = append(r.Warnings, "no task is enabled")
	}
	return r
}

func pathExists(p string) bool {
	if !filepath.IsAbs(p) && !strings.ContainsAny(p, `/\`) {
		// bare command names resolve on PATH at launch
		return true
	}
	_, err := os.Stat(p)
	return err == nil
}
