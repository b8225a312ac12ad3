package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CronParser is the schedule syntax accepted by -schedule: the standard
// five fields plus descriptors such as "@daily".
var CronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing every problem.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.CatalogPath == "" {
		errs = append(errs, ValidationError{
			Field:   "config",
			Message: "task catalogue path is required",
		})
	}

	if cfg.Timeout <= 0 {
		errs = append(errs, ValidationError{Field: "timeout", Message: "must be positive"})
	}
	if cfg.KillGrace <= 0 {
		errs = append(errs, ValidationError{Field: "kill_grace", Message: "must be positive"})
	}

	// Monitor timings
	if cfg.MonitorStartAttempts < 1 {
		errs = append(errs, ValidationError{Field: "monitor_start_attempts", Message: "must be at least 1"})
	}
	if cfg.MonitorMisses < 1 {
		errs = append(errs, ValidationError{Field: "monitor_misses", Message: "must be at least 1"})
	}
	if cfg.MonitorStartInterval <= 0 || cfg.MonitorPoll <= 0 {
		errs = append(errs, ValidationError{Field: "monitor_poll", Message: "poll intervals must be positive"})
	}
	if cfg.MonitorMax < cfg.MonitorPoll {
		errs = append(errs, ValidationError{Field: "monitor_max", Message: "must be >= monitor_poll"})
	}
	if cfg.Settle < 0 {
		errs = append(errs, ValidationError{Field: "settle", Message: "must not be negative"})
	}

	// Scheduling
	if cfg.DeferMin <= 0 {
		errs = append(errs, ValidationError{Field: "defer_min", Message: "must be positive"})
	}
	if cfg.DeferMax < cfg.DeferMin {
		errs = append(errs, ValidationError{Field: "defer_max", Message: "must be >= defer_min"})
	}
	if cfg.Cooldown < 0 {
		errs = append(errs, ValidationError{Field: "cooldown", Message: "must not be negative"})
	}
	if cfg.RecordGrace < 0 {
		errs = append(errs, ValidationError{Field: "record_grace", Message: "must not be negative"})
	}

	if cfg.Schedule != "" {
		if _, err := CronParser.Parse(cfg.Schedule); err != nil {
			errs = append(errs, ValidationError{
				Field:   "schedule",
				Message: fmt.Sprintf("invalid cron expression %q: %v", cfg.Schedule, err),
			})
		}
	}

	// Logging
	if cfg.MaxLogFiles < 1 {
		errs = append(errs, ValidationError{Field: "max_log_files", Message: "must be at least 1"})
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.LogLevel),
		})
	}

	if cfg.MetricsAddr != "" {
		if err := validateAddr(cfg.MetricsAddr); err != nil {
			errs = append(errs, ValidationError{Field: "metrics", Message: err.Error()})
		}
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validateAddr checks a host:port listen address.
func validateAddr(addr string) error {
	if strings.Contains(addr, "://") {
		return errors.New("must be host:port, not a URL")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	return nil
}
