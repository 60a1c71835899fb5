package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when fields are omitted/zero.
const (
	DefaultMetricsRefresh = time.Hour
	DefaultMetricsRecent  = 10
	DefaultMaxCandidates  = 50
	DefaultHashtagCount   = 15
	DefaultOptimizeAt     = "03:30"
	DefaultOptimizeSample = 10
)

// ParseDurationField parses an optional Go duration string from the config.
// Empty means zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseHHMM parses a daily wall-clock time of the form "HH:MM".
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// Validate rejects configs that cannot possibly run. It checks shape only;
// reachability of feeds/platforms is a runtime concern.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	if tz := strings.TrimSpace(c.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: unknown zone %q", tz)
		}
	}
	for _, t := range c.Schedule.PostTimes {
		if _, _, err := ParseHHMM(t); err != nil {
			return fmt.Errorf("schedule.post_times: %w", err)
		}
	}
	if at := strings.TrimSpace(c.Schedule.Optimize.At); at != "" {
		if _, _, err := ParseHHMM(at); err != nil {
			return fmt.Errorf("schedule.optimize.at: %w", err)
		}
	}
	if _, err := ParseDurationField("schedule.metrics_refresh", c.Schedule.MetricsRefresh); err != nil {
		return err
	}
	if _, err := ParseDurationField("schedule.cycle_timeout", c.Schedule.CycleTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("ledger.busy_timeout", c.Ledger.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("caption.llm.timeout", c.Caption.LLM.Timeout); err != nil {
		return err
	}

	if c.Schedule.Enabled && len(c.Schedule.PostTimes) == 0 {
		return fmt.Errorf("schedule.post_times: at least one HH:MM time required when schedule is enabled")
	}
	if len(c.Content.Keywords) == 0 {
		return fmt.Errorf("content.keywords: at least one keyword required")
	}
	if strings.TrimSpace(c.Content.Category) == "" {
		return fmt.Errorf("content.category: required")
	}
	if strings.TrimSpace(c.Ledger.Path) == "" {
		return fmt.Errorf("ledger.path: required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Publisher.Platform)) {
	case "telegram":
		if c.Publisher.ChatID == 0 {
			return fmt.Errorf("publisher.chat_id: required for telegram")
		}
	case "", "none":
		// Allowed for stats/export-only invocations; the pipeline refuses to
		// run without a publisher.
	default:
		return fmt.Errorf("publisher.platform: unknown platform %q", c.Publisher.Platform)
	}

	switch strings.ToLower(strings.TrimSpace(c.Caption.Provider)) {
	case "", "template", "llm":
	default:
		return fmt.Errorf("caption.provider: unknown provider %q", c.Caption.Provider)
	}

	if p := c.Discovery.MinPopularity; p < 0 || p > 100 {
		return fmt.Errorf("discovery.min_popularity: must be a percentage in [0,100]")
	}

	return nil
}

// Location resolves the schedule timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Schedule.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
