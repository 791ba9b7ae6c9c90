package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecAt
)

// ParsedSpec is a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 9 * * *" (seconds optional), "@hourly", "@every 5m"
//   - Interval from now: "55m", "2h30m", "01:30" (HH:MM)
//   - Absolute time: RFC3339, e.g. "2025-06-01T09:00:00Z"
//
// Optional prefixes force a kind: "cron:", "in:" / "interval:", "at:".
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	At     time.Time
	Source string // "cron" | "duration" | "hhmm" | "rfc3339"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// cronParser accepts 5- and 6-field specs plus descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses raw into a cron expression, an interval or an
// absolute time. Cron expressions are validated.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalSpec(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "in:"):
		return parseIntervalSpec(strings.TrimSpace(s[len("in:"):]))
	case strings.HasPrefix(low, "at:"):
		return parseAt(strings.TrimSpace(s[len("at:"):]))
	}

	// RFC3339 before the cron heuristic: timestamps never contain spaces but
	// always contain 'T' and ':'.
	if at, err := time.Parse(time.RFC3339, s); err == nil {
		return ParsedSpec{Kind: SpecAt, At: at, Source: "rfc3339"}, nil
	}
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', a duration like '10m', HH:MM like '01:30' or an RFC3339 time)",
		raw,
	)
}

// Next returns the first fire time strictly after from. Cron specs are
// evaluated in loc.
func (p ParsedSpec) Next(from time.Time, loc *time.Location) (time.Time, error) {
	switch p.Kind {
	case SpecCron:
		sched, err := cronParser.Parse(p.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron %q: %w", p.Cron, err)
		}
		if loc == nil {
			loc = time.Local
		}
		next := sched.Next(from.In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron %q never fires", p.Cron)
		}
		return next, nil
	case SpecInterval:
		return from.Add(p.Every), nil
	case SpecAt:
		return p.At, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %d", p.Kind)
	}
}

// ResolveSchedule parses raw and returns its next fire time relative to the
// service clock, in the configured timezone.
func (s *Service) ResolveSchedule(raw string) (time.Time, error) {
	p, err := ParseSchedule(raw)
	if err != nil {
		return time.Time{}, err
	}
	return p.Next(s.now(), s.Location())
}

func parseCron(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("cron schedule required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

func parseAt(v string) (ParsedSpec, error) {
	at, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid time %q (use RFC3339)", v)
	}
	return ParsedSpec{Kind: SpecAt, At: at, Source: "rfc3339"}, nil
}

func parseIntervalSpec(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
