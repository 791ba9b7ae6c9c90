package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "cron with seconds", raw: "0 30 9 * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "every", raw: "@every 5m", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "in prefix", raw: "in:2h", kind: SpecInterval, source: "duration", duration: 2 * time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
		{name: "rfc3339", raw: "2025-06-01T09:00:00Z", kind: SpecAt, source: "rfc3339"},
		{name: "prefixed at", raw: "at:2025-06-01T09:00:00+07:00", kind: SpecAt, source: "rfc3339"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "61 * * * *", "-5m", "00:00", "12:75", "at:tomorrow"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) err = nil, want error", raw)
		}
	}
}

func TestParsedSpecNext(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	from := time.Date(2025, 3, 10, 8, 15, 0, 0, time.UTC)

	tests := []struct {
		raw  string
		want time.Time
	}{
		{raw: "10m", want: from.Add(10 * time.Minute)},
		{raw: "*/30 * * * *", want: time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)},
		// 09:00 local = 02:00 UTC the next day, since 08:15 UTC is 15:15 local.
		{raw: "0 9 * * *", want: time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC)},
		{raw: "2025-06-01T09:00:00Z", want: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		p, err := ParseSchedule(tt.raw)
		if err != nil {
			t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
		}
		got, err := p.Next(from, loc)
		if err != nil {
			t.Fatalf("Next(%q) error: %v", tt.raw, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("Next(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseHHMMDuration(t *testing.T) {
	t.Parallel()
	d, err := parseHHMMDuration("23:15")
	if err != nil {
		t.Fatalf("parseHHMMDuration error: %v", err)
	}
	if d != 23*time.Hour+15*time.Minute {
		t.Fatalf("unexpected result: %v", d)
	}
	if _, err := parseHHMMDuration("1:60"); err == nil {
		t.Fatal("expected error for invalid minutes")
	}
}
