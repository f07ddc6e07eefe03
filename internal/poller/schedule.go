package poller

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
)

// Schedule is a parsed poll.schedule value.
//
// Accepted forms:
//   - cron: "*/10 * * * *", "0 */2 * * *", "@hourly", "@every 15m"
//   - Go duration: "10m", "1h30m"
//   - HH:MM interval: "00:15" (15 minutes), "02:30"
//
// A "cron:" or "every:" prefix forces the kind.
type Schedule struct {
	Kind  ScheduleKind
	Cron  string
	Every time.Duration
	Raw   string
}

func (s Schedule) String() string {
	if s.Kind == ScheduleCron {
		return "cron " + s.Cron
	}
	return "every " + s.Every.String()
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// minInterval keeps a misconfigured schedule from hammering the rating API.
const minInterval = 30 * time.Second

func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(strings.TrimSpace(s[len("every:"):]))
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: ScheduleInterval, Every: d, Raw: raw}, nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(raw, s)
	}

	d, err := parseInterval(s)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '*/10 * * * *', HH:MM like '00:15', or a duration like '10m')", raw)
	}
	return Schedule{Kind: ScheduleInterval, Every: d, Raw: raw}, nil
}

func parseCron(raw, expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: ScheduleCron, Cron: expr, Raw: raw}, nil
}

func parseInterval(v string) (time.Duration, error) {
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d < minInterval {
		return 0, fmt.Errorf("interval %s is below the %s minimum", d, minInterval)
	}
	return d, nil
}

// cronSchedule builds the robfig schedule. For intervals the first run lands
// one interval plus up to jitter after now.
func (s Schedule) cronSchedule(now time.Time, jitter time.Duration) (cron.Schedule, time.Duration, error) {
	if s.Kind == ScheduleCron {
		sched, err := cronParser.Parse(s.Cron)
		return sched, 0, err
	}
	base := cron.Every(s.Every)
	jitter = min(jitter, s.Every)
	if jitter <= 0 {
		return base, 0, nil
	}
	delay := time.Duration(rand.Int64N(int64(jitter)))
	return &delayedFirst{base: base, first: now.Add(s.Every + delay)}, delay, nil
}

// delayedFirst overrides the first activation of base.
type delayedFirst struct {
	base  cron.Schedule
	first time.Time
}

func (d *delayedFirst) Next(t time.Time) time.Time {
	if t.Before(d.first) {
		return d.first
	}
	return d.base.Next(t)
}
