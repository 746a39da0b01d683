// Package scheduler wraps gocron to fire each enabled Job on its configured
// schedule and hand it to the worker, per section 4.7.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Kind distinguishes a five-field cron expression from an interval
// shorthand — gocron exposes these as two different job constructors
// (CronJob vs DurationJob), so the translated form has to carry which one
// applies.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Parsed is a schedule string translated into whichever form gocron needs.
type Parsed struct {
	Kind     Kind
	Cron     string        // five-field cron expression, set when Kind == KindCron
	Interval time.Duration // set when Kind == KindInterval
}

// defaultCron is the daily-at-midnight fallback section 4.7 specifies for
// an unparseable schedule string.
const defaultCron = "0 0 * * *"

var presets = map[string]string{
	"hourly":  "0 * * * *",
	"daily":   "0 0 * * *",
	"weekly":  "0 0 * * 0",
	"monthly": "0 0 1 * *",
}

// ParseSchedule translates raw into a Parsed schedule, accepting five-field
// classic cron, the four presets, and the `@every_N{m|h|d}` interval
// shorthand named in section 4.7. An unparseable string falls back to
// daily-at-midnight with a WARNING logged rather than an error returned —
// the scheduler must always be able to register a job for every enabled
// row in the ledger.
func ParseSchedule(raw string, log *zap.Logger) Parsed {
	trimmed := strings.TrimSpace(raw)

	if cronExpr, ok := presets[strings.ToLower(trimmed)]; ok {
		return Parsed{Kind: KindCron, Cron: cronExpr}
	}

	if strings.HasPrefix(trimmed, "@every_") {
		if interval, ok := parseEveryShorthand(trimmed); ok {
			return Parsed{Kind: KindInterval, Interval: interval}
		}
		log.Warn("scheduler: unparseable @every_ shorthand, defaulting to daily",
			zap.String("schedule", raw))
		return Parsed{Kind: KindCron, Cron: defaultCron}
	}

	if _, err := cron.ParseStandard(trimmed); err != nil {
		log.Warn("scheduler: unparseable schedule, defaulting to daily",
			zap.String("schedule", raw), zap.Error(err))
		return Parsed{Kind: KindCron, Cron: defaultCron}
	}

	return Parsed{Kind: KindCron, Cron: trimmed}
}

// parseEveryShorthand parses `@every_<N>{m|h|d}` into a time.Duration.
func parseEveryShorthand(s string) (time.Duration, bool) {
	body := strings.TrimPrefix(s, "@every_")
	if len(body) < 2 {
		return 0, false
	}
	unit := body[len(body)-1]
	numPart := body[:len(body)-1]

	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return 0, false
	}

	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// String renders p back into a human-readable form for logging.
func (p Parsed) String() string {
	if p.Kind == KindInterval {
		return fmt.Sprintf("every %s", p.Interval)
	}
	return p.Cron
}
