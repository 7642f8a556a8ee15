package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/keplerlabs/cadence/errors"
)

// The calculator is a pure function of its inputs. It never panics and never
// lets a parse error escape: a misconfigured job degrades to a safe default
// instead of wedging the tick loop.

const (
	// FallbackInterval is used when an interval job has a non-positive
	// interval (caller contract violation that reached storage anyway)
	FallbackInterval = 30 * time.Minute

	// CronFallbackDelay is used when a cron expression fails to parse
	CronFallbackDelay = time.Hour
)

// cronParser accepts standard 5-field expressions (minute hour dom month dow)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRunTime computes the next fire time for a schedule after from.
//
//   - interval: from + intervalMinutes; non-positive intervals degrade to
//     FallbackInterval
//   - cron: first fire strictly after from; unparsable expressions degrade to
//     from + CronFallbackDelay
func NextRunTime(scheduleType ScheduleType, intervalMinutes int, cronExpression string, from time.Time) time.Time {
	switch scheduleType {
	case ScheduleTypeCron:
		sched, err := cronParser.Parse(cronExpression)
		if err != nil {
			return from.Add(CronFallbackDelay)
		}
		return sched.Next(from)
	case ScheduleTypeInterval:
		if intervalMinutes <= 0 {
			return from.Add(FallbackInterval)
		}
		return from.Add(time.Duration(intervalMinutes) * time.Minute)
	default:
		// Unknown schedule type: treat like a broken interval job
		return from.Add(FallbackInterval)
	}
}

// ValidateCron reports whether expr is a parsable 5-field cron expression.
func ValidateCron(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("cron expression is empty")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return nil
}

// DescribeCron returns a human-readable description of a cron expression for
// display. It is not part of scheduling correctness; unparsable expressions
// are echoed back verbatim.
func DescribeCron(expr string) string {
	if err := ValidateCron(expr); err != nil {
		return expr
	}

	fields := strings.Fields(expr)
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	var parts []string
	switch {
	case minute == "*" && hour == "*":
		parts = append(parts, "every minute")
	case strings.HasPrefix(minute, "*/") && hour == "*":
		parts = append(parts, fmt.Sprintf("every %s minutes", minute[2:]))
	case hour == "*":
		parts = append(parts, fmt.Sprintf("at minute %s of every hour", minute))
	default:
		parts = append(parts, fmt.Sprintf("at %s:%s", pad2(hour), pad2(minute)))
	}

	if dom != "*" {
		parts = append(parts, fmt.Sprintf("on day %s of the month", dom))
	}
	if month != "*" {
		parts = append(parts, fmt.Sprintf("in month %s", month))
	}
	if dow != "*" {
		parts = append(parts, fmt.Sprintf("on weekday %s", dow))
	}

	return strings.Join(parts, ", ")
}

// pad2 left-pads single-digit numeric cron fields for display ("8" -> "08");
// non-numeric fields (ranges, lists, steps) pass through untouched.
func pad2(field string) string {
	if len(field) == 1 && field[0] >= '0' && field[0] <= '9' {
		return "0" + field
	}
	return field
}
