// Package cronspec normalizes and evaluates job schedules per spec §4.3 /
// §6: 5- or 6-field POSIX-style cron expressions with a seconds prefix
// (rejecting a nonzero seconds field), evaluated in the job's declared
// IANA timezone with DST fall-back fold deduplication.
package cronspec

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Normalize converts a 5- or 6-field expression to the canonical 6-field
// form (seconds first), rejecting a nonzero seconds field.
func Normalize(expr string) (string, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		return "0 " + expr, nil
	case 6:
		if fields[0] != "0" {
			return "", fmt.Errorf("cronspec: nonzero seconds field %q is not supported", fields[0])
		}
		return expr, nil
	default:
		return "", fmt.Errorf("cronspec: expression %q must have 5 or 6 fields, got %d", expr, len(fields))
	}
}

// Schedule is a parsed, timezone-bound cron schedule.
type Schedule struct {
	sched    cron.Schedule
	Location *time.Location
}

// Parse normalizes and parses expr, binding it to loc for evaluation.
func Parse(expr string, loc *time.Location) (*Schedule, error) {
	if loc == nil {
		return nil, fmt.Errorf("cronspec: a timezone is required")
	}
	canonical, err := Normalize(expr)
	if err != nil {
		return nil, err
	}
	sched, err := parser.Parse(canonical)
	if err != nil {
		return nil, fmt.Errorf("cronspec: parsing %q: %w", expr, err)
	}
	return &Schedule{sched: sched, Location: loc}, nil
}

// FiresAt reports whether the schedule fires at the given minute-start
// instant, converted into the schedule's declared timezone. If the local
// time falls in a DST fall-back fold, only the first of the two physical
// occurrences fires (spec §8's cron invariant).
func (s *Schedule) FiresAt(instant time.Time) bool {
	if isFoldDuplicate(instant, s.Location) {
		return false
	}
	local := instant.In(s.Location)
	prev := local.Add(-1 * time.Minute)
	next := s.sched.Next(prev)
	return next.Equal(local)
}

// Next returns the next instant, strictly after after, that the schedule
// fires.
func (s *Schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.Location))
}

// isFoldDuplicate reports whether instant's local wall-clock time in loc
// is the second of two physical instants sharing the same hour:minute,
// i.e. the repeated hour produced by a DST fall-back transition.
func isFoldDuplicate(instant time.Time, loc *time.Location) bool {
	local := instant.In(loc)
	_, offset := local.Zone()

	earlier := instant.Add(-1 * time.Hour)
	earlierLocal := earlier.In(loc)
	_, earlierOffset := earlierLocal.Zone()

	if earlierOffset == offset {
		return false
	}

	diff := time.Duration(earlierOffset-offset) * time.Second
	candidate := earlierLocal.Add(diff)
	return candidate.Hour() == local.Hour() && candidate.Minute() == local.Minute()
}
