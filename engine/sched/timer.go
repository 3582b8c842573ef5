// Package sched runs timer start events and token-level timers.
//
// The scheduler scans stored process definitions for timer start events,
// derives a firing plan from each ISO 8601 timer expression, and publishes
// a process.started request on the bus when a timer fires. A consumer
// (see Consumer) turns those requests into running instances, so the
// scheduler itself never touches the engine directly.
package sched

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimerError reports a timer definition the scheduler could not parse.
type TimerError struct {
	DefinitionID string
	NodeID       string
	Expr         string
	Message      string
}

func (e *TimerError) Error() string {
	return fmt.Sprintf("timer %s on %s/%s: %s", e.Expr, e.DefinitionID, e.NodeID, e.Message)
}

// Trigger is the firing plan derived from one timer expression.
type Trigger struct {
	// At is the first firing instant.
	At time.Time

	// Every is the repeat interval. Zero means one-shot.
	Every time.Duration

	// Count bounds the number of firings for a cycle. Zero means
	// unbounded.
	Count int
}

// Recurring reports whether the trigger fires more than once.
func (t Trigger) Recurring() bool { return t.Every > 0 && t.Count != 1 }

// ParseTimer derives a Trigger from a BPMN timer definition.
//
// timerType is "duration", "cycle" or "date" as parsed from the event
// definition. When empty the type is inferred from the expression: an
// "R" prefix means cycle, a "P" prefix means duration, anything else is
// treated as an RFC 3339 date.
func ParseTimer(timerType, value string, now time.Time) (Trigger, error) {
	value = strings.TrimSpace(value)
	if timerType == "" {
		switch {
		case strings.HasPrefix(value, "R"):
			timerType = "cycle"
		case strings.HasPrefix(value, "P"):
			timerType = "duration"
		default:
			timerType = "date"
		}
	}

	switch timerType {
	case "duration":
		d, err := ParseISODuration(value)
		if err != nil {
			return Trigger{}, err
		}
		return Trigger{At: now.Add(d)}, nil

	case "cycle":
		head, tail, ok := strings.Cut(value, "/")
		if !ok || !strings.HasPrefix(head, "R") {
			return Trigger{}, fmt.Errorf("cycle %q: want R[n]/<duration>", value)
		}
		count := 0
		if spec := head[1:]; spec != "" {
			n, err := strconv.Atoi(spec)
			if err != nil || n < 1 {
				return Trigger{}, fmt.Errorf("cycle %q: bad repetition count", value)
			}
			count = n
		}
		d, err := ParseISODuration(tail)
		if err != nil {
			return Trigger{}, err
		}
		return Trigger{At: now.Add(d), Every: d, Count: count}, nil

	case "date":
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return Trigger{}, fmt.Errorf("date %q: %w", value, err)
		}
		return Trigger{At: at}, nil

	default:
		return Trigger{}, fmt.Errorf("unknown timer type %q", timerType)
	}
}

var isoDurationRe = regexp.MustCompile(
	`^P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseISODuration parses an ISO 8601 duration of the form
// P[nW][nD][T[nH][nM][nS]]. Seconds may be fractional. Year and month
// designators are rejected: they are calendar-dependent and timers need
// a fixed interval.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDurationRe.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "PT" {
		return 0, fmt.Errorf("duration %q: not a valid ISO 8601 duration", s)
	}
	var d time.Duration
	if m[1] != "" {
		n, _ := strconv.Atoi(m[1])
		d += time.Duration(n) * 7 * 24 * time.Hour
	}
	if m[2] != "" {
		n, _ := strconv.Atoi(m[2])
		d += time.Duration(n) * 24 * time.Hour
	}
	if m[3] != "" {
		n, _ := strconv.Atoi(m[3])
		d += time.Duration(n) * time.Hour
	}
	if m[4] != "" {
		n, _ := strconv.Atoi(m[4])
		d += time.Duration(n) * time.Minute
	}
	if m[5] != "" {
		sec, err := strconv.ParseFloat(m[5], 64)
		if err != nil {
			return 0, fmt.Errorf("duration %q: %w", s, err)
		}
		d += time.Duration(sec * float64(time.Second))
	}
	return d, nil
}
