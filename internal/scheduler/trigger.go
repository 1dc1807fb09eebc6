package scheduler

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidTrigger is wrapped by every ParseTrigger failure
var ErrInvalidTrigger = errors.New("invalid trigger")

// TriggerKind names the trigger families
type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval"
	TriggerCron     TriggerKind = "cron"
	TriggerDate     TriggerKind = "date"
)

// Trigger is a parsed job schedule
type Trigger struct {
	Kind     TriggerKind
	Spec     string
	schedule cron.Schedule
}

// String returns the trigger in its "kind:spec" form
func (t Trigger) String() string {
	return string(t.Kind) + ":" + t.Spec
}

// maxIntervalSeconds is the longest interval a time.Duration can hold
const maxIntervalSeconds = math.MaxInt64 / int64(time.Second)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseTrigger parses "interval:<seconds>", "cron:<expr>" or "date:<RFC3339>".
// Date triggers must lie after now
func ParseTrigger(s string, now time.Time) (Trigger, error) {
	kind, spec, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || strings.TrimSpace(spec) == "" {
		return Trigger{}, fmt.Errorf("%w: %q must be kind:spec", ErrInvalidTrigger, s)
	}
	spec = strings.TrimSpace(spec)
	t := Trigger{Kind: TriggerKind(strings.ToLower(kind)), Spec: spec}

	switch t.Kind {
	case TriggerInterval:
		secs, err := strconv.ParseInt(spec, 10, 64)
		if err != nil || secs <= 0 {
			return Trigger{}, fmt.Errorf("%w: interval must be a positive number of seconds, got %q", ErrInvalidTrigger, spec)
		}
		if secs > maxIntervalSeconds {
			return Trigger{}, fmt.Errorf("%w: interval %s exceeds %d seconds", ErrInvalidTrigger, spec, maxIntervalSeconds)
		}
		t.schedule = cron.Every(time.Duration(secs) * time.Second)
	case TriggerCron:
		sched, err := cronParser.Parse(spec)
		if err != nil {
			return Trigger{}, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		t.schedule = sched
	case TriggerDate:
		at, err := time.Parse(time.RFC3339, spec)
		if err != nil {
			return Trigger{}, fmt.Errorf("%w: date must be RFC3339: %v", ErrInvalidTrigger, err)
		}
		if !at.After(now) {
			return Trigger{}, fmt.Errorf("%w: date %s is in the past", ErrInvalidTrigger, spec)
		}
		t.schedule = onceSchedule{at: at}
	default:
		return Trigger{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, kind)
	}
	return t, nil
}

// onceSchedule fires a single time
type onceSchedule struct {
	at time.Time
}

// Next returns the zero time once the moment has passed, which cron treats
// as never
func (o onceSchedule) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at.In(t.Location())
	}
	return time.Time{}
}
