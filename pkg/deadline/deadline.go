// Package deadline parses the textual deadline mini-language into schedule
// descriptors and computes concrete expiration timers from them.
//
// The grammar is
//
//	[key:value|key:value]@[schedule,schedule]^[key:value]@[schedule]...
//
// where a schedule token is an ISO-8601 duration (PT5S), a repeating
// interval (R/PT5S, R2/PT5S, R2/PT5S/<end>, R2/<start>/PT5S), or an
// absolute RFC 3339 date-time. Expressions are consumed at definition build
// time.
package deadline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sosodev/duration"
)

// UnboundedRepetitions marks a repeating schedule with no repetition cap.
const UnboundedRepetitions = -1

// ScheduleInfo is one parsed schedule token.
type ScheduleInfo struct {
	Duration       time.Duration
	NumRepetitions int
	StartDate      *time.Time
	EndDate        *time.Time
}

// DeadlineInfo couples free-form notification key/value pairs with the
// schedules that fire them.
type DeadlineInfo struct {
	Notification map[string]string
	Schedules    []ScheduleInfo
}

// ExpirationTime is a concrete timer derived from a ScheduleInfo.
type ExpirationTime struct {
	// FirstFire is the instant of the first expiration.
	FirstFire time.Time
	// RepeatInterval is the delay between repeated firings. Zero for
	// one-shot timers.
	RepeatInterval time.Duration
	// RepeatLimit is the number of repetitions after the first fire:
	// -1 unbounded, 0 none, N bounded.
	RepeatLimit int
}

var errMalformed = errors.New("malformed deadline expression")

// Parse parses a full deadline expression into its deadline groups.
func Parse(expr string) ([]DeadlineInfo, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", errMalformed)
	}

	groups := strings.Split(expr, "^")
	deadlines := make([]DeadlineInfo, 0, len(groups))

	for _, group := range groups {
		info, err := parseGroup(group)
		if err != nil {
			return nil, err
		}

		deadlines = append(deadlines, info)
	}

	return deadlines, nil
}

func parseGroup(group string) (DeadlineInfo, error) {
	notifPart, schedPart, found := strings.Cut(group, "]@[")
	if !found || !strings.HasPrefix(notifPart, "[") || !strings.HasSuffix(schedPart, "]") {
		return DeadlineInfo{}, fmt.Errorf("%w: %q", errMalformed, group)
	}

	notification, err := parseNotification(strings.TrimPrefix(notifPart, "["))
	if err != nil {
		return DeadlineInfo{}, err
	}

	tokens := strings.Split(strings.TrimSuffix(schedPart, "]"), ",")
	schedules := make([]ScheduleInfo, 0, len(tokens))

	for _, token := range tokens {
		sched, err := parseSchedule(strings.TrimSpace(token))
		if err != nil {
			return DeadlineInfo{}, err
		}

		schedules = append(schedules, sched)
	}

	return DeadlineInfo{Notification: notification, Schedules: schedules}, nil
}

func parseNotification(body string) (map[string]string, error) {
	notification := make(map[string]string)

	for _, pair := range strings.Split(body, "|") {
		key, value, found := strings.Cut(pair, ":")
		if !found {
			return nil, fmt.Errorf("%w: notification pair %q", errMalformed, pair)
		}

		notification[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return notification, nil
}

func parseSchedule(token string) (ScheduleInfo, error) {
	switch {
	case strings.HasPrefix(token, "R"):
		return parseRepeating(token)
	case strings.HasPrefix(token, "P"):
		d, err := parseISODuration(token)
		if err != nil {
			return ScheduleInfo{}, err
		}

		return ScheduleInfo{Duration: d}, nil
	default:
		at, err := time.Parse(time.RFC3339, token)
		if err != nil {
			return ScheduleInfo{}, fmt.Errorf("%w: schedule token %q", errMalformed, token)
		}

		return ScheduleInfo{StartDate: &at}, nil
	}
}

// parseRepeating handles R[n]/duration, R[n]/duration/end and
// R[n]/start/duration. An omitted or negative count means unbounded.
func parseRepeating(token string) (ScheduleInfo, error) {
	parts := strings.Split(token, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return ScheduleInfo{}, fmt.Errorf("%w: repeating schedule %q", errMalformed, token)
	}

	reps := UnboundedRepetitions

	if count := strings.TrimPrefix(parts[0], "R"); count != "" {
		n, err := strconv.Atoi(count)
		if err != nil {
			return ScheduleInfo{}, fmt.Errorf("%w: repetition count %q", errMalformed, count)
		}

		if n >= 0 {
			reps = n
		}
	}

	sched := ScheduleInfo{NumRepetitions: reps}

	if strings.HasPrefix(parts[1], "P") {
		d, err := parseISODuration(parts[1])
		if err != nil {
			return ScheduleInfo{}, err
		}

		sched.Duration = d

		if len(parts) == 3 {
			end, err := time.Parse(time.RFC3339, parts[2])
			if err != nil {
				return ScheduleInfo{}, fmt.Errorf("%w: end date %q", errMalformed, parts[2])
			}

			sched.EndDate = &end
		}

		return sched, nil
	}

	if len(parts) != 3 {
		return ScheduleInfo{}, fmt.Errorf("%w: repeating schedule %q", errMalformed, token)
	}

	start, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return ScheduleInfo{}, fmt.Errorf("%w: start date %q", errMalformed, parts[1])
	}

	d, err := parseISODuration(parts[2])
	if err != nil {
		return ScheduleInfo{}, err
	}

	sched.StartDate = &start
	sched.Duration = d

	return sched, nil
}

func parseISODuration(token string) (time.Duration, error) {
	d, err := duration.Parse(token)
	if err != nil {
		return 0, fmt.Errorf("%w: duration %q", errMalformed, token)
	}

	return d.ToTimeDuration(), nil
}

// GetExpirationTime derives a concrete timer from a schedule, anchored at
// now. An explicit start date anchors the first fire; otherwise now plus the
// duration does. An end date caps the repeat limit by how many whole
// intervals fit before it, and the first fire backs off from the end so the
// last repetition lands on the end date.
func GetExpirationTime(sched ScheduleInfo, now time.Time) (ExpirationTime, error) {
	if sched.Duration == 0 {
		if sched.StartDate == nil {
			return ExpirationTime{}, fmt.Errorf("%w: schedule has neither duration nor date", errMalformed)
		}

		return ExpirationTime{FirstFire: *sched.StartDate}, nil
	}

	if sched.EndDate != nil {
		limit := sched.NumRepetitions
		if limit < 0 {
			limit = int(sched.EndDate.Sub(now) / sched.Duration)
		}

		first := sched.EndDate.Add(-time.Duration(limit) * sched.Duration)

		return ExpirationTime{
			FirstFire:      first,
			RepeatInterval: sched.Duration,
			RepeatLimit:    limit,
		}, nil
	}

	first := now.Add(sched.Duration)
	if sched.StartDate != nil {
		first = *sched.StartDate
	}

	exp := ExpirationTime{FirstFire: first}

	if sched.NumRepetitions != 0 {
		exp.RepeatInterval = sched.Duration
		exp.RepeatLimit = sched.NumRepetitions
	}

	return exp, nil
}
