package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const AT_LAYOUT = "2006-01-02T15:04:05"

var (
	atRegex   = regexp.MustCompile(`^at\((\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})\)$`)
	rateRegex = regexp.MustCompile(`^rate\((\d+)\s+([a-z]+)\)$`)
	nameRegex = regexp.MustCompile(`^[0-9a-zA-Z\-_.]{1,64}$`)
)

// Expression is a parsed schedule expression: a one-time at() or a
// recurring rate().
type Expression struct {
	At    time.Time
	Every time.Duration
}

func (e Expression) IsRate() bool {
	return e.Every > 0
}

// FirstFire is when the schedule fires first, given its creation time.
func (e Expression) FirstFire(now time.Time) time.Time {
	if e.IsRate() {
		return now.Add(e.Every)
	}
	return e.At
}

// ParseExpression reads at(yyyy-mm-ddThh:mm:ss) in the given IANA timezone
// (UTC when empty) or rate(N unit) with unit minute(s), hour(s) or day(s).
func ParseExpression(expr string, timezone string) (Expression, error) {
	expr = strings.TrimSpace(expr)
	if m := atRegex.FindStringSubmatch(expr); m != nil {
		loc := time.UTC
		if len(timezone) != 0 {
			l, err := time.LoadLocation(timezone)
			if err != nil {
				return Expression{}, fmt.Errorf("invalid timezone %s: %w", timezone, err)
			}
			loc = l
		}
		at, err := time.ParseInLocation(AT_LAYOUT, m[1], loc)
		if err != nil {
			return Expression{}, fmt.Errorf("invalid at expression %s: %w", expr, err)
		}
		return Expression{At: at.UTC()}, nil
	}
	if m := rateRegex.FindStringSubmatch(expr); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return Expression{}, fmt.Errorf("invalid rate value in %s", expr)
		}
		var unit time.Duration
		switch m[2] {
		case "minute", "minutes":
			unit = time.Minute
		case "hour", "hours":
			unit = time.Hour
		case "day", "days":
			unit = 24 * time.Hour
		default:
			return Expression{}, fmt.Errorf("invalid rate unit %s", m[2])
		}
		if (n == 1) != !strings.HasSuffix(m[2], "s") {
			return Expression{}, fmt.Errorf("rate unit %s does not agree with value %d", m[2], n)
		}
		return Expression{Every: time.Duration(n) * unit}, nil
	}
	return Expression{}, fmt.Errorf("unsupported schedule expression %q", expr)
}

func ValidateName(name string) error {
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid schedule name %q", name)
	}
	return nil
}

func Arn(group string, name string) string {
	return "arn:streamflow:scheduler:" + group + ":" + name
}
