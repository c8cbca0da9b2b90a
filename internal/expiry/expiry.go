// Package expiry resolves expiry rules against broker candidate dates and
// classifies expiries as weekly or monthly.
package expiry

import (
	"sort"
	"time"

	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/istime"
)

// Rule names a relative expiry slot.
type Rule string

const (
	RuleThisWeek  Rule = "this_week"
	RuleNextWeek  Rule = "next_week"
	RuleThisMonth Rule = "this_month"
	RuleNextMonth Rule = "next_month"
)

// ParseRule validates a rule string from configuration.
func ParseRule(s string) (Rule, error) {
	switch Rule(s) {
	case RuleThisWeek, RuleNextWeek, RuleThisMonth, RuleNextMonth:
		return Rule(s), nil
	}
	return "", errs.E(errs.KindInputInvalid, "unknown expiry rule %q", s)
}

// Service selects expiry dates for rules. Now and IsHoliday are injectable
// for tests; both default to real time and no holidays.
type Service struct {
	Now       func() time.Time
	IsHoliday func(time.Time) bool
}

// NewService returns a Service against the real clock with no holiday
// calendar.
func NewService() *Service {
	return &Service{Now: time.Now}
}

func (s *Service) today() time.Time {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return istime.DateOnly(now())
}

// Select resolves rule against the candidate dates. Candidates are
// deduplicated, holiday-filtered, restricted to dates on or after today and
// sorted ascending before the rule table applies. Returns
// errs.ErrNoFutureExpiries when nothing survives the filter.
func (s *Service) Select(rule Rule, candidates []time.Time) (time.Time, error) {
	list := s.filter(candidates)
	if len(list) == 0 {
		return time.Time{}, errs.ErrNoFutureExpiries
	}

	switch rule {
	case RuleThisWeek:
		return list[0], nil
	case RuleNextWeek:
		if len(list) >= 2 {
			return list[1], nil
		}
		return list[0], nil
	case RuleThisMonth:
		today := s.today()
		var match time.Time
		found := false
		for _, d := range list {
			if d.Year() == today.Year() && d.Month() == today.Month() {
				match = d
				found = true
			}
		}
		if found {
			return match, nil
		}
		// No candidate in the current month: fall back to the first
		// monthly anchor.
		return monthlyAnchors(list)[0], nil
	case RuleNextMonth:
		anchors := monthlyAnchors(list)
		if len(anchors) >= 2 {
			return anchors[1], nil
		}
		return anchors[0], nil
	}
	return time.Time{}, errs.E(errs.KindInputInvalid, "unknown expiry rule %q", rule)
}

// filter dedupes, drops holidays and past dates, and sorts ascending.
func (s *Service) filter(candidates []time.Time) []time.Time {
	today := s.today()
	seen := make(map[string]struct{}, len(candidates))
	out := make([]time.Time, 0, len(candidates))
	for _, c := range candidates {
		d := istime.DateOnly(c)
		if d.Before(today) {
			continue
		}
		if s.IsHoliday != nil && s.IsHoliday(d) {
			continue
		}
		key := d.Format("2006-01-02")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// monthlyAnchors reduces a sorted date list to the last date within each
// (year, month), preserving month order.
func monthlyAnchors(sorted []time.Time) []time.Time {
	var anchors []time.Time
	for _, d := range sorted {
		if n := len(anchors); n > 0 &&
			anchors[n-1].Year() == d.Year() && anchors[n-1].Month() == d.Month() {
			anchors[n-1] = d
			continue
		}
		anchors = append(anchors, d)
	}
	return anchors
}

// IsWeekly reports whether d falls on the weekly expiry weekday.
func IsWeekly(d time.Time, weeklyDOW time.Weekday) bool {
	return d.Weekday() == weeklyDOW
}

// IsMonthly reports whether d is the last occurrence of monthlyDOW in its
// month.
func IsMonthly(d time.Time, monthlyDOW time.Weekday) bool {
	if d.Weekday() != monthlyDOW {
		return false
	}
	next := d.AddDate(0, 0, 7)
	return next.Month() != d.Month()
}

// Classify tags d as "monthly" when it is the last occurrence of its own
// weekday in the month, "weekly" otherwise. Used by the overview sink.
func Classify(d time.Time) string {
	if IsMonthly(d, d.Weekday()) {
		return "monthly"
	}
	return "weekly"
}
