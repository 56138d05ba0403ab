package schedule

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// searchYears bounds the search for the next occurrence. Field sets that
// never match (the 31st of February) are reported as having no occurrence.
const searchYears = 5

// Fields is the set of allowed values for each calendar unit. Weekdays count
// from Monday (0) to Sunday (6). Every slice is sorted and free of duplicates.
type Fields struct {
	Months   []int
	Days     []int
	Weekdays []int
	Hours    []int
	Minutes  []int
	Seconds  []int
}

type field struct {
	letter byte
	name   string
	min    int
	max    int
	get    func(*Fields) *[]int
}

var fieldTable = []field{
	{letter: 'o', name: "months", min: 1, max: 12, get: func(f *Fields) *[]int { return &f.Months }},
	{letter: 'd', name: "days", min: 1, max: 31, get: func(f *Fields) *[]int { return &f.Days }},
	{letter: 'w', name: "weekdays", min: 0, max: 6, get: func(f *Fields) *[]int { return &f.Weekdays }},
	{letter: 'h', name: "hours", min: 0, max: 23, get: func(f *Fields) *[]int { return &f.Hours }},
	{letter: 'm', name: "minutes", min: 0, max: 59, get: func(f *Fields) *[]int { return &f.Minutes }},
	{letter: 's', name: "seconds", min: 0, max: 59, get: func(f *Fields) *[]int { return &f.Seconds }},
}

func fullRange(min, max int) []int {
	values := make([]int, 0, max-min+1)
	for i := min; i <= max; i++ {
		values = append(values, i)
	}
	return values
}

// EveryField returns a field set matching every second.
func EveryField() Fields {
	var f Fields
	for _, fd := range fieldTable {
		*fd.get(&f) = fullRange(fd.min, fd.max)
	}
	return f
}

// normalize sorts and deduplicates every unit, replacing empty or
// out-of-range units with their full range.
func (f Fields) normalize() Fields {
	var out Fields
	for _, fd := range fieldTable {
		values, ok := cleanValues(*fd.get(&f), fd.min, fd.max)
		if !ok {
			values = fullRange(fd.min, fd.max)
		}
		*fd.get(&out) = values
	}
	return out
}

func cleanValues(in []int, min, max int) ([]int, bool) {
	if len(in) == 0 {
		return nil, false
	}
	values := append([]int(nil), in...)
	sort.Ints(values)
	out := values[:0]
	for i, v := range values {
		if v < min || v > max {
			return nil, false
		}
		if i > 0 && v == values[i-1] {
			continue
		}
		out = append(out, v)
	}
	return out, true
}

// findGTE returns the smallest element of sorted that is >= v.
func findGTE(v int, sorted []int) (int, bool) {
	i := sort.SearchInts(sorted, v)
	if i == len(sorted) {
		return 0, false
	}
	return sorted[i], true
}

func contains(sorted []int, v int) bool {
	i := sort.SearchInts(sorted, v)
	return i < len(sorted) && sorted[i] == v
}

// dayMatches requires both the day of month and the weekday to be allowed.
func (f Fields) dayMatches(t time.Time) bool {
	return contains(f.Days, t.Day()) && contains(f.Weekdays, weekday(t))
}

// weekday numbers t's day of week with Monday as 0.
func weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// Matches reports whether t, at second precision, is an occurrence.
func (f Fields) Matches(t time.Time) bool {
	t = t.UTC()
	return contains(f.Months, int(t.Month())) &&
		f.dayMatches(t) &&
		contains(f.Hours, t.Hour()) &&
		contains(f.Minutes, t.Minute()) &&
		contains(f.Seconds, t.Second())
}

// Next returns the first occurrence strictly after the second containing after.
func (f Fields) Next(after time.Time) (time.Time, bool) {
	t := after.UTC().Truncate(time.Second).Add(time.Second)
	limit := t.Year() + searchYears

	for t.Year() <= limit {
		y, mo, d := t.Date()

		if !contains(f.Months, int(mo)) {
			t = time.Date(y, mo+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !f.dayMatches(t) {
			t = time.Date(y, mo, d+1, 0, 0, 0, 0, time.UTC)
			continue
		}

		hour, ok := findGTE(t.Hour(), f.Hours)
		if !ok {
			t = time.Date(y, mo, d+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if hour != t.Hour() {
			t = time.Date(y, mo, d, hour, 0, 0, 0, time.UTC)
		}

		minute, ok := findGTE(t.Minute(), f.Minutes)
		if !ok {
			t = time.Date(y, mo, d, hour+1, 0, 0, 0, time.UTC)
			continue
		}
		if minute != t.Minute() {
			t = time.Date(y, mo, d, hour, minute, 0, 0, time.UTC)
		}

		second, ok := findGTE(t.Second(), f.Seconds)
		if !ok {
			t = time.Date(y, mo, d, hour, minute+1, 0, 0, time.UTC)
			continue
		}
		return time.Date(y, mo, d, hour, minute, second, 0, time.UTC), true
	}
	return time.Time{}, false
}

// JoinInts renders values as a comma-separated list.
func JoinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// ParseInts reads a comma-separated list of integers.
func ParseInts(s string) ([]int, error) {
	var values []int
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}
