package schedule

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var encodingGroup = regexp.MustCompile(`([a-zA-Z])(\*|[\d,]+)`)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Decode reads a field-letter encoding such as "o*d*w1h9m30s0". Letters are
// o (months), d (days), w (weekdays), h (hours), m (minutes) and s (seconds).
// A missing, wildcard or malformed unit falls back to its full range.
func Decode(enc string) Fields {
	fields, _ := decode(enc)
	return fields
}

// ValidateEncoding reports every unit Decode would silently replace.
func ValidateEncoding(enc string) error {
	_, errs := decode(enc)
	return errors.Join(errs...)
}

func decode(enc string) (Fields, []error) {
	enc = strings.Join(strings.Fields(enc), "")

	var f Fields
	var errs []error
	for _, group := range encodingGroup.FindAllStringSubmatch(enc, -1) {
		fd, ok := lookupField(group[1][0])
		if !ok {
			errs = append(errs, fmt.Errorf("unknown field letter %q", group[1]))
			continue
		}
		if group[2] == "*" {
			continue
		}
		values, err := ParseInts(group[2])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", fd.name, err))
			continue
		}
		cleaned, ok := cleanValues(values, fd.min, fd.max)
		if !ok {
			errs = append(errs, fmt.Errorf("%s: values must be within %d-%d", fd.name, fd.min, fd.max))
			continue
		}
		*fd.get(&f) = cleaned
	}
	return f.normalize(), errs
}

func lookupField(letter byte) (field, bool) {
	for _, fd := range fieldTable {
		if fd.letter == letter {
			return fd, true
		}
	}
	return field{}, false
}

// Encode renders f in the form accepted by Decode, using * for full ranges.
func Encode(f Fields) string {
	f = f.normalize()
	var b strings.Builder
	for _, fd := range fieldTable {
		values := *fd.get(&f)
		b.WriteByte(fd.letter)
		if len(values) == fd.max-fd.min+1 {
			b.WriteByte('*')
		} else {
			b.WriteString(JoinInts(values))
		}
	}
	return b.String()
}

var predefined = map[string]func(intn func(int) int) string{
	"HALFHOURLY": func(intn func(int) int) string {
		m := intn(30)
		return fmt.Sprintf("o*d*w*h*m%d,%ds%d", m, m+30, intn(60))
	},
	"HOURLY": func(intn func(int) int) string {
		return fmt.Sprintf("o*d*w*h*m%ds%d", intn(60), intn(60))
	},
	"DAILY": func(intn func(int) int) string {
		return fmt.Sprintf("o*d*w*h%dm%ds%d", intn(24), intn(60), intn(60))
	},
	"WEEKLY": func(intn func(int) int) string {
		return fmt.Sprintf("o*d*w%dh%dm%ds%d", intn(7), intn(24), intn(60), intn(60))
	},
	"MONTHLY": func(intn func(int) int) string {
		return fmt.Sprintf("o*d%dw*h%dm%ds%d", 1+intn(28), intn(24), intn(60), intn(60))
	},
}

// Predefined expands a frequency name (HALFHOURLY, HOURLY, DAILY, WEEKLY,
// MONTHLY) into an encoding with a random offset inside the period.
// A nil rng uses the global source.
func Predefined(name string, rng *rand.Rand) (string, bool) {
	build, ok := predefined[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return "", false
	}
	intn := rand.IntN
	if rng != nil {
		intn = rng.IntN
	}
	return build(intn), true
}

// FieldsFromCron converts a standard cron expression (five fields, or six
// with leading seconds, or a descriptor such as @daily) into Fields. Unlike
// cron, a restricted day of month and day of week must both match.
func FieldsFromCron(expr string) (Fields, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Fields{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return Fields{}, fmt.Errorf("cron expression %q is not calendar based", expr)
	}

	bits := map[byte]uint64{
		'o': spec.Month,
		'd': spec.Dom,
		'w': spec.Dow,
		'h': spec.Hour,
		'm': spec.Minute,
		's': spec.Second,
	}
	var f Fields
	for _, fd := range fieldTable {
		var values []int
		for v := fd.min; v <= fd.max; v++ {
			bit := v
			if fd.letter == 'w' {
				// cron counts weekdays from Sunday.
				bit = (v + 1) % 7
			}
			if bits[fd.letter]&(1<<uint(bit)) != 0 {
				values = append(values, v)
			}
		}
		*fd.get(&f) = values
	}
	return f.normalize(), nil
}
