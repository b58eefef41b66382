// Package bytesize parses and formats byte sizes and transfer rates used in
// worker configuration.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Binary byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// Network rate units in bytes per second (SI bits).
const (
	Kbps int64 = 1000 / 8
	Mbps int64 = 1000 * 1000 / 8
	Gbps int64 = 1000 * 1000 * 1000 / 8
)

var (
	// "100MB", "1.5 GB", "1024", "32Mi"
	sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

	// "10mbps", "100KB/s"
	ratePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z/]+)\s*$`)
)

var sizeUnits = map[string]int64{
	"": B, "B": B,
	"K": KB, "KB": KB, "KI": KB,
	"M": MB, "MB": MB, "MI": MB,
	"G": GB, "GB": GB, "GI": GB,
	"T": TB, "TB": TB, "TI": TB,
}

// rateUnits maps lower case rate units to bytes per second. bps is handled
// separately since it is below one byte.
var rateUnits = map[string]int64{
	"kbps": Kbps, "mbps": Mbps, "gbps": Gbps,
	"b/s": B, "kb/s": KB, "mb/s": MB, "gb/s": GB,
}

func parseNumber(s string, pattern *regexp.Regexp, what string) (float64, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, "", fmt.Errorf("empty %s string", what)
	}
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return 0, "", fmt.Errorf("invalid %s format: %q", what, s)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid number: %q", m[1])
	}
	return v, m[2], nil
}

// Parse parses a byte size such as "100MB", "1.5GB", "32Mi" or "1024".
// Units are binary and case-insensitive; a bare number is bytes.
func Parse(s string) (int64, error) {
	v, unit, err := parseNumber(s, sizePattern, "size")
	if err != nil {
		return 0, err
	}
	mult, ok := sizeUnits[strings.ToUpper(unit)]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", unit)
	}
	return int64(v * float64(mult)), nil
}

// ParseRate parses a rate such as "10mbps" or "100KB/s" into bytes per
// second. Bit rates use SI units, byte rates binary units.
func ParseRate(s string) (int64, error) {
	v, unit, err := parseNumber(s, ratePattern, "rate")
	if err != nil {
		return 0, err
	}
	unit = strings.ToLower(unit)
	if unit == "bps" {
		return int64(v / 8), nil
	}
	mult, ok := rateUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown rate unit: %q", unit)
	}
	return int64(v * float64(mult)), nil
}

type unit struct {
	threshold int64
	name      string
}

func format(n int64, units []unit, base string) string {
	for _, u := range units {
		if n >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(n)/float64(u.threshold), u.name)
		}
	}
	return fmt.Sprintf("%d %s", n, base)
}

// Format formats a byte count for humans, e.g. "1.50 GB".
func Format(bytes int64) string {
	return format(bytes, []unit{{TB, "TB"}, {GB, "GB"}, {MB, "MB"}, {KB, "KB"}}, "B")
}

// FormatRate formats bytes per second as a bit rate, e.g. "80.00 Mbps".
func FormatRate(bytesPerSec int64) string {
	return format(bytesPerSec*8, []unit{{1000 * 1000 * 1000, "Gbps"}, {1000 * 1000, "Mbps"}, {1000, "Kbps"}}, "bps")
}

// Size is a byte size read from YAML or the environment as either a number
// of bytes or a string with units ("32Mi", "1TB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var i int64
	if err := unmarshal(&i); err == nil {
		*s = Size(i)
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("size must be a number or string with units (e.g., 32Mi, 1GB)")
	}
	return s.UnmarshalText([]byte(str))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	n, err := Parse(string(text))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*s = Size(n)
	return nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string { return Format(int64(s)) }

// Rate is a transfer rate in bytes per second read from YAML or the
// environment ("50mbps", "10MB/s"). Zero means unlimited.
type Rate int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *Rate) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var i int64
	if err := unmarshal(&i); err == nil {
		*r = Rate(i)
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("rate must be a number of bytes per second or a string with units (e.g., 50mbps)")
	}
	return r.UnmarshalText([]byte(str))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Rate) UnmarshalText(text []byte) error {
	n, err := ParseRate(string(text))
	if err != nil {
		// A bare number is bytes per second.
		if i, perr := strconv.ParseInt(strings.TrimSpace(string(text)), 10, 64); perr == nil && i >= 0 {
			*r = Rate(i)
			return nil
		}
		return fmt.Errorf("invalid rate %q: %w", text, err)
	}
	*r = Rate(n)
	return nil
}

// BytesPerSecond returns the rate in bytes per second.
func (r Rate) BytesPerSecond() int64 { return int64(r) }

func (r Rate) String() string { return FormatRate(int64(r)) }
