package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a size in bytes that parses human-readable suffixes such as
// "512KiB", "10MiB" or "1MB" from env vars and config files.
type ByteSize int64

// Binary size units.
const (
	KiB ByteSize = 1 << 10
	MiB ByteSize = 1 << 20
	GiB ByteSize = 1 << 30
)

var byteSizeUnits = []struct {
	suffix string
	factor int64
}{
	{"KiB", int64(KiB)},
	{"MiB", int64(MiB)},
	{"GiB", int64(GiB)},
	{"KB", 1000},
	{"MB", 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"B", 1},
}

// ParseByteSize parses a plain integer or an integer with a unit suffix.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	factor := int64(1)
	for _, u := range byteSizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			factor = u.factor
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse byte size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("byte size must not be negative, got %d", n)
	}
	return ByteSize(n * factor), nil
}

// Int64 returns the size as an int64.
func (b ByteSize) Int64() int64 { return int64(b) }

// UnmarshalText implements encoding.TextUnmarshaler for JSON string values.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = n
	return nil
}

// UnmarshalYAML accepts both integers and suffixed strings.
func (b *ByteSize) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return b.UnmarshalText([]byte(raw))
}
