package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizeRe = regexp.MustCompile(`^(0|[1-9][0-9]*) ?([KMGTPE]i?)?B?$`)

var sizeUnits = map[string]struct {
	base  int64
	power int
}{
	"":   {1, 0},
	"K":  {1000, 1},
	"M":  {1000, 2},
	"G":  {1000, 3},
	"T":  {1000, 4},
	"P":  {1000, 5},
	"E":  {1000, 6},
	"Ki": {1024, 1},
	"Mi": {1024, 2},
	"Gi": {1024, 3},
	"Ti": {1024, 4},
	"Pi": {1024, 5},
	"Ei": {1024, 6},
}

// Parses a human readable size such as "64MiB", "10 KB" or "512".
func ParseSize(size string) (int64, error) {
	size = strings.TrimSpace(size)

	parts := sizeRe.FindStringSubmatch(size)
	if parts == nil {
		return 0, fmt.Errorf("%w: size %q", ErrParse, size)
	}

	value, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: size %q", ErrParse, size)
	}

	unit := sizeUnits[parts[2]]
	for i := 0; i < unit.power; i++ {
		value *= unit.base
	}

	return value, nil
}

func HumanByteSize(byteSize int64) string {
	unitAndPrecision := []struct {
		unit   string
		format string
	}{
		{"B", "%.0f%s"},
		{"KiB", "%.0f%s"},
		{"MiB", "%.1f%s"},
		{"GiB", "%.2f%s"},
		{"TiB", "%.2f%s"},
		{"PiB", "%.2f%s"},
		{"EiB", "%.2f%s"},
	}

	var index = 0
	var size float64 = float64(byteSize)

	for size > 1024 && index < len(unitAndPrecision)-1 {
		size /= 1024
		index += 1
	}

	return fmt.Sprintf(unitAndPrecision[index].format, size, unitAndPrecision[index].unit)
}
