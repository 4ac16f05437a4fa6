package generator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	cfgerr "github.com/skroutz/aggrconf/configurator/errors"
)

var (
	sizeRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)([A-Za-z]+)$`)

	sizeUnits = map[string]float64{
		"B":  1,
		"KB": 1 << 10,
		"MB": 1 << 20,
		"GB": 1 << 30,
		"TB": 1 << 40,
	}
)

// RowSize estimates the size in bytes of a row of numColumns values and a
// timestamp.
func RowSize(numColumns int) int64 {
	return int64(numColumns)*8 + 8
}

// ParseSize returns the number of rows size stands for. size is either a row
// count or a number of bytes with a B, KB, MB, GB or TB suffix, converted to
// rows of numColumns values. "0" returns 0, meaning no limit. numColumns
// must be positive.
func ParseSize(numColumns int, size string) (int64, error) {
	if numColumns < 1 {
		return 0, cfgerr.Errorf(cfgerr.InvalidArgument, "parsing size",
			"Invalid number of columns %d: must be at least 1", numColumns)
	}
	size = strings.TrimSpace(size)

	if n, err := strconv.ParseUint(size, 10, 63); err == nil {
		return int64(n), nil
	}

	m := sizeRe.FindStringSubmatch(size)
	if m == nil {
		return 0, cfgerr.Errorf(cfgerr.InvalidArgument, "parsing size",
			"Invalid size %q: use digits or a B/KB/MB/GB/TB suffix", size)
	}

	num, err := cast.ToFloat64E(m[1])
	if err != nil {
		return 0, cfgerr.E(cfgerr.InvalidArgument, "parsing size", err)
	}
	mult, ok := sizeUnits[strings.ToUpper(m[2])]
	if !ok {
		return 0, cfgerr.Errorf(cfgerr.InvalidArgument, "parsing size",
			"Unsupported unit %s: use B, KB, MB, GB or TB", m[2])
	}

	return int64(num*mult) / RowSize(numColumns), nil
}

// Columns returns the names of numColumns value columns.
func Columns(numColumns int) []string {
	cols := make([]string, numColumns)
	for i := range cols {
		cols[i] = fmt.Sprintf("column_%d", i+1)
	}
	return cols
}
