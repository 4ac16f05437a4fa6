package aggregation

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// Setting is a single aggregation setting, applied to one value column of a
// target.
type Setting struct {
	Target
	Interval    int
	TimeFrame   string
	TimeColumn  string
	ValueColumn string
}

// Command returns the operator command applying s.
func (s Setting) Command() string {
	cmd := fmt.Sprintf("set aggregations where dbms=%s and table=%s and intervals=%d and time=%s and time_column=%s and value_column=%s",
		s.DBMS, s.Table, s.Interval, s.TimeFrame, s.TimeColumn, s.ValueColumn)
	return strings.Join(strings.Fields(cmd), " ")
}

// Configured returns the value columns of s's target that rows, as returned
// by "get aggregations", show as already aggregated with s's time column,
// interval and time frame. Rows lacking one of those attributes are assumed
// to match it.
func Configured(rows []map[string]interface{}, s Setting) map[string]bool {
	configured := make(map[string]bool)

	for _, row := range rows {
		if cast.ToString(row["dbms"]) != s.DBMS || cast.ToString(row["table"]) != s.Table {
			continue
		}
		column := cast.ToString(row["value_column"])
		if column == "" {
			continue
		}
		if v, ok := row["time_column"]; ok && cast.ToString(v) != s.TimeColumn {
			continue
		}
		if v, ok := row["intervals"]; ok {
			if n, err := cast.ToIntE(v); err != nil || n != s.Interval {
				continue
			}
		}
		if v, ok := row["time"]; ok && normalizeFrame(cast.ToString(v)) != normalizeFrame(s.TimeFrame) {
			continue
		}
		configured[column] = true
	}

	return configured
}

func normalizeFrame(f string) string {
	return strings.ToLower(strings.Join(strings.Fields(f), " "))
}
