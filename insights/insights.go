// Package insights summarizes the aggregations operators keep, and the
// per-minute throughput of a table.
package insights

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of connections queried at once.
const DefaultConcurrency = 8

// AggregationSource returns the aggregations an operator keeps, one row per
// table, value column and interval.
type AggregationSource interface {
	Aggregations(ctx context.Context) ([]map[string]interface{}, error)
}

// Metric holds the minimum, maximum and average of a series.
type Metric struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

// Stats summarizes the events per second and row counts of a group of
// aggregation rows.
type Stats struct {
	Table    string `json:"table"`
	Column   string `json:"column,omitempty"`
	Interval string `json:"interval,omitempty"`

	EventsPerSecond Metric `json:"events_per_second"`
	Count           Metric `json:"count"`
}

// Summary holds the stats of a set of aggregation rows at three levels of
// grouping. Each level is sorted by its keys.
type Summary struct {
	Tables    []Stats `json:"table"`
	Columns   []Stats `json:"table_column"`
	Intervals []Stats `json:"table_column_interval"`
}

type groupKey struct {
	table, column, interval string
}

type series struct {
	events, counts []float64
}

// Summarize groups rows, as returned by "get aggregations", by table, by
// table and column, and by table, column and interval. Values that are not
// numbers are skipped; groups left with no events or no counts are dropped.
func Summarize(rows []map[string]interface{}) Summary {
	tables := make(map[groupKey]*series)
	columns := make(map[groupKey]*series)
	intervals := make(map[groupKey]*series)

	add := func(m map[groupKey]*series, k groupKey, eps, count interface{}) {
		s, ok := m[k]
		if !ok {
			s = &series{}
			m[k] = s
		}
		if v, err := cast.ToFloat64E(eps); err == nil && eps != nil {
			s.events = append(s.events, v)
		}
		if v, err := cast.ToFloat64E(count); err == nil && count != nil {
			s.counts = append(s.counts, v)
		}
	}

	for _, row := range rows {
		table := cast.ToString(row["dbms"]) + "." + cast.ToString(row["table"])
		column := cast.ToString(row["value_column"])
		interval := cast.ToString(row["interval_id"])
		eps, count := row["events_sec"], row["count"]

		add(tables, groupKey{table: table}, eps, count)
		add(columns, groupKey{table: table, column: column}, eps, count)
		add(intervals, groupKey{table: table, column: column, interval: interval}, eps, count)
	}

	return Summary{
		Tables:    compute(tables),
		Columns:   compute(columns),
		Intervals: compute(intervals),
	}
}

func compute(groups map[groupKey]*series) []Stats {
	stats := make([]Stats, 0, len(groups))
	for k, s := range groups {
		if len(s.events) == 0 || len(s.counts) == 0 {
			continue
		}
		stats = append(stats, Stats{
			Table:           k.table,
			Column:          k.column,
			Interval:        k.interval,
			EventsPerSecond: metric(s.events),
			Count:           metric(s.counts),
		})
	}

	sort.Slice(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		return lessInterval(a.Interval, b.Interval)
	})
	return stats
}

// lessInterval orders numeric interval ids numerically, others
// lexicographically.
func lessInterval(a, b string) bool {
	x, errA := cast.ToInt64E(a)
	y, errB := cast.ToInt64E(b)
	if errA == nil && errB == nil {
		return x < y
	}
	return a < b
}

func metric(values []float64) Metric {
	return Metric{
		Min: lo.Min(values),
		Max: lo.Max(values),
		Avg: round(lo.Sum(values)/float64(len(values)), 3),
	}
}

func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// Fetch collects the aggregation rows of every connection. Connections that
// fail are logged and reported in the returned map; the rows of the rest are
// still returned.
func Fetch(ctx context.Context, conns []string, dial func(string) AggregationSource, concurrency int, logger log.Logger) ([]map[string]interface{}, map[string]error) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	var mu sync.Mutex
	var rows []map[string]interface{}
	failed := make(map[string]error)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			res, err := dial(conn).Aggregations(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				level.Warn(logger).Log("msg", "Could not fetch aggregations", "conn", conn, "err", err)
				failed[conn] = err
				return nil
			}
			rows = append(rows, res...)
			return nil
		})
	}
	g.Wait()

	return rows, failed
}

// WriteTo writes s as aligned text tables, one section per grouping level.
func (s Summary) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}

	sections := []struct {
		title  string
		first  string
		stats  []Stats
		header func(Stats) string
		label  func(Stats) string
	}{
		{"Per Table Stats", "Table", s.Tables, nil, func(st Stats) string { return st.Table }},
		{"Per Table Per Column Stats", "Column", s.Columns,
			func(st Stats) string { return "Table: " + st.Table },
			func(st Stats) string { return st.Column }},
		{"Per Table Per Column Per Interval Stats", "Interval", s.Intervals,
			func(st Stats) string { return fmt.Sprintf("Table: %s  Column: %s", st.Table, st.Column) },
			func(st Stats) string { return st.Interval }},
	}

	for _, sec := range sections {
		fmt.Fprintf(cw, "=== %s ===\n", sec.title)

		var tw *tabwriter.Writer
		current := ""
		for _, st := range sec.stats {
			heading := ""
			if sec.header != nil {
				heading = sec.header(st)
			}
			if tw == nil || heading != current {
				if tw != nil {
					tw.Flush()
				}
				if heading != "" {
					fmt.Fprintf(cw, "\n%s\n", heading)
				}
				current = heading
				tw = newTable(cw, sec.first)
			}
			fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t\n", sec.label(st),
				st.EventsPerSecond.Min, st.EventsPerSecond.Max, st.EventsPerSecond.Avg,
				st.Count.Min, st.Count.Max, st.Count.Avg)
		}
		if tw != nil {
			tw.Flush()
		}
		fmt.Fprintln(cw)
	}

	return cw.n, cw.err
}

func newTable(w io.Writer, first string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, strings.Join([]string{first, "EPS Min", "EPS Max", "EPS Avg", "Count Min", "Count Max", "Count Avg"}, "\t")+"\t")
	return tw
}

// countingWriter counts the bytes written through it and remembers the first
// error.
type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
