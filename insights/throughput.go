package insights

import (
	"context"
	"fmt"
	"io"
	"math"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/skroutz/aggrconf/aggregation"
)

// TimestampLayout is the layout of the timestamps operators return from SQL
// queries.
const TimestampLayout = "2006-01-02 15:04:05.999999"

// Querier runs SQL queries over the network of operators.
type Querier interface {
	Query(ctx context.Context, dbms, sql string, out interface{}) error
}

// Interval is the throughput of a table over one minute.
type Interval struct {
	Index           int     `json:"interval"`
	Seconds         float64 `json:"time_diff"`
	Rows            int64   `json:"row_count"`
	EventsPerSecond int64   `json:"events_per_second"`
}

// Throughput is the per-minute throughput of a table.
type Throughput struct {
	Target    aggregation.Target `json:"target"`
	Intervals []Interval         `json:"intervals"`
}

// ThroughputQuery returns the query counting the rows of table in one
// minute increments, along with the first and last timestamp of each.
func ThroughputQuery(table string) string {
	return fmt.Sprintf("select increments(minute, 1, timestamp), min(timestamp) as min_ts, max(timestamp) as max_ts, count(*) as row_count from %s;", table)
}

// FetchThroughput queries the throughput of t through q.
func FetchThroughput(ctx context.Context, q Querier, t aggregation.Target) (Throughput, error) {
	var rows []map[string]interface{}
	if err := q.Query(ctx, t.DBMS, ThroughputQuery(t.Table), &rows); err != nil {
		return Throughput{}, err
	}

	intervals, err := ComputeThroughput(rows)
	if err != nil {
		return Throughput{}, err
	}
	return Throughput{Target: t, Intervals: intervals}, nil
}

// ComputeThroughput turns the rows of ThroughputQuery into intervals,
// numbered from 1 in the order given. An interval spanning no time has 0
// events per second.
func ComputeThroughput(rows []map[string]interface{}) ([]Interval, error) {
	intervals := make([]Interval, 0, len(rows))

	for i, row := range rows {
		minTS, err := parseTimestamp(row["min_ts"])
		if err != nil {
			return nil, errors.Wrapf(err, "interval %d: min_ts", i+1)
		}
		maxTS, err := parseTimestamp(row["max_ts"])
		if err != nil {
			return nil, errors.Wrapf(err, "interval %d: max_ts", i+1)
		}
		count, err := cast.ToInt64E(row["row_count"])
		if err != nil {
			return nil, errors.Wrapf(err, "interval %d: row_count", i+1)
		}

		secs := maxTS.Sub(minTS).Seconds()
		var eps int64
		if secs > 0 {
			eps = int64(math.Round(float64(count) / secs))
		}

		intervals = append(intervals, Interval{
			Index:           i + 1,
			Seconds:         secs,
			Rows:            count,
			EventsPerSecond: eps,
		})
	}

	return intervals, nil
}

func parseTimestamp(v interface{}) (time.Time, error) {
	s, err := cast.ToStringE(v)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(TimestampLayout, s)
}

// TotalRows returns the number of rows across all intervals.
func (t Throughput) TotalRows() int64 {
	var total int64
	for _, iv := range t.Intervals {
		total += iv.Rows
	}
	return total
}

// AvgEventsPerSecond returns the mean events per second of the intervals,
// or 0 when there are none.
func (t Throughput) AvgEventsPerSecond() float64 {
	if len(t.Intervals) == 0 {
		return 0
	}
	var sum int64
	for _, iv := range t.Intervals {
		sum += iv.EventsPerSecond
	}
	return float64(sum) / float64(len(t.Intervals))
}

// WriteTo writes t as an aligned text table followed by a summary line.
func (t Throughput) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintln(tw, "Interval\tTime Period (s)\tRow Count\tEvents/sec\t")
	for _, iv := range t.Intervals {
		fmt.Fprintf(tw, "%d\t%.2f\t%d\t%d\t\n", iv.Index, iv.Seconds, iv.Rows, iv.EventsPerSecond)
	}
	fmt.Fprintf(tw, "Summary\t\t%d\t%.2f\t\n", t.TotalRows(), t.AvgEventsPerSecond())
	tw.Flush()

	return cw.n, cw.err
}
