// Package generator streams random rows into a table of one or more
// operators, so that aggregations have data to summarize.
//
// Batches are built by a single dispatcher and PUT by a pool of workers.
// Each batch goes to the next connection in round-robin order. Failed
// batches are counted and logged; they never stop the run.
package generator

import (
	"context"
	"expvar"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	cfgerr "github.com/skroutz/aggrconf/configurator/errors"
	"github.com/skroutz/aggrconf/stats"
)

// TimestampLayout is the layout of generated timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

const (
	//Metric Identifiers
	statsRows          = "rows"          //Counter
	statsBatches       = "batches"       //Counter
	statsFailedBatches = "failedBatches" //Counter
)

// Inserter streams rows into a table.
type Inserter interface {
	Put(ctx context.Context, dbms, table string, payload interface{}) error
}

// Config describes a generator run.
type Config struct {
	DBMS       string
	Table      string
	NumColumns int
	BatchSize  int

	// Rows is the number of rows to insert. 0 means no limit, in which case
	// RunTime must be set.
	Rows int64

	// Hz caps the number of batches dispatched per second. 0 means no cap.
	Hz int

	// RunTime bounds the duration of the run. 0 means no bound.
	RunTime time.Duration

	Threads int

	// ColumnAsTable inserts every column into a table of its own, named
	// <Table>_<column>, with timestamp/value rows.
	ColumnAsTable bool
}

// Validate checks c and fills in defaults.
func (c *Config) Validate(conns int) error {
	var problems []string
	if conns == 0 {
		problems = append(problems, "at least one connection is required")
	}
	if c.DBMS == "" || c.Table == "" {
		problems = append(problems, "dbms and table are required")
	}
	if c.NumColumns < 1 {
		problems = append(problems, "num-columns must be at least 1")
	}
	if c.BatchSize < 1 {
		problems = append(problems, "batch-size must be at least 1")
	}
	if c.Rows < 0 || c.Hz < 0 || c.RunTime < 0 || c.Threads < 0 {
		problems = append(problems, "size, hz, run-time and threads must not be negative")
	}
	if c.Rows == 0 && c.RunTime == 0 {
		problems = append(problems, "an unbounded size requires a run-time")
	}
	if len(problems) > 0 {
		return cfgerr.Errorf(cfgerr.InvalidArgument, "validating generator", "%v", problems)
	}

	if c.Threads == 0 {
		c.Threads = conns
		if c.ColumnAsTable && c.NumColumns > c.Threads {
			c.Threads = c.NumColumns
		}
	}
	return nil
}

// Result summarizes a generator run.
type Result struct {
	Inserted      int64
	Batches       int64
	FailedBatches int64
	Elapsed       time.Duration
}

func (r Result) String() string {
	return fmt.Sprintf("Inserted %d rows in %d batches (%d failed) in %s",
		r.Inserted, r.Batches, r.FailedBatches, r.Elapsed.Round(100*time.Millisecond))
}

// batch is a unit of work for a worker: rows bound for a single table.
type batch struct {
	table string
	rows  []map[string]interface{}
}

// Generator inserts random rows through a set of Inserters.
type Generator struct {
	Config
	Inserters []Inserter
	Stats     *stats.Stats
	Log       log.Logger

	next int64
	now  func() time.Time
	rand *rand.Rand
}

// New returns a Generator inserting through inserters.
func New(cfg Config, inserters []Inserter, logger log.Logger) *Generator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Generator{
		Config:    cfg,
		Inserters: inserters,
		Stats:     stats.New("generator", time.Second, func(m *expvar.Map) {}),
		Log:       logger,
		now:       time.Now,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run inserts rows until the configured number is reached, RunTime
// elapses or ctx is cancelled. Batches in flight are allowed to finish.
func (g *Generator) Run(ctx context.Context) (Result, error) {
	if err := g.Validate(len(g.Inserters)); err != nil {
		return Result{}, err
	}

	start := g.now()
	if g.RunTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.RunTime)
		defer cancel()
	}

	level.Info(g.Log).Log("msg", "Starting...", "rows", g.Rows, "batch_size", g.BatchSize,
		"columns", g.NumColumns, "threads", g.Threads, "run_time", g.RunTime, "column_as_table", g.ColumnAsTable)

	var res Result
	var wg sync.WaitGroup
	batchChan := make(chan batch)

	wg.Add(g.Threads)
	for i := 0; i < g.Threads; i++ {
		go func() {
			defer wg.Done()
			for b := range batchChan {
				g.insert(b, &res)
			}
		}()
	}

	var tick <-chan time.Time
	if g.Hz > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(g.Hz))
		defer ticker.Stop()
		tick = ticker.C
	}

	columns := Columns(g.NumColumns)
	var dispatched int64

DISPATCH_LOOP:
	for g.Rows == 0 || dispatched < g.Rows {
		if tick != nil {
			select {
			case <-ctx.Done():
				break DISPATCH_LOOP
			case <-tick:
			}
		}

		size := int64(g.BatchSize)
		if g.Rows > 0 && g.Rows-dispatched < size {
			size = g.Rows - dispatched
		}
		rows := make([]map[string]interface{}, size)
		for i := range rows {
			rows[i] = g.row(columns)
		}

		batches := []batch{{table: g.Table, rows: rows}}
		if g.ColumnAsTable {
			batches = batches[:0]
			for _, col := range columns {
				table := g.Table + "_" + col
				batches = append(batches, batch{table: table, rows: SplitByColumn(rows, col)})
			}
		}

		for _, b := range batches {
			if ctx.Err() != nil {
				break DISPATCH_LOOP
			}
			select {
			case <-ctx.Done():
				break DISPATCH_LOOP
			case batchChan <- b:
			}
		}
		dispatched += size
	}
	close(batchChan)
	wg.Wait()

	res.Elapsed = g.now().Sub(start)
	level.Info(g.Log).Log("msg", "Done", "inserted", res.Inserted, "batches", res.Batches,
		"failed", res.FailedBatches, "elapsed", res.Elapsed)
	g.Stats.Report()

	return res, nil
}

func (g *Generator) insert(b batch, res *Result) {
	idx := atomic.AddInt64(&g.next, 1) - 1
	ins := g.Inserters[idx%int64(len(g.Inserters))]

	// Batches in flight finish even if the run is interrupted.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	atomic.AddInt64(&res.Batches, 1)
	g.Stats.Add(statsBatches, 1)

	err := ins.Put(ctx, g.DBMS, b.table, b.rows)
	if err != nil {
		atomic.AddInt64(&res.FailedBatches, 1)
		g.Stats.Add(statsFailedBatches, 1)
		level.Warn(g.Log).Log("msg", "Insert failed", "table", b.table, "rows", len(b.rows),
			"err", errors.Cause(err))
		return
	}
	atomic.AddInt64(&res.Inserted, int64(len(b.rows)))
	g.Stats.Add(statsRows, int64(len(b.rows)))
}

// row returns a row of random values for columns, timestamped now.
func (g *Generator) row(columns []string) map[string]interface{} {
	row := make(map[string]interface{}, len(columns)+1)
	row["timestamp"] = g.now().UTC().Format(TimestampLayout)
	for _, col := range columns {
		v := g.rand.Float64() * float64(g.rand.Intn(999)+1)
		p := math.Pow(10, float64(g.rand.Intn(3)))
		row[col] = math.Round(v*p) / p
	}
	return row
}

// SplitByColumn returns the timestamp and value of column for every row.
func SplitByColumn(rows []map[string]interface{}, column string) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]interface{}{
			"timestamp": row["timestamp"],
			"value":     row[column],
		})
	}
	return out
}
