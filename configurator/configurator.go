// Configurator is the core entity of aggrconf. It applies aggregation
// settings for the columns of a single table on a list of operator
// connections.
//
// Each connection is handled by a worker. At most Concurrency workers run
// at a time; connections are dispatched to them over a channel in the order
// given. A worker:
//
//   - fetches the table's columns and picks the time column and the
//     eligible (numeric) columns
//   - selects up to NumColumns of them
//   - skips columns the operator already aggregates with the same settings
//   - sends one "set aggregations" command per remaining column
//
// A failing connection never stops the others. Every connection ends up
// with exactly one Record in the Report.
//
// Cancelling the context given to Run stops dispatching. Connections
// already dispatched run to completion or until their own Timeout expires,
// since their contexts are not derived from Run's.
package configurator

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/skroutz/aggrconf/aggregation"
	cfgerr "github.com/skroutz/aggrconf/configurator/errors"
	"github.com/skroutz/aggrconf/operator"
	"github.com/skroutz/aggrconf/stats"
)

const (
	// DefaultConcurrency caps the number of connections configured at once.
	DefaultConcurrency = 8

	// DefaultTimeout bounds the time spent on a single connection.
	DefaultTimeout = 30 * time.Second

	//Metric Identifiers
	statsConnections      = "connections"      //Counter
	statsSucceeded        = "succeeded"        //Counter
	statsFailed           = "failed"           //Counter
	statsColumnsApplied   = "columnsApplied"   //Counter
	statsColumnsUnchanged = "columnsUnchanged" //Counter
	statsWorkers          = "workers"          //Gauge
	statsErrorsPrefix     = "errors."          //Counter
)

// Operator is the part of an operator's interface the configurator needs.
type Operator interface {
	Columns(ctx context.Context, t aggregation.Target) ([]aggregation.Column, error)
	Aggregations(ctx context.Context) ([]map[string]interface{}, error)
	SetAggregation(ctx context.Context, s aggregation.Setting) error
}

// RecordSaver persists the records of a run.
type RecordSaver interface {
	SaveRecord(r *aggregation.Record) error
}

// Configurator configures aggregations on operators.
type Configurator struct {
	// Dial returns the Operator behind a connection identifier.
	Dial func(conn string) Operator

	// Concurrency is the maximum number of connections configured at
	// once.
	Concurrency int

	// Timeout bounds the time spent on each connection.
	Timeout time.Duration

	// Records, if set, receives the record of every connection.
	Records RecordSaver

	// Stats collects counters about the runs of the Configurator.
	Stats *stats.Stats

	Log log.Logger

	// now is replaced in tests
	now func() time.Time
}

// task is a connection to configure, along with its position in the
// request.
type task struct {
	idx  int
	conn string
}

// New returns a Configurator dialing operators through the operator REST
// client.
func New(logger log.Logger) *Configurator {
	return &Configurator{
		Dial: func(conn string) Operator {
			return operator.New(conn)
		},
		Concurrency: DefaultConcurrency,
		Timeout:     DefaultTimeout,
		Stats:       stats.New("configurator", time.Second, func(m *expvar.Map) {}),
		Log:         logger,
		now:         time.Now,
	}
}

// Run validates req and configures every connection in it. Invalid requests
// return an InvalidArgument error and no report; no connection is attempted.
func (c *Configurator) Run(ctx context.Context, req aggregation.Request) (*Report, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	selector, err := aggregation.NewSelector(req.Order, req.Where)
	if err != nil {
		return nil, err
	}

	logger := log.With(c.logger(), "target", req.Target)
	st := c.stats()
	report := &Report{
		Target:  req.Target,
		Records: make([]aggregation.Record, len(req.Connections)),
	}

	workers := c.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	if workers > len(req.Connections) {
		workers = len(req.Connections)
	}

	level.Info(logger).Log("msg", "Starting...", "connections", len(req.Connections),
		"num_columns", req.NumColumns, "workers", workers)

	var mu sync.Mutex
	var wg sync.WaitGroup
	taskChan := make(chan task)
	dispatched := make([]bool, len(req.Connections))

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for t := range taskChan {
				st.Add(statsWorkers, 1)
				rec := c.configure(t.conn, req, selector, logger)
				st.Add(statsWorkers, -1)

				mu.Lock()
				report.Records[t.idx] = rec
				mu.Unlock()
			}
		}()
	}

DISPATCH_LOOP:
	for i, conn := range req.Connections {
		// select picks at random among ready cases; check ctx first.
		if ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case taskChan <- task{idx: i, conn: conn}:
				dispatched[i] = true
				continue
			}
		}
		level.Warn(logger).Log("msg", "Received shutdown signal, no more connections will be attempted",
			"pending", len(req.Connections)-i)
		break DISPATCH_LOOP
	}
	close(taskChan)
	wg.Wait()

	for i, ok := range dispatched {
		if ok {
			continue
		}
		rec := c.newRecord(req.Connections[i], req)
		rec.Fail(cfgerr.E(cfgerr.ConnectionError, "dispatching", fmt.Errorf("not attempted: %s", ctx.Err())))
		c.finish(&rec, logger)
		report.Records[i] = rec
	}

	level.Info(logger).Log("msg", "Done", "succeeded", report.Succeeded(), "failed", report.Failed())
	st.Report()
	return report, nil
}

// configure configures a single connection and returns its record.
func (c *Configurator) configure(conn string, req aggregation.Request, selector *aggregation.Selector, logger log.Logger) aggregation.Record {
	logger = log.With(logger, "conn", conn)
	rec := c.newRecord(conn, req)
	defer c.finish(&rec, logger)

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	op := c.Dial(conn)

	cols, err := op.Columns(ctx, req.Target)
	if err != nil {
		rec.Fail(err)
		return rec
	}
	schema := aggregation.NewSchema(cols)
	rec.TimeColumn = schema.TimeColumn

	selected, err := selector.Select(schema.Eligible, req.NumColumns)
	if err != nil {
		rec.Fail(err)
		return rec
	}
	level.Debug(logger).Log("msg", "Selected columns", "eligible", len(schema.Eligible), "selected", len(selected))

	setting := aggregation.Setting{
		Target:     req.Target,
		Interval:   req.Interval,
		TimeFrame:  req.TimeFrame,
		TimeColumn: schema.TimeColumn,
	}

	existing, err := op.Aggregations(ctx)
	if err != nil {
		level.Warn(logger).Log("msg", "Could not fetch existing aggregations, applying all columns", "err", err)
	}
	configured := aggregation.Configured(existing, setting)

	for _, col := range selected {
		if configured[col.Name] {
			rec.Unchanged++
			rec.Columns = append(rec.Columns, col.Name)
			continue
		}

		setting.ValueColumn = col.Name
		err := op.SetAggregation(ctx, setting)
		if err != nil {
			rec.Fail(cfgerr.E(cfgerr.KindOf(err), "setting aggregations",
				fmt.Errorf("applied %d of %d columns: %s", rec.Applied, len(selected)-rec.Unchanged, err)))
			return rec
		}
		rec.Applied++
		rec.Columns = append(rec.Columns, col.Name)
	}

	rec.Status = aggregation.StatusSuccess
	return rec
}

func (c *Configurator) newRecord(conn string, req aggregation.Request) aggregation.Record {
	return aggregation.Record{
		Connection:   conn,
		Target:       req.Target,
		Limit:        req.NumColumns,
		Columns:      []string{},
		ConfiguredAt: c.clock()(),
	}
}

// finish logs rec, updates stats and persists it.
func (c *Configurator) finish(rec *aggregation.Record, logger log.Logger) {
	c.stats().Add(statsConnections, 1)
	if rec.Succeeded() {
		c.stats().Add(statsSucceeded, 1)
		c.stats().Add(statsColumnsApplied, int64(rec.Applied))
		c.stats().Add(statsColumnsUnchanged, int64(rec.Unchanged))
		level.Info(logger).Log("msg", "Configured", "columns", len(rec.Columns),
			"applied", rec.Applied, "unchanged", rec.Unchanged)
	} else {
		c.stats().Add(statsFailed, 1)
		c.stats().Add(statsErrorsPrefix+string(rec.ErrorKind), 1)
		level.Error(logger).Log("msg", "Failed", "kind", rec.ErrorKind, "err", rec.Error)
	}

	if c.Records == nil {
		return
	}
	if err := c.Records.SaveRecord(rec); err != nil {
		level.Warn(logger).Log("msg", "Could not save record", "err", err)
	}
}

func (c *Configurator) logger() log.Logger {
	if c.Log == nil {
		return log.NewNopLogger()
	}
	return c.Log
}

func (c *Configurator) stats() *stats.Stats {
	if c.Stats == nil {
		c.Stats = stats.New("configurator", time.Second, func(m *expvar.Map) {})
	}
	return c.Stats
}

func (c *Configurator) clock() func() time.Time {
	if c.now == nil {
		return time.Now
	}
	return c.now
}
