package configurator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"github.com/skroutz/aggrconf/aggregation"
	cfgerr "github.com/skroutz/aggrconf/configurator/errors"
	"github.com/skroutz/aggrconf/operator"
)

var (
	target = aggregation.Target{DBMS: "Sales", Table: "Orders"}
	logger = log.NewNopLogger()
)

// fakeOperator keeps aggregation settings in memory, the way an operator
// would.
type fakeOperator struct {
	mu       sync.Mutex
	columns  []aggregation.Column
	settings map[string]aggregation.Setting
	commands []string

	columnsErr error
	setErr     error
	aggrErr    error
	delay      time.Duration
}

func newFakeOperator(cols ...aggregation.Column) *fakeOperator {
	return &fakeOperator{columns: cols, settings: make(map[string]aggregation.Setting)}
}

func (f *fakeOperator) Columns(ctx context.Context, t aggregation.Target) ([]aggregation.Column, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, cfgerr.E(cfgerr.ConnectionError, "fetching columns", ctx.Err())
		}
	}
	if f.columnsErr != nil {
		return nil, f.columnsErr
	}
	return f.columns, nil
}

func (f *fakeOperator) Aggregations(ctx context.Context) ([]map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aggrErr != nil {
		return nil, f.aggrErr
	}

	var rows []map[string]interface{}
	for _, s := range f.settings {
		rows = append(rows, map[string]interface{}{
			"dbms": s.DBMS, "table": s.Table, "value_column": s.ValueColumn,
			"time_column": s.TimeColumn, "intervals": s.Interval, "time": s.TimeFrame,
		})
	}
	return rows, nil
}

func (f *fakeOperator) SetAggregation(ctx context.Context, s aggregation.Setting) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.commands = append(f.commands, s.Command())
	f.settings[s.Target.String()+"/"+s.ValueColumn] = s
	return nil
}

func (f *fakeOperator) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func numericColumns(n int) []aggregation.Column {
	cols := []aggregation.Column{
		{Name: "row_id", Type: "integer"},
		{Name: "insert_timestamp", Type: "timestamp"},
		{Name: "timestamp", Type: "timestamp"},
	}
	for i := 1; i <= n; i++ {
		cols = append(cols, aggregation.Column{Name: fmt.Sprintf("column_%d", i), Type: "float"})
	}
	return cols
}

// newTestConfigurator returns a Configurator dialing the given operators.
// Connections missing from ops are unreachable.
func newTestConfigurator(ops map[string]Operator) (*Configurator, *int32) {
	var dials int32
	c := New(logger)
	c.Timeout = time.Second
	c.Dial = func(conn string) Operator {
		atomic.AddInt32(&dials, 1)
		if op, ok := ops[conn]; ok {
			return op
		}
		unreachable := newFakeOperator()
		unreachable.columnsErr = cfgerr.E(cfgerr.ConnectionError, "fetching columns", errors.New("connection refused"))
		return unreachable
	}
	return c, &dials
}

func TestPartialSuccess(t *testing.T) {
	db1 := newFakeOperator(numericColumns(4)...)
	c, _ := newTestConfigurator(map[string]Operator{"db1": db1})

	req := aggregation.NewRequest([]string{"db1", "db2"}, target, 10)
	report, err := c.Run(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, ExitPartial, report.ExitCode())
	require.Len(t, report.Records, 2)

	ok := report.Records[0]
	require.Equal(t, "db1", ok.Connection)
	require.True(t, ok.Succeeded())
	require.Equal(t, []string{"column_1", "column_2", "column_3", "column_4"}, ok.Columns)
	require.Equal(t, "timestamp", ok.TimeColumn)
	require.LessOrEqual(t, len(ok.Columns), 10)

	failed := report.Records[1]
	require.Equal(t, "db2", failed.Connection)
	require.False(t, failed.Succeeded())
	require.Equal(t, cfgerr.ConnectionError, failed.ErrorKind)

	var out bytes.Buffer
	_, err = report.WriteTo(&out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "db1: success (configured 4 of max 10 columns")
	require.Contains(t, out.String(), "db2: ConnectionError")
}

func TestAllSucceed(t *testing.T) {
	ops := map[string]Operator{
		"db1": newFakeOperator(numericColumns(2)...),
		"db2": newFakeOperator(numericColumns(2)...),
	}
	c, _ := newTestConfigurator(ops)

	report, err := c.Run(context.Background(), aggregation.NewRequest([]string{"db1", "db2"}, target, 5))
	require.NoError(t, err)
	require.Equal(t, ExitOK, report.ExitCode())
	require.Equal(t, 2, report.Succeeded())
}

func TestAllFail(t *testing.T) {
	notFound := newFakeOperator()
	notFound.columnsErr = cfgerr.E(cfgerr.TargetNotFound, "fetching columns", errors.New("no such table"))

	c, _ := newTestConfigurator(map[string]Operator{"db1": notFound})
	report, err := c.Run(context.Background(), aggregation.NewRequest([]string{"db1", "db2"}, target, 5))
	require.NoError(t, err)

	require.Equal(t, ExitFailed, report.ExitCode())
	require.Equal(t, cfgerr.TargetNotFound, report.Records[0].ErrorKind)
	require.Equal(t, cfgerr.ConnectionError, report.Records[1].ErrorKind)
}

func TestInvalidArgumentsAttemptNothing(t *testing.T) {
	cases := []aggregation.Request{
		aggregation.NewRequest([]string{"db1"}, target, 0),
		aggregation.NewRequest([]string{"db1"}, target, -3),
		aggregation.NewRequest(nil, target, 5),
		aggregation.NewRequest([]string{"db1"}, aggregation.Target{Table: "Orders"}, 5),
		aggregation.NewRequest([]string{"db1"}, aggregation.Target{DBMS: "Sales"}, 5),
		func() aggregation.Request {
			r := aggregation.NewRequest([]string{"db1"}, target, 5)
			r.Where = "name +"
			return r
		}(),
	}

	for _, req := range cases {
		c, dials := newTestConfigurator(nil)
		report, err := c.Run(context.Background(), req)
		require.Error(t, err)
		require.Nil(t, report)
		require.True(t, cfgerr.Is(err, cfgerr.InvalidArgument), err.Error())
		require.Zero(t, atomic.LoadInt32(dials), "no connection may be attempted")
	}
}

func TestColumnLimit(t *testing.T) {
	db1 := newFakeOperator(numericColumns(6)...)
	c, _ := newTestConfigurator(map[string]Operator{"db1": db1})

	report, err := c.Run(context.Background(), aggregation.NewRequest([]string{"db1"}, target, 3))
	require.NoError(t, err)
	require.Equal(t, []string{"column_1", "column_2", "column_3"}, report.Records[0].Columns)
	require.Len(t, db1.sent(), 3)
}

func TestFewerEligibleColumnsThanLimit(t *testing.T) {
	cols := append(numericColumns(2), aggregation.Column{Name: "device", Type: "varchar"})
	db1 := newFakeOperator(cols...)
	c, _ := newTestConfigurator(map[string]Operator{"db1": db1})

	report, err := c.Run(context.Background(), aggregation.NewRequest([]string{"db1"}, target, 10))
	require.NoError(t, err)
	require.Len(t, report.Records[0].Columns, 2)
	require.Equal(t, 10, report.Records[0].Limit)
}

func TestIdempotentRerun(t *testing.T) {
	db1 := newFakeOperator(numericColumns(3)...)
	c, _ := newTestConfigurator(map[string]Operator{"db1": db1})
	req := aggregation.NewRequest([]string{"db1"}, target, 10)

	first, err := c.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 3, first.Records[0].Applied)

	second, err := c.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.Records[0].Columns, second.Records[0].Columns)
	require.Equal(t, 0, second.Records[0].Applied)
	require.Equal(t, 3, second.Records[0].Unchanged)

	require.Len(t, db1.sent(), 3, "a re-run must not send duplicate settings")
	require.Len(t, db1.settings, 3)
}

func TestChangedSettingsAreReapplied(t *testing.T) {
	db1 := newFakeOperator(numericColumns(2)...)
	c, _ := newTestConfigurator(map[string]Operator{"db1": db1})
	req := aggregation.NewRequest([]string{"db1"}, target, 10)

	_, err := c.Run(context.Background(), req)
	require.NoError(t, err)

	req.Interval = 20
	report, err := c.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 2, report.Records[0].Applied)
	require.Len(t, db1.settings, 2)
}

func TestExistingAggregationsUnavailable(t *testing.T) {
	db1 := newFakeOperator(numericColumns(2)...)
	db1.aggrErr = errors.New("unsupported command")
	c, _ := newTestConfigurator(map[string]Operator{"db1": db1})

	report, err := c.Run(context.Background(), aggregation.NewRequest([]string{"db1"}, target, 10))
	require.NoError(t, err)
	require.True(t, report.Records[0].Succeeded())
	require.Equal(t, 2, report.Records[0].Applied)
}

func TestSetAggregationFailure(t *testing.T) {
	db1 := newFakeOperator(numericColumns(2)...)
	db1.setErr = cfgerr.E(cfgerr.ConnectionError, "setting aggregations", errors.New("Received status: 400"))
	c, _ := newTestConfigurator(map[string]Operator{"db1": db1})

	report, err := c.Run(context.Background(), aggregation.NewRequest([]string{"db1"}, target, 10))
	require.NoError(t, err)
	require.Equal(t, ExitFailed, report.ExitCode())
	require.Equal(t, cfgerr.ConnectionError, report.Records[0].ErrorKind)
	require.Contains(t, report.Records[0].Error, "applied 0 of 2 columns")
}

func TestDuplicateConnectionsConfiguredOnce(t *testing.T) {
	db1 := newFakeOperator(numericColumns(1)...)
	c, dials := newTestConfigurator(map[string]Operator{"db1": db1})

	report, err := c.Run(context.Background(), aggregation.NewRequest([]string{"db1", "db1", " db1"}, target, 1))
	require.NoError(t, err)
	require.Len(t, report.Records, 1)
	require.Equal(t, int32(1), atomic.LoadInt32(dials))
}

func TestTimeoutIsConnectionError(t *testing.T) {
	slow := newFakeOperator(numericColumns(1)...)
	slow.delay = time.Minute
	c, _ := newTestConfigurator(map[string]Operator{"slow": slow, "db1": newFakeOperator(numericColumns(1)...)})
	c.Timeout = 20 * time.Millisecond

	report, err := c.Run(context.Background(), aggregation.NewRequest([]string{"slow", "db1"}, target, 1))
	require.NoError(t, err)
	require.Equal(t, ExitPartial, report.ExitCode())
	require.Equal(t, cfgerr.ConnectionError, report.Records[0].ErrorKind)
}

func TestCancelStopsDispatch(t *testing.T) {
	ops := make(map[string]Operator)
	conns := make([]string, 5)
	for i := range conns {
		conns[i] = fmt.Sprintf("db%d", i)
		op := newFakeOperator(numericColumns(1)...)
		op.delay = 50 * time.Millisecond
		ops[conns[i]] = op
	}

	c, dials := newTestConfigurator(ops)
	c.Concurrency = 1

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	report, err := c.Run(ctx, aggregation.NewRequest(conns, target, 1))
	require.NoError(t, err)
	require.Len(t, report.Records, 5)

	// The in-flight connection finishes, the rest are never attempted.
	require.True(t, report.Records[0].Succeeded())
	notAttempted := 0
	for _, rec := range report.Records {
		if !rec.Succeeded() && strings.Contains(rec.Error, "not attempted") {
			notAttempted++
		}
	}
	require.Equal(t, 4, notAttempted)
	require.Equal(t, int32(1), atomic.LoadInt32(dials))
}

func TestCancelledBeforeRunAttemptsNothing(t *testing.T) {
	ops := make(map[string]Operator)
	conns := make([]string, 4)
	for i := range conns {
		conns[i] = fmt.Sprintf("db%d", i)
		ops[conns[i]] = newFakeOperator(numericColumns(1)...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 100; i++ {
		c, dials := newTestConfigurator(ops)
		c.Concurrency = 4

		report, err := c.Run(ctx, aggregation.NewRequest(conns, target, 1))
		require.NoError(t, err)
		require.Equal(t, ExitFailed, report.ExitCode())
		require.Zero(t, atomic.LoadInt32(dials), "run %d", i)
		for _, rec := range report.Records {
			require.Contains(t, rec.Error, "not attempted")
		}
	}
}

func TestConcurrencyCap(t *testing.T) {
	var running, peak int32
	ops := make(map[string]Operator)
	conns := make([]string, 12)
	for i := range conns {
		conns[i] = fmt.Sprintf("db%d", i)
		ops[conns[i]] = &countingOperator{fakeOperator: newFakeOperator(numericColumns(1)...), running: &running, peak: &peak}
	}

	c, _ := newTestConfigurator(ops)
	c.Concurrency = 3

	report, err := c.Run(context.Background(), aggregation.NewRequest(conns, target, 1))
	require.NoError(t, err)
	require.Equal(t, ExitOK, report.ExitCode())
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	for i, rec := range report.Records {
		require.Equal(t, conns[i], rec.Connection, "records keep request order")
	}
}

type countingOperator struct {
	*fakeOperator
	running, peak *int32
}

func (o *countingOperator) Columns(ctx context.Context, t aggregation.Target) ([]aggregation.Column, error) {
	n := atomic.AddInt32(o.running, 1)
	defer atomic.AddInt32(o.running, -1)
	for {
		p := atomic.LoadInt32(o.peak)
		if n <= p || atomic.CompareAndSwapInt32(o.peak, p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return o.fakeOperator.Columns(ctx, t)
}

type memorySaver struct {
	mu      sync.Mutex
	records []aggregation.Record
}

func (m *memorySaver) SaveRecord(r *aggregation.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *r)
	return nil
}

func TestRecordsAreSaved(t *testing.T) {
	c, _ := newTestConfigurator(map[string]Operator{"db1": newFakeOperator(numericColumns(1)...)})
	saver := &memorySaver{}
	c.Records = saver

	_, err := c.Run(context.Background(), aggregation.NewRequest([]string{"db1", "db2"}, target, 1))
	require.NoError(t, err)
	require.Len(t, saver.records, 2)

	require.Equal(t, int64(2), c.Stats.Value(statsConnections))
	require.Equal(t, int64(1), c.Stats.Value(statsSucceeded))
	require.Equal(t, int64(1), c.Stats.Value(statsErrorsPrefix+string(cfgerr.ConnectionError)))
}

// TestAgainstOperatorServer runs the configurator over HTTP against a fake
// operator that keeps settings like a real one.
func TestAgainstOperatorServer(t *testing.T) {
	var mu sync.Mutex
	configured := make(map[string]bool)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		cmd := r.Header.Get("command")
		switch {
		case strings.HasPrefix(cmd, "get columns") && strings.Contains(cmd, "table=Orders"):
			io.WriteString(w, `{"row_id": "integer", "insert_timestamp": "timestamp", "amount": "float", "qty": "integer", "sku": "varchar"}`)
		case strings.HasPrefix(cmd, "get columns"):
			io.WriteString(w, `{}`)
		case cmd == "get aggregations where format=json":
			rows := []string{}
			for col := range configured {
				rows = append(rows, fmt.Sprintf(`{"dbms": "Sales", "table": "Orders", "value_column": %q}`, col))
			}
			io.WriteString(w, "["+strings.Join(rows, ",")+"]")
		case strings.HasPrefix(cmd, "set aggregations") && r.Method == http.MethodPost:
			i := strings.Index(cmd, "value_column=")
			configured[cmd[i+len("value_column="):]] = true
		default:
			http.Error(w, "unknown command", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	c := New(logger)
	c.Dial = func(conn string) Operator {
		op := operator.New(conn)
		op.Backoff = time.Millisecond
		return op
	}

	report, err := c.Run(context.Background(), aggregation.NewRequest([]string{srv.URL}, target, 10))
	require.NoError(t, err)
	require.Equal(t, ExitOK, report.ExitCode())
	require.Equal(t, []string{"amount", "qty"}, report.Records[0].Columns)
	require.Equal(t, "insert_timestamp", report.Records[0].TimeColumn)

	again, err := c.Run(context.Background(), aggregation.NewRequest([]string{srv.URL}, target, 10))
	require.NoError(t, err)
	require.Equal(t, 2, again.Records[0].Unchanged)

	missing, err := c.Run(context.Background(), aggregation.NewRequest([]string{srv.URL},
		aggregation.Target{DBMS: "Sales", Table: "Nope"}, 10))
	require.NoError(t, err)
	require.Equal(t, ExitFailed, missing.ExitCode())
	require.Equal(t, cfgerr.TargetNotFound, missing.Records[0].ErrorKind)
}
