package generator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgerr "github.com/skroutz/aggrconf/configurator/errors"
)

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"0":      0,
		"1000":   1000,
		"10MB":   10 * 1024 * 1024 / 32,
		"1.5kb":  1536 / 32,
		"64B":    2,
		"1GB":    (1 << 30) / 32,
		" 320B ": 10,
	}

	for size, want := range cases {
		got, err := ParseSize(3, size)
		require.NoError(t, err, size)
		require.Equal(t, want, got, size)
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, size := range []string{"", "ten", "10PB", "-5", "MB", "1.2.3KB"} {
		_, err := ParseSize(3, size)
		require.Error(t, err, size)
		require.True(t, cfgerr.Is(err, cfgerr.InvalidArgument), size)
	}

	for _, n := range []int{0, -1} {
		_, err := ParseSize(n, "10MB")
		require.Error(t, err, n)
		require.True(t, cfgerr.Is(err, cfgerr.InvalidArgument), n)
	}
}

func TestColumns(t *testing.T) {
	require.Equal(t, []string{"column_1", "column_2", "column_3"}, Columns(3))
	require.Equal(t, int64(32), RowSize(3))
}

func TestSplitByColumn(t *testing.T) {
	rows := []map[string]interface{}{
		{"timestamp": "t1", "column_1": 1.5, "column_2": 2.0},
		{"timestamp": "t2", "column_1": 3.0, "column_2": 4.0},
	}
	require.Equal(t, []map[string]interface{}{
		{"timestamp": "t1", "value": 2.0},
		{"timestamp": "t2", "value": 4.0},
	}, SplitByColumn(rows, "column_2"))
}

type put struct {
	table string
	rows  int
}

type memoryInserter struct {
	mu   sync.Mutex
	puts []put
	err  error
}

func (m *memoryInserter) Put(ctx context.Context, dbms, table string, payload interface{}) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, put{table: table, rows: len(payload.([]map[string]interface{}))})
	return nil
}

func (m *memoryInserter) rows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.puts {
		n += p.rows
	}
	return n
}

func TestRunInsertsRowCount(t *testing.T) {
	a, b := &memoryInserter{}, &memoryInserter{}
	g := New(Config{DBMS: "test", Table: "rand_data", NumColumns: 3, BatchSize: 10, Rows: 95},
		[]Inserter{a, b}, nil)

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(95), res.Inserted)
	require.Equal(t, int64(10), res.Batches)
	require.Zero(t, res.FailedBatches)
	require.Equal(t, 95, a.rows()+b.rows())

	// round robin
	require.Len(t, a.puts, 5)
	require.Len(t, b.puts, 5)
	require.Equal(t, int64(95), g.Stats.Value(statsRows))
}

func TestRunColumnAsTable(t *testing.T) {
	ins := &memoryInserter{}
	g := New(Config{DBMS: "test", Table: "rand_data", NumColumns: 2, BatchSize: 5, Rows: 5, ColumnAsTable: true},
		[]Inserter{ins}, nil)

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(10), res.Inserted)
	require.Equal(t, 2, g.Threads)

	tables := map[string]int{}
	for _, p := range ins.puts {
		tables[p.table] += p.rows
	}
	require.Equal(t, map[string]int{"rand_data_column_1": 5, "rand_data_column_2": 5}, tables)
}

func TestRunFailuresAreCounted(t *testing.T) {
	ins := &memoryInserter{err: errors.New("connection refused")}
	g := New(Config{DBMS: "test", Table: "rand_data", NumColumns: 1, BatchSize: 10, Rows: 30},
		[]Inserter{ins}, nil)

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Inserted)
	require.Equal(t, int64(3), res.FailedBatches)
	require.True(t, strings.Contains(res.String(), "3 failed"))
}

func TestRunTimeBoundsUnlimitedSize(t *testing.T) {
	ins := &memoryInserter{}
	g := New(Config{DBMS: "test", Table: "rand_data", NumColumns: 1, BatchSize: 1, Hz: 100,
		RunTime: 100 * time.Millisecond}, []Inserter{ins}, nil)

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	require.NotZero(t, res.Inserted)
	// Hz caps batches at roughly 100 per second
	require.LessOrEqual(t, res.Batches, int64(15))
}

func TestRunCancelled(t *testing.T) {
	ins := &memoryInserter{}
	g := New(Config{DBMS: "test", Table: "rand_data", NumColumns: 1, BatchSize: 1, Hz: 1000,
		RunTime: time.Hour}, []Inserter{ins}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunCancelledBeforeStartInsertsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 50; i++ {
		ins := &memoryInserter{}
		g := New(Config{DBMS: "test", Table: "rand_data", NumColumns: 1, BatchSize: 1, Rows: 20, Threads: 4},
			[]Inserter{ins}, nil)

		res, err := g.Run(ctx)
		require.NoError(t, err)
		require.Zero(t, res.Batches, "run %d", i)
		require.Zero(t, ins.rows(), "run %d", i)
	}
}

func TestValidate(t *testing.T) {
	cases := []Config{
		{Table: "t", NumColumns: 1, BatchSize: 1, Rows: 1},
		{DBMS: "d", Table: "t", NumColumns: 0, BatchSize: 1, Rows: 1},
		{DBMS: "d", Table: "t", NumColumns: 1, BatchSize: 0, Rows: 1},
		{DBMS: "d", Table: "t", NumColumns: 1, BatchSize: 1},
		{DBMS: "d", Table: "t", NumColumns: 1, BatchSize: 1, Rows: 1, Hz: -1},
	}
	for _, c := range cases {
		err := c.Validate(1)
		require.True(t, cfgerr.Is(err, cfgerr.InvalidArgument), "%+v", c)
	}

	c := Config{DBMS: "d", Table: "t", NumColumns: 1, BatchSize: 1, Rows: 1}
	require.Error(t, c.Validate(0))

	require.NoError(t, c.Validate(3))
	require.Equal(t, 3, c.Threads)
}

func TestRowShape(t *testing.T) {
	g := New(Config{}, nil, nil)
	g.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 600000, time.UTC) }

	row := g.row(Columns(2))
	require.Equal(t, "2025-01-02T03:04:05.000600Z", row["timestamp"])
	for _, col := range []string{"column_1", "column_2"} {
		v := row[col].(float64)
		require.GreaterOrEqual(t, v, 0.0)
		require.Less(t, v, 1000.0)
	}
}
