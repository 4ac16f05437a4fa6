package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/skroutz/aggrconf/aggregation"
	"github.com/skroutz/aggrconf/backend"
	httpbackend "github.com/skroutz/aggrconf/backend/http_backend"
	kafkabackend "github.com/skroutz/aggrconf/backend/kafka_backend"
	sqsbackend "github.com/skroutz/aggrconf/backend/sqs_backend"
	"github.com/skroutz/aggrconf/configurator"
	cfgerr "github.com/skroutz/aggrconf/configurator/errors"
	"github.com/skroutz/aggrconf/filestorage"
	"github.com/skroutz/aggrconf/generator"
	"github.com/skroutz/aggrconf/insights"
	"github.com/skroutz/aggrconf/notifier"
	"github.com/skroutz/aggrconf/operator"
)

// stdout receives reports; replaced in tests.
var stdout io.Writer = os.Stdout

var setCommand = cli.Command{
	Name:      "set",
	Usage:     "Configure aggregations for the numeric columns of a table",
	ArgsUsage: "<connections>",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "num-columns, n",
			Usage: "Configure at most `N` columns per connection",
		},
		cli.StringFlag{
			Name:  "dbms",
			Usage: "`NAME` of the logical database",
		},
		cli.StringFlag{
			Name:  "table",
			Usage: "`NAME` of the table",
		},
		cli.IntFlag{
			Name:  "interval",
			Usage: "Number of aggregation intervals to keep",
			Value: aggregation.DefaultInterval,
		},
		cli.StringFlag{
			Name:  "time-frame",
			Usage: "Length of each aggregation interval",
			Value: aggregation.DefaultTimeFrame,
		},
		cli.StringFlag{
			Name:  "order",
			Usage: "Pick eligible columns in `ORDER` (schema or name)",
			Value: string(aggregation.OrderSchema),
		},
		cli.StringFlag{
			Name:  "where",
			Usage: "Only consider columns matching `EXPR`, eg. 'name startsWith \"temp\"'",
		},
		cli.IntFlag{
			Name:  "concurrency",
			Usage: "Configure at most `N` connections at once (default from config)",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "Give up on a connection after `DURATION` (default from config)",
		},
		cli.StringFlag{
			Name:  "report-file",
			Usage: "Store the JSON report at `PATH`",
		},
		cli.BoolFlag{
			Name:  "publish",
			Usage: "Publish every record to the destinations in the config",
		},
	},
	Action: setAction,
}

var insightsCommand = cli.Command{
	Name:      "insights",
	Usage:     "Summarize the aggregations kept by a set of operators",
	ArgsUsage: "<connections>",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "json",
			Usage: "Print the summary as JSON",
		},
	},
	Action: insightsAction,
}

var throughputCommand = cli.Command{
	Name:      "throughput",
	Usage:     "Show the per-minute throughput of a table",
	ArgsUsage: "<connection>",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "dbms",
			Usage: "`NAME` of the logical database",
		},
		cli.StringFlag{
			Name:  "table",
			Usage: "`NAME` of the table",
		},
	},
	Action: throughputAction,
}

var insertCommand = cli.Command{
	Name:      "insert",
	Usage:     "Stream random rows into a table",
	ArgsUsage: "<connections>",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "dbms",
			Usage: "`NAME` of the logical database",
			Value: "test",
		},
		cli.StringFlag{
			Name:  "table",
			Usage: "`NAME` of the table",
			Value: "rand_data",
		},
		cli.IntFlag{
			Name:  "num-columns, n",
			Usage: "Number of value columns",
			Value: 1,
		},
		cli.IntFlag{
			Name:  "batch-size",
			Usage: "Rows per insert",
			Value: 10,
		},
		cli.StringFlag{
			Name:  "size",
			Usage: "Rows to insert, or a size such as 10MB or 1GB (0 = no limit)",
			Value: "10MB",
		},
		cli.IntFlag{
			Name:  "hz",
			Usage: "Batches per second (0 = no rate limit)",
		},
		cli.Float64Flag{
			Name:  "run-time",
			Usage: "Stop after `SECONDS` (0 = no limit)",
		},
		cli.IntFlag{
			Name:  "threads",
			Usage: "Concurrent inserts (0 = one per connection)",
		},
		cli.BoolFlag{
			Name:  "column-as-table",
			Usage: "Insert each column into a timestamp/value table of its own",
		},
	},
	Action: insertAction,
}

var recordsCommand = cli.Command{
	Name:  "records",
	Usage: "List the stored configuration records of a table",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "dbms",
			Usage: "`NAME` of the logical database",
		},
		cli.StringFlag{
			Name:  "table",
			Usage: "`NAME` of the table",
		},
		cli.BoolFlag{
			Name:  "json",
			Usage: "Print records as JSON",
		},
	},
	Action: recordsAction,
}

// connections returns the connection list given as positional arguments.
// Both "db1,db2" and "db1 db2" are accepted.
func connections(c *cli.Context) []string {
	return aggregation.ParseConnections(strings.Join(c.Args(), ","))
}

func target(c *cli.Context) aggregation.Target {
	return aggregation.Target{
		DBMS:  strings.TrimSpace(c.String("dbms")),
		Table: strings.TrimSpace(c.String("table")),
	}
}

func newOperator(conn string) *operator.Client {
	op := operator.New(conn)
	op.UserAgent = cfg.Operator.UserAgent
	op.Retries = cfg.RequestRetries()
	return op
}

// setRequest builds the request of the set command from its arguments.
func setRequest(c *cli.Context) (aggregation.Request, error) {
	numColumns, err := aggregation.ParseColumnLimit(c.String("num-columns"))
	if err != nil {
		return aggregation.Request{}, err
	}

	req := aggregation.NewRequest(connections(c), target(c), numColumns)
	req.Interval = c.Int("interval")
	req.TimeFrame = c.String("time-frame")
	req.Order = aggregation.Order(c.String("order"))
	req.Where = c.String("where")
	return req, req.Validate()
}

func setAction(c *cli.Context) error {
	req, err := setRequest(c)
	if err != nil {
		return exitError(err)
	}

	store, err := openStorage("aggrconf-set")
	if err != nil {
		level.Warn(component("storage")).Log("msg", "Records will not be stored", "err", err)
		store = nil
	}

	conf := configurator.New(component("configurator"))
	conf.Dial = func(conn string) configurator.Operator { return newOperator(conn) }
	conf.Concurrency = cfg.Operator.Concurrency
	if n := c.Int("concurrency"); n > 0 {
		conf.Concurrency = n
	}
	conf.Timeout = cfg.Operator.Timeout.Duration
	if d := c.Duration("timeout"); d > 0 {
		conf.Timeout = d
	}
	if store != nil {
		conf.Records = store
	}
	conf.Stats = newStats("configurator", store)
	stopStats := runStats(conf.Stats)
	defer stopStats()

	ctx, cancel := signalContext()
	defer cancel()

	report, err := conf.Run(ctx, req)
	if err != nil {
		return exitError(err)
	}
	report.WriteTo(stdout)

	// The report is kept and published even if the run was interrupted.
	ctx, cancelPost := context.WithTimeout(context.Background(), conf.Timeout)
	defer cancelPost()

	if path := c.String("report-file"); path != "" {
		if err := storeReport(ctx, report, path); err != nil {
			level.Error(component("filestorage")).Log("msg", "Could not store report", "path", path, "err", err)
		}
	}

	if c.Bool("publish") {
		if err := publish(ctx, report); err != nil {
			level.Error(component("notifier")).Log("msg", "Could not publish records", "err", err)
		}
	}

	if code := report.ExitCode(); code != configurator.ExitOK {
		return cli.NewExitError("", code)
	}
	return nil
}

// reportStorage returns the storage reports are kept in, and the name path
// is stored under.
func reportStorage(path string) (filestorage.FileStorage, string, error) {
	if cfg.Report.S3Bucket != "" {
		s3, err := filestorage.NewAWSS3(cfg.Report.S3Region, cfg.Report.S3Bucket)
		return s3, strings.TrimPrefix(path, "/"), err
	}

	dir := cfg.Report.Dir
	if dir == "" || filepath.IsAbs(path) {
		dir, path = filepath.Dir(path), filepath.Base(path)
	}
	fs, err := filestorage.NewFileSystem(dir, component("filestorage"))
	return fs, path, err
}

func storeReport(ctx context.Context, report *configurator.Report, path string) error {
	b, err := report.Bytes()
	if err != nil {
		return err
	}

	fs, name, err := reportStorage(path)
	if err != nil {
		return err
	}

	metadata := map[string]interface{}{
		"target":    report.Target.String(),
		"succeeded": report.Succeeded(),
		"failed":    report.Failed(),
	}
	return fs.Store(ctx, name, bytes.NewReader(b), metadata)
}

// newBackend returns the backend registered under id.
func newBackend(id string) (backend.Backend, error) {
	switch id {
	case "http":
		return &httpbackend.Backend{}, nil
	case "kafka":
		return &kafkabackend.Backend{}, nil
	case "sqs":
		return &sqsbackend.Backend{}, nil
	default:
		return nil, fmt.Errorf("Unknown backend %s", id)
	}
}

func publish(ctx context.Context, report *configurator.Report) error {
	if len(cfg.Publish) == 0 {
		return errors.New("no publish destinations configured")
	}

	var backends []backend.Backend
	started := make(map[string]bool)
	for _, dst := range cfg.Publish {
		if started[dst.Backend] {
			continue
		}
		b, err := newBackend(dst.Backend)
		if err != nil {
			return err
		}
		if err := b.Start(ctx, cfg.Backends[dst.Backend]); err != nil {
			return errors.Wrapf(err, "Could not start backend %s", dst.Backend)
		}
		started[dst.Backend] = true
		backends = append(backends, b)
	}

	n := notifier.New(component("notifier"), backends...)
	n.Concurrency = cfg.Operator.Concurrency
	n.Stats = newStats("notifier", nil)
	defer n.Stop()

	return n.Publish(ctx, report.Records, cfg.Publish)
}

func insightsAction(c *cli.Context) error {
	conns := connections(c)
	if len(conns) == 0 {
		return exitError(cfgerr.Errorf(cfgerr.InvalidArgument, "parsing arguments", "at least one connection is required"))
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.Operator.Timeout.Duration)
	defer cancelTimeout()

	rows, failed := insights.Fetch(ctx, conns,
		func(conn string) insights.AggregationSource { return newOperator(conn) },
		cfg.Operator.Concurrency, component("insights"))
	if len(failed) == len(conns) {
		return cli.NewExitError(fmt.Sprintf("Could not fetch aggregations from any connection: %v", failed), configurator.ExitFailed)
	}

	summary := insights.Summarize(rows)
	if c.Bool("json") {
		return printJSON(summary)
	}
	_, err := summary.WriteTo(stdout)
	return err
}

func throughputAction(c *cli.Context) error {
	conns := connections(c)
	t := target(c)
	if len(conns) != 1 || t.DBMS == "" || t.Table == "" {
		return exitError(cfgerr.Errorf(cfgerr.InvalidArgument, "parsing arguments",
			"exactly one connection, --dbms and --table are required"))
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.Operator.Timeout.Duration)
	defer cancelTimeout()

	tp, err := insights.FetchThroughput(ctx, newOperator(conns[0]), t)
	if err != nil {
		return exitError(err)
	}
	_, err = tp.WriteTo(stdout)
	return err
}

func insertAction(c *cli.Context) error {
	conns := connections(c)

	rows, err := generator.ParseSize(c.Int("num-columns"), c.String("size"))
	if err != nil {
		return exitError(err)
	}

	inserters := make([]generator.Inserter, len(conns))
	for i, conn := range conns {
		inserters[i] = newOperator(conn)
	}

	gen := generator.New(generator.Config{
		DBMS:          c.String("dbms"),
		Table:         c.String("table"),
		NumColumns:    c.Int("num-columns"),
		BatchSize:     c.Int("batch-size"),
		Rows:          rows,
		Hz:            c.Int("hz"),
		RunTime:       time.Duration(c.Float64("run-time") * float64(time.Second)),
		Threads:       c.Int("threads"),
		ColumnAsTable: c.Bool("column-as-table"),
	}, inserters, component("generator"))

	store, err := openStorage("aggrconf-insert")
	if err != nil {
		level.Warn(component("generator")).Log("msg", "Stats will not be stored", "err", err)
		store = nil
	}
	gen.Stats = newStats("generator", store)
	stopStats := runStats(gen.Stats)
	defer stopStats()

	ctx, cancel := signalContext()
	defer cancel()

	res, err := gen.Run(ctx)
	if err != nil {
		return exitError(err)
	}
	fmt.Fprintln(stdout, res)
	return nil
}

func recordsAction(c *cli.Context) error {
	t := target(c)
	if t.DBMS == "" || t.Table == "" {
		return exitError(cfgerr.Errorf(cfgerr.InvalidArgument, "parsing arguments", "--dbms and --table are required"))
	}

	store, err := openStorage("aggrconf-records")
	if err != nil {
		return exitError(err)
	}
	if store == nil {
		return exitError(cfgerr.Errorf(cfgerr.InvalidArgument, "opening storage", "redis.addr is not configured"))
	}

	records, err := store.Records(t)
	if err != nil {
		return exitError(err)
	}
	if c.Bool("json") {
		return printJSON(records)
	}
	for _, rec := range records {
		fmt.Fprintf(stdout, "%s %s\n", rec.ConfiguredAt.Format(time.RFC3339), rec)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitError maps err to a cli.ExitCoder carrying the process exit code.
func exitError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(cli.ExitCoder); ok {
		return err
	}
	return cli.NewExitError(err.Error(), exitCode(err))
}

// exitCode returns the exit code of err: 1 for invalid arguments and 3 for
// any other failure.
func exitCode(err error) int {
	if coder, ok := err.(cli.ExitCoder); ok {
		return coder.ExitCode()
	}
	if cfgerr.Is(err, cfgerr.InvalidArgument) {
		return configurator.ExitInvalidArgument
	}
	return configurator.ExitFailed
}
