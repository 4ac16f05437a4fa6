package aggregation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"

	cfgerr "github.com/skroutz/aggrconf/configurator/errors"
)

const (
	// DefaultInterval is the number of aggregation intervals kept by an
	// operator when none is requested.
	DefaultInterval = 10

	// DefaultTimeFrame is the length of a single aggregation interval.
	DefaultTimeFrame = "1 minute"
)

// Target is the (database, table) pair aggregations are configured against.
type Target struct {
	DBMS  string `json:"dbms"`
	Table string `json:"table"`
}

func (t Target) String() string {
	return t.DBMS + "." + t.Table
}

// Request describes a single configuration run.
type Request struct {
	// Operator connection identifiers, deduplicated, in the order given.
	Connections []string

	Target Target

	// NumColumns is the maximum number of columns configured per
	// connection.
	NumColumns int

	// Interval is the number of aggregation intervals to keep.
	Interval int

	// TimeFrame is the length of each interval (eg. "1 minute").
	TimeFrame string

	// Order decides which eligible columns are picked first.
	Order Order

	// Where is an optional boolean expression over a column's name and
	// type. Only columns it accepts are eligible.
	Where string
}

// NewRequest returns a Request with default interval settings.
func NewRequest(conns []string, t Target, numColumns int) Request {
	return Request{
		Connections: conns,
		Target:      t,
		NumColumns:  numColumns,
		Interval:    DefaultInterval,
		TimeFrame:   DefaultTimeFrame,
		Order:       OrderSchema,
	}
}

// ParseConnections splits a comma-separated connection list. Items are
// trimmed, empty items are dropped and duplicates are removed keeping the
// first occurrence.
func ParseConnections(s string) []string {
	conns := lo.Map(strings.Split(s, ","), func(c string, _ int) string {
		return strings.TrimSpace(c)
	})
	return lo.Uniq(lo.Compact(conns))
}

// ParseColumnLimit parses the textual column limit.
func ParseColumnLimit(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, cfgerr.Errorf(cfgerr.InvalidArgument, "parsing --num-columns",
			"'%s' is not an integer", s)
	}
	if n <= 0 {
		return 0, cfgerr.Errorf(cfgerr.InvalidArgument, "parsing --num-columns",
			"must be greater than 0, got %d", n)
	}
	return n, nil
}

// Validate checks every field of r and reports all problems at once as an
// InvalidArgument error.
func (r *Request) Validate() error {
	var problems []string

	r.Connections = lo.Uniq(lo.Compact(lo.Map(r.Connections, func(c string, _ int) string {
		return strings.TrimSpace(c)
	})))
	if len(r.Connections) == 0 {
		problems = append(problems, "at least one connection is required")
	}
	if strings.TrimSpace(r.Target.DBMS) == "" {
		problems = append(problems, "--dbms is required")
	}
	if strings.TrimSpace(r.Target.Table) == "" {
		problems = append(problems, "--table is required")
	}
	if r.NumColumns <= 0 {
		problems = append(problems, fmt.Sprintf("--num-columns must be greater than 0, got %d", r.NumColumns))
	}
	if r.Interval <= 0 {
		problems = append(problems, fmt.Sprintf("--interval must be greater than 0, got %d", r.Interval))
	}
	if strings.TrimSpace(r.TimeFrame) == "" {
		problems = append(problems, "--time-frame cannot be empty")
	}
	if r.Order == "" {
		r.Order = OrderSchema
	}
	if r.Order != OrderSchema && r.Order != OrderName {
		problems = append(problems, fmt.Sprintf("--order must be '%s' or '%s', got '%s'", OrderSchema, OrderName, r.Order))
	}

	if len(problems) > 0 {
		return cfgerr.E(cfgerr.InvalidArgument, "validating request", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}
