package aggregation

import (
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	cfgerr "github.com/skroutz/aggrconf/configurator/errors"
)

// DefaultTimeColumn is used as the time column of a table that reports no
// timestamp column of its own.
const DefaultTimeColumn = "insert_timestamp"

// Order decides the order in which eligible columns are picked.
type Order string

// The available column orders.
const (
	// OrderSchema keeps the order in which the operator reports columns.
	OrderSchema Order = "schema"

	// OrderName sorts columns by name.
	OrderName Order = "name"
)

var (
	// Columns maintained by the operator itself. They are never
	// aggregated.
	reservedColumns = map[string]bool{
		"row_id":           true,
		"insert_timestamp": true,
		"tsd_name":         true,
		"tsd_id":           true,
	}

	numericTypes = map[string]bool{
		"numeric": true,
		"double":  true,
		"decimal": true,
		"integer": true,
		"float":   true,
	}
)

// Column is a table column as reported by an operator.
type Column struct {
	Name string `expr:"name"`
	Type string `expr:"type"`
}

// baseType is the lower-cased first word of c's type, so that
// "timestamp not null default now()" is a "timestamp".
func (c Column) baseType() string {
	fields := strings.Fields(strings.ToLower(c.Type))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Reserved reports whether c is maintained by the operator.
func (c Column) Reserved() bool {
	return reservedColumns[c.Name]
}

// IsTimestamp reports whether c holds timestamps.
func (c Column) IsTimestamp() bool {
	return c.baseType() == "timestamp"
}

// IsNumeric reports whether c holds numbers.
func (c Column) IsNumeric() bool {
	return numericTypes[c.baseType()]
}

// Schema is the part of a table's columns that matters for aggregations.
type Schema struct {
	// TimeColumn orders the values of every aggregated column.
	TimeColumn string

	// Eligible holds the numeric, non reserved columns in reported order.
	Eligible []Column
}

// NewSchema picks the time column and the eligible columns out of cols.
func NewSchema(cols []Column) Schema {
	s := Schema{TimeColumn: DefaultTimeColumn}
	timeFound := false

	for _, c := range cols {
		if c.Reserved() {
			continue
		}
		switch {
		case c.IsTimestamp():
			if !timeFound {
				s.TimeColumn = c.Name
				timeFound = true
			}
		case c.IsNumeric():
			s.Eligible = append(s.Eligible, c)
		}
	}

	return s
}

// Selector picks up to a limit of columns out of a schema's eligible
// columns.
type Selector struct {
	order Order
	where *vm.Program
}

// NewSelector compiles where, if given. A where expression that does not
// compile to a boolean is an InvalidArgument.
func NewSelector(order Order, where string) (*Selector, error) {
	s := &Selector{order: order}
	if strings.TrimSpace(where) == "" {
		return s, nil
	}

	program, err := expr.Compile(where, expr.Env(Column{}), expr.AsBool())
	if err != nil {
		return nil, cfgerr.E(cfgerr.InvalidArgument, "compiling --where", err)
	}
	s.where = program
	return s, nil
}

// Select returns at most limit columns of eligible. eligible is not
// modified.
func (s *Selector) Select(eligible []Column, limit int) ([]Column, error) {
	selected := make([]Column, 0, len(eligible))
	for _, c := range eligible {
		if s.where != nil {
			ok, err := expr.Run(s.where, c)
			if err != nil {
				return nil, cfgerr.E(cfgerr.InvalidArgument, "evaluating --where", err)
			}
			if !ok.(bool) {
				continue
			}
		}
		selected = append(selected, c)
	}

	if s.order == OrderName {
		sort.SliceStable(selected, func(i, j int) bool {
			return selected[i].Name < selected[j].Name
		})
	}

	if len(selected) > limit {
		selected = selected[:limit]
	}
	return selected, nil
}
