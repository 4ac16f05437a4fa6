package aggregation

import (
	"encoding/json"
	"fmt"
	"time"

	cfgerr "github.com/skroutz/aggrconf/configurator/errors"
)

// Status is the outcome of configuring a single connection.
type Status string

// The available record statuses.
const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Record describes the aggregation configuration of a target on one
// connection, as left by a run.
type Record struct {
	Connection string `json:"connection"`
	Target

	// TimeColumn is the column the aggregated values are ordered by.
	TimeColumn string `json:"time_column,omitempty"`

	// Columns are the value columns configured, in selection order.
	Columns []string `json:"columns"`

	// Limit is the requested maximum number of columns.
	Limit int `json:"limit"`

	// Applied counts columns for which a command was sent during the run.
	Applied int `json:"applied"`

	// Unchanged counts columns the operator already had configured.
	Unchanged int `json:"unchanged"`

	Status    Status      `json:"status"`
	ErrorKind cfgerr.Kind `json:"error_kind,omitempty"`
	Error     string      `json:"error,omitempty"`

	ConfiguredAt time.Time `json:"configured_at"`
}

// Fail marks r as failed because of err.
func (r *Record) Fail(err error) {
	r.Status = StatusFailed
	r.ErrorKind = cfgerr.KindOf(err)
	r.Error = err.Error()
}

// Succeeded reports whether r's connection was configured.
func (r *Record) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Bytes returns r encoded as JSON.
func (r *Record) Bytes() ([]byte, error) {
	return json.Marshal(r)
}

func (r Record) String() string {
	if r.Succeeded() {
		return fmt.Sprintf("%s: success (configured %d of max %d columns, %d unchanged)",
			r.Connection, len(r.Columns), r.Limit, r.Unchanged)
	}
	return fmt.Sprintf("%s: %s (%s)", r.Connection, r.ErrorKind, r.Error)
}
