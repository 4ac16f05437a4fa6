package configurator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/skroutz/aggrconf/aggregation"
)

// Exit codes of a configuration run.
const (
	ExitOK              = 0
	ExitInvalidArgument = 1
	ExitPartial         = 2
	ExitFailed          = 3
)

// Report holds the outcome of a run, one record per connection in request
// order.
type Report struct {
	Target  aggregation.Target   `json:"target"`
	Records []aggregation.Record `json:"records"`
}

// Succeeded returns the number of connections configured successfully.
func (r *Report) Succeeded() int {
	n := 0
	for i := range r.Records {
		if r.Records[i].Succeeded() {
			n++
		}
	}
	return n
}

// Failed returns the number of connections that failed.
func (r *Report) Failed() int {
	return len(r.Records) - r.Succeeded()
}

// ExitCode maps r to the process exit code: ExitOK if every connection
// succeeded, ExitFailed if none did and ExitPartial otherwise.
func (r *Report) ExitCode() int {
	switch {
	case r.Failed() == 0:
		return ExitOK
	case r.Succeeded() == 0:
		return ExitFailed
	default:
		return ExitPartial
	}
}

// WriteTo writes a human readable summary of r to w, one line per
// connection.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Aggregations for %s: %d succeeded, %d failed\n", r.Target, r.Succeeded(), r.Failed())
	for _, rec := range r.Records {
		fmt.Fprintln(&buf, rec.String())
	}
	return buf.WriteTo(w)
}

// Bytes returns r encoded as JSON.
func (r *Report) Bytes() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
