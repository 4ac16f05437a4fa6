package stats

import (
	"context"
	"expvar"
	"time"
)

// Stats encapsulates an expvar Map and acts as a metric reporting interface
// for each module.
//
// The Map is not published to the global expvar registry, so any number of
// Stats may share an id.
type Stats struct {
	*expvar.Map
	id         string
	interval   time.Duration
	reportfunc func(m *expvar.Map)
}

// Run calls the report function of Stats using the specified interval.
// It shuts down when the provided context is cancelled.
func (s *Stats) Run(ctx context.Context) {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.Report()
		}
	}
}

// Report calls the report function once.
func (s *Stats) Report() {
	s.reportfunc(s.Map)
}

// ID returns the identifier s was created with.
func (s *Stats) ID() string {
	return s.id
}

// Interval returns the reporting interval of s.
func (s *Stats) Interval() time.Duration {
	return s.interval
}

// Value returns the value of the integer metric key, or 0 if it is not set.
func (s *Stats) Value(key string) int64 {
	v, ok := s.Get(key).(*expvar.Int)
	if !ok {
		return 0
	}
	return v.Value()
}

// New initializes a Stats reporting through report every interval.
func New(id string, interval time.Duration, report func(*expvar.Map)) *Stats {
	m := new(expvar.Map).Init()
	return &Stats{Map: m, id: id, interval: interval, reportfunc: report}
}

// SetReporter replaces the report function of s.
func (s *Stats) SetReporter(report func(*expvar.Map)) {
	s.reportfunc = report
}
