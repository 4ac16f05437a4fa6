// Package notifier publishes the records of a configuration run to the
// destinations named in the configuration, through the registered backends.
package notifier

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/skroutz/aggrconf/aggregation"
	"github.com/skroutz/aggrconf/backend"
	"github.com/skroutz/aggrconf/stats"
)

// DefaultConcurrency is the number of notifications in flight at once.
const DefaultConcurrency = 4

const (
	//Metric Identifiers
	statsDelivered = "delivered" //Counter
	statsFailed    = "failed"    //Counter
)

// Destination names a backend and the backend-specific destination of its
// notifications (eg. a URL, a Kafka topic or an SQS queue URL).
type Destination struct {
	Backend     string `json:"backend"`
	Destination string `json:"destination"`
}

type notification struct {
	rec aggregation.Record
	dst Destination
}

// Notifier is the component responsible for delivering configuration
// records to the destinations they should be published to.
type Notifier struct {
	Concurrency int
	Stats       *stats.Stats
	Log         log.Logger

	backends map[string]backend.Backend
}

// New returns a Notifier over the given started backends.
func New(logger log.Logger, backends ...backend.Backend) *Notifier {
	n := &Notifier{
		Concurrency: DefaultConcurrency,
		Stats:       stats.New("notifier", time.Second, func(m *expvar.Map) {}),
		Log:         logger,
		backends:    make(map[string]backend.Backend),
	}
	for _, b := range backends {
		n.backends[b.ID()] = b
	}
	return n
}

// Publish delivers every record to every destination. It returns once all
// deliveries have been attempted, or ctx is cancelled; the returned error
// collects every failed delivery.
func (n *Notifier) Publish(ctx context.Context, records []aggregation.Record, dsts []Destination) error {
	for _, dst := range dsts {
		if _, ok := n.backends[dst.Backend]; !ok {
			return fmt.Errorf("Unknown backend %q for destination %s", dst.Backend, dst.Destination)
		}
	}

	concurrency := n.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	var mu sync.Mutex
	var failures []string
	var wg sync.WaitGroup
	ntfChan := make(chan notification)

	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for ntf := range ntfChan {
				err := n.Notify(ntf.dst, ntf.rec)
				if err != nil {
					mu.Lock()
					failures = append(failures, err.Error())
					mu.Unlock()
				}
			}
		}()
	}

DISPATCH_LOOP:
	for _, dst := range dsts {
		for _, rec := range records {
			if ctx.Err() != nil {
				break DISPATCH_LOOP
			}
			select {
			case <-ctx.Done():
				break DISPATCH_LOOP
			case ntfChan <- notification{rec: rec, dst: dst}:
			}
		}
	}
	close(ntfChan)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "publishing interrupted")
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d notifications failed, first: %s", len(failures), failures[0])
	}
	return nil
}

// Notify delivers a single record to dst.
func (n *Notifier) Notify(dst Destination, rec aggregation.Record) error {
	logger := log.With(n.logger(), "backend", dst.Backend, "destination", dst.Destination, "conn", rec.Connection)

	b, ok := n.backends[dst.Backend]
	if !ok {
		return fmt.Errorf("Unknown backend %q", dst.Backend)
	}

	err := b.Notify(dst.Destination, rec)
	if err != nil {
		n.Stats.Add(statsFailed, 1)
		level.Warn(logger).Log("msg", "Could not publish record", "err", err)
		return errors.Wrapf(err, "publishing %s to %s", rec.Connection, dst.Destination)
	}

	n.Stats.Add(statsDelivered, 1)
	level.Debug(logger).Log("msg", "Published record")
	return nil
}

// Stop stops every backend of n.
func (n *Notifier) Stop() error {
	var err error
	for id, b := range n.backends {
		if e := b.Stop(); e != nil {
			err = errors.Wrapf(e, "stopping backend %s", id)
		}
	}
	return err
}

func (n *Notifier) logger() log.Logger {
	if n.Log == nil {
		return log.NewNopLogger()
	}
	return n.Log
}
