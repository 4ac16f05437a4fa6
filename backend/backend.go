package backend

import (
	"context"

	"github.com/skroutz/aggrconf/aggregation"
)

// Backend is the interface that wraps the basic Notify method.
//
// Backend implementations are responsible for publishing the configuration
// record of a connection through some notification channel (eg. HTTP,
// Kafka).
type Backend interface {
	// Start() initializes the backend. Start() must be called once, before
	// any calls to Notify.
	Start(context.Context, map[string]interface{}) error

	// Notify() publishes rec to dst. Notify blocks until the record is
	// delivered or delivery fails; a nil error means the other end
	// accepted it.
	Notify(dst string, rec aggregation.Record) error

	// ID returns a constant string used as an identifier for the
	// concrete backend implementation.
	ID() string

	// Stop() performs finalization actions. After calling Stop() the
	// backend is no longer usable.
	Stop() error
}
