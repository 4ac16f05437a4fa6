package main

import (
	"context"
	"errors"
	"expvar"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/go-redis/redis"
	"github.com/urfave/cli"

	"github.com/skroutz/aggrconf/config"
	"github.com/skroutz/aggrconf/stats"
	"github.com/skroutz/aggrconf/storage"
)

// parseCliConfig loads the file given with --config, if any. Without one
// the defaults apply.
func parseCliConfig(c *cli.Context) error {
	filename := c.GlobalString("config")
	if filename == "" {
		return nil
	}

	parsed, err := config.Parse(filename)
	if err != nil {
		return err
	}
	cfg = parsed
	return nil
}

// openStorage connects to the Redis configured for record keeping. It
// returns nil if none is configured.
func openStorage(name string) (*storage.Storage, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	return storage.New(redisClient(name, cfg.Redis.Addr, cfg.Redis.DB))
}

func redisClient(name, addr string, db int) *redis.Client {
	setName := func(c *redis.Conn) error {
		ok, err := c.ClientSetName(name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("Error setting Redis client name to " + name)
		}
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, DB: db, OnConnect: setName})
}

// statsReporter returns a report function saving stats to s, or logging them
// when there is no storage.
func statsReporter(s *storage.Storage, id string) func(*expvar.Map) {
	interval := time.Duration(cfg.Stats.Interval) * time.Second
	return func(m *expvar.Map) {
		if s == nil {
			level.Debug(component(id)).Log("msg", "Stats", "stats", m.String())
			return
		}
		err := s.SetStats(id, m.String(), 2*interval)
		if err != nil {
			level.Warn(component(id)).Log("msg", "Could not report stats", "err", err)
		}
	}
}

// newStats returns Stats reporting at the configured interval.
func newStats(id string, s *storage.Storage) *stats.Stats {
	interval := time.Duration(cfg.Stats.Interval) * time.Second
	return stats.New(id, interval, statsReporter(s, id))
}

// runStats reports st periodically until the returned function is called.
func runStats(st *stats.Stats) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		st.Run(ctx)
		close(done)
	}()

	return func() {
		cancel()
		<-done
	}
}
