// Package storage is an abstraction/utility layer over Redis.
//
// It keeps the last configuration record of every connection × target pair
// along with the stats of recent runs. Records are only a log of what was
// applied; the operators remain the source of truth.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis"

	"github.com/skroutz/aggrconf/aggregation"
	cfgerr "github.com/skroutz/aggrconf/configurator/errors"
)

const (
	// Each record has a corresponding Redis Hash named in the form
	// "<RecordKeyPrefix><dbms>.<table>:<connection>".
	RecordKeyPrefix = "record:"

	// The connections holding a record for a target are kept in a Redis
	// Set named in the form "<TargetKeyPrefix><dbms>.<table>".
	TargetKeyPrefix = "target:"

	// Prefix for stats related entries
	statsPrefix = "stats"
)

var (
	// Atomically save a record unless a newer one is already stored.
	//
	// Concurrent runs against the same target may finish in any order;
	// the record of the run that configured the connection last wins.
	saverec = redis.NewScript(`
		local recKey = KEYS[1]
		local targetKey = KEYS[2]
		local conn = ARGV[1]
		local at = tonumber(ARGV[2])

		local current = redis.call("hget", recKey, "ConfiguredAt")
		if current and tonumber(current) > at then
			return 0
		end

		for i = 3, #ARGV, 2 do
			redis.call("hset", recKey, ARGV[i], ARGV[i + 1])
		end
		redis.call("sadd", targetKey, conn)
		return 1
		`)

	// ErrNotFound is returned by GetRecord when no record exists for the
	// requested connection and target.
	ErrNotFound = errors.New("Not Found")
)

// Storage wraps a redis.Client instance.
type Storage struct {
	Redis *redis.Client
}

// New returns a new Storage that can communicate with Redis. If Redis
// is not up an error will be returned.
func New(r *redis.Client) (*Storage, error) {
	if ping := r.Ping(); ping.Err() != nil || ping.Val() != "PONG" {
		if ping.Err() != nil {
			return nil, fmt.Errorf("Could not ping Redis Server successfully: %v", ping.Err())
		}
		return nil, fmt.Errorf("Could not ping Redis Server successfully: Expected PONG, received %s", ping.Val())
	}

	return &Storage{Redis: r}, nil
}

// SaveRecord updates or creates r in Redis. A stored record configured
// after r is left untouched.
func (s *Storage) SaveRecord(r *aggregation.Record) error {
	fields, err := recordToFields(r)
	if err != nil {
		return err
	}

	args := []interface{}{r.Connection, r.ConfiguredAt.UnixNano()}
	args = append(args, fields...)

	keys := []string{recordKey(r.Connection, r.Target), TargetKeyPrefix + r.Target.String()}
	_, err = saverec.Run(s.Redis, keys, args...).Result()
	if err != nil {
		return fmt.Errorf("Could not saverec: %s", err)
	}
	return nil
}

// GetRecord fetches the record of conn for t.
func (s *Storage) GetRecord(conn string, t aggregation.Target) (aggregation.Record, error) {
	val, err := s.Redis.HGetAll(recordKey(conn, t)).Result()
	if err != nil {
		return aggregation.Record{}, err
	}

	if v, ok := val["Connection"]; !ok || v == "" {
		return aggregation.Record{Connection: conn, Target: t}, ErrNotFound
	}

	return recordFromMap(val)
}

// Records returns every stored record of t, sorted by connection.
func (s *Storage) Records(t aggregation.Target) ([]aggregation.Record, error) {
	conns, err := s.Redis.SMembers(TargetKeyPrefix + t.String()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(conns)

	records := make([]aggregation.Record, 0, len(conns))
	for _, conn := range conns {
		r, err := s.GetRecord(conn, t)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// RemoveRecord removes the record of conn for t.
func (s *Storage) RemoveRecord(conn string, t aggregation.Target) error {
	pipe := s.Redis.TxPipeline()
	pipe.Del(recordKey(conn, t))
	pipe.SRem(TargetKeyPrefix+t.String(), conn)
	_, err := pipe.Exec()
	return err
}

// RecordExists checks if a record of conn for t exists in Redis.
// If a non-nil error is returned, the first returned value should be ignored.
func (s *Storage) RecordExists(conn string, t aggregation.Target) (bool, error) {
	return s.exists(recordKey(conn, t))
}

// GetStats fetches stats prefixed entries from Redis
func (s *Storage) GetStats(id string) ([]byte, error) {
	getCmd := s.Redis.Get(strings.Join([]string{statsPrefix, id}, ":"))

	if err := getCmd.Err(); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	return getCmd.Bytes()
}

// SetStats saves stats in Redis
func (s *Storage) SetStats(id, stats string, expiration time.Duration) error {
	return s.Redis.Set(strings.Join([]string{statsPrefix, id}, ":"), stats, expiration).Err()
}

func recordKey(conn string, t aggregation.Target) string {
	return RecordKeyPrefix + t.String() + ":" + conn
}

// Checks if key exists in Redis
func (s *Storage) exists(key string) (bool, error) {
	res, err := s.Redis.Exists(key).Result()
	return res > 0, err
}

// recordToFields flattens r into alternating field names and values.
func recordToFields(r *aggregation.Record) ([]interface{}, error) {
	columns, err := json.Marshal(r.Columns)
	if err != nil {
		return nil, err
	}

	return []interface{}{
		"Connection", r.Connection,
		"DBMS", r.DBMS,
		"Table", r.Table,
		"TimeColumn", r.TimeColumn,
		"Columns", string(columns),
		"Limit", r.Limit,
		"Applied", r.Applied,
		"Unchanged", r.Unchanged,
		"Status", string(r.Status),
		"ErrorKind", string(r.ErrorKind),
		"Error", r.Error,
		"ConfiguredAt", r.ConfiguredAt.UnixNano(),
	}, nil
}

func recordFromMap(m map[string]string) (aggregation.Record, error) {
	var err error
	r := aggregation.Record{}
	for k, v := range m {
		switch k {
		case "Connection":
			r.Connection = v
		case "DBMS":
			r.DBMS = v
		case "Table":
			r.Table = v
		case "TimeColumn":
			r.TimeColumn = v
		case "Columns":
			err = json.Unmarshal([]byte(v), &r.Columns)
		case "Limit":
			r.Limit, err = strconv.Atoi(v)
		case "Applied":
			r.Applied, err = strconv.Atoi(v)
		case "Unchanged":
			r.Unchanged, err = strconv.Atoi(v)
		case "Status":
			r.Status = aggregation.Status(v)
		case "ErrorKind":
			r.ErrorKind = cfgerr.Kind(v)
		case "Error":
			r.Error = v
		case "ConfiguredAt":
			var ns int64
			ns, err = strconv.ParseInt(v, 10, 64)
			r.ConfiguredAt = time.Unix(0, ns).UTC()
		default:
			return r, fmt.Errorf("Field %s with value %s was not found in Record struct", k, v)
		}
		if err != nil {
			return r, fmt.Errorf("Could not decode struct from map: %v", err)
		}
	}
	return r, nil
}
