package config

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/skroutz/aggrconf/notifier"
)

// Defaults applied by Parse and Default to unset values.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultConcurrency   = 8
	DefaultRetries       = 2
	DefaultUserAgent     = "AnyLog/1.23"
	DefaultStatsInterval = 5
)

// Duration is a time.Duration decoded from a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts a duration string, or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		dur, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		d.Duration = dur
	case json.Number:
		secs, err := v.Float64()
		if err != nil {
			return err
		}
		d.Duration = time.Duration(secs * float64(time.Second))
	default:
		return errors.Errorf("invalid duration %s", b)
	}
	return nil
}

// MarshalJSON encodes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Config holds the app's configuration
type Config struct {
	Operator struct {
		Timeout   Duration `json:"timeout"`
		UserAgent string   `json:"user_agent"`
		// Retries of a failed request. 0 uses DefaultRetries, -1 disables
		// retries.
		Retries     int `json:"retries"`
		Concurrency int `json:"concurrency"`
	} `json:"operator"`

	Redis struct {
		// Empty disables record keeping
		Addr string `json:"addr"`
		DB   int    `json:"db"`
	} `json:"redis"`

	Stats struct {
		Interval int `json:"interval"`
	} `json:"stats"`

	Report struct {
		Dir      string `json:"dir"`
		S3Bucket string `json:"s3_bucket"`
		S3Region string `json:"s3_region"`
	} `json:"report"`

	Backends map[string]map[string]interface{} `json:"backends"`

	Publish []notifier.Destination `json:"publish"`
}

// Default returns a Config with every default applied.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Parse loads a given file name and creates a Configuration
func Parse(filename string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(filename)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "Could not parse %s", filename)
	}

	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// RequestRetries returns the number of retries of a failed operator request.
func (cfg Config) RequestRetries() uint64 {
	if cfg.Operator.Retries < 0 {
		return 0
	}
	return uint64(cfg.Operator.Retries)
}

// Validate reports settings that can never work.
func (cfg Config) Validate() error {
	if cfg.Operator.Retries < -1 {
		return errors.New("operator.retries must be -1 or more")
	}
	for _, p := range cfg.Publish {
		if _, ok := cfg.Backends[p.Backend]; !ok {
			return errors.Errorf("publish destination %s uses unconfigured backend %q", p.Destination, p.Backend)
		}
	}
	if cfg.Report.S3Bucket != "" && cfg.Report.S3Region == "" {
		return errors.New("report.s3_region is required with report.s3_bucket")
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Operator.Timeout.Duration <= 0 {
		cfg.Operator.Timeout.Duration = DefaultTimeout
	}
	if cfg.Operator.UserAgent == "" {
		cfg.Operator.UserAgent = DefaultUserAgent
	}
	if cfg.Operator.Retries == 0 {
		cfg.Operator.Retries = DefaultRetries
	}
	if cfg.Operator.Concurrency <= 0 {
		cfg.Operator.Concurrency = DefaultConcurrency
	}
	if cfg.Stats.Interval <= 0 {
		cfg.Stats.Interval = DefaultStatsInterval
	}
}
