package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/skroutz/aggrconf/aggregation"
)

// DefaultClientTimeoutSec defines a default timeout in seconds for our http client
const DefaultClientTimeoutSec = 30

// Based on http.DefaultTransport
//
// See https://golang.org/pkg/net/http/#RoundTripper
var transport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second, // was 30 * time.Second
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// Backend publishes records by POSTing them to a URL.
type Backend struct {
	client *http.Client
}

// ID returns "http"
func (b *Backend) ID() string {
	return "http"
}

// Start starts the backend based on configuration provided by cfg.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	clientTimeout := time.Duration(DefaultClientTimeoutSec) * time.Second

	if cfgTimeout, ok := cfg["timeout"]; ok {
		n, ok := cfgTimeout.(json.Number)
		if !ok {
			return fmt.Errorf("timeout must be a number, got %v", cfgTimeout)
		}
		t, err := n.Int64()
		if err != nil {
			return err
		}
		clientTimeout = time.Duration(t) * time.Second
	}

	b.client = &http.Client{
		Transport: transport,
		Timeout:   clientTimeout, // Larger than Dial + TLS timeouts
	}

	return nil
}

// Notify posts rec to url.
func (b *Backend) Notify(url string, rec aggregation.Record) error {
	payload, err := rec.Bytes()
	if err != nil {
		return err
	}

	res, err := b.client.Post(url, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("Received Status: %s", res.Status)
	}
	return nil
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	return nil
}
