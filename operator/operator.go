// Package operator is a client for the REST interface of an operator node.
//
// Operators accept commands in the "command" header of GET and POST
// requests and reply with JSON. Rows are streamed into a table with PUT
// requests carrying a JSON body.
package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"

	"github.com/skroutz/aggrconf/aggregation"
	cfgerr "github.com/skroutz/aggrconf/configurator/errors"
)

const (
	// DefaultUserAgent is the User-Agent operators expect from clients.
	DefaultUserAgent = "AnyLog/1.23"

	// DefaultRetries is the number of retries of a failed request.
	DefaultRetries = 2

	// DefaultBackoff is the initial delay between retries. It doubles on
	// every retry.
	DefaultBackoff = 500 * time.Millisecond

	// Operators return error messages up to this size.
	maxErrorBody = 512
)

var (
	// Based on http.DefaultTransport
	//
	// See https://golang.org/pkg/net/http/#RoundTripper
	transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   4 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	// DefaultClient is shared by clients that are not given one.
	// Deadlines are set per request through contexts.
	DefaultClient = &http.Client{Transport: transport}
)

// StatusError is returned when an operator replies with a non 2xx status.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("Received status: %s", e.Status)
	}
	return fmt.Sprintf("Received status: %s: %s", e.Status, e.Body)
}

// Client talks to a single operator.
type Client struct {
	// Addr is the operator connection, either "host:port" or a URL.
	Addr string

	UserAgent string

	// Retries is how many times a request failing with a network error or
	// a 5xx status is retried.
	Retries uint64

	// Backoff is the delay before the first retry.
	Backoff time.Duration

	HTTP *http.Client
}

// New returns a Client for addr with default settings.
func New(addr string) *Client {
	return &Client{
		Addr:      addr,
		UserAgent: DefaultUserAgent,
		Retries:   DefaultRetries,
		Backoff:   DefaultBackoff,
		HTTP:      DefaultClient,
	}
}

// URL returns the URL requests to c are sent to.
func (c *Client) URL() string {
	if strings.Contains(c.Addr, "://") {
		return c.Addr
	}
	return "http://" + c.Addr
}

func (c *Client) String() string {
	return c.Addr
}

// Do sends a request carrying command and headers, retrying on transient
// failures, and decodes the JSON response into out. A nil out discards the
// response and a *[]byte receives it undecoded.
func (c *Client) Do(ctx context.Context, method, command string, headers map[string]string, body []byte, out interface{}) error {
	backoff := retry.WithMaxRetries(c.Retries, retry.NewExponential(c.backoff()))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.URL(), rd)
		if err != nil {
			return errors.Wrap(err, "Could not initialize request")
		}
		if command != "" {
			req.Header.Set("command", command)
		}
		if c.UserAgent != "" {
			req.Header.Set("User-Agent", c.UserAgent)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		res, err := c.httpClient().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
			serr := StatusError{Code: res.StatusCode, Status: res.Status, Body: strings.TrimSpace(string(msg))}
			if res.StatusCode >= http.StatusInternalServerError {
				return retry.RetryableError(serr)
			}
			return serr
		}

		switch v := out.(type) {
		case nil:
			_, err = io.Copy(io.Discard, res.Body)
			return err
		case *[]byte:
			*v, err = io.ReadAll(res.Body)
			return err
		default:
			return errors.Wrap(json.NewDecoder(res.Body).Decode(out), "Could not decode response")
		}
	})
}

// Get executes command and decodes its JSON result into out.
func (c *Client) Get(ctx context.Context, command string, out interface{}) error {
	return c.Do(ctx, http.MethodGet, command, nil, nil, out)
}

// Post executes command, ignoring its result.
func (c *Client) Post(ctx context.Context, command string) error {
	return c.Do(ctx, http.MethodPost, command, nil, nil, nil)
}

// Columns returns the columns of t in the order the operator reports them.
// A table the operator does not know is reported as TargetNotFound.
func (c *Client) Columns(ctx context.Context, t aggregation.Target) ([]aggregation.Column, error) {
	const phase = "fetching columns"
	command := fmt.Sprintf("get columns where dbms=%s and table=%s and format=json", t.DBMS, t.Table)

	var raw []byte
	err := c.Get(ctx, command, &raw)
	if err != nil {
		return nil, cfgerr.E(errorKind(err), phase, err)
	}

	cols, err := decodeColumns(raw)
	if err != nil || len(cols) == 0 {
		if err == nil {
			err = fmt.Errorf("table '%s' not found", t)
		}
		return nil, cfgerr.E(cfgerr.TargetNotFound, phase, err)
	}
	return cols, nil
}

// Aggregations returns the rows of "get aggregations".
func (c *Client) Aggregations(ctx context.Context) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	err := c.Get(ctx, "get aggregations where format=json", &rows)
	if err != nil {
		return nil, cfgerr.E(cfgerr.ConnectionError, "fetching aggregations", err)
	}
	return rows, nil
}

// SetAggregation applies s.
func (c *Client) SetAggregation(ctx context.Context, s aggregation.Setting) error {
	err := c.Post(ctx, s.Command())
	if err != nil {
		return cfgerr.E(errorKind(err), "setting aggregations",
			errors.Wrapf(err, "column %s", s.ValueColumn))
	}
	return nil
}

// Query runs sql against dbms and decodes its rows into out. The query is
// executed over the network of operators.
func (c *Client) Query(ctx context.Context, dbms, sql string, out interface{}) error {
	command := fmt.Sprintf(`sql %s format=json:list and stat=false "%s"`, dbms, sql)
	err := c.Do(ctx, http.MethodGet, command, map[string]string{"destination": "network"}, nil, out)
	if err != nil {
		return cfgerr.E(cfgerr.ConnectionError, "querying", err)
	}
	return nil
}

// Put streams payload, a JSON encodable row or list of rows, into
// dbms.table.
func (c *Client) Put(ctx context.Context, dbms, table string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "Could not encode payload")
	}

	headers := map[string]string{
		"type":         "json",
		"dbms":         dbms,
		"table":        table,
		"mode":         "streaming",
		"Content-Type": "text/plain",
	}
	err = c.Do(ctx, http.MethodPut, "", headers, body, nil)
	if err != nil {
		return cfgerr.E(cfgerr.ConnectionError, "inserting", err)
	}
	return nil
}

// errorKind classifies a failed request: a 404 means the operator does not
// know the target, anything else is a connection error.
func errorKind(err error) cfgerr.Kind {
	if serr, ok := errors.Cause(err).(StatusError); ok && serr.Code == http.StatusNotFound {
		return cfgerr.TargetNotFound
	}
	return cfgerr.ConnectionError
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return DefaultClient
	}
	return c.HTTP
}

func (c *Client) backoff() time.Duration {
	if c.Backoff <= 0 {
		return DefaultBackoff
	}
	return c.Backoff
}

// decodeColumns decodes a JSON object of column name to column type,
// keeping the order of its keys.
func decodeColumns(raw []byte) ([]aggregation.Column, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("unexpected columns response: %s", truncate(raw))
	}

	var cols []aggregation.Column
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected column name %v", tok)
		}

		var typ interface{}
		if err := dec.Decode(&typ); err != nil {
			return nil, err
		}
		cols = append(cols, aggregation.Column{Name: name, Type: fmt.Sprint(typ)})
	}

	return cols, nil
}

func truncate(raw []byte) string {
	if len(raw) > 80 {
		return string(raw[:80]) + "..."
	}
	return string(raw)
}
