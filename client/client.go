// Package client is a thin HTTP adapter over the reportd API. It issues
// single status fetches and carries no polling logic; see the poll
// package for the controller that drives it.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/learnhub/reportd/job"
)

// DefaultClientTimeoutSec defines a default timeout in seconds for our http client
const DefaultClientTimeoutSec = 10

// Based on http.DefaultTransport
//
// See https://golang.org/pkg/net/http/#RoundTripper
var transport = &http.Transport{
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

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Received status code %d: %s", e.Code, e.Body)
}

// Client fetches job snapshots from a reportd API server.
type Client struct {
	baseURL *url.URL
	client  *http.Client
}

// New returns a Client talking to the API at base (eg.
// "http://localhost:8000"). If hc is nil a client with sane transport
// defaults is used.
func New(base string, hc *http.Client) (*Client, error) {
	u, err := url.ParseRequestURI(base)
	if err != nil {
		return nil, fmt.Errorf("Could not parse base URL: %s", err)
	}
	if hc == nil {
		hc = &http.Client{
			Transport: transport,
			Timeout:   time.Duration(DefaultClientTimeoutSec) * time.Second,
		}
	}
	return &Client{baseURL: u, client: hc}, nil
}

// JobStatus fetches the current snapshot of the job denoted by id.
func (c *Client) JobStatus(ctx context.Context, id string) (job.Status, error) {
	u := *c.baseURL
	u.Path = "/reports/" + id + "/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return job.Status{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return job.Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return job.Status{}, &StatusError{Code: resp.StatusCode, Body: resp.Status}
	}

	var st job.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return job.Status{}, fmt.Errorf("Could not decode status response: %s", err)
	}
	if st.ID == "" {
		st.ID = id
	}
	return st, nil
}
