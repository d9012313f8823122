package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultAddr is the address the daemon listens on by default.
const DefaultAddr = "127.0.0.1:8000"

// Client talks to the weight-tracker daemon over TCP or a unix socket.
type Client struct {
	addr       string
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for the daemon at addr. An addr containing a
// slash is a unix socket path, anything else is host:port. prefix is the
// daemon's routePrefix and may be empty.
func NewClient(addr string, prefix string) *Client {
	network, host := "tcp", addr
	if strings.Contains(addr, "/") {
		network, host = "unix", "unix"
	} else if strings.HasPrefix(addr, ":") {
		host = "localhost" + addr
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &Client{
		addr:    addr,
		baseURL: "http://" + host + strings.TrimRight(prefix, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, hostPort string) (net.Conn, error) {
					target := hostPort
					if network == "unix" {
						target = addr
					}
					conn, err := dialer.DialContext(ctx, network, target)
					if err != nil {
						if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
							return nil, ErrDaemonNotRunning
						}
						if errors.Is(err, os.ErrPermission) {
							return nil, ErrPermissionDenied
						}
						logrus.Errorf("failed to connect to %s: %v", addr, err)
						return nil, err
					}
					return conn, nil
				},
			},
		},
	}
}

// Send sends a request to the daemon and returns the response body. Non-2xx
// responses are returned as errors carrying the daemon's message.
func (c *Client) Send(method string, path string, data string) (string, error) {
	logrus.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"data":   data,
		"addr":   c.addr,
	}).Debug("sending request")

	var body io.Reader
	if data != "" {
		body = strings.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if data != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.Errorf("failed to close response body: %v", err)
		}
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	ret := string(b)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return "", fmt.Errorf("%w: %s", ErrUnavailable, unquote(ret))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("got %d: %s", resp.StatusCode, unquote(ret))
	}

	return ret, nil
}

// Get sends a GET request to the daemon.
func (c *Client) Get(path string) (string, error) {
	return c.Send(http.MethodGet, path, "")
}

// Put sends a PUT request to the daemon.
func (c *Client) Put(path string, data string) (string, error) {
	return c.Send(http.MethodPut, path, data)
}

// Patch sends a PATCH request to the daemon.
func (c *Client) Patch(path string, data string) (string, error) {
	return c.Send(http.MethodPatch, path, data)
}

// Post sends a POST request to the daemon.
func (c *Client) Post(path string, data string) (string, error) {
	return c.Send(http.MethodPost, path, data)
}

// unquote decodes the JSON string the daemon sends as an error message.
// Anything else is returned as is.
func unquote(s string) string {
	var msg string
	if err := json.Unmarshal([]byte(s), &msg); err == nil {
		return msg
	}
	return strings.TrimSpace(s)
}
