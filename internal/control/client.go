package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ErrPeerNotFound is returned by Kick for an unknown identifier.
var ErrPeerNotFound = errors.New("peer not found")

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the relay status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Peers retrieves the registered peers.
func (c *Client) Peers(ctx context.Context) (*PeersResponse, error) {
	var peers PeersResponse
	if err := c.do(ctx, http.MethodGet, "/peers", &peers); err != nil {
		return nil, err
	}
	return &peers, nil
}

// Kick removes a peer from the session table.
func (c *Client) Kick(ctx context.Context, id string) error {
	var resp RemoveResponse
	err := c.do(ctx, http.MethodDelete, "/peers/"+url.PathEscape(id), &resp)
	if err != nil {
		return err
	}
	if !resp.Removed {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return nil
}

// do performs a request to the control socket and decodes the JSON body.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	// The host is ignored; the transport always dials the socket.
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		if method == http.MethodDelete {
			break
		}
		fallthrough
	default:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
