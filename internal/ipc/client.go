package ipc

import (
	"encoding/json"
	"fmt"
	"net"
)

// Client dials the daemon socket once per call.
type Client struct {
	path string
}

func NewClient(path string) *Client {
	return &Client{path: path}
}

// Call sends one request and reads one response. A Response carrying an
// Error field is returned as a Go error.
func (c *Client) Call(req Request) (Response, error) {
	conn, err := net.Dial("unix", c.path)
	if err != nil {
		return Response{}, fmt.Errorf("connect to daemon: %w (is the atoll daemon running?)", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}
