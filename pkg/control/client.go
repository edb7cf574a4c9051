package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client issues requests over one control connection
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder
}

// Dial connects to a control server at addr
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control API: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:    conn,
		encoder: json.NewEncoder(conn),
		decoder: json.NewDecoder(conn),
	}
}

// Call sends one request and waits for its response. A response carrying an
// error is returned as a Go error.
func (c *Client) Call(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	id := uuid.NewString()
	if err := c.encoder.Encode(Request{Method: method, ID: id, Params: params}); err != nil {
		return nil, err
	}

	var resp struct {
		ID     string          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := c.decoder.Decode(&resp); err != nil {
		return nil, err
	}
	if resp.ID != id {
		return nil, fmt.Errorf("response id %q does not match request %s", resp.ID, id)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Result, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
