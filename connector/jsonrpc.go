// SPDX-License-Identifier: MIT
// Dev: KryperAI

package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTimeout bounds a single JSON-RPC round trip.
const DefaultTimeout = 30 * time.Second

var (
	ErrUnauthorized = errors.New("incorrect rpcuser or rpcpassword (authorization failed)")
	ErrNoResponse   = errors.New("no response from server")
	ErrBadResponse  = errors.New("couldn't parse reply from server")
)

// RPCError is the error member of a JSON-RPC reply.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc,omitempty"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result jsoniter.RawMessage `json:"result"`
	Error  *RPCError           `json:"error"`
}

// Client posts JSON-RPC requests with HTTP basic auth.
type Client struct {
	url         string
	user        string
	pass        string
	version     string
	contentType string
	http        *http.Client
}

type Option func(*Client)

// WithVersion sets the "jsonrpc" member. An empty version omits it.
func WithVersion(v string) Option {
	return func(c *Client) { c.version = v }
}

func WithContentType(ct string) Option {
	return func(c *Client) {
		if ct != "" {
			c.contentType = ct
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// NewClient targets http://ip:port/.
func NewClient(ip string, port int, user, pass string, opts ...Option) *Client {
	return NewClientURL("http://"+net.JoinHostPort(ip, strconv.Itoa(port))+"/", user, pass, opts...)
}

func NewClientURL(url, user, pass string, opts ...Option) *Client {
	c := &Client{
		url:         url,
		user:        user,
		pass:        pass,
		version:     "1.0",
		contentType: "application/json",
		http:        &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) URL() string { return c.url }

// Call invokes method and returns the raw "result" member.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (jsoniter.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: c.version, ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", c.contentType)
	if c.user != "" || c.pass != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("couldn't connect to server: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode >= 400 &&
		resp.StatusCode != http.StatusBadRequest &&
		resp.StatusCode != http.StatusNotFound &&
		resp.StatusCode != http.StatusInternalServerError:
		return nil, fmt.Errorf("server returned HTTP error %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrNoResponse
	}
	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, ErrBadResponse
	}
	if out.Error != nil {
		return nil, out.Error
	}
	if len(out.Result) == 0 {
		return jsoniter.RawMessage("null"), nil
	}
	return out.Result, nil
}
