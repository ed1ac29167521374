package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bboxkv/pkg/types"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("node unavailable")
)

// StatusError is a non-2xx answer the client has no sentinel for.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status=%d body=%s", e.Method, e.Path, e.Code, e.Body)
}

type tupleJSON struct {
	Key     string               `json:"key,omitempty"`
	Box     types.Hyperrectangle `json:"box"`
	Value   []byte               `json:"value,omitempty"`
	Version int64                `json:"version,omitempty"`
}

func (t tupleJSON) tuple() types.Tuple {
	return types.Tuple{Key: t.Key, Box: t.Box, Value: t.Value, Version: t.Version}
}

type response struct {
	Status string            `json:"status"`
	Error  string            `json:"error"`
	Tuple  *tupleJSON        `json:"tuple"`
	Tuples []tupleJSON       `json:"tuples"`
	Tables []string          `json:"tables"`
	Nodes  map[string]string `json:"nodes"`
}

// Client talks to the HTTP API of one node.
type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// WithHTTPClient replaces the underlying client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

func tuplePath(table types.TableName, key string) string {
	return "/tables/" + url.PathEscape(string(table)) + "/tuples/" + url.PathEscape(key)
}

func tablePath(table types.TableName, action string) string {
	return "/tables/" + url.PathEscape(string(table)) + "/" + action
}

func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err
}

func (c *Client) Put(ctx context.Context, table types.TableName, t types.Tuple) error {
	_, err := c.do(ctx, http.MethodPut, tuplePath(table, t.Key), tupleJSON{
		Box:     t.Box,
		Value:   t.Value,
		Version: t.Version,
	})
	return err
}

// Get returns ErrNotFound for a missing or deleted key.
func (c *Client) Get(ctx context.Context, table types.TableName, key string) (types.Tuple, error) {
	resp, err := c.do(ctx, http.MethodGet, tuplePath(table, key), nil)
	if err != nil {
		return types.Tuple{}, err
	}
	if resp.Tuple == nil {
		return types.Tuple{}, fmt.Errorf("GET %s: response without tuple", key)
	}
	return resp.Tuple.tuple(), nil
}

func (c *Client) Delete(ctx context.Context, table types.TableName, key string) error {
	_, err := c.do(ctx, http.MethodDelete, tuplePath(table, key), nil)
	return err
}

// Query returns the tuples intersecting box, sorted by key.
func (c *Client) Query(ctx context.Context, table types.TableName, box types.Hyperrectangle) ([]types.Tuple, error) {
	resp, err := c.do(ctx, http.MethodPost, tablePath(table, "query"), struct {
		Box types.Hyperrectangle `json:"box"`
	}{Box: box})
	if err != nil {
		return nil, err
	}
	out := make([]types.Tuple, len(resp.Tuples))
	for i, t := range resp.Tuples {
		out[i] = t.tuple()
	}
	return out, nil
}

// Flush rotates the memtable of table; with wait it returns after the
// flush finished.
func (c *Client) Flush(ctx context.Context, table types.TableName, wait bool) error {
	path := tablePath(table, "flush")
	if wait {
		path += "?wait=true"
	}
	_, err := c.do(ctx, http.MethodPost, path, nil)
	return err
}

func (c *Client) Clear(ctx context.Context, table types.TableName) error {
	_, err := c.do(ctx, http.MethodPost, tablePath(table, "clear"), nil)
	return err
}

func (c *Client) Tables(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/tables", nil)
	if err != nil {
		return nil, err
	}
	return resp.Tables, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (response, error) {
	var resp response

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return resp, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return resp, fmt.Errorf("create %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.client.Do(req)
	if err != nil {
		return resp, fmt.Errorf("%s do: %w", method, err)
	}
	defer httpResp.Body.Close()

	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return resp, fmt.Errorf("%s read body: %w", method, err)
	}

	switch httpResp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return resp, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case http.StatusServiceUnavailable:
		return resp, fmt.Errorf("%s %s: %w", method, path, ErrUnavailable)
	default:
		return resp, &StatusError{Method: method, Path: path, Code: httpResp.StatusCode, Body: string(b)}
	}

	if err := json.Unmarshal(b, &resp); err != nil {
		return resp, fmt.Errorf("decode: %w body=%s", err, string(b))
	}
	return resp, nil
}
