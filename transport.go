package chainlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// HTTPClient talks to a Server.
type HTTPClient struct {
	BaseURL string       // Base URL of the audit API (e.g., "https://audit.example.com")
	Client  *http.Client // HTTP client (can customize timeouts, TLS, etc.)

	mu    sync.RWMutex
	token string
}

// NewHTTPClient creates a client for the audit API at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
	}
}

// SetToken installs a bearer token obtained elsewhere.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Login exchanges the API password for a bearer token used by later calls.
func (c *HTTPClient) Login(ctx context.Context, password string) error {
	var resp tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/token", tokenRequest{Password: password}, http.StatusOK, &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.SetToken(resp.Token)
	return nil
}

// Append records an event and returns the stored record.
func (c *HTTPClient) Append(ctx context.Context, event string, details map[string]any) (Record, error) {
	var rec Record
	body := appendRequest{Event: event, Details: details}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/events", body, http.StatusCreated, &rec); err != nil {
		return Record{}, fmt.Errorf("append event: %w", err)
	}
	return rec, nil
}

// Verify asks the server to verify its chain.
func (c *HTTPClient) Verify(ctx context.Context) (bool, int, error) {
	var resp verifyResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/verify", nil, http.StatusOK, &resp); err != nil {
		return false, 0, fmt.Errorf("verify: %w", err)
	}
	return resp.Valid, resp.Checked, nil
}

// Entries fetches up to limit trailing records using the protobuf encoding.
func (c *HTTPClient) Entries(ctx context.Context, limit int) ([]Record, error) {
	path := "/api/v1/entries?limit=" + strconv.Itoa(limit)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentTypeProtobuf)

	data, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("entries: %w", err)
	}
	var list structpb.ListValue
	if err := proto.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("unmarshal protobuf: %w", err)
	}
	return FromProtoRecords(&list)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()
	return req, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)

	data, err := c.do(req, want)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) do(req *http.Request, want int) ([]byte, error) {
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, bytes.TrimSpace(data))
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}
