package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// TokenHeader must match the server's auth header.
const TokenHeader = "X-Relay-Token"

// APIError is a non-2xx response from the relay.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// HTTPClient makes REST calls to the relay.
type HTTPClient struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8890").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 60 * time.Second
	rc.Logger = stdlog.New(io.Discard, "", stdlog.LstdFlags)
	rc.CheckRetry = checkRetry
	return &HTTPClient{baseURL: baseURL, token: token, client: rc}
}

// checkRetry retries transport failures only. Session starts are not
// idempotent, so an error status from the relay is final.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return resp.StatusCode == http.StatusTooManyRequests, nil
}

func (c *HTTPClient) ListDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	if err := c.do(ctx, http.MethodGet, "/api/devices", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) StartSession(ctx context.Context, deviceID string) (*StartResult, error) {
	var out StartResult
	if err := c.do(ctx, http.MethodPost, "/api/session", map[string]string{"deviceId": deviceID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) StopSession(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/session", nil, nil)
}

func (c *HTTPClient) Session(ctx context.Context) (*SessionStatus, error) {
	var out SessionStatus
	if err := c.do(ctx, http.MethodGet, "/api/session", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendControl posts a tagged command for deviceID.
func (c *HTTPClient) SendControl(ctx context.Context, deviceID string, params any) error {
	body := map[string]any{"deviceId": deviceID, "params": params}
	return c.do(ctx, http.MethodPost, "/api/control", body, nil)
}

func (c *HTTPClient) LockScreen(ctx context.Context, deviceID string) (*LockState, error) {
	var out LockState
	if err := c.do(ctx, http.MethodGet, "/api/devices/"+url.PathEscape(deviceID)+"/lockscreen", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload any
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = data
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req.Request)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: string(respBody)}
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.Kind = e.Kind
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
