// Package shepherd is the HTTP client for the browser-provisioning sidecar.
// A browser instance corresponds to one shepherd "flock" (the browser
// container plus its xserver/audio companions); the flock request id doubles
// as the instance id everywhere else in the system.
package shepherd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/webrecorder/crawlmanager/internal/crawl"
)

// Config controls the shepherd endpoint and flock composition.
type Config struct {
	// Endpoint is the shepherd base URL, e.g. http://shepherd:9020.
	Endpoint string
	// Flock names the container composition to request (default "browsers").
	Flock string
	// Browser is the browser image tag inside the flock.
	Browser string
	// Environ is injected into every browser container.
	Environ map[string]string
	// Timeout bounds each shepherd call.
	Timeout time.Duration
}

// Client implements crawl.Provisioner against the shepherd API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Flock == "" {
		cfg.Flock = "browsers"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type flockResponse struct {
	ReqID string `json:"reqid"`
	Error string `json:"error"`
	State string `json:"state"`
}

// RequestInstance asks shepherd for a new flock in the pool and starts it.
// The returned flock request id identifies the browser instance.
func (c *Client) RequestInstance(ctx context.Context, pool string) (string, error) {
	opts := map[string]any{
		"environ": c.cfg.Environ,
	}
	if c.cfg.Browser != "" {
		opts["overrides"] = map[string]string{"browser": c.cfg.Browser}
	}
	path := fmt.Sprintf("/api/request_flock/%s?pool=%s", c.cfg.Flock, url.QueryEscape(pool))
	resp, err := c.post(ctx, path, opts)
	if err != nil {
		return "", err
	}
	if resp.Error != "" || resp.ReqID == "" {
		return "", fmt.Errorf("request flock: %s: %w", resp.Error, crawl.ErrProvisionFailed)
	}

	start, err := c.post(ctx, "/api/start_flock/"+resp.ReqID, map[string]any{
		"environ": map[string]string{"REQ_ID": resp.ReqID},
	})
	if err != nil {
		return "", err
	}
	if start.Error != "" {
		// best effort: don't leak the unstarted flock
		if stopErr := c.ReleaseInstance(ctx, resp.ReqID); stopErr != nil {
			c.logger.Warn("stop unstarted flock failed",
				zap.String("reqid", resp.ReqID), zap.Error(stopErr))
		}
		return "", fmt.Errorf("start flock %s: %s: %w", resp.ReqID, start.Error, crawl.ErrProvisionFailed)
	}
	c.logger.Debug("flock started", zap.String("reqid", resp.ReqID), zap.String("pool", pool))
	return resp.ReqID, nil
}

// ReleaseInstance stops the flock backing the instance.
func (c *Client) ReleaseInstance(ctx context.Context, instanceID string) error {
	resp, err := c.post(ctx, "/api/stop_flock/"+instanceID, nil)
	if err != nil {
		return err
	}
	if resp.Error != "" && !strings.Contains(resp.Error, "invalid_reqid") {
		return fmt.Errorf("stop flock %s: %s", instanceID, resp.Error)
	}
	return nil
}

// HealthCheck reports whether the flock backing the instance is running.
func (c *Client) HealthCheck(ctx context.Context, instanceID string) (crawl.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.Endpoint+"/api/flock/"+instanceID, nil)
	if err != nil {
		return crawl.HealthUnknown, fmt.Errorf("build health request: %w", err)
	}
	httpResp, err := c.http.Do(req)
	if err != nil {
		return crawl.HealthUnknown, fmt.Errorf("health check %s: %w", instanceID, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNotFound {
		return crawl.HealthUnhealthy, nil
	}
	var resp flockResponse
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, 1<<20)).Decode(&resp); err != nil {
		return crawl.HealthUnknown, fmt.Errorf("decode health response: %w", err)
	}
	if resp.Error != "" {
		return crawl.HealthUnhealthy, nil
	}
	switch resp.State {
	case "running", "started":
		return crawl.HealthHealthy, nil
	case "stopped", "removed":
		return crawl.HealthUnhealthy, nil
	default:
		return crawl.HealthUnknown, nil
	}
}

func (c *Client) post(ctx context.Context, path string, payload any) (flockResponse, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return flockResponse{}, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, body)
	if err != nil {
		return flockResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return flockResponse{}, fmt.Errorf("shepherd %s: %w: %v", path, crawl.ErrProvisionFailed, err)
	}
	defer httpResp.Body.Close()

	var resp flockResponse
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, 1<<20)).Decode(&resp); err != nil {
		return flockResponse{}, fmt.Errorf("decode shepherd response: %w", err)
	}
	return resp, nil
}
