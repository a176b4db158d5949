// Package upstream talks to the public registry this server mirrors.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkgfoundry/depot/internal/model"
	"go.uber.org/zap"
)

var (
	// ErrDisabled is returned without any network activity when the
	// upstream proxy is switched off.
	ErrDisabled = errors.New("upstream disabled")
	// ErrNotFound is a definitive 404 from upstream, never retried.
	ErrNotFound = errors.New("not found upstream")
	// ErrUnavailable is returned after retries are exhausted.
	ErrUnavailable = errors.New("upstream unavailable")
)

// PackageDoc is the upstream wire shape for a package.
type PackageDoc struct {
	Name       string         `json:"name"`
	Repository string         `json:"repository"`
	Meta       map[string]any `json:"meta"`
	Releases   []*ReleaseDoc  `json:"releases"`
}

// ReleaseDoc is the upstream wire shape for a release.
type ReleaseDoc struct {
	Version      string                        `json:"version"`
	HasDocs      bool                          `json:"has_docs"`
	Meta         map[string]any                `json:"meta"`
	Requirements map[string]*model.Requirement `json:"requirements"`
	Retirement   *model.RetirementInfo         `json:"retirement"`
}

// Client issues HTTP requests to the upstream registry. Each call receives
// the current UpstreamConfig snapshot so admin changes apply to the next
// request without a restart.
type Client struct {
	logger *zap.Logger
}

// NewClient creates an upstream client
func NewClient(logger *zap.Logger) *Client {
	return &Client{logger: logger}
}

// FetchPackage fetches a package document, releases included
func (c *Client) FetchPackage(ctx context.Context, cfg *model.UpstreamConfig, name string) (*PackageDoc, error) {
	body, err := c.get(ctx, cfg, joinURL(cfg.APIURL, "packages", name))
	if err != nil {
		return nil, err
	}
	doc := &PackageDoc{}
	if err := json.Unmarshal(body, doc); err != nil {
		return nil, fmt.Errorf("%w: malformed package document: %v", ErrUnavailable, err)
	}
	return doc, nil
}

// FetchReleaseTarball fetches a release's archive bytes
func (c *Client) FetchReleaseTarball(ctx context.Context, cfg *model.UpstreamConfig, name, version string) ([]byte, error) {
	return c.get(ctx, cfg, joinURL(cfg.RepoURL, "tarballs", fmt.Sprintf("%s-%s.tar", name, version)))
}

// FetchDocsTarball fetches a release's documentation bytes
func (c *Client) FetchDocsTarball(ctx context.Context, cfg *model.UpstreamConfig, name, version string) ([]byte, error) {
	return c.get(ctx, cfg, joinURL(cfg.RepoURL, "docs", fmt.Sprintf("%s-%s.tar.gz", name, version)))
}

// defaultTimeout bounds requests when the stored config carries no
// timeout, so an admin omitting the field never yields an unbounded call.
const defaultTimeout = 15 * time.Second

func requestTimeout(cfg *model.UpstreamConfig) time.Duration {
	if cfg.Timeout <= 0 {
		return defaultTimeout
	}
	return cfg.Timeout
}

// get issues one GET with the configured timeout, retrying network errors
// and 5xx responses with a fixed delay. A 404 is definitive.
func (c *Client) get(ctx context.Context, cfg *model.UpstreamConfig, rawURL string) ([]byte, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := &http.Client{Timeout: requestTimeout(cfg)}
	attempts := cfg.RetryAttempts + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.RetryDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
		}

		body, retryable, err := c.once(ctx, client, rawURL)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("upstream request failed",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) once(ctx context.Context, client *http.Client, rawURL string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, err
		}
		return data, false, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("upstream returned %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("%w: upstream returned %d", ErrUnavailable, resp.StatusCode)
	}
}

func joinURL(base string, parts ...string) string {
	u := strings.TrimRight(base, "/")
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}
