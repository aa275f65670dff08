// Package archive resolves archive.today snapshots for broken pin links.
package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pinstash/engine/internal/engine"
	"github.com/pinstash/engine/internal/metrics"
)

// Config controls the archive endpoint and snapshot capture behavior.
type Config struct {
	// BaseURL is the archive mirror, e.g. https://archive.ph.
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// SubmitEnabled requests a fresh capture when no snapshot exists.
	SubmitEnabled bool
	PollAttempts  int
	PollInterval  time.Duration
}

// Resolver looks up snapshots through the archive's /newest/ endpoint, which
// redirects to the most recent capture of a URL.
type Resolver struct {
	client *http.Client
	cfg    Config
	logger *zap.Logger
}

// New constructs a Resolver.
func New(cfg Config, logger *zap.Logger) (*Resolver, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("archive base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse archive base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Resolve returns the newest verified snapshot URL for a broken link. It
// returns ErrNoSnapshot when the archive has never captured the URL and
// ErrArchiveUnavailable when the archive itself cannot be reached.
func (r *Resolver) Resolve(ctx context.Context, brokenURL string) (string, error) {
	snapshot, err := r.lookup(ctx, brokenURL)
	if err == nil {
		metrics.ObserveArchiveLookup("found")
		return snapshot, nil
	}
	if errors.Is(err, engine.ErrArchiveUnavailable) {
		metrics.ObserveArchiveLookup("error")
		return "", err
	}
	if !r.cfg.SubmitEnabled {
		metrics.ObserveArchiveLookup("missing")
		return "", err
	}

	if err := r.submit(ctx, brokenURL); err != nil {
		r.logger.Warn("archive capture request failed", zap.String("url", brokenURL), zap.Error(err))
		metrics.ObserveArchiveLookup("missing")
		return "", engine.ErrNoSnapshot
	}

	// Captures are asynchronous; poll briefly for the snapshot to appear.
	for attempt := 0; attempt < r.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}
		snapshot, err = r.lookup(ctx, brokenURL)
		if err == nil {
			metrics.ObserveArchiveLookup("found")
			return snapshot, nil
		}
		if errors.Is(err, engine.ErrArchiveUnavailable) {
			metrics.ObserveArchiveLookup("error")
			return "", err
		}
	}
	metrics.ObserveArchiveLookup("missing")
	return "", engine.ErrNoSnapshot
}

// lookup hits /newest/<url>, which 302s to the snapshot when one exists.
func (r *Resolver) lookup(ctx context.Context, brokenURL string) (string, error) {
	lookupURL := strings.TrimRight(r.cfg.BaseURL, "/") + "/newest/" + brokenURL
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build lookup request: %v", engine.ErrArchiveUnavailable, err)
	}
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", engine.ErrArchiveUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Only record a snapshot we actually landed on; the final URL after
		// redirects is the capture itself, not the lookup endpoint.
		final := resp.Request.URL.String()
		if final == "" || strings.Contains(resp.Request.URL.Path, "/newest/") {
			return "", engine.ErrNoSnapshot
		}
		return final, nil
	case resp.StatusCode == http.StatusNotFound:
		return "", engine.ErrNoSnapshot
	default:
		return "", fmt.Errorf("%w: lookup returned status %d", engine.ErrArchiveUnavailable, resp.StatusCode)
	}
}

// submit asks the archive to capture the URL now.
func (r *Resolver) submit(ctx context.Context, brokenURL string) error {
	form := url.Values{"url": {brokenURL}}
	submitURL := strings.TrimRight(r.cfg.BaseURL, "/") + "/submit/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrArchiveUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: submit returned status %d", engine.ErrArchiveUnavailable, resp.StatusCode)
	}
	return nil
}
