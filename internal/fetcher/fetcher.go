// Package fetcher downloads source images over HTTP with hard limits.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pinstash/engine/internal/engine"
	"github.com/pinstash/engine/internal/metrics"
)

// sniffLen is how many leading bytes http.DetectContentType examines.
const sniffLen = 512

// Limiter gates outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls fetch behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64
}

// Fetcher implements engine.Fetcher over net/http.
type Fetcher struct {
	client  *http.Client
	limiter Limiter
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Fetcher. The limiter may be nil.
func New(cfg Config, limiter Limiter, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 20 * 1024 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Fetch downloads the source image. The response is read through a byte cap
// so an oversized payload is abandoned mid-stream, never fully buffered.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) (engine.RawImage, error) {
	if err := engine.ValidateSourceURL(sourceURL); err != nil {
		return engine.RawImage{}, fmt.Errorf("%w: %v", engine.ErrInvalidContent, err)
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, sourceURL); err != nil {
			return engine.RawImage{}, engine.AsNetworkErr(err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return engine.RawImage{}, fmt.Errorf("%w: %v", engine.ErrInvalidContent, err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "image/*,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.ObserveFetch(sourceURL, "network_error", 0)
		return engine.RawImage{}, engine.AsNetworkErr(err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Warn("close response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveFetch(sourceURL, "bad_status", 0)
		return engine.RawImage{}, fmt.Errorf("%w: unexpected status %d", engine.ErrNetwork, resp.StatusCode)
	}
	if resp.ContentLength > f.cfg.MaxBytes {
		metrics.ObserveFetch(sourceURL, "size_limit", 0)
		return engine.RawImage{}, fmt.Errorf("%w: declared %d bytes", engine.ErrSizeLimit, resp.ContentLength)
	}

	body, err := readCapped(resp.Body, f.cfg.MaxBytes)
	if err != nil {
		kind := "network_error"
		if err == errTooLarge {
			metrics.ObserveFetch(sourceURL, "size_limit", 0)
			return engine.RawImage{}, fmt.Errorf("%w: body exceeds %d bytes", engine.ErrSizeLimit, f.cfg.MaxBytes)
		}
		metrics.ObserveFetch(sourceURL, kind, 0)
		return engine.RawImage{}, engine.AsNetworkErr(err)
	}
	if len(body) == 0 {
		metrics.ObserveFetch(sourceURL, "invalid_content", 0)
		return engine.RawImage{}, fmt.Errorf("%w: empty body", engine.ErrInvalidContent)
	}

	contentType := imageContentType(resp.Header.Get("Content-Type"), body)
	if contentType == "" {
		metrics.ObserveFetch(sourceURL, "invalid_content", len(body))
		return engine.RawImage{}, fmt.Errorf("%w: not a raster image", engine.ErrInvalidContent)
	}

	metrics.ObserveFetch(sourceURL, "ok", len(body))
	f.logger.Debug("fetched source image",
		zap.String("url", sourceURL),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(body)),
	)
	return engine.RawImage{
		SourceURL:   sourceURL,
		ContentType: contentType,
		Body:        body,
	}, nil
}

var errTooLarge = fmt.Errorf("body too large")

// readCapped reads at most max bytes, erroring if the stream has more.
func readCapped(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, errTooLarge
	}
	return data, nil
}

// imageContentType returns the effective image content type, preferring the
// declared header and falling back to sniffing. Empty means not an image.
func imageContentType(declared string, body []byte) string {
	declared = strings.ToLower(strings.TrimSpace(strings.Split(declared, ";")[0]))
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	n := len(body)
	if n > sniffLen {
		n = sniffLen
	}
	sniffed := http.DetectContentType(body[:n])
	if strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return ""
}
