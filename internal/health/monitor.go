// Package health probes pin outbound links and maintains their persisted
// reachability state, falling back to archive snapshots for dead links.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pinstash/engine/internal/engine"
	"github.com/pinstash/engine/internal/metrics"
	"github.com/pinstash/engine/internal/retry"
)

// Event is published whenever a pin's link transitions state.
type Event struct {
	Type       string              `json:"type"`
	PinID      int64               `json:"pin_id"`
	URL        string              `json:"url"`
	From       engine.HealthStatus `json:"from"`
	To         engine.HealthStatus `json:"to"`
	ArchiveURL string              `json:"archive_url,omitempty"`
	At         time.Time           `json:"at"`
}

// EventHealthChanged marks a link status transition on the events topic.
const EventHealthChanged = "link.health_changed"

// Config controls probe behavior and sweep pacing.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// StaleAfter is how long a live link stays trusted before a re-probe.
	StaleAfter time.Duration
	// RecheckAfter paces re-probes of unknown and broken links.
	RecheckAfter time.Duration
	// BatchLimit bounds how many links one sweep probes.
	BatchLimit int
	Topic      string
}

// Deps wires the monitor's collaborators.
type Deps struct {
	Store     engine.HealthStore
	Pins      engine.PinStore
	Resolver  engine.ArchiveResolver
	Publisher engine.Publisher
	Policy    retry.Policy
	Clock     engine.Clock
	Logger    *zap.Logger
}

// Monitor owns the link health lifecycle for pins.
type Monitor struct {
	store     engine.HealthStore
	pins      engine.PinStore
	resolver  engine.ArchiveResolver
	publisher engine.Publisher
	policy    retry.Policy
	clock     engine.Clock
	logger    *zap.Logger
	client    *http.Client
	cfg       Config
}

// New constructs a Monitor, validating required collaborators.
func New(cfg Config, deps Deps) (*Monitor, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("health store is required")
	}
	if deps.Pins == nil {
		return nil, fmt.Errorf("pin store is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 7 * 24 * time.Hour
	}
	if cfg.RecheckAfter <= 0 {
		cfg.RecheckAfter = 24 * time.Hour
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 10
	}
	if cfg.Topic == "" {
		cfg.Topic = "engine-events"
	}
	if deps.Policy.MaxAttempts <= 0 {
		deps.Policy = retry.Default()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Monitor{
		store:     deps.Store,
		pins:      deps.Pins,
		resolver:  deps.Resolver,
		publisher: deps.Publisher,
		policy:    deps.Policy,
		clock:     deps.Clock,
		logger:    deps.Logger,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		cfg: cfg,
	}, nil
}

// Record returns the current health record for a pin, creating an unknown
// record from the pin's link on first sight. Pins without an outbound link
// have no record.
func (m *Monitor) Record(ctx context.Context, pinID int64) (engine.HealthRecord, error) {
	rec, ok, err := m.store.Get(ctx, pinID)
	if err != nil {
		return engine.HealthRecord{}, fmt.Errorf("load health record: %w", err)
	}
	if ok {
		return rec, nil
	}

	pin, ok, err := m.pins.Get(ctx, pinID)
	if err != nil {
		return engine.HealthRecord{}, fmt.Errorf("load pin: %w", err)
	}
	if !ok || pin.Link == "" {
		return engine.HealthRecord{}, engine.ErrNotFound
	}

	now := m.clock.Now()
	rec = engine.HealthRecord{
		PinID:     pinID,
		URL:       pin.Link,
		Status:    engine.HealthUnknown,
		CreatedAt: now,
		UpdatedAt: now,
	}
	out, err := m.store.Upsert(ctx, rec)
	if err != nil {
		return engine.HealthRecord{}, fmt.Errorf("create health record: %w", err)
	}
	return out, nil
}

// CheckPin probes one pin's link now and persists the resulting state.
// Archived records are terminal and are returned without a probe.
func (m *Monitor) CheckPin(ctx context.Context, pinID int64) (engine.HealthRecord, error) {
	rec, err := m.Record(ctx, pinID)
	if err != nil {
		return engine.HealthRecord{}, err
	}
	if rec.Status == engine.HealthArchived {
		return rec, nil
	}
	return m.check(ctx, rec)
}

// Sweep probes every link that is due, oldest first, up to the batch limit.
// Records in a backoff window or past the failure ceiling are skipped; the
// failure count feeds the same policy the cache pipeline uses. It returns
// how many links were probed.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	now := m.clock.Now()
	targets, err := m.store.ListDue(ctx, now.Add(-m.cfg.StaleAfter), now.Add(-m.cfg.RecheckAfter), m.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list due health records: %w", err)
	}

	checked := 0
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return checked, err
		}
		if !m.eligible(target.Current, now) {
			continue
		}
		if _, err := m.check(ctx, target.Current); err != nil {
			m.logger.Warn("health check failed",
				zap.Int64("pin_id", target.PinID),
				zap.String("url", target.URL),
				zap.Error(err),
			)
			continue
		}
		checked++
	}
	return checked, nil
}

// Remove drops the record for a deleted pin.
func (m *Monitor) Remove(ctx context.Context, pinID int64) error {
	return m.store.Delete(ctx, pinID)
}

// eligible applies the shared backoff policy to a record's consecutive
// failures. Healthy records carry zero failures and are always eligible.
// CheckPin bypasses this; an explicit request always probes.
func (m *Monitor) eligible(rec engine.HealthRecord, now time.Time) bool {
	last := time.Time{}
	if rec.LastChecked != nil {
		last = *rec.LastChecked
	}
	return m.policy.Eligible(rec.Failures, last, now)
}

// check probes the link and applies the transition rules: reachable links
// become live, unreachable links become broken, and broken links with a
// known snapshot land in the terminal archived state.
func (m *Monitor) check(ctx context.Context, rec engine.HealthRecord) (engine.HealthRecord, error) {
	prev := rec.Status
	now := m.clock.Now()

	if m.probe(ctx, rec.URL) {
		rec.Status = engine.HealthLive
		rec.Failures = 0
	} else {
		rec.Status = engine.HealthBroken
		rec.Failures++
		if snapshot := m.resolve(ctx, rec.URL); snapshot != "" {
			rec.Status = engine.HealthArchived
			rec.ArchiveURL = snapshot
		}
	}

	rec.LastChecked = &now
	rec.UpdatedAt = now
	out, err := m.store.Upsert(ctx, rec)
	if err != nil {
		return engine.HealthRecord{}, fmt.Errorf("persist health record: %w", err)
	}
	metrics.ObserveHealthCheck(string(out.Status))

	if out.Status != prev {
		m.logger.Info("link health changed",
			zap.Int64("pin_id", out.PinID),
			zap.String("url", out.URL),
			zap.String("from", string(prev)),
			zap.String("to", string(out.Status)),
		)
		m.publish(ctx, Event{
			Type:       EventHealthChanged,
			PinID:      out.PinID,
			URL:        out.URL,
			From:       prev,
			To:         out.Status,
			ArchiveURL: out.ArchiveURL,
			At:         now,
		})
	}
	return out, nil
}

// probe reports whether the link answers with a non-error status. HEAD keeps
// the probe cheap; servers that reject HEAD get one GET retry.
func (m *Monitor) probe(ctx context.Context, rawURL string) bool {
	status, err := m.request(ctx, http.MethodHead, rawURL)
	if err == nil && status == http.StatusMethodNotAllowed {
		status, err = m.request(ctx, http.MethodGet, rawURL)
	}
	if err != nil {
		return false
	}
	return status < http.StatusBadRequest
}

func (m *Monitor) request(ctx context.Context, method, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, err
	}
	if m.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", m.cfg.UserAgent)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// resolve asks the archive for a snapshot; any archive failure leaves the
// link broken for the next sweep to try again.
func (m *Monitor) resolve(ctx context.Context, rawURL string) string {
	if m.resolver == nil {
		return ""
	}
	snapshot, err := m.resolver.Resolve(ctx, rawURL)
	if err != nil {
		if !errors.Is(err, engine.ErrNoSnapshot) {
			m.logger.Warn("archive lookup failed", zap.String("url", rawURL), zap.Error(err))
		}
		return ""
	}
	return snapshot
}

func (m *Monitor) publish(ctx context.Context, event Event) {
	if m.publisher == nil {
		return
	}
	if _, err := m.publisher.Publish(ctx, m.cfg.Topic, event); err != nil {
		m.logger.Warn("publish event", zap.String("type", event.Type), zap.Error(err))
	}
}
