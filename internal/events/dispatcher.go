package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zenflux/zenflux/internal/config"
	"github.com/zenflux/zenflux/internal/observability"
	"github.com/zenflux/zenflux/internal/retry"
	"github.com/zenflux/zenflux/pkg/models"
)

const (
	defaultDeliveryTimeout = 10 * time.Second
	retryBaseDelay         = 500 * time.Millisecond
)

// destination is one enabled subscription bound to its adapter.
type destination struct {
	cfg     config.WebhookConfig
	adapter Adapter
}

// Dispatcher fans events out to every matching destination. Each delivery
// runs on its own goroutine with bounded linear-backoff retry; a failed
// destination never affects the session stream or other destinations.
type Dispatcher struct {
	destinations []destination
	client       *http.Client
	logger       *slog.Logger
	metrics      *observability.Metrics
	wg           sync.WaitGroup
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Client  *http.Client
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewDispatcher builds adapters for every enabled subscription. Disabled
// entries are skipped entirely; a bad adapter config is a hard error so the
// process fails at startup, not at first delivery.
func NewDispatcher(subs []config.WebhookConfig, opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		client:  opts.Client,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	for _, sub := range subs {
		if !sub.Enabled {
			continue
		}
		adapter, err := NewAdapter(sub)
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", sub.Name, err)
		}
		d.destinations = append(d.destinations, destination{cfg: sub, adapter: adapter})
	}
	return d, nil
}

// Dispatch fires one async delivery per matching destination and returns
// immediately. The event is cloned per destination so transforms can never
// race with the session buffer.
func (d *Dispatcher) Dispatch(ev *models.Event) {
	for _, dest := range d.destinations {
		if !shouldHandleAny(dest.adapter.SupportedEvents(), ev) {
			continue
		}
		dest := dest
		clone := ev.Clone()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(dest, clone)
		}()
	}
}

// Drain waits for in-flight deliveries, up to the given grace period.
func (d *Dispatcher) Drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		d.logger.Warn("dispatcher drain timed out", "grace", grace)
	}
}

func (d *Dispatcher) deliver(dest destination, ev *models.Event) {
	payload, err := dest.adapter.Transform(ev)
	if err != nil {
		d.logger.Error("event transform failed",
			"destination", dest.cfg.Name, "type", ev.Type, "error", err)
		d.observe(dest.cfg.Name, "transform_error")
		return
	}
	if payload == nil {
		return // adapter dropped the event for this destination
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("event payload encode failed",
			"destination", dest.cfg.Name, "type", ev.Type, "error", err)
		d.observe(dest.cfg.Name, "transform_error")
		return
	}

	timeout := dest.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}

	cfg := retry.Config{
		MaxAttempts:  dest.cfg.RetryCount + 1,
		InitialDelay: retryBaseDelay,
		Linear:       true,
	}
	result := retry.Do(context.Background(), cfg, func() error {
		return d.post(context.Background(), dest.cfg, body, timeout)
	})
	if result.Err != nil {
		d.logger.Error("event delivery failed",
			"destination", dest.cfg.Name,
			"endpoint", dest.cfg.Endpoint,
			"type", ev.Type,
			"seq", ev.Seq,
			"attempts", result.Attempts,
			"error", result.Err)
		d.observe(dest.cfg.Name, "failure")
		return
	}
	d.observe(dest.cfg.Name, "success")
}

func (d *Dispatcher) post(ctx context.Context, cfg config.WebhookConfig, body []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err // timeouts and connection errors are retryable
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}
	return fmt.Errorf("endpoint returned %d", resp.StatusCode)
}

func (d *Dispatcher) observe(destination, outcome string) {
	if d.metrics != nil {
		d.metrics.WebhookDeliveries.WithLabelValues(destination, outcome).Inc()
	}
}
