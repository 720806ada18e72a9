package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/researchflow/types"
)

// WebhookConfig configures outbound event delivery.
type WebhookConfig struct {
	// Endpoints receiving every job event. Empty disables dispatch.
	Endpoints []string `yaml:"endpoints" json:"endpoints"`

	// RatePerSecond caps outbound deliveries; Burst allows short spikes.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	Burst         int     `yaml:"burst" json:"burst"`

	// QueueSize bounds the in-flight event queue; overflow is dropped.
	QueueSize int `yaml:"queue_size" json:"queue_size"`

	// Timeout bounds each HTTP delivery attempt.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxRetries per delivery before the event is dropped.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// DefaultWebhookConfig returns sensible defaults.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		RatePerSecond: 20,
		Burst:         40,
		QueueSize:     256,
		Timeout:       10 * time.Second,
		MaxRetries:    2,
	}
}

// webhookPayload is the wire shape of an outbound event.
type webhookPayload struct {
	Event     string      `json:"event"`
	JobID     string      `json:"job_id"`
	Stage     types.Stage `json:"stage"`
	Progress  float64     `json:"progress"`
	Timestamp time.Time   `json:"timestamp"`
	Error     string      `json:"error,omitempty"`
}

// webhookName maps stream event types onto the outbound event names.
// EventStage marks stage entry and exists for live streams only; it
// has no outbound name and is not delivered.
func webhookName(ev Event) (string, bool) {
	switch ev.Type {
	case EventCreated:
		return "job.created", true
	case EventStarted:
		return "job.started", true
	case EventProgress:
		return "job.stage_completed", true
	case EventSuspended:
		return "job.suspended", true
	case EventComplete:
		return "job.completed", true
	case EventError:
		if ev.Stage == types.StageCancelled {
			return "job.cancelled", true
		}
		return "job.failed", true
	default:
		return "", false
	}
}

// WebhookDispatcher delivers job events to configured endpoints.
// Delivery is best-effort: rate limited, retried a bounded number of
// times, and dropped (with a log line) on persistent failure.
type WebhookDispatcher struct {
	config  WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	queue   chan Event
	done    chan struct{}
	logger  *zap.Logger
}

// NewWebhookDispatcher creates a dispatcher; call Start to begin
// draining the queue.
func NewWebhookDispatcher(config WebhookConfig, logger *zap.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultWebhookConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = def.RatePerSecond
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	return &WebhookDispatcher{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		queue:   make(chan Event, config.QueueSize),
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("component", "webhook_dispatcher")),
	}
}

// Publish enqueues an event for delivery without blocking. Implements
// Sink.
func (d *WebhookDispatcher) Publish(ev Event) {
	if len(d.config.Endpoints) == 0 {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.logger.Warn("webhook queue full, dropping event",
			zap.String("job_id", ev.JobID),
			zap.String("type", string(ev.Type)),
		)
	}
}

// Start drains the queue until ctx is cancelled.
func (d *WebhookDispatcher) Start(ctx context.Context) {
	go func() {
		defer close(d.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-d.queue:
				d.deliver(ctx, ev)
			}
		}
	}()
}

// Wait blocks until the dispatch loop has stopped.
func (d *WebhookDispatcher) Wait() { <-d.done }

func (d *WebhookDispatcher) deliver(ctx context.Context, ev Event) {
	name, ok := webhookName(ev)
	if !ok {
		return
	}
	payload := webhookPayload{
		Event:     name,
		JobID:     ev.JobID,
		Stage:     ev.Stage,
		Progress:  ev.Progress,
		Timestamp: ev.Timestamp,
		Error:     ev.ErrorDetail,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("failed to encode webhook payload", zap.Error(err))
		return
	}

	for _, endpoint := range d.config.Endpoints {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		if err := d.post(ctx, endpoint, body); err != nil {
			d.logger.Warn("webhook delivery failed, dropping",
				zap.String("endpoint", endpoint),
				zap.String("event", payload.Event),
				zap.String("job_id", ev.JobID),
				zap.Error(err),
			)
		}
	}
}

func (d *WebhookDispatcher) post(ctx context.Context, endpoint string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = types.NewError(types.ErrInternalError, "webhook endpoint returned "+resp.Status)
	}
	return lastErr
}
