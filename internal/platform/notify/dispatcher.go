// Package notify delivers settlement events to subscriber URLs as signed
// JSON webhooks. Delivery is asynchronous and best-effort.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	HeaderSignature = "X-HMS-Signature"
	HeaderEventID   = "X-HMS-Event-ID"
	HeaderTimestamp = "X-HMS-Timestamp"
)

// Event is the envelope posted to subscribers.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
	Data      interface{} `json:"data"`
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature (with or without the "sha256="
// prefix) matches payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithRetryDelays sets the wait before each retry. The number of delays is
// the number of retries.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) { d.queueSize = n }
}

type delivery struct {
	url     string
	event   Event
	payload []byte
}

// Dispatcher fans events out to a fixed set of URLs using a small worker pool.
type Dispatcher struct {
	urls        []string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
	queueSize   int
	workers     int
	logger      zerolog.Logger

	queue    chan delivery
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewDispatcher starts the delivery workers. With no URLs, Publish is a no-op.
func NewDispatcher(urls []string, secret string, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		urls:        urls,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute},
		queueSize:   256,
		workers:     4,
		logger:      logger.With().Str("component", "notify").Logger(),
		stop:        make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.queue = make(chan delivery, d.queueSize)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Publish enqueues the event for every subscriber. It never blocks; when the
// queue is full the delivery is dropped and logged.
func (d *Dispatcher) Publish(_ context.Context, eventType string, data interface{}) {
	if len(d.urls) == 0 {
		return
	}

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error().Err(err).Str("event_type", eventType).Msg("encode event")
		return
	}

	for _, url := range d.urls {
		select {
		case <-d.stop:
			return
		default:
		}
		select {
		case d.queue <- delivery{url: url, event: event, payload: payload}:
		default:
			d.logger.Warn().Str("event_id", event.ID).Str("url", url).Msg("notification queue full, dropping event")
		}
	}
}

// Close stops accepting events and waits for in-flight deliveries until ctx
// is done. Pending retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case job := <-d.queue:
			d.deliverWithRetry(job)
		}
	}
}

func (d *Dispatcher) deliverWithRetry(job delivery) {
	log := d.logger.With().Str("event_id", job.event.ID).Str("event_type", job.event.Type).Str("url", job.url).Logger()

	for attempt := 0; ; attempt++ {
		err := d.send(job)
		if err == nil {
			log.Debug().Int("attempt", attempt+1).Msg("event delivered")
			return
		}
		if attempt >= len(d.retryDelays) {
			log.Error().Err(err).Int("attempts", attempt+1).Msg("event delivery failed")
			return
		}

		log.Warn().Err(err).Int("attempt", attempt+1).Msg("event delivery failed, retrying")
		timer := time.NewTimer(d.retryDelays[attempt])
		select {
		case <-timer.C:
		case <-d.stop:
			timer.Stop()
			return
		}
	}
}

func (d *Dispatcher) send(job delivery) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.httpClient.Timeout+time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.url, bytes.NewReader(job.payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+SignPayload(job.payload, d.secret))
	req.Header.Set(HeaderEventID, job.event.ID)
	req.Header.Set(HeaderTimestamp, job.event.CreatedAt.Format(time.RFC3339))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
