// Package notify fans scheduler events out to pluggable sinks.
package notify

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// EventKind classifies a notification.
type EventKind string

const (
	EventSignal  EventKind = "signal"
	EventSuccess EventKind = "success"
	EventFailure EventKind = "failure"
)

// Event is one notification.
type Event struct {
	Kind    EventKind `json:"kind"`
	JobName string    `json:"job_name"`
	Account string    `json:"account,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Sink receives events. Delivery is best-effort; a failing sink never
// blocks or fails the job that emitted the event.
type Sink interface {
	Notify(e Event) error
}

// LogSink writes events to the service log.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink builds the default sink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "notify").Logger()}
}

func (s *LogSink) Notify(e Event) error {
	s.log.Info().
		Str("kind", string(e.Kind)).
		Str("job", e.JobName).
		Str("account", e.Account).
		Msg(e.Message)
	return nil
}

// WebhookSink POSTs events as JSON to a configured URL.
type WebhookSink struct {
	http *resty.Client
	log  zerolog.Logger
}

// NewWebhookSink builds a webhook sink.
func NewWebhookSink(url string, timeout time.Duration, log zerolog.Logger) *WebhookSink {
	return &WebhookSink{
		http: resty.New().
			SetBaseURL(url).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		log: log.With().Str("component", "notify_webhook").Logger(),
	}
}

func (s *WebhookSink) Notify(e Event) error {
	resp, err := s.http.R().SetBody(e).Post("")
	if err != nil {
		return fmt.Errorf("notify webhook failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("notify webhook failed: status %d", resp.StatusCode())
	}
	return nil
}

// Multi fans one event out to several sinks, logging failures.
type Multi struct {
	sinks []Sink
	log   zerolog.Logger
}

// NewMulti builds a fan-out sink.
func NewMulti(log zerolog.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, log: log}
}

func (m *Multi) Notify(e Event) error {
	for _, s := range m.sinks {
		if err := s.Notify(e); err != nil {
			m.log.Warn().Err(err).Str("job", e.JobName).Msg("Notification sink failed")
		}
	}
	return nil
}
