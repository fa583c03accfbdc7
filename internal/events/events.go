// Package events publishes wizard audit events to subscribers outside the
// instance store.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pitabwire/stepwise/model"
)

// Event names recorded by the engine.
const (
	WizardStarted         = "wizard_started"
	WizardResumed         = "wizard_resumed"
	WizardCancelled       = "wizard_cancelled"
	WizardExpired         = "wizard_expired"
	StepEntered           = "step_entered"
	AnswerChanged         = "answer_changed"
	AnswerCleared         = "answer_cleared"
	LocationApplied       = "location_applied"
	VerificationSent      = "verification_sent"
	VerificationSucceeded = "verification_succeeded"
	VerificationFailed    = "verification_failed"
	VerificationReset     = "verification_reset"
	UploadCompleted       = "upload_completed"
	UploadFailed          = "upload_failed"
	SubmissionSucceeded   = "submission_succeeded"
	SubmissionRejected    = "submission_rejected"
	SubmissionFailed      = "submission_failed"
)

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event model.WizardEvent) error
}

// Nop discards events.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, model.WizardEvent) error { return nil }

// StreamName is the JetStream stream capturing wizard events.
const StreamName = "stepwise_events"

// Subject returns the subject an event is published on:
// <prefix>.<wizard>.<event>. Dots in the wizard ID become underscores so
// the ID stays one token.
func Subject(prefix string, event model.WizardEvent) string {
	return fmt.Sprintf("%s.%s.%s", prefix, strings.ReplaceAll(event.WizardID, ".", "_"), event.Event)
}

// SetupStream creates or updates the stream holding every subject under
// prefix.
func SetupStream(ctx context.Context, js jetstream.JetStream, prefix string, maxAge time.Duration) (jetstream.Stream, error) {
	return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{prefix + ".>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   maxAge,
	})
}

// Connect dials url and returns a JetStream context. The connection is owned
// by the caller.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("stepwise"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("events: connect %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("events: jetstream: %w", err)
	}
	return nc, js, nil
}

// NATSPublisher publishes events as JSON to JetStream.
type NATSPublisher struct {
	js     jetstream.JetStream
	prefix string
}

// NewNATSPublisher creates a publisher writing under prefix.
func NewNATSPublisher(js jetstream.JetStream, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "stepwise"
	}
	return &NATSPublisher{js: js, prefix: prefix}
}

// Publish sends event and waits for the stream acknowledgement. The event ID
// is used as the message ID so redelivered publishes are de-duplicated.
func (p *NATSPublisher) Publish(ctx context.Context, event model.WizardEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	subject := Subject(p.prefix, event)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	return nil
}

// MemorySink collects events in memory. For tests and local runs.
type MemorySink struct {
	mu     sync.Mutex
	events []model.WizardEvent
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish records event.
func (s *MemorySink) Publish(_ context.Context, event model.WizardEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []model.WizardEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.WizardEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Names returns the recorded event names in order.
func (s *MemorySink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Event
	}
	return out
}
