// Package messaging defines the message bus contract for detection notifications.
package messaging

import (
	"context"
	"time"
)

// Subjects follow {domain}.{resource}.{action}.
const (
	SubjectDetectionMatched = "sigma.detection.matched" // A run tagged at least one document
	SubjectDetectionRun     = "sigma.detection.run"     // Request to run a job now
)

// QueueDetectionWorkers load-balances run requests across service replicas.
const QueueDetectionWorkers = "sigma-detection-workers"

// Message is a received message.
type Message struct {
	Subject string
	Data    []byte
}

// MessageHandler processes a received message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Publisher sends JSON payloads to subjects.
type Publisher interface {
	PublishJSON(ctx context.Context, subject string, data any) error
	Close() error
}

// Subscriber delivers each message on subject to one member of queue.
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler MessageHandler) error
	Close() error
}

// DetectionMatched is published after a run commits its execution time.
type DetectionMatched struct {
	RuleName    string    `json:"rule_name"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Matches     int       `json:"matches"`
	Tagged      int       `json:"tagged"`
}

// RunRequest asks a replica to run a job outside its schedule.
type RunRequest struct {
	RuleName string `json:"rule_name"`
}

// NoopPublisher drops every message.
type NoopPublisher struct{}

func (NoopPublisher) PublishJSON(context.Context, string, any) error { return nil }
func (NoopPublisher) Close() error                                  { return nil }
