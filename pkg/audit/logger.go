// Package audit records structured decision and integration events as
// JSON lines, and exports evidence packs for external review.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	// EventDecision covers consensus outcomes.
	EventDecision EventType = "DECISION"
	// EventExecution covers workflow lifecycle transitions.
	EventExecution EventType = "EXECUTION"
	// EventIntegration covers bridge effects on the promotion platform.
	EventIntegration EventType = "INTEGRATION"
	// EventSystem covers startup, shutdown, and configuration changes.
	EventSystem EventType = "SYSTEM"
)

// Event represents a structured audit record.
type Event struct {
	ID           string         `json:"id"`
	Component    string         `json:"component"`
	Type         EventType      `json:"type"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource"`
	EvidenceHash string         `json:"evidence_hash,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error
}

// logger implements Logger, writing structured JSON to a configurable Writer.
type logger struct {
	component string

	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger for the component writing to os.Stdout.
func NewLogger(component string) Logger {
	return NewLoggerWithWriter(component, os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(component string, w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{component: component, writer: w}
}

func (l *logger) Record(_ context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	event := Event{
		ID:        uuid.New().String(),
		Component: l.component,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	if hash, ok := metadata["evidence_hash"].(string); ok {
		event.EvidenceHash = hash
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}
