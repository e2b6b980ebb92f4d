// Package audit records lifecycle milestones as structured JSON lines.
// The audit channel is best-effort and non-authoritative: the pipeline
// swallows its errors so that audit can never change an authorization
// outcome.
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

// Event is one lifecycle milestone.
type Event struct {
	ID        string         `json:"id"`
	Stage     string         `json:"stage"`
	TxID      string         `json:"tx_id"`
	ContextID string         `json:"context_id"`
	State     string         `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Recorder is the contract the pipeline writes milestones through.
type Recorder interface {
	Record(ctx context.Context, stage, txID, contextID, state string, metadata map[string]any) error
}

// recorder writes structured JSON to a configurable Writer.
type recorder struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewRecorder creates a Recorder writing to os.Stdout.
func NewRecorder() Recorder {
	return NewRecorderWithWriter(os.Stdout)
}

// NewRecorderWithWriter creates a Recorder writing to the given writer.
// This allows injection for testing and custom sinks.
func NewRecorderWithWriter(w io.Writer) Recorder {
	if w == nil {
		w = os.Stdout
	}
	return &recorder{writer: w}
}

func (r *recorder) Record(_ context.Context, stage, txID, contextID, state string, metadata map[string]any) error {
	event := Event{
		ID:        uuid.New().String(),
		Stage:     stage,
		TxID:      txID,
		ContextID: contextID,
		State:     state,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = r.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}
