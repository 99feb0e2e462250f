package exporter

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/shindakun/pastpapers/internal/models"
)

type jsonEvent struct {
	ID         string              `json:"id"`
	Method     models.LoginMethod  `json:"method"`
	Provider   string              `json:"provider,omitempty"`
	Outcome    models.LoginOutcome `json:"outcome"`
	Message    string              `json:"message,omitempty"`
	DurationMs int64               `json:"duration_ms"`
	CreatedAt  time.Time           `json:"created_at"`
}

// WriteJSON writes events as a pretty-printed JSON array
func WriteJSON(w io.Writer, events []models.LoginEvent) error {
	out := make([]jsonEvent, 0, len(events))
	for _, e := range events {
		out = append(out, jsonEvent{
			ID:         e.ID,
			Method:     e.Method,
			Provider:   e.Provider,
			Outcome:    e.Outcome,
			Message:    e.Message,
			DurationMs: e.Duration.Milliseconds(),
			CreatedAt:  e.CreatedAt.UTC(),
		})
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false) // messages come back verbatim

	if err := encoder.Encode(out); err != nil {
		return fmt.Errorf("failed to encode login events to JSON: %w", err)
	}
	return nil
}
