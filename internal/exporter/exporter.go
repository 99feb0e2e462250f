// Package exporter writes a user's sign-in history as a downloadable file.
package exporter

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shindakun/pastpapers/internal/models"
)

// Format is a download format for login history
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// MaxEvents caps how many events a single download contains
const MaxEvents = 1000

// ParseFormat validates a format taken from the request path
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format: %q", s)
	}
}

// ContentType returns the response content type for the format
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Filename builds the attachment name, e.g. login-history-20250301.csv
func (f Format) Filename(now time.Time) string {
	return fmt.Sprintf("login-history-%s.%s", now.UTC().Format("20060102"), f)
}

// Write encodes events in the given format
func Write(w io.Writer, f Format, events []models.LoginEvent) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, events)
	case FormatJSON:
		return WriteJSON(w, events)
	default:
		return fmt.Errorf("unsupported export format: %q", f)
	}
}
