package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shindakun/pastpapers/internal/models"
)

var csvHeader = []string{
	"ID",
	"Method",
	"Provider",
	"Outcome",
	"Message",
	"DurationMs",
	"CreatedAt",
}

// WriteCSV writes events as RFC 4180 CSV
// The output starts with a UTF-8 BOM for Excel compatibility
func WriteCSV(w io.Writer, events []models.LoginEvent) error {
	if _, err := io.WriteString(w, "\xEF\xBB\xBF"); err != nil {
		return fmt.Errorf("failed to write BOM: %w", err)
	}

	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		if err := writer.Write(eventToCSVRow(event)); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

func eventToCSVRow(event models.LoginEvent) []string {
	return []string{
		event.ID,
		string(event.Method),
		event.Provider,
		string(event.Outcome),
		event.Message,
		strconv.FormatInt(event.Duration.Milliseconds(), 10),
		event.CreatedAt.UTC().Format(time.RFC3339),
	}
}
