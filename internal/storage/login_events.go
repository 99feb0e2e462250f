package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shindakun/pastpapers/internal/models"
)

// InsertLoginEvent stores one settled sign-in attempt
func InsertLoginEvent(ctx context.Context, db *sql.DB, event *models.LoginEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid login event: %w", err)
	}

	query := `
		INSERT INTO login_events (
			id, visitor_id, method, provider, email, outcome, message, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		event.ID,
		event.VisitorID,
		string(event.Method),
		event.Provider,
		event.Email,
		string(event.Outcome),
		event.Message,
		event.Duration.Milliseconds(),
		event.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert login event: %w", err)
	}

	return nil
}

// ListRecentLoginEvents returns up to limit events for an email, newest first
func ListRecentLoginEvents(ctx context.Context, db *sql.DB, email string, limit int) ([]models.LoginEvent, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT id, visitor_id, method, provider, email, outcome, message, duration_ms, created_at
		FROM login_events
		WHERE email = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := db.QueryContext(ctx, query, email, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query login events: %w", err)
	}
	defer rows.Close()

	var events []models.LoginEvent
	for rows.Next() {
		var (
			e          models.LoginEvent
			method     string
			outcome    string
			durationMS int64
			createdAt  int64
		)
		if err := rows.Scan(&e.ID, &e.VisitorID, &method, &e.Provider, &e.Email, &outcome, &e.Message, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan login event: %w", err)
		}
		e.Method = models.LoginMethod(method)
		e.Outcome = models.LoginOutcome(outcome)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating login events: %w", err)
	}

	return events, nil
}

// CountLoginEventsByOutcome tallies events created at or after since
func CountLoginEventsByOutcome(ctx context.Context, db *sql.DB, since time.Time) (map[models.LoginOutcome]int, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT outcome, COUNT(*) FROM login_events WHERE created_at >= ? GROUP BY outcome",
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count login events: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.LoginOutcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan login event count: %w", err)
		}
		counts[models.LoginOutcome(outcome)] = n
	}
	return counts, rows.Err()
}

// PruneLoginEvents deletes events created before cutoff and returns how many went
func PruneLoginEvents(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, "DELETE FROM login_events WHERE created_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune login events: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
