// Package audit persists settled sign-in attempts and feeds the login metrics.
package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shindakun/pastpapers/internal/login"
	"github.com/shindakun/pastpapers/internal/metrics"
	"github.com/shindakun/pastpapers/internal/models"
	"github.com/shindakun/pastpapers/internal/storage"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// writeTimeout bounds the insert so a slow disk never holds up a response
const writeTimeout = 2 * time.Second

// Log writes login events to the database
type Log struct {
	db     *sql.DB
	logger *zap.Logger
	clock  clock.PassiveClock
}

// NewLog creates a Log. A nil db only updates metrics.
func NewLog(db *sql.DB, logger *zap.Logger, clk clock.PassiveClock) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Log{db: db, logger: logger.Named("audit"), clock: clk}
}

// ForVisitor returns a recorder that tags every attempt with visitorID
func (l *Log) ForVisitor(visitorID string) login.Recorder {
	return login.RecorderFunc(func(ctx context.Context, a login.Attempt) {
		l.Record(ctx, visitorID, a)
	})
}

// Record stores one attempt. Failures are logged and never surface to the user.
func (l *Log) Record(ctx context.Context, visitorID string, a login.Attempt) {
	metrics.RecordLogin(string(a.Method), string(a.Outcome), a.Duration)

	if l.db == nil {
		return
	}

	event := &models.LoginEvent{
		ID:        uuid.New().String(),
		VisitorID: visitorID,
		Method:    a.Method,
		Provider:  a.Provider,
		Email:     a.Email,
		Outcome:   a.Outcome,
		Message:   a.Message,
		Duration:  a.Duration,
		CreatedAt: l.clock.Now().UTC(),
	}
	l.Insert(ctx, event)
}

// Insert writes a prepared event. The request context may already be
// cancelled by the time an attempt settles, so its deadline is not inherited.
func (l *Log) Insert(ctx context.Context, event *models.LoginEvent) {
	if l.db == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := storage.InsertLoginEvent(ctx, l.db, event); err != nil {
		metrics.RecordError("audit_insert")
		l.logger.Error("failed to store login event",
			zap.String("event_id", event.ID),
			zap.String("outcome", string(event.Outcome)),
			zap.Error(err),
		)
	}
}

// Recent returns the latest events for email, newest first
func (l *Log) Recent(ctx context.Context, email string, limit int) ([]models.LoginEvent, error) {
	if l.db == nil {
		return nil, nil
	}
	return storage.ListRecentLoginEvents(ctx, l.db, email, limit)
}

// Prune deletes events older than retention
func (l *Log) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if l.db == nil || retention <= 0 {
		return 0, nil
	}
	n, err := storage.PruneLoginEvents(ctx, l.db, l.clock.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Info("pruned login events", zap.Int64("count", n))
	}
	return n, nil
}

// OutcomesSince counts events per outcome over the trailing window
func (l *Log) OutcomesSince(ctx context.Context, window time.Duration) (map[models.LoginOutcome]int, error) {
	if l.db == nil {
		return map[models.LoginOutcome]int{}, nil
	}
	return storage.CountLoginEventsByOutcome(ctx, l.db, l.clock.Now().Add(-window))
}

// Ping checks the database connection
func (l *Log) Ping(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	return l.db.PingContext(ctx)
}
