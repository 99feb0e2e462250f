package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Pruner deletes login events past their retention in the background
type Pruner struct {
	log       *Log
	retention time.Duration
	interval  time.Duration
	clock     clock.WithTicker
}

// NewPruner creates a pruner that runs every interval
func NewPruner(log *Log, retention, interval time.Duration, clk clock.WithTicker) *Pruner {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Pruner{log: log, retention: retention, interval: interval, clock: clk}
}

// Run prunes once per interval until ctx is done
func (p *Pruner) Run(ctx context.Context) {
	if p.retention <= 0 || p.interval <= 0 {
		return
	}

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := p.log.Prune(ctx, p.retention); err != nil {
				p.log.logger.Warn("failed to prune login events", zap.Error(err))
			}
		}
	}
}
