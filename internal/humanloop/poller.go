package humanloop

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/logger"
)

// Poller periodically sweeps pending requests past their timeout.
type Poller struct {
	service  *Service
	interval time.Duration
	logger   *logger.Logger
}

// NewPoller creates the expiry poller.
func NewPoller(service *Service, interval time.Duration, log *logger.Logger) *Poller {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Poller{service: service, interval: interval, logger: log}
}

// Run sweeps until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("human-request expiry poller started",
		zap.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("human-request expiry poller stopped")
			return ctx.Err()
		case <-ticker.C:
			expired, err := p.service.ExpireDue(ctx)
			if err != nil {
				p.logger.Error("expiry sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				p.logger.Info("expired human requests", zap.Int("count", expired))
			}
		}
	}
}
