package rates

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundarb/pkg/models"
)

// Source produces a venue's current funding rates.
type Source interface {
	Name() string
	FundingRates(ctx context.Context) ([]models.FundingRateObservation, error)
}

// Poller feeds the store from venue sources on a fixed interval.
type Poller struct {
	store    *MemoryStore
	sources  []Source
	interval time.Duration
	logger   *logrus.Logger
	stopCh   chan struct{}
}

func NewPoller(store *MemoryStore, sources []Source, interval time.Duration, logger *logrus.Logger) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{
		store:    store,
		sources:  sources,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop. It returns immediately.
func (p *Poller) Start(ctx context.Context) {
	go p.run(ctx)
}

func (p *Poller) Stop() {
	close(p.stopCh)
}

func (p *Poller) run(ctx context.Context) {
	p.pollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, src := range p.sources {
		go func(src Source) {
			obs, err := src.FundingRates(ctx)
			if err != nil {
				p.logger.WithError(err).WithField("venue", src.Name()).Error("Failed to fetch funding rates")
				return
			}
			p.store.RecordAll(obs)
			p.logger.WithFields(logrus.Fields{
				"venue": src.Name(),
				"count": len(obs),
			}).Debug("Recorded funding rates")
		}(src)
	}
}
