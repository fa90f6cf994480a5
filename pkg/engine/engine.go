// Package engine wires the rate store, spread detector, saga coordinator
// and reconciliation ingestor into one running service. The coordinator and
// ingestor are independent workers sharing only the ledger; the engine holds
// no mutable trading state of its own.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundarb/pkg/ledger"
	"github.com/gregtusar/fundarb/pkg/models"
	"github.com/gregtusar/fundarb/pkg/rates"
	"github.com/gregtusar/fundarb/pkg/recon"
	"github.com/gregtusar/fundarb/pkg/saga"
	"github.com/gregtusar/fundarb/pkg/spread"
)

// Feed is a source of venue execution events.
type Feed interface {
	Run(ctx context.Context, out chan<- models.VenueEvent) error
}

// Engine is the caller-facing surface of the arbitrage execution system.
type Engine struct {
	rateStore   *rates.MemoryStore
	poller      *rates.Poller
	detectorCfg spread.Config
	coordinator *saga.Coordinator
	ingestor    *recon.Ingestor
	feeds       []Feed
	store       ledger.Ledger
	logger      *logrus.Logger

	workers int
	events  chan models.VenueEvent
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

type Options struct {
	RateStore   *rates.MemoryStore
	Poller      *rates.Poller
	DetectorCfg spread.Config
	Coordinator *saga.Coordinator
	Ingestor    *recon.Ingestor
	Feeds       []Feed
	Ledger      ledger.Ledger
	// IngestWorkers is the number of concurrent event-application loops;
	// the ledger's conditional writes serialize per-leg application.
	IngestWorkers int
	Logger        *logrus.Logger
}

func New(opts Options) *Engine {
	workers := opts.IngestWorkers
	if workers <= 0 {
		workers = 2
	}
	return &Engine{
		rateStore:   opts.RateStore,
		poller:      opts.Poller,
		detectorCfg: opts.DetectorCfg,
		coordinator: opts.Coordinator,
		ingestor:    opts.Ingestor,
		feeds:       opts.Feeds,
		store:       opts.Ledger,
		logger:      opts.Logger,
		workers:     workers,
		events:      make(chan models.VenueEvent, 256),
	}
}

// Start launches the pollers, feeds and ingestion workers, then resumes any
// submissions interrupted by a previous crash.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Starting arbitrage engine")

	ctx, e.cancel = context.WithCancel(ctx)

	if e.poller != nil {
		e.poller.Start(ctx)
	}

	for w := 0; w < e.workers; w++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.ingestor.Run(ctx, e.events)
		}()
	}

	for _, feed := range e.feeds {
		feed := feed
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := feed.Run(ctx, e.events); err != nil && ctx.Err() == nil {
				e.logger.WithError(err).Error("Execution feed stopped")
			}
		}()
	}

	if err := e.coordinator.ResumePending(ctx); err != nil {
		e.logger.WithError(err).Error("Failed to resume pending submissions")
	}
	return nil
}

// Stop cancels the workers started by Start and waits for them to drain.
func (e *Engine) Stop() {
	e.logger.Info("Stopping arbitrage engine")
	if e.cancel != nil {
		e.cancel()
	}
	if e.poller != nil {
		e.poller.Stop()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		e.logger.Warn("Timed out waiting for engine workers")
	}
}

// ScanOpportunities runs the detector over the current rate snapshot.
func (e *Engine) ScanOpportunities() []models.SpreadOpportunity {
	return spread.Detect(e.rateStore.LatestSnapshot(), e.detectorCfg)
}

// ExecutePair delegates to the saga coordinator.
func (e *Engine) ExecutePair(ctx context.Context, req saga.ExecuteRequest) (*saga.Result, error) {
	return e.coordinator.ExecutePair(ctx, req)
}

// GetPairStatus returns the pair and its legs.
func (e *Engine) GetPairStatus(ctx context.Context, pairID string) (*models.OrderPair, []models.LegOrder, error) {
	return e.store.GetPair(ctx, pairID)
}

// ListPairs returns pairs filtered by status.
func (e *Engine) ListPairs(ctx context.Context, statuses ...models.PairStatus) ([]models.OrderPair, error) {
	return e.store.ListPairs(ctx, statuses...)
}
