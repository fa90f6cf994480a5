package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gregtusar/fundarb/api"
	"github.com/gregtusar/fundarb/internal/config"
	"github.com/gregtusar/fundarb/internal/logging"
	"github.com/gregtusar/fundarb/pkg/engine"
	"github.com/gregtusar/fundarb/pkg/ledger"
	"github.com/gregtusar/fundarb/pkg/rates"
	"github.com/gregtusar/fundarb/pkg/recon"
	"github.com/gregtusar/fundarb/pkg/saga"
	"github.com/gregtusar/fundarb/pkg/spread"
	"github.com/gregtusar/fundarb/pkg/venue"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "arbd",
		Short: "Funding-rate arbitrage execution engine",
		Long:  `A delta-neutral execution engine that detects funding-rate spreads across perpetual futures venues and opens paired positions with saga-style compensation`,
		Run:   runEngine,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runEngine(cmd *cobra.Command, args []string) {
	// Load .env if present; environment overrides still win.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger = logging.New(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Order ledger
	store, err := openLedger(cfg.Ledger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open ledger")
	}

	// Venue gateways and rate sources
	gateways := make(map[string]venue.Gateway, len(cfg.Venues))
	sources := make([]rates.Source, 0, len(cfg.Venues))
	overrides := make(map[string]time.Duration)
	for _, vc := range cfg.Venues {
		client, err := buildVenueClient(vc)
		if err != nil {
			logger.WithError(err).WithField("venue", vc.Name).Fatal("Failed to build venue client")
		}
		gateways[vc.Name] = client
		sources = append(sources, client)
		if vc.SettlementInterval > 0 {
			overrides[vc.Name] = vc.SettlementInterval
		}
	}

	// Funding rate store and pollers
	rateStore := rates.NewMemoryStore()
	poller := rates.NewPoller(rateStore, sources, cfg.Rates.PollInterval, logger)

	detectorCfg := spread.Config{
		MinSpreadThreshold:  cfg.Trading.MinSpreadThreshold,
		SettlementOverrides: overrides,
	}

	coordinator := saga.NewCoordinator(store, gateways, saga.Config{
		SubmitTimeout: cfg.Trading.SubmitTimeout,
		CancelTimeout: cfg.Trading.CancelTimeout,
	}, logger)

	var verifier recon.Verifier
	if cfg.Feed.SharedSecret != "" {
		verifier = recon.NewHMACVerifier(cfg.Feed.SharedSecret)
	} else {
		logger.Warn("Feed shared secret not set, event verification disabled")
	}
	ingestor := recon.NewIngestor(store, verifier, logger)

	feeds, err := buildFeeds(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build event feeds")
	}

	eng := engine.New(engine.Options{
		RateStore:     rateStore,
		Poller:        poller,
		DetectorCfg:   detectorCfg,
		Coordinator:   coordinator,
		Ingestor:      ingestor,
		Feeds:         feeds,
		Ledger:        store,
		IngestWorkers: cfg.Feed.IngestWorkers,
		Logger:        logger,
	})

	if err := eng.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start engine")
	}

	apiServer := api.NewServer(eng, logger, fmt.Sprintf("%d", cfg.Server.Port))
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Arbitrage engine is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	eng.Stop()
	cancel()

	logger.Info("Arbitrage engine stopped")
}

func openLedger(cfg config.LedgerConfig) (ledger.Ledger, error) {
	switch cfg.Driver {
	case "postgres":
		return ledger.OpenPostgres(cfg.DSN)
	case "memory", "":
		return ledger.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

func buildVenueClient(vc config.VenueConfig) (*venue.RESTClient, error) {
	var auth venue.Authenticator
	switch venue.AuthType(vc.AuthType) {
	case venue.AuthTypeJWT:
		jwtAuth, err := venue.NewJWTAuthenticator(vc.APIKeyName, vc.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("jwt authenticator for %s: %w", vc.Name, err)
		}
		auth = jwtAuth
	case venue.AuthTypeHMAC, "":
		auth = venue.NewHMACAuthenticator(vc.APIKey, vc.APISecret, vc.Passphrase)
	default:
		return nil, fmt.Errorf("unknown auth type %q for venue %s", vc.AuthType, vc.Name)
	}

	return venue.NewRESTClient(venue.RESTConfig{
		Name:              vc.Name,
		BaseURL:           vc.BaseURL,
		Auth:              auth,
		RequestsPerSecond: vc.RequestsPerSecond,
	}, logger), nil
}

func buildFeeds(cfg *config.Config) ([]engine.Feed, error) {
	var feeds []engine.Feed

	for _, vc := range cfg.Venues {
		switch vc.Feed.Mode {
		case "websocket":
			feeds = append(feeds, recon.NewWSFeed(recon.WSFeedConfig{
				URL:            vc.Feed.URL,
				Venue:          vc.Name,
				ReconnectDelay: time.Duration(vc.Feed.ReconnectDelay) * time.Second,
				MaxReconnects:  vc.Feed.MaxReconnects,
			}, logger))
		case "kafka", "":
			// Per-venue kafka streams arrive through the shared feed.
		default:
			return nil, fmt.Errorf("unknown feed mode %q for venue %s", vc.Feed.Mode, vc.Name)
		}
	}

	if cfg.Feed.Kafka.Enabled {
		kf, err := recon.NewKafkaFeed(recon.KafkaFeedConfig{
			Brokers: cfg.Feed.Kafka.Brokers,
			Topic:   cfg.Feed.Kafka.Topic,
			GroupID: cfg.Feed.Kafka.GroupID,
		}, logger)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, kf)
	}

	return feeds, nil
}
