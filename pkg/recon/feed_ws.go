package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundarb/pkg/models"
)

// WSFeed consumes a venue's execution event stream over a websocket and
// republishes decoded events on a channel for the ingestor.
type WSFeed struct {
	url            string
	venue          string
	reconnectDelay time.Duration
	maxReconnects  int
	logger         *logrus.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

type WSFeedConfig struct {
	URL            string
	Venue          string
	ReconnectDelay time.Duration
	// MaxReconnects bounds consecutive failed dials; zero means retry
	// forever.
	MaxReconnects int
}

func NewWSFeed(cfg WSFeedConfig, logger *logrus.Logger) *WSFeed {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &WSFeed{
		url:            cfg.URL,
		venue:          cfg.Venue,
		reconnectDelay: cfg.ReconnectDelay,
		maxReconnects:  cfg.MaxReconnects,
		logger:         logger,
	}
}

// Run reads events into out until the context ends. It reconnects after
// read failures with a fixed delay.
func (f *WSFeed) Run(ctx context.Context, out chan<- models.VenueEvent) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.connect(ctx); err != nil {
			failures++
			if f.maxReconnects > 0 && failures >= f.maxReconnects {
				return fmt.Errorf("giving up on %s feed after %d failed connects: %w", f.venue, failures, err)
			}
			f.logger.WithError(err).WithField("venue", f.venue).Warn("Feed connect failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.reconnectDelay):
			}
			continue
		}
		failures = 0

		// Unblock the read loop when the context ends.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				f.close()
			case <-watchDone:
			}
		}()

		err := f.readLoop(ctx, out)
		close(watchDone)
		if err != nil && ctx.Err() == nil {
			f.logger.WithError(err).WithField("venue", f.venue).Warn("Feed read loop ended, reconnecting")
		}
		f.close()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *WSFeed) connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connected {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s feed: %w", f.venue, err)
	}
	f.conn = conn
	f.connected = true
	f.logger.WithFields(logrus.Fields{
		"venue": f.venue,
		"url":   f.url,
	}).Info("Connected to execution feed")
	return nil
}

func (f *WSFeed) readLoop(ctx context.Context, out chan<- models.VenueEvent) error {
	for {
		_, payload, err := f.conn.ReadMessage()
		if err != nil {
			return err
		}

		var evt models.VenueEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			f.logger.WithError(err).WithField("venue", f.venue).Warn("Undecodable feed message dropped")
			continue
		}
		if evt.Venue == "" {
			evt.Venue = f.venue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- evt:
		}
	}
}

func (f *WSFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.conn = nil
	f.connected = false
}
