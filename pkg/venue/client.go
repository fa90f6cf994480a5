package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gregtusar/fundarb/pkg/models"
)

// RESTClient is a Gateway over a venue's HTTP execution API. The order,
// cancel and status endpoints follow one normalized shape; venue-specific
// wire differences live behind the gateway boundary, not in the engine.
type RESTClient struct {
	name       string
	baseURL    string
	auth       Authenticator
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

// RESTConfig configures one venue client.
type RESTConfig struct {
	Name    string
	BaseURL string
	Auth    Authenticator
	// RequestsPerSecond bounds the call rate to the venue; zero disables
	// limiting.
	RequestsPerSecond float64
	Timeout           time.Duration
}

func NewRESTClient(cfg RESTConfig, logger *logrus.Logger) *RESTClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &RESTClient{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		auth:       cfg.Auth,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		logger:     logger,
	}
}

// Name returns the venue this client talks to.
func (c *RESTClient) Name() string { return c.name }

type submitPayload struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Kind          string  `json:"type"`
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price,omitempty"`
}

type orderResponse struct {
	OrderID      string  `json:"order_id"`
	Status       string  `json:"status"`
	FilledSize   float64 `json:"filled_size"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

func (c *RESTClient) Submit(ctx context.Context, leg *models.LegOrder) (string, error) {
	payload := submitPayload{
		ClientOrderID: leg.ClientIdempotencyKey,
		Symbol:        leg.Symbol,
		Side:          strings.ToLower(string(leg.Side)),
		Kind:          strings.ToLower(string(leg.Kind)),
		Quantity:      leg.Quantity,
	}
	if leg.Kind.RequiresPrice() {
		payload.Price = leg.LimitPrice
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/orders", body)
	if err != nil {
		// The request may have reached the venue before the failure;
		// the caller must disambiguate via GetStatus.
		return "", fmt.Errorf("submit to %s: %v: %w", c.name, err, ErrAmbiguousOutcome)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("submit to %s: status %d: %w", c.name, resp.StatusCode, ErrAmbiguousOutcome)
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("submit to %s rejected: status %d: %s", c.name, resp.StatusCode, readBody(resp.Body))
	}

	var or orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return "", fmt.Errorf("submit to %s: decode response: %w", c.name, ErrAmbiguousOutcome)
	}
	if or.OrderID == "" {
		return "", fmt.Errorf("submit to %s rejected: %s", c.name, or.ErrorMessage)
	}
	return or.OrderID, nil
}

func (c *RESTClient) Cancel(ctx context.Context, venueOrderRef string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/orders/"+url.PathEscape(venueOrderRef), nil)
	if err != nil {
		return fmt.Errorf("cancel %s on %s: %v: %w", venueOrderRef, c.name, err, ErrAmbiguousOutcome)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("cancel %s on %s: %w", venueOrderRef, c.name, ErrOrderNotFound)
	case resp.StatusCode >= 400:
		return fmt.Errorf("cancel %s on %s: status %d: %w", venueOrderRef, c.name, resp.StatusCode, ErrCancelRejected)
	}
	return nil
}

func (c *RESTClient) GetStatus(ctx context.Context, venueOrderRef, clientKey string) (*StatusSnapshot, error) {
	path := "/orders/" + url.PathEscape(venueOrderRef)
	if venueOrderRef == "" {
		path = "/orders/client/" + url.PathEscape(clientKey)
	}
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("status on %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("status on %s: %w", c.name, ErrOrderNotFound)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status on %s: status %d", c.name, resp.StatusCode)
	}

	var or orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, fmt.Errorf("status on %s: decode response: %w", c.name, err)
	}
	return &StatusSnapshot{
		VenueOrderRef:  or.OrderID,
		Status:         OrderStatus(strings.ToUpper(or.Status)),
		FilledQuantity: or.FilledSize,
	}, nil
}

type fundingResponse struct {
	Symbol             string    `json:"symbol"`
	Rate               float64   `json:"funding_rate"`
	NextSettlement     time.Time `json:"next_settlement"`
	SettlementInterval string    `json:"settlement_interval,omitempty"`
}

// FundingRates fetches the venue's current funding rates for all symbols.
func (c *RESTClient) FundingRates(ctx context.Context) ([]models.FundingRateObservation, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/funding-rates", nil)
	if err != nil {
		return nil, fmt.Errorf("funding rates from %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("funding rates from %s: status %d", c.name, resp.StatusCode)
	}

	var rows []fundingResponse
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("funding rates from %s: decode response: %w", c.name, err)
	}

	now := time.Now()
	out := make([]models.FundingRateObservation, 0, len(rows))
	for _, row := range rows {
		obs := models.FundingRateObservation{
			Venue:            c.name,
			Symbol:           row.Symbol,
			Rate:             row.Rate,
			ObservedAt:       now,
			NextSettlementAt: row.NextSettlement,
		}
		if row.SettlementInterval != "" {
			if d, err := time.ParseDuration(row.SettlementInterval); err == nil {
				obs.SettlementInterval = d
			} else {
				c.logger.WithField("venue", c.name).WithField("interval", row.SettlementInterval).
					Warn("Unparseable settlement interval, falling back to default cadence")
			}
		}
		out = append(out, obs)
	}
	return out, nil
}

func (c *RESTClient) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if c.auth != nil {
		if err := c.auth.AddAuthHeaders(req, method, path, string(body)); err != nil {
			return nil, err
		}
	}

	return c.httpClient.Do(req)
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
