// rest.go is the live brokerage REST client. Every request is rate-limited
// through a shared token bucket, authenticated with a bearer token that is
// refreshed before expiry, and retried on transient failures (429 and 5xx,
// up to 3 attempts with jittered exponential backoff). Place is idempotent:
// the client order id travels with every attempt and the broker returns the
// original broker order id for a duplicate.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"qb-trader/internal/config"
	"qb-trader/pkg/types"
)

const tokenRefreshMargin = time.Minute

// REST talks to the brokerage order and account API.
type REST struct {
	http    *resty.Client
	cfg     config.BrokerConfig
	limiter *TokenBucket
	logger  *slog.Logger

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time

	feed *fillFeed
}

// NewREST creates the live client. The WebSocket fill feed starts on
// Authenticate.
func NewREST(cfg config.BrokerConfig, logger *slog.Logger) *REST {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &REST{
		http:    httpClient,
		cfg:     cfg,
		limiter: NewTokenBucket(cfg.RateLimit, cfg.RateLimit),
		logger:  logger.With("component", "broker"),
		feed:    newFillFeed(cfg.WSBaseURL, logger),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Authenticate fetches the access token and starts the fill feed.
func (c *REST) Authenticate(ctx context.Context) error {
	if err := c.refreshToken(ctx); err != nil {
		return err
	}
	c.tokenMu.Lock()
	token := c.accessToken
	c.tokenMu.Unlock()
	return c.feed.start(token)
}

// refreshToken exchanges the app key pair for a bearer token.
func (c *REST) refreshToken(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var result tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.cfg.AppKey,
			"appsecret":  c.cfg.AppSecret,
		}).
		SetResult(&result).
		Post("/oauth2/token")
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("fetch token: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.tokenMu.Lock()
	c.accessToken = result.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	c.tokenMu.Unlock()
	c.logger.Info("access token refreshed", "expires_in", result.ExpiresIn)
	return nil
}

// bearer returns a valid token, refreshing when near expiry.
func (c *REST) bearer(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	token, expiry := c.accessToken, c.tokenExpiry
	c.tokenMu.Unlock()

	if token == "" || time.Until(expiry) < tokenRefreshMargin {
		if err := c.refreshToken(ctx); err != nil {
			return "", err
		}
		c.tokenMu.Lock()
		token = c.accessToken
		c.tokenMu.Unlock()
	}
	return token, nil
}

type placeRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Account       string `json:"account"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      int64  `json:"quantity"`
	Price         string `json:"price,omitempty"` // absent for MARKET
}

type placeResponse struct {
	BrokerOrderID string `json:"broker_order_id"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
}

// Place submits the order. The order's client id makes retries idempotent.
func (c *REST) Place(ctx context.Context, o types.Order) (string, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req := placeRequest{
		ClientOrderID: o.ID,
		Account:       c.cfg.Account,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Type:          string(o.Type),
		Quantity:      o.Quantity,
	}
	if o.Type == types.OrderTypeLimit {
		req.Price = o.Price.String()
	}

	var result placeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(req).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusOK || resp.StatusCode() == http.StatusCreated:
	case resp.StatusCode() >= 400 && resp.StatusCode() < 500:
		return "", fmt.Errorf("place order %s: %w: status %d: %s", o.ID, ErrRejected, resp.StatusCode(), resp.String())
	default:
		return "", fmt.Errorf("place order %s: status %d: %s", o.ID, resp.StatusCode(), resp.String())
	}

	c.logger.Info("order placed", "order_id", o.ID, "broker_order_id", result.BrokerOrderID,
		"symbol", o.Symbol, "side", o.Side, "qty", o.Quantity)
	return result.BrokerOrderID, nil
}

// Cancel cancels the unfilled remainder of a working order.
func (c *REST) Cancel(ctx context.Context, brokerOrderID string) error {
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		Delete("/orders/" + brokerOrderID)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", brokerOrderID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order %s: status %d: %s", brokerOrderID, resp.StatusCode(), resp.String())
	}
	c.logger.Info("order cancelled", "broker_order_id", brokerOrderID)
	return nil
}

type balanceResponse struct {
	Cash string `json:"cash"`
}

// Balance returns the account cash snapshot.
func (c *REST) Balance(ctx context.Context) (Balance, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return Balance{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Balance{}, err
	}

	var result balanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("account", c.cfg.Account).
		SetResult(&result).
		Get("/accounts/balance")
	if err != nil {
		return Balance{}, fmt.Errorf("query balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Balance{}, fmt.Errorf("query balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	cash, err := decimal.NewFromString(result.Cash)
	if err != nil {
		return Balance{}, fmt.Errorf("query balance: bad cash %q: %w", result.Cash, err)
	}
	return Balance{Cash: cash, TS: time.Now().UTC()}, nil
}

// Fills streams executions pushed over the WebSocket feed.
func (c *REST) Fills() <-chan FillNotification { return c.feed.fills }

// Statuses streams non-fill state transitions.
func (c *REST) Statuses() <-chan StatusChange { return c.feed.statuses }

// Close stops the fill feed.
func (c *REST) Close() error { return c.feed.close() }
