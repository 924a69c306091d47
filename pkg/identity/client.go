package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
	"media-enricher/pkg/metrics"
)

var (
	ErrUserNotFound = errors.New("identity user not found")
	ErrUnauthorized = errors.New("identity request unauthorized")
)

type Config struct {
	AdminURL     string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
	// RequestsPerSecond paces calls to the admin API; zero disables pacing.
	RequestsPerSecond float64
	MaxTries          uint
}

type Client struct {
	adminURL string
	http     *http.Client
	tokens   oauth2.TokenSource
	breaker  *gobreaker.CircuitBreaker[[]byte]
	limiter  *rate.Limiter
	maxTries uint
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	maxTries := cfg.MaxTries
	if maxTries == 0 {
		maxTries = 3
	}

	httpClient := &http.Client{Timeout: timeout}
	credentials := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	// The token source caches the service token and fetches a new one shortly
	// before it expires. Token requests are bounded by the client timeout.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	return &Client{
		adminURL: strings.TrimRight(cfg.AdminURL, "/"),
		http:     httpClient,
		tokens:   credentials.TokenSource(tokenCtx),
		breaker:  newBreaker("identity-admin-api"),
		limiter:  limiter,
		maxTries: maxTries,
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker[[]byte] {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUserNotFound) || errors.Is(err, context.Canceled)
		},
	})
}

// AdminEvents returns one page of admin events at or after q.DateFrom.
func (c *Client) AdminEvents(ctx context.Context, q AdminEventQuery) ([]AdminEvent, error) {
	params := url.Values{}
	params.Set("dateFrom", strconv.FormatInt(q.DateFrom.UnixMilli(), 10))
	for _, op := range q.OperationTypes {
		params.Add("operationTypes", op)
	}
	for _, rt := range q.ResourceTypes {
		params.Add("resourceTypes", rt)
	}
	params.Set("first", strconv.Itoa(q.First))
	params.Set("max", strconv.Itoa(q.Max))

	body, err := c.get(ctx, "/admin-events", params)
	if err != nil {
		return nil, fmt.Errorf("admin events: %w", err)
	}

	var events []AdminEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("decode admin events: %w", err)
	}
	return events, nil
}

func (c *Client) User(ctx context.Context, id string) (*User, error) {
	body, err := c.get(ctx, "/users/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", id, err)
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}
	return &user, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}

	endpoint := c.adminURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		token.SetAuthHeader(req)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(ErrUserNotFound)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, backoff.Permanent(fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode))
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			zerolog.Ctx(ctx).Warn().Int("status", resp.StatusCode).Str("path", path).Msg("identity provider request failed, retrying")
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return nil, backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
		return body, nil
	}

	return c.breaker.Execute(func() ([]byte, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 200 * time.Millisecond
		bo.MaxInterval = 5 * time.Second
		return backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxTries))
	})
}
