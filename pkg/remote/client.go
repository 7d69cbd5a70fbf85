package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const DefaultHost = "https://bsky.social"

var ErrRateLimited = errors.New("rate limited")
var ErrNotAuthenticated = errors.New("not authenticated: call Login first")

// Client is a rate limited AT Protocol client for the calls the crawler
// makes. It is safe for concurrent use.
type Client struct {
	logger  *slog.Logger
	limiter *rate.Limiter

	mu   sync.RWMutex
	xrpc *xrpc.Client
}

var tracer = otel.Tracer("remote")

// NewClient returns a client for host. requestsPerSecond <= 0 disables
// rate limiting.
func NewClient(logger *slog.Logger, host string, requestsPerSecond float64, userAgent string) *Client {
	if host == "" {
		host = DefaultHost
	}

	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	xc := &xrpc.Client{
		Client: httpClient,
		Host:   strings.TrimSuffix(host, "/"),
	}
	if userAgent != "" {
		xc.UserAgent = &userAgent
	}

	return &Client{
		logger:  logger.With("module", "remote"),
		limiter: rate.NewLimiter(limit, 1),
		xrpc:    xc,
	}
}

// Login creates a session and keeps its tokens for later calls. Use an app
// password, not the account password.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	ctx, span := tracer.Start(ctx, "Login")
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	c.mu.RLock()
	xc := c.xrpc
	c.mu.RUnlock()

	out, err := comatproto.ServerCreateSession(ctx, xc, &comatproto.ServerCreateSession_Input{
		Identifier: identifier,
		Password:   password,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", classify(err))
	}

	c.mu.Lock()
	c.xrpc = &xrpc.Client{
		Client:    xc.Client,
		Host:      xc.Host,
		UserAgent: xc.UserAgent,
		Auth: &xrpc.AuthInfo{
			AccessJwt:  out.AccessJwt,
			RefreshJwt: out.RefreshJwt,
			Handle:     out.Handle,
			Did:        out.Did,
		},
	}
	c.mu.Unlock()

	c.logger.Info("authenticated", "did", out.Did, "handle", out.Handle)
	return nil
}

// SearchActors returns one page of actors matching q.
func (c *Client) SearchActors(ctx context.Context, q, cursor string, limit int64) (*appbsky.ActorSearchActors_Output, error) {
	ctx, span := tracer.Start(ctx, "SearchActors")
	defer span.End()

	span.SetAttributes(
		attribute.String("q", q),
		attribute.String("cursor", cursor),
	)

	xc, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := appbsky.ActorSearchActors(ctx, xc, cursor, limit, q, "")
	observe("search_actors", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to search actors (q: %q): %w", q, classify(err))
	}
	return out, nil
}

// GetAuthorFeed returns one page of actor's feed.
func (c *Client) GetAuthorFeed(ctx context.Context, actor, cursor, filter string, limit int64) (*appbsky.FeedGetAuthorFeed_Output, error) {
	ctx, span := tracer.Start(ctx, "GetAuthorFeed")
	defer span.End()

	span.SetAttributes(
		attribute.String("actor", actor),
		attribute.String("filter", filter),
	)

	xc, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := appbsky.FeedGetAuthorFeed(ctx, xc, actor, cursor, filter, limit)
	observe("get_author_feed", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get author feed (actor: %s): %w", actor, classify(err))
	}
	return out, nil
}

func (c *Client) authed(ctx context.Context) (*xrpc.Client, error) {
	c.mu.RLock()
	xc := c.xrpc
	c.mu.RUnlock()

	if xc.Auth == nil {
		return nil, ErrNotAuthenticated
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}
	return xc, nil
}

// classify maps a 429 from the remote service onto ErrRateLimited.
func classify(err error) error {
	var xerr *xrpc.Error
	if errors.As(err, &xerr) && xerr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return err
}
