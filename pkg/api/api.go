package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ericvolp12/keyword-feed/pkg/store"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

// FeedReader is the read side of the store.
type FeedReader interface {
	GetFeedPosts(ctx context.Context, limit int, cursor string) ([]store.Post, string, error)
	CountPosts(ctx context.Context) (int64, error)
}

// CrawlTrigger starts a crawl unless one is already running.
type CrawlTrigger interface {
	TryRun(ctx context.Context) bool
}

type Config struct {
	// Hostname the feed generator is served from; the service DID is did:web:<Hostname>.
	Hostname     string
	PublisherDID string
	FeedName     string
}

type API struct {
	logger *slog.Logger
	posts  FeedReader
	crawl  CrawlTrigger

	// runCtx outlives requests; manual crawls are bound to it.
	runCtx context.Context

	serviceDID string
	hostname   string
	feedURI    string
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

var tracer = otel.Tracer("api")

// NewAPI returns the feed API. crawl may be nil, in which case manual
// crawls are refused.
func NewAPI(runCtx context.Context, logger *slog.Logger, cfg Config, posts FeedReader, crawl CrawlTrigger) (*API, error) {
	if cfg.Hostname == "" {
		return nil, errors.New("hostname is required")
	}

	publisher, err := syntax.ParseDID(cfg.PublisherDID)
	if err != nil {
		return nil, fmt.Errorf("invalid publisher DID: %w", err)
	}

	rkey, err := syntax.ParseRecordKey(cfg.FeedName)
	if err != nil {
		return nil, fmt.Errorf("invalid feed name: %w", err)
	}

	return &API{
		logger:     logger.With("module", "api"),
		posts:      posts,
		crawl:      crawl,
		runCtx:     runCtx,
		serviceDID: "did:web:" + cfg.Hostname,
		hostname:   cfg.Hostname,
		feedURI:    fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", publisher, rkey),
	}, nil
}

// FeedURI is the AT-URI of the feed generator record this API serves.
func (a *API) FeedURI() string {
	return a.feedURI
}

func (a *API) RegisterRoutes(e *echo.Echo) {
	e.GET("/xrpc/app.bsky.feed.getFeedSkeleton", a.HandleGetFeedSkeleton)
	e.GET("/xrpc/app.bsky.feed.describeFeedGenerator", a.HandleDescribeFeedGenerator)
	e.GET("/.well-known/did.json", a.HandleGetDIDDoc)
	e.GET("/health", a.HandleHealth)
	e.POST("/admin/crawl", a.HandleTriggerCrawl)
}

// HandleGetFeedSkeleton handles the GET /xrpc/app.bsky.feed.getFeedSkeleton endpoint
func (a *API) HandleGetFeedSkeleton(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleGetFeedSkeleton")
	defer span.End()

	// feed - AT-URI of the feed generator record (required)
	// limit - Number of posts to return (default=50, 1..100)
	// cursor - Opaque cursor from a previous page (optional)
	feedParam := c.QueryParam("feed")
	limitParam := c.QueryParam("limit")
	cursor := c.QueryParam("cursor")

	if feedParam == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "InvalidRequest", Message: "feed parameter is required"})
	}

	feedURI, err := syntax.ParseATURI(feedParam)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "InvalidRequest", Message: fmt.Sprintf("invalid feed URI: %s", err)})
	}
	if feedURI.String() != a.feedURI {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "UnknownFeed", Message: fmt.Sprintf("unknown feed: %s", feedParam)})
	}

	limit := defaultLimit
	if limitParam != "" {
		limit, err = strconv.Atoi(limitParam)
		if err != nil || limit < 1 || limit > maxLimit {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "InvalidRequest", Message: fmt.Sprintf("limit must be between 1 and %d", maxLimit)})
		}
	}

	span.SetAttributes(
		attribute.Int("limit", limit),
		attribute.String("cursor", cursor),
	)

	posts, nextCursor, err := a.posts.GetFeedPosts(ctx, limit, cursor)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "InvalidRequest", Message: err.Error()})
		}
		a.logger.Error("failed to get feed posts", "limit", limit, "cursor", cursor, "err", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "InternalError", Message: "failed to get feed"})
	}

	skeletonRequests.Inc()

	resp := appbsky.FeedGetFeedSkeleton_Output{
		Feed: make([]*appbsky.FeedDefs_SkeletonFeedPost, len(posts)),
	}
	for i, p := range posts {
		resp.Feed[i] = &appbsky.FeedDefs_SkeletonFeedPost{Post: p.URI}
	}
	if nextCursor != "" {
		resp.Cursor = &nextCursor
	}

	return c.JSON(http.StatusOK, resp)
}

// HandleDescribeFeedGenerator handles the GET /xrpc/app.bsky.feed.describeFeedGenerator endpoint
func (a *API) HandleDescribeFeedGenerator(c echo.Context) error {
	return c.JSON(http.StatusOK, appbsky.FeedDescribeFeedGenerator_Output{
		Did: a.serviceDID,
		Feeds: []*appbsky.FeedDescribeFeedGenerator_Feed{
			{Uri: a.feedURI},
		},
	})
}

type DIDDoc struct {
	Context []string     `json:"@context"`
	ID      string       `json:"id"`
	Service []DIDService `json:"service"`
}

type DIDService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// HandleGetDIDDoc handles the GET /.well-known/did.json endpoint
func (a *API) HandleGetDIDDoc(c echo.Context) error {
	return c.JSON(http.StatusOK, DIDDoc{
		Context: []string{"https://www.w3.org/ns/did/v1"},
		ID:      a.serviceDID,
		Service: []DIDService{{
			ID:              "#bsky_fg",
			Type:            "BskyFeedGenerator",
			ServiceEndpoint: "https://" + a.hostname,
		}},
	})
}

type HealthResponse struct {
	Status string `json:"status"`
	Posts  int64  `json:"posts"`
}

// HandleHealth handles the GET /health endpoint
func (a *API) HandleHealth(c echo.Context) error {
	n, err := a.posts.CountPosts(c.Request().Context())
	if err != nil {
		a.logger.Error("health check failed", "err", err)
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Posts: n})
}

type CrawlResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message,omitempty"`
}

// HandleTriggerCrawl handles the POST /admin/crawl endpoint. It returns
// 202 when a crawl was started and 409 when one is already in progress.
func (a *API) HandleTriggerCrawl(c echo.Context) error {
	if a.crawl == nil {
		return c.JSON(http.StatusServiceUnavailable, CrawlResponse{Message: "crawler is not configured"})
	}

	if !a.crawl.TryRun(a.runCtx) {
		crawlTriggers.WithLabelValues("busy").Inc()
		return c.JSON(http.StatusConflict, CrawlResponse{Message: "a crawl is already in progress"})
	}

	crawlTriggers.WithLabelValues("started").Inc()
	a.logger.Info("manual crawl started")
	return c.JSON(http.StatusAccepted, CrawlResponse{Started: true})
}
