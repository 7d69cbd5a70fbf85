package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/ericvolp12/keyword-feed/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrConfig    = errors.New("crawl misconfigured")
	ErrAuth      = errors.New("authentication failed")
	ErrRemoteAPI = errors.New("remote api call failed")
)

const (
	SearchPageSize = 100
	FeedPageSize   = 100
	FeedFilter     = "posts_no_replies"
)

// Remote is the subset of the AT Protocol API the crawler needs.
type Remote interface {
	Login(ctx context.Context, identifier, password string) error
	SearchActors(ctx context.Context, q, cursor string, limit int64) (*appbsky.ActorSearchActors_Output, error)
	GetAuthorFeed(ctx context.Context, actor, cursor, filter string, limit int64) (*appbsky.FeedGetAuthorFeed_Output, error)
}

// Sink stores crawled posts, keeping rows that already exist.
type Sink interface {
	UpsertIfAbsent(ctx context.Context, posts []*store.Post) ([]*store.Post, error)
}

// Archiver receives posts the Sink newly stored.
type Archiver interface {
	Archive(ctx context.Context, posts []*store.Post)
}

// Config holds the crawl account and search settings.
type Config struct {
	Identifier string
	Password   string
	// Query is a whitespace separated list of search terms. Each term is
	// searched on its own since searchActors has no OR operator.
	Query string
	// MaxFeedPages caps how many author feed pages are read per actor.
	// Values below 1 mean 1.
	MaxFeedPages int
}

// Validate reports missing settings as ErrConfig.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Identifier) == "" {
		missing = append(missing, "identifier")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if len(strings.Fields(c.Query)) == 0 {
		missing = append(missing, "query")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfig, strings.Join(missing, ", "))
	}
	return nil
}

// Actor is an account found by search. It only lives for one run.
type Actor struct {
	DID         string
	Handle      string
	DisplayName string
}

// Result tallies one crawl run.
type Result struct {
	Terms        int
	Actors       int
	Inserted     int
	FailedTerms  int
	FailedActors int
}

// Crawler discovers accounts by search and stores their recent posts.
type Crawler struct {
	logger   *slog.Logger
	remote   Remote
	sink     Sink
	archiver Archiver
	cfg      Config

	now func() time.Time
}

var tracer = otel.Tracer("crawl")

// NewCrawler returns a crawler; archiver may be nil.
func NewCrawler(logger *slog.Logger, remote Remote, sink Sink, cfg Config, archiver Archiver) *Crawler {
	if cfg.MaxFeedPages < 1 {
		cfg.MaxFeedPages = 1
	}
	return &Crawler{
		logger:   logger.With("module", "crawl"),
		remote:   remote,
		sink:     sink,
		archiver: archiver,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run performs one full crawl: login, discovery across all query terms and
// a feed fetch for every discovered actor. A failing actor is logged and
// skipped; posts stored for earlier actors stay stored.
func (c *Crawler) Run(ctx context.Context) (Result, error) {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()

	start := time.Now()
	var res Result

	status := "error"
	defer func() {
		runsTotal.WithLabelValues(status).Inc()
		runDuration.Observe(time.Since(start).Seconds())
	}()

	if err := c.cfg.Validate(); err != nil {
		status = "config_error"
		return res, err
	}

	if err := c.remote.Login(ctx, c.cfg.Identifier, c.cfg.Password); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			status = "cancelled"
			return res, ctxErr
		}
		status = "auth_error"
		return res, fmt.Errorf("%w: %w", ErrAuth, err)
	}

	terms := strings.Fields(c.cfg.Query)
	res.Terms = len(terms)

	actors, failedTerms, err := c.Discover(ctx, terms)
	res.FailedTerms = failedTerms
	if err != nil {
		return res, err
	}
	res.Actors = len(actors)
	actorsDiscovered.Set(float64(len(actors)))

	c.logger.Info("discovered actors", "count", len(actors), "terms", len(terms), "failed_terms", failedTerms)

	for _, actor := range actors {
		if err := ctx.Err(); err != nil {
			status = "cancelled"
			return res, err
		}

		inserted, err := c.crawlActor(ctx, actor)
		res.Inserted += inserted
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				status = "cancelled"
				return res, ctxErr
			}
			res.FailedActors++
			actorFailures.Inc()
			c.logger.Warn("failed to crawl actor, continuing", "did", actor.DID, "handle", actor.Handle, "err", err)
		}
	}

	span.SetAttributes(
		attribute.Int("actors", res.Actors),
		attribute.Int("inserted", res.Inserted),
		attribute.Int("failed_actors", res.FailedActors),
	)

	status = "ok"
	c.logger.Info("crawl finished",
		"inserted", res.Inserted,
		"actors", res.Actors,
		"failed_actors", res.FailedActors,
		"duration", time.Since(start).String(),
	)
	return res, nil
}

// Discover pages through search results for every term and returns the
// union of actors in discovery order. An actor found by several terms is
// kept once, where it was first seen. A term whose search fails is
// abandoned; the error is returned only when every term failed.
func (c *Crawler) Discover(ctx context.Context, terms []string) ([]Actor, int, error) {
	ctx, span := tracer.Start(ctx, "Discover")
	defer span.End()

	seen := make(map[string]struct{})
	var actors []Actor
	var failed int
	var lastErr error

	for _, term := range terms {
		var cursor string
		for {
			out, err := c.remote.SearchActors(ctx, term, cursor, SearchPageSize)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return actors, failed, ctxErr
				}
				failed++
				lastErr = fmt.Errorf("%w: search %q: %w", ErrRemoteAPI, term, err)
				c.logger.Warn("failed to search actors, skipping term", "term", term, "cursor", cursor, "err", err)
				break
			}

			for _, profile := range out.Actors {
				if profile == nil || profile.Did == "" {
					continue
				}
				if _, ok := seen[profile.Did]; ok {
					continue
				}
				seen[profile.Did] = struct{}{}
				actor := Actor{DID: profile.Did, Handle: profile.Handle}
				if profile.DisplayName != nil {
					actor.DisplayName = *profile.DisplayName
				}
				actors = append(actors, actor)
			}

			if out.Cursor == nil || *out.Cursor == "" || *out.Cursor == cursor {
				break
			}
			cursor = *out.Cursor
		}
	}

	if len(terms) > 0 && failed == len(terms) {
		return nil, failed, lastErr
	}
	return actors, failed, nil
}

func (c *Crawler) crawlActor(ctx context.Context, actor Actor) (int, error) {
	ctx, span := tracer.Start(ctx, "crawlActor")
	defer span.End()

	span.SetAttributes(attribute.String("did", actor.DID))

	inserted := 0
	var cursor string
	for page := 0; page < c.cfg.MaxFeedPages; page++ {
		out, err := c.remote.GetAuthorFeed(ctx, actor.DID, cursor, FeedFilter, FeedPageSize)
		if err != nil {
			return inserted, fmt.Errorf("%w: get author feed: %w", ErrRemoteAPI, err)
		}

		posts := c.postsFromFeed(out.Feed)
		if len(posts) > 0 {
			newPosts, err := c.sink.UpsertIfAbsent(ctx, posts)
			if err != nil {
				return inserted, fmt.Errorf("failed to store %d posts: %w", len(posts), err)
			}
			inserted += len(newPosts)
			postsInserted.Add(float64(len(newPosts)))
			if c.archiver != nil && len(newPosts) > 0 {
				c.archiver.Archive(ctx, newPosts)
			}
		}

		if out.Cursor == nil || *out.Cursor == "" || *out.Cursor == cursor {
			break
		}
		cursor = *out.Cursor
	}

	return inserted, nil
}

// postsFromFeed keeps original posts only; reposts carry a reason.
func (c *Crawler) postsFromFeed(items []*appbsky.FeedDefs_FeedViewPost) []*store.Post {
	posts := make([]*store.Post, 0, len(items))
	for _, item := range items {
		if item == nil || item.Reason != nil {
			continue
		}
		if item.Post == nil || item.Post.Uri == "" {
			continue
		}

		indexedAt, err := dateparse.ParseAny(item.Post.IndexedAt)
		if err != nil {
			c.logger.Warn("unparsable indexedAt, using current time", "uri", item.Post.Uri, "indexed_at", item.Post.IndexedAt)
			indexedAt = c.now()
		}

		posts = append(posts, &store.Post{
			URI:       item.Post.Uri,
			CID:       item.Post.Cid,
			IndexedAt: indexedAt.UTC().Truncate(time.Millisecond),
		})
	}
	return posts
}
