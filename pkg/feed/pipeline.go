package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ericvolp12/keyword-feed/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Sink is the part of the store the streaming path writes to.
type Sink interface {
	DeleteWhereURIIn(ctx context.Context, uris []string) (int64, error)
	InsertIfAbsent(ctx context.Context, posts []*store.Post) ([]*store.Post, error)
}

// Archiver receives posts after the Sink accepted them.
type Archiver interface {
	Archive(ctx context.Context, posts []*store.Post)
}

// Pipeline turns firehose commits into post rows matching a keyword.
type Pipeline struct {
	logger   *slog.Logger
	sink     Sink
	archiver Archiver
	keyword  string

	now func() time.Time
}

var tracer = otel.Tracer("feed")

// NewPipeline returns a pipeline keeping posts whose text contains keyword,
// compared case-insensitively. archiver may be nil.
func NewPipeline(logger *slog.Logger, sink Sink, keyword string, archiver Archiver) (*Pipeline, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, errors.New("keyword must not be empty")
	}

	return &Pipeline{
		logger:   logger.With("module", "feed"),
		sink:     sink,
		archiver: archiver,
		keyword:  strings.ToLower(keyword),
		now:      time.Now,
	}, nil
}

// Matches reports whether text passes the content filter.
func (p *Pipeline) Matches(text string) bool {
	return strings.Contains(strings.ToLower(text), p.keyword)
}

// HandleEvent processes one delivery. Deletes and inserts are each issued
// as a single batch; a Sink failure aborts the delivery and is returned
// without retrying.
func (p *Pipeline) HandleEvent(ctx context.Context, evt *CommitEvent) error {
	if evt == nil || evt.Kind != KindCommit {
		return nil
	}

	ctx, span := tracer.Start(ctx, "HandleEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("repo", evt.Repo),
		attribute.Int64("seq", evt.Seq),
	)

	eventsProcessed.Inc()

	logger := p.logger.With("repo", evt.Repo, "seq", evt.Seq)

	ops, skipped := Classify(evt)
	for _, err := range skipped {
		opsSkipped.Inc()
		logger.Warn("skipping op", "err", err)
	}

	for _, create := range ops.Creates {
		logger.Debug("post text", "uri", create.URI, "text", create.Record.Text)
	}

	postsToDelete := make([]string, 0, len(ops.Deletes))
	for _, del := range ops.Deletes {
		postsToDelete = append(postsToDelete, del.URI)
	}

	indexedAt := p.now().UTC().Truncate(time.Millisecond)
	postsToCreate := make([]*store.Post, 0, len(ops.Creates))
	for _, create := range ops.Creates {
		if !p.Matches(create.Record.Text) {
			continue
		}
		postsToCreate = append(postsToCreate, &store.Post{
			URI:         create.URI,
			CID:         create.CID,
			ReplyParent: create.Record.ReplyParent,
			ReplyRoot:   create.Record.ReplyRoot,
			IndexedAt:   indexedAt,
		})
	}

	if len(postsToDelete) > 0 {
		deleted, err := p.sink.DeleteWhereURIIn(ctx, postsToDelete)
		if err != nil {
			eventFailures.WithLabelValues("delete").Inc()
			return fmt.Errorf("failed to delete %d posts (repo: %s, seq: %d): %w", len(postsToDelete), evt.Repo, evt.Seq, err)
		}
		postsDeleted.Add(float64(deleted))
	}

	if len(postsToCreate) > 0 {
		inserted, err := p.sink.InsertIfAbsent(ctx, postsToCreate)
		if err != nil {
			eventFailures.WithLabelValues("insert").Inc()
			return fmt.Errorf("failed to insert %d posts (repo: %s, seq: %d): %w", len(postsToCreate), evt.Repo, evt.Seq, err)
		}
		postsMatched.Add(float64(len(inserted)))
		for _, post := range inserted {
			logger.Info("matched post", "uri", post.URI)
		}
		if p.archiver != nil && len(inserted) > 0 {
			p.archiver.Archive(ctx, inserted)
		}
	}

	return nil
}
