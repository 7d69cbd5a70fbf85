package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	slogGorm "github.com/orandin/slog-gorm"
)

// ErrSink wraps every failed write so callers can tell storage failures
// apart from remote or config failures.
var ErrSink = errors.New("sink write failed")

var ErrInvalidCursor = errors.New("invalid feed cursor")

type Store struct {
	logger *slog.Logger
	db     *gorm.DB
}

var tracer = otel.Tracer("store")

// NewStore opens (and optionally migrates) the sqlite database at sqlitePath.
// The returned Store is safe for concurrent use by both ingestion paths.
func NewStore(logger *slog.Logger, sqlitePath string, migrate bool) (*Store, error) {
	logger = logger.With("module", "store")

	gormLogger := slogGorm.New()

	db, err := gorm.Open(sqlite.Open(sqliteDSN(sqlitePath)), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if migrate {
		if err := db.AutoMigrate(&Post{}, &Cursor{}); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return &Store{
		logger: logger,
		db:     db,
	}, nil
}

// sqliteDSN carries the pragmas in the DSN so every pooled connection gets
// them. Transactions begin IMMEDIATE so a read-then-write transaction waits
// on busy_timeout instead of failing when the other pipeline holds the lock.
func sqliteDSN(sqlitePath string) string {
	params := "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate"
	if strings.Contains(sqlitePath, "?") {
		return sqlitePath + "&" + params
	}
	return sqlitePath + "?" + params
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DeleteWhereURIIn removes every post whose URI is in uris as one statement.
func (s *Store) DeleteWhereURIIn(ctx context.Context, uris []string) (int64, error) {
	ctx, span := tracer.Start(ctx, "DeleteWhereURIIn")
	defer span.End()

	span.SetAttributes(attribute.Int("batch_size", len(uris)))

	if len(uris) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("uri IN ?", uris).Delete(&Post{})
	if res.Error != nil {
		writeErrors.WithLabelValues("delete").Inc()
		return 0, fmt.Errorf("%w: delete %d uris: %v", ErrSink, len(uris), res.Error)
	}

	rowsWritten.WithLabelValues("delete").Add(float64(res.RowsAffected))
	return res.RowsAffected, nil
}

// InsertIfAbsent inserts the posts whose URI is not stored yet and returns
// exactly those. Existing rows are left untouched.
func (s *Store) InsertIfAbsent(ctx context.Context, posts []*Post) ([]*Post, error) {
	return s.insertIfAbsent(ctx, "insert", posts)
}

// UpsertIfAbsent is the crawl path's write. It keeps the caller's IndexedAt
// and, like InsertIfAbsent, never overwrites a row that already exists.
func (s *Store) UpsertIfAbsent(ctx context.Context, posts []*Post) ([]*Post, error) {
	return s.insertIfAbsent(ctx, "upsert", posts)
}

func (s *Store) insertIfAbsent(ctx context.Context, op string, posts []*Post) ([]*Post, error) {
	ctx, span := tracer.Start(ctx, "insertIfAbsent")
	defer span.End()

	span.SetAttributes(
		attribute.String("op", op),
		attribute.Int("batch_size", len(posts)),
	)

	if len(posts) == 0 {
		return nil, nil
	}

	uris := make([]string, 0, len(posts))
	for _, p := range posts {
		uris = append(uris, p.URI)
	}

	var inserted []*Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []string
		if err := tx.Model(&Post{}).Where("uri IN ?", uris).Pluck("uri", &existing).Error; err != nil {
			return fmt.Errorf("failed to look up existing uris: %w", err)
		}

		seen := make(map[string]struct{}, len(existing)+len(posts))
		for _, uri := range existing {
			seen[uri] = struct{}{}
		}

		missing := make([]*Post, 0, len(posts))
		for _, p := range posts {
			if _, ok := seen[p.URI]; ok {
				continue
			}
			seen[p.URI] = struct{}{}
			missing = append(missing, p)
		}

		if len(missing) == 0 {
			return nil
		}

		// A concurrent writer may have won the race since the lookup
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&missing).Error; err != nil {
			return fmt.Errorf("failed to insert posts: %w", err)
		}

		inserted = missing
		return nil
	})
	if err != nil {
		writeErrors.WithLabelValues(op).Inc()
		return nil, fmt.Errorf("%w: %s %d posts: %v", ErrSink, op, len(posts), err)
	}

	rowsWritten.WithLabelValues(op).Add(float64(len(inserted)))
	return inserted, nil
}

// GetPost returns the post stored under uri, or nil if there is none.
func (s *Store) GetPost(ctx context.Context, uri string) (*Post, error) {
	var p Post
	err := s.db.WithContext(ctx).Where("uri = ?", uri).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	return &p, nil
}

func (s *Store) CountPosts(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Post{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count posts: %w", err)
	}
	return n, nil
}

// GetFeedPosts pages through posts newest first.
// The cursor format is "indexedAt::cid" (unix millis::cid).
func (s *Store) GetFeedPosts(ctx context.Context, limit int, cursor string) ([]Post, string, error) {
	ctx, span := tracer.Start(ctx, "GetFeedPosts")
	defer span.End()

	q := s.db.WithContext(ctx).Model(&Post{})
	if cursor != "" {
		cursorTime, cursorCID, err := parseCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w %q: %v", ErrInvalidCursor, cursor, err)
		}
		q = q.Where("indexed_at < ? OR (indexed_at = ? AND cid < ?)", cursorTime, cursorTime, cursorCID)
	}

	var posts []Post
	if err := q.Order("indexed_at DESC").Order("cid DESC").Limit(limit).Find(&posts).Error; err != nil {
		return nil, "", fmt.Errorf("failed to query posts (limit=%d): %w", limit, err)
	}

	var nextCursor string
	if len(posts) == limit && limit > 0 {
		last := posts[len(posts)-1]
		nextCursor = fmt.Sprintf("%d::%s", last.IndexedAt.UnixMilli(), last.CID)
	}

	return posts, nextCursor, nil
}

// LoadCursor returns the last saved firehose sequence, 0 if none was saved.
func (s *Store) LoadCursor(ctx context.Context) (int64, error) {
	var c Cursor
	if err := s.db.WithContext(ctx).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}
	return c.LastSeq, nil
}

func (s *Store) SaveCursor(ctx context.Context, seq int64) error {
	var c Cursor
	err := s.db.WithContext(ctx).First(&c).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	c.LastSeq = seq
	if err := s.db.WithContext(ctx).Save(&c).Error; err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func parseCursor(cursor string) (time.Time, string, error) {
	parts := strings.SplitN(cursor, "::", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("cursor must be in format 'timestamp::cid'")
	}
	millis, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid timestamp in cursor: %w", err)
	}
	return time.UnixMilli(millis).UTC(), parts[1], nil
}
