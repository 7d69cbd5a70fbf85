package archive

import (
	"context"
	"time"

	"github.com/ericvolp12/keyword-feed/pkg/store"
)

// Mirror copies stored posts somewhere else for offline analysis.
// Archive must not block the caller for long and must not fail it.
type Mirror interface {
	Archive(ctx context.Context, posts []*store.Post)
}

// Multi fans posts out to every configured mirror.
type Multi []Mirror

func (m Multi) Archive(ctx context.Context, posts []*store.Post) {
	for _, mirror := range m {
		mirror.Archive(ctx, posts)
	}
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func indexedAtMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}
