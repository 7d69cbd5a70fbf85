package archive

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/ericvolp12/keyword-feed/pkg/store"
	"github.com/parquet-go/parquet-go"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testPosts() []*store.Post {
	parent := "at://did:plc:x/app.bsky.feed.post/parent"
	indexedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []*store.Post{
		{URI: "at://did:plc:x/app.bsky.feed.post/1", CID: "bafy1", IndexedAt: indexedAt},
		{URI: "at://did:plc:x/app.bsky.feed.post/2", CID: "bafy2", ReplyParent: &parent, IndexedAt: indexedAt},
	}
}

func readAll(t *testing.T, dir string) []Record {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	var out []Record
	for _, f := range files {
		rows, err := parquet.ReadFile[Record](f)
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", f, err)
		}
		out = append(out, rows...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func TestParquetFlushesOnShutdown(t *testing.T) {
	dir := t.TempDir()
	p, err := NewParquet(discardLogger, dir, "posts", 100, time.Hour)
	if err != nil {
		t.Fatalf("NewParquet: %v", err)
	}
	p.StartWriter()

	p.Archive(context.Background(), testPosts())
	p.Shutdown()

	rows := readAll(t, dir)
	if len(rows) != 2 {
		t.Fatalf("expected 2 archived rows, got %d", len(rows))
	}
	if rows[0].CID != "bafy1" || rows[0].ReplyParent != "" {
		t.Errorf("unexpected first row: %+v", rows[0])
	}
	if rows[1].ReplyParent != "at://did:plc:x/app.bsky.feed.post/parent" {
		t.Errorf("reply parent not archived: %+v", rows[1])
	}
	if rows[1].IndexedAt != time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli() {
		t.Errorf("unexpected indexed_at: %d", rows[1].IndexedAt)
	}
}

func TestParquetWritesWhenBatchIsFull(t *testing.T) {
	dir := t.TempDir()
	p, err := NewParquet(discardLogger, dir, "posts", 2, time.Hour)
	if err != nil {
		t.Fatalf("NewParquet: %v", err)
	}
	p.StartWriter()
	defer p.Shutdown()

	p.Archive(context.Background(), testPosts())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if files, _ := filepath.Glob(filepath.Join(dir, "*.parquet")); len(files) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a parquet file once the batch size was reached")
}

type countingMirror struct{ n int }

func (c *countingMirror) Archive(_ context.Context, posts []*store.Post) { c.n += len(posts) }

func TestMultiFansOut(t *testing.T) {
	a, b := &countingMirror{}, &countingMirror{}
	Multi{a, b}.Archive(context.Background(), testPosts())
	if a.n != 2 || b.n != 2 {
		t.Errorf("expected both mirrors to see 2 posts, got %d and %d", a.n, b.n)
	}
}
