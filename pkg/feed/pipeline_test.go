package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ericvolp12/keyword-feed/pkg/store"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSink struct {
	mu          sync.Mutex
	deleteCalls [][]string
	insertCalls [][]*store.Post
	deleteErr   error
	insertErr   error
}

func (f *fakeSink) DeleteWhereURIIn(_ context.Context, uris []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, uris)
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	return int64(len(uris)), nil
}

func (f *fakeSink) InsertIfAbsent(_ context.Context, posts []*store.Post) ([]*store.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls = append(f.insertCalls, posts)
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	return posts, nil
}

type fakeArchiver struct {
	archived []*store.Post
}

func (f *fakeArchiver) Archive(_ context.Context, posts []*store.Post) {
	f.archived = append(f.archived, posts...)
}

func newTestPipeline(t *testing.T, sink Sink, archiver Archiver) *Pipeline {
	t.Helper()
	p, err := NewPipeline(discardLogger, sink, "alf", archiver)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	p.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC) }
	return p
}

func TestNewPipelineRequiresKeyword(t *testing.T) {
	if _, err := NewPipeline(discardLogger, &fakeSink{}, "   ", nil); err == nil {
		t.Fatal("expected an error for a blank keyword")
	}
}

func TestContentFilter(t *testing.T) {
	tests := []struct {
		text   string
		stored bool
	}{
		{"I love ALF!", true},
		{"nothing here", false},
		{"alfalfa sprouts", true},
		{"Melmac's finest: Alf", true},
		{"", false},
		{"a l f", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			sink := &fakeSink{}
			p := newTestPipeline(t, sink, nil)

			evt := &CommitEvent{Kind: KindCommit, Repo: testRepo, Seq: 7, Ops: []RepoOp{createOp(t, "p1", tt.text)}}
			if err := p.HandleEvent(context.Background(), evt); err != nil {
				t.Fatalf("HandleEvent: %v", err)
			}

			stored := len(sink.insertCalls) == 1 && len(sink.insertCalls[0]) == 1
			if stored != tt.stored {
				t.Errorf("text %q stored=%v, want %v", tt.text, stored, tt.stored)
			}
			if !tt.stored && len(sink.insertCalls) != 0 {
				t.Errorf("expected no insert call, got %d", len(sink.insertCalls))
			}
		})
	}
}

func TestHandleEventIgnoresNonCommit(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(t, sink, nil)

	evt := &CommitEvent{Kind: KindIdentity, Repo: testRepo, Ops: []RepoOp{createOp(t, "p1", "alf"), deleteOp("p2")}}
	if err := p.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(sink.deleteCalls)+len(sink.insertCalls) != 0 {
		t.Errorf("expected no sink calls for a non-commit event")
	}
}

func TestHandleEventBatchesPerDelivery(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(t, sink, nil)

	evt := &CommitEvent{
		Kind: KindCommit,
		Repo: testRepo,
		Seq:  99,
		Ops: []RepoOp{
			createOp(t, "a", "ALF is back"),
			createOp(t, "b", "unrelated"),
			createOp(t, "c", "more alf"),
			deleteOp("d"),
			deleteOp("e"),
		},
	}
	if err := p.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(sink.deleteCalls) != 1 {
		t.Fatalf("expected 1 delete batch, got %d", len(sink.deleteCalls))
	}
	if got := sink.deleteCalls[0]; len(got) != 2 || got[0] != postURI("d") || got[1] != postURI("e") {
		t.Errorf("unexpected delete batch: %v", got)
	}

	if len(sink.insertCalls) != 1 {
		t.Fatalf("expected 1 insert batch, got %d", len(sink.insertCalls))
	}
	batch := sink.insertCalls[0]
	if len(batch) != 2 || batch[0].URI != postURI("a") || batch[1].URI != postURI("c") {
		t.Fatalf("unexpected insert batch: %+v", batch)
	}

	wantIndexedAt := time.Date(2024, 3, 1, 12, 0, 0, 123000000, time.UTC)
	for _, post := range batch {
		if !post.IndexedAt.Equal(wantIndexedAt) {
			t.Errorf("IndexedAt = %v, want ingestion clock %v", post.IndexedAt, wantIndexedAt)
		}
	}
}

func TestHandleEventNoWritesWithoutOps(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(t, sink, nil)

	evt := &CommitEvent{Kind: KindCommit, Repo: testRepo, Ops: []RepoOp{createOp(t, "a", "no match")}}
	if err := p.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(sink.deleteCalls)+len(sink.insertCalls) != 0 {
		t.Errorf("expected no sink calls, got %d deletes and %d inserts", len(sink.deleteCalls), len(sink.insertCalls))
	}
}

func TestHandleEventPropagatesSinkErrors(t *testing.T) {
	boom := fmt.Errorf("%w: disk full", store.ErrSink)

	t.Run("delete", func(t *testing.T) {
		sink := &fakeSink{deleteErr: boom}
		p := newTestPipeline(t, sink, nil)

		evt := &CommitEvent{Kind: KindCommit, Repo: testRepo, Ops: []RepoOp{deleteOp("x"), createOp(t, "y", "alf")}}
		err := p.HandleEvent(context.Background(), evt)
		if !errors.Is(err, store.ErrSink) {
			t.Fatalf("expected ErrSink, got %v", err)
		}
		if len(sink.deleteCalls) != 1 {
			t.Errorf("delete should be attempted exactly once, got %d", len(sink.deleteCalls))
		}
		if len(sink.insertCalls) != 0 {
			t.Errorf("insert should not run after a failed delete")
		}
	})

	t.Run("insert", func(t *testing.T) {
		sink := &fakeSink{insertErr: boom}
		archiver := &fakeArchiver{}
		p := newTestPipeline(t, sink, archiver)

		evt := &CommitEvent{Kind: KindCommit, Repo: testRepo, Ops: []RepoOp{createOp(t, "y", "alf")}}
		err := p.HandleEvent(context.Background(), evt)
		if !errors.Is(err, store.ErrSink) {
			t.Fatalf("expected ErrSink, got %v", err)
		}
		if len(sink.insertCalls) != 1 {
			t.Errorf("insert should be attempted exactly once, got %d", len(sink.insertCalls))
		}
		if len(archiver.archived) != 0 {
			t.Errorf("nothing should be archived after a failed insert")
		}
	})
}

func TestHandleEventArchivesInsertedPosts(t *testing.T) {
	sink := &fakeSink{}
	archiver := &fakeArchiver{}
	p := newTestPipeline(t, sink, archiver)

	evt := &CommitEvent{Kind: KindCommit, Repo: testRepo, Ops: []RepoOp{createOp(t, "a", "alf"), createOp(t, "b", "nope")}}
	if err := p.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(archiver.archived) != 1 || archiver.archived[0].URI != postURI("a") {
		t.Errorf("unexpected archived posts: %+v", archiver.archived)
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(discardLogger, filepath.Join(t.TempDir(), "feed.db"), true)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEndToEndCreateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	p := newTestPipeline(t, s, nil)

	if _, err := s.InsertIfAbsent(ctx, []*store.Post{{URI: postURI("2"), CID: "bafy2", IndexedAt: time.Now().UTC()}}); err != nil {
		t.Fatalf("seed InsertIfAbsent: %v", err)
	}

	evt := &CommitEvent{
		Kind: KindCommit,
		Repo: testRepo,
		Seq:  1,
		Ops:  []RepoOp{createOp(t, "1", "ALF rules"), deleteOp("2")},
	}
	if err := p.HandleEvent(ctx, evt); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	created, err := s.GetPost(ctx, postURI("1"))
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if created == nil {
		t.Fatal("expected post 1 to be stored")
	}
	if created.ReplyParent != nil || created.ReplyRoot != nil {
		t.Errorf("expected no reply refs, got %+v", created)
	}

	deleted, err := s.GetPost(ctx, postURI("2"))
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if deleted != nil {
		t.Errorf("expected post 2 to be deleted")
	}
}

func TestDeleteOfUnknownURIIsSafe(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	p := newTestPipeline(t, s, nil)

	evt := &CommitEvent{Kind: KindCommit, Repo: testRepo, Ops: []RepoOp{deleteOp("never-stored")}}
	if err := p.HandleEvent(ctx, evt); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	got, _ := s.GetPost(ctx, postURI("never-stored"))
	if got != nil {
		t.Errorf("expected no row for a deleted uri")
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	p := newTestPipeline(t, s, nil)

	evt := &CommitEvent{Kind: KindCommit, Repo: testRepo, Ops: []RepoOp{createOp(t, "1", "alf again")}}
	for i := 0; i < 3; i++ {
		if err := p.HandleEvent(ctx, evt); err != nil {
			t.Fatalf("HandleEvent #%d: %v", i, err)
		}
	}

	n, err := s.CountPosts(ctx)
	if err != nil {
		t.Fatalf("CountPosts: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row after redelivery, got %d", n)
	}
}
