package stream

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/events/schedulers/sequential"
	"github.com/bluesky-social/indigo/repo"
	"github.com/ericvolp12/keyword-feed/pkg/feed"
	"github.com/gorilla/websocket"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Handler consumes one firehose delivery at a time.
type Handler interface {
	HandleEvent(ctx context.Context, evt *feed.CommitEvent) error
}

// CursorStore persists the last processed sequence number.
type CursorStore interface {
	LoadCursor(ctx context.Context) (int64, error)
	SaveCursor(ctx context.Context, seq int64) error
}

type Stream struct {
	logger    *slog.Logger
	socketURL *url.URL
	userAgent string

	handler Handler
	cursors CursorStore

	lastSeq int64
	seqLk   sync.RWMutex

	cursorInterval time.Duration
	streamClosed   chan struct{}
}

var tracer = otel.Tracer("stream")

func NewStream(
	logger *slog.Logger,
	socketURL string,
	userAgent string,
	handler Handler,
	cursors CursorStore,
) (*Stream, error) {
	u, err := url.Parse(socketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse socket url: %w", err)
	}

	return &Stream{
		logger:         logger.With("module", "stream"),
		socketURL:      u,
		userAgent:      userAgent,
		handler:        handler,
		cursors:        cursors,
		cursorInterval: 60 * time.Second,
		streamClosed:   make(chan struct{}),
	}, nil
}

// Start connects to the relay and blocks until the stream ends or ctx is
// cancelled. Events are handed to the Handler one at a time, in order.
func (s *Stream) Start(ctx context.Context) error {
	lastSeq, err := s.cursors.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	s.SetSeq(lastSeq)

	cursorSaverDone := make(chan struct{})
	go func() {
		defer close(cursorSaverDone)
		s.saveCursorLoop(s.streamClosed, s.cursorInterval)
	}()

	rsc := events.RepoStreamCallbacks{
		RepoCommit:    s.RepoCommit,
		RepoHandle:    s.RepoHandle,
		RepoIdentity:  s.RepoIdentity,
		RepoInfo:      s.RepoInfo,
		RepoMigrate:   s.RepoMigrate,
		RepoTombstone: s.RepoTombstone,
		Error:         s.Error,
	}

	socketURL := s.streamURL(lastSeq)
	s.logger.Info("connecting to relay", "url", socketURL)

	con, _, err := websocket.DefaultDialer.DialContext(ctx, socketURL, http.Header{
		"User-Agent": []string{s.userAgent},
	})
	if err != nil {
		close(s.streamClosed)
		<-cursorSaverDone
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	scheduler := sequential.NewScheduler(con.RemoteAddr().String(), rsc.EventHandler)

	if err := events.HandleRepoStream(ctx, con, scheduler); err != nil {
		s.logger.Error("repo stream failed", "err", err)
	}

	s.logger.Info("repo stream shut down")

	close(s.streamClosed)
	<-cursorSaverDone

	return nil
}

// streamURL resumes from seq when one was saved.
func (s *Stream) streamURL(seq int64) string {
	u := *s.socketURL
	if seq != 0 {
		q := u.Query()
		q.Set("cursor", fmt.Sprintf("%d", seq))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (s *Stream) saveCursorLoop(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	save := func() {
		seq := s.GetSeq()
		if seq == 0 {
			return
		}
		if err := s.cursors.SaveCursor(context.Background(), seq); err != nil {
			s.logger.Error("failed to save cursor", "err", err)
			return
		}
		s.logger.Debug("cursor saved", "seq", seq)
	}

	for {
		select {
		case <-done:
			s.logger.Info("stream closed, saving cursor", "seq", s.GetSeq())
			save()
			return
		case <-ticker.C:
			save()
		}
	}
}

func (s *Stream) SetSeq(seq int64) {
	s.seqLk.Lock()
	defer s.seqLk.Unlock()
	s.lastSeq = seq
	lastSeqGauge.Set(float64(seq))
}

func (s *Stream) GetSeq() int64 {
	s.seqLk.RLock()
	defer s.seqLk.RUnlock()
	return s.lastSeq
}

// dispatch hands evt to the Handler. Handler failures are logged and
// counted; the stream moves on to the next event.
func (s *Stream) dispatch(ctx context.Context, evt *feed.CommitEvent) {
	eventsReceived.WithLabelValues(evt.Kind).Inc()
	if err := s.handler.HandleEvent(ctx, evt); err != nil {
		handlerErrors.Inc()
		s.logger.Error("failed to handle event", "repo", evt.Repo, "seq", evt.Seq, "kind", evt.Kind, "err", err)
	}
}

func (s *Stream) observeTime(raw string) {
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		s.logger.Warn("failed to parse event time", "time", raw, "err", err)
		return
	}
	eventLag.Observe(time.Since(t).Seconds())
}

func (s *Stream) RepoCommit(evt *atproto.SyncSubscribeRepos_Commit) error {
	ctx := context.Background()
	ctx, span := tracer.Start(ctx, "RepoCommit")
	defer span.End()

	span.SetAttributes(
		attribute.String("repo", evt.Repo),
		attribute.Int64("seq", evt.Seq),
	)

	s.SetSeq(evt.Seq)
	s.observeTime(evt.Time)

	commit, err := s.commitEvent(ctx, evt)
	if err != nil {
		decodeErrors.Inc()
		s.logger.Error("failed to decode commit", "repo", evt.Repo, "seq", evt.Seq, "err", err)
		return nil
	}

	s.dispatch(ctx, commit)
	return nil
}

// commitEvent converts a wire commit, attaching record bytes for post
// creates and updates. Ops whose blocks are missing or mismatched keep a
// nil Record and are left for the classifier to skip.
func (s *Stream) commitEvent(ctx context.Context, evt *atproto.SyncSubscribeRepos_Commit) (*feed.CommitEvent, error) {
	out := &feed.CommitEvent{
		Kind: feed.KindCommit,
		Repo: evt.Repo,
		Seq:  evt.Seq,
	}

	if evt.TooBig {
		s.logger.Warn("commit too big", "repo", evt.Repo, "seq", evt.Seq)
		return out, nil
	}

	needsBlocks := false
	for _, op := range evt.Ops {
		if op.Action != feed.ActionDelete && isPostPath(op.Path) {
			needsBlocks = true
			break
		}
	}

	var r *repo.Repo
	if needsBlocks {
		var err error
		r, err = repo.ReadRepoFromCar(ctx, bytes.NewReader(evt.Blocks))
		if err != nil {
			return nil, fmt.Errorf("failed to read event repo: %w", err)
		}
	}

	logger := s.logger.With("repo", evt.Repo, "seq", evt.Seq)

	for _, op := range evt.Ops {
		if op == nil {
			continue
		}
		rop := feed.RepoOp{Action: op.Action, Path: op.Path}
		if op.Cid != nil {
			rop.CID = cid.Cid(*op.Cid).String()
		}

		if op.Action != feed.ActionDelete && isPostPath(op.Path) {
			rop.Record = s.recordBytes(ctx, logger, r, op)
		}

		out.Ops = append(out.Ops, rop)
	}

	return out, nil
}

func (s *Stream) recordBytes(ctx context.Context, logger *slog.Logger, r *repo.Repo, op *atproto.SyncSubscribeRepos_RepoOp) []byte {
	if op.Cid == nil {
		logger.Warn("op missing cid", "path", op.Path, "action", op.Action)
		return nil
	}

	want := cid.Cid(*op.Cid)
	got, rec, err := r.GetRecordBytes(ctx, op.Path)
	if err != nil {
		logger.Error("failed to get record bytes", "path", op.Path, "err", err)
		return nil
	}

	if want != got {
		logger.Warn("cid mismatch", "path", op.Path, "from_event", want, "from_blocks", got)
		return nil
	}

	if rec == nil {
		logger.Warn("record not found", "cid", want, "path", op.Path)
		return nil
	}

	return *rec
}

func isPostPath(path string) bool {
	return strings.HasPrefix(path, feed.PostCollection+"/")
}

func (s *Stream) RepoHandle(handle *atproto.SyncSubscribeRepos_Handle) error {
	ctx, span := tracer.Start(context.Background(), "RepoHandle")
	defer span.End()

	span.SetAttributes(attribute.Int64("seq", handle.Seq))

	s.SetSeq(handle.Seq)
	s.observeTime(handle.Time)
	s.dispatch(ctx, &feed.CommitEvent{Kind: feed.KindHandle, Repo: handle.Did, Seq: handle.Seq})
	return nil
}

func (s *Stream) RepoIdentity(id *atproto.SyncSubscribeRepos_Identity) error {
	ctx, span := tracer.Start(context.Background(), "RepoIdentity")
	defer span.End()

	span.SetAttributes(attribute.Int64("seq", id.Seq))

	s.SetSeq(id.Seq)
	s.observeTime(id.Time)
	s.dispatch(ctx, &feed.CommitEvent{Kind: feed.KindIdentity, Repo: id.Did, Seq: id.Seq})
	return nil
}

func (s *Stream) RepoInfo(info *atproto.SyncSubscribeRepos_Info) error {
	ctx, span := tracer.Start(context.Background(), "RepoInfo")
	defer span.End()

	msg := ""
	if info.Message != nil {
		msg = *info.Message
	}
	s.logger.Info("relay info", "name", info.Name, "message", msg)
	s.dispatch(ctx, &feed.CommitEvent{Kind: feed.KindInfo, Seq: s.GetSeq()})
	return nil
}

func (s *Stream) RepoMigrate(migrate *atproto.SyncSubscribeRepos_Migrate) error {
	ctx, span := tracer.Start(context.Background(), "RepoMigrate")
	defer span.End()

	span.SetAttributes(attribute.Int64("seq", migrate.Seq))

	s.SetSeq(migrate.Seq)
	s.observeTime(migrate.Time)
	s.dispatch(ctx, &feed.CommitEvent{Kind: feed.KindMigrate, Repo: migrate.Did, Seq: migrate.Seq})
	return nil
}

func (s *Stream) RepoTombstone(tomb *atproto.SyncSubscribeRepos_Tombstone) error {
	ctx, span := tracer.Start(context.Background(), "RepoTombstone")
	defer span.End()

	span.SetAttributes(attribute.Int64("seq", tomb.Seq))

	s.SetSeq(tomb.Seq)
	s.observeTime(tomb.Time)
	s.dispatch(ctx, &feed.CommitEvent{Kind: feed.KindTombstone, Repo: tomb.Did, Seq: tomb.Seq})
	return nil
}

func (s *Stream) Error(errf *events.ErrorFrame) error {
	_, span := tracer.Start(context.Background(), "Error")
	defer span.End()

	s.logger.Error("error frame from relay", "error", errf.Error, "message", errf.Message)
	return nil
}
