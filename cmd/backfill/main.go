package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/repo"
	"github.com/ericvolp12/keyword-feed/pkg/feed"
	"github.com/ericvolp12/keyword-feed/pkg/store"
	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	app := cli.App{
		Name:    "backfill",
		Usage:   "index matching posts from whole repos into the feed database",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "pds-host",
			Usage:   "host of the PDS or Relay to fetch the repo from (with protocol)",
			Value:   "https://bsky.network",
			EnvVars: []string{"FEEDGEN_BACKFILL_PDS_HOST"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "/data/feedgen.db",
			EnvVars: []string{"FEEDGEN_SQLITE_PATH"},
		},
		&cli.BoolFlag{
			Name:    "migrate-db",
			Usage:   "run database migrations",
			Value:   true,
			EnvVars: []string{"FEEDGEN_MIGRATE_DB"},
		},
		&cli.StringFlag{
			Name:    "keyword",
			Usage:   "posts whose text contains this keyword (case-insensitive) are indexed",
			Value:   "alf",
			EnvVars: []string{"FEEDGEN_KEYWORD"},
		},
		&cli.IntFlag{
			Name:    "batch-size",
			Usage:   "number of posts handed to the pipeline at once",
			Value:   500,
			EnvVars: []string{"FEEDGEN_BACKFILL_BATCH_SIZE"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			EnvVars: []string{"FEEDGEN_DEBUG"},
		},
	}

	app.ArgsUsage = "<repo-did> [<repo-did>...]"

	app.Action = Backfill

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Backfill fetches each repo and runs its posts through the same
// classify, filter and insert path as the firehose.
func Backfill(cctx *cli.Context) error {
	ctx := cctx.Context

	if cctx.NArg() == 0 {
		return fmt.Errorf("at least one repo DID is required")
	}

	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(logger)

	st, err := store.NewStore(logger, cctx.String("sqlite-path"), cctx.Bool("migrate-db"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	pipeline, err := feed.NewPipeline(logger, st, cctx.String("keyword"), nil)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	client := &http.Client{
		Timeout:   5 * time.Minute,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	userAgent := fmt.Sprintf("keyword-feed.backfill/%s", cctx.App.Version)

	var failed int
	for _, rawDID := range cctx.Args().Slice() {
		did, err := syntax.ParseDID(rawDID)
		if err != nil {
			logger.Error("invalid DID, skipping", "did", rawDID, "error", err)
			failed++
			continue
		}

		ops, err := fetchPostOps(ctx, client, cctx.String("pds-host"), userAgent, did)
		if err != nil {
			logger.Error("failed to fetch repo", "did", did.String(), "error", err)
			failed++
			continue
		}

		events := batchEvents(did.String(), ops, cctx.Int("batch-size"))
		for _, evt := range events {
			if err := pipeline.HandleEvent(ctx, evt); err != nil {
				return fmt.Errorf("failed to index posts for %s: %w", did, err)
			}
		}

		logger.Info("backfilled repo", "did", did.String(), "posts", len(ops), "batches", len(events))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d repos failed", failed, cctx.NArg())
	}
	return nil
}

// fetchPostOps downloads a repo CAR and returns a create op for every post
// record whose block matches its tree CID.
func fetchPostOps(ctx context.Context, client *http.Client, host, userAgent string, did syntax.DID) ([]feed.RepoOp, error) {
	url := fmt.Sprintf("%s/xrpc/com.atproto.sync.getRepo?did=%s", strings.TrimSuffix(host, "/"), did.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.ipld.car")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected response status: %d", resp.StatusCode)
	}

	r, err := repo.ReadRepoFromCar(ctx, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read repo: %w", err)
	}

	var ops []feed.RepoOp
	prefix := feed.PostCollection + "/"
	err = r.ForEach(ctx, feed.PostCollection, func(path string, nodeCid cid.Cid) error {
		if !strings.HasPrefix(path, prefix) {
			if path > prefix {
				return repo.ErrDoneIterating
			}
			return nil
		}

		recordCid, rec, err := r.GetRecordBytes(ctx, path)
		if err != nil {
			slog.Warn("failed to get record", "path", path, "error", err)
			return nil
		}

		if recordCid != nodeCid {
			slog.Warn("mismatch in record and node CID", "path", path, "record_cid", recordCid, "node_cid", nodeCid)
			return nil
		}

		ops = append(ops, feed.RepoOp{
			Action: feed.ActionCreate,
			Path:   path,
			CID:    recordCid.String(),
			Record: *rec,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk repo: %w", err)
	}

	return ops, nil
}

// batchEvents groups ops into commit events of at most size ops each.
func batchEvents(repoDID string, ops []feed.RepoOp, size int) []*feed.CommitEvent {
	if size <= 0 {
		size = len(ops)
	}

	var events []*feed.CommitEvent
	for start := 0; start < len(ops); start += size {
		end := start + size
		if end > len(ops) {
			end = len(ops)
		}
		events = append(events, &feed.CommitEvent{
			Kind: feed.KindCommit,
			Repo: repoDID,
			Ops:  ops[start:end],
		})
	}
	return events
}
