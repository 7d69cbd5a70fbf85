package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericvolp12/keyword-feed/pkg/store"
	"github.com/parquet-go/parquet-go"
)

type Record struct {
	ArchivedAt  int64  `parquet:"archived_at"`
	URI         string `parquet:"uri"`
	CID         string `parquet:"cid"`
	ReplyParent string `parquet:"reply_parent"`
	ReplyRoot   string `parquet:"reply_root"`
	IndexedAt   int64  `parquet:"indexed_at"`
}

func toRecord(p *store.Post, now time.Time) *Record {
	return &Record{
		ArchivedAt:  now.UTC().UnixMilli(),
		URI:         p.URI,
		CID:         p.CID,
		ReplyParent: derefOr(p.ReplyParent),
		ReplyRoot:   derefOr(p.ReplyRoot),
		IndexedAt:   indexedAtMillis(p.IndexedAt),
	}
}

type Parquet struct {
	logger       *slog.Logger
	fileDir      string
	prefix       string
	writeQueue   chan *Record
	shutdown     chan struct{}
	wg           sync.WaitGroup
	batchSize    int
	maxBatchWait time.Duration
	fileSeq      atomic.Int64
}

func NewParquet(logger *slog.Logger, fileDir, prefix string, batchSize int, maxBatchWait time.Duration) (*Parquet, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if maxBatchWait <= 0 {
		maxBatchWait = time.Minute
	}

	p := Parquet{
		logger:       logger.With("module", "archive_parquet"),
		fileDir:      fileDir,
		prefix:       prefix,
		batchSize:    batchSize,
		maxBatchWait: maxBatchWait,
		writeQueue:   make(chan *Record, batchSize*2),
		shutdown:     make(chan struct{}),
	}

	// Make sure the file directory exists
	err := os.MkdirAll(fileDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file directory: %w", err)
	}

	return &p, nil
}

// StartWriter starts the writer goroutine which writes records to parquet files
// when the batch size is reached, after every maxBatchWait duration, or when the shutdown signal is received
func (p *Parquet) StartWriter() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		var records []*Record
		t := time.NewTicker(p.maxBatchWait)
		defer t.Stop()

		flush := func(reason string) {
			if len(records) == 0 {
				return
			}
			p.logger.Info("writing parquet file", "reason", reason, "num_records", len(records))
			if err := p.WriteFile(records); err != nil {
				p.logger.Error("failed to write parquet file", "error", err)
			}
			records = nil
		}

		p.logger.Info("starting parquet writer loop")

		for {
			select {
			case r := <-p.writeQueue:
				records = append(records, r)
				queueDepth.WithLabelValues("parquet").Dec()
				if len(records) >= p.batchSize {
					flush("max batch size")
				}
			case <-t.C:
				flush("max batch wait")
			case <-p.shutdown:
				// Drain whatever was enqueued before shutdown
			drain:
				for {
					select {
					case r := <-p.writeQueue:
						records = append(records, r)
						queueDepth.WithLabelValues("parquet").Dec()
					default:
						break drain
					}
				}
				flush("shutdown")
				return
			}
		}
	}()
}

// Shutdown signals the writer goroutine to flush and exit, then waits for it.
func (p *Parquet) Shutdown() {
	p.logger.Info("waiting for parquet writer to shutdown")
	close(p.shutdown)
	p.wg.Wait()
	p.logger.Info("parquet writer shutdown successfully")
}

// Archive enqueues posts for the next parquet file. Posts are dropped when
// the queue is full.
func (p *Parquet) Archive(ctx context.Context, posts []*store.Post) {
	now := time.Now()
	for _, post := range posts {
		select {
		case p.writeQueue <- toRecord(post, now):
			recordsEnqueued.WithLabelValues("parquet").Inc()
			queueDepth.WithLabelValues("parquet").Inc()
		default:
			recordsDropped.WithLabelValues("parquet").Inc()
		}
	}
}

// WriteFile writes the given records to a new parquet file
func (p *Parquet) WriteFile(records []*Record) error {
	fName := path.Join(p.fileDir, fmt.Sprintf("%s_%s_%04d.parquet",
		p.prefix,
		time.Now().UTC().Format("2006_01_02-15_04_05"),
		p.fileSeq.Add(1),
	))

	filterBits := uint(10)

	start := time.Now()
	err := parquet.WriteFile(fName, records, parquet.BloomFilters(
		parquet.SplitBlockFilter(filterBits, "uri"),
		parquet.SplitBlockFilter(filterBits, "reply_root"),
	))
	if err != nil {
		return fmt.Errorf("failed to write parquet file: %w", err)
	}

	batchSubmissionDuration.WithLabelValues("parquet").Observe(float64(time.Since(start).Milliseconds()))
	batchSizeHist.WithLabelValues("parquet").Observe(float64(len(records)))

	p.logger.Info("wrote parquet file", "file_path", fName)

	return nil
}
