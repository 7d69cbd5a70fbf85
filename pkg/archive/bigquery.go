package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/ericvolp12/keyword-feed/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type BQRecord struct {
	ArchivedAt  time.Time `bigquery:"archived_at"`
	URI         string    `bigquery:"uri"`
	CID         string    `bigquery:"cid"`
	ReplyParent string    `bigquery:"reply_parent"`
	ReplyRoot   string    `bigquery:"reply_root"`
	IndexedAt   time.Time `bigquery:"indexed_at"`
}

type BQ struct {
	logger       *slog.Logger
	recordSchema bigquery.Schema
	client       *bigquery.Client
	dataset      *bigquery.Dataset

	tablePrefix string

	tableDate string
	inserter  *bigquery.Inserter

	recordBuf chan *BQRecord
	stop      chan struct{}
	wg        sync.WaitGroup
}

var tracer = otel.Tracer("archive")

const bqBatchSize = 10_000

// NewBQ connects to BigQuery and starts a routine that flushes buffered
// records every flushInterval into a table named <prefix>_<yyyymmdd>.
func NewBQ(
	ctx context.Context,
	projectID string,
	dataset string,
	tablePrefix string,
	flushInterval time.Duration,
	logger *slog.Logger,
) (*BQ, error) {
	recordSchema, err := bigquery.InferSchema(BQRecord{})
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema: %w", err)
	}

	bqClient, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	bqDataset := bqClient.Dataset(dataset)

	if _, err := bqDataset.Metadata(ctx); err != nil {
		bqClient.Close()
		return nil, fmt.Errorf("failed to get dataset metadata, make sure to create it if it doesn't exist: %w", err)
	}

	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	bq := &BQ{
		recordSchema: recordSchema,
		client:       bqClient,
		dataset:      bqDataset,
		logger:       logger.With("module", "archive_bigquery"),
		tablePrefix:  tablePrefix,
		recordBuf:    make(chan *BQRecord, 100_000),
		stop:         make(chan struct{}),
	}

	// Start a routine to batch insert records
	bq.wg.Add(1)
	go func() {
		defer bq.wg.Done()
		t := time.NewTicker(flushInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := bq.insertRecords(context.Background()); err != nil {
					bq.logger.Error("failed to insert records", "error", err)
				}
			case <-bq.stop:
				if err := bq.insertRecords(context.Background()); err != nil {
					bq.logger.Error("failed to insert final records", "error", err)
				}
				return
			}
		}
	}()

	return bq, nil
}

func (bq *BQ) Archive(ctx context.Context, posts []*store.Post) {
	_, span := tracer.Start(ctx, "BQArchive")
	defer span.End()

	span.SetAttributes(attribute.Int("batch_size", len(posts)))

	now := time.Now().UTC()
	for _, p := range posts {
		rec := &BQRecord{
			ArchivedAt:  now,
			URI:         p.URI,
			CID:         p.CID,
			ReplyParent: derefOr(p.ReplyParent),
			ReplyRoot:   derefOr(p.ReplyRoot),
			IndexedAt:   p.IndexedAt.UTC(),
		}
		select {
		case bq.recordBuf <- rec:
			recordsEnqueued.WithLabelValues("bigquery").Inc()
			queueDepth.WithLabelValues("bigquery").Inc()
		default:
			recordsDropped.WithLabelValues("bigquery").Inc()
		}
	}
}

func (bq *BQ) insertRecords(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "insertRecords")
	defer span.End()

	// Grab up to bqBatchSize records from the buffer
	records := make([]*BQRecord, 0, bqBatchSize)
collect:
	for len(records) < bqBatchSize {
		select {
		case record := <-bq.recordBuf:
			records = append(records, record)
			queueDepth.WithLabelValues("bigquery").Dec()
		default:
			break collect
		}
	}

	// If there are no records, return early
	if len(records) == 0 {
		return nil
	}

	// Create table if it doesn't exist
	if err := bq.CreateTableIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	start := time.Now()
	defer func() {
		batchSubmissionDuration.WithLabelValues("bigquery").Observe(float64(time.Since(start).Milliseconds()))
		batchSizeHist.WithLabelValues("bigquery").Observe(float64(len(records)))
	}()

	if err := bq.inserter.Put(ctx, records); err != nil {
		return fmt.Errorf("failed to insert records: %w", err)
	}

	return nil
}

func (bq *BQ) CreateTableIfNotExists(ctx context.Context) error {
	today := time.Now().UTC().Format("20060102")

	if bq.tableDate == today && bq.inserter != nil {
		return nil
	}

	table := bq.dataset.Table(fmt.Sprintf("%s_%s", bq.tablePrefix, today))
	_, err := table.Metadata(ctx)
	if err != nil {
		bq.logger.Info("table does not exist, creating", "table", table.FullyQualifiedName())
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: bq.recordSchema}); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	bq.tableDate = today
	bq.inserter = table.Inserter()

	return nil
}

// Close flushes buffered records and closes the client.
func (bq *BQ) Close() error {
	close(bq.stop)
	bq.wg.Wait()
	return bq.client.Close()
}
