package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/nostrmarket/internal/domain"
	"github.com/alanyoungcy/nostrmarket/internal/market"
)

const (
	contentTypeJSONL = "application/x-ndjson"

	// Batches larger than this go through the multipart uploader.
	multipartThreshold = 8 * 1024 * 1024
	defaultBatchSize   = 500
)

// ArchiveStore is the slice of domain.MarketStore the archiver needs.
type ArchiveStore interface {
	ListSettledBefore(ctx context.Context, t time.Time, limit int) ([]market.Snapshot, error)
	MarkArchived(ctx context.Context, marketIDs []string, at time.Time) error
}

// Archiver implements domain.Archiver. Each batch of settled markets is
// written as one JSONL object under archive/markets/YYYY-MM/ and flagged as
// archived once the object is confirmed present. Rows are never deleted.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	store     ArchiveStore
	audit     domain.AuditStore
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. batchSize <= 0 selects 500.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, store ArchiveStore, audit domain.AuditStore, batchSize int, logger *slog.Logger) *Archiver {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Archiver{
		writer:    writer,
		reader:    reader,
		store:     store,
		audit:     audit,
		logger:    logger,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// ArchiveSettled uploads every settled, unarchived market whose settlement
// was recorded before the cutoff and returns how many were archived.
func (a *Archiver) ArchiveSettled(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for batch := 0; ; batch++ {
		snaps, err := a.store.ListSettledBefore(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: list settled markets: %w", err)
		}
		if len(snaps) == 0 {
			return total, nil
		}

		now := a.now().UTC()
		path := archivePath(now, batch)
		if err := a.upload(ctx, path, snaps); err != nil {
			return total, err
		}

		ids := make([]string, len(snaps))
		for i, s := range snaps {
			ids[i] = s.ID
		}
		if err := a.store.MarkArchived(ctx, ids, now); err != nil {
			return total, fmt.Errorf("s3blob: mark archived: %w", err)
		}
		total += int64(len(snaps))

		if err := a.audit.Log(ctx, "archive.markets", "", map[string]any{
			"path":   path,
			"count":  len(snaps),
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			a.logger.WarnContext(ctx, "archive audit log failed", slog.String("path", path), slog.String("error", err.Error()))
		}
		a.logger.InfoContext(ctx, "archived settled markets", slog.String("path", path), slog.Int("count", len(snaps)))

		if len(snaps) < a.batchSize {
			return total, nil
		}
	}
}

func (a *Archiver) upload(ctx context.Context, path string, snaps []market.Snapshot) error {
	buf, err := marshalJSONL(snaps)
	if err != nil {
		return fmt.Errorf("s3blob: encode archive: %w", err)
	}
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return err
	}

	return a.verify(ctx, path, buf)
}

// verify reads the object back and compares it with what was uploaded.
func (a *Archiver) verify(ctx context.Context, path string, want []byte) error {
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: verify %s: %w", path, err)
	}
	defer body.Close()
	got, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("s3blob: verify %s: %w", path, err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("s3blob: archive %s holds %d bytes, uploaded %d", path, len(got), len(want))
	}
	return nil
}

// archivePath names one batch object, e.g.
// archive/markets/2030-03/20300301T120000Z-0.jsonl.
func archivePath(at time.Time, batch int) string {
	return fmt.Sprintf("archive/markets/%s/%s-%d.jsonl", at.Format("2006-01"), at.Format("20060102T150405Z"), batch)
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
