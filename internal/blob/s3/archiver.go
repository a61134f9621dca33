package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/positionguard/positionguard/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only needs the time-ranged read methods it actually calls,
// not the full domain store interfaces. The Postgres and in-memory stores
// satisfy these implicitly.
// ---------------------------------------------------------------------------

// CycleArchiveStore provides read access to cycle records for archival.
type CycleArchiveStore interface {
	// ListBefore returns cycle records with a timestamp strictly before the
	// cutoff, oldest first. A non-positive limit means no bound.
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.CycleRecord, error)
}

// EpisodeArchiveStore provides read access to closed episodes for archival.
type EpisodeArchiveStore interface {
	// ListClosedBefore returns episodes closed strictly before the cutoff,
	// oldest first. A non-positive limit means no bound.
	ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.ActionEpisode, error)
}

// multipartThreshold is the payload size above which uploads switch from a
// single PutObject to the multipart uploader.
const multipartThreshold = 16 * 1024 * 1024

// ArchiveImpl implements domain.Archiver by querying the stores for records
// older than a cutoff, serializing them to JSONL, and uploading the result
// to object storage under a run-stamped key.
//
// Deletion of the archived rows from the primary store is intentionally NOT
// performed here; the retention job prunes them only after verifying the
// uploaded object exists.
type ArchiveImpl struct {
	writer   domain.BlobWriter
	cycles   CycleArchiveStore
	episodes EpisodeArchiveStore
	audit    domain.AuditStore
	prefix   string
}

// NewArchiver creates a new ArchiveImpl. Keys are written under the given
// prefix, e.g. "archive/cycles/20250601T120000Z.jsonl".
func NewArchiver(
	writer domain.BlobWriter,
	cycles CycleArchiveStore,
	episodes EpisodeArchiveStore,
	audit domain.AuditStore,
	prefix string,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:   writer,
		cycles:   cycles,
		episodes: episodes,
		audit:    audit,
		prefix:   prefix,
	}
}

// ArchiveCycles uploads all cycle records older than the cutoff as one JSONL
// object and records the run in the audit log. It returns the object path
// and record count; a zero count means nothing was uploaded.
func (a *ArchiveImpl) ArchiveCycles(ctx context.Context, before time.Time) (domain.ArchiveResult, error) {
	records, err := a.cycles.ListBefore(ctx, before, 0)
	if err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive cycles query: %w", err)
	}
	if len(records) == 0 {
		return domain.ArchiveResult{}, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive cycles marshal: %w", err)
	}

	path := a.archivePath("cycles", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive cycles upload: %w", err)
	}

	result := domain.ArchiveResult{Path: path, Count: int64(len(records))}

	if err := a.audit.Log(ctx, "archive.cycles", map[string]any{
		"path":   path,
		"count":  result.Count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return result, fmt.Errorf("s3blob: archive cycles audit log: %w", err)
	}

	return result, nil
}

// ArchiveEpisodes uploads all episodes closed before the cutoff as one JSONL
// object and records the run in the audit log. It returns the object path
// and record count; a zero count means nothing was uploaded.
func (a *ArchiveImpl) ArchiveEpisodes(ctx context.Context, before time.Time) (domain.ArchiveResult, error) {
	episodes, err := a.episodes.ListClosedBefore(ctx, before, 0)
	if err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive episodes query: %w", err)
	}
	if len(episodes) == 0 {
		return domain.ArchiveResult{}, nil
	}

	buf, err := marshalJSONL(episodes)
	if err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive episodes marshal: %w", err)
	}

	path := a.archivePath("episodes", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive episodes upload: %w", err)
	}

	result := domain.ArchiveResult{Path: path, Count: int64(len(episodes))}

	if err := a.audit.Log(ctx, "archive.episodes", map[string]any{
		"path":   path,
		"count":  result.Count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return result, fmt.Errorf("s3blob: archive episodes audit log: %w", err)
	}

	return result, nil
}

// upload picks single-shot or multipart upload based on payload size.
func (a *ArchiveImpl) upload(ctx context.Context, path string, buf []byte) error {
	if len(buf) >= multipartThreshold {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the object key for an archive file. Keys embed the full
// cutoff timestamp so repeated runs never overwrite an earlier archive:
//
//	archive/cycles/20250601T120000Z.jsonl
//	archive/episodes/20250601T120000Z.jsonl
func (a *ArchiveImpl) archivePath(kind string, before time.Time) string {
	stamp := before.UTC().Format("20060102T150405Z")
	prefix := strings.TrimSuffix(a.prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.jsonl", kind, stamp)
	}
	return fmt.Sprintf("%s/%s/%s.jsonl", prefix, kind, stamp)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
