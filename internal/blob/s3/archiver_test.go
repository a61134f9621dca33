package s3blob

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/positionguard/positionguard/internal/domain"
)

type putCall struct {
	path        string
	contentType string
	data        []byte
}

type fakeWriter struct {
	puts       []putCall
	multiparts []putCall
	err        error
}

func (w *fakeWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	b, _ := io.ReadAll(data)
	w.puts = append(w.puts, putCall{path: path, contentType: contentType, data: b})
	return nil
}

func (w *fakeWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	if w.err != nil {
		return w.err
	}
	b, _ := io.ReadAll(data)
	w.multiparts = append(w.multiparts, putCall{path: path, data: b})
	return nil
}

type fakeCycleSource struct {
	records   []domain.CycleRecord
	err       error
	gotBefore time.Time
	gotLimit  int
}

func (s *fakeCycleSource) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.CycleRecord, error) {
	s.gotBefore, s.gotLimit = before, limit
	return s.records, s.err
}

type fakeEpisodeSource struct {
	episodes []domain.ActionEpisode
	err      error
}

func (s *fakeEpisodeSource) ListClosedBefore(_ context.Context, _ time.Time, _ int) ([]domain.ActionEpisode, error) {
	return s.episodes, s.err
}

type fakeAudit struct {
	events  []string
	details []map[string]any
	err     error
}

func (a *fakeAudit) Log(_ context.Context, event string, detail map[string]any) error {
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, event)
	a.details = append(a.details, detail)
	return nil
}

func (a *fakeAudit) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func testCycleRecords(n int) []domain.CycleRecord {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	records := make([]domain.CycleRecord, n)
	for i := range records {
		records[i] = domain.CycleRecord{
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			Wallet:       "0xabc",
			HealthFactor: "1.82",
			RiskLevel:    domain.RiskSafe,
			Action:       "NONE",
			DurationMs:   420,
		}
	}
	return records
}

func TestArchiveCyclesUploadsJSONL(t *testing.T) {
	writer := &fakeWriter{}
	cycles := &fakeCycleSource{records: testCycleRecords(3)}
	audit := &fakeAudit{}
	arch := NewArchiver(writer, cycles, &fakeEpisodeSource{}, audit, "archive")

	cutoff := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	res, err := arch.ArchiveCycles(context.Background(), cutoff)
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.Count)
	assert.Equal(t, "archive/cycles/20250601T120000Z.jsonl", res.Path)
	assert.True(t, cycles.gotBefore.Equal(cutoff))
	assert.Equal(t, 0, cycles.gotLimit)

	require.Len(t, writer.puts, 1)
	put := writer.puts[0]
	assert.Equal(t, res.Path, put.path)
	assert.Equal(t, "application/x-ndjson", put.contentType)

	lines := strings.Split(strings.TrimRight(string(put.data), "\n"), "\n")
	require.Len(t, lines, 3)
	var rec domain.CycleRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "0xabc", rec.Wallet)
	assert.Equal(t, "1.82", rec.HealthFactor)

	require.Len(t, audit.events, 1)
	assert.Equal(t, "archive.cycles", audit.events[0])
	assert.Equal(t, res.Path, audit.details[0]["path"])
	assert.Equal(t, int64(3), audit.details[0]["count"])
}

func TestArchiveCyclesNothingToArchive(t *testing.T) {
	writer := &fakeWriter{}
	audit := &fakeAudit{}
	arch := NewArchiver(writer, &fakeCycleSource{}, &fakeEpisodeSource{}, audit, "archive")

	res, err := arch.ArchiveCycles(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Zero(t, res.Count)
	assert.Empty(t, res.Path)
	assert.Empty(t, writer.puts)
	assert.Empty(t, audit.events)
}

func TestArchiveCyclesQueryFailure(t *testing.T) {
	cycles := &fakeCycleSource{err: errors.New("connection reset")}
	arch := NewArchiver(&fakeWriter{}, cycles, &fakeEpisodeSource{}, &fakeAudit{}, "archive")

	_, err := arch.ArchiveCycles(context.Background(), time.Now())
	assert.ErrorContains(t, err, "archive cycles query")
}

func TestArchiveCyclesUploadFailure(t *testing.T) {
	writer := &fakeWriter{err: errors.New("bucket gone")}
	cycles := &fakeCycleSource{records: testCycleRecords(1)}
	audit := &fakeAudit{}
	arch := NewArchiver(writer, cycles, &fakeEpisodeSource{}, audit, "archive")

	_, err := arch.ArchiveCycles(context.Background(), time.Now())
	assert.ErrorContains(t, err, "archive cycles upload")
	assert.Empty(t, audit.events)
}

func TestArchiveEpisodesUploadsJSONL(t *testing.T) {
	closed := time.Date(2025, 2, 10, 8, 30, 0, 0, time.UTC)
	episodes := []domain.ActionEpisode{{
		ID:               "ep-1",
		Wallet:           "0xabc",
		TriggerRiskLevel: domain.RiskCritical,
		Action:           domain.RecommendedAction{Kind: domain.ActionRepayDebt, Amount: 250, Asset: "USDC"},
		Status:           domain.EpisodeConfirmed,
		AttemptCount:     1,
		TxHash:           "0xdeadbeef",
		ClosedAt:         &closed,
		CloseReason:      "confirmed",
	}}

	writer := &fakeWriter{}
	audit := &fakeAudit{}
	arch := NewArchiver(writer, &fakeCycleSource{}, &fakeEpisodeSource{episodes: episodes}, audit, "archive")

	cutoff := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	res, err := arch.ArchiveEpisodes(context.Background(), cutoff)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Count)
	assert.Equal(t, "archive/episodes/20250601T120000Z.jsonl", res.Path)

	require.Len(t, writer.puts, 1)
	var ep domain.ActionEpisode
	line := strings.TrimRight(string(writer.puts[0].data), "\n")
	require.NoError(t, json.Unmarshal([]byte(line), &ep))
	assert.Equal(t, "ep-1", ep.ID)
	assert.Equal(t, domain.ActionRepayDebt, ep.Action.Kind)
	assert.Equal(t, "confirmed", ep.CloseReason)
	require.NotNil(t, ep.ClosedAt)
	assert.True(t, ep.ClosedAt.Equal(closed))

	require.Len(t, audit.events, 1)
	assert.Equal(t, "archive.episodes", audit.events[0])
}

func TestUploadSwitchesToMultipartForLargePayloads(t *testing.T) {
	writer := &fakeWriter{}
	arch := NewArchiver(writer, &fakeCycleSource{}, &fakeEpisodeSource{}, &fakeAudit{}, "archive")

	small := make([]byte, 1024)
	require.NoError(t, arch.upload(context.Background(), "a.jsonl", small))
	assert.Len(t, writer.puts, 1)
	assert.Empty(t, writer.multiparts)

	big := make([]byte, multipartThreshold)
	require.NoError(t, arch.upload(context.Background(), "b.jsonl", big))
	assert.Len(t, writer.puts, 1)
	require.Len(t, writer.multiparts, 1)
	assert.Equal(t, "b.jsonl", writer.multiparts[0].path)
}

func TestArchivePathPrefixHandling(t *testing.T) {
	cutoff := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{"plain", "archive", "archive/cycles/20250601T120000Z.jsonl"},
		{"trailing slash", "archive/", "archive/cycles/20250601T120000Z.jsonl"},
		{"empty", "", "cycles/20250601T120000Z.jsonl"},
		{"nested", "cold/guard", "cold/guard/cycles/20250601T120000Z.jsonl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arch := NewArchiver(&fakeWriter{}, &fakeCycleSource{}, &fakeEpisodeSource{}, &fakeAudit{}, tt.prefix)
			assert.Equal(t, tt.want, arch.archivePath("cycles", cutoff))
		})
	}
}

func TestMarshalJSONLKeepsRawStrings(t *testing.T) {
	records := []domain.CycleRecord{{
		Wallet:     "0xabc",
		SkipReason: `advisor error: status 500 & "quota"`,
	}}
	buf, err := marshalJSONL(records)
	require.NoError(t, err)
	// SetEscapeHTML(false) keeps & and quotes readable.
	assert.Contains(t, string(buf), `500 & \"quota\"`)
	assert.True(t, strings.HasSuffix(string(buf), "\n"))
}
