package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/positionguard/positionguard/internal/domain"
)

type fakeArchiver struct {
	cycleResult   domain.ArchiveResult
	cycleErr      error
	episodeResult domain.ArchiveResult
	episodeErr    error

	cycleCutoff   time.Time
	episodeCalled bool
}

func (a *fakeArchiver) ArchiveCycles(_ context.Context, before time.Time) (domain.ArchiveResult, error) {
	a.cycleCutoff = before
	return a.cycleResult, a.cycleErr
}

func (a *fakeArchiver) ArchiveEpisodes(_ context.Context, _ time.Time) (domain.ArchiveResult, error) {
	a.episodeCalled = true
	return a.episodeResult, a.episodeErr
}

type fakeReader struct {
	exists    map[string]bool
	err       error
	checked   []string
}

func (r *fakeReader) Get(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, domain.ErrNotFound
}

func (r *fakeReader) List(_ context.Context, _ string) ([]domain.BlobInfo, error) {
	return nil, nil
}

func (r *fakeReader) Exists(_ context.Context, path string) (bool, error) {
	r.checked = append(r.checked, path)
	if r.err != nil {
		return false, r.err
	}
	return r.exists[path], nil
}

type fakeCyclePruner struct {
	deleted   int64
	err       error
	gotBefore time.Time
	called    bool
}

func (p *fakeCyclePruner) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	p.called = true
	p.gotBefore = before
	return p.deleted, p.err
}

type fakeEpisodePruner struct {
	deleted int64
	err     error
	called  bool
}

func (p *fakeEpisodePruner) DeleteClosedBefore(_ context.Context, _ time.Time) (int64, error) {
	p.called = true
	return p.deleted, p.err
}

type fakeAudit struct {
	events  []string
	details []map[string]any
}

func (a *fakeAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.events = append(a.events, event)
	a.details = append(a.details, detail)
	return nil
}

func (a *fakeAudit) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetentionRunArchivesVerifiesAndPrunes(t *testing.T) {
	arch := &fakeArchiver{
		cycleResult:   domain.ArchiveResult{Path: "archive/cycles/a.jsonl", Count: 5},
		episodeResult: domain.ArchiveResult{Path: "archive/episodes/b.jsonl", Count: 2},
	}
	reader := &fakeReader{exists: map[string]bool{
		"archive/cycles/a.jsonl":   true,
		"archive/episodes/b.jsonl": true,
	}}
	cycles := &fakeCyclePruner{deleted: 5}
	episodes := &fakeEpisodePruner{deleted: 2}
	audit := &fakeAudit{}

	ret := NewRetention(arch, reader, cycles, episodes, audit, 90, discardLogger())
	require.NoError(t, ret.Run(context.Background()))

	// The cutoff is the retention window before now.
	wantCutoff := time.Now().UTC().AddDate(0, 0, -90)
	assert.WithinDuration(t, wantCutoff, arch.cycleCutoff, 5*time.Second)
	assert.WithinDuration(t, wantCutoff, cycles.gotBefore, 5*time.Second)

	assert.Equal(t, []string{"archive/cycles/a.jsonl", "archive/episodes/b.jsonl"}, reader.checked)
	assert.True(t, cycles.called)
	assert.True(t, episodes.called)

	require.Equal(t, []string{"prune.cycles", "prune.episodes"}, audit.events)
	assert.Equal(t, int64(5), audit.details[0]["deleted"])
	assert.Equal(t, "archive/cycles/a.jsonl", audit.details[0]["archive"])
}

func TestRetentionSkipsPruneWhenNothingArchived(t *testing.T) {
	arch := &fakeArchiver{} // zero results
	reader := &fakeReader{}
	cycles := &fakeCyclePruner{}
	episodes := &fakeEpisodePruner{}
	audit := &fakeAudit{}

	ret := NewRetention(arch, reader, cycles, episodes, audit, 30, discardLogger())
	require.NoError(t, ret.Run(context.Background()))

	assert.False(t, cycles.called)
	assert.False(t, episodes.called)
	assert.Empty(t, reader.checked)
	assert.Empty(t, audit.events)
}

func TestRetentionRefusesPruneWhenArchiveMissing(t *testing.T) {
	arch := &fakeArchiver{
		cycleResult: domain.ArchiveResult{Path: "archive/cycles/a.jsonl", Count: 5},
	}
	reader := &fakeReader{exists: map[string]bool{}} // upload not visible
	cycles := &fakeCyclePruner{}

	ret := NewRetention(arch, reader, cycles, &fakeEpisodePruner{}, nil, 90, discardLogger())
	err := ret.Run(context.Background())

	assert.ErrorContains(t, err, "not found after upload")
	assert.False(t, cycles.called)
}

func TestRetentionVerifyFailureStopsPrune(t *testing.T) {
	arch := &fakeArchiver{
		cycleResult: domain.ArchiveResult{Path: "archive/cycles/a.jsonl", Count: 1},
	}
	reader := &fakeReader{err: errors.New("s3 timeout")}
	cycles := &fakeCyclePruner{}

	ret := NewRetention(arch, reader, cycles, &fakeEpisodePruner{}, nil, 90, discardLogger())
	err := ret.Run(context.Background())

	assert.ErrorContains(t, err, "verify archive")
	assert.False(t, cycles.called)
}

func TestRetentionArchiveFailureStopsRun(t *testing.T) {
	arch := &fakeArchiver{cycleErr: errors.New("bucket gone")}

	ret := NewRetention(arch, &fakeReader{}, &fakeCyclePruner{}, &fakeEpisodePruner{}, nil, 90, discardLogger())
	err := ret.Run(context.Background())

	assert.ErrorContains(t, err, "retaining cycle records")
	assert.False(t, arch.episodeCalled)
}

func TestRetentionPruneFailure(t *testing.T) {
	arch := &fakeArchiver{
		cycleResult: domain.ArchiveResult{Path: "p.jsonl", Count: 1},
	}
	reader := &fakeReader{exists: map[string]bool{"p.jsonl": true}}
	cycles := &fakeCyclePruner{err: errors.New("deadlock")}

	ret := NewRetention(arch, reader, cycles, &fakeEpisodePruner{}, nil, 90, discardLogger())
	err := ret.Run(context.Background())

	assert.ErrorContains(t, err, "prune cycle records")
}

func TestRetentionWithoutAuditStore(t *testing.T) {
	arch := &fakeArchiver{
		cycleResult:   domain.ArchiveResult{Path: "a.jsonl", Count: 1},
		episodeResult: domain.ArchiveResult{Path: "b.jsonl", Count: 1},
	}
	reader := &fakeReader{exists: map[string]bool{"a.jsonl": true, "b.jsonl": true}}

	ret := NewRetention(arch, reader, &fakeCyclePruner{deleted: 1}, &fakeEpisodePruner{deleted: 1}, nil, 7, discardLogger())
	assert.NoError(t, ret.Run(context.Background()))
}

func TestNextCronTime(t *testing.T) {
	after := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC) // Sunday

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{
			"daily at 3am",
			"0 3 * * *",
			time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC),
		},
		{
			"every minute",
			"* * * * *",
			time.Date(2025, 6, 1, 12, 31, 0, 0, time.UTC),
		},
		{
			"first of month",
			"0 0 1 * *",
			time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			"minute list",
			"15,45 * * * *",
			time.Date(2025, 6, 1, 12, 45, 0, 0, time.UTC),
		},
		{
			"next monday",
			"0 9 * * 1",
			time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := nextCronTime(tt.expr, after)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
		})
	}
}

func TestParseCronRejectsMalformedExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"too few fields", "0 3 * *"},
		{"too many fields", "0 3 * * * *"},
		{"non-numeric", "x 3 * * *"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseCron(tt.expr)
			assert.Error(t, err)
		})
	}
}

func TestRunCronReturnsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ret := NewRetention(&fakeArchiver{}, &fakeReader{}, &fakeCyclePruner{}, &fakeEpisodePruner{}, nil, 90, discardLogger())
	err := ret.RunCron(ctx, "0 3 * * *")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunCronRejectsBadExpression(t *testing.T) {
	ret := NewRetention(&fakeArchiver{}, &fakeReader{}, &fakeCyclePruner{}, &fakeEpisodePruner{}, nil, 90, discardLogger())
	err := ret.RunCron(context.Background(), "not a cron")
	assert.ErrorContains(t, err, "parsing cron expression")
}
