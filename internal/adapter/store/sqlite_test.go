package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparkwise/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "consultations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(id, session string, at time.Time) domain.ConsultationRecord {
	return domain.ConsultationRecord{
		ID:               id,
		SessionID:        session,
		Agents:           []domain.AgentID{domain.AgentDesigner, domain.AgentHealthSafety},
		CombinedResponse: "Use a 32A radial on 4mm² cable.",
		Confidence:       0.82,
		WarningCount:     1,
		DegradedCount:    0,
		CreatedAt:        at,
	}
}

func TestSQLiteStoreRecordAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 30, 0, 123456789, time.UTC)

	require.NoError(t, s.Record(ctx, sampleRecord("c1", "sess-1", at)))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, []domain.AgentID{domain.AgentDesigner, domain.AgentHealthSafety}, got.Agents)
	assert.InDelta(t, 0.82, got.Confidence, 1e-9)
	assert.Equal(t, 1, got.WarningCount)
	assert.False(t, got.Clarification)
	assert.True(t, got.CreatedAt.Equal(at), "created_at = %v", got.CreatedAt)
}

func TestSQLiteStorePing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))

	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}

func TestSQLiteStoreClarificationRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := domain.ConsultationRecord{ID: "c2", SessionID: "s", Clarification: true, CreatedAt: time.Now()}
	require.NoError(t, s.Record(ctx, rec))

	got, err := s.Get(ctx, "c2")
	require.NoError(t, err)
	assert.True(t, got.Clarification)
	assert.Empty(t, got.Agents)
}

func TestSQLiteStoreRecordRequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.Record(context.Background(), domain.ConsultationRecord{SessionID: "s"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSQLiteStoreRecordReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := sampleRecord("c1", "s", time.Now())
	require.NoError(t, s.Record(ctx, rec))

	rec.Confidence = 0.4
	require.NoError(t, s.Record(ctx, rec))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got.Confidence, 1e-9)
}

func TestSQLiteStoreGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStoreListBySession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(ctx, sampleRecord(fmt.Sprintf("a%d", i), "sess-a", base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.Record(ctx, sampleRecord("b0", "sess-b", base)))

	got, err := s.ListBySession(ctx, "sess-a", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a4", got[0].ID, "newest first")
	assert.Equal(t, "a2", got[2].ID)

	all, err := s.ListBySession(ctx, "sess-a", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	none, err := s.ListBySession(ctx, "sess-z", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteStorePruneBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, sampleRecord("old", "s", now.Add(-48*time.Hour))))
	require.NoError(t, s.Record(ctx, sampleRecord("edge", "s", now.Add(-24*time.Hour))))
	require.NoError(t, s.Record(ctx, sampleRecord("new", "s", now.Add(-time.Hour))))

	n, err := s.PruneBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Get(ctx, "edge")
	assert.NoError(t, err)
}

func TestSQLiteStoreNonUTCTimesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	zone := time.FixedZone("UTC+10", 10*3600)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, zone) // 23:00 UTC the previous day

	require.NoError(t, s.Record(ctx, sampleRecord("z", "s", at)))
	n, err := s.PruneBefore(ctx, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consultations.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), sampleRecord("c1", "s", time.Now())))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Get(context.Background(), "c1")
	assert.NoError(t, err)
}

type failingStore struct {
	domain.ConsultationStore
	cutoff time.Time
	err    error
}

func (f *failingStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 0, f.err
}

func TestPrunerUsesRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(ctx, sampleRecord("old", "s", now.Add(-31*24*time.Hour))))
	require.NoError(t, s.Record(ctx, sampleRecord("new", "s", now.Add(-time.Hour))))

	p := NewPruner(s, 30*24*time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.now = func() time.Time { return now }
	require.NoError(t, p.Prune(ctx))

	got, err := s.ListBySession(ctx, "s", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestPrunerDisabled(t *testing.T) {
	fs := &failingStore{err: errors.New("should not be called")}
	p := NewPruner(fs, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NoError(t, p.Prune(context.Background()))
	assert.True(t, fs.cutoff.IsZero())
}

func TestPrunerPropagatesError(t *testing.T) {
	boom := errors.New("disk full")
	fs := &failingStore{err: boom}
	p := NewPruner(fs, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	err := p.Prune(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, fs.cutoff.Equal(now.Add(-time.Hour)))
}
