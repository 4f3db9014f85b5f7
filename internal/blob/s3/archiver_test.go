package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	return out, nil
}

type fakeTrades struct {
	trades []domain.Trade
	calls  []domain.ListOpts
}

func (f *fakeTrades) List(_ context.Context, opts domain.ListOpts) ([]domain.Trade, error) {
	f.calls = append(f.calls, opts)
	if opts.Offset >= len(f.trades) {
		return nil, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(f.trades) {
		end = len(f.trades)
	}
	return f.trades[opts.Offset:end], nil
}

func (f *fakeTrades) ListByMarket(context.Context, uint64, domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}

func (f *fakeTrades) ListByUser(context.Context, string, domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}

type fakeAudit struct {
	entries []domain.AuditEntry
	logged  []string
}

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.logged = append(f.logged, event)
	return nil
}

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if opts.Offset > 0 {
		return nil, nil
	}
	return f.entries, nil
}

func TestArchiver_TradesPagesAndSkipsDoneWindows(t *testing.T) {
	ctx := context.Background()
	since := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)

	trades := &fakeTrades{}
	for i := 0; i < 5; i++ {
		trades.trades = append(trades.trades, domain.Trade{
			ID:        "t" + string(rune('0'+i)),
			Kind:      domain.TradeKindBuy,
			Shares:    *uint256.NewInt(uint64(i + 1)),
			Amount:    *uint256.NewInt(10),
			CreatedAt: since.Add(time.Duration(i) * time.Hour),
		})
	}
	blobs := newMemBlobs()
	audit := &fakeAudit{}
	a := NewArchiver(blobs, blobs, trades, audit)
	a.pageSize = 2

	n, err := a.ArchiveTrades(ctx, since, until)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Len(t, trades.calls, 3)
	assert.Equal(t, []string{"archive.trades"}, audit.logged)

	path := ArchivePath("trades", since, until)
	assert.Equal(t, "archive/trades/2026-01-02/20260102T000000Z-20260103T000000Z.jsonl", path)
	assert.Equal(t, contentTypeJSONL, blobs.types[path])

	sc := bufio.NewScanner(bytes.NewReader(blobs.objects[path]))
	var lines []tradeRecord
	for sc.Scan() {
		var rec tradeRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 5)
	assert.Equal(t, "3", lines[2].Shares)
	assert.Equal(t, "buy", lines[0].Kind)

	n, err = a.ArchiveTrades(ctx, since, until)
	require.NoError(t, err)
	assert.Zero(t, n, "an exported window is not written twice")
}

func TestArchiver_Audit(t *testing.T) {
	ctx := context.Background()
	since := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	id := uint64(3)
	audit := &fakeAudit{entries: []domain.AuditEntry{
		{ID: 1, Event: "liquidity_rescaled", Actor: "0xabc", MarketID: &id, Detail: map[string]any{"override": true}, CreatedAt: since},
	}}
	blobs := newMemBlobs()
	a := NewArchiver(blobs, nil, &fakeTrades{}, audit)

	n, err := a.ArchiveAudit(ctx, since, since.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, string(blobs.objects[ArchivePath("audit", since, since.Add(time.Hour))]), `"event":"liquidity_rescaled"`)

	n, err = a.ArchiveTrades(ctx, since, since.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "empty windows upload nothing")

	_, err = a.ArchiveAudit(ctx, since, since)
	assert.Error(t, err)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("https://minio:9000", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
}

func TestParseArchivePath(t *testing.T) {
	since := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)
	kind, s, u, ok := ParseArchivePath(ArchivePath("audit", since, until))
	require.True(t, ok)
	assert.Equal(t, "audit", kind)
	assert.True(t, s.Equal(since))
	assert.True(t, u.Equal(until))

	for _, bad := range []string{
		"",
		"archive/trades/notes.txt",
		"archive/trades/2026-01-02/20260102T000000Z.jsonl",
		"other/trades/2026-01-02/20260102T000000Z-20260103T000000Z.jsonl",
	} {
		_, _, _, ok := ParseArchivePath(bad)
		assert.False(t, ok, bad)
	}
}

func TestListArchived_OldestFirst(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		since := day.Add(time.Duration(i) * 24 * time.Hour)
		require.NoError(t, blobs.Put(ctx, ArchivePath("trades", since, since.Add(24*time.Hour)), strings.NewReader("{}\n"), contentTypeJSONL))
	}
	require.NoError(t, blobs.Put(ctx, "archive/trades/README", strings.NewReader("x"), "text/plain"))
	require.NoError(t, blobs.Put(ctx, ArchivePath("audit", day, day.Add(time.Hour)), strings.NewReader("{}\n"), contentTypeJSONL))

	windows, err := ListArchived(ctx, blobs, "trades")
	require.NoError(t, err)
	require.Len(t, windows, 3)
	for i, w := range windows {
		assert.Equal(t, "trades", w.Kind)
		assert.True(t, w.Since.Equal(day.Add(time.Duration(i)*24*time.Hour)))
		assert.Equal(t, int64(3), w.Object.Size)
	}
}
