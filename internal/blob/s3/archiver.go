package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	defaultPageSize  = 1000
)

// ExistenceChecker reports whether an archive object was already written.
type ExistenceChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver implements domain.Archiver. It exports a time window of the
// trade journal or audit log as JSON lines, one object per window. Rows
// are never deleted from the primary store; a window that was already
// exported is skipped.
type Archiver struct {
	writer   domain.BlobWriter
	exists   ExistenceChecker
	trades   domain.TradeStore
	audit    domain.AuditStore
	pageSize int
}

// NewArchiver creates an Archiver. exists may be nil, in which case
// windows are always written.
func NewArchiver(writer domain.BlobWriter, exists ExistenceChecker, trades domain.TradeStore, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer:   writer,
		exists:   exists,
		trades:   trades,
		audit:    audit,
		pageSize: defaultPageSize,
	}
}

type tradeRecord struct {
	ID         string    `json:"id"`
	MarketID   uint64    `json:"market_id"`
	User       string    `json:"user"`
	Kind       string    `json:"kind"`
	Outcome    int       `json:"outcome"`
	Shares     string    `json:"shares"`
	Base       string    `json:"base"`
	Fee        string    `json:"fee"`
	Amount     string    `json:"amount"`
	PriceAfter string    `json:"price_after"`
	RefID      string    `json:"ref_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func toTradeRecord(t domain.Trade) tradeRecord {
	return tradeRecord{
		ID:         t.ID,
		MarketID:   t.MarketID,
		User:       t.User,
		Kind:       string(t.Kind),
		Outcome:    t.Outcome,
		Shares:     t.Shares.Dec(),
		Base:       t.Cost.Base.Dec(),
		Fee:        t.Cost.Fee.Dec(),
		Amount:     t.Amount.Dec(),
		PriceAfter: t.PriceAfter.Dec(),
		RefID:      t.RefID,
		CreatedAt:  t.CreatedAt.UTC(),
	}
}

type auditRecord struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor,omitempty"`
	MarketID  *uint64        `json:"market_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ArchiveTrades exports trades created in [since, until).
func (a *Archiver) ArchiveTrades(ctx context.Context, since, until time.Time) (int64, error) {
	return archive(ctx, a, "trades", since, until,
		func(opts domain.ListOpts) ([]domain.Trade, error) { return a.trades.List(ctx, opts) },
		toTradeRecord,
	)
}

// ArchiveAudit exports audit entries created in [since, until).
func (a *Archiver) ArchiveAudit(ctx context.Context, since, until time.Time) (int64, error) {
	return archive(ctx, a, "audit", since, until,
		func(opts domain.ListOpts) ([]domain.AuditEntry, error) { return a.audit.List(ctx, opts) },
		func(e domain.AuditEntry) auditRecord {
			return auditRecord{
				ID:        e.ID,
				Event:     e.Event,
				Actor:     e.Actor,
				MarketID:  e.MarketID,
				Detail:    e.Detail,
				CreatedAt: e.CreatedAt.UTC(),
			}
		},
	)
}

func archive[T, R any](
	ctx context.Context,
	a *Archiver,
	kind string,
	since, until time.Time,
	list func(domain.ListOpts) ([]T, error),
	convert func(T) R,
) (int64, error) {
	if !since.Before(until) {
		return 0, fmt.Errorf("s3blob: archive %s: empty window %s..%s", kind, since, until)
	}
	key := ArchivePath(kind, since, until)
	if a.exists != nil {
		done, err := a.exists.Exists(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
		}
		if done {
			return 0, nil
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	var count int64
	for offset := 0; ; offset += a.pageSize {
		page, err := list(domain.ListOpts{Since: &since, Until: &until, Limit: a.pageSize, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
		}
		for _, rec := range page {
			if err := enc.Encode(convert(rec)); err != nil {
				return 0, fmt.Errorf("s3blob: archive %s encode: %w", kind, err)
			}
			count++
		}
		if len(page) < a.pageSize {
			break
		}
	}
	if count == 0 {
		return 0, nil
	}

	if err := a.writer.Put(ctx, key, &buf, contentTypeJSONL); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":  key,
		"count": count,
		"since": since.UTC().Format(time.RFC3339),
		"until": until.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

const archiveStamp = "20060102T150405Z"

// ArchivePath is the object key of one export window, partitioned by the
// day the window starts:
//
//	archive/trades/2026-01-02/20260102T000000Z-20260103T000000Z.jsonl
func ArchivePath(kind string, since, until time.Time) string {
	since, until = since.UTC(), until.UTC()
	return fmt.Sprintf("archive/%s/%s/%s-%s.jsonl",
		kind, since.Format("2006-01-02"), since.Format(archiveStamp), until.Format(archiveStamp))
}

// ParseArchivePath is the inverse of ArchivePath.
func ParseArchivePath(p string) (kind string, since, until time.Time, ok bool) {
	parts := strings.Split(p, "/")
	if len(parts) != 4 || parts[0] != "archive" {
		return "", time.Time{}, time.Time{}, false
	}
	from, to, found := strings.Cut(strings.TrimSuffix(path.Base(p), ".jsonl"), "-")
	if !found {
		return "", time.Time{}, time.Time{}, false
	}
	var err error
	if since, err = time.Parse(archiveStamp, from); err != nil {
		return "", time.Time{}, time.Time{}, false
	}
	if until, err = time.Parse(archiveStamp, to); err != nil {
		return "", time.Time{}, time.Time{}, false
	}
	return parts[1], since, until, true
}

// ListArchived returns the exported windows of kind, oldest first. Objects
// under the prefix that ArchivePath did not produce are skipped.
func ListArchived(ctx context.Context, r domain.BlobReader, kind string) ([]domain.ArchivedWindow, error) {
	objs, err := r.List(ctx, "archive/"+kind+"/")
	if err != nil {
		return nil, err
	}
	var out []domain.ArchivedWindow
	for _, obj := range objs {
		k, since, until, ok := ParseArchivePath(obj.Path)
		if !ok || k != kind {
			continue
		}
		out = append(out, domain.ArchivedWindow{Kind: k, Since: since, Until: until, Object: obj})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out, nil
}

var _ domain.Archiver = (*Archiver)(nil)
