package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/billstream/billstream/pkg/blob"
	"github.com/billstream/billstream/pkg/decimal"
	"github.com/billstream/billstream/pkg/fault"
	"github.com/billstream/billstream/pkg/readmodel"
)

func openReadModel(t *testing.T) *readmodel.DB {
	t.Helper()
	raw, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	db := readmodel.NewDB(raw, readmodel.DialectSQLite)
	require.NoError(t, db.Init(context.Background()))
	return db
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.Parse(s)
	require.NoError(t, err)
	return d
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// seedBill writes a summary row directly; day offsets the creation time,
// totalMinor is the created total, ocrTitle/ocrTotalMinor optionally attach
// an OCR outcome.
func seedBill(t *testing.T, db *readmodel.DB, id, title, status, createdBy string,
	day int, totalMinor int64, ocrTitle string, ocrTotalMinor int64, position int64) {
	t.Helper()
	ctx := context.Background()
	store := readmodel.NewSummaryStore(db)

	require.NoError(t, store.InsertCreated(ctx, db, readmodel.SummaryRow{
		BillID: id, Title: title, TotalMinor: totalMinor, Status: "Created",
		CreatedBy: createdBy, CreatedAt: baseTime.AddDate(0, 0, day),
	}, position))

	if ocrTitle != "" || ocrTotalMinor != 0 {
		update := readmodel.OcrUpdate{
			Text: "scanned", Title: ocrTitle, CompletedAt: baseTime, Sequence: 1,
		}
		if ocrTotalMinor != 0 {
			update.TotalMinor = &ocrTotalMinor
		}
		changed, err := store.ApplyOcr(ctx, db, id, update, position+1)
		require.NoError(t, err)
		require.True(t, changed)
	}
	if status != "Created" && status != "Processed" {
		changed, err := store.ApplyApproval(ctx, db, id, "approver", status, "", baseTime, position+2)
		require.NoError(t, err)
		require.True(t, changed)
	}
}

func TestGetBill(t *testing.T) {
	db := openReadModel(t)
	ctx := context.Background()

	signer := blob.NewLocalSigner([]byte("secret"), "http://localhost:8080")
	blobs := blob.NewMemoryStore(signer)
	_, err := blobs.Put(ctx, "bills/b1/f1/scan.pdf", []byte("pdf"), "application/pdf")
	require.NoError(t, err)

	seedBill(t, db, "b1", "Electric", "Created", "u1", 0, 15000, "Electric Utility", 15150, 1)
	require.NoError(t, readmodel.NewFileStore(db).Insert(ctx, db, readmodel.FileRow{
		BillID: "b1", FileID: "f1", Filename: "scan.pdf", ContentType: "application/pdf",
		SizeBytes: 3, StorageKey: "bills/b1/f1/scan.pdf", Checksum: blob.Checksum([]byte("pdf")),
		AttachedAt: baseTime, Position: 2,
	}))

	svc := New(db, blobs, slog.Default())

	bill, err := svc.GetBill(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "Electric", bill.Title)
	require.Equal(t, "Electric Utility", bill.EffectiveTitle)
	require.Equal(t, "151.50", bill.EffectiveTotal.String())
	require.Equal(t, "150.00", bill.Total.String())
	require.NotNil(t, bill.Ocr)
	require.Nil(t, bill.Approval)
	require.Len(t, bill.Files, 1)
	require.Contains(t, bill.Files[0].DownloadURL, "/blobs/bills/b1/f1/scan.pdf")
	require.Contains(t, bill.Files[0].DownloadURL, "sig=")

	_, err = svc.GetBill(ctx, "ghost")
	require.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestGetBillWithoutOcrKeepsCreatedValues(t *testing.T) {
	db := openReadModel(t)
	svc := New(db, nil, slog.Default())

	seedBill(t, db, "b1", "Water", "Created", "u1", 0, 4200, "", 0, 1)

	bill, err := svc.GetBill(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, "Water", bill.EffectiveTitle)
	require.Equal(t, "42.00", bill.EffectiveTotal.String())
	require.Nil(t, bill.Ocr)
	require.Empty(t, bill.Files)
}

func seedListFixture(t *testing.T, db *readmodel.DB) *Service {
	t.Helper()
	// position gaps of 10 leave room for the OCR/approval updates.
	seedBill(t, db, "b1", "Electric", "Created", "alice", 0, 15000, "", 0, 10)
	seedBill(t, db, "b2", "Water", "Approved", "bob", 1, 4200, "", 0, 20)
	seedBill(t, db, "b3", "Internet", "Rejected", "alice", 2, 8000, "Internet Services", 8050, 30)
	seedBill(t, db, "b4", "Gas", "Created", "carol", 3, 15000, "", 0, 40)
	seedBill(t, db, "b5", "Phone", "Created", "alice", 4, 2500, "", 0, 50)
	return New(db, nil, slog.Default())
}

func TestListBillsFilters(t *testing.T) {
	db := openReadModel(t)
	svc := seedListFixture(t, db)
	ctx := context.Background()

	ids := func(p *Page) []string {
		out := make([]string, len(p.Bills))
		for i, b := range p.Bills {
			out[i] = b.BillID
		}
		return out
	}

	t.Run("no filter returns everything in creation order", func(t *testing.T) {
		page, err := svc.ListBills(ctx, Filter{})
		require.NoError(t, err)
		require.Equal(t, int64(5), page.TotalCount)
		require.Equal(t, []string{"b1", "b2", "b3", "b4", "b5"}, ids(page))
	})

	t.Run("status", func(t *testing.T) {
		page, err := svc.ListBills(ctx, Filter{Status: "Approved"})
		require.NoError(t, err)
		require.Equal(t, []string{"b2"}, ids(page))
	})

	t.Run("creator", func(t *testing.T) {
		page, err := svc.ListBills(ctx, Filter{CreatedBy: "alice"})
		require.NoError(t, err)
		require.Equal(t, []string{"b1", "b3", "b5"}, ids(page))
	})

	t.Run("creation date window", func(t *testing.T) {
		page, err := svc.ListBills(ctx, Filter{
			CreatedAfter:  baseTime.AddDate(0, 0, 1),
			CreatedBefore: baseTime.AddDate(0, 0, 3),
		})
		require.NoError(t, err)
		require.Equal(t, []string{"b2", "b3", "b4"}, ids(page))
	})

	t.Run("total range uses effective total", func(t *testing.T) {
		min := mustDecimal(t, "80.00")
		max := mustDecimal(t, "81.00")
		page, err := svc.ListBills(ctx, Filter{MinTotal: &min, MaxTotal: &max})
		require.NoError(t, err)
		// b3's created total is 80.00 but OCR says 80.50; both are in range.
		require.Equal(t, []string{"b3"}, ids(page))
	})

	t.Run("title substring matches effective title case-insensitively", func(t *testing.T) {
		page, err := svc.ListBills(ctx, Filter{TitleContains: "services"})
		require.NoError(t, err)
		require.Equal(t, []string{"b3"}, ids(page))
	})

	t.Run("like metacharacters are literal", func(t *testing.T) {
		page, err := svc.ListBills(ctx, Filter{TitleContains: "%"})
		require.NoError(t, err)
		require.Zero(t, page.TotalCount)
	})

	t.Run("combined filters intersect", func(t *testing.T) {
		page, err := svc.ListBills(ctx, Filter{CreatedBy: "alice", Status: "Created"})
		require.NoError(t, err)
		require.Equal(t, []string{"b1", "b5"}, ids(page))
	})
}

func TestListBillsSortAndPagination(t *testing.T) {
	db := openReadModel(t)
	svc := seedListFixture(t, db)
	ctx := context.Background()

	ids := func(p *Page) []string {
		out := make([]string, len(p.Bills))
		for i, b := range p.Bills {
			out[i] = b.BillID
		}
		return out
	}

	t.Run("sort by effective total descending with id tiebreak", func(t *testing.T) {
		page, err := svc.ListBills(ctx, Filter{SortBy: "total", SortDesc: true})
		require.NoError(t, err)
		// b1 and b4 tie at 150.00; b1 wins on id.
		require.Equal(t, []string{"b1", "b4", "b3", "b2", "b5"}, ids(page))
	})

	t.Run("pages are disjoint and stable", func(t *testing.T) {
		first, err := svc.ListBills(ctx, Filter{PageSize: 2})
		require.NoError(t, err)
		second, err := svc.ListBills(ctx, Filter{PageSize: 2, Page: 2})
		require.NoError(t, err)
		third, err := svc.ListBills(ctx, Filter{PageSize: 2, Page: 3})
		require.NoError(t, err)

		require.Equal(t, []string{"b1", "b2"}, ids(first))
		require.Equal(t, []string{"b3", "b4"}, ids(second))
		require.Equal(t, []string{"b5"}, ids(third))
		require.Equal(t, int64(5), first.TotalCount)
	})

	t.Run("page past the end is empty, not an error", func(t *testing.T) {
		page, err := svc.ListBills(ctx, Filter{Page: 99})
		require.NoError(t, err)
		require.Empty(t, page.Bills)
		require.Equal(t, int64(5), page.TotalCount)
	})
}

func TestListBillsRejectsBadFilters(t *testing.T) {
	db := openReadModel(t)
	svc := New(db, nil, slog.Default())
	ctx := context.Background()

	for name, filter := range map[string]Filter{
		"negative page":    {Page: -1},
		"oversized page":   {PageSize: maxPageSize + 1},
		"unknown sort key": {SortBy: "filename"},
		"unknown status":   {Status: "Pending"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ListBills(ctx, filter)
			require.Equal(t, fault.KindBusinessRule, fault.KindOf(err))
			require.Equal(t, fault.ReasonQueryInvalid, fault.ReasonOf(err))
		})
	}
}

func TestConsumerPosition(t *testing.T) {
	db := openReadModel(t)
	svc := New(db, nil, slog.Default())
	ctx := context.Background()

	pos, err := svc.ConsumerPosition(ctx, "bill-summary")
	require.NoError(t, err)
	require.Zero(t, pos)

	require.NoError(t, readmodel.NewTokenStore(db).Advance(ctx, db, "bill-summary", 17))
	pos, err = svc.ConsumerPosition(ctx, "bill-summary")
	require.NoError(t, err)
	require.Equal(t, int64(17), pos)
}

func TestListBillsLargeFixturePagesCompletely(t *testing.T) {
	db := openReadModel(t)
	ctx := context.Background()
	store := readmodel.NewSummaryStore(db)
	for i := 0; i < 250; i++ {
		require.NoError(t, store.InsertCreated(ctx, db, readmodel.SummaryRow{
			BillID: fmt.Sprintf("b%03d", i), Title: "Bill", TotalMinor: int64(i),
			Status: "Created", CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
		}, int64(i+1)))
	}
	svc := New(db, nil, slog.Default())

	seen := map[string]bool{}
	for page := 1; ; page++ {
		p, err := svc.ListBills(ctx, Filter{Page: page, PageSize: maxPageSize})
		require.NoError(t, err)
		if len(p.Bills) == 0 {
			break
		}
		for _, b := range p.Bills {
			require.False(t, seen[b.BillID], "bill %s served twice", b.BillID)
			seen[b.BillID] = true
		}
	}
	require.Len(t, seen, 250)
}
