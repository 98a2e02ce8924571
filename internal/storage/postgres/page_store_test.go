package postgres

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/batchscrape/internal/crawler"
)

func TestSavePageInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	pages, err := NewPageStoreWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := crawler.PageRecord{
		BatchID:     "0190b3c2-0000-7000-8000-000000000001",
		URL:         "https://example.com",
		FinalURL:    "https://example.com/",
		StatusCode:  200,
		FetchedAt:   now,
		DurationMs:  120,
		ContentHash: "abc123",
		Headers:     http.Header{"Content-Type": {"text/html"}},
		BlobURI:     "gs://bucket/page_0.html",
		Title:       "Example",
		LinkCount:   3,
	}

	mock.ExpectExec("INSERT INTO pages").
		WithArgs(
			rec.BatchID,
			rec.URL,
			rec.FinalURL,
			rec.Depth,
			rec.StatusCode,
			rec.UsedHeadless,
			rec.FetchedAt,
			rec.DurationMs,
			rec.ContentHash,
			[]byte(`{"Content-Type":["text/html"]}`),
			rec.BlobURI,
			rec.Title,
			rec.LinkCount,
			rec.ImageCount,
			"",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, pages.SavePage(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePageWrapsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	pages, err := NewPageStoreWithPool(mock, "custom_pages")
	require.NoError(t, err)

	anyArgs := make([]any, 15)
	for i := range anyArgs {
		anyArgs[i] = pgxmock.AnyArg()
	}
	mock.ExpectExec("INSERT INTO custom_pages").WithArgs(anyArgs...).WillReturnError(errors.New("boom"))
	err = pages.SavePage(context.Background(), crawler.PageRecord{BatchID: "b", URL: "https://example.com"})
	require.ErrorContains(t, err, "insert page")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePageRequiresKeys(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	pages, err := NewPageStoreWithPool(mock, "pages")
	require.NoError(t, err)
	require.Error(t, pages.SavePage(context.Background(), crawler.PageRecord{URL: "https://example.com"}))
}

func TestNewPageStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	_, err := NewPageStoreWithPool(nil, "pages")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewPageStoreWithPool(mock, "pages; DROP TABLE x")
	require.Error(t, err)

	_, err = NewPageStore(context.Background(), PageStoreConfig{})
	require.Error(t, err)
}
