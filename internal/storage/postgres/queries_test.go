package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
)

func TestListByJurisdiction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	a := stNicholas()
	b := stNicholas()
	b.ID = 9
	b.Name = "Holy Protection"
	b.NameNormalized = "holy protection"
	b.City = "Urbana"

	mock.ExpectQuery(`WHERE jurisdiction = \$1 ORDER BY region, city, name`).
		WithArgs("OCA").
		WillReturnRows(churchRows(t, a, b))

	got, err := store.ListByJurisdiction(context.Background(), "OCA")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, a.ID, got[0].ID)
	require.Equal(t, "Urbana", got[1].City)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchRanksResults(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	c := stNicholas()

	rows := pgxmock.NewRows(append(append([]string{}, churchColumnNames...), "score")).
		AddRow(append(churchRow(t, c), float32(0.75))...)
	mock.ExpectQuery(`ts_rank\(search_document, plainto_tsquery\('simple', \$1\)\)`).
		WithArgs("nicholas", 5).
		WillReturnRows(rows)

	got, err := store.Search(context.Background(), "  nicholas ", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, c.ID, got[0].ID)
	require.InDelta(t, 0.75, got[0].Score, 1e-6)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchRejectsBadInput(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	_, err := store.Search(context.Background(), "   ", 10)
	require.ErrorIs(t, err, church.ErrInvalidQuery)

	_, err = store.Search(context.Background(), "nicholas", 0)
	require.ErrorIs(t, err, church.ErrInvalidQuery)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatistics(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	avg := 1921.5
	last := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("FROM churches;").
		WillReturnRows(pgxmock.NewRows([]string{
			"total", "jurisdictions", "with_website", "validated", "with_email", "with_phone", "avg", "last",
		}).AddRow(int64(10), int64(3), int64(8), int64(5), int64(4), int64(9), &avg, &last))
	mock.ExpectQuery("GROUP BY jurisdiction").
		WillReturnRows(pgxmock.NewRows([]string{"jurisdiction", "count"}).
			AddRow(strPtr("OCA"), int64(6)).
			AddRow(strPtr("GOARCH"), int64(4)))
	mock.ExpectQuery("WHERE region IS NOT NULL").
		WillReturnRows(pgxmock.NewRows([]string{"region", "count"}).
			AddRow(strPtr("IL"), int64(7)))

	stats, err := store.Statistics(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(10), stats.Overall.Total)
	require.Equal(t, int64(5), stats.Overall.ValidatedWebsites)
	require.InDelta(t, 1921.5, *stats.Overall.AvgFoundedYear, 1e-9)
	require.Equal(t, last, *stats.Overall.LastUpdate)
	require.Equal(t, []church.Count{{Label: "OCA", Count: 6}, {Label: "GOARCH", Count: 4}}, stats.ByJurisdiction)
	require.Equal(t, []church.Count{{Label: "IL", Count: 7}}, stats.ByRegion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatisticsEmptyStore(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM churches;").
		WillReturnRows(pgxmock.NewRows([]string{
			"total", "jurisdictions", "with_website", "validated", "with_email", "with_phone", "avg", "last",
		}).AddRow(int64(0), int64(0), int64(0), int64(0), int64(0), int64(0), nil, nil))
	mock.ExpectQuery("GROUP BY jurisdiction").
		WillReturnRows(pgxmock.NewRows([]string{"jurisdiction", "count"}))
	mock.ExpectQuery("WHERE region IS NOT NULL").
		WillReturnRows(pgxmock.NewRows([]string{"region", "count"}))

	stats, err := store.Statistics(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Overall.Total)
	require.Nil(t, stats.Overall.AvgFoundedYear)
	require.Nil(t, stats.Overall.LastUpdate)
	require.Empty(t, stats.ByJurisdiction)
	require.Empty(t, stats.ByRegion)
	require.NoError(t, mock.ExpectationsWereMet())
}
