package store

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/jdevroede/hcw-crawler/internal/record"
)

var recordColumns = []string{
	"name", "identifier", "category", "status",
	"qualification", "qualification_date", "address", "city",
}

// strPtr shapes identifier column values the way the store scans them: the
// mock requires a *string source for a **string destination.
func strPtr(s string) *string { return &s }

func newMockStore(t *testing.T) (*DedupStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewWithPool(mock, "practitioners", nil)
	require.NoError(t, err)
	return s, mock
}

func TestNewWithPoolRejectsBadTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "practitioners; DROP TABLE", nil)
	require.Error(t, err)
}

func TestPreloadSignatures(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT name, identifier").
		WillReturnRows(pgxmock.NewRows(recordColumns).
			AddRow("PEETERS ANNA", strPtr("12345678901"), "Arts", "C", "Huisarts", "2021-04-03", "Kerkstraat 1 1000 Brussel", "Brussel").
			AddRow("JANSSENS PIET", nil, "Arts", "C", "Huisarts", "undefined", "undefined", "undefined"))

	count, err := s.PreloadSignatures(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, 2, s.SignatureCount())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	rec := record.Record{
		Name:       "PEETERS ANNA",
		Identifier: "12345678901",
		Category:   "Arts",
	}
	// Only one insert is expected across both calls: the signature set
	// short-circuits the second.
	mock.ExpectExec("INSERT INTO practitioners").
		WithArgs(rec.Name, rec.Identifier, rec.Category, "", "", "", "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, skipped, err := s.Upsert(context.Background(), []record.Record{rec})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.Equal(t, 0, skipped)

	inserted, skipped, err = s.Upsert(context.Background(), []record.Record{rec})
	require.NoError(t, err)
	require.Equal(t, 0, inserted)
	require.Equal(t, 1, skipped)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertConstraintConflictCountsAsSkip(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	rec := record.Record{Name: "X", Identifier: "999"}

	mock.ExpectExec("INSERT INTO practitioners").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, skipped, err := s.Upsert(context.Background(), []record.Record{rec})
	require.NoError(t, err)
	require.Equal(t, 0, inserted)
	require.Equal(t, 1, skipped)
	require.Equal(t, 0, s.SignatureCount(),
		"a conflicting insert must not claim the signature")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSentinelIdentifierStoredAsNull(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	rec := record.Record{Name: "NO ID", Identifier: record.Sentinel, City: record.Sentinel}

	mock.ExpectExec("INSERT INTO practitioners").
		WithArgs("NO ID", nil, "", "", "", "", "", record.Sentinel).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, _, err := s.Upsert(context.Background(), []record.Record{rec})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeduplicateReportsDeletedRows(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM practitioners").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	deleted, err := s.Deduplicate(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeduplicateSparesIdentifierLessRows(t *testing.T) {
	t.Parallel()

	// Identifier-less rows all share the NULL identifier, so an unrestricted
	// GROUP BY would collapse distinct records into one group and delete all
	// but the earliest. The purge must exclude NULLs on both sides.
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM practitioners\s+WHERE identifier IS NOT NULL` +
		`\s+AND id NOT IN \(\s+SELECT MIN\(id\)\s+FROM practitioners\s+` +
		`WHERE identifier IS NOT NULL\s+GROUP BY identifier`).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	deleted, err := s.Deduplicate(context.Background())
	require.NoError(t, err)
	require.Zero(t, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDistinctIdentifiers(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(42)))

	count, err := s.DistinctIdentifiers(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllRecordsMapsNullIdentifierToSentinel(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT name, identifier").
		WillReturnRows(pgxmock.NewRows(recordColumns).
			AddRow("A", strPtr("1"), "Arts", "C", "Q", "D", "Addr", "City").
			AddRow("B", nil, "Arts", "C", "Q", "D", "Addr", "City"))

	records, err := s.AllRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "1", records[0].Identifier)
	require.Equal(t, record.Sentinel, records[1].Identifier)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS practitioners").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
