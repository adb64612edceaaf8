package migrate

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Ordered(t *testing.T) {
	migrations, err := Load()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Contains(t, migrations[0].UpSQL, "uq_tasks_open_per_bin")
	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
}

func TestMigrate_FreshDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	migrations, err := Load()
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM schema_version`).WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectExec(`INSERT INTO schema_version`).WillReturnResult(sqlmock.NewResult(0, 1))
	for _, m := range migrations {
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS users`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`UPDATE schema_version SET version`).WithArgs(m.Version).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	version, err := Migrate(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_UpToDate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	migrations, err := Load()
	require.NoError(t, err)
	latest := migrations[len(migrations)-1].Version

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM schema_version`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(latest))
	mock.ExpectCommit()

	version, err := Migrate(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	require.NoError(t, mock.ExpectationsWereMet())
}
