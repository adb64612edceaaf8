package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"ecobin-dispatch/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var binRowColumns = []string{
	"bin_id", "society_id", "label", "latitude", "longitude", "fill_level", "status",
	"temperature", "humidity", "smoke_level", "valid_readings", "created_at", "updated_at",
}

func setupMockBinsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresBinsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewPostgresBinsRepository(db, zap.NewNop())
}

func TestGetBin_NotFound(t *testing.T) {
	db, mock, repo := setupMockBinsDB(t)
	defer db.Close()

	binID := uuid.New().String()
	mock.ExpectQuery(`SELECT .* FROM bins WHERE bin_id = \$1`).
		WithArgs(binID).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetBin(context.Background(), binID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyTelemetry_LocksMergesAndAppendsSample(t *testing.T) {
	db, mock, repo := setupMockBinsDB(t)
	defer db.Close()

	binID := uuid.New().String()
	societyID := uuid.New().String()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM bins WHERE bin_id = \$1 FOR UPDATE`).
		WithArgs(binID).
		WillReturnRows(sqlmock.NewRows(binRowColumns).AddRow(
			binID, societyID, "Gate 2", 12.97, 77.59, 85.0, "filling",
			21.5, nil, nil, int64(4), now.Add(-time.Hour), now.Add(-time.Minute),
		))
	mock.ExpectExec(`UPDATE bins`).
		WithArgs(binID, 92.0, "full", 21.5, nil, nil, int64(5), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO bin_samples`).
		WithArgs(binID, societyID, 92.0, 21.5, nil, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(77)))
	mock.ExpectCommit()

	fill := 92.0
	bin, sample, err := repo.ApplyTelemetry(context.Background(), binID, now, func(b *models.Bin) error {
		models.TelemetryUpdate{FillLevel: &fill}.Merge(b, 90, 10)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 92.0, bin.FillLevel)
	assert.Equal(t, models.BinStatusFull, bin.Status)
	assert.Equal(t, int64(5), bin.ValidReadings)
	assert.Equal(t, int64(77), sample.ID)
	assert.Equal(t, 21.5, *sample.Temperature)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyTelemetry_MutateErrorRollsBack(t *testing.T) {
	db, mock, repo := setupMockBinsDB(t)
	defer db.Close()

	binID := uuid.New().String()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(binID).
		WillReturnRows(sqlmock.NewRows(binRowColumns).AddRow(
			binID, uuid.New().String(), "", 0.0, 0.0, 10.0, "filling",
			nil, nil, nil, int64(0), now, now,
		))
	mock.ExpectRollback()

	boom := errors.New("boom")
	_, _, err := repo.ApplyTelemetry(context.Background(), binID, now, func(*models.Bin) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSamples_ReturnsAscending(t *testing.T) {
	db, mock, repo := setupMockBinsDB(t)
	defer db.Close()

	binID := uuid.New().String()
	societyID := uuid.New().String()
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, bin_id, society_id, fill_level, temperature, smoke_level, recorded_at FROM bin_samples WHERE society_id = \$1 AND bin_id = ANY\(\$2::uuid\[\]\) ORDER BY recorded_at DESC, id DESC LIMIT \$3`).
		WithArgs(societyID, sqlmock.AnyArg(), 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "bin_id", "society_id", "fill_level", "temperature", "smoke_level", "recorded_at"}).
			AddRow(int64(3), binID, societyID, 92.0, nil, nil, t0.Add(2*time.Minute)).
			AddRow(int64(2), binID, societyID, 50.0, nil, nil, t0.Add(time.Minute)))

	samples, err := repo.ListSamples(context.Background(), SampleFilter{SocietyID: societyID, BinIDs: []string{binID}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, int64(2), samples[0].ID)
	assert.Equal(t, int64(3), samples[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
