package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ecobin-dispatch/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresBinsRepository bins and bin_samples on PostgreSQL
type PostgresBinsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresBinsRepository creates the repository
func NewPostgresBinsRepository(db *sql.DB, logger *zap.Logger) *PostgresBinsRepository {
	return &PostgresBinsRepository{db: db, logger: logger}
}

var _ BinsRepository = (*PostgresBinsRepository)(nil)

const binColumns = `bin_id, society_id, label, latitude, longitude, fill_level, status,
	temperature, humidity, smoke_level, valid_readings, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBin(row rowScanner) (*models.Bin, error) {
	var b models.Bin
	var temperature, humidity, smoke sql.NullFloat64
	if err := row.Scan(
		&b.BinID, &b.SocietyID, &b.Label, &b.Latitude, &b.Longitude, &b.FillLevel, &b.Status,
		&temperature, &humidity, &smoke, &b.ValidReadings, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	b.Temperature = nullFloat(temperature)
	b.Humidity = nullFloat(humidity)
	b.SmokeLevel = nullFloat(smoke)
	return &b, nil
}

func (r *PostgresBinsRepository) CreateBin(ctx context.Context, bin *models.Bin) error {
	if bin.BinID == "" || bin.SocietyID == "" {
		return fmt.Errorf("%w: bin_id and society_id are required", models.ErrValidation)
	}
	query := `
		INSERT INTO bins (` + binColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		bin.BinID, bin.SocietyID, bin.Label, bin.Latitude, bin.Longitude, bin.FillLevel, bin.Status,
		bin.Temperature, bin.Humidity, bin.SmokeLevel, bin.ValidReadings, bin.CreatedAt, bin.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create bin: %w", err)
	}
	return nil
}

func (r *PostgresBinsRepository) GetBin(ctx context.Context, binID string) (*models.Bin, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+binColumns+` FROM bins WHERE bin_id = $1`, binID)
	b, err := scanBin(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("bin %s: %w", binID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get bin: %w", err)
	}
	return b, nil
}

func (r *PostgresBinsRepository) ListBins(ctx context.Context, societyID string) ([]*models.Bin, error) {
	query := `SELECT ` + binColumns + ` FROM bins`
	var args []any
	if societyID != "" {
		query += ` WHERE society_id = $1`
		args = append(args, societyID)
	}
	query += ` ORDER BY bin_id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bins: %w", err)
	}
	defer rows.Close()

	var bins []*models.Bin
	for rows.Next() {
		b, err := scanBin(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bin: %w", err)
		}
		bins = append(bins, b)
	}
	return bins, rows.Err()
}

func (r *PostgresBinsRepository) ApplyTelemetry(ctx context.Context, binID string, at time.Time, mutate func(*models.Bin) error) (*models.Bin, *models.BinSample, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+binColumns+` FROM bins WHERE bin_id = $1 FOR UPDATE`, binID)
	bin, err := scanBin(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("bin %s: %w", binID, models.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("failed to lock bin: %w", err)
	}

	if err := mutate(bin); err != nil {
		return nil, nil, err
	}
	bin.UpdatedAt = at

	_, err = tx.ExecContext(ctx, `
		UPDATE bins
		SET fill_level = $2, status = $3, temperature = $4, humidity = $5, smoke_level = $6,
		    valid_readings = $7, updated_at = $8
		WHERE bin_id = $1
	`, bin.BinID, bin.FillLevel, bin.Status, bin.Temperature, bin.Humidity, bin.SmokeLevel, bin.ValidReadings, bin.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update bin: %w", err)
	}

	sample := bin.Snapshot(at)
	err = tx.QueryRowContext(ctx, `
		INSERT INTO bin_samples (bin_id, society_id, fill_level, temperature, smoke_level, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, sample.BinID, sample.SocietyID, sample.FillLevel, sample.Temperature, sample.SmokeLevel, sample.RecordedAt).Scan(&sample.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert bin sample: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit telemetry: %w", err)
	}
	return bin, sample, nil
}

func (r *PostgresBinsRepository) ListSamples(ctx context.Context, filter SampleFilter) ([]*models.BinSample, error) {
	var where []string
	var args []any
	if filter.SocietyID != "" {
		args = append(args, filter.SocietyID)
		where = append(where, fmt.Sprintf("society_id = $%d", len(args)))
	}
	if len(filter.BinIDs) > 0 {
		args = append(args, pq.Array(filter.BinIDs))
		where = append(where, fmt.Sprintf("bin_id = ANY($%d::uuid[])", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where = append(where, fmt.Sprintf("recorded_at >= $%d", len(args)))
	}

	query := `SELECT id, bin_id, society_id, fill_level, temperature, smoke_level, recorded_at FROM bin_samples`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// newest first so LIMIT keeps the most recent rows; reversed below
	query += " ORDER BY recorded_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bin samples: %w", err)
	}
	defer rows.Close()

	var samples []*models.BinSample
	for rows.Next() {
		var s models.BinSample
		var temperature, smoke sql.NullFloat64
		if err := rows.Scan(&s.ID, &s.BinID, &s.SocietyID, &s.FillLevel, &temperature, &smoke, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bin sample: %w", err)
		}
		s.Temperature = nullFloat(temperature)
		s.SmokeLevel = nullFloat(smoke)
		samples = append(samples, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
