package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ecobin-dispatch/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresDriversRepository reads the users directory and owns driver_locations
type PostgresDriversRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresDriversRepository creates the repository
func NewPostgresDriversRepository(db *sql.DB, logger *zap.Logger) *PostgresDriversRepository {
	return &PostgresDriversRepository{db: db, logger: logger}
}

var _ DriversRepository = (*PostgresDriversRepository)(nil)

const driverColumns = `user_id, display_name, role, blocked, society_id`

func scanDriver(row rowScanner) (*models.Driver, error) {
	var d models.Driver
	if err := row.Scan(&d.DriverID, &d.Name, &d.Role, &d.Blocked, &d.SocietyID); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *PostgresDriversRepository) queryDrivers(ctx context.Context, query string, args ...any) ([]*models.Driver, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query drivers: %w", err)
	}
	defer rows.Close()

	var drivers []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan driver: %w", err)
		}
		drivers = append(drivers, d)
	}
	return drivers, rows.Err()
}

func (r *PostgresDriversRepository) ListCandidates(ctx context.Context, societyID string) ([]*models.Driver, error) {
	return r.queryDrivers(ctx, `
		SELECT `+driverColumns+`
		FROM users
		WHERE society_id = $1 AND role = $2 AND blocked = FALSE
		ORDER BY user_id
	`, societyID, models.RoleDriver)
}

func (r *PostgresDriversRepository) GetDriver(ctx context.Context, driverID string) (*models.Driver, error) {
	d, err := scanDriver(r.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM users WHERE user_id = $1`, driverID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get driver: %w", err)
	}
	return d, nil
}

func (r *PostgresDriversRepository) GetDrivers(ctx context.Context, driverIDs []string) (map[string]*models.Driver, error) {
	out := make(map[string]*models.Driver, len(driverIDs))
	if len(driverIDs) == 0 {
		return out, nil
	}
	drivers, err := r.queryDrivers(ctx, `SELECT `+driverColumns+` FROM users WHERE user_id = ANY($1::uuid[])`, pq.Array(driverIDs))
	if err != nil {
		return nil, err
	}
	for _, d := range drivers {
		out[d.DriverID] = d
	}
	return out, nil
}

func (r *PostgresDriversRepository) AppendLocation(ctx context.Context, sample *models.DriverLocationSample) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO driver_locations (driver_id, latitude, longitude, heading, speed, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, sample.DriverID, sample.Latitude, sample.Longitude, sample.Heading, sample.Speed, sample.RecordedAt).Scan(&sample.ID)
	if err != nil {
		return fmt.Errorf("failed to insert driver location: %w", err)
	}
	return nil
}

func (r *PostgresDriversRepository) LatestLocations(ctx context.Context, driverIDs []string) (map[string]*models.DriverLocationSample, error) {
	out := make(map[string]*models.DriverLocationSample, len(driverIDs))
	if len(driverIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (driver_id) id, driver_id, latitude, longitude, heading, speed, recorded_at
		FROM driver_locations
		WHERE driver_id = ANY($1::uuid[])
		ORDER BY driver_id, recorded_at DESC, id DESC
	`, pq.Array(driverIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query latest locations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s models.DriverLocationSample
		var heading, speed sql.NullFloat64
		if err := rows.Scan(&s.ID, &s.DriverID, &s.Latitude, &s.Longitude, &heading, &speed, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan driver location: %w", err)
		}
		s.Heading = nullFloat(heading)
		s.Speed = nullFloat(speed)
		out[s.DriverID] = &s
	}
	return out, rows.Err()
}
