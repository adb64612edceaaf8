package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ecobin-dispatch/internal/common/database"
	"ecobin-dispatch/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresTasksRepository tasks, assignments and task_events on PostgreSQL
type PostgresTasksRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresTasksRepository creates the repository
func NewPostgresTasksRepository(db *sql.DB, logger *zap.Logger) *PostgresTasksRepository {
	return &PostgresTasksRepository{db: db, logger: logger}
}

var _ TasksRepository = (*PostgresTasksRepository)(nil)

const taskColumns = `task_id, bin_id, society_id, fill_level, priority, status, notes,
	created_by, created_at, updated_at, completed_at`

const assignmentColumns = `assignment_id, task_id, driver_id, status, assigned_at, accepted_at, completed_at`

// SQL literal lists for the status sets
var (
	terminalStatusList   = statusList(models.TerminalTaskStatuses)
	inProgressStatusList = statusList(models.InProgressTaskStatuses)
)

func statusList(statuses []models.TaskStatus) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = "'" + string(s) + "'"
	}
	return strings.Join(parts, ", ")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var completedAt sql.NullTime
	if err := row.Scan(
		&t.TaskID, &t.BinID, &t.SocietyID, &t.FillLevel, &t.Priority, &t.Status, &t.Notes,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	t.CompletedAt = nullTime(completedAt)
	return &t, nil
}

func scanAssignment(row rowScanner) (*models.Assignment, error) {
	var a models.Assignment
	var acceptedAt, completedAt sql.NullTime
	if err := row.Scan(&a.AssignmentID, &a.TaskID, &a.DriverID, &a.Status, &a.AssignedAt, &acceptedAt, &completedAt); err != nil {
		return nil, err
	}
	a.AcceptedAt = nullTime(acceptedAt)
	a.CompletedAt = nullTime(completedAt)
	return &a, nil
}

func insertEvent(ctx context.Context, db execer, event *models.TaskEvent) error {
	payload, err := models.EncodePayload(event.Payload)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO task_events (event_id, task_id, bin_id, society_id, event_type, payload, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.EventID, event.TaskID, event.BinID, event.SocietyID, event.Type, payload, event.Actor, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task event: %w", err)
	}
	return nil
}

func (r *PostgresTasksRepository) CreateTask(ctx context.Context, task *models.Task, event *models.TaskEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, task.TaskID, task.BinID, task.SocietyID, task.FillLevel, task.Priority, task.Status, task.Notes,
		task.CreatedBy, task.CreatedAt, task.UpdatedAt, task.CompletedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("bin %s already has an open task: %w", task.BinID, models.ErrConflict)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}

	if event != nil {
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task: %w", err)
	}
	return nil
}

func (r *PostgresTasksRepository) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

func (r *PostgresTasksRepository) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	var where []string
	var args []any
	if filter.SocietyID != "" {
		args = append(args, filter.SocietyID)
		where = append(where, fmt.Sprintf("society_id = $%d", len(args)))
	}
	if filter.BinID != "" {
		args = append(args, filter.BinID)
		where = append(where, fmt.Sprintf("bin_id = $%d", len(args)))
	}
	if filter.DriverID != "" {
		args = append(args, filter.DriverID)
		where = append(where, fmt.Sprintf("task_id IN (SELECT task_id FROM assignments WHERE driver_id = $%d)", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, task_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *PostgresTasksRepository) findTaskForBin(ctx context.Context, binID, cond string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE bin_id = $1 AND ` + cond + ` ORDER BY created_at DESC LIMIT 1`
	t, err := scanTask(r.db.QueryRowContext(ctx, query, binID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find task for bin: %w", err)
	}
	return t, nil
}

func (r *PostgresTasksRepository) FindOpenTaskForBin(ctx context.Context, binID string) (*models.Task, error) {
	return r.findTaskForBin(ctx, binID, "status NOT IN ("+terminalStatusList+")")
}

func (r *PostgresTasksRepository) FindInProgressTaskForBin(ctx context.Context, binID string) (*models.Task, error) {
	return r.findTaskForBin(ctx, binID, "status IN ("+inProgressStatusList+")")
}

func (r *PostgresTasksRepository) GetOpenAssignment(ctx context.Context, taskID string) (*models.Assignment, error) {
	a, err := scanAssignment(r.db.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM assignments
		WHERE task_id = $1 AND status IN (`+inProgressStatusList+`)
		ORDER BY assigned_at DESC
		LIMIT 1
	`, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open assignment: %w", err)
	}
	return a, nil
}

func (r *PostgresTasksRepository) CountOpenAssignments(ctx context.Context, driverIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(driverIDs))
	if len(driverIDs) == 0 {
		return counts, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT driver_id, COUNT(*)
		FROM assignments
		WHERE driver_id = ANY($1::uuid[]) AND status IN (`+inProgressStatusList+`)
		GROUP BY driver_id
	`, pq.Array(driverIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to count open assignments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var driverID string
		var n int
		if err := rows.Scan(&driverID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan assignment count: %w", err)
		}
		counts[driverID] = n
	}
	return counts, rows.Err()
}

func (r *PostgresTasksRepository) Assign(ctx context.Context, task *models.Task, assignment *models.Assignment, event *models.TaskEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = $2, updated_at = $3
		WHERE task_id = $1 AND status = $4
	`, task.TaskID, models.TaskStatusAssigned, assignment.AssignedAt, models.TaskStatusCreated)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is no longer %s: %w", task.TaskID, models.TaskStatusCreated, models.ErrInvalidState)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assignments (`+assignmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, assignment.AssignmentID, assignment.TaskID, assignment.DriverID, assignment.Status,
		assignment.AssignedAt, assignment.AcceptedAt, assignment.CompletedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("task %s already has an open assignment: %w", task.TaskID, models.ErrInvalidState)
		}
		return fmt.Errorf("failed to insert assignment: %w", err)
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit assignment: %w", err)
	}
	task.Status = models.TaskStatusAssigned
	task.UpdatedAt = assignment.AssignedAt
	return nil
}

func (r *PostgresTasksRepository) Transition(ctx context.Context, tr Transition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = $2, notes = $3, updated_at = $4, completed_at = $5
		WHERE task_id = $1 AND status = $6
	`, tr.Task.TaskID, tr.Task.Status, tr.Task.Notes, tr.Task.UpdatedAt, tr.Task.CompletedAt, tr.From)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is no longer %s: %w", tr.Task.TaskID, tr.From, models.ErrInvalidState)
	}

	if tr.Assignment != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE assignments SET status = $2, accepted_at = $3, completed_at = $4
			WHERE assignment_id = $1
		`, tr.Assignment.AssignmentID, tr.Assignment.Status, tr.Assignment.AcceptedAt, tr.Assignment.CompletedAt)
		if err != nil {
			return fmt.Errorf("failed to update assignment: %w", err)
		}
	}

	if tr.Event != nil {
		if err := insertEvent(ctx, tx, tr.Event); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

func (r *PostgresTasksRepository) AppendEvent(ctx context.Context, event *models.TaskEvent) error {
	return insertEvent(ctx, r.db, event)
}

func (r *PostgresTasksRepository) ListEvents(ctx context.Context, filter EventFilter) ([]*models.TaskEvent, error) {
	var where []string
	var args []any
	if filter.TaskID != "" {
		args = append(args, filter.TaskID)
		where = append(where, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if filter.SocietyID != "" {
		args = append(args, filter.SocietyID)
		where = append(where, fmt.Sprintf("society_id = $%d", len(args)))
	}
	if filter.BinID != "" {
		args = append(args, filter.BinID)
		where = append(where, fmt.Sprintf("bin_id = $%d", len(args)))
	}
	if filter.DriverID != "" {
		args = append(args, filter.DriverID)
		where = append(where, fmt.Sprintf("task_id IN (SELECT task_id FROM assignments WHERE driver_id = $%d)", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	query := `SELECT event_id, task_id, bin_id, society_id, event_type, payload, actor, created_at FROM task_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, event_id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task events: %w", err)
	}
	defer rows.Close()

	var events []*models.TaskEvent
	for rows.Next() {
		var e models.TaskEvent
		var raw []byte
		if err := rows.Scan(&e.EventID, &e.TaskID, &e.BinID, &e.SocietyID, &e.Type, &raw, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		payload, err := models.DecodePayload(e.Type, raw)
		if err != nil {
			// keep the row; an unreadable payload must not hide the rest of the trail
			r.logger.Warn("Failed to decode task event payload",
				zap.String("event_id", e.EventID),
				zap.String("event_type", string(e.Type)),
				zap.Error(err),
			)
		}
		e.Payload = payload
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
