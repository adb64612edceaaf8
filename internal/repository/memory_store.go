package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ecobin-dispatch/internal/models"
)

// MemoryStore in-process implementation of all three repositories, used when the database is
// disabled and by service-level tests. One lock guards everything, so every method is atomic.
type MemoryStore struct {
	mu sync.RWMutex

	bins        map[string]*models.Bin
	samples     []*models.BinSample
	tasks       map[string]*models.Task
	taskOrder   []string
	assignments []*models.Assignment
	events      []*models.TaskEvent
	drivers     map[string]*models.Driver
	locations   []*models.DriverLocationSample

	nextSampleID   int64
	nextLocationID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bins:    map[string]*models.Bin{},
		tasks:   map[string]*models.Task{},
		drivers: map[string]*models.Driver{},
	}
}

var (
	_ BinsRepository    = (*MemoryStore)(nil)
	_ TasksRepository   = (*MemoryStore)(nil)
	_ DriversRepository = (*MemoryStore)(nil)
)

// PutDriver seeds the directory view; the directory itself lives outside this service.
func (m *MemoryStore) PutDriver(d *models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.drivers[d.DriverID] = &cp
}

// ---- bins ----

func (m *MemoryStore) CreateBin(_ context.Context, bin *models.Bin) error {
	if bin.BinID == "" || bin.SocietyID == "" {
		return fmt.Errorf("%w: bin_id and society_id are required", models.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bins[bin.BinID]; ok {
		return fmt.Errorf("bin %s already exists: %w", bin.BinID, models.ErrConflict)
	}
	cp := *bin
	m.bins[bin.BinID] = &cp
	return nil
}

func (m *MemoryStore) GetBin(_ context.Context, binID string) (*models.Bin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bins[binID]
	if !ok {
		return nil, fmt.Errorf("bin %s: %w", binID, models.ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListBins(_ context.Context, societyID string) ([]*models.Bin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Bin
	for _, b := range m.bins {
		if societyID != "" && b.SocietyID != societyID {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BinID < out[j].BinID })
	return out, nil
}

func (m *MemoryStore) ApplyTelemetry(_ context.Context, binID string, at time.Time, mutate func(*models.Bin) error) (*models.Bin, *models.BinSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.bins[binID]
	if !ok {
		return nil, nil, fmt.Errorf("bin %s: %w", binID, models.ErrNotFound)
	}
	bin := *stored
	if err := mutate(&bin); err != nil {
		return nil, nil, err
	}
	bin.UpdatedAt = at
	m.bins[binID] = &bin

	m.nextSampleID++
	sample := bin.Snapshot(at)
	sample.ID = m.nextSampleID
	m.samples = append(m.samples, sample)

	out := bin
	sampleOut := *sample
	return &out, &sampleOut, nil
}

func (m *MemoryStore) ListSamples(_ context.Context, filter SampleFilter) ([]*models.BinSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	binSet := toSet(filter.BinIDs)
	var out []*models.BinSample
	for _, s := range m.samples {
		if filter.SocietyID != "" && s.SocietyID != filter.SocietyID {
			continue
		}
		if binSet != nil && !binSet[s.BinID] {
			continue
		}
		if filter.Since != nil && s.RecordedAt.Before(*filter.Since) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// ---- tasks ----

func (m *MemoryStore) CreateTask(_ context.Context, task *models.Task, event *models.TaskEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.BinID == task.BinID && !t.Status.IsTerminal() {
			return fmt.Errorf("bin %s already has an open task: %w", task.BinID, models.ErrConflict)
		}
	}
	cp := *task
	m.tasks[task.TaskID] = &cp
	m.taskOrder = append(m.taskOrder, task.TaskID)
	if event != nil {
		m.appendEventLocked(event)
	}
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var driverTasks map[string]bool
	if filter.DriverID != "" {
		driverTasks = m.driverTasksLocked(filter.DriverID)
	}
	statusSet := map[models.TaskStatus]bool{}
	for _, s := range filter.Statuses {
		statusSet[s] = true
	}

	var out []*models.Task
	// newest first
	for i := len(m.taskOrder) - 1; i >= 0; i-- {
		t := m.tasks[m.taskOrder[i]]
		if filter.SocietyID != "" && t.SocietyID != filter.SocietyID {
			continue
		}
		if filter.BinID != "" && t.BinID != filter.BinID {
			continue
		}
		if driverTasks != nil && !driverTasks[t.TaskID] {
			continue
		}
		if len(statusSet) > 0 && !statusSet[t.Status] {
			continue
		}
		cp := *t
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) findTaskForBin(binID string, match func(models.TaskStatus) bool) *models.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.taskOrder) - 1; i >= 0; i-- {
		t := m.tasks[m.taskOrder[i]]
		if t.BinID == binID && match(t.Status) {
			cp := *t
			return &cp
		}
	}
	return nil
}

func (m *MemoryStore) FindOpenTaskForBin(_ context.Context, binID string) (*models.Task, error) {
	return m.findTaskForBin(binID, func(s models.TaskStatus) bool { return !s.IsTerminal() }), nil
}

func (m *MemoryStore) FindInProgressTaskForBin(_ context.Context, binID string) (*models.Task, error) {
	return m.findTaskForBin(binID, models.TaskStatus.InProgress), nil
}

func (m *MemoryStore) GetOpenAssignment(_ context.Context, taskID string) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.assignments) - 1; i >= 0; i-- {
		a := m.assignments[i]
		if a.TaskID == taskID && a.Open() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) CountOpenAssignments(_ context.Context, driverIDs []string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := toSet(driverIDs)
	counts := make(map[string]int, len(driverIDs))
	for _, a := range m.assignments {
		if want[a.DriverID] && a.Open() {
			counts[a.DriverID]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) Assign(_ context.Context, task *models.Task, assignment *models.Assignment, event *models.TaskEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[task.TaskID]
	if !ok {
		return fmt.Errorf("task %s: %w", task.TaskID, models.ErrNotFound)
	}
	if stored.Status != models.TaskStatusCreated {
		return fmt.Errorf("task %s is no longer %s: %w", task.TaskID, models.TaskStatusCreated, models.ErrInvalidState)
	}
	stored.Status = models.TaskStatusAssigned
	stored.UpdatedAt = assignment.AssignedAt
	cp := *assignment
	m.assignments = append(m.assignments, &cp)
	m.appendEventLocked(event)

	task.Status = stored.Status
	task.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, tr Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[tr.Task.TaskID]
	if !ok {
		return fmt.Errorf("task %s: %w", tr.Task.TaskID, models.ErrNotFound)
	}
	if stored.Status != tr.From {
		return fmt.Errorf("task %s is no longer %s: %w", tr.Task.TaskID, tr.From, models.ErrInvalidState)
	}
	cp := *tr.Task
	m.tasks[tr.Task.TaskID] = &cp

	if tr.Assignment != nil {
		for i, a := range m.assignments {
			if a.AssignmentID == tr.Assignment.AssignmentID {
				updated := *tr.Assignment
				m.assignments[i] = &updated
				break
			}
		}
	}
	if tr.Event != nil {
		m.appendEventLocked(tr.Event)
	}
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *models.TaskEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEventLocked(event)
	return nil
}

func (m *MemoryStore) appendEventLocked(event *models.TaskEvent) {
	cp := *event
	m.events = append(m.events, &cp)
}

func (m *MemoryStore) driverTasksLocked(driverID string) map[string]bool {
	out := map[string]bool{}
	for _, a := range m.assignments {
		if a.DriverID == driverID {
			out[a.TaskID] = true
		}
	}
	return out
}

func (m *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]*models.TaskEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var driverTasks map[string]bool
	if filter.DriverID != "" {
		driverTasks = m.driverTasksLocked(filter.DriverID)
	}
	var out []*models.TaskEvent
	for _, e := range m.events {
		if filter.TaskID != "" && e.TaskID != filter.TaskID {
			continue
		}
		if filter.SocietyID != "" && e.SocietyID != filter.SocietyID {
			continue
		}
		if filter.BinID != "" && e.BinID != filter.BinID {
			continue
		}
		if driverTasks != nil && !driverTasks[e.TaskID] {
			continue
		}
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	// insertion order breaks timestamp ties
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// ---- drivers ----

func (m *MemoryStore) ListCandidates(_ context.Context, societyID string) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Driver
	for _, d := range m.drivers {
		if d.SocietyID != societyID || d.Role != models.RoleDriver || d.Blocked {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (m *MemoryStore) GetDriver(_ context.Context, driverID string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetDrivers(_ context.Context, driverIDs []string) (map[string]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.Driver, len(driverIDs))
	for _, id := range driverIDs {
		if d, ok := m.drivers[id]; ok {
			cp := *d
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendLocation(_ context.Context, sample *models.DriverLocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLocationID++
	sample.ID = m.nextLocationID
	cp := *sample
	m.locations = append(m.locations, &cp)
	return nil
}

func (m *MemoryStore) LatestLocations(_ context.Context, driverIDs []string) (map[string]*models.DriverLocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := toSet(driverIDs)
	out := make(map[string]*models.DriverLocationSample, len(driverIDs))
	for _, s := range m.locations {
		if !want[s.DriverID] {
			continue
		}
		if cur, ok := out[s.DriverID]; ok && s.RecordedAt.Before(cur.RecordedAt) {
			continue
		}
		cp := *s
		out[s.DriverID] = &cp
	}
	return out, nil
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
