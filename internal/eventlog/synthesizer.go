package eventlog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"ecobin-dispatch/internal/models"
)

// Entry kinds
const (
	KindBinFilled        = "bin_filled"
	KindBinEmptied       = "bin_emptied"
	KindTaskCreated      = "task_created"
	KindTaskAssigned     = "task_assigned"
	KindAssignmentFailed = "assignment_failed"
	KindTaskStatus       = "task_status"
	KindTaskCompleted    = "task_completed"
)

// Entry one line of the synthesized timeline
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	BinID     string    `json:"bin_id"`
	SocietyID string    `json:"society_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	DriverID  string    `json:"driver_id,omitempty"`
	FillLevel *float64  `json:"fill_level,omitempty"`
	Actor     string    `json:"actor,omitempty"`
}

// Rules crossing levels for derived bin entries, in percent
type Rules struct {
	FilledLevel  float64 // Filled when the level crosses from below to at-or-above
	EmptiedLevel float64 // Emptied when the level crosses from above to below
	DropFrom     float64 // or: previous above DropFrom,
	DropTo       float64 // current below DropTo,
	DropMin      float64 // and the drop exceeds DropMin
	DefaultLimit int
	MaxLimit     int
}

// DefaultRules 90 / 5 / 50-20-30, limit 50 (max 500)
var DefaultRules = Rules{
	FilledLevel:  90,
	EmptiedLevel: 5,
	DropFrom:     50,
	DropTo:       20,
	DropMin:      30,
	DefaultLimit: 50,
	MaxLimit:     500,
}

// Synthesizer derives timelines; it holds only its rules
type Synthesizer struct {
	rules Rules
}

func NewSynthesizer(rules Rules) *Synthesizer {
	if rules.DefaultLimit <= 0 {
		rules.DefaultLimit = DefaultRules.DefaultLimit
	}
	if rules.MaxLimit < rules.DefaultLimit {
		rules.MaxLimit = rules.DefaultLimit
	}
	return &Synthesizer{rules: rules}
}

// Synthesize with DefaultRules
func Synthesize(samples []*models.BinSample, events []*models.TaskEvent, drivers map[string]*models.Driver, limit int) []Entry {
	return NewSynthesizer(DefaultRules).Synthesize(samples, events, drivers, limit)
}

// EmptiedCounts with DefaultRules
func EmptiedCounts(samples []*models.BinSample) map[string]int {
	return NewSynthesizer(DefaultRules).EmptiedCounts(samples)
}

// Limit clamps a requested limit to (0, MaxLimit], falling back to DefaultLimit
func (s *Synthesizer) Limit(requested int) int {
	if requested <= 0 {
		return s.rules.DefaultLimit
	}
	if requested > s.rules.MaxLimit {
		return s.rules.MaxLimit
	}
	return requested
}

// Synthesize merges derived bin entries and task events, newest first, truncated to limit.
// Inputs are not modified.
func (s *Synthesizer) Synthesize(samples []*models.BinSample, events []*models.TaskEvent, drivers map[string]*models.Driver, limit int) []Entry {
	entries := s.sampleEntries(samples)
	for _, e := range events {
		entries = append(entries, eventEntry(e, drivers))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].ID > entries[j].ID
	})

	if n := s.Limit(limit); len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// EmptiedCounts per-bin count of emptied episodes
func (s *Synthesizer) EmptiedCounts(samples []*models.BinSample) map[string]int {
	counts := map[string]int{}
	for _, d := range s.derive(samples) {
		if d.kind == KindBinEmptied {
			counts[d.sample.BinID]++
		}
	}
	return counts
}

type derived struct {
	kind   string
	sample *models.BinSample
	last   float64
}

type binState struct {
	last    float64
	pending *derived
}

// derive replays samples per bin in time order. The first sample of a bin only seeds its
// level. A sparse drop is held for one sample and replaced by a sub-EmptiedLevel crossing on
// the next sample, so one collection yields one entry.
func (s *Synthesizer) derive(samples []*models.BinSample) []derived {
	ordered := make([]*models.BinSample, len(samples))
	copy(ordered, samples)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.BinID != b.BinID {
			return a.BinID < b.BinID
		}
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.Before(b.RecordedAt)
		}
		return a.ID < b.ID
	})

	var out []derived
	states := map[string]*binState{}
	for _, sample := range ordered {
		st, seen := states[sample.BinID]
		if !seen {
			states[sample.BinID] = &binState{last: sample.FillLevel}
			continue
		}
		last, cur := st.last, sample.FillLevel
		crossed := last > s.rules.EmptiedLevel && cur < s.rules.EmptiedLevel
		dropped := last > s.rules.DropFrom && cur < s.rules.DropTo && last-cur > s.rules.DropMin

		if st.pending != nil {
			if crossed {
				out = append(out, derived{kind: KindBinEmptied, sample: sample, last: last})
			} else {
				out = append(out, *st.pending)
			}
			st.pending = nil
		} else if crossed {
			out = append(out, derived{kind: KindBinEmptied, sample: sample, last: last})
		} else if dropped {
			st.pending = &derived{kind: KindBinEmptied, sample: sample, last: last}
		}

		if last < s.rules.FilledLevel && cur >= s.rules.FilledLevel {
			out = append(out, derived{kind: KindBinFilled, sample: sample, last: last})
		}
		st.last = cur
	}
	for _, st := range states {
		if st.pending != nil {
			out = append(out, *st.pending)
		}
	}
	return out
}

func (s *Synthesizer) sampleEntries(samples []*models.BinSample) []Entry {
	derivedEntries := s.derive(samples)
	entries := make([]Entry, 0, len(derivedEntries))
	for _, d := range derivedEntries {
		level := d.sample.FillLevel
		e := Entry{
			Timestamp: d.sample.RecordedAt,
			Kind:      d.kind,
			BinID:     d.sample.BinID,
			SocietyID: d.sample.SocietyID,
			FillLevel: &level,
		}
		if d.kind == KindBinFilled {
			e.ID = fmt.Sprintf("sample-%s-%d-filled", d.sample.BinID, d.sample.ID)
			e.Title = "Bin Filled"
			e.Message = fmt.Sprintf("Bin reached %s, critical level", pct(level))
		} else {
			e.ID = fmt.Sprintf("sample-%s-%d-emptied", d.sample.BinID, d.sample.ID)
			e.Title = "Bin Emptied"
			e.Message = fmt.Sprintf("Bin level dropped from %s to %s", pct(d.last), pct(level))
		}
		entries = append(entries, e)
	}
	return entries
}

func eventEntry(e *models.TaskEvent, drivers map[string]*models.Driver) Entry {
	entry := Entry{
		ID:        "event-" + e.EventID,
		Timestamp: e.CreatedAt,
		BinID:     e.BinID,
		SocietyID: e.SocietyID,
		TaskID:    e.TaskID,
		Actor:     e.Actor,
	}

	switch p := e.Payload.(type) {
	case models.CreatedPayload:
		level := p.FillLevel
		entry.Kind = KindTaskCreated
		entry.Title = "Task Created"
		entry.Message = fmt.Sprintf("%s priority task opened at %s", titleCase(string(p.Priority)), pct(level))
		if p.Source == "threshold" {
			entry.Message += " by the fill threshold"
		}
		entry.FillLevel = &level
	case models.AssignedPayload:
		entry.Kind = KindTaskAssigned
		entry.Title = "Task Assigned"
		entry.DriverID = p.DriverID
		entry.Message = fmt.Sprintf("Assigned to %s (%s)", driverName(p, drivers), p.Method)
		if p.Reason != "" {
			entry.Message += ": " + p.Reason
		}
	case models.AssignmentRejectedPayload:
		entry.Kind = KindAssignmentFailed
		entry.Title = "Assignment Failed"
		entry.Message = fmt.Sprintf("No driver selected by %s among %d candidates: %s", p.Method, p.CandidateCount, p.Reason)
	case models.StatusUpdatePayload:
		entry.Kind = KindTaskStatus
		entry.Title = "Task " + titleCase(string(p.To))
		entry.Message = fmt.Sprintf("Status changed from %s to %s", p.From, p.To)
		if p.Notes != "" {
			entry.Message += ": " + p.Notes
		}
	case models.CompletedPayload:
		entry.Kind = KindTaskCompleted
		entry.Title = "Task Completed"
		switch {
		case p.Note != "":
			entry.Message = p.Note
		case p.CompletionType == models.CompletionAutoSensed:
			entry.Message = "Task completed (auto-sensed)"
		default:
			entry.Message = "Task completed"
		}
		entry.FillLevel = p.FinalFillLevel
	default:
		entry.Kind = string(e.Type)
		entry.Title = "Task " + titleCase(strings.ReplaceAll(string(e.Type), "_", " "))
		entry.Message = entry.Title
	}
	return entry
}

func driverName(p models.AssignedPayload, drivers map[string]*models.Driver) string {
	if p.DriverName != "" {
		return p.DriverName
	}
	if d, ok := drivers[p.DriverID]; ok && d.Name != "" {
		return d.Name
	}
	return p.DriverID
}

func pct(v float64) string {
	return fmt.Sprintf("%.0f%%", v)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
