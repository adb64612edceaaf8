package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Method names recorded on assignment events
const (
	MethodOracle    = "oracle"
	MethodHeuristic = "heuristic"
)

// ErrNoSelection the strategy produced no valid driver; the wrapped message is the reason
var ErrNoSelection = errors.New("no selection")

// BinContext the bin side of a selection request
type BinContext struct {
	BinID     string  `json:"-"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	FillLevel float64 `json:"fill_level"`
	SocietyID string  `json:"society_id"`
}

// Candidate one eligible driver
type Candidate struct {
	DriverID    string   `json:"id"`
	Name        string   `json:"name"`
	Latitude    *float64 `json:"lat"`
	Longitude   *float64 `json:"lon"`
	ActiveTasks int      `json:"active_tasks"`
}

// HasLocation reports whether the candidate has a known position
func (c Candidate) HasLocation() bool {
	return c.Latitude != nil && c.Longitude != nil
}

// SelectionContext everything a strategy may look at
type SelectionContext struct {
	TaskID     string      `json:"-"`
	Bin        BinContext  `json:"bin"`
	Candidates []Candidate `json:"drivers"`
}

// Candidate looks up a submitted candidate by id
func (sc *SelectionContext) Candidate(driverID string) (Candidate, bool) {
	for _, c := range sc.Candidates {
		if c.DriverID == driverID {
			return c, true
		}
	}
	return Candidate{}, false
}

// Selection a valid choice; DriverID is always a member of the submitted candidates
type Selection struct {
	DriverID   string
	Method     string
	Reason     string
	DistanceKm *float64
	Workload   *int
}

// Strategy picks a driver for a task. It returns an error wrapping ErrNoSelection when no
// candidate qualifies.
type Strategy interface {
	Name() string
	Select(ctx context.Context, sc *SelectionContext) (*Selection, error)
}

func noSelection(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNoSelection, fmt.Sprintf(format, args...))
}

// ChainStrategy tries strategies in order; the first valid selection wins
type ChainStrategy struct {
	strategies []Strategy
}

func NewChainStrategy(strategies ...Strategy) *ChainStrategy {
	return &ChainStrategy{strategies: strategies}
}

func (c *ChainStrategy) Name() string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return strings.Join(names, "_then_")
}

func (c *ChainStrategy) Select(ctx context.Context, sc *SelectionContext) (*Selection, error) {
	var reasons []string
	for _, s := range c.strategies {
		sel, err := s.Select(ctx, sc)
		if err == nil {
			return sel, nil
		}
		reasons = append(reasons, fmt.Sprintf("%s: %v", s.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, noSelection("%s", strings.Join(reasons, "; "))
}
