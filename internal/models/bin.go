package models

import (
	"fmt"
	"math"
	"time"
)

// BinStatus coarse fill state of a bin
type BinStatus string

const (
	BinStatusIdle    BinStatus = "idle"
	BinStatusFilling BinStatus = "filling"
	BinStatusFull    BinStatus = "full"
)

// Valid reports whether s is a known bin status
func (s BinStatus) Valid() bool {
	switch s {
	case BinStatusIdle, BinStatusFilling, BinStatusFull:
		return true
	}
	return false
}

// Bin current state of a monitored bin (bins table)
type Bin struct {
	BinID         string    `json:"bin_id" db:"bin_id"`
	SocietyID     string    `json:"society_id" db:"society_id"`
	Label         string    `json:"label,omitempty" db:"label"`
	Latitude      float64   `json:"latitude" db:"latitude"`
	Longitude     float64   `json:"longitude" db:"longitude"`
	FillLevel     float64   `json:"fill_level" db:"fill_level"` // 0..100
	Status        BinStatus `json:"status" db:"status"`
	Temperature   *float64  `json:"temperature,omitempty" db:"temperature"`
	Humidity      *float64  `json:"humidity,omitempty" db:"humidity"`
	SmokeLevel    *float64  `json:"smoke_level,omitempty" db:"smoke_level"`
	ValidReadings int64     `json:"valid_readings" db:"valid_readings"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// BinSample immutable telemetry snapshot (bin_samples table)
type BinSample struct {
	ID          int64     `json:"id" db:"id"`
	BinID       string    `json:"bin_id" db:"bin_id"`
	SocietyID   string    `json:"society_id" db:"society_id"`
	FillLevel   float64   `json:"fill_level" db:"fill_level"`
	Temperature *float64  `json:"temperature,omitempty" db:"temperature"`
	SmokeLevel  *float64  `json:"smoke_level,omitempty" db:"smoke_level"`
	RecordedAt  time.Time `json:"recorded_at" db:"recorded_at"`
}

// TelemetryUpdate partial update; nil fields are left unchanged
type TelemetryUpdate struct {
	FillLevel   *float64   `json:"fill_level"`
	Temperature *float64   `json:"temperature,omitempty"`
	Humidity    *float64   `json:"humidity,omitempty"`
	SmokeLevel  *float64   `json:"smoke_level,omitempty"`
	Status      *BinStatus `json:"status,omitempty"`
}

// FillTolerance how far outside [0,100] a fill reading may stray and still be clamped.
// Readings beyond it come from a faulty sensor and are rejected.
const FillTolerance = 5.0

// Validate checks every provided field. It does not clamp; see Normalize.
func (u TelemetryUpdate) Validate() error {
	if u.FillLevel == nil && u.Temperature == nil && u.Humidity == nil && u.SmokeLevel == nil && u.Status == nil {
		return fmt.Errorf("%w: empty telemetry update", ErrValidation)
	}
	if u.FillLevel != nil && !finite(*u.FillLevel) {
		return fmt.Errorf("%w: fill_level must be a finite number", ErrValidation)
	}
	if u.FillLevel != nil && (*u.FillLevel < -FillTolerance || *u.FillLevel > 100+FillTolerance) {
		return fmt.Errorf("%w: fill_level %.1f is out of range", ErrValidation, *u.FillLevel)
	}
	if u.Temperature != nil && !finite(*u.Temperature) {
		return fmt.Errorf("%w: temperature must be a finite number", ErrValidation)
	}
	if u.Humidity != nil && (!finite(*u.Humidity) || *u.Humidity < 0 || *u.Humidity > 100) {
		return fmt.Errorf("%w: humidity must be within [0,100]", ErrValidation)
	}
	if u.SmokeLevel != nil && (!finite(*u.SmokeLevel) || *u.SmokeLevel < 0) {
		return fmt.Errorf("%w: smoke_level must be a non-negative number", ErrValidation)
	}
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, *u.Status)
	}
	return nil
}

// Normalize returns a copy with fill_level clamped to [0,100]
func (u TelemetryUpdate) Normalize() TelemetryUpdate {
	if u.FillLevel != nil {
		v := ClampFill(*u.FillLevel)
		u.FillLevel = &v
	}
	return u
}

// Merge applies u onto b in place. When no status is supplied it is derived from the fill level.
func (u TelemetryUpdate) Merge(b *Bin, fullAt, idleBelow float64) {
	if u.FillLevel != nil {
		b.FillLevel = *u.FillLevel
	}
	if u.Temperature != nil {
		b.Temperature = u.Temperature
	}
	if u.Humidity != nil {
		b.Humidity = u.Humidity
	}
	if u.SmokeLevel != nil {
		b.SmokeLevel = u.SmokeLevel
	}
	if u.Status != nil {
		b.Status = *u.Status
	} else if u.FillLevel != nil {
		b.Status = DeriveBinStatus(b.FillLevel, fullAt, idleBelow)
	}
	b.ValidReadings++
}

// ClampFill bounds a fill level to [0,100]
func ClampFill(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

// DeriveBinStatus maps a fill level onto idle/filling/full
func DeriveBinStatus(fill, fullAt, idleBelow float64) BinStatus {
	switch {
	case fill >= fullAt:
		return BinStatusFull
	case fill < idleBelow:
		return BinStatusIdle
	default:
		return BinStatusFilling
	}
}

// Snapshot builds the sample row for the current state of b
func (b *Bin) Snapshot(at time.Time) *BinSample {
	return &BinSample{
		BinID:       b.BinID,
		SocietyID:   b.SocietyID,
		FillLevel:   b.FillLevel,
		Temperature: b.Temperature,
		SmokeLevel:  b.SmokeLevel,
		RecordedAt:  at,
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
