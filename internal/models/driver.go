package models

import "time"

// RoleDriver directory role eligible for dispatch
const RoleDriver = "driver"

// Driver directory view of a user; owned by the external user directory
type Driver struct {
	DriverID  string `json:"driver_id" db:"user_id"`
	Name      string `json:"name" db:"display_name"`
	Role      string `json:"role" db:"role"`
	Blocked   bool   `json:"blocked" db:"blocked"`
	SocietyID string `json:"society_id" db:"society_id"`
}

// DriverLocationSample append-only driver position (driver_locations table)
type DriverLocationSample struct {
	ID         int64     `json:"id" db:"id"`
	DriverID   string    `json:"driver_id" db:"driver_id"`
	Latitude   float64   `json:"latitude" db:"latitude"`
	Longitude  float64   `json:"longitude" db:"longitude"`
	Heading    *float64  `json:"heading,omitempty" db:"heading"`
	Speed      *float64  `json:"speed,omitempty" db:"speed"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// LocationUpdate inbound driver position
type LocationUpdate struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
}
