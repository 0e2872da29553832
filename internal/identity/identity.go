// Package identity derives stable trip instance identifiers for realtime
// entities that carry no global identifier.
package identity

import (
	"strings"
	"time"
)

// Descriptor holds the identifying fields of one realtime entity.
type Descriptor struct {
	TripID    string
	StartDate *time.Time // service date
	StartTime string     // HH:MM:SS, may exceed 24h
	VehicleID string

	// ObservedTime is the entity timestamp (falling back to the feed header).
	ObservedTime time.Time
	// FetchTime is the poll time, used when nothing else identifies the entity.
	FetchTime time.Time
}

const stampLayout = "20060102T150405"

// TripInstanceID returns the trip instance key for d. First match wins:
// trip_id plus optional service date and start time; vehicle_id plus the
// observed second; the poll time alone. It never returns an empty string.
//
// The trip_id form ignores vehicle_id so positions and trip updates of the
// same run agree, including across a mid-trip vehicle swap.
func TripInstanceID(d Descriptor) string {
	if d.TripID != "" {
		parts := []string{d.TripID}
		if d.StartDate != nil {
			parts = append(parts, d.StartDate.Format("20060102"))
		}
		if d.StartTime != "" {
			parts = append(parts, strings.ReplaceAll(d.StartTime, ":", ""))
		}
		return strings.Join(parts, "_")
	}
	if d.VehicleID != "" {
		return d.VehicleID + "_" + d.ObservedTime.UTC().Truncate(time.Second).Format(stampLayout)
	}
	return "trip_" + d.FetchTime.UTC().Format(stampLayout)
}

// ParseServiceDate parses a YYYYMMDD start date. Empty or malformed input yields nil.
func ParseServiceDate(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse("20060102", raw)
	if err != nil {
		return nil
	}
	return &t
}
