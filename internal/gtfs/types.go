package gtfs

import "time"

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies within latitude/longitude bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

type ShapePoint struct {
	Lat          float64
	Lon          float64
	Sequence     int
	DistTraveled float64 // meters, if available; 0 if missing
}

type StopTime struct {
	StopSequence int
	StopID       string
	StopLat      float64
	StopLon      float64
}

// PositionSample is one decoded vehicle-position entity from one poll.
type PositionSample struct {
	FetchTime      time.Time
	ObservedTime   time.Time
	TripInstanceID string

	TripID       string
	RouteID      string
	DirectionID  *uint32
	StartTime    string
	StartDate    *time.Time // service date, midnight UTC
	VehicleID    string
	VehicleLabel string
	LicensePlate string

	CurrentStopSequence  *uint32
	StopID               string
	CurrentStatus        string
	ScheduleRelationship string
	OccupancyStatus      string

	Bearing  *float64
	SpeedMps *float64
	Lat      float64
	Lon      float64
}

// ScheduleUpdateSample is one stop-time prediction of a trip-update entity.
type ScheduleUpdateSample struct {
	FetchTime      time.Time
	ObservedTime   time.Time
	TripInstanceID string

	TripID    string
	RouteID   string
	StartTime string
	StartDate *time.Time
	VehicleID string

	StopSequence          *uint32
	StopID                string
	ArrivalTime           *time.Time
	ArrivalDelaySeconds   *int32
	DepartureTime         *time.Time
	DepartureDelaySeconds *int32

	ScheduleRelationship     string
	StopScheduleRelationship string
}

// TimedPoint is a trajectory vertex.
type TimedPoint struct {
	Point
	Time time.Time `json:"t"`
}

// Trajectory is the maintained movement of one trip instance.
type Trajectory struct {
	TripInstanceID string
	TripID         string
	RouteID        string
	ServiceDate    time.Time
	VehicleID      string
	Points         []TimedPoint // strictly increasing Time
	Shape          []Point      // stored geometry; external route geometry when available
	StartTime      time.Time
	UpdatedAt      time.Time
	Tier           string // map-match tier that produced Points
}
