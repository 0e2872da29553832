package feed

import (
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"transit-trajectories/internal/gtfs"
	"transit-trajectories/internal/identity"
	"transit-trajectories/internal/routefilter"
)

// Producers routinely omit proto2 required fields; entities are validated
// field by field instead.
var unmarshalOptions = proto.UnmarshalOptions{AllowPartial: true, DiscardUnknown: true}

// Decode parses a FeedMessage. Failures are a *DecodeError.
func Decode(raw []byte) (*gtfsrt.FeedMessage, error) {
	var fm gtfsrt.FeedMessage
	if err := unmarshalOptions.Unmarshal(raw, &fm); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &fm, nil
}

// Positions extracts vehicle-position samples accepted by filter. Entities
// without both latitude and longitude are dropped.
func Positions(fm *gtfsrt.FeedMessage, fetchTime time.Time, filter routefilter.Filter) []gtfs.PositionSample {
	var out []gtfs.PositionSample
	for _, e := range fm.GetEntity() {
		v := e.GetVehicle()
		if v == nil {
			continue
		}
		trip := v.GetTrip()
		routeID := trip.GetRouteId()
		if !filter.Accepts(routeID) {
			continue
		}
		pos := v.GetPosition()
		if pos == nil || pos.Latitude == nil || pos.Longitude == nil {
			continue
		}

		observed := entityTime(v.GetTimestamp(), fm, fetchTime)
		startDate := identity.ParseServiceDate(trip.GetStartDate())
		vehicleID := v.GetVehicle().GetId()

		s := gtfs.PositionSample{
			FetchTime:    fetchTime,
			ObservedTime: observed,
			TripInstanceID: identity.TripInstanceID(identity.Descriptor{
				TripID:       trip.GetTripId(),
				StartDate:    startDate,
				StartTime:    trip.GetStartTime(),
				VehicleID:    vehicleID,
				ObservedTime: observed,
				FetchTime:    fetchTime,
			}),
			TripID:       trip.GetTripId(),
			RouteID:      routeID,
			DirectionID:  optionalUint32(trip.GetDirectionId(), trip != nil && trip.DirectionId != nil),
			StartTime:    trip.GetStartTime(),
			StartDate:    startDate,
			VehicleID:    vehicleID,
			VehicleLabel: v.GetVehicle().GetLabel(),
			LicensePlate: v.GetVehicle().GetLicensePlate(),

			CurrentStopSequence: v.CurrentStopSequence,
			StopID:              v.GetStopId(),
			Lat:                 float64(pos.GetLatitude()),
			Lon:                 float64(pos.GetLongitude()),
		}
		if v.CurrentStatus != nil {
			s.CurrentStatus = v.GetCurrentStatus().String()
		}
		if trip != nil && trip.ScheduleRelationship != nil {
			s.ScheduleRelationship = trip.GetScheduleRelationship().String()
		}
		if v.OccupancyStatus != nil {
			s.OccupancyStatus = v.GetOccupancyStatus().String()
		}
		if pos.Bearing != nil {
			b := float64(pos.GetBearing())
			s.Bearing = &b
		}
		if pos.Speed != nil {
			sp := float64(pos.GetSpeed())
			s.SpeedMps = &sp
		}
		out = append(out, s)
	}
	return out
}

// ScheduleUpdates flattens trip updates into one sample per stop-time update.
func ScheduleUpdates(fm *gtfsrt.FeedMessage, fetchTime time.Time, filter routefilter.Filter) []gtfs.ScheduleUpdateSample {
	var out []gtfs.ScheduleUpdateSample
	for _, e := range fm.GetEntity() {
		tu := e.GetTripUpdate()
		if tu == nil {
			continue
		}
		trip := tu.GetTrip()
		routeID := trip.GetRouteId()
		if !filter.Accepts(routeID) {
			continue
		}

		observed := entityTime(tu.GetTimestamp(), fm, fetchTime)
		startDate := identity.ParseServiceDate(trip.GetStartDate())
		vehicleID := tu.GetVehicle().GetId()
		instanceID := identity.TripInstanceID(identity.Descriptor{
			TripID:       trip.GetTripId(),
			StartDate:    startDate,
			StartTime:    trip.GetStartTime(),
			VehicleID:    vehicleID,
			ObservedTime: observed,
			FetchTime:    fetchTime,
		})
		var tripRel string
		if trip != nil && trip.ScheduleRelationship != nil {
			tripRel = trip.GetScheduleRelationship().String()
		}

		for _, stu := range tu.GetStopTimeUpdate() {
			s := gtfs.ScheduleUpdateSample{
				FetchTime:            fetchTime,
				ObservedTime:         observed,
				TripInstanceID:       instanceID,
				TripID:               trip.GetTripId(),
				RouteID:              routeID,
				StartTime:            trip.GetStartTime(),
				StartDate:            startDate,
				VehicleID:            vehicleID,
				StopSequence:         stu.StopSequence,
				StopID:               stu.GetStopId(),
				ScheduleRelationship: tripRel,
			}
			if ev := stu.GetArrival(); ev != nil {
				s.ArrivalTime = eventTime(ev)
				s.ArrivalDelaySeconds = ev.Delay
			}
			if ev := stu.GetDeparture(); ev != nil {
				s.DepartureTime = eventTime(ev)
				s.DepartureDelaySeconds = ev.Delay
			}
			if stu.ScheduleRelationship != nil {
				s.StopScheduleRelationship = stu.GetScheduleRelationship().String()
			}
			out = append(out, s)
		}
	}
	return out
}

// entityTime prefers the entity timestamp, then the feed header, then the poll time.
func entityTime(ts uint64, fm *gtfsrt.FeedMessage, fetchTime time.Time) time.Time {
	if ts == 0 {
		ts = fm.GetHeader().GetTimestamp()
	}
	if ts == 0 {
		return fetchTime
	}
	return time.Unix(int64(ts), 0).UTC()
}

func eventTime(ev *gtfsrt.TripUpdate_StopTimeEvent) *time.Time {
	if ev.GetTime() == 0 {
		return nil
	}
	t := time.Unix(ev.GetTime(), 0).UTC()
	return &t
}

func optionalUint32(v uint32, present bool) *uint32 {
	if !present {
		return nil
	}
	return &v
}
