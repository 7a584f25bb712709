package geo

import (
	"errors"
	"fmt"
	"time"

	"skylane/internal/domain"
)

const circleSegments = 32

var ErrNoOutline = errors.New("volume has no outline")

// OutlinePoints returns the planar ring for a volume's horizontal outline.
// Circles are discretized.
func OutlinePoints(v domain.Volume3D) []Point {
	if v.OutlinePolygon != nil {
		pts := make([]Point, 0, len(v.OutlinePolygon.Vertices))
		for _, vtx := range v.OutlinePolygon.Vertices {
			pts = append(pts, Point{X: vtx.Lng, Y: vtx.Lat})
		}
		return pts
	}
	if v.OutlineCircle != nil {
		c := Point{X: v.OutlineCircle.Center.Lng, Y: v.OutlineCircle.Center.Lat}
		return CirclePolygon(c, v.OutlineCircle.RadiusM, circleSegments)
	}
	return nil
}

// Volume4DBBox returns the bounding box of a single volume's outline.
func Volume4DBBox(v domain.Volume4D) BBox {
	return BoundsOf(OutlinePoints(v.Volume))
}

// BoundingBox returns the bounding box covering every volume's outline.
func BoundingBox(vols []domain.Volume4D) BBox {
	b := EmptyBBox()
	for _, v := range vols {
		b.ExtendBox(Volume4DBBox(v))
	}
	return b
}

// MRROf returns the minimum rotated rectangle over the outline points of the
// whole volume set.
func MRROf(vols []domain.Volume4D) []Point {
	var pts []Point
	for _, v := range vols {
		pts = append(pts, OutlinePoints(v.Volume)...)
	}
	if len(pts) == 0 {
		return nil
	}
	return MinimumRotatedRectangle(pts)
}

// ParseTime parses a Registry wire timestamp.
func ParseTime(tp domain.TimePoint) (time.Time, error) {
	return time.Parse(time.RFC3339, tp.Value)
}

// TimeWindow returns the earliest start and latest end over a volume set.
func TimeWindow(vols []domain.Volume4D) (time.Time, time.Time, error) {
	if len(vols) == 0 {
		return time.Time{}, time.Time{}, errors.New("no volumes")
	}
	var start, end time.Time
	for i, v := range vols {
		s, err := ParseTime(v.TimeStart)
		if err != nil {
			return start, end, fmt.Errorf("volume %d time_start: %w", i, err)
		}
		e, err := ParseTime(v.TimeEnd)
		if err != nil {
			return start, end, fmt.Errorf("volume %d time_end: %w", i, err)
		}
		if i == 0 || s.Before(start) {
			start = s
		}
		if i == 0 || e.After(end) {
			end = e
		}
	}
	return start, end, nil
}

// Overlaps reports whether two half-open time windows intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// AltitudeWithin reports whether an altitude in meters falls inside a
// volume's declared band.
func AltitudeWithin(altM float64, v domain.Volume3D) bool {
	return altM >= v.AltitudeLower.Value && altM <= v.AltitudeUpper.Value
}

// ValidateVolumes rejects malformed declarations before any network call:
// every volume needs an outline (polygons with at least three vertices) and a
// well-ordered time window.
func ValidateVolumes(vols []domain.Volume4D) error {
	if len(vols) == 0 {
		return errors.New("at least one volume is required")
	}
	for i, v := range vols {
		switch {
		case v.Volume.OutlinePolygon != nil:
			if len(v.Volume.OutlinePolygon.Vertices) < 3 {
				return fmt.Errorf("volume %d: polygon needs at least 3 vertices", i)
			}
		case v.Volume.OutlineCircle != nil:
			if v.Volume.OutlineCircle.RadiusM <= 0 {
				return fmt.Errorf("volume %d: circle radius must be positive", i)
			}
		default:
			return fmt.Errorf("volume %d: %w", i, ErrNoOutline)
		}
		if v.Volume.AltitudeUpper.Value < v.Volume.AltitudeLower.Value {
			return fmt.Errorf("volume %d: altitude_upper below altitude_lower", i)
		}
		s, err := ParseTime(v.TimeStart)
		if err != nil {
			return fmt.Errorf("volume %d time_start: %w", i, err)
		}
		e, err := ParseTime(v.TimeEnd)
		if err != nil {
			return fmt.Errorf("volume %d time_end: %w", i, err)
		}
		if !s.Before(e) {
			return fmt.Errorf("volume %d: time_start must be before time_end", i)
		}
	}
	return nil
}
