package geo

import (
	"math"
	"sort"
)

// Point is a planar position; X is longitude, Y is latitude.
type Point struct {
	X float64
	Y float64
}

// BBox is an axis-aligned bounding box.
type BBox struct {
	MinX float64 `json:"min_lng"`
	MinY float64 `json:"min_lat"`
	MaxX float64 `json:"max_lng"`
	MaxY float64 `json:"max_lat"`
}

// EmptyBBox returns an inverted box that extends to nothing.
func EmptyBBox() BBox {
	return BBox{
		MinX: math.Inf(1), MinY: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1),
	}
}

func (b *BBox) Extend(p Point) {
	if p.X < b.MinX {
		b.MinX = p.X
	}
	if p.Y < b.MinY {
		b.MinY = p.Y
	}
	if p.X > b.MaxX {
		b.MaxX = p.X
	}
	if p.Y > b.MaxY {
		b.MaxY = p.Y
	}
}

func (b *BBox) ExtendBox(o BBox) {
	b.Extend(Point{o.MinX, o.MinY})
	b.Extend(Point{o.MaxX, o.MaxY})
}

func (b BBox) Valid() bool {
	return b.MinX <= b.MaxX && b.MinY <= b.MaxY
}

func (b BBox) Intersects(o BBox) bool {
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX && b.MinY <= o.MaxY && o.MinY <= b.MaxY
}

func (b BBox) Contains(p Point) bool {
	return p.X >= b.MinX && p.X <= b.MaxX && p.Y >= b.MinY && p.Y <= b.MaxY
}

func (b BBox) Center() Point {
	return Point{(b.MinX + b.MaxX) / 2, (b.MinY + b.MaxY) / 2}
}

// BoundsOf returns the bounding box of a point set.
func BoundsOf(pts []Point) BBox {
	b := EmptyBBox()
	for _, p := range pts {
		b.Extend(p)
	}
	return b
}

// PointInPolygon reports whether p lies inside (or on the boundary of) the
// polygon described by ring. The ring need not be closed.
func PointInPolygon(p Point, ring []Point) bool {
	if len(ring) < 3 {
		return false
	}
	inside := false
	j := len(ring) - 1
	for i := 0; i < len(ring); i++ {
		a, b := ring[i], ring[j]
		if onSegment(p, a, b) {
			return true
		}
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

func cross(o, a, b Point) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

func onSegment(p, a, b Point) bool {
	if math.Abs(cross(a, b, p)) > 1e-12 {
		return false
	}
	return math.Min(a.X, b.X)-1e-12 <= p.X && p.X <= math.Max(a.X, b.X)+1e-12 &&
		math.Min(a.Y, b.Y)-1e-12 <= p.Y && p.Y <= math.Max(a.Y, b.Y)+1e-12
}

func segmentsIntersect(p1, p2, q1, q2 Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(p1, q1, q2)) ||
		(d2 == 0 && onSegment(p2, q1, q2)) ||
		(d3 == 0 && onSegment(q1, p1, p2)) ||
		(d4 == 0 && onSegment(q2, p1, p2))
}

// PolygonsIntersect reports whether two polygon rings overlap. It handles
// arbitrary simple polygons: any crossing edge pair, or full containment of
// one ring inside the other, counts as an intersection.
func PolygonsIntersect(a, b []Point) bool {
	if len(a) < 3 || len(b) < 3 {
		return false
	}
	for i := 0; i < len(a); i++ {
		p1, p2 := a[i], a[(i+1)%len(a)]
		for j := 0; j < len(b); j++ {
			q1, q2 := b[j], b[(j+1)%len(b)]
			if segmentsIntersect(p1, p2, q1, q2) {
				return true
			}
		}
	}
	return PointInPolygon(a[0], b) || PointInPolygon(b[0], a)
}

// ConvexHull returns the convex hull of pts in counter-clockwise order using
// the monotone chain algorithm. The result has no repeated closing vertex.
func ConvexHull(pts []Point) []Point {
	if len(pts) < 3 {
		out := make([]Point, len(pts))
		copy(out, pts)
		return out
	}
	sorted := make([]Point, len(pts))
	copy(sorted, pts)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].X != sorted[j].X {
			return sorted[i].X < sorted[j].X
		}
		return sorted[i].Y < sorted[j].Y
	})
	var lower, upper []Point
	for _, p := range sorted {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		p := sorted[i]
		for len(upper) >= 2 && cross(upper[len(upper)-2], upper[len(upper)-1], p) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, p)
	}
	hull := append(lower[:len(lower)-1], upper[:len(upper)-1]...)
	if len(hull) == 0 {
		// all input points coincident or collinear
		return sorted
	}
	return hull
}

// MinimumRotatedRectangle returns the four corners of the smallest-area
// rectangle (at any rotation) enclosing pts. The minimum-area rectangle has a
// side collinear with an edge of the convex hull, so each hull edge is tried
// in turn.
func MinimumRotatedRectangle(pts []Point) []Point {
	hull := ConvexHull(pts)
	if len(hull) < 3 {
		// degenerate input: fall back to the axis-aligned box
		b := BoundsOf(pts)
		return []Point{
			{b.MinX, b.MinY}, {b.MaxX, b.MinY},
			{b.MaxX, b.MaxY}, {b.MinX, b.MaxY},
		}
	}
	bestArea := math.Inf(1)
	var best []Point
	for i := 0; i < len(hull); i++ {
		a, b := hull[i], hull[(i+1)%len(hull)]
		angle := math.Atan2(b.Y-a.Y, b.X-a.X)
		cosA, sinA := math.Cos(-angle), math.Sin(-angle)
		box := EmptyBBox()
		for _, p := range hull {
			box.Extend(Point{
				X: p.X*cosA - p.Y*sinA,
				Y: p.X*sinA + p.Y*cosA,
			})
		}
		area := (box.MaxX - box.MinX) * (box.MaxY - box.MinY)
		if area < bestArea {
			bestArea = area
			cosB, sinB := math.Cos(angle), math.Sin(angle)
			rotated := []Point{
				{box.MinX, box.MinY}, {box.MaxX, box.MinY},
				{box.MaxX, box.MaxY}, {box.MinX, box.MaxY},
			}
			best = best[:0]
			for _, p := range rotated {
				best = append(best, Point{
					X: p.X*cosB - p.Y*sinB,
					Y: p.X*sinB + p.Y*cosB,
				})
			}
		}
	}
	return best
}

const metersPerDegreeLat = 111320.0

// CirclePolygon discretizes a circle (center in degrees, radius in meters)
// into a polygon ring with the given number of segments.
func CirclePolygon(center Point, radiusM float64, segments int) []Point {
	if segments < 8 {
		segments = 8
	}
	dLat := radiusM / metersPerDegreeLat
	cosLat := math.Cos(center.Y * math.Pi / 180)
	if math.Abs(cosLat) < 1e-6 {
		cosLat = 1e-6
	}
	dLng := radiusM / (metersPerDegreeLat * cosLat)
	ring := make([]Point, 0, segments)
	for i := 0; i < segments; i++ {
		theta := 2 * math.Pi * float64(i) / float64(segments)
		ring = append(ring, Point{
			X: center.X + dLng*math.Cos(theta),
			Y: center.Y + dLat*math.Sin(theta),
		})
	}
	return ring
}
