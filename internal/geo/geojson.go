package geo

import (
	"encoding/json"
	"fmt"

	"skylane/internal/domain"
)

type geoJSONGeometry struct {
	Type        string        `json:"type"`
	Coordinates [][][]float64 `json:"coordinates"`
}

type geoJSONFeature struct {
	Type       string          `json:"type"`
	Geometry   geoJSONGeometry `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type geoJSONCollection struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
}

// VolumesToGeoJSON renders a volume set as a GeoJSON FeatureCollection of
// polygons. Altitude band and time window ride along as feature properties.
func VolumesToGeoJSON(vols []domain.Volume4D) ([]byte, error) {
	fc := geoJSONCollection{Type: "FeatureCollection"}
	for i, v := range vols {
		ring := OutlinePoints(v.Volume)
		if len(ring) < 3 {
			return nil, fmt.Errorf("volume %d has no usable outline", i)
		}
		coords := make([][]float64, 0, len(ring)+1)
		for _, p := range ring {
			coords = append(coords, []float64{p.X, p.Y})
		}
		// close the ring
		coords = append(coords, []float64{ring[0].X, ring[0].Y})
		fc.Features = append(fc.Features, geoJSONFeature{
			Type: "Feature",
			Geometry: geoJSONGeometry{
				Type:        "Polygon",
				Coordinates: [][][]float64{coords},
			},
			Properties: map[string]any{
				"altitude_lower": v.Volume.AltitudeLower.Value,
				"altitude_upper": v.Volume.AltitudeUpper.Value,
				"time_start":     v.TimeStart.Value,
				"time_end":       v.TimeEnd.Value,
			},
		})
	}
	return json.Marshal(fc)
}

// GeoJSONToVolumes parses a FeatureCollection produced by VolumesToGeoJSON
// (or any polygon features carrying the same properties) back into volumes.
func GeoJSONToVolumes(data []byte) ([]domain.Volume4D, error) {
	var fc geoJSONCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}
	var vols []domain.Volume4D
	for i, f := range fc.Features {
		if f.Geometry.Type != "Polygon" || len(f.Geometry.Coordinates) == 0 {
			return nil, fmt.Errorf("feature %d: only Polygon geometries are supported", i)
		}
		outer := f.Geometry.Coordinates[0]
		var poly domain.Polygon
		for j, c := range outer {
			if len(c) < 2 {
				return nil, fmt.Errorf("feature %d coordinate %d is malformed", i, j)
			}
			// skip the closing vertex
			if j == len(outer)-1 && len(outer) > 1 && c[0] == outer[0][0] && c[1] == outer[0][1] {
				continue
			}
			poly.Vertices = append(poly.Vertices, domain.LatLngPoint{Lng: c[0], Lat: c[1]})
		}
		v := domain.Volume4D{
			Volume: domain.Volume3D{
				OutlinePolygon: &poly,
				AltitudeLower:  domain.Altitude{Value: floatProp(f.Properties, "altitude_lower"), Reference: "W84", Units: "M"},
				AltitudeUpper:  domain.Altitude{Value: floatProp(f.Properties, "altitude_upper"), Reference: "W84", Units: "M"},
			},
			TimeStart: domain.TimePoint{Value: stringProp(f.Properties, "time_start"), Format: "RFC3339"},
			TimeEnd:   domain.TimePoint{Value: stringProp(f.Properties, "time_end"), Format: "RFC3339"},
		}
		vols = append(vols, v)
	}
	return vols, nil
}

func floatProp(props map[string]any, key string) float64 {
	if v, ok := props[key].(float64); ok {
		return v
	}
	return 0
}

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}
