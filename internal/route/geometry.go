// Package route validates GPS positions against safe corridors and
// high-risk zones and scores route risk with a night-hour multiplier.
package route

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

const (
	// corridorBufferDeg widens corridor membership by roughly 500m.
	corridorBufferDeg = 0.0045
	// degToKm converts a planar degree distance to kilometres.
	degToKm = 111.0
	// noCorridorDeviationKm is reported when no corridors are loaded.
	noCorridorDeviationKm = 999.0
)

// NamedArea is one corridor or risk zone.
type NamedArea struct {
	Name    string
	Polygon orb.Polygon
}

// Geometry holds the loaded corridor and risk-zone set.
type Geometry struct {
	SafeCorridors []NamedArea
	RiskZones     []NamedArea
}

// geometryArtifact is the on-disk JSON shape. Coordinates are [lon, lat]
// pairs forming a closed ring.
type geometryArtifact struct {
	SafeCorridors []areaArtifact `json:"safe_corridors"`
	RiskZones     []areaArtifact `json:"risk_zones"`
}

type areaArtifact struct {
	Name        string       `json:"name"`
	Coordinates [][2]float64 `json:"coordinates"`
}

func toPolygon(coords [][2]float64) orb.Polygon {
	ring := make(orb.Ring, len(coords))
	for i, c := range coords {
		ring[i] = orb.Point{c[0], c[1]}
	}
	if len(ring) > 0 && ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return orb.Polygon{ring}
}

// LoadGeometry reads a geometry artifact from disk.
func LoadGeometry(path string) (*Geometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route geometry: %w", err)
	}
	var art geometryArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("parse route geometry: %w", err)
	}
	g := &Geometry{}
	for _, a := range art.SafeCorridors {
		g.SafeCorridors = append(g.SafeCorridors, NamedArea{Name: a.Name, Polygon: toPolygon(a.Coordinates)})
	}
	for _, a := range art.RiskZones {
		g.RiskZones = append(g.RiskZones, NamedArea{Name: a.Name, Polygon: toPolygon(a.Coordinates)})
	}
	if len(g.SafeCorridors) == 0 && len(g.RiskZones) == 0 {
		return nil, fmt.Errorf("route geometry %s defines no areas", path)
	}
	return g, nil
}

// DefaultGeometry is the built-in Delhi corridor and Narela risk zone, used
// when no artifact is available.
func DefaultGeometry() *Geometry {
	delhiCorridor := [][2]float64{
		{77.1025, 28.7041},
		{77.2090, 28.6139},
		{77.3000, 28.5000},
		{77.4000, 28.4000},
		{77.5000, 28.3000},
		{77.4000, 28.2000},
		{77.3000, 28.3000},
		{77.2000, 28.4000},
		{77.1000, 28.5000},
		{77.0000, 28.6000},
		{77.1025, 28.7041},
	}
	narelaZone := [][2]float64{
		{77.0800, 28.8500},
		{77.1200, 28.8500},
		{77.1200, 28.8800},
		{77.0800, 28.8800},
		{77.0800, 28.8500},
	}
	return &Geometry{
		SafeCorridors: []NamedArea{{Name: "Delhi Highway Corridor", Polygon: toPolygon(delhiCorridor)}},
		RiskZones:     []NamedArea{{Name: "Narela Industrial Zone", Polygon: toPolygon(narelaZone)}},
	}
}

// CheckSafeCorridor reports whether the point sits inside any corridor
// (with the 500m buffer), the deviation in km otherwise, and the name of
// the matched or nearest corridor.
func (g *Geometry) CheckSafeCorridor(p orb.Point) (bool, float64, string) {
	for _, c := range g.SafeCorridors {
		if planar.PolygonContains(c.Polygon, p) || planar.DistanceFrom(c.Polygon, p) <= corridorBufferDeg {
			return true, 0, c.Name
		}
	}
	minKm := -1.0
	nearest := ""
	for _, c := range g.SafeCorridors {
		km := planar.DistanceFrom(c.Polygon, p) * degToKm
		if minKm < 0 || km < minKm {
			minKm = km
			nearest = c.Name
		}
	}
	if minKm < 0 {
		return false, noCorridorDeviationKm, ""
	}
	return false, minKm, nearest
}

// CheckRiskZones reports whether the point is inside any risk zone.
func (g *Geometry) CheckRiskZones(p orb.Point) (bool, string) {
	for _, z := range g.RiskZones {
		if planar.PolygonContains(z.Polygon, p) {
			return true, z.Name
		}
	}
	return false, ""
}
