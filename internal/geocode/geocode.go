// Package geocode resolves location names to coordinates and computes
// driving routes through an OSRM-compatible router. It backs trip planning,
// not the real-time pipeline.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rakshak/backend/internal/domain"
)

// knownCities is the built-in gazetteer for major Indian logistics hubs.
// Unknown names resolve to a random point inside India so trip planning
// degrades instead of failing.
var knownCities = map[string]domain.GeoPoint{
	"chennai":   {Lat: 13.0827, Lon: 80.2707},
	"mumbai":    {Lat: 19.0760, Lon: 72.8777},
	"delhi":     {Lat: 28.6139, Lon: 77.2090},
	"bangalore": {Lat: 12.9716, Lon: 77.5946},
	"hyderabad": {Lat: 17.3850, Lon: 78.4867},
	"kolkata":   {Lat: 22.5726, Lon: 88.3639},
}

// Route is one computed driving route.
type Route struct {
	DistanceMeters  float64         `json:"distance_meters"`
	DurationSeconds float64         `json:"duration_seconds"`
	Geometry        json.RawMessage `json:"geometry,omitempty"`
}

// Geocoder resolves names and routes via an OSRM endpoint.
type Geocoder struct {
	// BaseURL is the OSRM driving profile root.
	BaseURL string
	client  *http.Client
	rand    *rand.Rand
}

// New constructs a geocoder. An empty base URL selects the public OSRM
// demo server.
func New(baseURL string) *Geocoder {
	if baseURL == "" {
		baseURL = "http://router.project-osrm.org"
	}
	return &Geocoder{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Resolve maps a location name to coordinates. Matching is by substring
// against the gazetteer, case-insensitive.
func (g *Geocoder) Resolve(name string) domain.GeoPoint {
	lower := strings.ToLower(name)
	for city, pt := range knownCities {
		if strings.Contains(lower, city) {
			return pt
		}
	}
	return domain.GeoPoint{
		Lat: 10.0 + g.rand.Float64()*18.0,
		Lon: 70.0 + g.rand.Float64()*20.0,
	}
}

// CalculateRoute queries the router for a driving route between two points.
func (g *Geocoder) CalculateRoute(ctx context.Context, start, dest domain.GeoPoint) (Route, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%f,%f;%f,%f?overview=full&geometries=geojson",
		g.BaseURL, start.Lon, start.Lat, dest.Lon, dest.Lat)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, fmt.Errorf("build route request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return Route{}, fmt.Errorf("call router: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Route{}, fmt.Errorf("router returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64         `json:"distance"`
			Duration float64         `json:"duration"`
			Geometry json.RawMessage `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Route{}, fmt.Errorf("decode route response: %w", err)
	}
	if parsed.Code != "Ok" || len(parsed.Routes) == 0 {
		return Route{}, fmt.Errorf("no route found")
	}
	r := parsed.Routes[0]
	return Route{
		DistanceMeters:  r.Distance,
		DurationSeconds: r.Duration,
		Geometry:        r.Geometry,
	}, nil
}

// BaselineRisk estimates a 0-100 risk prior for a planned trip from its
// length and route keywords.
func BaselineRisk(distanceMeters float64, startName, destName string) float64 {
	risk := 10.0
	risk += (distanceMeters / 1000.0) / 100.0

	query := strings.ToLower(startName + " " + destName)
	for _, zone := range []string{"highway 44", "ghat", "forest", "border"} {
		if strings.Contains(query, zone) {
			risk += 15.0
		}
	}
	if risk > 100 {
		risk = 100
	}
	return risk
}
