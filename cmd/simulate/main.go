// Command simulate drives the HTTP bridge with a synthetic fleet moving
// along Indian logistics corridors, injecting suspicious events so the
// full pipeline produces live risk scores and alerts.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rakshak/backend/internal/domain"
)

type waypoint struct {
	lat, lon float64
	name     string
}

type corridor struct {
	name      string
	cargo     string
	riskBase  float64
	waypoints []waypoint
}

var corridors = []corridor{
	{
		name: "Delhi - Jaipur (NH-48)", cargo: "Electronics", riskBase: 0.25,
		waypoints: []waypoint{
			{28.6139, 77.2090, "Delhi Depot"},
			{28.4089, 76.9944, "Gurgaon Checkpoint"},
			{28.0800, 76.7700, "Rewari"},
			{27.9104, 76.5834, "Narnaul"},
			{27.5400, 76.2000, "Sikar Road"},
			{26.9124, 75.7873, "Jaipur Warehouse"},
		},
	},
	{
		name: "Mumbai - Pune (NH-48)", cargo: "Pharmaceuticals", riskBase: 0.20,
		waypoints: []waypoint{
			{19.0760, 72.8777, "Mumbai Freight Terminal"},
			{18.9973, 73.1169, "Khopoli"},
			{18.8735, 73.3200, "Khalapur"},
			{18.6500, 73.7000, "Lonavala"},
			{18.5204, 73.8567, "Pune Distribution Centre"},
		},
	},
	{
		name: "Bangalore - Chennai (NH-44)", cargo: "Mobile Phones", riskBase: 0.30,
		waypoints: []waypoint{
			{12.9716, 77.5946, "Bangalore Export Hub"},
			{12.7000, 77.9000, "Hosur"},
			{12.4500, 78.2500, "Krishnagiri"},
			{12.2000, 78.5500, "Vellore"},
			{13.0827, 80.2707, "Chennai Port"},
		},
	},
	{
		name: "Kolkata - Bhubaneswar (NH-16)", cargo: "Steel Coils", riskBase: 0.45,
		waypoints: []waypoint{
			{22.5726, 88.3639, "Kolkata Logistics Park"},
			{22.2000, 88.1500, "Uluberia"},
			{21.9000, 87.7000, "Mecheda"},
			{21.4700, 86.9200, "Balasore"},
			{20.2961, 85.8245, "Bhubaneswar Hub"},
		},
	},
	{
		name: "Hyderabad - Nagpur (NH-44)", cargo: "FMCG Goods", riskBase: 0.35,
		waypoints: []waypoint{
			{17.3850, 78.4867, "Hyderabad Warehouse"},
			{17.8000, 78.8000, "Bhongir"},
			{18.4386, 79.1288, "Karimnagar"},
			{18.9000, 79.5500, "Mancherial"},
			{21.1458, 79.0882, "Nagpur Depot"},
		},
	},
}

// Event weights decide what each tick injects. High-risk corridors shift
// weight toward door and person events.
var eventWeights = []struct {
	name   string
	weight int
}{
	{"normal", 65},
	{"slowdown", 15},
	{"door_open", 8},
	{"person_near", 7},
	{"deviation", 5},
}

type simTruck struct {
	truckID     string
	tripID      string
	corridor    corridor
	waypointIdx int
	progress    float64
	speedKmh    float64
	doorState   string
	rfidScanned bool
	cargoWeight float64
	signal      float64
	event       string
	eventStreak int
	dwell       float64
	personCount int
	tick        int
	rng         *rand.Rand
}

func newSimTruck(i int, c corridor, rng *rand.Rand) *simTruck {
	return &simTruck{
		truckID:     fmt.Sprintf("SIM-%02d-RAKSHAK", i+1),
		corridor:    c,
		speedKmh:    55 + rng.Float64()*20,
		doorState:   domain.DoorClosed,
		rfidScanned: true,
		cargoWeight: 1800 + rng.Float64()*400,
		signal:      0.7 + rng.Float64()*0.3,
		event:       "normal",
		rng:         rng,
	}
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const r = 6371.0
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dlat, dlon := rad(lat2-lat1), rad(lon2-lon1)
	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dlon/2)*math.Sin(dlon/2)
	return r * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func (t *simTruck) position() (float64, float64) {
	if t.waypointIdx >= len(t.corridor.waypoints)-1 {
		last := t.corridor.waypoints[len(t.corridor.waypoints)-1]
		return last.lat, last.lon
	}
	a := t.corridor.waypoints[t.waypointIdx]
	b := t.corridor.waypoints[t.waypointIdx+1]
	return a.lat + (b.lat-a.lat)*t.progress, a.lon + (b.lon-a.lon)*t.progress
}

func (t *simTruck) pickEvent() {
	if t.eventStreak > 0 {
		t.eventStreak--
		return
	}
	total := 0
	weights := make([]int, len(eventWeights))
	for i, ew := range eventWeights {
		w := ew.weight
		if t.corridor.riskBase > 0.35 {
			switch ew.name {
			case "door_open":
				w += 5
			case "person_near":
				w += 4
			}
		}
		weights[i] = w
		total += w
	}
	pick := t.rng.Intn(total)
	for i, w := range weights {
		if pick < w {
			t.event = eventWeights[i].name
			break
		}
		pick -= w
	}
	t.eventStreak = 1 + t.rng.Intn(3)
}

// advance moves the truck along its corridor and applies the tick's event.
// Returns true when the corridor is finished.
func (t *simTruck) advance(intervalS int) bool {
	t.tick++
	done := false
	if t.waypointIdx < len(t.corridor.waypoints)-1 {
		stepM := (t.speedKmh * 1000 / 3600) * float64(intervalS)
		a := t.corridor.waypoints[t.waypointIdx]
		b := t.corridor.waypoints[t.waypointIdx+1]
		segM := haversineKm(a.lat, a.lon, b.lat, b.lon) * 1000
		t.progress += stepM / math.Max(segM, 1)
		if t.progress >= 1.0 {
			t.progress = 0
			t.waypointIdx++
		}
		if t.waypointIdx >= len(t.corridor.waypoints)-1 {
			done = true
		}
	}

	t.pickEvent()
	switch t.event {
	case "normal":
		t.speedKmh = 55 + t.rng.Float64()*20
		t.doorState = domain.DoorClosed
		t.rfidScanned = true
		t.signal = 0.7 + t.rng.Float64()*0.3
		t.dwell = 0
		t.personCount = 0
	case "slowdown":
		t.speedKmh = 5 + t.rng.Float64()*15
		t.doorState = domain.DoorClosed
		t.rfidScanned = true
		t.dwell = t.rng.Float64() * 15
		t.personCount = 0
	case "door_open":
		t.speedKmh = t.rng.Float64() * 5
		t.doorState = domain.DoorOpen
		t.rfidScanned = false
		t.signal = 0.1 + t.rng.Float64()*0.3
		t.dwell = 20 + t.rng.Float64()*70
		t.personCount = 1 + t.rng.Intn(2)
	case "person_near":
		t.speedKmh = t.rng.Float64() * 10
		if t.rng.Intn(2) == 0 {
			t.doorState = domain.DoorOpen
		} else {
			t.doorState = domain.DoorClosed
		}
		t.rfidScanned = false
		t.dwell = 30 + t.rng.Float64()*90
		t.personCount = 1 + t.rng.Intn(3)
	case "deviation":
		t.speedKmh = 30 + t.rng.Float64()*20
		t.doorState = domain.DoorClosed
		t.rfidScanned = true
		t.dwell = 0
		t.personCount = 0
	}

	t.cargoWeight += t.rng.Float64()*30 - 15
	t.cargoWeight = math.Max(500, math.Min(3000, t.cargoWeight))
	return done
}

// client wraps the bridge API.
type client struct {
	base string
	http *http.Client
}

func (c *client) post(ctx context.Context, path string, payload any, out any) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) createTrip(ctx context.Context, t *simTruck) {
	wps := t.corridor.waypoints
	var trip struct {
		TripID string `json:"trip_id"`
	}
	err := c.post(ctx, "/trips", map[string]any{
		"truck_id":            t.truckID,
		"start_location_name": wps[0].name,
		"destination_name":    wps[len(wps)-1].name,
	}, &trip)
	if err != nil {
		slog.Warn("Trip creation failed", "truck_id", t.truckID, "error", err)
		return
	}
	t.tripID = trip.TripID
}

func (c *client) runTick(ctx context.Context, t *simTruck) {
	lat, lon := t.position()
	slog.Info("Tick", "truck_id", t.truckID, "event", t.event,
		"lat", fmt.Sprintf("%.4f", lat), "lon", fmt.Sprintf("%.4f", lon),
		"speed_kmh", fmt.Sprintf("%.1f", t.speedKmh))

	var twinRes domain.TwinOutput
	if err := c.post(ctx, "/agents/digital-twin", domain.IoTTelemetry{
		TruckID:           t.truckID,
		Timestamp:         domain.NowISO(time.Now()),
		GPSLat:            lat,
		GPSLon:            lon,
		DoorState:         t.doorState,
		CargoWeightKg:     t.cargoWeight,
		EngineOn:          t.speedKmh > 2,
		DriverRFIDScanned: t.rfidScanned,
		IoTSignalStrength: math.Max(0.05, math.Min(1.0, t.signal)),
	}, &twinRes); err != nil {
		slog.Warn("Twin call failed", "truck_id", t.truckID, "error", err)
	}

	var routeRes domain.RouteOutput
	if err := c.post(ctx, "/agents/route", map[string]any{
		"truck_id": t.truckID,
		"gps_lat":  lat,
		"gps_lon":  lon,
	}, &routeRes); err != nil {
		slog.Warn("Route call failed", "truck_id", t.truckID, "error", err)
	}

	var behaviourRes domain.BehaviourOutput
	if t.personCount > 0 || t.dwell > 10 {
		n := t.personCount
		if n < 1 {
			n = 1
		}
		tracks := make([]domain.Track, n)
		for j := range tracks {
			tracks[j] = domain.Track{
				TrackID:      j + 1,
				ClassName:    "person",
				Confidence:   0.70 + t.rng.Float64()*0.25,
				Velocity:     domain.Velocity{DX: t.rng.Float64()*2 - 1, DY: t.rng.Float64()*2 - 1},
				DwellSeconds: math.Max(0, t.dwell+t.rng.Float64()*10-5),
			}
		}
		if err := c.post(ctx, "/agents/behaviour-analysis", map[string]any{
			"truck_id": t.truckID,
			"tracks":   tracks,
		}, &behaviourRes); err != nil {
			slog.Warn("Behaviour call failed", "truck_id", t.truckID, "error", err)
		}
	}

	twinRes.TruckID = t.truckID
	routeRes.TruckID = t.truckID
	behaviourRes.TruckID = t.truckID
	var fusionRes domain.RiskOutput
	if err := c.post(ctx, "/agents/risk-fusion", map[string]any{
		"truck_id":  t.truckID,
		"behaviour": behaviourRes,
		"twin":      twinRes,
		"route":     routeRes,
	}, &fusionRes); err != nil {
		slog.Warn("Fusion call failed", "truck_id", t.truckID, "error", err)
		return
	}
	slog.Info("Fusion result", "truck_id", t.truckID,
		"composite", fmt.Sprintf("%.2f", fusionRes.CompositeRiskScore),
		"level", fusionRes.RiskLevel)

	if fusionRes.CompositeRiskScore < 0.45 {
		return
	}
	var decRes domain.DecisionOutput
	if err := c.post(ctx, "/agents/decision", fusionRes, &decRes); err != nil {
		slog.Warn("Decision call failed", "truck_id", t.truckID, "error", err)
		return
	}
	if decRes.RuleID != "" && !decRes.AlertSuppressed {
		slog.Warn("Rule fired", "truck_id", t.truckID,
			"rule", decRes.RuleName, "actions", decRes.ActionsTaken)
		var expRes domain.ExplanationOutput
		if err := c.post(ctx, "/agents/explain", map[string]any{
			"risk_payload":     fusionRes,
			"decision_payload": decRes,
		}, &expRes); err != nil {
			slog.Warn("Explain call failed", "truck_id", t.truckID, "error", err)
		}
	}
}

func main() {
	server := flag.String("server", "http://127.0.0.1:8080", "bridge base URL")
	nTrucks := flag.Int("trucks", 5, "number of trucks to simulate")
	interval := flag.Int("interval", 20, "seconds between simulation ticks")
	once := flag.Bool("once", false, "run one cycle then exit")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	slog.Info("Fleet simulation starting", "trucks", *nTrucks, "interval_s", *interval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := &client{base: *server, http: &http.Client{Timeout: 15 * time.Second}}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	fleet := make([]*simTruck, *nTrucks)
	for i := range fleet {
		fleet[i] = newSimTruck(i, corridors[i%len(corridors)], rng)
		api.createTrip(ctx, fleet[i])
		slog.Info("Truck registered", "truck_id", fleet[i].truckID, "corridor", fleet[i].corridor.name)
	}

	ticker := time.NewTicker(time.Duration(*interval) * time.Second)
	defer ticker.Stop()
	for cycle := 1; ; cycle++ {
		slog.Info("Cycle", "n", cycle)
		for _, t := range fleet {
			if done := t.advance(*interval); done {
				t.waypointIdx = 0
				t.progress = 0
				api.createTrip(ctx, t)
				slog.Info("Trip reset", "truck_id", t.truckID)
				continue
			}
			api.runTick(ctx, t)
		}
		if *once {
			slog.Info("Single cycle complete")
			return
		}
		select {
		case <-ctx.Done():
			slog.Info("Fleet simulation stopped")
			return
		case <-ticker.C:
		}
	}
}
