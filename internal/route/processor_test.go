package route

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/domain"
)

func TestTimeMultiplier(t *testing.T) {
	for hour := 0; hour < 24; hour++ {
		want := 1.0
		if hour >= 22 || hour < 6 {
			want = 1.5
		}
		assert.Equal(t, want, TimeMultiplier(hour), "hour %d", hour)
	}
}

func TestRiskScore(t *testing.T) {
	// In corridor, no zone: zero regardless of multiplier.
	assert.Equal(t, 0.0, RiskScore(true, 0, false, 1.5))

	// Risk zone while in corridor, daytime.
	assert.InDelta(t, 0.3, RiskScore(true, 0, true, 1.0), 1e-9)

	// Off corridor by 3 km, daytime.
	assert.InDelta(t, 0.3, RiskScore(false, 3, false, 1.0), 1e-9)

	// Deviation contribution caps at 0.6.
	assert.InDelta(t, 0.6, RiskScore(false, 50, false, 1.0), 1e-9)

	// Night multiplier applies after the base, result still clipped.
	assert.InDelta(t, 0.45, RiskScore(false, 3, false, 1.5), 1e-9)
	assert.InDelta(t, 1.0, RiskScore(false, 50, true, 1.5), 1e-9)
}

func TestCheckSafeCorridorInside(t *testing.T) {
	g := DefaultGeometry()
	// Corridor centroid territory.
	inSafe, dev, name := g.CheckSafeCorridor(orb.Point{77.2090, 28.6139})
	assert.True(t, inSafe)
	assert.Equal(t, 0.0, dev)
	assert.Equal(t, "Delhi Highway Corridor", name)
}

func TestCheckSafeCorridorBuffer(t *testing.T) {
	g := DefaultGeometry()
	// Just outside the top vertex but inside the 500m buffer.
	inSafe, dev, _ := g.CheckSafeCorridor(orb.Point{77.1025, 28.7070})
	assert.True(t, inSafe)
	assert.Equal(t, 0.0, dev)
}

func TestCheckSafeCorridorDeviation(t *testing.T) {
	g := DefaultGeometry()
	// Well north of the corridor.
	inSafe, dev, name := g.CheckSafeCorridor(orb.Point{77.1000, 28.8600})
	assert.False(t, inSafe)
	assert.Greater(t, dev, 1.0)
	assert.Equal(t, "Delhi Highway Corridor", name)
}

func TestCheckSafeCorridorNoCorridors(t *testing.T) {
	g := &Geometry{}
	inSafe, dev, name := g.CheckSafeCorridor(orb.Point{77.2, 28.6})
	assert.False(t, inSafe)
	assert.Equal(t, 999.0, dev)
	assert.Empty(t, name)
}

func TestCheckRiskZones(t *testing.T) {
	g := DefaultGeometry()
	in, name := g.CheckRiskZones(orb.Point{77.1000, 28.8600})
	assert.True(t, in)
	assert.Equal(t, "Narela Industrial Zone", name)

	in, name = g.CheckRiskZones(orb.Point{77.2090, 28.6139})
	assert.False(t, in)
	assert.Empty(t, name)
}

func TestEvaluateNarelaDaytime(t *testing.T) {
	p := New(nil, nil, bus.NewInProcBus(0))
	p.Now = func() time.Time { return time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC) }

	out := p.Evaluate("TRK-001", 28.86, 77.10, 12)
	assert.False(t, out.InSafeCorridor)
	assert.True(t, out.InHighRiskZone)
	assert.Equal(t, "Narela Industrial Zone", out.HighRiskZoneName)
	assert.Equal(t, 1.0, out.TimeMultiplier)
	// Narela sits about 17 km off the corridor, so the deviation term caps
	// at 0.6 and the zone entry adds 0.3.
	assert.Greater(t, out.DeviationKm, 10.0)
	assert.InDelta(t, 0.9, out.RouteRiskScore, 1e-9)
}

func TestEvaluateCorridorAtNight(t *testing.T) {
	p := New(nil, nil, bus.NewInProcBus(0))
	p.Now = func() time.Time { return time.Date(2026, 5, 10, 23, 0, 0, 0, time.UTC) }

	out := p.Evaluate("TRK-001", 28.6139, 77.2090, 23)
	assert.True(t, out.InSafeCorridor)
	assert.Equal(t, 0.0, out.DeviationKm)
	assert.Equal(t, 1.5, out.TimeMultiplier)
	assert.Equal(t, 0.0, out.RouteRiskScore)
	assert.Equal(t, domain.NowISO(p.Now()), out.Timestamp)
}

func TestLoadGeometry(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "geo.json")
	artifact := `{
		"safe_corridors": [{"name": "Test Corridor", "coordinates": [[77.0, 28.0], [77.1, 28.0], [77.1, 28.1], [77.0, 28.1]]}],
		"risk_zones": []
	}`
	require.NoError(t, os.WriteFile(good, []byte(artifact), 0o644))
	g, err := LoadGeometry(good)
	require.NoError(t, err)
	require.Len(t, g.SafeCorridors, 1)

	// The open ring was closed on load.
	ring := g.SafeCorridors[0].Polygon[0]
	assert.Equal(t, ring[0], ring[len(ring)-1])

	inSafe, _, name := g.CheckSafeCorridor(orb.Point{77.05, 28.05})
	assert.True(t, inSafe)
	assert.Equal(t, "Test Corridor", name)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"safe_corridors": [], "risk_zones": []}`), 0o644))
	_, err = LoadGeometry(empty)
	assert.Error(t, err)

	_, err = LoadGeometry(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
