package perception

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/domain"
)

type stubDetector struct {
	dets []Detection
	err  error
}

func (s *stubDetector) Detect(image.Image) ([]Detection, error) { return s.dets, s.err }

func encodePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.Gray{Y: 128})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestProcessFrameFiltersByConfidenceAndClass(t *testing.T) {
	sd := &stubDetector{dets: []Detection{
		{BBox: [4]int{0, 0, 10, 10}, Confidence: 0.9, ClassName: "person"},
		{BBox: [4]int{20, 20, 30, 30}, Confidence: 0.2, ClassName: "person"},
		{BBox: [4]int{40, 40, 50, 50}, Confidence: 0.9, ClassName: "bicycle"},
	}}
	p := New(Config{ConfThreshold: 0.5, TrackerNInit: 1}, sd, bus.NewInProcBus(0))

	tracks := p.ProcessFrame(encodePNG(t))
	require.Len(t, tracks, 1)
	assert.Equal(t, "person", tracks[0].ClassName)
	assert.InDelta(t, 0.9, tracks[0].Confidence, 1e-9)
}

func TestProcessFrameUndecodable(t *testing.T) {
	p := New(Config{TrackerNInit: 1}, &stubDetector{}, bus.NewInProcBus(0))
	assert.Empty(t, p.ProcessFrame([]byte("not an image")))
}

func TestConfigDefaults(t *testing.T) {
	p := New(Config{}, &stubDetector{}, bus.NewInProcBus(0))
	assert.Equal(t, "TRK-001", p.cfg.TruckID)
	assert.InDelta(t, 0.4, p.cfg.ConfThreshold, 1e-9)

	p = New(Config{Accelerated: true}, &stubDetector{}, bus.NewInProcBus(0))
	assert.InDelta(t, 0.5, p.cfg.ConfThreshold, 1e-9)
}

func TestSceneTags(t *testing.T) {
	none := SceneTags(nil, 12)
	assert.Equal(t, []string{domain.TagNoDriverPresent}, none)

	night := SceneTags(nil, 23)
	assert.Contains(t, night, domain.TagNight)
	assert.Contains(t, night, domain.TagNoDriverPresent)

	loiter := SceneTags([]domain.Track{
		{ClassName: "person", DwellSeconds: 45},
	}, 12)
	assert.Contains(t, loiter, domain.TagLoiteringDetected)
	assert.NotContains(t, loiter, domain.TagNoDriverPresent)

	crowd := SceneTags([]domain.Track{
		{ClassName: "person", DwellSeconds: 1},
		{ClassName: "person", DwellSeconds: 1},
		{ClassName: "car", DwellSeconds: 1},
		{ClassName: "car", DwellSeconds: 1},
	}, 12)
	assert.Contains(t, crowd, domain.TagCrowdDetected)
}

func TestBuildOutputIncrementsFrameID(t *testing.T) {
	p := New(Config{TruckID: "TRK-009"}, &stubDetector{}, bus.NewInProcBus(0))
	fixed := time.Date(2026, 1, 2, 14, 0, 0, 0, time.UTC)
	p.Now = func() time.Time { return fixed }

	first := p.BuildOutput(nil)
	second := p.BuildOutput(nil)
	assert.Equal(t, "TRK-009", first.TruckID)
	assert.Equal(t, int64(0), first.FrameID)
	assert.Equal(t, int64(1), second.FrameID)
	assert.Equal(t, domain.NowISO(fixed), first.Timestamp)
}
