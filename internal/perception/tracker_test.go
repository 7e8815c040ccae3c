package perception

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func det(x1, y1, x2, y2 int, conf float64) Detection {
	return Detection{BBox: [4]int{x1, y1, x2, y2}, Confidence: conf, ClassName: "person"}
}

func TestIoU(t *testing.T) {
	a := [4]int{0, 0, 10, 10}
	assert.Equal(t, 1.0, iou(a, a))
	assert.Equal(t, 0.0, iou(a, [4]int{20, 20, 30, 30}))

	// 50 px overlap over 150 px union.
	b := [4]int{5, 0, 15, 10}
	assert.InDelta(t, 50.0/150.0, iou(a, b), 1e-9)
}

func TestTrackerConfirmsAfterNInit(t *testing.T) {
	tr := NewTracker(30, 3)
	now := time.Now()

	confirmed := tr.Update([]Detection{det(0, 0, 10, 10, 0.9)}, now)
	assert.Empty(t, confirmed, "one hit must not confirm")

	confirmed = tr.Update([]Detection{det(1, 0, 11, 10, 0.9)}, now)
	assert.Empty(t, confirmed, "two hits must not confirm")

	confirmed = tr.Update([]Detection{det(2, 0, 12, 10, 0.9)}, now)
	require.Len(t, confirmed, 1)
	assert.Equal(t, 1, confirmed[0].id)
}

func TestTrackerIdentityPersists(t *testing.T) {
	tr := NewTracker(30, 1)
	now := time.Now()

	first := tr.Update([]Detection{det(0, 0, 10, 10, 0.9)}, now)
	require.Len(t, first, 1)
	id := first[0].id

	// Slight drift still matches on IoU.
	second := tr.Update([]Detection{det(2, 1, 12, 11, 0.9)}, now)
	require.Len(t, second, 1)
	assert.Equal(t, id, second[0].id)
}

func TestTrackerAgesOut(t *testing.T) {
	tr := NewTracker(2, 1)
	now := time.Now()

	require.Len(t, tr.Update([]Detection{det(0, 0, 10, 10, 0.9)}, now), 1)
	for i := 0; i < 3; i++ {
		tr.Update(nil, now)
	}
	assert.Empty(t, tr.tracks, "track must drop after maxAge misses")

	// A re-appearing object gets a fresh id.
	again := tr.Update([]Detection{det(0, 0, 10, 10, 0.9)}, now)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].id)
}

func TestTrackerVelocity(t *testing.T) {
	tr := NewTracker(30, 1)
	now := time.Now()

	tr.Update([]Detection{det(0, 0, 10, 10, 0.9)}, now)
	tracks := tr.Update([]Detection{det(4, 2, 14, 12, 0.9)}, now)
	require.Len(t, tracks, 1)
	dx, dy := tracks[0].velocity()
	assert.InDelta(t, 4.0, dx, 1e-9)
	assert.InDelta(t, 2.0, dy, 1e-9)
}

func TestTrackerDistinctObjects(t *testing.T) {
	tr := NewTracker(30, 1)
	now := time.Now()

	tracks := tr.Update([]Detection{
		det(0, 0, 10, 10, 0.9),
		det(100, 100, 120, 120, 0.8),
	}, now)
	require.Len(t, tracks, 2)
	assert.NotEqual(t, tracks[0].id, tracks[1].id)
}
