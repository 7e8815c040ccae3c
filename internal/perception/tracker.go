package perception

import (
	"sort"
	"time"
)

const (
	historyLen    = 10 // centroids kept per track
	defaultMaxAge = 30 // frames a track survives without a match
	defaultNInit  = 3  // consecutive hits before a track is confirmed
)

type centroid struct {
	x, y float64
}

type trackState struct {
	id         int
	bbox       [4]int
	className  string
	confidence float64
	history    []centroid // ring of the last historyLen centroids
	firstSeen  time.Time
	hits       int
	missed     int
	confirmed  bool
}

// Tracker assigns persistent integer ids to detections across frames using
// greedy IoU matching. Tracks older than maxAge frames without a match are
// dropped; tracks become confirmed after nInit consecutive hits.
type Tracker struct {
	maxAge int
	nInit  int
	nextID int
	tracks []*trackState
}

// NewTracker creates a tracker. Non-positive arguments select the defaults
// (max age 30, confirm after 3).
func NewTracker(maxAge, nInit int) *Tracker {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	if nInit <= 0 {
		nInit = defaultNInit
	}
	return &Tracker{maxAge: maxAge, nInit: nInit, nextID: 1}
}

func iou(a, b [4]int) float64 {
	ix1, iy1 := max(a[0], b[0]), max(a[1], b[1])
	ix2, iy2 := min(a[2], b[2]), min(a[3], b[3])
	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := float64(iw * ih)
	areaA := float64((a[2] - a[0]) * (a[3] - a[1]))
	areaB := float64((b[2] - b[0]) * (b[3] - b[1]))
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func boxCentroid(b [4]int) centroid {
	return centroid{x: float64(b[0]+b[2]) / 2, y: float64(b[1]+b[3]) / 2}
}

// Update matches detections to existing tracks and returns the confirmed
// track states after this frame.
func (t *Tracker) Update(dets []Detection, now time.Time) []*trackState {
	type pair struct {
		trackIdx int
		detIdx   int
		score    float64
	}
	var pairs []pair
	for ti, tr := range t.tracks {
		for di, d := range dets {
			if s := iou(tr.bbox, d.BBox); s > 0.1 {
				pairs = append(pairs, pair{ti, di, s})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score > pairs[j].score })

	matchedTrack := make(map[int]bool)
	matchedDet := make(map[int]bool)
	for _, p := range pairs {
		if matchedTrack[p.trackIdx] || matchedDet[p.detIdx] {
			continue
		}
		matchedTrack[p.trackIdx] = true
		matchedDet[p.detIdx] = true
		tr := t.tracks[p.trackIdx]
		d := dets[p.detIdx]
		tr.bbox = d.BBox
		tr.className = d.ClassName
		tr.confidence = d.Confidence
		tr.hits++
		tr.missed = 0
		if tr.hits >= t.nInit {
			tr.confirmed = true
		}
		tr.history = append(tr.history, boxCentroid(d.BBox))
		if len(tr.history) > historyLen {
			tr.history = tr.history[len(tr.history)-historyLen:]
		}
	}

	// Age out unmatched tracks.
	kept := t.tracks[:0]
	for ti, tr := range t.tracks {
		if !matchedTrack[ti] {
			tr.missed++
			tr.hits = 0
		}
		if tr.missed <= t.maxAge {
			kept = append(kept, tr)
		}
	}
	t.tracks = kept

	// Spawn tracks for unmatched detections.
	for di, d := range dets {
		if matchedDet[di] {
			continue
		}
		tr := &trackState{
			id:         t.nextID,
			bbox:       d.BBox,
			className:  d.ClassName,
			confidence: d.Confidence,
			history:    []centroid{boxCentroid(d.BBox)},
			firstSeen:  now,
			hits:       1,
		}
		if t.nInit <= 1 {
			tr.confirmed = true
		}
		t.nextID++
		t.tracks = append(t.tracks, tr)
	}

	var confirmed []*trackState
	for _, tr := range t.tracks {
		if tr.confirmed {
			confirmed = append(confirmed, tr)
		}
	}
	return confirmed
}

func (tr *trackState) velocity() (float64, float64) {
	n := len(tr.history)
	if n < 2 {
		return 0, 0
	}
	return tr.history[n-1].x - tr.history[n-2].x, tr.history[n-1].y - tr.history[n-2].y
}
