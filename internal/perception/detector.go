// Package perception turns raw camera frames into tracked objects and
// scene tags. The CV detector itself is an external collaborator behind the
// Detector interface; a luminance heuristic stands in when none is wired.
package perception

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// Classes retained for security tracking. Anything else the detector
// reports is discarded.
var trackedClasses = map[string]bool{
	"person":     true,
	"car":        true,
	"truck":      true,
	"bus":        true,
	"motorcycle": true,
}

// Detection is one raw detector hit before tracking.
type Detection struct {
	BBox       [4]int // x1, y1, x2, y2
	Confidence float64
	ClassName  string
}

// Detector is the CV collaborator contract: decode nothing, just report
// (bbox, confidence, class) triples for a decoded frame.
type Detector interface {
	Detect(img image.Image) ([]Detection, error)
}

// DecodeFrame decodes JPEG/PNG bytes into an image. A decode failure yields
// (nil, false): the processor emits an empty track list, not an error.
func DecodeFrame(frameBytes []byte) (image.Image, bool) {
	img, _, err := image.Decode(bytes.NewReader(frameBytes))
	if err != nil {
		return nil, false
	}
	return img, true
}

// LumaDetector is the built-in fallback detector. It splits the frame into
// a coarse grid and reports a "person" detection for each cell whose mean
// luminance stands out from the frame mean. Good enough to drive the demo
// pipeline; production deployments wire a real detector.
type LumaDetector struct {
	// GridCols/GridRows control cell size; zero selects 8x6.
	GridCols int
	GridRows int
	// Contrast is the minimum |cell - frame| luminance gap (0..255 scale).
	Contrast float64
}

func (d *LumaDetector) grid() (int, int) {
	cols, rows := d.GridCols, d.GridRows
	if cols <= 0 {
		cols = 8
	}
	if rows <= 0 {
		rows = 6
	}
	return cols, rows
}

// Detect implements Detector.
func (d *LumaDetector) Detect(img image.Image) ([]Detection, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, nil
	}
	cols, rows := d.grid()
	contrast := d.Contrast
	if contrast <= 0 {
		contrast = 60
	}

	cellW, cellH := w/cols, h/rows
	if cellW == 0 || cellH == 0 {
		return nil, nil
	}

	cellLuma := make([]float64, cols*rows)
	var frameLuma float64
	for cy := 0; cy < rows; cy++ {
		for cx := 0; cx < cols; cx++ {
			var sum float64
			var n int
			for y := cy * cellH; y < (cy+1)*cellH; y += 4 {
				for x := cx * cellW; x < (cx+1)*cellW; x += 4 {
					r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
					sum += 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
					n++
				}
			}
			if n > 0 {
				cellLuma[cy*cols+cx] = sum / float64(n)
			}
			frameLuma += cellLuma[cy*cols+cx]
		}
	}
	frameLuma /= float64(cols * rows)

	var dets []Detection
	for cy := 0; cy < rows; cy++ {
		for cx := 0; cx < cols; cx++ {
			gap := cellLuma[cy*cols+cx] - frameLuma
			if gap < 0 {
				gap = -gap
			}
			if gap < contrast {
				continue
			}
			conf := gap / 255
			if conf > 0.95 {
				conf = 0.95
			}
			dets = append(dets, Detection{
				BBox:       [4]int{cx * cellW, cy * cellH, (cx + 1) * cellW, (cy + 1) * cellH},
				Confidence: conf,
				ClassName:  "person",
			})
		}
	}
	return dets, nil
}
