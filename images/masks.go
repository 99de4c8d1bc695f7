package images

import (
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Polygon is a flat list of (x, y) vertex pairs in absolute image
// coordinates, describing the silhouette of one object.
type Polygon []float32

// Valid reports whether the polygon has at least three complete vertices.
func (p Polygon) Valid() bool { return len(p) >= 6 && len(p)%2 == 0 }

// BitMask is a row-major occupancy grid. Values are in [0, 1]; anything
// above 0.5 counts as foreground when a hard decision is needed.
type BitMask struct {
	W, H int
	Data []float32
}

// NewBitMask allocates a zeroed w x h grid.
func NewBitMask(w, h int) BitMask {
	return BitMask{W: w, H: h, Data: make([]float32, w*h)}
}

// At returns the value at (x, y). No bounds checking.
func (m BitMask) At(x, y int) float32 { return m.Data[y*m.W+x] }

// Set writes the value at (x, y). No bounds checking.
func (m BitMask) Set(x, y int, v float32) { m.Data[y*m.W+x] = v }

// Key returns a stable identity string built from every vertex coordinate.
// Duplicated ground-truth objects carry coordinate-identical polygons, so the
// full vertex list is the identity; distinct adjacent objects stay distinct
// even when their silhouettes start at the same point.
func (p Polygon) Key() string {
	var sb strings.Builder
	for i, v := range p {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	return sb.String()
}

// RasterizeToBox crops the polygon to the given box and rasterizes it onto a
// fixed side x side grid. Vertices are shifted into box-local coordinates,
// scaled to the grid resolution and filled with gocv.FillPoly, so the output
// is the occupancy of the shape as seen through the box.
//
// This loses some precision at the grid resolution, the same way the
// integral-rectangle conversion does for box overlap estimates, which is
// acceptable for training targets.
//
// Arguments:
//   - p: The polygon in absolute image coordinates.
//   - box: The region to crop against, typically a proposal box.
//   - side: The output grid side length.
//
// Returns:
//   - BitMask: A side x side occupancy grid with values in {0, 1}.
//   - error: An error for invalid polygons, degenerate boxes or side <= 0.
func RasterizeToBox(p Polygon, box Rect, side int) (BitMask, error) {
	if side <= 0 {
		return BitMask{}, errors.Errorf("rasterize: non-positive side %d", side)
	}
	if !p.Valid() {
		return BitMask{}, errors.Errorf("rasterize: polygon needs >= 3 vertices, got %d coordinates", len(p))
	}
	w := box.Width()
	h := box.Height()
	if w <= 0 || h <= 0 {
		return BitMask{}, errors.Errorf("rasterize: degenerate box %+v", box)
	}

	sx := float32(side) / w
	sy := float32(side) / h

	pts := make([]image.Point, 0, len(p)/2)
	for i := 0; i+1 < len(p); i += 2 {
		x := int((p[i] - box.X1) * sx)
		y := int((p[i+1] - box.Y1) * sy)
		pts = append(pts, image.Pt(clampInt(x, 0, side-1), clampInt(y, 0, side-1)))
	}

	mat := gocv.NewMatWithSize(side, side, gocv.MatTypeCV8U)
	defer mat.Close()

	pv := gocv.NewPointsVector()
	defer pv.Close()
	// Append copies the points into pv, and pv.Close frees only the outer
	// vector, so the inner vector needs its own Close.
	inner := gocv.NewPointVectorFromPoints(pts)
	defer inner.Close()
	pv.Append(inner)
	gocv.FillPoly(&mat, pv, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	out := NewBitMask(side, side)
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			if mat.GetUCharAt(y, x) > 0 {
				out.Set(x, y, 1)
			}
		}
	}
	return out, nil
}

// CropResize crops the bitmap to the given box and resamples the result to a
// fixed side x side grid. This is the fallback target path for ground truth
// stored as full-image bitmaps rather than polygons.
//
// Arguments:
//   - box: The region to crop, clipped to the mask bounds.
//   - side: The output grid side length.
//
// Returns:
//   - BitMask: A side x side grid with values in [0, 1].
//   - error: An error when the clipped crop region is empty.
func (m BitMask) CropResize(box Rect, side int) (BitMask, error) {
	if side <= 0 {
		return BitMask{}, errors.Errorf("crop-resize: non-positive side %d", side)
	}
	x1 := clampInt(int(box.X1), 0, m.W)
	y1 := clampInt(int(box.Y1), 0, m.H)
	x2 := clampInt(int(box.X2+0.5), 0, m.W)
	y2 := clampInt(int(box.Y2+0.5), 0, m.H)
	if x2 <= x1 || y2 <= y1 {
		return BitMask{}, errors.Errorf("crop-resize: empty crop for box %+v on %dx%d mask", box, m.W, m.H)
	}

	crop := image.NewGray(image.Rect(0, 0, x2-x1, y2-y1))
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			if m.At(x, y) > 0.5 {
				crop.SetGray(x-x1, y-y1, color.Gray{Y: 255})
			}
		}
	}

	scaled := resize.Resize(uint(side), uint(side), crop, resize.Bilinear)

	out := NewBitMask(side, side)
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			g, _, _, _ := scaled.At(x, y).RGBA()
			out.Set(x, y, float32(g>>8)/255.0)
		}
	}
	return out, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
