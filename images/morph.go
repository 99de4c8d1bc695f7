package images

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// BoundaryBand extracts the contour band of a binary mask: the exclusive-or
// of its 3x3 dilation and 3x3 erosion. Pixels on the band approximate the
// silhouette outline, where ground-truth labels are least reliable.
//
// The mask is zero-padded by one pixel before the morphology so that shapes
// touching the grid edge still produce a band there; OpenCV's default border
// handling would otherwise leave edge-touching shapes unshrunk.
//
// Arguments:
//   - m: The input occupancy grid; values above 0.5 are foreground.
//
// Returns:
//   - BitMask: A grid of the same size with 1 on band pixels, 0 elsewhere.
//   - error: An error for empty masks.
func BoundaryBand(m BitMask) (BitMask, error) {
	if m.W <= 0 || m.H <= 0 {
		return BitMask{}, errors.Errorf("boundary band: empty %dx%d mask", m.W, m.H)
	}

	padded := gocv.NewMatWithSize(m.H+2, m.W+2, gocv.MatTypeCV8U)
	defer padded.Close()
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if m.At(x, y) > 0.5 {
				padded.SetUCharAt(y+1, x+1, 255)
			}
		}
	}

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()

	dilated := gocv.NewMat()
	defer dilated.Close()
	eroded := gocv.NewMat()
	defer eroded.Close()
	band := gocv.NewMat()
	defer band.Close()

	gocv.Dilate(padded, &dilated, kernel)
	gocv.Erode(padded, &eroded, kernel)
	gocv.BitwiseXor(dilated, eroded, &band)

	out := NewBitMask(m.W, m.H)
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if band.GetUCharAt(y+1, x+1) > 0 {
				out.Set(x, y, 1)
			}
		}
	}
	return out, nil
}
