package events

import (
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"

	"github.com/seg-lab/go-maskhead/images"
)

// visScale upsamples the tiny mask grids so the published image is legible.
const visScale = 4

// SideBySide composes a predicted soft mask and its ground truth into one
// grayscale image, prediction on the left, ground truth on the right, both
// upscaled with nearest-neighbor so grid cells stay sharp.
//
// Arguments:
//   - pred: The predicted probability grid, values in [0, 1].
//   - gt: The ground-truth occupancy grid of the same size.
//
// Returns:
//   - *image.Gray: The composed visualization.
func SideBySide(pred, gt images.BitMask) *image.Gray {
	w := pred.W
	h := pred.H

	raw := image.NewGray(image.Rect(0, 0, 2*w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			raw.SetGray(x, y, color.Gray{Y: uint8(clamp01(pred.At(x, y)) * 255)})
			raw.SetGray(w+x, y, color.Gray{Y: uint8(clamp01(gt.At(x, y)) * 255)})
		}
	}

	out := image.NewGray(image.Rect(0, 0, 2*w*visScale, h*visScale))
	xdraw.NearestNeighbor.Scale(out, out.Bounds(), raw, raw.Bounds(), xdraw.Src, nil)
	return out
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
