// Package images - box geometry and mask rasterization utilities for
// region-based instance segmentation.
package images

// Rect is a lightweight axis-aligned bounding box in (x1, y1, x2, y2) form.
// Coordinates are continuous image coordinates; X2/Y2 are exclusive.
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// Width returns the horizontal extent of the box.
func (r Rect) Width() float32 { return r.X2 - r.X1 }

// Height returns the vertical extent of the box.
func (r Rect) Height() float32 { return r.Y2 - r.Y1 }

// Area returns the signed area of the box. Degenerate boxes yield zero or
// negative values, which IoU treats as empty.
func (r Rect) Area() float32 { return r.Width() * r.Height() }

// CalculateIoU computes the Intersection over Union of two boxes.
//
// IoU = Area of Intersection / Area of Union, a value in [0, 1]:
//
//   - 1.0 means the boxes are identical.
//   - 0.0 means the boxes do not overlap at all.
//
// The intersection rectangle is found by taking the maximum of the starting
// coordinates and the minimum of the ending coordinates. If either extent is
// zero or negative, the boxes do not overlap and 0 is returned immediately,
// which also guards the division below. Boxes with non-positive area are
// treated as empty for the same reason.
//
// Arguments:
//   - r: The first box.
//   - o: The other box to compare against.
//
// Returns:
//   - float32: The IoU score in [0, 1].
func CalculateIoU(r, o Rect) float32 {
	if r.Area() <= 0 || o.Area() <= 0 {
		return 0.0
	}

	ix1 := max(r.X1, o.X1)
	iy1 := max(r.Y1, o.Y1)
	ix2 := min(r.X2, o.X2)
	iy2 := min(r.Y2, o.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0.0
	}
	interArea := interW * interH

	// Inclusion-exclusion: Union(A, B) = Area(A) + Area(B) - Intersection(A, B).
	unionArea := r.Area() + o.Area() - interArea

	return interArea / unionArea
}
