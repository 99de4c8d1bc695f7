// Package structures - per-image instance records exchanged between the
// region-proposal stage and the mask head.
package structures

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/seg-lab/go-maskhead/images"
)

// Instances holds the per-instance annotations and predictions of a single
// image. All slices are index-aligned: row i refers to the same instance in
// every field, and in the corresponding rows of the batch logits tensor.
//
// During training the ground-truth fields are populated; during inference
// PredClasses drives mask selection and PredMasks receives the output.
type Instances struct {
	// ProposalBoxes are the regions whose features produced each prediction row.
	ProposalBoxes []images.Rect

	// GTBoxes are the matched ground-truth boxes. Several rows may carry an
	// identical box when multiple proposals were assigned to one object.
	GTBoxes []images.Rect
	// GTClasses are the matched ground-truth class indices.
	GTClasses []int
	// GTPolygons are the ground-truth silhouettes. A nil entry falls back to
	// the corresponding GTBitmaps entry.
	GTPolygons []images.Polygon
	// GTBitmaps are full-image occupancy grids, used when no polygon exists.
	GTBitmaps []images.BitMask

	// PredClasses are the predicted class indices (inference only).
	PredClasses []int
	// PredMasks is the attached [n, 1, S, S] soft-mask tensor (inference only).
	PredMasks *tensor.Dense
}

// Len returns the number of instances in the image.
func (in *Instances) Len() int { return len(in.ProposalBoxes) }

// HasGT reports whether ground-truth annotations are populated.
func (in *Instances) HasGT() bool { return len(in.GTBoxes) > 0 }

// Validate checks the index-alignment invariant: every populated per-instance
// field must have exactly Len() rows. A violated precondition is fatal for
// the current forward pass, so callers should not attempt recovery.
//
// Returns:
//   - error: A description of the first misaligned field, or nil.
func (in *Instances) Validate() error {
	n := in.Len()
	check := func(name string, got int) error {
		if got != 0 && got != n {
			return errors.Errorf("instances: %s has %d rows, want %d", name, got, n)
		}
		return nil
	}
	if err := check("gt_boxes", len(in.GTBoxes)); err != nil {
		return err
	}
	if err := check("gt_classes", len(in.GTClasses)); err != nil {
		return err
	}
	if err := check("gt_polygons", len(in.GTPolygons)); err != nil {
		return err
	}
	if err := check("gt_bitmaps", len(in.GTBitmaps)); err != nil {
		return err
	}
	if err := check("pred_classes", len(in.PredClasses)); err != nil {
		return err
	}
	return nil
}

// CropGTMasks rasterizes every ground-truth shape against its instance's
// proposal box at the given grid resolution, producing the binary training
// targets. Polygons are rasterized directly; bitmap ground truth is cropped
// and resampled.
//
// Arguments:
//   - side: The mask grid side length.
//
// Returns:
//   - []images.BitMask: One side x side target per instance.
//   - error: An error when an instance carries no usable ground-truth shape.
func (in *Instances) CropGTMasks(side int) ([]images.BitMask, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	out := make([]images.BitMask, in.Len())
	for i := 0; i < in.Len(); i++ {
		m, err := in.cropGTMask(i, in.ProposalBoxes[i], side)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// cropGTMask rasterizes instance i's ground-truth shape against an arbitrary
// box. The penalty builder reuses this to view one object through every
// proposal box in the image.
func (in *Instances) cropGTMask(i int, box images.Rect, side int) (images.BitMask, error) {
	if i < len(in.GTPolygons) && in.GTPolygons[i].Valid() {
		m, err := images.RasterizeToBox(in.GTPolygons[i], box, side)
		return m, errors.Wrapf(err, "instance %d", i)
	}
	if i < len(in.GTBitmaps) && len(in.GTBitmaps[i].Data) > 0 {
		m, err := in.GTBitmaps[i].CropResize(box, side)
		return m, errors.Wrapf(err, "instance %d", i)
	}
	return images.BitMask{}, errors.Errorf("instance %d: no ground-truth mask", i)
}

// CropShapeToBox rasterizes instance i's ground-truth shape against the given
// box, exposing the auxiliary view used for overlap detection.
func (in *Instances) CropShapeToBox(i int, box images.Rect, side int) (images.BitMask, error) {
	return in.cropGTMask(i, box, side)
}

// TotalInstances sums instance counts across a batch of images.
func TotalInstances(batch []*Instances) int {
	total := 0
	for _, in := range batch {
		total += in.Len()
	}
	return total
}
