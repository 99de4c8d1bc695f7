package heads

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/seg-lab/go-maskhead/structures"
)

// Inference converts mask logits to per-instance foreground probability
// masks. Class-agnostic heads sigmoid their single channel; class-specific
// heads first gather, per row, the channel of the instance's predicted
// class. Each image's records receive a [n, 1, S, S] soft-mask tensor.
//
// Masks stay at network resolution and unthresholded; resizing to the
// original image and binarization belong to the post-processing stage.
//
// Arguments:
//   - logits: [N, C, S, S] or [N, 1, S, S] mask logits, N = total predicted
//     instances across the batch.
//   - batch: Per-image instance records; class-specific heads require
//     populated PredClasses.
//
// Returns:
//   - error: A shape or class-index precondition violation.
func Inference(logits *tensor.Dense, batch []*structures.Instances) error {
	shape := logits.Shape()
	if len(shape) != 4 {
		return errors.Errorf("inference: logits must be 4D, got shape %v", shape)
	}
	if shape[2] != shape[3] {
		return errors.Errorf("inference: mask prediction must be square, got %dx%d", shape[2], shape[3])
	}
	numChannels := shape[1]
	side := shape[2]
	area := side * side
	clsAgnostic := numChannels == 1

	if total := structures.TotalInstances(batch); total != shape[0] {
		return errors.Errorf("inference: %d logit rows but %d predicted instances", shape[0], total)
	}

	raw, ok := logits.Data().([]float32)
	if !ok {
		return errors.Errorf("inference: logits must be float32, got %v", logits.Dtype())
	}
	row := 0
	for imgIdx, inst := range batch {
		n := inst.Len()
		if n == 0 {
			inst.PredMasks = nil
			continue
		}
		if !clsAgnostic && len(inst.PredClasses) != n {
			return errors.Errorf("inference: image %d has %d pred classes, want %d", imgIdx, len(inst.PredClasses), n)
		}

		probs := make([]float32, n*area)
		for i := 0; i < n; i++ {
			c := 0
			if !clsAgnostic {
				c = inst.PredClasses[i]
				if c < 0 || c >= numChannels {
					return errors.Errorf("inference: image %d row %d class %d outside %d channels", imgIdx, i, c, numChannels)
				}
			}
			src := ((row+i)*numChannels + c) * area
			for e := 0; e < area; e++ {
				probs[i*area+e] = sigmoid(raw[src+e])
			}
		}
		inst.PredMasks = tensor.New(
			tensor.WithShape(n, 1, side, side),
			tensor.Of(tensor.Float32),
			tensor.WithBacking(probs),
		)
		row += n
	}
	return nil
}
