package heads

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/seg-lab/go-maskhead/events"
	"github.com/seg-lab/go-maskhead/heads/penalty"
	"github.com/seg-lab/go-maskhead/images"
	"github.com/seg-lab/go-maskhead/structures"
)

// LogVars are the three learned log-variance scalars of the multi-task
// uncertainty weighting, one per loss term. exp(-v) acts as the term's
// adaptive precision and the +v regularizer keeps it from diverging.
//
// The loss only reads them; the external optimizer updates them once per
// step together with the mask-prediction weights.
type LogVars struct {
	Boundary float32 `json:"boundary" yaml:"boundary"`
	ROI      float32 `json:"roi" yaml:"roi"`
	Overlap  float32 `json:"overlap" yaml:"overlap"`
}

// Values returns the scalars in term order.
func (lv *LogVars) Values() [3]float32 {
	return [3]float32{lv.Boundary, lv.ROI, lv.Overlap}
}

// maskLoss computes the penalty-weighted, uncertainty-combined mask loss for
// one training forward pass.
//
// Arguments:
//   - logits: [N, C, S, S] or [N, 1, S, S] mask logits, N instances across
//     the whole batch.
//   - batch: Per-image instance records with ground-truth annotations,
//     index-aligned with the logit rows.
//
// Returns:
//   - float32: The scalar loss; exactly 0 when the batch holds no
//     foreground instances.
//   - error: A fatal precondition violation or penalty-construction failure.
func (h *BaseHead) maskLoss(logits *tensor.Dense, batch []*structures.Instances) (float32, error) {
	shape := logits.Shape()
	if len(shape) != 4 {
		return 0, errors.Errorf("mask loss: logits must be 4D, got shape %v", shape)
	}
	if shape[2] != shape[3] {
		return 0, errors.Errorf("mask loss: mask prediction must be square, got %dx%d", shape[2], shape[3])
	}
	numChannels := shape[1]
	side := shape[2]
	clsAgnostic := numChannels == 1

	vols, err := penalty.Build(h.cfg.Penalty, batch, side)
	if err != nil {
		return 0, err
	}
	if vols.Len() == 0 {
		// Zero foreground instances: a zero loss, not an error.
		return 0, nil
	}
	if vols.Len() != shape[0] {
		return 0, errors.Errorf("mask loss: %d logit rows but %d ground-truth instances", shape[0], vols.Len())
	}

	// Select the logit channel of each row's ground-truth class, leaving one
	// [N, S, S] plane shared by all three loss terms.
	sel, err := gatherChannels(logits, vols.GTClasses, clsAgnostic)
	if err != nil {
		return 0, err
	}

	n := vols.Len()
	area := side * side
	gt := make([]float32, n*area)
	gtBool := make([]bool, n*area)
	for i, m := range vols.GTMasks {
		for e, v := range m.Data {
			gtBool[i*area+e] = v > 0.5
			if gtBool[i*area+e] {
				gt[i*area+e] = 1
			}
		}
	}

	h.publishMetrics(sel, gtBool, vols.GTMasks, side)

	boundaryW := vols.Boundary.Data().([]float32)
	roiW := vols.ROI.Data().([]float32)
	overlapW := vols.Overlap.Data().([]float32)

	terms := [3][]float32{
		make([]float32, n*area),
		make([]float32, n*area),
		make([]float32, n*area),
	}
	for i := 0; i < n; i++ {
		for e := 0; e < area; e++ {
			idx := i*area + e
			bce := bceWithLogits(sel[idx], gt[idx])
			terms[0][idx] = boundaryW[idx] * bce
			terms[1][idx] = roiW[i] * bce
			terms[2][idx] = overlapW[idx] * bce
		}
	}

	return combineUncertainty(terms, h.logVars.Values()), nil
}

// gatherChannels flattens [N, C, S, S] logits to [N, S, S] by picking each
// row's class channel, or channel 0 for class-agnostic heads.
func gatherChannels(logits *tensor.Dense, classes []int, clsAgnostic bool) ([]float32, error) {
	shape := logits.Shape()
	n, numChannels, side := shape[0], shape[1], shape[2]
	area := side * side
	raw, ok := logits.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("gather: logits must be float32, got %v", logits.Dtype())
	}

	out := make([]float32, n*area)
	for i := 0; i < n; i++ {
		c := 0
		if !clsAgnostic {
			if i >= len(classes) {
				return nil, errors.Errorf("gather: no class for logit row %d", i)
			}
			c = classes[i]
			if c < 0 || c >= numChannels {
				return nil, errors.Errorf("gather: row %d class %d outside %d channels", i, c, numChannels)
			}
		}
		src := (i*numChannels + c) * area
		copy(out[i*area:(i+1)*area], raw[src:src+area])
	}
	return out, nil
}

// bceWithLogits is the numerically stable elementwise binary cross-entropy:
// max(x, 0) - x*z + log(1 + exp(-|x|)).
func bceWithLogits(x, z float32) float32 {
	return math32.Max(x, 0) - x*z + math32.Log1p(math32.Exp(-math32.Abs(x)))
}

// combineUncertainty blends the three weighted loss terms with their learned
// log variances and mean-reduces to a scalar:
//
//	mean( exp(-v0)*L0 + v0 + exp(-v1)*L1 + v1 + exp(-v2)*L2 + v2 )
//
// The combination is a sum, so it is invariant to the order of the
// (term, log-variance) pairs.
func combineUncertainty(terms [3][]float32, v [3]float32) float32 {
	precisions := [3]float32{
		math32.Exp(-v[0]),
		math32.Exp(-v[1]),
		math32.Exp(-v[2]),
	}
	total := 0.0
	count := len(terms[0])
	for e := 0; e < count; e++ {
		elem := float32(0)
		for t := 0; t < 3; t++ {
			elem += precisions[t]*terms[t][e] + v[t]
		}
		total += float64(elem)
	}
	if count == 0 {
		return 0
	}
	return float32(total / float64(count))
}

// publishMetrics reports training accuracy at the 0.5 probability threshold
// (logit 0) plus false-positive and false-negative rates, and periodically a
// side-by-side image of predicted vs ground-truth masks. Rate denominators
// are clamped to 1 so empty classes report 0 instead of dividing by zero.
func (h *BaseHead) publishMetrics(sel []float32, gtBool []bool, gtMasks []images.BitMask, side int) {
	if h.events == nil {
		return
	}

	numIncorrect := 0
	numPositive := 0
	falsePositive := 0
	falseNegative := 0
	for idx, z := range gtBool {
		if z {
			numPositive++
		}
		incorrect := (sel[idx] > 0) != z
		if !incorrect {
			continue
		}
		numIncorrect++
		if z {
			falseNegative++
		} else {
			falsePositive++
		}
	}

	total := len(gtBool)
	accuracy := 1 - float64(numIncorrect)/math.Max(float64(total), 1)
	fpRate := float64(falsePositive) / math.Max(float64(total-numPositive), 1)
	fnRate := float64(falseNegative) / math.Max(float64(numPositive), 1)

	h.events.PutScalar("mask_head/accuracy", accuracy)
	h.events.PutScalar("mask_head/false_positive", fpRate)
	h.events.PutScalar("mask_head/false_negative", fnRate)
	h.events.PutScalar("mask_head/log_var_boundary", float64(h.logVars.Boundary))
	h.events.PutScalar("mask_head/log_var_roi", float64(h.logVars.ROI))
	h.events.PutScalar("mask_head/log_var_overlap", float64(h.logVars.Overlap))

	if h.cfg.VisPeriod <= 0 || h.events.Step()%h.cfg.VisPeriod != 0 {
		return
	}
	area := side * side
	for i, gtMask := range gtMasks {
		pred := images.NewBitMask(side, side)
		for e := 0; e < area; e++ {
			pred.Data[e] = sigmoid(sel[i*area+e])
		}
		name := fmt.Sprintf("Left: mask prediction;   Right: mask GT (%d)", i)
		h.events.PutImage(name, events.SideBySide(pred, gtMask))
	}
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}
