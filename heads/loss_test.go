package heads

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/seg-lab/go-maskhead/events"
	"github.com/seg-lab/go-maskhead/heads/penalty"
	"github.com/seg-lab/go-maskhead/images"
	"github.com/seg-lab/go-maskhead/structures"
)

func zeroLogits(n, c, side int) *tensor.Dense {
	return tensor.New(
		tensor.WithShape(n, c, side, side),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(make([]float32, n*c*side*side)),
	)
}

func fullBoxImage(box images.Rect) *structures.Instances {
	return &structures.Instances{
		ProposalBoxes: []images.Rect{box},
		GTBoxes:       []images.Rect{box},
		GTClasses:     []int{0},
		GTPolygons: []images.Polygon{{
			box.X1, box.Y1,
			box.X2, box.Y1,
			box.X2, box.Y2,
			box.X1, box.Y2,
		}},
	}
}

func testHead() *BaseHead {
	return &BaseHead{cfg: Config{Penalty: penalty.DefaultConfig()}}
}

// TestBCEWithLogits pins the stable elementwise cross-entropy at its
// reference values.
func TestBCEWithLogits(t *testing.T) {
	assert.InDelta(t, math.Ln2, bceWithLogits(0, 1), 1e-6, "zero logit against foreground is ln(2)")
	assert.InDelta(t, math.Ln2, bceWithLogits(0, 0), 1e-6, "zero logit against background is ln(2)")
	assert.InDelta(t, 0, bceWithLogits(20, 1), 1e-6, "confident correct foreground costs nothing")
	assert.InDelta(t, 20, bceWithLogits(20, 0), 1e-4, "confident wrong foreground costs the logit")
}

// TestCombineUncertaintyPermutation checks the combination is invariant to
// reordering the (term, log-variance) pairs.
func TestCombineUncertaintyPermutation(t *testing.T) {
	terms := [3][]float32{
		{0.5, 1.0, 0.25},
		{2.0, 0.0, 0.75},
		{0.1, 0.9, 1.5},
	}
	v := [3]float32{0.3, -0.2, 0.7}

	base := combineUncertainty(terms, v)

	permuted := combineUncertainty(
		[3][]float32{terms[2], terms[0], terms[1]},
		[3]float32{v[2], v[0], v[1]},
	)
	assert.InDelta(t, base, permuted, 1e-6, "the combined loss is a sum, order must not matter")
}

// TestCombineUncertaintyRegularizer checks the +v term: with zero losses the
// combination reduces to the sum of the log variances.
func TestCombineUncertaintyRegularizer(t *testing.T) {
	terms := [3][]float32{{0, 0}, {0, 0}, {0, 0}}
	v := [3]float32{0.5, 1.0, 1.5}
	assert.InDelta(t, 3.0, combineUncertainty(terms, v), 1e-6, "zero losses leave only the regularizers")
}

// TestGatherChannels checks the per-row class-channel selection.
func TestGatherChannels(t *testing.T) {
	// Two rows, three channels of 2x2, each channel filled with a marker.
	data := make([]float32, 2*3*4)
	for row := 0; row < 2; row++ {
		for c := 0; c < 3; c++ {
			for e := 0; e < 4; e++ {
				data[(row*3+c)*4+e] = float32(10*row + c)
			}
		}
	}
	logits := tensor.New(tensor.WithShape(2, 3, 2, 2), tensor.Of(tensor.Float32), tensor.WithBacking(data))

	sel, err := gatherChannels(logits, []int{2, 0}, false)
	require.NoError(t, err, "gather should succeed")
	assert.Equal(t, float32(2), sel[0], "row 0 picks channel 2")
	assert.Equal(t, float32(10), sel[4], "row 1 picks channel 0")

	_, err = gatherChannels(logits, []int{3, 0}, false)
	assert.Error(t, err, "out-of-range classes must be rejected")
}

// TestMaskLossEmptyBatch checks the degenerate case: zero foreground
// instances yield exactly zero loss without an error.
func TestMaskLossEmptyBatch(t *testing.T) {
	h := testHead()
	loss, err := h.maskLoss(zeroLogits(1, 1, 4), []*structures.Instances{{}})
	require.NoError(t, err, "an empty batch is not an error")
	assert.Equal(t, float32(0), loss, "empty batch yields zero loss")
}

// TestMaskLossShapePreconditions checks that malformed logits fail fast.
func TestMaskLossShapePreconditions(t *testing.T) {
	h := testHead()
	box := images.Rect{X1: 0, Y1: 0, X2: 16, Y2: 16}
	batch := []*structures.Instances{fullBoxImage(box)}

	nonSquare := tensor.New(
		tensor.WithShape(1, 1, 4, 8),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(make([]float32, 32)),
	)
	_, err := h.maskLoss(nonSquare, batch)
	require.Error(t, err, "non-square masks must be rejected")
	assert.Contains(t, err.Error(), "square", "error should name the violation")

	_, err = h.maskLoss(zeroLogits(3, 1, 4), batch)
	assert.Error(t, err, "row-count mismatch must be rejected")

	f64 := tensor.New(
		tensor.WithShape(1, 1, 4, 4),
		tensor.Of(tensor.Float64),
		tensor.WithBacking(make([]float64, 16)),
	)
	_, err = h.maskLoss(f64, batch)
	require.Error(t, err, "non-float32 logits must be rejected")
	assert.Contains(t, err.Error(), "float32", "error should name the dtype")
}

// TestMaskLossEndToEnd reproduces the hand-computed scenario: one instance,
// all-true 4x4 ground truth, zero logits, zero log variances. Every pixel's
// BCE is ln(2); the 12 boundary-ring pixels contribute only the ROI and
// overlap terms, the 4 interior pixels all three.
func TestMaskLossEndToEnd(t *testing.T) {
	h := testHead()
	box := images.Rect{X1: 0, Y1: 0, X2: 16, Y2: 16}
	batch := []*structures.Instances{fullBoxImage(box)}

	loss, err := h.maskLoss(zeroLogits(1, 1, 4), batch)
	require.NoError(t, err, "loss should compute")

	expected := math.Ln2 * (12*2 + 4*3) / 16.0
	assert.InDelta(t, expected, float64(loss), 1e-5, "loss should match the hand-computed weighted mean")
}

// TestMaskLossPublishesMetrics checks the threshold metrics and the
// periodic visualization gating.
func TestMaskLossPublishesMetrics(t *testing.T) {
	storage := events.NewStorage()
	h := testHead()
	h.cfg.VisPeriod = 2
	h.events = storage

	box := images.Rect{X1: 0, Y1: 0, X2: 16, Y2: 16}
	batch := []*structures.Instances{fullBoxImage(box)}

	// Step 1: not a multiple of the period, scalars only.
	storage.SetStep(1)
	_, err := h.maskLoss(zeroLogits(1, 1, 4), batch)
	require.NoError(t, err, "loss should compute")
	assert.Empty(t, storage.Images(), "no visualization off-period")

	// Zero logits against an all-true mask: every pixel predicted background.
	acc, ok := storage.LatestScalar("mask_head/accuracy")
	require.True(t, ok, "accuracy was published")
	assert.InDelta(t, 0.0, acc, 1e-9, "all 16 pixels are wrong")
	fn, ok := storage.LatestScalar("mask_head/false_negative")
	require.True(t, ok, "false-negative rate was published")
	assert.InDelta(t, 1.0, fn, 1e-9, "every positive pixel was missed")
	fp, ok := storage.LatestScalar("mask_head/false_positive")
	require.True(t, ok, "false-positive rate was published")
	assert.InDelta(t, 0.0, fp, 1e-9, "no negatives exist, denominator clamps to 1")

	// Step 2: on-period, one image per instance row.
	storage.SetStep(2)
	_, err = h.maskLoss(zeroLogits(1, 1, 4), batch)
	require.NoError(t, err, "loss should compute")
	assert.Len(t, storage.Images(), 1, "one visualization per instance on-period")
}

// TestMaskLossLogVarShift checks the uncertainty weighting reacts to the
// learned scalars: raising a log variance damps its term but pays the
// regularizer.
func TestMaskLossLogVarShift(t *testing.T) {
	box := images.Rect{X1: 0, Y1: 0, X2: 16, Y2: 16}
	batch := []*structures.Instances{fullBoxImage(box)}

	base := testHead()
	baseLoss, err := base.maskLoss(zeroLogits(1, 1, 4), batch)
	require.NoError(t, err, "loss should compute")

	shifted := testHead()
	shifted.logVars.ROI = 5
	shiftedLoss, err := shifted.maskLoss(zeroLogits(1, 1, 4), batch)
	require.NoError(t, err, "loss should compute")

	// exp(-5) shrinks the ROI term by ~0.69 per pixel while +5 adds 5.
	assert.Greater(t, shiftedLoss, baseLoss, "the regularizer dominates a damped cheap term")
}
