package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ConvUpsampleConfig sizes the gorgonia conv+upsample tower.
type ConvUpsampleConfig struct {
	// InputChannels is the channel count of the incoming region features.
	InputChannels int
	// ConvDims is the width of the 3x3 conv layers.
	ConvDims int
	// NumConv is the number of 3x3 conv layers before the upsample.
	NumConv int
	// MaskChannels is the number of predicted logit channels: the class
	// count, or 1 for class-agnostic heads.
	MaskChannels int
	// Seed fixes the weight initialization; 0 leaves the default source.
	Seed int64
}

// GorgoniaConvUpsample is a conv tower built as a gorgonia expression graph:
// NumConv x (3x3 conv, stride 1, pad 1, ReLU), a 2x nearest upsample, and a
// 1x1 predictor conv producing the mask logits.
//
// Weights live as dense tensors across calls; the graph itself is rebuilt
// per forward pass because the batch dimension varies between calls.
type GorgoniaConvUpsample struct {
	cfg   ConvUpsampleConfig
	convW []*tensor.Dense
	predW *tensor.Dense
}

// NewGorgoniaConvUpsample allocates and initializes the tower's weights:
// He initialization for the conv layers and a narrow normal (std 0.001) for
// the predictor, the usual recipe for mask predictors.
//
// Arguments:
//   - cfg: The tower dimensions.
//
// Returns:
//   - *GorgoniaConvUpsample: The ready backend.
//   - error: An error for non-positive dimensions.
func NewGorgoniaConvUpsample(cfg ConvUpsampleConfig) (*GorgoniaConvUpsample, error) {
	if cfg.InputChannels <= 0 || cfg.ConvDims <= 0 || cfg.MaskChannels <= 0 {
		return nil, errors.Errorf("conv upsample: non-positive dimensions %+v", cfg)
	}
	if cfg.NumConv < 0 {
		return nil, errors.Errorf("conv upsample: negative conv count %d", cfg.NumConv)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	l := &GorgoniaConvUpsample{cfg: cfg}
	in := cfg.InputChannels
	for k := 0; k < cfg.NumConv; k++ {
		l.convW = append(l.convW, normalDense(rng, []int{cfg.ConvDims, in, 3, 3}, heStd(in*9)))
		in = cfg.ConvDims
	}
	l.predW = normalDense(rng, []int{cfg.MaskChannels, in, 1, 1}, 0.001)
	return l, nil
}

// Forward runs the tower on a [N, C_in, H, W] feature tensor, returning
// [N, MaskChannels, 2H, 2W] logits.
func (l *GorgoniaConvUpsample) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("conv upsample: input must be 4D, got shape %v", shape)
	}
	if shape[1] != l.cfg.InputChannels {
		return nil, errors.Errorf("conv upsample: input has %d channels, want %d", shape[1], l.cfg.InputChannels)
	}

	g := G.NewGraph()
	input := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(shape[0], shape[1], shape[2], shape[3]), G.WithName("features"))

	h := input
	var err error
	for k, w := range l.convW {
		wn := G.NewTensor(g, tensor.Float32, 4,
			G.WithShape(w.Shape()...), G.WithName(fmt.Sprintf("mask_fcn%d", k+1)), G.WithValue(w))
		if h, err = G.Conv2d(h, wn, tensor.Shape{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1}); err != nil {
			return nil, errors.Wrapf(err, "conv %d", k+1)
		}
		if h, err = G.Rectify(h); err != nil {
			return nil, errors.Wrapf(err, "relu %d", k+1)
		}
	}

	if h, err = G.Upsample2D(h, 2); err != nil {
		return nil, errors.Wrap(err, "upsample")
	}
	if h, err = G.Rectify(h); err != nil {
		return nil, errors.Wrap(err, "upsample relu")
	}

	pn := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(l.predW.Shape()...), G.WithName("predictor"), G.WithValue(l.predW))
	out, err := G.Conv2d(h, pn, tensor.Shape{1, 1}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "predictor conv")
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := G.Let(input, x); err != nil {
		return nil, errors.Wrap(err, "bind features")
	}
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run conv tower")
	}

	dense, ok := out.Value().(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("conv upsample: unexpected output value %T", out.Value())
	}
	return dense.Clone().(*tensor.Dense), nil
}

// heStd is the He-initialization standard deviation for a given fan-in.
func heStd(fanIn int) float64 {
	return math.Sqrt(2 / float64(fanIn))
}

// normalDense fills a dense float32 tensor with N(0, std) samples.
func normalDense(rng *rand.Rand, shape []int, std float64) *tensor.Dense {
	size := 1
	for _, s := range shape {
		size *= s
	}
	data := make([]float32, size)
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.Of(tensor.Float32), tensor.WithBacking(data))
}
