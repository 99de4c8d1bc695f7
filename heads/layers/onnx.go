package layers

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// ensureRuntime initializes the onnxruntime environment exactly once for
// the process.
func ensureRuntime() error {
	ortOnce.Do(func() {
		if !ort.IsInitialized() {
			ortErr = ort.InitializeEnvironment()
		}
	})
	return ortErr
}

// ONNXConvUpsampleConfig locates and shapes the exported conv tower.
type ONNXConvUpsampleConfig struct {
	// ModelPath points at the exported .onnx conv tower.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// InputName and OutputName are the model's tensor names.
	InputName  string `json:"input_name" yaml:"input_name"`
	OutputName string `json:"output_name" yaml:"output_name"`
	// MaskChannels and MaskSide fix the output shape [N, MaskChannels, MaskSide, MaskSide].
	MaskChannels int `json:"mask_channels" yaml:"mask_channels"`
	MaskSide     int `json:"mask_side" yaml:"mask_side"`
}

// ONNXConvUpsample runs an exported conv+upsample tower through an
// onnxruntime session. A session binds fixed tensor shapes, so it is
// created per call for the incoming batch size; the runtime environment is
// shared process-wide.
type ONNXConvUpsample struct {
	cfg ONNXConvUpsampleConfig
}

// NewONNXConvUpsample validates the configuration and the model file.
//
// Arguments:
//   - cfg: Model location, tensor names and output shape.
//
// Returns:
//   - *ONNXConvUpsample: The ready backend.
//   - error: A missing model file or invalid output shape.
func NewONNXConvUpsample(cfg ONNXConvUpsampleConfig) (*ONNXConvUpsample, error) {
	if cfg.MaskChannels <= 0 || cfg.MaskSide <= 0 {
		return nil, errors.Errorf("onnx conv upsample: invalid output shape %dx%dx%d",
			cfg.MaskChannels, cfg.MaskSide, cfg.MaskSide)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "onnx conv upsample: model %s", cfg.ModelPath)
	}
	if cfg.InputName == "" {
		cfg.InputName = "features"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "mask_logits"
	}
	return &ONNXConvUpsample{cfg: cfg}, nil
}

// Forward runs the session on a [N, C_in, H, W] feature tensor, returning
// [N, MaskChannels, MaskSide, MaskSide] logits.
func (l *ONNXConvUpsample) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	if err := ensureRuntime(); err != nil {
		return nil, errors.Wrap(err, "initialize onnxruntime")
	}
	shape := x.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("onnx conv upsample: input must be 4D, got shape %v", shape)
	}
	n := shape[0]

	inShape := ort.NewShape(int64(shape[0]), int64(shape[1]), int64(shape[2]), int64(shape[3]))
	input, err := ort.NewTensor(inShape, append([]float32(nil), x.Data().([]float32)...))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	defer input.Destroy()

	outShape := ort.NewShape(int64(n), int64(l.cfg.MaskChannels), int64(l.cfg.MaskSide), int64(l.cfg.MaskSide))
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, errors.Wrap(err, "create output tensor")
	}
	defer output.Destroy()

	session, err := ort.NewAdvancedSession(
		l.cfg.ModelPath,
		[]string{l.cfg.InputName},
		[]string{l.cfg.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		nil,
	)
	if err != nil {
		return nil, errors.Wrap(err, "create ONNX session")
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, errors.Wrap(err, "run ONNX session")
	}

	data := append([]float32(nil), output.GetData()...)
	return tensor.New(
		tensor.WithShape(n, l.cfg.MaskChannels, l.cfg.MaskSide, l.cfg.MaskSide),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(data),
	), nil
}
