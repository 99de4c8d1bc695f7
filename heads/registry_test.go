package heads

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/seg-lab/go-maskhead/events"
	"github.com/seg-lab/go-maskhead/images"
	"github.com/seg-lab/go-maskhead/structures"
)

// stubLayers is a fixed-output feature backend for registry and orchestrator
// tests.
type stubLayers struct {
	out *tensor.Dense
}

func (s stubLayers) Forward(_ *tensor.Dense) (*tensor.Dense, error) {
	return s.out, nil
}

// TestRegistryBuiltins checks both shipped variants are registered.
func TestRegistryBuiltins(t *testing.T) {
	names := Registered()
	assert.Contains(t, names, ConvUpsampleHeadName, "gorgonia variant registered at init")
	assert.Contains(t, names, ONNXConvUpsampleHeadName, "onnx variant registered at init")
}

// TestRegistryUnknownName checks lookup failures are explicit.
func TestRegistryUnknownName(t *testing.T) {
	cfg := DefaultConfig(3)
	cfg.Name = "NoSuchHead"
	_, err := Build(cfg, ShapeSpec{Channels: 4, Height: 7, Width: 7}, nil)
	require.Error(t, err, "unknown head names must fail")
	assert.Contains(t, err.Error(), "NoSuchHead", "error should carry the name")
}

// TestRegistryRejectsDuplicates checks double registration and nil
// factories are programming errors.
func TestRegistryRejectsDuplicates(t *testing.T) {
	f := func(Config, ShapeSpec, *events.Storage) (Head, error) { return nil, nil }
	require.NoError(t, Register("registry-test-head", f), "first registration succeeds")
	assert.Error(t, Register("registry-test-head", f), "second registration is rejected")
	assert.Error(t, Register("", f), "empty names are rejected")
	assert.Error(t, Register("registry-test-nil", nil), "nil factories are rejected")
}

// TestForwardModes runs the orchestrator through both modes with a stub
// backend.
func TestForwardModes(t *testing.T) {
	side := 4
	head, err := NewBaseHead(
		Config{ClassAgnostic: true, Penalty: DefaultConfig(1).Penalty},
		stubLayers{out: zeroLogits(1, 1, side)},
		events.NewStorage(),
	)
	require.NoError(t, err, "head should assemble")

	box := images.Rect{X1: 0, Y1: 0, X2: 16, Y2: 16}
	batch := []*structures.Instances{fullBoxImage(box)}

	trainRes, err := head.Forward(nil, batch, ModeTrain)
	require.NoError(t, err, "training forward should succeed")
	require.Contains(t, trainRes.Losses, "loss_mask", "training returns the named loss")
	assert.Greater(t, trainRes.Losses["loss_mask"], float32(0), "non-trivial batch has positive loss")

	inferRes, err := head.Forward(nil, batch, ModeInfer)
	require.NoError(t, err, "inference forward should succeed")
	require.Len(t, inferRes.Instances, 1, "inference returns the instances")
	assert.NotNil(t, inferRes.Instances[0].PredMasks, "soft masks attached")

	_, err = head.Forward(nil, batch, Mode(99))
	assert.Error(t, err, "unknown modes are rejected")
}

// TestNewBaseHeadNilLayers checks the collaborator is mandatory.
func TestNewBaseHeadNilLayers(t *testing.T) {
	_, err := NewBaseHead(DefaultConfig(1), nil, nil)
	assert.Error(t, err, "a head without feature layers is unusable")
}
