package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGorgoniaConfigValidation checks the tower rejects unusable dimensions.
func TestGorgoniaConfigValidation(t *testing.T) {
	_, err := NewGorgoniaConvUpsample(ConvUpsampleConfig{InputChannels: 0, ConvDims: 8, MaskChannels: 1})
	assert.Error(t, err, "zero input channels are rejected")

	_, err = NewGorgoniaConvUpsample(ConvUpsampleConfig{InputChannels: 4, ConvDims: 8, MaskChannels: 0})
	assert.Error(t, err, "zero mask channels are rejected")

	_, err = NewGorgoniaConvUpsample(ConvUpsampleConfig{InputChannels: 4, ConvDims: 8, NumConv: -1, MaskChannels: 1})
	assert.Error(t, err, "negative conv counts are rejected")
}

// TestGorgoniaWeightShapes checks the allocated parameter shapes follow the
// tower layout.
func TestGorgoniaWeightShapes(t *testing.T) {
	l, err := NewGorgoniaConvUpsample(ConvUpsampleConfig{
		InputChannels: 4,
		ConvDims:      8,
		NumConv:       2,
		MaskChannels:  3,
		Seed:          1,
	})
	require.NoError(t, err, "construction should succeed")

	require.Len(t, l.convW, 2, "one weight per conv layer")
	assert.Equal(t, []int{8, 4, 3, 3}, []int(l.convW[0].Shape()), "first conv maps input channels")
	assert.Equal(t, []int{8, 8, 3, 3}, []int(l.convW[1].Shape()), "later convs stay at conv dims")
	assert.Equal(t, []int{3, 8, 1, 1}, []int(l.predW.Shape()), "predictor is a 1x1 conv")
}

// TestONNXMissingModel checks the backend refuses to build without its
// model file, before any runtime work happens.
func TestONNXMissingModel(t *testing.T) {
	_, err := NewONNXConvUpsample(ONNXConvUpsampleConfig{
		ModelPath:    "/nonexistent/tower.onnx",
		MaskChannels: 1,
		MaskSide:     14,
	})
	assert.Error(t, err, "missing model files are rejected at construction")

	_, err = NewONNXConvUpsample(ONNXConvUpsampleConfig{ModelPath: "x", MaskChannels: 0, MaskSide: 14})
	assert.Error(t, err, "invalid output shapes are rejected")
}
