// Package heads - mask prediction heads: penalty-weighted training loss,
// inference-time mask projection and the head registry.
package heads

import (
	"gorgonia.org/tensor"

	"github.com/seg-lab/go-maskhead/heads/penalty"
	"github.com/seg-lab/go-maskhead/structures"
)

// Mode selects the head's behavior for one forward call. It is supplied by
// the caller; the head keeps no mode state between calls.
type Mode int

const (
	// ModeTrain computes the named scalar loss from ground-truth annotations.
	ModeTrain Mode = iota
	// ModeInfer attaches soft masks to the predicted instances.
	ModeInfer
)

// ShapeSpec describes the feature map feeding the head.
type ShapeSpec struct {
	Channels int `json:"channels" yaml:"channels"`
	Height   int `json:"height" yaml:"height"`
	Width    int `json:"width" yaml:"width"`
}

// Config selects and parameterizes a head variant.
type Config struct {
	// Name picks the registered head variant to build.
	Name string `json:"name" yaml:"name"`
	// NumClasses is the number of foreground classes.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// ClassAgnostic shares a single mask channel across all classes.
	ClassAgnostic bool `json:"class_agnostic" yaml:"class_agnostic"`
	// NumConv is the number of 3x3 conv layers before the upsample.
	NumConv int `json:"num_conv" yaml:"num_conv"`
	// ConvDims is the channel width of those conv layers.
	ConvDims int `json:"conv_dims" yaml:"conv_dims"`
	// VisPeriod is the step period for publishing mask visualizations;
	// 0 disables them.
	VisPeriod int `json:"vis_period" yaml:"vis_period"`
	// Penalty configures the spatial weight volumes.
	Penalty penalty.Config `json:"penalty" yaml:"penalty"`

	// ModelPath, InputName and OutputName configure the ONNX-backed variant.
	ModelPath  string `json:"model_path" yaml:"model_path"`
	InputName  string `json:"input_name" yaml:"input_name"`
	OutputName string `json:"output_name" yaml:"output_name"`
}

// DefaultConfig returns a workable head configuration for the given class
// count.
func DefaultConfig(numClasses int) Config {
	return Config{
		Name:       ConvUpsampleHeadName,
		NumClasses: numClasses,
		NumConv:    4,
		ConvDims:   256,
		Penalty:    penalty.DefaultConfig(),
	}
}

// MaskChannels returns the number of mask logit channels the head predicts.
func (c Config) MaskChannels() int {
	if c.ClassAgnostic {
		return 1
	}
	return c.NumClasses
}

// Result is the outcome of one forward call: named losses in training,
// mask-augmented instances in inference.
type Result struct {
	Losses    map[string]float32
	Instances []*structures.Instances
}

// Head is the mask-head contract. One concrete implementation exists per
// feature-layer backend; all of them share the loss and inference logic.
type Head interface {
	// Forward runs the feature layers and then either the training loss or
	// the inference projection, per mode. x is the [N, C_in, H, W] region
	// feature tensor, index-aligned with the concatenated instance rows.
	Forward(x *tensor.Dense, batch []*structures.Instances, mode Mode) (*Result, error)

	// LogVars exposes the learned log-variance scalars for the optimizer.
	LogVars() *LogVars
}
