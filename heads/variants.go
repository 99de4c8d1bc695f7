package heads

import (
	"log"

	"github.com/seg-lab/go-maskhead/events"
	"github.com/seg-lab/go-maskhead/heads/layers"
)

// Registered head variant names.
const (
	// ConvUpsampleHeadName is the gorgonia-backed conv+upsample head.
	ConvUpsampleHeadName = "ConvUpsampleHead"
	// ONNXConvUpsampleHeadName runs an exported conv tower via onnxruntime.
	ONNXConvUpsampleHeadName = "ONNXConvUpsampleHead"
)

func init() {
	mustRegister(ConvUpsampleHeadName, buildConvUpsampleHead)
	mustRegister(ONNXConvUpsampleHeadName, buildONNXConvUpsampleHead)
}

func mustRegister(name string, f Factory) {
	if err := Register(name, f); err != nil {
		log.Fatalf("heads: %v", err)
	}
}

func buildConvUpsampleHead(cfg Config, shape ShapeSpec, storage *events.Storage) (Head, error) {
	fl, err := layers.NewGorgoniaConvUpsample(layers.ConvUpsampleConfig{
		InputChannels: shape.Channels,
		ConvDims:      cfg.ConvDims,
		NumConv:       cfg.NumConv,
		MaskChannels:  cfg.MaskChannels(),
	})
	if err != nil {
		return nil, err
	}
	return NewBaseHead(cfg, fl, storage)
}

func buildONNXConvUpsampleHead(cfg Config, shape ShapeSpec, storage *events.Storage) (Head, error) {
	fl, err := layers.NewONNXConvUpsample(layers.ONNXConvUpsampleConfig{
		ModelPath:    cfg.ModelPath,
		InputName:    cfg.InputName,
		OutputName:   cfg.OutputName,
		MaskChannels: cfg.MaskChannels(),
		MaskSide:     2 * shape.Height,
	})
	if err != nil {
		return nil, err
	}
	return NewBaseHead(cfg, fl, storage)
}
