package heads

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/seg-lab/go-maskhead/events"
	"github.com/seg-lab/go-maskhead/heads/layers"
	"github.com/seg-lab/go-maskhead/structures"
)

// BaseHead implements the shared loss and inference logic of every mask
// head. Variants differ only in the feature-layer backend that turns region
// features into mask logits.
//
// The head is stateless across calls apart from the learned log-variance
// scalars, which belong to the model's parameter set.
type BaseHead struct {
	cfg     Config
	layers  layers.FeatureLayers
	events  *events.Storage
	logVars LogVars
}

// NewBaseHead wires a feature-layer backend into the shared head logic.
//
// Arguments:
//   - cfg: The head configuration.
//   - fl: The feature-layer collaborator producing mask logits.
//   - storage: The metrics sink; nil disables metric publication.
//
// Returns:
//   - *BaseHead: The assembled head with log variances initialized to zero.
//   - error: An error when the feature layers are missing.
func NewBaseHead(cfg Config, fl layers.FeatureLayers, storage *events.Storage) (*BaseHead, error) {
	if fl == nil {
		return nil, errors.New("head: nil feature layers")
	}
	return &BaseHead{cfg: cfg, layers: fl, events: storage}, nil
}

// LogVars exposes the learned log-variance scalars for the optimizer.
func (h *BaseHead) LogVars() *LogVars { return &h.logVars }

// Forward runs the feature layers and dispatches on mode: the training path
// returns the named scalar loss, the inference path attaches soft masks to
// the instance records and returns them otherwise unmodified.
//
// Arguments:
//   - x: [N, C_in, H, W] region features, one row per instance across the batch.
//   - batch: Per-image instance records index-aligned with the feature rows.
//   - mode: ModeTrain or ModeInfer, selected externally per call.
//
// Returns:
//   - *Result: Losses under "loss_mask" in training; the instances in inference.
//   - error: A fatal precondition violation or backend failure.
func (h *BaseHead) Forward(x *tensor.Dense, batch []*structures.Instances, mode Mode) (*Result, error) {
	logits, err := h.layers.Forward(x)
	if err != nil {
		return nil, errors.Wrap(err, "feature layers")
	}

	switch mode {
	case ModeTrain:
		loss, err := h.maskLoss(logits, batch)
		if err != nil {
			return nil, err
		}
		return &Result{Losses: map[string]float32{"loss_mask": loss}}, nil
	case ModeInfer:
		if err := Inference(logits, batch); err != nil {
			return nil, err
		}
		return &Result{Instances: batch}, nil
	default:
		return nil, errors.Errorf("head: unknown mode %d", mode)
	}
}
