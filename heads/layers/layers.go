// Package layers - feature-layer backends that turn per-region features into
// mask logits. The head treats them as opaque collaborators behind a single
// interface; the loss and inference logic never depend on the backend.
package layers

import "gorgonia.org/tensor"

// FeatureLayers maps a [N, C_in, H, W] region feature tensor to
// [N, C_mask, S, S] mask logits, S = 2H = 2W after the upsample stage.
// The call blocks until the full logits tensor is materialized.
type FeatureLayers interface {
	Forward(x *tensor.Dense) (*tensor.Dense, error)
}
