// Command maskhead runs one synthetic training loop and one inference pass
// through a registry-built mask head, printing the loss and the learned
// log-variance scalars as it goes.
package main

import (
	"log"
	"math/rand"

	"gorgonia.org/tensor"

	"github.com/seg-lab/go-maskhead/events"
	"github.com/seg-lab/go-maskhead/heads"
	"github.com/seg-lab/go-maskhead/images"
	"github.com/seg-lab/go-maskhead/structures"
)

const (
	featChannels = 8
	featSide     = 7
	maskSide     = 2 * featSide
	steps        = 50
	printEvery   = 10
)

func main() {
	storage := events.NewStorage()

	cfg := heads.DefaultConfig(3)
	cfg.NumConv = 2
	cfg.ConvDims = 16
	cfg.VisPeriod = 25

	head, err := heads.Build(cfg, heads.ShapeSpec{Channels: featChannels, Height: featSide, Width: featSide}, storage)
	if err != nil {
		log.Fatalf("build head: %v", err)
	}
	log.Printf("registered heads: %v", heads.Registered())

	batch := []*structures.Instances{syntheticImage()}
	rng := rand.New(rand.NewSource(7))

	for step := 0; step < steps; step++ {
		storage.SetStep(step)
		features := randomFeatures(rng, structures.TotalInstances(batch))

		res, err := head.Forward(features, batch, heads.ModeTrain)
		if err != nil {
			log.Fatalf("train step %d: %v", step, err)
		}

		// The optimizer owns the log variances; nudge them here to stand in
		// for a gradient step.
		lv := head.LogVars()
		lv.Boundary -= 0.001
		lv.ROI -= 0.001
		lv.Overlap -= 0.001

		if step%printEvery == 0 {
			acc, _ := storage.SmoothedScalar("mask_head/accuracy", printEvery)
			log.Printf("step %d: loss_mask=%.4f accuracy=%.3f log_vars=%+v",
				step, res.Losses["loss_mask"], acc, *lv)
		}
	}

	features := randomFeatures(rng, structures.TotalInstances(batch))
	batch[0].PredClasses = []int{1, 2}
	res, err := head.Forward(features, batch, heads.ModeInfer)
	if err != nil {
		log.Fatalf("inference: %v", err)
	}
	for i, inst := range res.Instances {
		log.Printf("image %d: pred masks %v", i, inst.PredMasks.Shape())
	}
	log.Printf("published %d visualization images", len(storage.Images()))
}

// syntheticImage fabricates one image with two overlapping objects, the
// second duplicated across both proposals.
func syntheticImage() *structures.Instances {
	return &structures.Instances{
		ProposalBoxes: []images.Rect{
			{X1: 10, Y1: 10, X2: 40, Y2: 40},
			{X1: 25, Y1: 25, X2: 55, Y2: 55},
		},
		GTBoxes: []images.Rect{
			{X1: 12, Y1: 12, X2: 38, Y2: 38},
			{X1: 27, Y1: 27, X2: 53, Y2: 53},
		},
		GTClasses: []int{1, 2},
		GTPolygons: []images.Polygon{
			{12, 12, 38, 12, 38, 38, 12, 38},
			{27, 27, 53, 27, 53, 53, 27, 53},
		},
	}
}

func randomFeatures(rng *rand.Rand, n int) *tensor.Dense {
	data := make([]float32, n*featChannels*featSide*featSide)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return tensor.New(
		tensor.WithShape(n, featChannels, featSide, featSide),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(data),
	)
}
