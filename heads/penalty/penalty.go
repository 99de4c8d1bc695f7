// Package penalty - builds the three per-instance spatial weight volumes
// consumed by the mask loss: boundary, duplicate-ROI and overlap penalties.
package penalty

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/seg-lab/go-maskhead/images"
	"github.com/seg-lab/go-maskhead/structures"
)

// ErrOverlapDomain reports an overlap count outside the domain of the
// weight transform's square root. Raw counts are non-negative in well-formed
// input, so hitting this means the raster was corrupted upstream.
var ErrOverlapDomain = errors.New("overlap weight transform: negative radicand")

// Config controls penalty construction.
type Config struct {
	// BoundaryWeight is the weight assigned to boundary-band pixels.
	// Boundary labels are ambiguous, so the default of 0 removes their
	// contribution from the boundary loss term entirely.
	BoundaryWeight float32 `json:"boundary_weight" yaml:"boundary_weight"`
	// Workers bounds the pool building penalties for independent images.
	Workers int `json:"workers" yaml:"workers"`
}

// DefaultConfig returns the standard penalty configuration.
func DefaultConfig() Config {
	return Config{BoundaryWeight: 0, Workers: runtime.NumCPU()}
}

// Volumes carries the per-instance weight tensors plus the cropped training
// targets, all index-aligned with the logits rows of the same forward pass.
// N counts instances across every non-empty image of the batch.
type Volumes struct {
	// Boundary is [N, S, S]: BoundaryWeight on band pixels, 1 elsewhere.
	Boundary *tensor.Dense
	// ROI is [N, 1, 1]: the duplicate count on each best-matching row, 1 elsewhere.
	ROI *tensor.Dense
	// Overlap is [N, S, S]: transformed pairwise-overlap counts, 1 where nothing overlaps.
	Overlap *tensor.Dense
	// GTMasks are the side x side binary targets, one per instance row.
	GTMasks []images.BitMask
	// GTClasses are the concatenated ground-truth classes for channel selection.
	GTClasses []int
}

// Len returns the number of instance rows covered by the volumes.
func (v *Volumes) Len() int { return len(v.GTMasks) }

type imageResult struct {
	gtMasks  []images.BitMask
	classes  []int
	boundary []float32
	roi      []float32
	overlap  []float32
}

// Build derives the three weight volumes for a batch of images.
//
// Images are independent, so they are dispatched to a bounded worker pool;
// the per-image loops stay sequential because they share running accumulators
// (the best-match index, the pairwise-overlap sum). Images without instances
// contribute no rows, mirroring how they produce no logits rows upstream.
//
// Arguments:
//   - cfg: Penalty configuration.
//   - batch: Per-image instance records with ground-truth annotations.
//   - side: The mask grid side length S.
//
// Returns:
//   - *Volumes: The aligned weight volumes and targets. Len() == 0 when the
//     batch holds no foreground instances.
//   - error: The first per-image failure, including ErrOverlapDomain.
func Build(cfg Config, batch []*structures.Instances, side int) (*Volumes, error) {
	if side <= 0 {
		return nil, errors.Errorf("penalty: non-positive mask side %d", side)
	}

	results := make([]*imageResult, len(batch))
	errs := make([]error, len(batch))

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan int, len(batch))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx], errs[idx] = buildImage(cfg, batch[idx], side)
			}
		}()
	}
	for i := range batch {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
	}

	out := &Volumes{}
	var boundary, roi, overlap []float32
	for _, r := range results {
		if r == nil {
			continue
		}
		out.GTMasks = append(out.GTMasks, r.gtMasks...)
		out.GTClasses = append(out.GTClasses, r.classes...)
		boundary = append(boundary, r.boundary...)
		roi = append(roi, r.roi...)
		overlap = append(overlap, r.overlap...)
	}

	n := out.Len()
	if n == 0 {
		return out, nil
	}
	out.Boundary = tensor.New(tensor.WithShape(n, side, side), tensor.Of(tensor.Float32), tensor.WithBacking(boundary))
	out.ROI = tensor.New(tensor.WithShape(n, 1, 1), tensor.Of(tensor.Float32), tensor.WithBacking(roi))
	out.Overlap = tensor.New(tensor.WithShape(n, side, side), tensor.Of(tensor.Float32), tensor.WithBacking(overlap))
	return out, nil
}

// buildImage computes targets and all three penalties for one image.
func buildImage(cfg Config, inst *structures.Instances, side int) (*imageResult, error) {
	if inst == nil || inst.Len() == 0 {
		return nil, nil
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if !inst.HasGT() {
		return nil, errors.New("penalty: instances carry no ground-truth boxes")
	}

	gtMasks, err := inst.CropGTMasks(side)
	if err != nil {
		return nil, err
	}

	boundary, err := boundaryPenalty(cfg, gtMasks, side)
	if err != nil {
		return nil, err
	}

	raw, err := rawOverlap(inst, gtMasks, side)
	if err != nil {
		return nil, err
	}
	overlap := make([]float32, len(raw))
	for i, c := range raw {
		w, err := overlapWeight(c)
		if err != nil {
			return nil, errors.Wrapf(err, "count %v", c)
		}
		overlap[i] = w
	}

	r := &imageResult{
		gtMasks:  gtMasks,
		classes:  append([]int(nil), inst.GTClasses...),
		boundary: boundary,
		roi:      roiPenalty(inst),
		overlap:  overlap,
	}
	return r, nil
}

// boundaryPenalty down-weights the contour band of every target mask.
func boundaryPenalty(cfg Config, gtMasks []images.BitMask, side int) ([]float32, error) {
	out := make([]float32, 0, len(gtMasks)*side*side)
	for i, m := range gtMasks {
		band, err := images.BoundaryBand(m)
		if err != nil {
			return nil, errors.Wrapf(err, "boundary of mask %d", i)
		}
		for _, v := range band.Data {
			if v > 0.5 {
				out = append(out, cfg.BoundaryWeight)
			} else {
				out = append(out, 1)
			}
		}
	}
	return out, nil
}

// roiPenalty amplifies the best-localized proposal of every repeated
// ground-truth object by the number of times that object was duplicated.
//
// Unique ground-truth boxes are found by exact coordinate equality; box
// comparison is scoped to this one image. For each unique box the proposal
// with the highest IoU wins; on a tie the earliest row wins, which is an
// arbitrary but stable choice.
func roiPenalty(inst *structures.Instances) []float32 {
	n := inst.Len()
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}

	counts := make(map[images.Rect]int, n)
	var order []images.Rect
	for _, box := range inst.GTBoxes {
		if counts[box] == 0 {
			order = append(order, box)
		}
		counts[box]++
	}

	for _, box := range order {
		best := 0
		bestIoU := float32(0)
		for j, prop := range inst.ProposalBoxes {
			if iou := images.CalculateIoU(box, prop); iou > bestIoU {
				bestIoU = iou
				best = j
			}
		}
		out[best] = float32(counts[box])
	}
	return out
}

// rawOverlap accumulates, per instance and pixel, how many pairs of distinct
// ground-truth objects overlap there, restricted to the instance's own
// ground-truth region. With fewer than two distinct objects in the image the
// raster is all zero.
//
// Distinct objects are deduplicated by their defining polygon's full vertex
// list, not by the resized raster; bitmap-only ground truth falls back to the
// ground-truth box coordinates as its identity.
func rawOverlap(inst *structures.Instances, gtMasks []images.BitMask, side int) ([]float32, error) {
	n := inst.Len()
	raw := make([]float32, n*side*side)

	seen := make(map[string]bool, n)
	var distinct []int
	for i := 0; i < n; i++ {
		var key string
		if i < len(inst.GTPolygons) && inst.GTPolygons[i].Valid() {
			key = "poly:" + inst.GTPolygons[i].Key()
		} else {
			b := inst.GTBoxes[i]
			key = fmt.Sprintf("box:%g,%g,%g,%g", b.X1, b.Y1, b.X2, b.Y2)
		}
		if !seen[key] {
			seen[key] = true
			distinct = append(distinct, i)
		}
	}
	if len(distinct) < 2 {
		return raw, nil
	}

	// One raster volume per distinct object: its shape viewed through every
	// proposal box of the image.
	vols := make([][]images.BitMask, len(distinct))
	for d, objIdx := range distinct {
		vols[d] = make([]images.BitMask, n)
		for j := 0; j < n; j++ {
			m, err := inst.CropShapeToBox(objIdx, inst.ProposalBoxes[j], side)
			if err != nil {
				return nil, errors.Wrapf(err, "overlap raster of object %d through proposal %d", objIdx, j)
			}
			vols[d][j] = m
		}
	}

	// Sum elementwise products over every unordered pair of distinct objects.
	area := side * side
	for a := 0; a < len(vols); a++ {
		for b := a + 1; b < len(vols); b++ {
			for j := 0; j < n; j++ {
				base := j * area
				for e := 0; e < area; e++ {
					raw[base+e] += vols[a][j].Data[e] * vols[b][j].Data[e]
				}
			}
		}
	}

	// Restrict the overlap signal to pixels inside each instance's own
	// ground-truth region.
	for j := 0; j < n; j++ {
		base := j * area
		for e := 0; e < area; e++ {
			raw[base+e] *= gtMasks[j].Data[e]
		}
	}
	return raw, nil
}

// overlapWeight maps a raw overlap count c to its loss weight through the
// larger root of x^2 - x + c' = 0 with c' = -2c:
//
//	w(c) = (1 + sqrt(1 + 8c)) / 2
//
// so an overlap-free pixel keeps a neutral weight of 1 and the weight grows
// with the number of overlapping object pairs. A negative radicand has no
// real root; it is surfaced as ErrOverlapDomain instead of leaking a NaN
// into the loss.
func overlapWeight(c float32) (float32, error) {
	scaled := -2 * c
	radicand := 1 - 4*scaled
	if radicand < 0 {
		return 0, ErrOverlapDomain
	}
	s := math32.Sqrt(radicand)
	return math32.Max((1+s)/2, (1-s)/2), nil
}
