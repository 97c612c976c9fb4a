package onnx

import (
	"sort"
)

// candidate is one decoded prediction in source image pixels
type candidate struct {
	box   [4]float32 // x1, y1, x2, y2
	score float32
	class int
}

// decodePredictions reads a [1, attributes, predictions] YOLO output. Rows 0-3
// hold the box centre and size in model pixels, the remaining rows hold one
// score per class. Predictions whose best class score is below threshold are
// dropped; boxes are clipped to the source image.
func decodePredictions(out []float32, attributes, predictions int, scaleX, scaleY float32, width, height int, threshold float32) []candidate {
	if len(out) < attributes*predictions || attributes < 5 {
		return nil
	}

	w, h := float32(width), float32(height)
	var candidates []candidate

	for i := 0; i < predictions; i++ {
		best, bestScore := 0, out[4*predictions+i]
		for c := 1; c < attributes-4; c++ {
			if s := out[(4+c)*predictions+i]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if bestScore < threshold {
			continue
		}

		cx := out[i] * scaleX
		cy := out[predictions+i] * scaleY
		bw := out[2*predictions+i] * scaleX
		bh := out[3*predictions+i] * scaleY

		box := [4]float32{
			clip(cx-bw/2, 0, w),
			clip(cy-bh/2, 0, h),
			clip(cx+bw/2, 0, w),
			clip(cy+bh/2, 0, h),
		}
		if box[2] <= box[0] || box[3] <= box[1] {
			continue
		}

		candidates = append(candidates, candidate{box: box, score: bestScore, class: best})
	}

	return candidates
}

// nonMaxSuppression keeps the highest scoring box of every overlapping group
// of the same class. The result is sorted by descending score.
func nonMaxSuppression(candidates []candidate, iouThreshold float32) []candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	kept := make([]candidate, 0, len(candidates))
	suppressed := make([]bool, len(candidates))
	for i := range candidates {
		if suppressed[i] {
			continue
		}
		kept = append(kept, candidates[i])
		for j := i + 1; j < len(candidates); j++ {
			if suppressed[j] || candidates[j].class != candidates[i].class {
				continue
			}
			if iou(candidates[i].box, candidates[j].box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iou(a, b [4]float32) float32 {
	x1 := max(a[0], b[0])
	y1 := max(a[1], b[1])
	x2 := min(a[2], b[2])
	y2 := min(a[3], b[3])

	inter := max(0, x2-x1) * max(0, y2-y1)
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clip(v, lo, hi float32) float32 {
	return max(lo, min(v, hi))
}
