package detector

import "sort"

// SortByScore orders detections highest score first. Ties keep their
// relative order.
func SortByScore(dets []Detection) {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Score > dets[j].Score
	})
}

// nms performs Non-Maximum Suppression on detected faces
func nms(dets []Detection, iouThreshold float32) []Detection {
	if len(dets) == 0 {
		return dets
	}

	SortByScore(dets)

	keep := make([]bool, len(dets))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(dets); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(dets); j++ {
			if !keep[j] {
				continue
			}
			if IoU(dets[i].Box, dets[j].Box) > iouThreshold {
				keep[j] = false
			}
		}
	}

	result := make([]Detection, 0, len(dets))
	for i, d := range dets {
		if keep[i] {
			result = append(result, d)
		}
	}

	return result
}

// IoU calculates Intersection over Union of two bounding boxes
func IoU(a, b BoundingBox) float32 {
	// Intersection
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)

	if x1 >= x2 || y1 >= y2 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}
