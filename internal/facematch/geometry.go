package facematch

// BoundingBox is a face box in relative (0-1) photo coordinates.
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Corners converts the box to [x1, y1, x2, y2] corner format.
func (b BoundingBox) Corners() []float64 {
	return []float64{b.X, b.Y, b.X + b.W, b.Y + b.H}
}

// IsZero reports whether the box carries no geometry.
func (b BoundingBox) IsZero() bool {
	return b.W <= 0 || b.H <= 0
}

// ComputeIoU calculates Intersection over Union between two bounding boxes.
// bbox1 and bbox2 are [x1, y1, x2, y2] in the same coordinate system.
func ComputeIoU(bbox1, bbox2 []float64) float64 {
	if len(bbox1) != 4 || len(bbox2) != 4 {
		return 0
	}

	x1 := max(bbox1[0], bbox2[0])
	y1 := max(bbox1[1], bbox2[1])
	x2 := min(bbox1[2], bbox2[2])
	y2 := min(bbox1[3], bbox2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)

	area1 := (bbox1[2] - bbox1[0]) * (bbox1[3] - bbox1[1])
	area2 := (bbox2[2] - bbox2[0]) * (bbox2[3] - bbox2[1])
	union := area1 + area2 - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// BoxIoU is ComputeIoU over two relative boxes.
func BoxIoU(a, b BoundingBox) float64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	return ComputeIoU(a.Corners(), b.Corners())
}
