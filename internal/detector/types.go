package detector

// Point is a 2D image coordinate.
type Point struct {
	X, Y float32
}

// BoundingBox is a face bounding box in frame coordinates.
type BoundingBox struct {
	X1, Y1 float32 // top-left
	X2, Y2 float32 // bottom-right
}

func (b BoundingBox) Width() float32  { return b.X2 - b.X1 }
func (b BoundingBox) Height() float32 { return b.Y2 - b.Y1 }
func (b BoundingBox) Area() float32   { return b.Width() * b.Height() }

// Center returns the box center point.
func (b BoundingBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Landmark indices within Landmarks. The order is fixed: alignment
// templates and mask geometry depend on it.
const (
	LeftEye = iota
	RightEye
	Nose
	LeftMouth
	RightMouth
	NumLandmarks
)

// Landmarks holds the five facial keypoints produced by the detector.
type Landmarks [NumLandmarks]Point

// EyeDistance returns the horizontal distance between the eyes, used to
// size blend masks.
func (l Landmarks) EyeDistance() float32 {
	return l[RightEye].X - l[LeftEye].X
}

// Centroid returns the mean of all keypoints.
func (l Landmarks) Centroid() Point {
	var cx, cy float32
	for _, p := range l {
		cx += p.X
		cy += p.Y
	}
	n := float32(NumLandmarks)
	return Point{X: cx / n, Y: cy / n}
}

// Detection is one detected face candidate.
type Detection struct {
	Box       BoundingBox
	Landmarks Landmarks
	Score     float32
}
