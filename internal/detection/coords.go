package detection

import "math"

// Scale is the side length of the normalized coordinate space.
const Scale = 1000.0

// MinSide is the exclusive lower bound on a valid box's width and height.
const MinSide = 10.0

// Normalize maps a box into the 0-1000 space. Boxes whose four coordinates
// already lie in [0,1000] are returned unchanged. Otherwise each axis is
// treated as pixel coordinates and divided by its own maximum within the box.
// There is no image size to go on, so this is a heuristic. An axis whose
// maximum is not positive is left as is.
func Normalize(b RawBox) RawBox {
	if inRange(b.XMin) && inRange(b.YMin) && inRange(b.XMax) && inRange(b.YMax) {
		return b
	}
	if m := math.Max(b.XMin, b.XMax); m > 0 && !math.IsInf(m, 0) {
		b.XMin = b.XMin / m * Scale
		b.XMax = b.XMax / m * Scale
	}
	if m := math.Max(b.YMin, b.YMax); m > 0 && !math.IsInf(m, 0) {
		b.YMin = b.YMin / m * Scale
		b.YMax = b.YMax / m * Scale
	}
	return b
}

// IsValid reports whether a normalized box is usable:
// 0 <= min < max <= 1000 on both axes and each side longer than MinSide.
func IsValid(b RawBox) bool {
	for _, v := range []float64{b.XMin, b.YMin, b.XMax, b.YMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if !(b.XMin >= 0 && b.XMin < b.XMax && b.XMax <= Scale) {
		return false
	}
	if !(b.YMin >= 0 && b.YMin < b.YMax && b.YMax <= Scale) {
		return false
	}
	return b.XMax-b.XMin > MinSide && b.YMax-b.YMin > MinSide
}

func inRange(v float64) bool {
	return v >= 0 && v <= Scale
}
