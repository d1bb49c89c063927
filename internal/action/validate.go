package action

import "fmt"

// ValidateXY checks normalized pointer coordinates. Coordinates must lie in
// [0,1] and at least margin away from every screen edge. The reason string
// is empty on success.
func ValidateXY(x, y, margin float64) (bool, string) {
	if x < 0.0 || x > 1.0 || y < 0.0 || y > 1.0 {
		return false, "x/y out of [0,1]"
	}
	if x < margin || x > 1.0-margin || y < margin || y > 1.0-margin {
		return false, fmt.Sprintf("x/y too close to edge (margin=%g)", margin)
	}
	return true, ""
}
