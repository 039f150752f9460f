package facematch

import "math"

// Pose bucket limits in degrees.
const (
	FrontalMaxYaw      = 15.0
	ThreeQuarterMaxYaw = 45.0
	TiltedMinRoll      = 30.0
)

// ClassifyPose buckets a head pose. Negative yaw means the face is turned to its left.
func ClassifyPose(yaw, roll float64) PoseCategory {
	absYaw := math.Abs(yaw)
	switch {
	case absYaw <= FrontalMaxYaw:
		if math.Abs(roll) > TiltedMinRoll {
			return PoseTilted
		}
		return PoseFrontal
	case absYaw <= ThreeQuarterMaxYaw:
		if yaw < 0 {
			return PoseThreeQuarterLeft
		}
		return PoseThreeQuarterRight
	default:
		if yaw < 0 {
			return PoseProfileLeft
		}
		return PoseProfileRight
	}
}

// Complementary reports whether two poses cover different views of a head.
func Complementary(a, b PoseCategory) bool {
	return a != b
}
