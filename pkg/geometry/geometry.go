// Package geometry holds the 2D vector math used to turn keypoints into joint angles.
package geometry

import "math"

// degenerateNorm is the product of ray lengths below which an angle is undefined
const degenerateNorm = 1e-6

// Point is an image coordinate in pixels
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sub returns p - q as a vector
func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y}
}

// Dot returns the dot product of p and q treated as vectors
func (p Point) Dot(q Point) float64 {
	return p.X*q.X + p.Y*q.Y
}

// Norm returns the length of p treated as a vector
func (p Point) Norm() float64 {
	return math.Hypot(p.X, p.Y)
}

// Distance returns the Euclidean distance between two points
func Distance(a, b Point) float64 {
	return a.Sub(b).Norm()
}

// Angle returns the angle in degrees at b formed by the rays b->a and b->c,
// using the arccosine of the normalized dot product.
// Coincident points yield 0.
func Angle(a, b, c Point) float64 {
	ba := a.Sub(b)
	bc := c.Sub(b)

	denominator := ba.Norm() * bc.Norm()
	if denominator < degenerateNorm {
		return 0
	}

	cosine := ba.Dot(bc) / (denominator + degenerateNorm)
	return toDegrees(math.Acos(clamp(cosine, -1, 1)))
}

// AngleAtan2 returns the same angle as Angle, computed as the difference of the
// two ray headings. The result is folded into [0, 180].
func AngleAtan2(a, b, c Point) float64 {
	ba := a.Sub(b)
	bc := c.Sub(b)
	if ba.Norm()*bc.Norm() < degenerateNorm {
		return 0
	}

	radians := math.Atan2(bc.Y, bc.X) - math.Atan2(ba.Y, ba.X)
	deg := math.Abs(toDegrees(radians))
	if deg > 180 {
		deg = 360 - deg
	}
	return deg
}

// AngleFunc computes the angle at b between a and c
type AngleFunc func(a, b, c Point) float64

func toDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
