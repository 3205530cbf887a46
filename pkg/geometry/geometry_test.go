package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAngle(t *testing.T) {
	cases := []struct {
		name    string
		a, b, c Point
		want    float64
	}{
		{"right angle", Point{0, 1}, Point{0, 0}, Point{1, 0}, 90},
		{"straight line", Point{0, -10}, Point{0, 0}, Point{0, 10}, 180},
		{"folded", Point{5, 0}, Point{0, 0}, Point{10, 0}, 0},
		{"forty five", Point{1, 1}, Point{0, 0}, Point{1, 0}, 45},
		{"standing body", Point{100, 100}, Point{100, 200}, Point{100, 300}, 180},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Angle(tc.a, tc.b, tc.c), 0.05)
			assert.InDelta(t, tc.want, AngleAtan2(tc.a, tc.b, tc.c), 0.05)
		})
	}
}

func TestAngleDegenerate(t *testing.T) {
	p := Point{3, 4}
	assert.Equal(t, 0.0, Angle(p, p, Point{10, 10}))
	assert.Equal(t, 0.0, Angle(Point{10, 10}, p, p))
	assert.Equal(t, 0.0, AngleAtan2(p, p, p))
}

func TestAngleSymmetricAndBounded(t *testing.T) {
	pts := []Point{{0, 0}, {3, 7}, {-4, 2}, {10, -1}, {6, 6}, {-3, -9}}
	for _, a := range pts {
		for _, b := range pts {
			for _, c := range pts {
				got := Angle(a, b, c)
				assert.False(t, math.IsNaN(got))
				assert.GreaterOrEqual(t, got, 0.0)
				assert.LessOrEqual(t, got, 180.0)
				assert.InDelta(t, got, Angle(c, b, a), 1e-9)

				alt := AngleAtan2(a, b, c)
				assert.GreaterOrEqual(t, alt, 0.0)
				assert.LessOrEqual(t, alt, 180.0)
			}
		}
	}
}

func TestDistance(t *testing.T) {
	assert.InDelta(t, 5.0, Distance(Point{0, 0}, Point{3, 4}), 1e-12)
}
