// Package coords converts pointer coordinates reported by the operator's
// display client into coordinates valid in the real browser viewport.
package coords

import (
	"math"

	"github.com/shehryarbajwa/portalrelay/internal/apperr"
	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// DefaultReported is the display size clients render screenshots at unless
// they negotiate another one when the session starts.
var DefaultReported = models.Viewport{Width: 1280, Height: 800}

// Point is a position in browser viewport pixels
type Point struct {
	X int
	Y int
}

// Map scales (x, y) from the reported viewport into the actual one.
// Inputs outside [0, w] x [0, h] of the reported viewport are rejected.
func Map(x, y int, reported, actual models.Viewport) (Point, error) {
	if reported.Width <= 0 || reported.Height <= 0 || actual.Width <= 0 || actual.Height <= 0 {
		return Point{}, apperr.New(apperr.KindInvalidCoordinate, "coords.Map",
			"viewport sizes must be positive (reported %dx%d, actual %dx%d)",
			reported.Width, reported.Height, actual.Width, actual.Height)
	}
	if x < 0 || y < 0 || x > reported.Width || y > reported.Height {
		return Point{}, apperr.New(apperr.KindInvalidCoordinate, "coords.Map",
			"(%d,%d) is outside the %dx%d viewport", x, y, reported.Width, reported.Height)
	}
	return Point{
		X: scale(x, reported.Width, actual.Width),
		Y: scale(y, reported.Height, actual.Height),
	}, nil
}

func scale(v, from, to int) int {
	return int(math.Round(float64(v) * float64(to) / float64(from)))
}
