package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInverseDistanceCoincidentIsZero(t *testing.T) {
	assert.Equal(t, 0.0, InverseDistance(-73.22, -37.21, -73.22, -37.21))
}

func TestInverseDistanceKnownSeparation(t *testing.T) {
	// Roughly one degree of longitude at the equator is ~111.3km.
	d := InverseDistance(0, 0, 1, 0)
	assert.InDelta(t, 111319.49, d, 50)
}

func TestForwardThenInverseRoundTrips(t *testing.T) {
	lon, lat := -73.22029516666667, -37.218540833333336
	newLon, newLat := Forward(lon, lat, 45, 500)
	d := InverseDistance(lon, lat, newLon, newLat)
	assert.InDelta(t, 500, d, 0.5)
}
