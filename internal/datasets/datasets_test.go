package datasets

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

func TestSixBlobs(t *testing.T) {
	samples := SixBlobs(3)
	require.Len(t, samples, 2*SixBlobsSamples)
	require.Equal(t, samples, SixBlobs(3))
	require.NotEqual(t, samples, SixBlobs(4))

	// Means of each blob are close to its center.
	var sums [6][2]float64
	for ii := range SixBlobsSamples {
		sums[ii%6][0] += float64(samples[2*ii])
		sums[ii%6][1] += float64(samples[2*ii+1])
	}
	perBlob := float64(SixBlobsSamples) / 6
	for blob, center := range sixBlobCenters {
		require.InDelta(t, center[0], sums[blob][0]/perBlob, 0.2)
		require.InDelta(t, center[1], sums[blob][1]/perBlob, 0.2)
	}
}

func TestGaussian(t *testing.T) {
	samples := Gaussian(100, 7, 4, 1, 1)
	require.Len(t, samples, 700)
	require.Equal(t, samples, Gaussian(100, 7, 4, 1, 1))
}

func TestSphereAndCircle(t *testing.T) {
	samples := Sphere(50, 16, 5)
	for ii := range 50 {
		var sum float32
		for _, v := range samples[ii*16 : (ii+1)*16] {
			sum += v * v
		}
		require.InDelta(t, 1, math32.Sqrt(sum), 1e-5)
	}

	circle := Circle(40, 4, 5)
	require.Len(t, circle, 80)
	for ii := range 40 {
		radius := math32.Hypot(circle[2*ii], circle[2*ii+1])
		require.True(t, radius >= 0.5 && radius < 2, "radius %g out of range", radius)
	}
}
