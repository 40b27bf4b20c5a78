// Package datasets generates the synthetic sample matrices used by the tests and the demo.
package datasets

import (
	"math"
	"math/rand/v2"

	"github.com/chewxy/math32"
)

// SixBlobsSamples is the number of samples of SixBlobs.
const SixBlobsSamples = 13000

// sixBlobCenters are visually separated on the plane.
var sixBlobCenters = [][2]float32{{0, 0}, {12, 1}, {24, -1}, {1, 14}, {13, 15}, {25, 13}}

// newRand returns the generator of the datasets for the seed.
func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 0xda7a5e7))
}

// SixBlobs returns 13000 two-dimensional samples, flat 13000×2, in six blobs of isotropic Gaussian noise.
// Sample i belongs to blob i%6.
func SixBlobs(seed uint64) []float32 {
	return Blobs(SixBlobsSamples, sixBlobCenters, 1.5, seed)
}

// Blobs returns n two-dimensional samples, flat n×2, sample i drawn around centers[i%len(centers)] with the
// given standard deviation.
func Blobs(n int, centers [][2]float32, stddev float64, seed uint64) []float32 {
	r := newRand(seed)
	samples := make([]float32, 0, 2*n)
	for ii := range n {
		center := centers[ii%len(centers)]
		samples = append(samples,
			center[0]+float32(r.NormFloat64()*stddev),
			center[1]+float32(r.NormFloat64()*stddev))
	}
	return samples
}

// Gaussian returns n samples of d features, flat n×d, drawn around numCenters random centers in [-10, 10)^d.
// Sample i belongs to center i%numCenters.
func Gaussian(n, d, numCenters int, stddev float64, seed uint64) []float32 {
	r := newRand(seed)
	centers := make([]float32, numCenters*d)
	for ii := range centers {
		centers[ii] = float32(20*r.Float64() - 10)
	}
	samples := make([]float32, 0, n*d)
	for ii := range n {
		center := centers[(ii%numCenters)*d : (ii%numCenters+1)*d]
		for _, c := range center {
			samples = append(samples, c+float32(r.NormFloat64()*stddev))
		}
	}
	return samples
}

// Circle returns n points on the unit circle, flat n×2, clustered around numDirections evenly spaced angles,
// scaled by random radii in [0.5, 2): only their direction matters to the cosine metric.
func Circle(n, numDirections int, seed uint64) []float32 {
	r := newRand(seed)
	samples := make([]float32, 0, 2*n)
	for ii := range n {
		angle := 2*math.Pi*float64(ii%numDirections)/float64(numDirections) + 0.1*r.NormFloat64()
		radius := 0.5 + 1.5*r.Float64()
		samples = append(samples, float32(radius*math.Cos(angle)), float32(radius*math.Sin(angle)))
	}
	return samples
}

// Sphere returns n points of d features, flat n×d, with directions uniformly distributed on the unit sphere and
// unit norm.
func Sphere(n, d int, seed uint64) []float32 {
	r := newRand(seed)
	samples := make([]float32, n*d)
	for ii := range n {
		row := samples[ii*d : (ii+1)*d]
		var norm float32
		for norm == 0 {
			for jj := range row {
				row[jj] = float32(r.NormFloat64())
			}
			var sum float32
			for _, v := range row {
				sum += v * v
			}
			norm = math32.Sqrt(sum)
		}
		for jj := range row {
			row[jj] /= norm
		}
	}
	return samples
}
