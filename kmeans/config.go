package kmeans

import (
	"io"
	"os"

	"github.com/gomlx/gokmeans/device"
	"github.com/gomlx/gokmeans/internal/engine"
	"github.com/pkg/errors"
)

// Config of a clustering run, created with Cluster. Its methods can be chained, and the first configuration error
// is returned by Done.
type Config struct {
	samples   Input
	centroids Input
	client    *device.Client

	k             int
	init          InitMethod
	mask          uint32
	metric        Metric
	tolerance     float64
	yinyang       float64
	seed          uint64
	verbosity     int
	maxIterations int
	progress      io.Writer

	err error
}

// Cluster starts the configuration of a clustering run of the samples, a *HostMatrix or a Descriptor.
// At least Clusters must be set before calling Done.
func Cluster(samples Input) *Config {
	return &Config{
		samples:       samples,
		init:          DefaultInit,
		metric:        DefaultMetric,
		tolerance:     DefaultTolerance,
		yinyang:       DefaultYinyang,
		maxIterations: engine.DefaultMaxIterations,
		progress:      os.Stdout,
	}
}

// Clusters sets K, the number of clusters. It must be in [1, N].
func (c *Config) Clusters(k int) *Config {
	if c.err != nil {
		return c
	}
	if k < 1 {
		c.err = errors.WithMessagef(ErrInvalidShapeOrWidth, "number of clusters must be at least 1, got %d", k)
		return c
	}
	c.k = k
	return c
}

// Init sets how the initial centroids are created: InitRandom or InitKMeansPlusPlus (the default).
// Use WithCentroids to give them.
func (c *Config) Init(method InitMethod) *Config {
	if c.err != nil {
		return c
	}
	if !method.IsAMethod() {
		c.err = errors.Errorf("invalid initialization method %s", method)
		return c
	}
	if method == InitImport && c.centroids == nil {
		c.err = errors.New("InitImport requires the centroids, use WithCentroids instead")
		return c
	}
	c.init = method
	return c
}

// InitName is like Init, with the textual form of the method (see ParseInit).
func (c *Config) InitName(name string) *Config {
	if c.err != nil {
		return c
	}
	method, err := ParseInit(name)
	if err != nil {
		c.err = err
		return c
	}
	return c.Init(method)
}

// WithCentroids sets the initial centroids, K×D with the same width as the samples. The first pass refines them,
// and is labeled iteration 0.
func (c *Config) WithCentroids(centroids Input) *Config {
	if c.err != nil {
		return c
	}
	if centroids == nil {
		c.err = errors.New("WithCentroids given nil centroids")
		return c
	}
	c.centroids = centroids
	c.init = InitImport
	return c
}

// Devices sets the mask of the devices to use: bit i selects device i. 0, the default, selects all devices.
func (c *Config) Devices(mask uint32) *Config {
	c.mask = mask
	return c
}

// Metric sets the metric, L2 (the default) or Cosine.
func (c *Config) Metric(metric Metric) *Config {
	if c.err != nil {
		return c
	}
	if !metric.IsAMetric() {
		c.err = errors.Errorf("invalid metric %s", metric)
		return c
	}
	c.metric = metric
	return c
}

// MetricName is like Metric, with the textual form of the metric (see ParseMetric).
func (c *Config) MetricName(name string) *Config {
	if c.err != nil {
		return c
	}
	metric, err := ParseMetric(name)
	if err != nil {
		c.err = err
		return c
	}
	return c.Metric(metric)
}

// Tolerance sets the fraction of samples reassigned in a pass at or below which the run converged.
// It must be in [0, 1], the default is DefaultTolerance.
func (c *Config) Tolerance(tolerance float64) *Config {
	if c.err != nil {
		return c
	}
	if tolerance < 0 || tolerance > 1 {
		c.err = errors.Errorf("tolerance must be in [0, 1], got %g", tolerance)
		return c
	}
	c.tolerance = tolerance
	return c
}

// Yinyang sets the grouping parameter t of the Yinyang pruning: the centroids are split in ⌊t·K⌋ groups.
// 0 disables the pruning, the default is DefaultYinyang.
func (c *Config) Yinyang(t float64) *Config {
	if c.err != nil {
		return c
	}
	if t < 0 || t > 1 {
		c.err = errors.Errorf("yinyang_t must be in [0, 1], got %g", t)
		return c
	}
	c.yinyang = t
	return c
}

// Seed of all the random choices of the run. The default is 0.
func (c *Config) Seed(seed uint64) *Config {
	c.seed = seed
	return c
}

// Verbosity of the progress records: 0 for none, 1 for a summary, 2 for a line per pass, 3 for details.
func (c *Config) Verbosity(verbosity int) *Config {
	if c.err != nil {
		return c
	}
	if verbosity < 0 || verbosity > 3 {
		c.err = errors.Errorf("verbosity must be in [0, 3], got %d", verbosity)
		return c
	}
	c.verbosity = verbosity
	return c
}

// MaxIterations caps the number of passes, the default is engine.DefaultMaxIterations.
func (c *Config) MaxIterations(maxIterations int) *Config {
	if c.err != nil {
		return c
	}
	if maxIterations < 1 {
		c.err = errors.Errorf("MaxIterations must be at least 1, got %d", maxIterations)
		return c
	}
	c.maxIterations = maxIterations
	return c
}

// Progress sets where the progress records are written, os.Stdout by default. nil discards them.
func (c *Config) Progress(w io.Writer) *Config {
	c.progress = w
	return c
}

// WithClient sets the device client to run on, instead of device.DefaultClient.
func (c *Config) WithClient(client *device.Client) *Config {
	c.client = client
	return c
}
