// Package kmeans clusters samples on the available accelerators, with Lloyd iterations optionally accelerated by
// Yinyang bound pruning.
//
// A run is configured with a fluent builder and started with Done:
//
//	result, err := kmeans.Cluster(kmeans.NewHostMatrix(samples, n, d)).
//		Clusters(50).
//		Init(kmeans.InitRandom).
//		Tolerance(0.05).
//		Seed(3).
//		Done()
//
// Samples are given as a *HostMatrix (an ordinary Go slice) or as a Descriptor of a pinned host or device
// pointer. The outputs mirror the residency of the samples: host arrays in, host arrays out; pointers in,
// pointers out, allocated on the device of the input and owned by the caller (see Release).
package kmeans

import (
	"github.com/gomlx/gokmeans/device"
	_ "github.com/gomlx/gokmeans/device/emulated"
	"github.com/gomlx/gokmeans/internal/distance"
	"github.com/gomlx/gokmeans/internal/initializer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Metric used to compare samples and centroids.
type Metric = distance.Metric

const (
	// L2 is the squared Euclidean distance.
	L2 = distance.L2

	// Cosine is 1 - cosine similarity. Samples don't need to be normalized, centroids are kept with unit norm.
	Cosine = distance.Cosine
)

// InitMethod is how the initial centroids are created.
type InitMethod = initializer.Method

const (
	InitRandom         = initializer.Random
	InitKMeansPlusPlus = initializer.PlusPlus

	// InitImport is set by Config.WithCentroids.
	InitImport = initializer.Import
)

// Errors returned by Done, to be matched with errors.Is.
var (
	ErrInvalidDeviceSelection = device.ErrInvalidDeviceSelection
	ErrInvalidShapeOrWidth    = device.ErrInvalidShapeOrWidth
	ErrAllocationFailure      = device.ErrAllocationFailure
)

// Default values of the configuration.
const (
	DefaultTolerance = 0.01
	DefaultYinyang   = 0.1
	DefaultInit      = InitKMeansPlusPlus
	DefaultMetric    = L2
)

var initAliases = map[string]InitMethod{
	"random":    InitRandom,
	"kmeans++":  InitKMeansPlusPlus,
	"k-means++": InitKMeansPlusPlus,
	"plusplus":  InitKMeansPlusPlus,
	"import":    InitImport,
}

// ParseInit converts the textual form of an initialization method: "random", "kmeans++" (or "k-means++") and
// "import".
func ParseInit(name string) (InitMethod, error) {
	if method, found := initAliases[name]; found {
		return method, nil
	}
	if method, err := initializer.MethodString(name); err == nil {
		return method, nil
	}
	return 0, errors.Errorf("unknown initialization method %q, valid values are \"random\" and \"kmeans++\"", name)
}

var metricAliases = map[string]Metric{
	"l2":        L2,
	"L2":        L2,
	"euclidean": L2,
	"cos":       Cosine,
	"cosine":    Cosine,
	"angular":   Cosine,
}

// ParseMetric converts the textual form of a metric: "l2" (or "euclidean") and "cos" (or "cosine").
func ParseMetric(name string) (Metric, error) {
	if metric, found := metricAliases[name]; found {
		return metric, nil
	}
	if metric, err := distance.MetricString(name); err == nil {
		return metric, nil
	}
	return 0, errors.Errorf("unknown metric %q, valid values are \"l2\" and \"cos\"", name)
}

// SupportsFloat16 returns whether the active device backend supports Float16 samples. It doesn't run anything.
func SupportsFloat16() bool {
	client, err := device.DefaultClient()
	if err != nil {
		klog.V(1).Infof("no device backend available: %v", err)
		return false
	}
	return client.SupportsFloat16()
}

// Release frees an output pointer returned by a clustering run on the default client.
// For runs configured with Config.WithClient, use Result.Release or device.Client.Free.
func Release(desc Descriptor) error {
	client, err := device.DefaultClient()
	if err != nil {
		return err
	}
	return client.Free(desc.Ptr)
}
