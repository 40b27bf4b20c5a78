// kmeans_demo clusters a synthetic dataset on the available devices and reports the result.
//
// The default run is the six blobs scenario: 13000 two-dimensional samples in six separated blobs, 50 clusters,
// random initialization, tolerance 0.05 and no Yinyang pruning:
//
//	$ kmeans_demo --verbosity=2
//
// Flags can be given in a YAML run file with --config; flags on the command line take precedence.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gokmeans/device"
	"github.com/gomlx/gokmeans/dtypes"
	"github.com/gomlx/gokmeans/internal/datasets"
	"github.com/gomlx/gokmeans/kmeans"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kmeans_demo",
		Short: "Cluster a synthetic dataset with the gokmeans engine",
		Long: `kmeans_demo generates a dataset and clusters it on the selected devices.

Datasets:
  sixblobs   13000 two-dimensional samples in six blobs (--samples and --features are ignored)
  gaussian   --samples samples of --features features around random centers
  sphere     --samples unit vectors of --features features, use with --metric=cos`,
		SilenceUsage: true,
		RunE:         runCluster,
	}
	flags := rootCmd.Flags()
	flags.String("config", "", "YAML run file with the values of the flags")
	flags.String("dataset", "sixblobs", "Dataset to cluster: sixblobs, gaussian or sphere")
	flags.Int("samples", 100000, "Number of samples of the gaussian and sphere datasets")
	flags.Int("features", 16, "Number of features of the gaussian and sphere datasets")
	flags.Uint64("dataset-seed", 3, "Seed of the dataset generator")
	flags.Bool("float16", false, "Store the samples as Float16")
	flags.Int("clusters", 50, "Number of clusters K")
	flags.String("init", "random", "Initialization: random or kmeans++")
	flags.Uint32("devices", 0, "Mask of the devices to use, bit i selects device i, 0 for all")
	flags.String("metric", "l2", "Metric: l2 or cos")
	flags.Float64("tolerance", 0.05, "Fraction of reassigned samples at which the run converged")
	flags.Float64("yinyang", 0, "Yinyang grouping parameter t, 0 disables the pruning")
	flags.Uint64("seed", 3, "Seed of the random choices of the run")
	flags.Int("verbosity", 2, "Verbosity of the progress records, 0 to 3")
	flags.Int("max-iterations", 1000, "Maximum number of passes")
	flags.Bool("json", false, "Print a JSON summary of the run")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "devices",
		Short: "List the devices of the active backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := device.DefaultClient()
			if err != nil {
				return err
			}
			fmt.Println(client)
			for _, dev := range client.Devices() {
				fmt.Printf("  %s\n", dev)
			}
			fmt.Printf("Float16 supported: %v\n", kmeans.SupportsFloat16())
			return nil
		},
	})

	goFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)
	defer klog.Flush()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCluster(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	if path := must.M1(flags.GetString("config")); path != "" {
		runFile, err := LoadRunFile(path)
		if err != nil {
			return err
		}
		if err = runFile.Apply(flags); err != nil {
			return err
		}
	}
	dataset := must.M1(flags.GetString("dataset"))
	n, d := must.M1(flags.GetInt("samples")), must.M1(flags.GetInt("features"))
	datasetSeed := must.M1(flags.GetUint64("dataset-seed"))
	var values []float32
	switch dataset {
	case "sixblobs":
		n, d = datasets.SixBlobsSamples, 2
		values = datasets.SixBlobs(datasetSeed)
	case "gaussian":
		values = datasets.Gaussian(n, d, max(n/1000, 2), 2, datasetSeed)
	case "sphere":
		values = datasets.Sphere(n, d, datasetSeed)
	default:
		return errors.Errorf("unknown dataset %q", dataset)
	}
	samples := kmeans.NewHostMatrix(values, n, d)
	if must.M1(flags.GetBool("float16")) {
		halves := make([]float16.Float16, len(values))
		for ii, v := range values {
			halves[ii] = float16.Fromfloat32(v)
		}
		samples = kmeans.NewHostMatrix(halves, n, d)
	}

	config := kmeans.Cluster(samples).
		Clusters(must.M1(flags.GetInt("clusters"))).
		InitName(must.M1(flags.GetString("init"))).
		Devices(must.M1(flags.GetUint32("devices"))).
		MetricName(must.M1(flags.GetString("metric"))).
		Tolerance(must.M1(flags.GetFloat64("tolerance"))).
		Yinyang(must.M1(flags.GetFloat64("yinyang"))).
		Seed(must.M1(flags.GetUint64("seed"))).
		Verbosity(must.M1(flags.GetInt("verbosity"))).
		MaxIterations(must.M1(flags.GetInt("max-iterations")))
	jsonSummary := must.M1(flags.GetBool("json"))
	if jsonSummary {
		// Keep stdout for the summary.
		config.Progress(os.Stderr)
	}
	result, err := config.Done()
	if err != nil {
		return err
	}
	if !jsonSummary {
		fmt.Printf("%s clustered in %d iterations (converged: %v)\n", samples, result.Iterations, result.Converged)
		return nil
	}
	params := map[string]any{"dataset": dataset, "samples": n, "features": d, "dtype": dtypes.Float32.String()}
	if samples.DType == dtypes.Float16 {
		params["dtype"] = dtypes.Float16.String()
	}
	flags.VisitAll(func(f *pflag.Flag) {
		if _, found := params[f.Name]; !found && f.Name != "config" && f.Name != "json" {
			params[f.Name] = f.Value.String()
		}
	})
	summary, err := Summary(params, result)
	if err != nil {
		return err
	}
	fmt.Println(summary)
	return nil
}
