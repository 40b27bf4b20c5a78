package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gokmeans/kmeans"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func testFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("dataset", "sixblobs", "")
	flags.Int("clusters", 50, "")
	flags.Float64("tolerance", 0.05, "")
	flags.Uint32("devices", 0, "")
	flags.Bool("float16", false, "")
	flags.String("metric", "l2", "")
	return flags
}

func TestRunFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataset: sphere
clusters: 20
tolerance: 0.001
devices: 3
float16: true
metric: cos
`), 0o644))
	runFile, err := LoadRunFile(path)
	require.NoError(t, err)
	require.Equal(t, "sphere", runFile.Dataset)

	flags := testFlags()
	require.NoError(t, flags.Parse([]string{"--clusters=7"}))
	require.NoError(t, runFile.Apply(flags))
	require.Equal(t, "sphere", must1(flags.GetString("dataset")))
	require.Equal(t, 7, must1(flags.GetInt("clusters")), "command line takes precedence")
	require.Equal(t, 0.001, must1(flags.GetFloat64("tolerance")))
	require.Equal(t, uint32(3), must1(flags.GetUint32("devices")))
	require.True(t, must1(flags.GetBool("float16")))
	require.Equal(t, "cos", must1(flags.GetString("metric")))

	require.NoError(t, os.WriteFile(path, []byte("clusters: [1, 2]\n"), 0o644))
	_, err = LoadRunFile(path)
	require.Error(t, err)
	_, err = LoadRunFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSummary(t *testing.T) {
	result := &kmeans.Result{
		Centroids:   kmeans.NewHostMatrix([]float32{0, 1, 2, 3}, 2, 2),
		Assignments: []uint32{0, 1, 1},
		Iterations:  4,
		Converged:   true,
	}
	summary, err := Summary(map[string]any{"dataset": "sixblobs", "samples": 3}, result)
	require.NoError(t, err)
	// protojson output spacing is not stable.
	require.Regexp(t, `"iterations":\s*4`, summary)
	require.Regexp(t, `"converged":\s*true`, summary)
	require.Regexp(t, `"dataset":\s*"sixblobs"`, summary)
	require.Regexp(t, `"cluster_sizes":\s*\[\s*1,\s*2\s*\]`, summary)
}

func must1[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}
