package main

import (
	"github.com/gomlx/gokmeans/kmeans"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Summary returns the JSON summary of a run: its configuration, the number of iterations and the size of each
// cluster.
func Summary(params map[string]any, result *kmeans.Result) (string, error) {
	var k int
	if result.Centroids != nil {
		k = result.Centroids.Rows
	}
	sizes := make([]any, k)
	counts := make([]int, k)
	for _, c := range result.Assignments {
		counts[c]++
	}
	for ii, count := range counts {
		sizes[ii] = count
	}
	centroids := make([]any, 0, k)
	if result.Centroids != nil {
		values := result.Centroids.Float32()
		for c := range k {
			row := make([]any, result.Centroids.Cols)
			for jj := range row {
				row[jj] = float64(values[c*result.Centroids.Cols+jj])
			}
			centroids = append(centroids, row)
		}
	}
	summary, err := structpb.NewStruct(map[string]any{
		"config":        params,
		"iterations":    result.Iterations,
		"converged":     result.Converged,
		"cluster_sizes": sizes,
		"centroids":     centroids,
	})
	if err != nil {
		return "", err
	}
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(summary)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
