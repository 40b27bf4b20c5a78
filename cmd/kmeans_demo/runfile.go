package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// RunFile is the YAML form of the flags of a run. Fields left out keep the flag values.
type RunFile struct {
	Dataset       string   `yaml:"dataset"`
	Samples       *int     `yaml:"samples"`
	Features      *int     `yaml:"features"`
	DatasetSeed   *uint64  `yaml:"dataset_seed"`
	Float16       *bool    `yaml:"float16"`
	Clusters      *int     `yaml:"clusters"`
	Init          string   `yaml:"init"`
	Devices       *uint32  `yaml:"devices"`
	Metric        string   `yaml:"metric"`
	Tolerance     *float64 `yaml:"tolerance"`
	Yinyang       *float64 `yaml:"yinyang_t"`
	Seed          *uint64  `yaml:"seed"`
	Verbosity     *int     `yaml:"verbosity"`
	MaxIterations *int     `yaml:"max_iterations"`
}

// LoadRunFile reads a YAML run file.
func LoadRunFile(path string) (*RunFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read run file %q", path)
	}
	runFile := &RunFile{}
	if err = yaml.Unmarshal(data, runFile); err != nil {
		return nil, errors.Wrapf(err, "failed to parse run file %q", path)
	}
	return runFile, nil
}

// Apply sets the flags given in the run file, unless they were set on the command line.
func (r *RunFile) Apply(flags *pflag.FlagSet) error {
	values := map[string]string{}
	setString := func(name, value string) {
		if value != "" {
			values[name] = value
		}
	}
	setString("dataset", r.Dataset)
	setString("init", r.Init)
	setString("metric", r.Metric)
	setPtr(values, "samples", r.Samples)
	setPtr(values, "features", r.Features)
	setPtr(values, "dataset-seed", r.DatasetSeed)
	setPtr(values, "float16", r.Float16)
	setPtr(values, "clusters", r.Clusters)
	setPtr(values, "devices", r.Devices)
	setPtr(values, "tolerance", r.Tolerance)
	setPtr(values, "yinyang", r.Yinyang)
	setPtr(values, "seed", r.Seed)
	setPtr(values, "verbosity", r.Verbosity)
	setPtr(values, "max-iterations", r.MaxIterations)
	for name, value := range values {
		if flags.Changed(name) {
			continue
		}
		if err := flags.Set(name, value); err != nil {
			return errors.Wrapf(err, "invalid value %q for %s in run file", value, name)
		}
	}
	return nil
}

func setPtr[T any](values map[string]string, name string, value *T) {
	if value != nil {
		values[name] = yamlScalar(*value)
	}
}

// yamlScalar formats a value the way pflag parses it.
func yamlScalar(value any) string {
	out, err := yaml.Marshal(value)
	if err != nil {
		return ""
	}
	return string(out[:len(out)-1])
}
