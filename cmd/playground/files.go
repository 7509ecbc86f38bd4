package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/playground/internal/config"
	"github.com/fyrsmithlabs/playground/internal/experiment"
)

const (
	resultsFile       = "results.json"
	manualRatingsFile = "manual_ratings.json"
)

func loadExperiment(path string) (*experiment.Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment %s: %w", path, err)
	}
	var exp experiment.Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("failed to parse experiment %s: %w", path, err)
	}
	if exp.ID == "" {
		return nil, fmt.Errorf("experiment %s has no id", path)
	}
	if exp.ExecutionMode == "" {
		exp.ExecutionMode = experiment.ExecutionModeBatch
	}
	return &exp, nil
}

// loadModuleConfiguration reads path, or derives a configuration from the
// backend settings when path is empty.
func loadModuleConfiguration(path string, backend config.BackendConfig) (experiment.ModuleConfiguration, error) {
	if path == "" {
		return experiment.ModuleConfiguration{
			ID:     backend.ModuleType + "-" + backend.ModuleName,
			Name:   backend.ModuleName,
			Module: experiment.Module{Type: backend.ModuleType, Name: backend.ModuleName},
		}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return experiment.ModuleConfiguration{}, fmt.Errorf("failed to read module configuration %s: %w", path, err)
	}
	var mc experiment.ModuleConfiguration
	if err := json.Unmarshal(data, &mc); err != nil {
		return experiment.ModuleConfiguration{}, fmt.Errorf("failed to parse module configuration %s: %w", path, err)
	}
	if mc.ID == "" {
		mc.ID = mc.Module.Type + "-" + mc.Module.Name
	}
	return mc, nil
}

// writeExport writes the export documents into dir and returns the written paths.
func writeExport(dir string, exp experiment.Export) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	docs := []struct {
		name string
		doc  any
	}{{resultsFile, exp.Results}}
	if exp.ManualRatings != nil {
		docs = append(docs, struct {
			name string
			doc  any
		}{manualRatingsFile, exp.ManualRatings})
	}

	var written []string
	for _, d := range docs {
		data, err := json.MarshalIndent(d.doc, "", "  ")
		if err != nil {
			return written, fmt.Errorf("failed to encode %s: %w", d.name, err)
		}
		path := filepath.Join(dir, d.name)
		if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
