// SPDX-License-Identifier: MIT

// Package engine drives the external speech-to-text subprocess. The contract
// with the engine binary: exit 0 on success, write <basename>.<fmt> under the
// given output directory, and optionally emit "progress = NN%" lines on
// stderr. Missing progress lines disable progress reporting, nothing else.
package engine

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sonralabs/palantir/internal/config"
)

// Settings captures the engine invocation parameters.
type Settings struct {
	Binary       string
	Model        string
	Language     string
	Task         string
	ComputeType  string
	Flavor       string
	OutputFormat string // "txt" or "json"
}

// FromConfig extracts engine settings from the daemon configuration.
func FromConfig(cfg config.Config) Settings {
	return Settings{
		Binary:       cfg.EngineBinary,
		Model:        cfg.EngineModel,
		Language:     cfg.EngineLanguage,
		Task:         cfg.EngineTask,
		ComputeType:  cfg.EngineComputeType,
		Flavor:       cfg.EngineFlavor,
		OutputFormat: cfg.EngineOutputFormat,
	}
}

// BuildArgs constructs the CLI arguments for transcribing inputPath into
// outputDir, per engine flavor.
func (s Settings) BuildArgs(inputPath, outputDir string) []string {
	switch s.Flavor {
	case config.FlavorWhisperCPP:
		args := []string{
			"-m", s.Model,
			"-f", inputPath,
			"--output-" + s.OutputFormat,
			"--output-file", filepath.Join(outputDir, baseName(inputPath)),
		}
		if s.Language != "" {
			args = append(args, "-l", s.Language)
		}
		return args
	default: // whisper / faster-whisper CLI
		args := []string{
			inputPath,
			"--model", s.Model,
			"--task", s.Task,
			"--compute_type", s.ComputeType,
			"--output_format", s.OutputFormat,
			"--output_dir", outputDir,
		}
		if s.Language != "" {
			args = append(args, "--language", s.Language)
		}
		return args
	}
}

// OutputPath returns where the engine is expected to write its artifact for
// the given input.
func (s Settings) OutputPath(inputPath, outputDir string) string {
	return filepath.Join(outputDir, baseName(inputPath)+"."+s.OutputFormat)
}

// Available reports whether the engine binary can be resolved and executed.
func (s Settings) Available() bool {
	if strings.Contains(s.Binary, string(filepath.Separator)) {
		info, err := os.Stat(s.Binary)
		return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
	}
	_, err := exec.LookPath(s.Binary)
	return err == nil
}

// baseName strips the extension from the input's base name.
func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
