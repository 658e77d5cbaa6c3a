// Package layout resolves the conventional files of exported model
// directories: single models with config.json and model.onnx at the root,
// and diffusion pipelines with model_index.json and one subfolder per
// component.
package layout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-vault/model-cache/constants"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindModel
	KindPipeline
)

func (k Kind) String() string {
	switch k {
	case KindModel:
		return "model"
	case KindPipeline:
		return "pipeline"
	default:
		return "unknown"
	}
}

var roles = map[string]string{
	constants.DiffusionModelUNetSubfolder:         "UNet",
	constants.DiffusionModelTransformerSubfolder:  "Transformer",
	constants.DiffusionModelVAEDecoderSubfolder:   "VAE decoder",
	constants.DiffusionModelVAEEncoderSubfolder:   "VAE encoder",
	constants.DiffusionModelTextEncoderSubfolder:  "Text encoder",
	constants.DiffusionModelTextEncoder2Subfolder: "Text encoder 2",
	constants.DiffusionModelTextEncoder3Subfolder: "Text encoder 3",
}

// Role returns a display label for a known component subfolder, or "".
func Role(subfolder string) string {
	return roles[subfolder]
}

// IsONNXComponent reports whether subfolder is one of the component folders
// an ONNX export writes a model.onnx into.
func IsONNXComponent(subfolder string) bool {
	_, ok := roles[subfolder]
	return ok
}

// Detect classifies root by the files present in it.
func Detect(root string) Kind {
	if fileExists(filepath.Join(root, constants.DiffusionPipelineConfigFileName)) {
		return KindPipeline
	}
	if fileExists(filepath.Join(root, constants.ONNXWeightsName)) ||
		fileExists(filepath.Join(root, constants.ConfigName)) {
		return KindModel
	}
	return KindUnknown
}

// ModelDir is a directory holding a single exported model.
type ModelDir struct {
	Root string
}

func (m ModelDir) ConfigPath() string {
	return filepath.Join(m.Root, constants.ConfigName)
}

func (m ModelDir) ONNXPath() string {
	return filepath.Join(m.Root, constants.ONNXWeightsName)
}

// ModelReport describes what was found in a ModelDir.
type ModelReport struct {
	Root         string         `json:"root" yaml:"root"`
	HasConfig    bool           `json:"has_config" yaml:"has_config"`
	HasONNX      bool           `json:"has_onnx" yaml:"has_onnx"`
	ExternalData []string       `json:"external_data,omitempty" yaml:"external_data,omitempty"`
	Size         int64          `json:"size" yaml:"size"`
	Config       map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Inspect lists the model files in the directory and decodes config.json
// when present. A missing directory returns an error wrapping fs.ErrNotExist.
func (m ModelDir) Inspect() (*ModelReport, error) {
	entries, err := os.ReadDir(m.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read model directory %s: %w", m.Root, err)
	}

	report := &ModelReport{Root: m.Root}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		// hub snapshots are symlinks into blobs, so stat through them
		info, err := os.Stat(filepath.Join(m.Root, name))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		report.Size += info.Size()

		if isExternalData(name) {
			report.ExternalData = append(report.ExternalData, name)
		}
	}
	sort.Strings(report.ExternalData)

	report.HasConfig = fileExists(m.ConfigPath())
	report.HasONNX = fileExists(m.ONNXPath())

	if report.HasConfig {
		config, err := readConfig(m.ConfigPath())
		if err != nil {
			return nil, err
		}
		report.Config = config
	}

	return report, nil
}

// PipelineDir is a directory holding an exported diffusion pipeline.
type PipelineDir struct {
	Root string
}

func (p PipelineDir) IndexPath() string {
	return filepath.Join(p.Root, constants.DiffusionPipelineConfigFileName)
}

func (p PipelineDir) Component(subfolder string) ModelDir {
	return ModelDir{Root: filepath.Join(p.Root, subfolder)}
}

// Subfolders lists the known component subfolders present under the root,
// in declaration order.
func (p PipelineDir) Subfolders() []string {
	var present []string
	for _, sub := range constants.DiffusionModelSubfolders() {
		info, err := os.Stat(filepath.Join(p.Root, sub))
		if err == nil && info.IsDir() {
			present = append(present, sub)
		}
	}
	return present
}

func isExternalData(name string) bool {
	return strings.HasSuffix(name, ".onnx_data") ||
		strings.HasSuffix(name, ".onnx.data") ||
		name == "weights.pb"
}

func readConfig(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config map[string]any
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return config, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
