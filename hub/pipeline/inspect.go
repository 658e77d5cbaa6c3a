package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/go-vault/model-cache/layout"
)

type ComponentReport struct {
	Name      string              `json:"name" yaml:"name"`
	Folder    string              `json:"folder" yaml:"folder"`
	Role      string              `json:"role,omitempty" yaml:"role,omitempty"`
	Library   string              `json:"library" yaml:"library"`
	Class     string              `json:"class" yaml:"class"`
	Auxiliary bool                `json:"auxiliary" yaml:"auxiliary"`
	Model     *layout.ModelReport `json:"model,omitempty" yaml:"model,omitempty"`
}

type Report struct {
	Root             string            `json:"root" yaml:"root"`
	ClassName        string            `json:"class_name" yaml:"class_name"`
	DiffusersVersion string            `json:"diffusers_version,omitempty" yaml:"diffusers_version,omitempty"`
	Components       []ComponentReport `json:"components" yaml:"components"`
}

// Missing lists weight-bearing components without a model.onnx.
func (r *Report) Missing() []string {
	var missing []string
	for _, c := range r.Components {
		if c.Auxiliary {
			continue
		}
		if c.Model == nil || !c.Model.HasONNX {
			missing = append(missing, c.Name)
		}
	}
	return missing
}

// Size sums the file sizes of every inspected component.
func (r *Report) Size() int64 {
	var size int64
	for _, c := range r.Components {
		if c.Model != nil {
			size += c.Model.Size
		}
	}
	return size
}

// Inspect reads model_index.json under root and describes each component
// folder it names. A VAE exported to vae_decoder and vae_encoder is read
// from those folders, and known ONNX component folders the index does not
// name are reported as well. Components whose folder is absent have a nil
// Model.
func Inspect(root string) (*Report, error) {
	dir := layout.PipelineDir{Root: root}

	index, err := LoadModelIndex(dir.IndexPath())
	if err != nil {
		return nil, err
	}

	report := &Report{
		Root:             root,
		ClassName:        index.ClassName,
		DiffusersVersion: index.DiffusersVersion,
	}

	seen := make(map[string]bool)
	for _, name := range index.ComponentNames() {
		component := index.Components[name]
		folder := componentFolder(dir, name)
		seen[folder] = true

		cr, err := inspectComponent(dir, name, folder)
		if err != nil {
			return nil, err
		}
		cr.Library = component.LibraryName
		cr.Class = component.ClassName
		report.Components = append(report.Components, cr)
	}

	for _, folder := range dir.Subfolders() {
		if seen[folder] || !layout.IsONNXComponent(folder) {
			continue
		}
		cr, err := inspectComponent(dir, folder, folder)
		if err != nil {
			return nil, err
		}
		report.Components = append(report.Components, cr)
	}

	return report, nil
}

// componentFolder picks the folder holding a component's ONNX graph,
// falling back to the component's own name.
func componentFolder(dir layout.PipelineDir, name string) string {
	if hasONNX(dir, name) {
		return name
	}
	required, _ := onnxFolders(name)
	if hasONNX(dir, required[0]) {
		return required[0]
	}
	return name
}

func hasONNX(dir layout.PipelineDir, folder string) bool {
	info, err := os.Stat(dir.Component(folder).ONNXPath())
	return err == nil && info.Mode().IsRegular()
}

func inspectComponent(dir layout.PipelineDir, name, folder string) (ComponentReport, error) {
	role := layout.Role(folder)
	if role == "" {
		role = layout.Role(name)
	}
	cr := ComponentReport{
		Name:      name,
		Folder:    folder,
		Role:      role,
		Auxiliary: IsAuxiliary(name),
	}

	model, err := dir.Component(folder).Inspect()
	switch {
	case err == nil:
		cr.Model = model
	case errors.Is(err, fs.ErrNotExist):
	default:
		return cr, fmt.Errorf("component %s: %w", name, err)
	}
	return cr, nil
}
