package pipeline

import "errors"

var (
	// ErrMissingWeights means a weight-bearing component has no weights in
	// the requested format.
	ErrMissingWeights = errors.New("missing component weights")

	// ErrNoCompatibleFormat means no format in the preference list was
	// complete for every component.
	ErrNoCompatibleFormat = errors.New("no compatible model format found")
)

type Format string

const (
	FormatONNX        Format = "onnx"
	FormatSafetensors Format = "safetensors"
	FormatCkpt        Format = "ckpt"
	FormatBin         Format = "bin"
)

// DefaultFormats is the order formats are tried in when none is forced.
var DefaultFormats = []Format{FormatONNX, FormatSafetensors, FormatCkpt, FormatBin}

func (f Format) extension() string {
	return "." + string(f)
}

// ParseFormat accepts a format name with or without the leading dot.
func ParseFormat(s string) (Format, error) {
	switch f := Format(trimDot(s)); f {
	case FormatONNX, FormatSafetensors, FormatCkpt, FormatBin:
		return f, nil
	}
	return "", errors.New("unknown format: " + s)
}

func trimDot(s string) string {
	if len(s) > 0 && s[0] == '.' {
		return s[1:]
	}
	return s
}

type ModelComponent struct {
	LibraryName string `json:"library_name,omitempty" yaml:"library_name,omitempty"`
	ClassName   string `json:"class_name,omitempty" yaml:"class_name,omitempty"`
}

type ModelIndex struct {
	ClassName        string                    `json:"_class_name"`
	DiffusersVersion string                    `json:"_diffusers_version,omitempty"`
	Components       map[string]ModelComponent `json:"-"`
}

type DownloadOptions struct {
	// Format forces one weight format. Empty tries DefaultFormats in order.
	Format Format
	// Variant selects e.g. "fp16" weights. Ignored for ONNX exports.
	Variant  string
	Revision string
	// Skip lists components that are not downloaded or checked.
	Skip          []string
	ForceDownload bool
}

// auxiliaryComponents hold no model weights and are fetched whole.
var auxiliaryComponents = map[string]bool{
	"scheduler":         true,
	"tokenizer":         true,
	"tokenizer_2":       true,
	"tokenizer_3":       true,
	"feature_extractor": true,
	"safety_checker":    true,
	"image_encoder":     true,
}

// IsAuxiliary reports whether a component is checked for weights.
func IsAuxiliary(component string) bool {
	return auxiliaryComponents[component]
}
