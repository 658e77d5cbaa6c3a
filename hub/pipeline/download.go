package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-vault/model-cache/constants"
	"github.com/go-vault/model-cache/hub"
)

const shardSuffix = "-[0-9][0-9][0-9][0-9][0-9]-of-[0-9][0-9][0-9][0-9][0-9]"

const vaeComponent = "vae"

var torchWeightNames = []string{
	"diffusion_pytorch_model",
	"model",
	"pytorch_model",
}

type Downloader struct {
	client *hub.Client
}

func NewDownloader(client *hub.Client) *Downloader {
	return &Downloader{
		client: client,
	}
}

// Download fetches model_index.json and then the files of every component
// in the first format that is complete for all of them. It returns the
// snapshot folder.
func (d *Downloader) Download(ctx context.Context, repoID string, opts *DownloadOptions) (string, error) {
	if opts == nil {
		opts = &DownloadOptions{}
	}

	modelIndexPath, err := d.client.Download(ctx, &hub.DownloadParams{
		Repo:          &hub.Repo{Id: repoID, Type: hub.ModelRepoType},
		FileName:      constants.DiffusionPipelineConfigFileName,
		Revision:      opts.Revision,
		ForceDownload: opts.ForceDownload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get model index: %w", err)
	}

	modelIndex, err := LoadModelIndex(modelIndexPath)
	if err != nil {
		return "", fmt.Errorf("failed to parse model index: %w", err)
	}

	d.client.Logger.Info().
		Str("repo", repoID).
		Str("pipeline", modelIndex.ClassName).
		Strs("components", modelIndex.ComponentNames()).
		Msg("resolved pipeline")

	if opts.Format != "" {
		snapshotPath, err := d.tryDownloadFormat(ctx, repoID, modelIndex, opts.Format, opts)
		if err != nil {
			return "", fmt.Errorf("%s required but not available: %w", opts.Format, err)
		}
		return snapshotPath, nil
	}

	var lastErr error
	for _, format := range DefaultFormats {
		snapshotPath, err := d.tryDownloadFormat(ctx, repoID, modelIndex, format, opts)
		if err == nil {
			return snapshotPath, nil
		}
		if !errors.Is(err, ErrMissingWeights) {
			return "", err
		}
		d.client.Logger.Debug().Err(err).Str("format", string(format)).Msg("format not available")
		lastErr = err
	}

	return "", fmt.Errorf("%w: %w", ErrNoCompatibleFormat, lastErr)
}

func (d *Downloader) tryDownloadFormat(ctx context.Context, repoID string, modelIndex *ModelIndex, format Format, opts *DownloadOptions) (string, error) {
	patterns := buildDownloadPatterns(modelIndex, format, opts)

	snapshotPath, err := d.client.Download(ctx, &hub.DownloadParams{
		Repo:          &hub.Repo{Id: repoID, Type: hub.ModelRepoType},
		Revision:      opts.Revision,
		AllowPatterns: patterns,
		ForceDownload: opts.ForceDownload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to download model in %s format: %w", format, err)
	}

	missing := missingWeights(snapshotPath, modelIndex, format, opts)
	if len(missing) > 0 {
		return "", fmt.Errorf("%w in %s format: %v", ErrMissingWeights, format, missing)
	}

	return snapshotPath, nil
}

// onnxFolders returns the folders an ONNX export writes a component to.
// The VAE is split into a decoder and an encoder, and only the decoder is
// needed for generation.
func onnxFolders(component string) (required, optional []string) {
	if component == vaeComponent {
		return []string{constants.DiffusionModelVAEDecoderSubfolder},
			[]string{constants.DiffusionModelVAEEncoderSubfolder}
	}
	return []string{component}, nil
}

// missingWeights lists the weight-bearing components with no weight file of
// the given format in the snapshot.
func missingWeights(snapshotPath string, modelIndex *ModelIndex, format Format, opts *DownloadOptions) []string {
	skip := skipSet(opts.Skip)

	var missing []string
	for _, component := range modelIndex.ComponentNames() {
		if IsAuxiliary(component) || skip[component] {
			continue
		}

		if format == FormatONNX {
			required, _ := onnxFolders(component)
			for _, folder := range required {
				onnxPath := filepath.Join(snapshotPath, folder, constants.DiffusionModelONNXFileName)
				if info, err := os.Stat(onnxPath); err != nil || info.IsDir() {
					missing = append(missing, component)
					break
				}
			}
			continue
		}

		files, err := os.ReadDir(filepath.Join(snapshotPath, component))
		if err != nil {
			missing = append(missing, component)
			continue
		}

		pattern := "*" + format.extension()
		if opts.Variant != "" {
			pattern = "*." + opts.Variant + "*" + format.extension()
		}

		hasComponentWeights := false
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			if matched, err := filepath.Match(pattern, file.Name()); err == nil && matched {
				hasComponentWeights = true
				break
			}
		}

		if !hasComponentWeights {
			missing = append(missing, component)
		}
	}

	return missing
}

func buildDownloadPatterns(index *ModelIndex, format Format, opts *DownloadOptions) []string {
	skip := skipSet(opts.Skip)
	patterns := []string{constants.DiffusionPipelineConfigFileName}

	for _, componentName := range index.ComponentNames() {
		if skip[componentName] {
			continue
		}

		// for tokenizers and schedulers, download everything
		if strings.Contains(componentName, "tokenizer") ||
			strings.Contains(componentName, "scheduler") ||
			componentName == "feature_extractor" {
			patterns = append(patterns,
				fmt.Sprintf("%s/*.json", componentName),
				fmt.Sprintf("%s/*", componentName),
			)
			continue
		}

		if format == FormatONNX {
			required, optional := onnxFolders(componentName)
			for _, folder := range append(required, optional...) {
				patterns = append(patterns,
					fmt.Sprintf("%s/*.json", folder),
					fmt.Sprintf("%s/%s", folder, constants.DiffusionModelONNXFileName),
					// external data written next to graphs over 2GB
					fmt.Sprintf("%s/*.onnx_data", folder),
					fmt.Sprintf("%s/*.onnx.data", folder),
					fmt.Sprintf("%s/weights.pb", folder),
				)
			}
			continue
		}

		patterns = append(patterns, fmt.Sprintf("%s/*.json", componentName))

		ext := format.extension()
		for _, baseName := range torchWeightNames {
			if opts.Variant == "" {
				patterns = append(patterns,
					fmt.Sprintf("%s/%s%s", componentName, baseName, ext),
					fmt.Sprintf("%s/%s%s%s", componentName, baseName, shardSuffix, ext),
				)
			} else {
				patterns = append(patterns,
					fmt.Sprintf("%s/%s.%s%s", componentName, baseName, opts.Variant, ext),
					// sharded files, current naming
					fmt.Sprintf("%s/%s.%s%s%s", componentName, baseName, opts.Variant, shardSuffix, ext),
					// sharded files, deprecated naming
					fmt.Sprintf("%s/%s%s.%s%s", componentName, baseName, shardSuffix, opts.Variant, ext),
				)
			}
		}
	}

	return patterns
}

func skipSet(components []string) map[string]bool {
	skip := make(map[string]bool, len(components))
	for _, c := range components {
		skip[c] = true
	}
	return skip
}
