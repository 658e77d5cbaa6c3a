package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-vault/model-cache/hub"
)

const testCommit = "fedcba9876543210fedcba9876543210fedcba98"

const onnxIndex = `{
  "_class_name": "ORTStableDiffusionXLPipeline",
  "_diffusers_version": "0.30.0",
  "force_zeros_for_empty_prompt": true,
  "scheduler": ["diffusers", "EulerDiscreteScheduler"],
  "text_encoder": ["diffusers", "OnnxRuntimeModel"],
  "text_encoder_2": ["diffusers", "OnnxRuntimeModel"],
  "tokenizer": ["transformers", "CLIPTokenizer"],
  "unet": ["diffusers", "OnnxRuntimeModel"],
  "vae_decoder": ["diffusers", "OnnxRuntimeModel"],
  "vae_encoder": ["diffusers", "OnnxRuntimeModel"],
  "safety_checker": [null, null]
}`

// serveRepo answers the hub endpoints the client needs for one repo whose
// files are all stored inline.
func serveRepo(t *testing.T, repoID string, files map[string]string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		if strings.HasPrefix(path, "/api/models/"+repoID) {
			names := make([]string, 0, len(files))
			for name := range files {
				names = append(names, name)
			}
			sort.Strings(names)

			siblings := make([]map[string]string, 0, len(names))
			for _, name := range names {
				siblings = append(siblings, map[string]string{"rfilename": name})
			}
			json.NewEncoder(w).Encode(map[string]any{"sha": testCommit, "siblings": siblings})
			return
		}

		prefix := "/" + repoID + "/resolve/"
		if !strings.HasPrefix(path, prefix) {
			http.NotFound(w, r)
			return
		}
		_, name, _ := strings.Cut(strings.TrimPrefix(path, prefix), "/")
		content, ok := files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}

		sum := sha256.Sum256([]byte(content))
		w.Header().Set("X-Repo-Commit", testCommit)
		w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.WriteHeader(http.StatusOK)
			return
		}
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader([]byte(content)))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, server *httptest.Server) *hub.Client {
	t.Helper()
	t.Setenv("HF_HUB_OFFLINE", "")
	client, err := hub.NewClient(server.URL, "", t.TempDir())
	require.NoError(t, err)
	client.RetryInterval = time.Millisecond
	return client
}

func onnxRepoFiles() map[string]string {
	return map[string]string{
		"model_index.json":                 onnxIndex,
		"scheduler/scheduler_config.json":  `{}`,
		"tokenizer/vocab.json":             `{}`,
		"tokenizer/merges.txt":             "a b",
		"text_encoder/config.json":         `{}`,
		"text_encoder/model.onnx":          "te",
		"text_encoder_2/config.json":       `{}`,
		"text_encoder_2/model.onnx":        "te2",
		"text_encoder_2/model.onnx_data":   "te2-data",
		"unet/config.json":                 `{}`,
		"unet/model.onnx":                  "unet",
		"unet/diffusion_pytorch_model.bin": "torch",
		"vae_decoder/config.json":          `{}`,
		"vae_decoder/model.onnx":           "dec",
		"vae_encoder/config.json":          `{}`,
		"vae_encoder/model.onnx":           "enc",
		"README.md":                        "# readme",
	}
}

func TestDownloadONNXPipeline(t *testing.T) {
	server := serveRepo(t, "org/sdxl-onnx", onnxRepoFiles())
	downloader := NewDownloader(newTestClient(t, server))

	path, err := downloader.Download(context.Background(), "org/sdxl-onnx", nil)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(path, "model_index.json"))
	assert.FileExists(t, filepath.Join(path, "unet", "model.onnx"))
	assert.FileExists(t, filepath.Join(path, "text_encoder_2", "model.onnx_data"))
	assert.FileExists(t, filepath.Join(path, "tokenizer", "merges.txt"))
	assert.NoFileExists(t, filepath.Join(path, "unet", "diffusion_pytorch_model.bin"))
	assert.NoFileExists(t, filepath.Join(path, "README.md"))

	report, err := Inspect(path)
	require.NoError(t, err)
	assert.Empty(t, report.Missing())
}

func TestDownloadONNXSplitVAE(t *testing.T) {
	files := map[string]string{
		"model_index.json":                `{"_class_name": "ORTStableDiffusionPipeline", "unet": ["diffusers", "OnnxRuntimeModel"], "vae": ["diffusers", "AutoencoderKL"], "scheduler": ["diffusers", "PNDMScheduler"]}`,
		"scheduler/scheduler_config.json": `{}`,
		"unet/config.json":                `{}`,
		"unet/model.onnx":                 "unet",
		"vae_decoder/config.json":         `{}`,
		"vae_decoder/model.onnx":          "dec",
		"vae_encoder/config.json":         `{}`,
		"vae_encoder/model.onnx":          "enc",
	}
	server := serveRepo(t, "org/sd-onnx", files)
	downloader := NewDownloader(newTestClient(t, server))

	path, err := downloader.Download(context.Background(), "org/sd-onnx", &DownloadOptions{Format: FormatONNX})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(path, "vae_decoder", "model.onnx"))
	assert.FileExists(t, filepath.Join(path, "vae_encoder", "model.onnx"))

	report, err := Inspect(path)
	require.NoError(t, err)
	assert.Empty(t, report.Missing())

	folders := make(map[string]string)
	for _, c := range report.Components {
		folders[c.Name] = c.Folder
	}
	assert.Equal(t, "vae_decoder", folders["vae"])
	assert.Equal(t, "vae_encoder", folders["vae_encoder"])
}

func TestDownloadONNXSplitVAEEncoderOptional(t *testing.T) {
	files := map[string]string{
		"model_index.json":       `{"unet": ["diffusers", "OnnxRuntimeModel"], "vae": ["diffusers", "AutoencoderKL"]}`,
		"unet/model.onnx":        "unet",
		"vae_decoder/model.onnx": "dec",
	}
	server := serveRepo(t, "org/sd-onnx", files)
	downloader := NewDownloader(newTestClient(t, server))

	_, err := downloader.Download(context.Background(), "org/sd-onnx", &DownloadOptions{Format: FormatONNX})
	require.NoError(t, err)

	delete(files, "vae_decoder/model.onnx")
	server = serveRepo(t, "org/no-decoder", files)
	downloader = NewDownloader(newTestClient(t, server))

	_, err = downloader.Download(context.Background(), "org/no-decoder", &DownloadOptions{Format: FormatONNX})
	assert.ErrorIs(t, err, ErrMissingWeights)
	assert.ErrorContains(t, err, "[vae]")
}

func TestDownloadSkipsComponents(t *testing.T) {
	files := onnxRepoFiles()
	delete(files, "vae_encoder/model.onnx")
	server := serveRepo(t, "org/sdxl-onnx", files)
	downloader := NewDownloader(newTestClient(t, server))

	path, err := downloader.Download(context.Background(), "org/sdxl-onnx", &DownloadOptions{
		Format: FormatONNX,
		Skip:   []string{"vae_encoder"},
	})
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(path, "vae_encoder"))
}

func TestDownloadForcedFormatMissing(t *testing.T) {
	files := onnxRepoFiles()
	delete(files, "vae_encoder/model.onnx")
	server := serveRepo(t, "org/sdxl-onnx", files)
	downloader := NewDownloader(newTestClient(t, server))

	_, err := downloader.Download(context.Background(), "org/sdxl-onnx", &DownloadOptions{Format: FormatONNX})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingWeights)
	assert.Contains(t, err.Error(), "vae_encoder")
}

func TestDownloadFallsBackToTorchFormat(t *testing.T) {
	files := map[string]string{
		"model_index.json":                         `{"_class_name": "StableDiffusionPipeline", "unet": ["diffusers", "UNet2DConditionModel"], "vae": ["diffusers", "AutoencoderKL"], "scheduler": ["diffusers", "PNDMScheduler"]}`,
		"unet/config.json":                         `{}`,
		"unet/diffusion_pytorch_model.safetensors": "unet",
		"unet/diffusion_pytorch_model.bin":         "unet-bin",
		"vae/config.json":                          `{}`,
		"vae/diffusion_pytorch_model.safetensors":  "vae",
		"scheduler/scheduler_config.json":          `{}`,
	}
	server := serveRepo(t, "org/sd", files)
	downloader := NewDownloader(newTestClient(t, server))

	path, err := downloader.Download(context.Background(), "org/sd", nil)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(path, "unet", "diffusion_pytorch_model.safetensors"))
	assert.FileExists(t, filepath.Join(path, "vae", "diffusion_pytorch_model.safetensors"))
	assert.NoFileExists(t, filepath.Join(path, "unet", "diffusion_pytorch_model.bin"))
}

func TestDownloadNoCompatibleFormat(t *testing.T) {
	files := map[string]string{
		"model_index.json": `{"_class_name": "StableDiffusionPipeline", "unet": ["diffusers", "UNet2DConditionModel"]}`,
		"unet/config.json": `{}`,
	}
	server := serveRepo(t, "org/empty", files)
	downloader := NewDownloader(newTestClient(t, server))

	_, err := downloader.Download(context.Background(), "org/empty", nil)
	assert.ErrorIs(t, err, ErrNoCompatibleFormat)
	assert.ErrorIs(t, err, ErrMissingWeights)
}

func TestDownloadMissingIndex(t *testing.T) {
	server := serveRepo(t, "org/none", map[string]string{"README.md": "x"})
	downloader := NewDownloader(newTestClient(t, server))

	_, err := downloader.Download(context.Background(), "org/none", nil)
	assert.ErrorIs(t, err, hub.ErrNotFound)
}

func TestBuildDownloadPatternsONNX(t *testing.T) {
	var index ModelIndex
	require.NoError(t, json.Unmarshal([]byte(`{"_class_name": "X", "unet": ["diffusers", "OnnxRuntimeModel"], "tokenizer": ["transformers", "CLIPTokenizer"], "vae_encoder": ["diffusers", "OnnxRuntimeModel"]}`), &index))

	got := buildDownloadPatterns(&index, FormatONNX, &DownloadOptions{Skip: []string{"vae_encoder"}})
	want := []string{
		"model_index.json",
		"tokenizer/*.json",
		"tokenizer/*",
		"unet/*.json",
		"unet/model.onnx",
		"unet/*.onnx_data",
		"unet/*.onnx.data",
		"unet/weights.pb",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("buildDownloadPatterns() mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDownloadPatternsONNXSplitVAE(t *testing.T) {
	var index ModelIndex
	require.NoError(t, json.Unmarshal([]byte(`{"vae": ["diffusers", "AutoencoderKL"]}`), &index))

	got := buildDownloadPatterns(&index, FormatONNX, &DownloadOptions{})
	assert.Contains(t, got, "vae_decoder/model.onnx")
	assert.Contains(t, got, "vae_encoder/model.onnx")
	assert.Contains(t, got, "vae_decoder/*.json")
	assert.NotContains(t, got, "vae/model.onnx")

	torch := buildDownloadPatterns(&index, FormatSafetensors, &DownloadOptions{})
	assert.Contains(t, torch, "vae/diffusion_pytorch_model.safetensors")
	assert.NotContains(t, torch, "vae_decoder/*.json")
}

func TestBuildDownloadPatternsVariant(t *testing.T) {
	var index ModelIndex
	require.NoError(t, json.Unmarshal([]byte(`{"unet": ["diffusers", "UNet2DConditionModel"]}`), &index))

	got := buildDownloadPatterns(&index, FormatSafetensors, &DownloadOptions{Variant: "fp16"})
	assert.Contains(t, got, "unet/diffusion_pytorch_model.fp16.safetensors")
	assert.Contains(t, got, "unet/diffusion_pytorch_model.fp16"+shardSuffix+".safetensors")
	assert.Contains(t, got, "unet/diffusion_pytorch_model"+shardSuffix+".fp16.safetensors")
	assert.NotContains(t, got, "unet/diffusion_pytorch_model.safetensors")
}

func TestMissingWeightsVariant(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "unet"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "unet", "diffusion_pytorch_model.fp16-00001-of-00002.safetensors"), nil, 0644))

	index := &ModelIndex{Components: map[string]ModelComponent{
		"unet": {LibraryName: "diffusers", ClassName: "UNet2DConditionModel"},
		"vae":  {LibraryName: "diffusers", ClassName: "AutoencoderKL"},
	}}

	missing := missingWeights(root, index, FormatSafetensors, &DownloadOptions{Variant: "fp16"})
	assert.Equal(t, []string{"vae"}, missing)
}

func TestParseFormat(t *testing.T) {
	for _, s := range []string{"onnx", ".onnx", "safetensors", ".ckpt", "bin"} {
		_, err := ParseFormat(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseFormat("gguf")
	assert.Error(t, err)
}
