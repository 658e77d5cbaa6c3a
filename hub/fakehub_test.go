package hub

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testCommit = "0123456789abcdef0123456789abcdef01234567"

type fakeFile struct {
	content []byte
	lfs     bool
}

func (f fakeFile) etag() string {
	if f.lfs {
		sum := sha256.Sum256(f.content)
		return hex.EncodeToString(sum[:])
	}
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(f.content))
	h.Write(f.content)
	return hex.EncodeToString(h.Sum(nil))
}

// fakeHub serves the subset of the hub HTTP API the client uses: HEAD and
// GET on /resolve/, the model info API, and a CDN for LFS redirects.
type fakeHub struct {
	t      *testing.T
	server *httptest.Server
	repoID string
	commit string
	files  map[string]fakeFile

	mu       sync.Mutex
	gets     map[string]int
	ranges   []string
	apiCalls int
	heads    int

	// failures to inject, each consumed by one request
	failInfo    int
	failHeads   int
	failGets    int
	failStatus  int
	shortBodies int
}

func newFakeHub(t *testing.T, repoID string, files map[string]fakeFile) *fakeHub {
	t.Helper()
	h := &fakeHub{
		t:      t,
		repoID: repoID,
		commit: testCommit,
		files:  files,
		gets:   make(map[string]int),
	}
	h.server = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.server.Close)
	return h
}

func (h *fakeHub) client(t *testing.T) *Client {
	t.Helper()
	t.Setenv("HF_HUB_OFFLINE", "")
	client, err := NewClient(h.server.URL, "", t.TempDir())
	require.NoError(t, err)
	client.MaxWorkers = 2
	client.RetryInterval = time.Millisecond
	return client
}

func (h *fakeHub) getCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gets[name]
}

func (h *fakeHub) serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case strings.HasPrefix(path, "/api/models/"):
		h.serveInfo(w, strings.TrimPrefix(path, "/api/models/"))
	case strings.HasPrefix(path, "/cdn/"):
		h.serveCDN(w, r, strings.TrimPrefix(path, "/cdn/"))
	case strings.Contains(path, "/resolve/"):
		h.serveResolve(w, r, path)
	default:
		http.NotFound(w, r)
	}
}

func (h *fakeHub) serveInfo(w http.ResponseWriter, rest string) {
	repoID, _, _ := strings.Cut(rest, "/revision/")
	if repoID != h.repoID {
		http.Error(w, "repository not found", http.StatusNotFound)
		return
	}

	h.mu.Lock()
	h.apiCalls++
	fail := h.take(&h.failInfo)
	h.mu.Unlock()
	if fail {
		h.writeFailure(w)
		return
	}

	names := make([]string, 0, len(h.files))
	for name := range h.files {
		names = append(names, name)
	}
	sort.Strings(names)

	type sibling struct {
		RFileName string `json:"rfilename"`
	}
	info := struct {
		Sha      string    `json:"sha"`
		Siblings []sibling `json:"siblings"`
	}{Sha: h.commit}
	for _, name := range names {
		info.Siblings = append(info.Siblings, sibling{RFileName: name})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func (h *fakeHub) serveResolve(w http.ResponseWriter, r *http.Request, path string) {
	repoID, rest, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/resolve/")
	_, name, _ := strings.Cut(rest, "/")

	file, ok := h.files[name]
	if repoID != h.repoID || !ok {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}

	if r.Method == http.MethodHead {
		h.mu.Lock()
		h.heads++
		fail := h.take(&h.failHeads)
		h.mu.Unlock()
		if fail {
			h.writeFailure(w)
			return
		}
	}

	w.Header().Set("X-Repo-Commit", h.commit)

	if file.lfs {
		w.Header().Set("X-Linked-Etag", `"`+file.etag()+`"`)
		w.Header().Set("X-Linked-Size", strconv.Itoa(len(file.content)))
		w.Header().Set("Location", h.server.URL+"/cdn/"+file.etag())
		w.WriteHeader(http.StatusFound)
		return
	}

	w.Header().Set("ETag", `"`+file.etag()+`"`)
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(file.content)))
		w.WriteHeader(http.StatusOK)
		return
	}

	h.serveBlob(w, r, name, file)
}

func (h *fakeHub) serveCDN(w http.ResponseWriter, r *http.Request, etag string) {
	for name, file := range h.files {
		if file.lfs && file.etag() == etag {
			h.serveBlob(w, r, name, file)
			return
		}
	}
	http.NotFound(w, r)
}

// serveBlob answers a content GET, failing or cutting the body short while
// injected failures remain.
func (h *fakeHub) serveBlob(w http.ResponseWriter, r *http.Request, name string, file fakeFile) {
	h.recordGet(name, r)

	h.mu.Lock()
	fail := h.take(&h.failGets)
	short := !fail && h.take(&h.shortBodies)
	h.mu.Unlock()

	switch {
	case fail:
		h.writeFailure(w)
	case short:
		w.Write(file.content[:len(file.content)/2])
	default:
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(file.content))
	}
}

// take consumes one injected failure. h.mu must be held.
func (h *fakeHub) take(n *int) bool {
	if *n == 0 {
		return false
	}
	*n--
	return true
}

func (h *fakeHub) writeFailure(w http.ResponseWriter) {
	h.mu.Lock()
	status := h.failStatus
	h.mu.Unlock()
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	http.Error(w, http.StatusText(status), status)
}

func (h *fakeHub) headCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heads
}

func (h *fakeHub) inject(fn func(h *fakeHub)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

func (h *fakeHub) recordGet(name string, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gets[name]++
	if rng := r.Header.Get("Range"); rng != "" {
		h.ranges = append(h.ranges, rng)
	}
}

func onnxPipelineFiles() map[string]fakeFile {
	return map[string]fakeFile{
		"model_index.json": {content: []byte(`{
  "_class_name": "ORTStableDiffusionPipeline",
  "_diffusers_version": "0.30.0",
  "requires_safety_checker": false,
  "scheduler": ["diffusers", "PNDMScheduler"],
  "text_encoder": ["diffusers", "OnnxRuntimeModel"],
  "tokenizer": ["transformers", "CLIPTokenizer"],
  "unet": ["diffusers", "OnnxRuntimeModel"],
  "vae_decoder": ["diffusers", "OnnxRuntimeModel"],
  "vae_encoder": ["diffusers", "OnnxRuntimeModel"]
}`)},
		"scheduler/scheduler_config.json":  {content: []byte(`{"_class_name": "PNDMScheduler"}`)},
		"tokenizer/vocab.json":             {content: []byte(`{"a": 1}`)},
		"tokenizer/merges.txt":             {content: []byte("a b\n")},
		"text_encoder/config.json":         {content: []byte(`{"model_type": "clip_text_model"}`)},
		"text_encoder/model.onnx":          {content: []byte("text-encoder-graph"), lfs: true},
		"unet/config.json":                 {content: []byte(`{"sample_size": 64}`)},
		"unet/model.onnx":                  {content: []byte("unet-graph"), lfs: true},
		"unet/model.onnx_data":             {content: bytes.Repeat([]byte("w"), 4096), lfs: true},
		"unet/diffusion_pytorch_model.bin": {content: []byte("torch-weights"), lfs: true},
		"vae_decoder/config.json":          {content: []byte(`{"latent_channels": 4}`)},
		"vae_decoder/model.onnx":           {content: []byte("vae-decoder-graph"), lfs: true},
		"vae_encoder/config.json":          {content: []byte(`{"latent_channels": 4}`)},
		"vae_encoder/model.onnx":           {content: []byte("vae-encoder-graph"), lfs: true},
		"README.md":                        {content: []byte("# pipeline\n")},
	}
}
