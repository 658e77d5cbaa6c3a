package hub

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/vbauerster/mpb/v7"
)

const (
	ModelRepoType   = "model"
	SpaceRepoType   = "space"
	DatasetRepoType = "dataset"

	DefaultRevision   = "main"
	DefaultEndpoint   = "https://huggingface.co"
	DefaultUserAgent  = "modelcache/0.1.0"
	DefaultMaxWorkers = 8

	DefaultRetryInterval = time.Second
)

var (
	// ErrOfflineMode is returned when a request needs the network but
	// downloads are disabled by HF_HUB_OFFLINE, Client.Offline or LocalFilesOnly.
	ErrOfflineMode = errors.New("downloads are disabled")

	// ErrNotCached is returned when a file or snapshot cannot be resolved
	// from the local cache.
	ErrNotCached = errors.New("not found in cache")

	// ErrNotFound is returned when the hub answers 404 for a repo or file.
	ErrNotFound = errors.New("not found on hub")
)

type Client struct {
	Endpoint   string
	Token      string
	CacheDir   string
	UserAgent  string
	Offline    bool
	MaxWorkers int

	// RetryInterval is the first backoff delay after a failed request.
	RetryInterval time.Duration

	HTTPClient *http.Client
	// Progress renders download bars when set.
	Progress *mpb.Progress
	Logger   zerolog.Logger
}

func (client *Client) WithToken(token string) *Client {
	client.Token = token
	return client
}

func NewClient(endpoint string, token string, cacheDir string) (*Client, error) {
	expandedCache, err := expandPath(cacheDir)
	if err != nil {
		return nil, err
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	return &Client{
		Endpoint:      endpoint,
		Token:         token,
		CacheDir:      expandedCache,
		UserAgent:     DefaultUserAgent,
		MaxWorkers:    DefaultMaxWorkers,
		RetryInterval: DefaultRetryInterval,
		HTTPClient:    newHTTPClient(),
		Logger:        zerolog.Nop(),
	}, nil
}

// DefaultClient builds a client from the standard HF_* environment variables
// and creates the cache directory.
func DefaultClient() (*Client, error) {
	var cacheDir string

	if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
		cacheDir = filepath.Join(xdgCache, "huggingface", "hub")
	}

	if hfCache := os.Getenv("HF_HUB_CACHE"); hfCache != "" {
		cacheDir = hfCache
	} else if hfHome := os.Getenv("HF_HOME"); hfHome != "" {
		cacheDir = filepath.Join(hfHome, "hub")
	}

	if cacheDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, ".cache", "huggingface", "hub")
	}

	client, err := NewClient(os.Getenv("HF_ENDPOINT"), GetToken(), cacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand cache directory: %w", err)
	}

	if err := os.MkdirAll(client.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return client, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			TLSHandshakeTimeout:   60 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       60 * time.Second,
		},
	}
}

func (client *Client) httpClient() *http.Client {
	if client.HTTPClient != nil {
		return client.HTTPClient
	}
	return http.DefaultClient
}

type DownloadParams struct {
	Repo           *Repo
	FileName       string
	SubFolder      string
	Revision       string
	ForceDownload  bool
	LocalFilesOnly bool

	// snapshot downloads only
	AllowPatterns  []string
	IgnorePatterns []string
}

type Repo struct {
	Id       string
	Type     string
	Revision string
}

type FileMetadata struct {
	CommitHash string
	ETag       string
	Location   string
	Size       int64
}
