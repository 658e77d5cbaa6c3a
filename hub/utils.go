package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

const maxRelativeRedirects = 5

type LFSPointer struct {
	Sha256 string
	Size   int64
}

// statusError carries an unexpected HTTP status. 4xx answers other than
// 408 and 429 are not retried.
type statusError struct {
	code   int
	status string
	url    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %s for %s", e.status, e.url)
}

func (e *statusError) Unwrap() error {
	if e.code == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

func (e *statusError) retryable() bool {
	if e.code == http.StatusRequestTimeout || e.code == http.StatusTooManyRequests {
		return true
	}
	return e.code < 400 || e.code >= 500
}

func newStatusError(resp *http.Response) *statusError {
	return &statusError{code: resp.StatusCode, status: resp.Status, url: resp.Request.URL.String()}
}

func GetToken() string {
	token := os.Getenv("HF_TOKEN")
	if token != "" {
		return token
	}

	// token file written by `huggingface-cli login`
	tokenPath := os.Getenv("HF_TOKEN_PATH")
	if tokenPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		tokenPath = filepath.Join(homeDir, ".cache", "huggingface", "token")
	}

	tokenBytes, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(tokenBytes))
}

func repoFolderName(repoID string, repoType string) string {
	// converts "username/repo" to "models--username--repo" (for models. same goes for datasets and spaces)
	repoParts := strings.Split(repoID, "/")
	parts := append([]string{repoType + "s"}, repoParts...)
	return strings.Join(parts, "--")
}

func (client *Client) headers() http.Header {
	headers := http.Header{}
	headers.Set("User-Agent", client.UserAgent)
	headers.Set("X-Request-Id", uuid.NewString())
	if client.Token != "" {
		headers.Set("Authorization", "Bearer "+client.Token)
	}
	return headers
}

func (client *Client) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header = client.headers()
	return req, nil
}

func (client *Client) resolveURL(repo *Repo, revision, filename string) string {
	prefix := ""
	if repo.Type == DatasetRepoType || repo.Type == SpaceRepoType {
		prefix = repo.Type + "s/"
	}
	return fmt.Sprintf("%s/%s%s/resolve/%s/%s",
		client.Endpoint,
		prefix,
		repo.Id,
		url.PathEscape(revision),
		filename,
	)
}

func (client *Client) apiURL(repo *Repo, revision string) string {
	u := fmt.Sprintf("%s/api/%ss/%s", client.Endpoint, repo.Type, repo.Id)
	if revision != "" && revision != DefaultRevision {
		u = fmt.Sprintf("%s/revision/%s", u, url.PathEscape(revision))
	}
	return u
}

func (client *Client) getFileMetadata(ctx context.Context, repo *Repo, revision, filename string) (*FileMetadata, error) {
	requestURL := client.resolveURL(repo, revision, filename)

	// keep redirect headers: X-Repo-Commit is only on the hub's own response
	noRedirect := *client.httpClient()
	noRedirect.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	var resp *http.Response
	target := requestURL
	for i := 0; ; i++ {
		req, err := client.newRequest(ctx, http.MethodHead, target)
		if err != nil {
			return nil, err
		}

		resp, err = noRedirect.Do(req)
		if err != nil {
			return nil, err
		}
		resp.Body.Close()

		// renamed repos answer with a relative redirect on the hub itself
		location := resp.Header.Get("Location")
		if resp.StatusCode >= 300 && resp.StatusCode < 400 && strings.HasPrefix(location, "/") && i < maxRelativeRedirects {
			target = client.Endpoint + location
			continue
		}
		break
	}

	if resp.StatusCode >= 400 {
		return nil, newStatusError(resp)
	}

	etag := normalizeETag(resp.Header.Get("X-Linked-Etag"))
	if etag == "" {
		etag = normalizeETag(resp.Header.Get("ETag"))
	}
	commitHash := resp.Header.Get("X-Repo-Commit")
	size, _ := strconv.ParseInt(resp.Header.Get("X-Linked-Size"), 10, 64)
	if size == 0 && resp.ContentLength > 0 {
		size = resp.ContentLength
	}

	// Handle LFS pointer fallback
	if etag == "" || commitHash == "" {
		pointerData, err := client.fetchLFSPointer(ctx, repo, revision, filename)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch LFS pointer: %w", err)
		}
		etag = pointerData.Sha256
		size = pointerData.Size

		commitHash, err = client.fetchCommitHash(ctx, repo, revision)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch commit hash: %w", err)
		}
	}

	metadata := &FileMetadata{
		CommitHash: commitHash,
		ETag:       etag,
		Size:       size,
		Location:   requestURL,
	}
	if resp.StatusCode >= 300 {
		if location := resp.Header.Get("Location"); location != "" {
			metadata.Location = location
		}
	}

	return metadata, nil
}

func normalizeETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, "\"")
}

func (client *Client) fetchCommitHash(ctx context.Context, repo *Repo, revision string) (string, error) {
	var result struct {
		CommitHash string `json:"sha"`
	}
	if err := client.getJSON(ctx, client.apiURL(repo, revision), &result); err != nil {
		return "", err
	}
	if result.CommitHash == "" {
		return "", fmt.Errorf("invalid API response: missing commit hash")
	}
	return result.CommitHash, nil
}

func (client *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := client.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newStatusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (client *Client) fetchLFSPointer(ctx context.Context, repo *Repo, revision, filename string) (*LFSPointer, error) {
	rawURL := strings.Replace(client.resolveURL(repo, revision, filename), "/resolve/", "/raw/", 1)
	req, err := client.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := client.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(resp)
	}

	// pointer files are tiny; anything larger is not a pointer
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read LFS pointer: %w", err)
	}

	return parseLFSPointer(string(body))
}

func parseLFSPointer(body string) (*LFSPointer, error) {
	var pointer LFSPointer
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "oid sha256:") {
			pointer.Sha256 = strings.TrimSpace(strings.TrimPrefix(line, "oid sha256:"))
		} else if strings.HasPrefix(line, "size ") {
			pointer.Size, _ = strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "size ")), 10, 64)
		}
	}

	if pointer.Sha256 == "" || pointer.Size == 0 {
		return nil, fmt.Errorf("invalid LFS pointer")
	}
	return &pointer, nil
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, path[2:])
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	return filepath.Clean(absPath), nil
}

func createSymlink(srcPath, dstPath string) error {
	srcAbs, err := filepath.Abs(srcPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of source: %w", err)
	}

	dstAbs, err := filepath.Abs(dstPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of destination: %w", err)
	}

	// create relative path from symlink -> target
	relPath, err := filepath.Rel(filepath.Dir(dstAbs), srcAbs)
	if err != nil {
		return fmt.Errorf("failed to determine relative path: %w", err)
	}

	if _, err := os.Lstat(dstAbs); err == nil {
		if err := os.Remove(dstAbs); err != nil {
			return fmt.Errorf("failed to replace %s: %w", dstAbs, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dstAbs), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	if err := os.Symlink(relPath, dstAbs); err != nil {
		// if symlink creation fails, fall back to copying the file
		return copyFile(srcAbs, dstAbs)
	}

	return nil
}

func copyFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return fmt.Errorf("failed to copy source file to destination: %w", err)
	}
	return dstFile.Close()
}

// writeRef records the commit a branch or tag resolved to.
func writeRef(storageFolder, revision, commitHash string) error {
	if revision == commitHash {
		return nil
	}
	refPath := filepath.Join(storageFolder, "refs", revision)
	if err := os.MkdirAll(filepath.Dir(refPath), 0755); err != nil {
		return err
	}
	if err := renameio.WriteFile(refPath, []byte(commitHash), 0644); err != nil {
		return fmt.Errorf("failed to cache commit hash: %w", err)
	}
	return nil
}

func readRef(storageFolder, revision string) (string, error) {
	data, err := os.ReadFile(filepath.Join(storageFolder, "refs", revision))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func IsOfflineMode() bool {
	switch strings.ToLower(os.Getenv("HF_HUB_OFFLINE")) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (client *Client) checkConnectivity(localFilesOnly bool) error {
	if client.Offline || IsOfflineMode() {
		return fmt.Errorf("%w: offline mode is enabled (HF_HUB_OFFLINE=1)", ErrOfflineMode)
	}
	if localFilesOnly {
		return fmt.Errorf("%w: local files only", ErrOfflineMode)
	}
	return nil
}

func isCommitHash(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, char := range s {
		if !((char >= '0' && char <= '9') || (char >= 'a' && char <= 'f')) {
			return false
		}
	}
	return true
}
