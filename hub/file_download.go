package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
)

const (
	DefaultRetries = 5

	metadataRetries = 2

	lockRetryDelay = 200 * time.Millisecond
	copyBufferSize = 64 * 1024
)

// Download fetches a single file when params.FileName is set and a filtered
// repo snapshot otherwise. It returns the path inside the snapshot folder.
func (client *Client) Download(ctx context.Context, params *DownloadParams) (string, error) {
	if params.Repo == nil || params.Repo.Id == "" {
		return "", fmt.Errorf("repo id is required")
	}
	if params.Repo.Type == "" {
		params.Repo.Type = ModelRepoType
	}
	if params.Revision == "" {
		params.Revision = params.Repo.Revision
	}
	if params.Revision == "" {
		params.Revision = DefaultRevision
	}
	params.Repo.Revision = params.Revision

	switch params.Repo.Type {
	case ModelRepoType, SpaceRepoType, DatasetRepoType:
	default:
		return "", fmt.Errorf("unsupported repo type: %s", params.Repo.Type)
	}

	if params.FileName == "" {
		return client.snapshotDownload(ctx, params)
	}
	return client.fileDownload(ctx, params)
}

func (client *Client) storageFolder(repo *Repo) string {
	return filepath.Join(client.CacheDir, repoFolderName(repo.Id, repo.Type))
}

func (client *Client) fileDownload(ctx context.Context, params *DownloadParams) (string, error) {
	fileName := params.FileName
	if params.SubFolder != "" {
		fileName = path.Join(params.SubFolder, fileName)
	}

	storageFolder := client.storageFolder(params.Repo)
	logger := client.Logger.With().Str("repo", params.Repo.Id).Str("file", fileName).Logger()

	// pinned commits never move, so a cached copy is authoritative
	if isCommitHash(params.Revision) && !params.ForceDownload {
		pointerPath := filepath.Join(storageFolder, "snapshots", params.Revision, filepath.FromSlash(fileName))
		if _, err := os.Stat(pointerPath); err == nil {
			return pointerPath, nil
		}
	}

	if err := client.checkConnectivity(params.LocalFilesOnly); err != nil {
		cachedPath, cacheErr := findInCache(client.CacheDir, params.Repo, fileName, params.Revision)
		if cacheErr != nil {
			return "", fmt.Errorf("%w: %w", err, cacheErr)
		}
		return cachedPath, nil
	}

	var metadata *FileMetadata
	err := client.withRetry(ctx, metadataRetries, func() error {
		var err error
		metadata, err = client.getFileMetadata(ctx, params.Repo, params.Revision, fileName)
		return err
	})
	if err != nil {
		if canUseCache(ctx, err) {
			if cachedPath, cacheErr := findInCache(client.CacheDir, params.Repo, fileName, params.Revision); cacheErr == nil {
				logger.Warn().Err(err).Msg("hub unavailable, using cached file")
				return cachedPath, nil
			}
		}
		return "", fmt.Errorf("failed to get file metadata: %w", err)
	}

	if err := writeRef(storageFolder, params.Revision, metadata.CommitHash); err != nil {
		return "", err
	}

	return client.fetchBlob(ctx, params.Repo, fileName, metadata, params.ForceDownload)
}

// fetchBlob makes sure the blob for metadata is in the cache and linked from
// the snapshot folder of its commit. Concurrent callers for the same blob,
// in this process or another, serialize on a file lock.
func (client *Client) fetchBlob(ctx context.Context, repo *Repo, fileName string, metadata *FileMetadata, force bool) (string, error) {
	if err := checkMetadata(fileName, metadata); err != nil {
		return "", err
	}

	storageFolder := client.storageFolder(repo)
	blobPath := filepath.Join(storageFolder, "blobs", metadata.ETag)
	pointerPath := filepath.Join(storageFolder, "snapshots", metadata.CommitHash, filepath.FromSlash(fileName))

	if !force {
		if linked, err := linkIfCached(blobPath, pointerPath); err != nil || linked {
			return pointerPath, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(blobPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create blobs directory: %w", err)
	}

	lockDir := filepath.Join(client.CacheDir, ".locks", repoFolderName(repo.Id, repo.Type))
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create locks directory: %w", err)
	}

	fileLock := flock.New(filepath.Join(lockDir, metadata.ETag+".lock"))
	locked, err := fileLock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return "", fmt.Errorf("failed to acquire lock for %s", metadata.ETag)
	}
	defer fileLock.Unlock()

	// another holder of the lock may have finished the blob meanwhile
	if !force {
		if linked, err := linkIfCached(blobPath, pointerPath); err != nil || linked {
			return pointerPath, err
		}
	}

	bar := client.addFileBar(fileName, metadata.Size)

	tmpPath := blobPath + ".incomplete"
	if force {
		os.Remove(tmpPath)
	}

	client.Logger.Debug().Str("repo", repo.Id).Str("file", fileName).Int64("size", metadata.Size).Msg("downloading blob")

	if err := client.downloadWithRetry(ctx, metadata, tmpPath, bar); err != nil {
		if bar != nil {
			bar.Abort(true)
		}
		return "", fmt.Errorf("failed to download %s: %w", fileName, err)
	}
	if bar != nil {
		bar.SetTotal(bar.Current(), true)
	}

	if err := os.Rename(tmpPath, blobPath); err != nil {
		return "", fmt.Errorf("failed to move temporary file to final destination: %w", err)
	}

	if err := createSymlink(blobPath, pointerPath); err != nil {
		return "", err
	}

	return pointerPath, nil
}

func linkIfCached(blobPath, pointerPath string) (bool, error) {
	if _, err := os.Stat(pointerPath); err == nil {
		return true, nil
	}
	if _, err := os.Stat(blobPath); err == nil {
		if err := createSymlink(blobPath, pointerPath); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (client *Client) downloadWithRetry(ctx context.Context, metadata *FileMetadata, tmpPath string, bar *mpb.Bar) error {
	return client.withRetry(ctx, DefaultRetries, func() error {
		return client.downloadWithResume(ctx, metadata, tmpPath, bar)
	})
}

// withRetry runs fn with exponential backoff until it succeeds, fails with a
// status that retrying cannot fix, or ctx ends.
func (client *Client) withRetry(ctx context.Context, retries uint64, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = client.RetryInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultRetryInterval
	}
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 5 * time.Minute

	policy := backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var statusErr *statusError
		if errors.As(err, &statusErr) && !statusErr.retryable() {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		client.Logger.Warn().Err(err).Dur("retry_in", wait).Msg("request failed, retrying")
	})
}

// canUseCache reports whether err leaves the hub's answer unknown, so that a
// cached copy may stand in for it. Definite answers such as 404 or 401 are
// never masked.
func canUseCache(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.retryable()
	}
	return true
}

// checkMetadata rejects server supplied names that would resolve outside
// the cache folders they are joined into.
func checkMetadata(fileName string, metadata *FileMetadata) error {
	if metadata.ETag == "" || metadata.ETag == "." || metadata.ETag == ".." ||
		strings.ContainsAny(metadata.ETag, `/\`) {
		return fmt.Errorf("invalid etag %q for %s", metadata.ETag, fileName)
	}
	if !isCommitHash(metadata.CommitHash) {
		return fmt.Errorf("invalid commit hash %q for %s", metadata.CommitHash, fileName)
	}
	if !filepath.IsLocal(filepath.FromSlash(fileName)) {
		return fmt.Errorf("invalid repo file name %q", fileName)
	}
	return nil
}

// downloadWithResume appends to an existing partial file using a Range
// request, and starts over when the server ignores the range.
func (client *Client) downloadWithResume(ctx context.Context, metadata *FileMetadata, destPath string, bar *mpb.Bar) error {
	var resumeSize int64
	if stat, err := os.Stat(destPath); err == nil {
		resumeSize = stat.Size()
	}

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	req, err := client.newRequest(ctx, http.MethodGet, metadata.Location)
	if err != nil {
		return err
	}
	if resumeSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeSize))
	}

	resp, err := client.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resumeSize > 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && resumeSize == metadata.Size:
		// partial file is already complete
		return nil
	case resumeSize > 0 && resp.StatusCode == http.StatusOK:
		// server doesn't support resume, start over
		resumeSize = 0
		if err := out.Truncate(0); err != nil {
			return err
		}
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent:
		return newStatusError(resp)
	}

	var reader io.Reader = resp.Body
	if bar != nil {
		bar.SetCurrent(resumeSize)
		proxy := bar.ProxyReader(resp.Body)
		defer proxy.Close()
		reader = proxy
	}

	written, err := io.CopyBuffer(out, reader, make([]byte, copyBufferSize))
	if err != nil {
		return err
	}

	if err := out.Sync(); err != nil {
		return err
	}

	if metadata.Size > 0 && resumeSize+written != metadata.Size {
		// drop the bad partial so the next attempt starts clean
		out.Close()
		os.Remove(destPath)
		return fmt.Errorf("download size mismatch: expected %d, got %d", metadata.Size, resumeSize+written)
	}

	return nil
}

func (client *Client) addFileBar(displayName string, size int64) *mpb.Bar {
	if client.Progress == nil {
		return nil
	}

	description := fmt.Sprintf("Downloading %s", displayName)
	return client.Progress.AddBar(
		size,
		mpb.BarRemoveOnComplete(),
		mpb.PrependDecorators(
			decor.Name(description+": ", decor.WC{W: len(description) + 2, C: decor.DidentRight}),
			decor.Percentage(decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("%.2f / %.2f"),
			decor.Name(" | "),
			decor.AverageSpeed(decor.UnitKiB, "%.2f"),
		),
	)
}

func findInCache(cacheDir string, repo *Repo, fileName, revision string) (string, error) {
	storageFolder := filepath.Join(cacheDir, repoFolderName(repo.Id, repo.Type))

	commitHash := revision
	if !isCommitHash(revision) {
		ref, err := readRef(storageFolder, revision)
		if err != nil {
			return "", fmt.Errorf("revision %s: %w", revision, ErrNotCached)
		}
		commitHash = ref
	}

	path := filepath.Join(storageFolder, "snapshots", commitHash, filepath.FromSlash(fileName))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%s at revision %s: %w", fileName, revision, ErrNotCached)
}
