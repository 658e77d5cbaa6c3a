package hub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

type ModelInfo struct {
	Sha      string         `json:"sha"`
	Siblings []ModelSibling `json:"siblings"`
}

type ModelSibling struct {
	RFileName string `json:"rfilename"`
}

func (client *Client) snapshotDownload(ctx context.Context, params *DownloadParams) (string, error) {
	storageFolder := client.storageFolder(params.Repo)

	if err := client.checkConnectivity(params.LocalFilesOnly); err != nil {
		cachedSnapshot, cacheErr := findCachedSnapshot(client.CacheDir, params)
		if cacheErr != nil {
			return "", fmt.Errorf("%w: %w", err, cacheErr)
		}
		return cachedSnapshot, nil
	}

	var modelInfo *ModelInfo
	err := client.withRetry(ctx, metadataRetries, func() error {
		var err error
		modelInfo, err = client.getModelInfo(ctx, params.Repo)
		return err
	})
	if err != nil {
		if canUseCache(ctx, err) {
			if cachedSnapshot, cacheErr := findCachedSnapshot(client.CacheDir, params); cacheErr == nil {
				client.Logger.Warn().Err(err).Str("repo", params.Repo.Id).Msg("hub unavailable, using cached snapshot")
				return cachedSnapshot, nil
			}
		}
		return "", fmt.Errorf("failed to get repository info: %w", err)
	}

	snapshotFolder := filepath.Join(storageFolder, "snapshots", modelInfo.Sha)
	if err := writeRef(storageFolder, params.Revision, modelInfo.Sha); err != nil {
		return "", err
	}

	filesToDownload := make([]string, 0, len(modelInfo.Siblings))
	for _, sibling := range modelInfo.Siblings {
		filesToDownload = append(filesToDownload, sibling.RFileName)
	}
	filesToDownload = filterFilesByPattern(filesToDownload, params.AllowPatterns, params.IgnorePatterns)

	client.Logger.Info().
		Str("repo", params.Repo.Id).
		Str("commit", modelInfo.Sha).
		Int("files", len(filesToDownload)).
		Msg("downloading snapshot")

	pd := newParallelDownloader(ctx, client, len(filesToDownload), params.Repo.Id)
	for _, filename := range filesToDownload {
		pd.downloadFile(params.Repo, filename, modelInfo.Sha, params.ForceDownload)
	}
	if err := pd.Wait(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(snapshotFolder, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot folder: %w", err)
	}

	return snapshotFolder, nil
}

func (client *Client) getModelInfo(ctx context.Context, repo *Repo) (*ModelInfo, error) {
	var info ModelInfo
	if err := client.getJSON(ctx, client.apiURL(repo, repo.Revision), &info); err != nil {
		return nil, err
	}

	if !isCommitHash(info.Sha) {
		return nil, fmt.Errorf("invalid API response: bad commit hash %q", info.Sha)
	}

	return &info, nil
}

func findCachedSnapshot(cacheDir string, params *DownloadParams) (string, error) {
	storageFolder := filepath.Join(cacheDir, repoFolderName(params.Repo.Id, params.Repo.Type))

	commitHash := params.Revision
	if !isCommitHash(commitHash) {
		ref, err := readRef(storageFolder, params.Revision)
		if err != nil {
			return "", fmt.Errorf("revision %s: %w", params.Revision, ErrNotCached)
		}
		commitHash = ref
	}

	snapshotPath := filepath.Join(storageFolder, "snapshots", commitHash)
	if info, err := os.Stat(snapshotPath); err == nil && info.IsDir() {
		return snapshotPath, nil
	}

	return "", fmt.Errorf("snapshot %s: %w", commitHash, ErrNotCached)
}
