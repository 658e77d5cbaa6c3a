package hub

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type CacheInfo struct {
	Dir        string       `json:"dir" yaml:"dir"`
	Repos      []CachedRepo `json:"repos" yaml:"repos"`
	SizeOnDisk int64        `json:"size_on_disk" yaml:"size_on_disk"`
}

type CachedRepo struct {
	ID         string           `json:"id" yaml:"id"`
	Type       string           `json:"type" yaml:"type"`
	Path       string           `json:"path" yaml:"path"`
	SizeOnDisk int64            `json:"size_on_disk" yaml:"size_on_disk"`
	Revisions  []CachedRevision `json:"revisions" yaml:"revisions"`
}

type CachedRevision struct {
	CommitHash string       `json:"commit_hash" yaml:"commit_hash"`
	Refs       []string     `json:"refs,omitempty" yaml:"refs,omitempty"`
	Files      []CachedFile `json:"files" yaml:"files"`
	Size       int64        `json:"size" yaml:"size"`
}

type CachedFile struct {
	Name     string `json:"name" yaml:"name"`
	BlobPath string `json:"blob_path" yaml:"blob_path"`
	Size     int64  `json:"size" yaml:"size"`
}

// RepoPath returns the cache folder of a repo, whether or not it exists.
func RepoPath(cacheDir, repoID, repoType string) string {
	if repoType == "" {
		repoType = ModelRepoType
	}
	return filepath.Join(cacheDir, repoFolderName(repoID, repoType))
}

// ScanCache walks a hub cache directory. Folders that do not follow the
// "<type>s--<org>--<name>" naming are skipped.
func ScanCache(cacheDir string) (*CacheInfo, error) {
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	info := &CacheInfo{Dir: cacheDir}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		repoType, repoID, ok := parseRepoFolderName(entry.Name())
		if !ok {
			continue
		}

		repo, err := scanRepo(filepath.Join(cacheDir, entry.Name()), repoID, repoType)
		if err != nil {
			return nil, err
		}
		info.Repos = append(info.Repos, *repo)
		info.SizeOnDisk += repo.SizeOnDisk
	}

	sort.Slice(info.Repos, func(i, j int) bool {
		if info.Repos[i].Type != info.Repos[j].Type {
			return info.Repos[i].Type < info.Repos[j].Type
		}
		return info.Repos[i].ID < info.Repos[j].ID
	})

	return info, nil
}

func parseRepoFolderName(name string) (repoType, repoID string, ok bool) {
	parts := strings.Split(name, "--")
	if len(parts) < 2 {
		return "", "", false
	}

	switch parts[0] {
	case "models", "datasets", "spaces":
		return strings.TrimSuffix(parts[0], "s"), strings.Join(parts[1:], "/"), true
	}
	return "", "", false
}

func scanRepo(repoPath, repoID, repoType string) (*CachedRepo, error) {
	repo := &CachedRepo{ID: repoID, Type: repoType, Path: repoPath}

	refsByCommit, err := readRefs(filepath.Join(repoPath, "refs"))
	if err != nil {
		return nil, err
	}

	snapshotsDir := filepath.Join(repoPath, "snapshots")
	snapshots, err := os.ReadDir(snapshotsDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read snapshots of %s: %w", repoID, err)
	}

	seenBlobs := make(map[string]bool)
	for _, snapshot := range snapshots {
		if !snapshot.IsDir() {
			continue
		}

		revision := CachedRevision{
			CommitHash: snapshot.Name(),
			Refs:       refsByCommit[snapshot.Name()],
		}

		revisionDir := filepath.Join(snapshotsDir, snapshot.Name())
		err := filepath.WalkDir(revisionDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}

			blobPath, err := filepath.EvalSymlinks(path)
			if err != nil {
				// dangling link, blob was removed
				return nil
			}
			stat, err := os.Stat(blobPath)
			if err != nil {
				return nil
			}

			rel, _ := filepath.Rel(revisionDir, path)
			revision.Files = append(revision.Files, CachedFile{
				Name:     filepath.ToSlash(rel),
				BlobPath: blobPath,
				Size:     stat.Size(),
			})
			revision.Size += stat.Size()

			if !seenBlobs[blobPath] {
				seenBlobs[blobPath] = true
				repo.SizeOnDisk += stat.Size()
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan revision %s of %s: %w", snapshot.Name(), repoID, err)
		}

		repo.Revisions = append(repo.Revisions, revision)
	}

	return repo, nil
}

func readRefs(refsDir string) (map[string][]string, error) {
	refs := make(map[string][]string)
	err := filepath.WalkDir(refsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(refsDir, path)
		commit := strings.TrimSpace(string(data))
		refs[commit] = append(refs[commit], filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read refs: %w", err)
	}

	for commit := range refs {
		sort.Strings(refs[commit])
	}
	return refs, nil
}

type BlobMismatch struct {
	Path     string `json:"path" yaml:"path"`
	Expected string `json:"expected" yaml:"expected"`
	Actual   string `json:"actual" yaml:"actual"`
}

// VerifyRepo rehashes every blob of a cached repo and reports the ones whose
// content no longer matches their name. LFS blobs are named by sha256, small
// files by their git blob sha1. onProgress, when set, receives byte counts.
func VerifyRepo(ctx context.Context, repoPath string, onProgress func(n int64)) ([]BlobMismatch, error) {
	blobsDir := filepath.Join(repoPath, "blobs")
	entries, err := os.ReadDir(blobsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read blobs: %w", err)
	}

	var mismatches []BlobMismatch
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !isHexDigest(entry.Name()) {
			continue
		}

		blobPath := filepath.Join(blobsDir, entry.Name())
		actual, err := hashBlob(blobPath, len(entry.Name()), onProgress)
		if err != nil {
			return nil, err
		}
		if actual != entry.Name() {
			mismatches = append(mismatches, BlobMismatch{
				Path:     blobPath,
				Expected: entry.Name(),
				Actual:   actual,
			})
		}
	}

	return mismatches, nil
}

func isHexDigest(name string) bool {
	if len(name) != 40 && len(name) != 64 {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil && strings.ToLower(name) == name
}

func hashBlob(path string, digestLen int, onProgress func(n int64)) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var h hash.Hash
	if digestLen == 64 {
		h = sha256.New()
	} else {
		stat, err := f.Stat()
		if err != nil {
			return "", err
		}
		h = sha1.New()
		fmt.Fprintf(h, "blob %d\x00", stat.Size())
	}

	var r io.Reader = f
	if onProgress != nil {
		r = &progressReader{r: f, onProgress: onProgress}
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

type progressReader struct {
	r          io.Reader
	onProgress func(n int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.onProgress(int64(n))
	}
	return n, err
}
