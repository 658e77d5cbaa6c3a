package hub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
	"golang.org/x/sync/errgroup"
)

// parallelDownloader fetches the files of one snapshot with at most
// Client.MaxWorkers requests in flight. The first failure cancels the rest.
type parallelDownloader struct {
	client   *Client
	group    *errgroup.Group
	ctx      context.Context
	totalBar *mpb.Bar
}

func newParallelDownloader(ctx context.Context, client *Client, totalFiles int, repoID string) *parallelDownloader {
	workers := client.MaxWorkers
	if workers < 1 {
		workers = 1
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	pd := &parallelDownloader{
		client: client,
		group:  group,
		ctx:    ctx,
	}

	if client.Progress != nil {
		pd.totalBar = client.Progress.AddBar(
			int64(totalFiles),
			mpb.BarRemoveOnComplete(),
			mpb.PrependDecorators(
				decor.Name(fmt.Sprintf("Fetching %d files for %s:", totalFiles, repoID), decor.WC{W: len(fmt.Sprint(totalFiles)) + 20}),
				decor.CountersNoUnit("%d/%d", decor.WCSyncWidth),
			),
			mpb.AppendDecorators(
				decor.NewPercentage("%d ", decor.WCSyncSpace),
			),
		)
	}

	return pd
}

// downloadFile queues one file. It blocks while all workers are busy.
func (pd *parallelDownloader) downloadFile(repo *Repo, filename, commitHash string, force bool) {
	pd.group.Go(func() error {
		ctx := pd.ctx
		if err := ctx.Err(); err != nil {
			return err
		}

		pointerPath := filepath.Join(pd.client.storageFolder(repo), "snapshots", commitHash, filepath.FromSlash(filename))
		if _, err := os.Stat(pointerPath); err == nil && !force {
			pd.done()
			return nil
		}

		var metadata *FileMetadata
		err := pd.client.withRetry(ctx, metadataRetries, func() error {
			var err error
			metadata, err = pd.client.getFileMetadata(ctx, repo, commitHash, filename)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to get metadata for %s: %w", filename, err)
		}

		if _, err := pd.client.fetchBlob(ctx, repo, filename, metadata, force); err != nil {
			return err
		}

		pd.done()
		return nil
	})
}

func (pd *parallelDownloader) done() {
	if pd.totalBar != nil {
		pd.totalBar.Increment()
	}
}

func (pd *parallelDownloader) Wait() error {
	err := pd.group.Wait()
	if pd.totalBar != nil {
		if err != nil {
			pd.totalBar.Abort(true)
		} else {
			pd.totalBar.SetTotal(pd.totalBar.Current(), true)
		}
	}
	return err
}
