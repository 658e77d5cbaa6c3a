package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/go-vault/model-cache/hub"
	"github.com/go-vault/model-cache/internal/log"
	"github.com/go-vault/model-cache/internal/ui"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "List or verify what is in the cache",
	}

	cmd.AddCommand(newCacheScanCmd(a), newCacheVerifyCmd(a))

	return cmd
}

func newCacheScanCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List cached repos, revisions and their size on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}

			client, err := a.newClient()
			if err != nil {
				return err
			}

			info, err := hub.ScanCache(client.CacheDir)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output != outputText {
				return writeStructured(w, output, info)
			}

			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "REPO\tTYPE\tREVISIONS\tREFS\tSIZE")
			for _, repo := range info.Repos {
				var refs []string
				for _, rev := range repo.Revisions {
					refs = append(refs, rev.Refs...)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%s\n", repo.ID, repo.Type, len(repo.Revisions), refs, ui.FormatBytes(repo.SizeOnDisk))
			}
			tw.Flush()
			fmt.Fprintf(w, "%d repos, %s in %s\n", len(info.Repos), ui.FormatBytes(info.SizeOnDisk), info.Dir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")

	return cmd
}

func newCacheVerifyCmd(a *app) *cobra.Command {
	var repoType string

	cmd := &cobra.Command{
		Use:   "verify <repo-id>",
		Short: "Rehash the blobs of a cached repo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.newClient()
			if err != nil {
				return err
			}

			repoPath := hub.RepoPath(client.CacheDir, args[0], repoType)
			total, err := blobsSize(repoPath)
			if err != nil {
				return err
			}

			var onProgress func(int64)
			var bar *ui.ProgressBar
			if a.cfg.Download.ProgressBar {
				bar = ui.NewProgressBar(cmd.ErrOrStderr(), total, "verifying "+args[0])
				onProgress = bar.Add
			}

			mismatches, err := hub.VerifyRepo(cmd.Context(), repoPath, onProgress)
			if bar != nil {
				if err == nil && len(mismatches) == 0 {
					bar.Describe("verified " + args[0])
				}
				bar.Finish()
			}
			if err != nil {
				return err
			}

			logger := log.WithComponent("cache")
			for _, m := range mismatches {
				logger.Error().
					Str("blob", m.Path).
					Str("expected", m.Expected).
					Str("actual", m.Actual).
					Msg("blob content does not match its digest")
			}
			if len(mismatches) > 0 {
				return fmt.Errorf("%d corrupted blobs in %s", len(mismatches), args[0])
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: all blobs verified (%s)\n", args[0], ui.FormatBytes(total))
			return nil
		},
	}

	cmd.Flags().StringVar(&repoType, "repo-type", hub.ModelRepoType, "repository type (model, dataset or space)")

	return cmd
}

func blobsSize(repoPath string) (int64, error) {
	entries, err := os.ReadDir(filepath.Join(repoPath, "blobs"))
	if err != nil {
		return 0, fmt.Errorf("repo is not cached: %w", err)
	}

	var total int64
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return 0, err
		}
		if !info.IsDir() {
			total += info.Size()
		}
	}
	return total, nil
}
