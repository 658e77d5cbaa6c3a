package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-vault/model-cache/hub"
)

func newDownloadCmd(a *app) *cobra.Command {
	var (
		params  hub.DownloadParams
		repo    hub.Repo
		include []string
		exclude []string
	)

	cmd := &cobra.Command{
		Use:   "download <repo-id> [file]",
		Short: "Download a file or a filtered repo snapshot",
		Example: `  modelcache download org/model config.json
  modelcache download org/pipeline --include "unet/*" --include model_index.json`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.newClient()
			if err != nil {
				return err
			}

			repo.Id = args[0]
			params.Repo = &repo
			if len(args) == 2 {
				params.FileName = args[1]
			}
			params.AllowPatterns = include
			params.IgnorePatterns = exclude

			var path string
			err = a.withProgress(cmd, client, func() error {
				path, err = client.Download(cmd.Context(), &params)
				return err
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVar(&repo.Type, "repo-type", hub.ModelRepoType, "repository type (model, dataset or space)")
	cmd.Flags().StringVar(&params.Revision, "revision", hub.DefaultRevision, "branch, tag or commit hash")
	cmd.Flags().StringVar(&params.SubFolder, "subfolder", "", "folder of the file inside the repo")
	cmd.Flags().StringArrayVar(&include, "include", nil, "fnmatch glob of repo files to download, \"*\" crosses \"/\" (repeatable)")
	cmd.Flags().StringArrayVar(&exclude, "exclude", nil, "fnmatch glob of repo files to skip (repeatable)")
	cmd.Flags().BoolVar(&params.ForceDownload, "force", false, "download even if cached")
	cmd.Flags().BoolVar(&params.LocalFilesOnly, "local-only", false, "resolve from the cache without network access")

	return cmd
}
