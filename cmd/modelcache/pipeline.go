package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-vault/model-cache/hub/pipeline"
)

func newPipelineCmd(a *app) *cobra.Command {
	var (
		opts   pipeline.DownloadOptions
		format string
	)

	cmd := &cobra.Command{
		Use:   "pipeline <repo-id>",
		Short: "Download a diffusion pipeline in the best available format",
		Long: `Download model_index.json, then every component the index names, trying
ONNX, safetensors, ckpt and bin weights in that order unless --format is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "" {
				f, err := pipeline.ParseFormat(format)
				if err != nil {
					return err
				}
				opts.Format = f
			}

			client, err := a.newClient()
			if err != nil {
				return err
			}

			var path string
			err = a.withProgress(cmd, client, func() error {
				path, err = pipeline.NewDownloader(client).Download(cmd.Context(), args[0], &opts)
				return err
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "weight format: onnx, safetensors, ckpt or bin")
	cmd.Flags().StringVar(&opts.Variant, "variant", "", "weight variant such as fp16 (torch formats)")
	cmd.Flags().StringVar(&opts.Revision, "revision", "", "branch, tag or commit hash")
	cmd.Flags().StringSliceVar(&opts.Skip, "skip", nil, "components to leave out")
	cmd.Flags().BoolVar(&opts.ForceDownload, "force", false, "download even if cached")

	return cmd
}
