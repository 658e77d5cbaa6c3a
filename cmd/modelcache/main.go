package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v7"

	"github.com/go-vault/model-cache/hub"
	"github.com/go-vault/model-cache/internal/config"
	"github.com/go-vault/model-cache/internal/log"
)

type app struct {
	cfgFile string
	verbose bool
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "modelcache",
		Short: "Fetch and inspect exported models in the Hugging Face hub cache",
		Long: `modelcache downloads model repositories into the standard hub cache
(blobs, snapshots and refs) and checks exported ONNX models and diffusion
pipelines against their conventional layout.

Key Commands:
  download  - Download a file or a filtered repo snapshot
  pipeline  - Download a diffusion pipeline in the best available format
  inspect   - Describe a local model or pipeline directory
  cache     - List or verify what is in the cache
  names     - Print the conventional artifact names`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.config/modelcache/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newDownloadCmd(a),
		newPipelineCmd(a),
		newInspectCmd(),
		newCacheCmd(a),
		newNamesCmd(),
	)

	return rootCmd
}

func (a *app) init() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.Log.Level
	if a.verbose {
		level = "debug"
	}
	log.Configure(log.Config{
		Level:   level,
		Console: cfg.Log.Format != "json",
	})

	return nil
}

// newClient builds a hub client from the HF_* environment, then applies the
// config file overrides.
func (a *app) newClient() (*hub.Client, error) {
	client, err := hub.DefaultClient()
	if err != nil {
		return nil, err
	}

	if a.cfg.Hub.Endpoint != "" {
		client.Endpoint = a.cfg.Hub.Endpoint
	}
	if a.cfg.Hub.Token != "" {
		client.WithToken(a.cfg.Hub.Token)
	}
	if a.cfg.Hub.CacheDir != "" {
		client.CacheDir = a.cfg.Hub.CacheDir
		if err := os.MkdirAll(client.CacheDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	client.Offline = a.cfg.Hub.Offline
	client.MaxWorkers = a.cfg.Download.MaxWorkers
	client.Logger = log.WithComponent("hub")

	return client, nil
}

// withProgress attaches download bars to client while fn runs.
func (a *app) withProgress(cmd *cobra.Command, client *hub.Client, fn func() error) error {
	if !a.cfg.Download.ProgressBar {
		return fn()
	}

	progress := mpb.NewWithContext(cmd.Context(),
		mpb.WithOutput(cmd.ErrOrStderr()),
		mpb.WithWidth(60),
		mpb.WithRefreshRate(180*time.Millisecond),
	)
	client.Progress = progress

	err := fn()
	progress.Wait()
	client.Progress = nil
	return err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
