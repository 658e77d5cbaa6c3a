package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/go-vault/model-cache/constants"
	"github.com/go-vault/model-cache/hub/pipeline"
	"github.com/go-vault/model-cache/internal/ui"
	"github.com/go-vault/model-cache/layout"
)

func newInspectCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "inspect <dir>",
		Short: "Describe a local model or pipeline directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}

			root := args[0]
			w := cmd.OutOrStdout()

			switch kind := layout.Detect(root); kind {
			case layout.KindPipeline:
				report, err := pipeline.Inspect(root)
				if err != nil {
					return err
				}
				if output != outputText {
					return writeStructured(w, output, report)
				}
				printPipelineReport(w, report)
			case layout.KindModel:
				report, err := layout.ModelDir{Root: root}.Inspect()
				if err != nil {
					return err
				}
				if output != outputText {
					return writeStructured(w, output, report)
				}
				printModelReport(w, report)
			default:
				return fmt.Errorf("%s has neither model_index.json nor config.json or model.onnx", root)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")

	return cmd
}

func printModelReport(w io.Writer, r *layout.ModelReport) {
	fmt.Fprintf(w, "Model: %s\n", r.Root)
	fmt.Fprintf(w, "  %s: %s\n", constants.ConfigName, yesNo(r.HasConfig))
	fmt.Fprintf(w, "  %s: %s\n", constants.ONNXWeightsName, yesNo(r.HasONNX))
	if len(r.ExternalData) > 0 {
		fmt.Fprintf(w, "  external data: %v\n", r.ExternalData)
	}
	fmt.Fprintf(w, "  size: %s\n", ui.FormatBytes(r.Size))
}

func printPipelineReport(w io.Writer, r *pipeline.Report) {
	fmt.Fprintf(w, "Pipeline: %s (%s)\n", r.Root, r.ClassName)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "COMPONENT\tFOLDER\tROLE\tCLASS\t%s\t%s\tSIZE\n",
		constants.DiffusionModelConfigFileName, constants.DiffusionModelONNXFileName)
	for _, c := range r.Components {
		config, onnx, size := "-", "-", "-"
		if c.Model != nil {
			config = yesNo(c.Model.HasConfig)
			size = ui.FormatBytes(c.Model.Size)
			if !c.Auxiliary {
				onnx = yesNo(c.Model.HasONNX)
			}
		} else if !c.Auxiliary {
			onnx = "no"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", c.Name, c.Folder, c.Role, c.Class, config, onnx, size)
	}
	tw.Flush()

	if missing := r.Missing(); len(missing) > 0 {
		fmt.Fprintf(w, "missing %s: %v\n", constants.DiffusionModelONNXFileName, missing)
	}
	fmt.Fprintf(w, "total: %s\n", ui.FormatBytes(r.Size()))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
