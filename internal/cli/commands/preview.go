package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwygoda/datastash/internal/cli/ui"
)

var (
	previewKind string
	previewRows int
)

// previewCmd is the preview command
var previewCmd = &cobra.Command{
	Use:   "preview <identifier>",
	Short: "show the first rows of a remote dataset",
	Long: `Download a dataset to a scratch directory, print its columns and first
rows, and discard it again. The cache is not touched.`,
	Example: `  $ datastash preview https://example.com/data/sales.csv
  $ datastash preview owner/wine-quality --rows 10`,
	Args: cobra.ExactArgs(1),
	RunE: runPreview,
}

func init() {
	previewCmd.Flags().StringVarP(&previewKind, "kind", "k", "", "Source kind: url, cloudshare, datasetsearch")
	previewCmd.Flags().IntVarP(&previewRows, "rows", "n", 0, "Rows to show (default from config)")

	previewCmd.SilenceUsage = true
}

func runPreview(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(previewKind)
	if err != nil {
		return err
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rows := previewRows
	if rows <= 0 {
		rows = a.Config.Preview.Rows
	}

	p, err := a.Service.Preview(cmd.Context(), kind, args[0], rows)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.RenderPreview(p))
	return nil
}
