package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwygoda/datastash/internal/cli/ui"
)

var listFiles bool

// listCmd is the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list cached datasets",
	Long: `List the datasets in the local cache, most recently fetched first. The
numbers in the first column are accepted by select and delete.`,
	Example: `  $ datastash list
  $ datastash list --files`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listFiles, "files", false, "Show the files of each dataset")

	listCmd.SilenceUsage = true
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.Service.ListDatasets(cmd.Context(), listFiles)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.RenderDatasets(entries, listFiles))
	if len(entries) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), ui.Styles.Muted.Render(fmt.Sprintf("%d datasets in %s", len(entries), a.Config.CacheRoot)))
	}
	return nil
}
