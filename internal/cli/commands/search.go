package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cwygoda/datastash/internal/cli/ui"
)

var searchLimit int

// searchCmd is the search command
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "search the dataset API",
	Long: `Search the dataset API and list matching datasets. Fetch a hit with
'datastash fetch <ref>'. Credentials come from the config file or the
KAGGLE_USERNAME and KAGGLE_KEY environment variables.`,
	Example: `  $ datastash search wine quality
  $ datastash search titanic --limit 10`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "l", 0, "Maximum results (default from config)")

	searchCmd.SilenceUsage = true
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	limit := searchLimit
	if limit <= 0 {
		limit = a.Config.Search.Limit
	}

	results, err := a.Service.Search(cmd.Context(), strings.Join(args, " "), limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.RenderSearchResults(results))
	return nil
}
