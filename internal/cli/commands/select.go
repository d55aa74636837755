package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cwygoda/datastash/internal/cli/ui"
	"github.com/cwygoda/datastash/internal/domain"
)

// selectCmd is the select command
var selectCmd = &cobra.Command{
	Use:   "select <index|id|identifier>",
	Short: "hand a cached dataset to an analysis tool",
	Long: `Check that a cached dataset is still present and of its recorded format,
then print the path of its data file. The path goes to standard output and
everything else to standard error, so the command composes with other tools.`,
	Example: `  $ datastash select 1
  $ duckdb -c "select count(*) from '$(datastash select owner/wine-quality)'"`,
	Args: cobra.ExactArgs(1),
	RunE: runSelect,
}

func init() {
	selectCmd.SilenceUsage = true
}

func runSelect(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	var h *domain.Handoff
	if n, convErr := strconv.Atoi(args[0]); convErr == nil {
		h, err = a.Service.SelectForAnalysis(ctx, n)
	} else {
		var e *domain.Entry
		e, err = resolveEntry(ctx, a.Service, args[0])
		if err == nil {
			h, err = a.Service.Handoff(ctx, e.Key)
		}
	}
	if err != nil {
		return err
	}

	ui.PrintSuccess("%s (%s)", h.Entry.Key, h.Format)
	fmt.Fprintln(cmd.OutOrStdout(), h.Path)
	return nil
}
