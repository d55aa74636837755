package commands

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/cwygoda/datastash/internal/cli/ui"
)

var deleteForce bool

// deleteCmd is the delete command
var deleteCmd = &cobra.Command{
	Use:   "delete <index|id|identifier>",
	Short: "remove a dataset from the cache",
	Long: `Remove a cached dataset from disk and from the catalog.

By default, you will be prompted to confirm the deletion. Use --force to skip confirmation.`,
	Example: `  $ datastash delete 2
  $ datastash delete owner/wine-quality --force`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Skip confirmation prompt")

	deleteCmd.SilenceUsage = true
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	e, err := resolveEntry(ctx, a.Service, args[0])
	if err != nil {
		return err
	}

	if !deleteForce {
		confirm := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Delete %s (%s, %s)?", e.Key, e.Format, ui.FormatSize(e.Size)),
		}
		if err := survey.AskOne(prompt, &confirm); err != nil {
			return fmt.Errorf("confirmation prompt failed: %w", err)
		}
		if !confirm {
			ui.PrintInfo("Deletion cancelled")
			return nil
		}
	}

	if err := a.Service.DeleteDataset(ctx, e.Key); err != nil {
		return err
	}
	ui.PrintSuccess("Deleted %s", e.Key)
	return nil
}
