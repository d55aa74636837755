package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwygoda/datastash/internal/cli/ui"
	"github.com/cwygoda/datastash/internal/domain"
)

var (
	fetchKind  string
	fetchForce bool
)

// fetchCmd is the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch <identifier>",
	Short: "download a dataset into the cache",
	Long: `Download a dataset into the local cache and register it in the catalog.

The identifier is a plain http(s) URL, a cloud-drive share link or file id,
or an owner/name slug of the dataset search API. A dataset that is already
cached is returned without downloading it again unless --force is given.`,
	Example: `  $ datastash fetch https://example.com/data/sales.csv
  $ datastash fetch https://drive.google.com/file/d/1AbCdEfGhIjKlMnOpQrStUvWx/view
  $ datastash fetch owner/wine-quality --force`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchKind, "kind", "k", "", "Source kind: url, cloudshare, datasetsearch")
	fetchCmd.Flags().BoolVarP(&fetchForce, "force", "f", false, "Download again even when cached")

	fetchCmd.SilenceUsage = true
}

func runFetch(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(fetchKind)
	if err != nil {
		return err
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ui.PrintInfo("Fetching %s...", args[0])
	e, err := a.Service.Fetch(cmd.Context(), domain.FetchRequest{
		Kind:       kind,
		Identifier: args[0],
		Force:      fetchForce,
	})
	if err != nil {
		return err
	}

	ui.PrintSuccess("%s cached (%s, %s)", e.Key, e.Format, ui.FormatSize(e.Size))
	fmt.Fprintln(cmd.OutOrStdout(), e.DataPath())
	return nil
}
