package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwygoda/datastash/internal/app"
	"github.com/cwygoda/datastash/internal/cli/ui"
	"github.com/cwygoda/datastash/internal/config"
	"github.com/cwygoda/datastash/internal/domain"
)

const version = "0.1.0"

var (
	configPath string
	cacheRoot  string
	logLevel   string
	verbose    bool
)

// rootCmd is the root command
var rootCmd = &cobra.Command{
	Use:     "datastash",
	Short:   "Fetch, cache and inspect tabular datasets",
	Version: version,
	Long: `Fetch datasets from plain URLs, cloud-drive share links and a dataset search
API into a local cache, then list, preview and hand them to analysis tools.

Every dataset is downloaded once. Archives are extracted safely, formats are
detected, and the catalog survives restarts.`,
	Example: `  # Fetch a CSV file
  $ datastash fetch https://example.com/data/sales.csv

  # Search the dataset API and fetch a hit
  $ datastash search wine quality
  $ datastash fetch owner/wine-quality

  # Show the cache and pick a dataset for analysis
  $ datastash list --files
  $ datastash select 1`,
	SilenceErrors: true,
}

// Execute runs the root command and prints the error it returns, if any.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		ui.PrintError("%v", err)
		if hint := hintFor(err); hint != "" {
			fmt.Fprintf(os.Stderr, "\n%s\n", hint)
		}
	}
	return err
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default $XDG_CONFIG_HOME/datastash/config.toml)")
	rootCmd.PersistentFlags().StringVar(&cacheRoot, "cache-root", "", "Cache directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(prefetchCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.SetUsageTemplate(usageTemplate())
	rootCmd.SetHelpTemplate(usageTemplate())
}

func usageTemplate() string {
	return `{{if .Long}}{{.Long}}

{{end}}` + ui.Styles.Bold.Render("USAGE") + `
  {{.UseLine}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}

{{if .HasExample}}` + ui.Styles.Bold.Render("EXAMPLES") + `
{{.Example}}

{{end}}{{if .HasAvailableSubCommands}}` + ui.Styles.Bold.Render("COMMANDS") + `{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

{{end}}{{if .HasAvailableLocalFlags}}` + ui.Styles.Bold.Render("OPTIONS") + `
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

{{end}}{{if .HasAvailableInheritedFlags}}` + ui.Styles.Bold.Render("GLOBAL OPTIONS") + `
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

{{end}}{{if .HasAvailableSubCommands}}Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`
}

// loadConfig reads the config file and applies the global flags on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cacheRoot != "" {
		cfg.CacheRoot = config.ExpandPath(cacheRoot)
	}
	if logLevel != "" {
		if _, err := config.ParseLevel(logLevel); err != nil {
			return nil, err
		}
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// openApp wires the service for one command invocation. The caller closes it.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, verbose)
	return app.New(cmd.Context(), cfg, logger)
}

// parseKind validates the --kind flag. Empty lets the identifier decide.
func parseKind(s string) (domain.SourceKind, error) {
	if s == "" {
		return "", nil
	}
	return domain.ParseSourceKind(s)
}

// ExitCode maps an error to the process exit status. Each error kind gets
// its own code so scripts can tell them apart.
func ExitCode(err error) int {
	switch domain.KindOf(err) {
	case nil:
		if err == nil {
			return 0
		}
		return 1
	case domain.ErrSourceResolution:
		return 2
	case domain.ErrFetch:
		return 3
	case domain.ErrArchive:
		return 4
	case domain.ErrFormat:
		return 5
	case domain.ErrCatalog:
		return 6
	case domain.ErrResource:
		return 7
	}
	return 1
}

func hintFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoSource):
		return "Pass --kind to choose a source, or check the identifier."
	case errors.Is(err, domain.ErrUnsafePath):
		return "The archive was rejected because an entry points outside the extraction directory."
	case errors.Is(err, domain.ErrNotFound):
		return "Run 'datastash list' to see cached datasets."
	case errors.Is(err, domain.ErrResource):
		return "Free up disk space or move the cache with --cache-root."
	}
	return ""
}
