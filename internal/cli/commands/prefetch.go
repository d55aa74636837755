package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cwygoda/datastash/internal/cli/ui"
	"github.com/cwygoda/datastash/internal/domain"
	"github.com/cwygoda/datastash/internal/worker"
)

var (
	prefetchKind        string
	prefetchForce       bool
	prefetchFile        string
	prefetchConcurrency int
)

// prefetchCmd is the prefetch command
var prefetchCmd = &cobra.Command{
	Use:   "prefetch [identifier...]",
	Short: "download several datasets concurrently",
	Long: `Download several datasets into the cache with a bounded number of
concurrent transfers. Identifiers come from the arguments and from --file,
one per line; blank lines and lines starting with # are ignored. Use - to
read the list from standard input.`,
	Example: `  $ datastash prefetch owner/wine-quality https://example.com/sales.csv
  $ datastash prefetch --file datasets.txt --concurrency 8`,
	RunE: runPrefetch,
}

func init() {
	prefetchCmd.Flags().StringVarP(&prefetchKind, "kind", "k", "", "Source kind applied to every identifier")
	prefetchCmd.Flags().BoolVar(&prefetchForce, "force", false, "Download again even when cached")
	prefetchCmd.Flags().StringVarP(&prefetchFile, "file", "f", "", "File with one identifier per line")
	prefetchCmd.Flags().IntVar(&prefetchConcurrency, "concurrency", 0, "Parallel downloads (default from config)")

	prefetchCmd.SilenceUsage = true
}

func runPrefetch(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(prefetchKind)
	if err != nil {
		return err
	}

	ids := append([]string(nil), args...)
	if prefetchFile != "" {
		more, err := readIdentifiers(cmd.InOrStdin(), prefetchFile)
		if err != nil {
			return err
		}
		ids = append(ids, more...)
	}
	if len(ids) == 0 {
		return fmt.Errorf("no identifiers given")
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	w := a.Worker()
	if prefetchConcurrency > 0 {
		w = worker.New(a.Service, prefetchConcurrency, a.Logger)
	}

	reqs := make([]domain.FetchRequest, len(ids))
	for i, id := range ids {
		reqs[i] = domain.FetchRequest{Kind: kind, Identifier: id, Force: prefetchForce}
	}

	ui.PrintInfo("Fetching %d datasets...", len(reqs))
	results := w.Run(cmd.Context(), reqs, func(r worker.Result) {
		if r.Err != nil {
			ui.PrintError("%s: %v", r.Request.Identifier, r.Err)
			return
		}
		ui.PrintSuccess("%s (%s, %s)", r.Request.Identifier, r.Entry.Format, ui.FormatSize(r.Entry.Size))
	})

	var firstErr error
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			if firstErr == nil {
				firstErr = r.Err
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d datasets failed: %w", failed, len(results), firstErr)
	}
	return nil
}

// readIdentifiers reads one identifier per line from path, or from stdin
// when path is "-".
func readIdentifiers(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ids, nil
}
